/*
Copyright 2019 The Coursedeck Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
)

// BuildEvent is one decoded message from the daemon's build stream. Exactly
// one of Stream, Status, or Error is meaningful; Progress accompanies Status.
type BuildEvent struct {
	Stream   string
	Status   string
	Progress string
	Error    string
}

// BuildImage builds contextDir into an image tagged ref and returns the live
// event stream. The channel is closed when the daemon finishes; a terminal
// event with Error set reports a failed build. The build runs to completion
// on the daemon regardless of whether the caller keeps consuming.
func (l *localDaemon) BuildImage(ctx context.Context, contextDir, ref string, buildArgs map[string]*string) (<-chan BuildEvent, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, errors.BadRequestf("invalid image reference %q: %v", ref, err)
	}

	buildCtx, err := BuildContext(contextDir)
	if err != nil {
		return nil, fmt.Errorf("creating build context: %w", err)
	}

	resp, err := l.apiClient.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{reference.FamiliarString(named)},
		Dockerfile: constants.DefaultDockerfilePath,
		BuildArgs:  buildArgs,
		Remove:     true,
	})
	if err != nil {
		buildCtx.Close()
		return nil, errors.Daemon(fmt.Errorf("starting build: %w", err))
	}

	events := make(chan BuildEvent)
	go func() {
		defer close(events)
		defer buildCtx.Close()
		defer resp.Body.Close()
		streamBuildMessages(ctx, resp.Body, events)
	}()
	return events, nil
}

// streamBuildMessages decodes the daemon's json message stream into events.
func streamBuildMessages(ctx context.Context, body io.Reader, events chan<- BuildEvent) {
	dec := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF {
				sendEvent(ctx, events, BuildEvent{Error: fmt.Sprintf("decoding build output: %v", err)})
			}
			return
		}
		if msg.Error != nil {
			sendEvent(ctx, events, BuildEvent{Error: msg.Error.Message})
			return
		}
		event := BuildEvent{
			Stream: msg.Stream,
			Status: msg.Status,
		}
		if msg.Progress != nil {
			event.Progress = msg.Progress.String()
		}
		if event.Stream == "" && event.Status == "" {
			// Aux records and keepalives carry nothing to show.
			continue
		}
		if !sendEvent(ctx, events, event) {
			log.Entry(ctx).Debug("build observer gone, draining daemon stream")
			drainBuildMessages(dec)
			return
		}
	}
}

func sendEvent(ctx context.Context, events chan<- BuildEvent, event BuildEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func drainBuildMessages(dec *json.Decoder) {
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
	}
}

func (l *localDaemon) InspectImage(ctx context.Context, ref string) (types.ImageInspect, error) {
	info, _, err := l.apiClient.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return types.ImageInspect{}, classify(err)
	}
	return info, nil
}

// PullImage fetches an image from its registry, blocking until the pull
// completes.
func (l *localDaemon) PullImage(ctx context.Context, ref string) error {
	body, err := l.apiClient.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(err)
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Daemonf("malformed pull response: %v", err)
		}
		if msg.Error != nil {
			return errors.Daemonf("pulling %s: %s", ref, msg.Error.Message)
		}
	}
}

// TagImage tags source as repo:tag.
func (l *localDaemon) TagImage(ctx context.Context, source, repo, tag string) error {
	named, err := reference.ParseNormalizedNamed(repo)
	if err != nil {
		return errors.BadRequestf("invalid image repository %q: %v", repo, err)
	}
	tagged, err := reference.WithTag(named, tag)
	if err != nil {
		return errors.BadRequestf("invalid image tag %q: %v", tag, err)
	}
	return classify(l.apiClient.ImageTag(ctx, source, reference.FamiliarString(tagged)))
}

// RemoveImage removes the image and its tags. An image still referenced by a
// container surfaces as a conflict for the caller to resolve.
func (l *localDaemon) RemoveImage(ctx context.Context, ref string) error {
	_, err := l.apiClient.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	return classify(err)
}
