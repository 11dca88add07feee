/*
Copyright 2022 The Coursedeck Authors

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

// Package logstream turns daemon byte streams into line-oriented, typed
// event streams for build and runtime logs. Frames keep the daemon's
// interleaving of stdout and stderr; nothing is merged or reordered.
package logstream

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

const (
	TypeStart    = "start"
	TypeLog      = "log"
	TypeError    = "error"
	TypeComplete = "complete"
	TypeEnd      = "end"

	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

const (
	defaultTail = 100
	maxTail     = 10_000
)

// Event is one outbound record of a log stream.
type Event struct {
	Type      string `json:"type"`
	Stream    string `json:"stream,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Project   string `json:"project,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

var now = time.Now

// RuntimeOptions select what part of a container's output to stream.
type RuntimeOptions struct {
	// Tail is the number of historical lines to replay, 100 when zero.
	Tail int
	// Since restricts output to lines after a daemon timestamp.
	Since string
	// Timestamps asks the daemon to prefix every line with its timestamp.
	Timestamps bool
}

// Service exposes the project-facing log streams.
type Service struct {
	daemon   docker.Daemon
	projects store.Projects
}

// NewService builds a Service over the daemon and the project store.
func NewService(daemon docker.Daemon, projects store.Projects) *Service {
	return &Service{daemon: daemon, projects: projects}
}

// StreamRuntimeLogs follows a project's container output. The returned
// channel is closed when the container's stream ends; an {end} event marks
// normal EOF. Cancelling ctx tears down the daemon stream.
func (s *Service) StreamRuntimeLogs(ctx context.Context, projectID string, opts RuntimeOptions) (<-chan Event, error) {
	if opts.Tail < 0 {
		return nil, errors.BadRequestf("tail must not be negative")
	}
	if opts.Tail > maxTail {
		return nil, errors.BadRequestf("tail cannot exceed %d", maxTail)
	}

	p, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.ContainerID == nil || *p.ContainerID == "" {
		return nil, errors.BadRequestf("project %s has no container", projectID)
	}

	tail := opts.Tail
	if tail == 0 {
		tail = defaultTail
	}
	body, err := s.daemon.ContainerLogs(ctx, *p.ContainerID, docker.LogsOptions{
		Follow:     true,
		Tail:       strconv.Itoa(tail),
		Since:      opts.Since,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer body.Close()

		// The decode loop blocks on body reads. Closing the body on
		// cancellation is what unblocks it once the consumer is gone.
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				body.Close()
			case <-watchDone:
			}
		}()

		err := Demux(ctx, body, events)
		switch {
		case ctx.Err() != nil:
			log.Entry(ctx).Debugf("log consumer for %s gone, stream torn down", projectID)
		case err != nil:
			emit(ctx, events, Event{Type: TypeError, Message: err.Error()})
		default:
			emit(ctx, events, Event{Type: TypeEnd})
		}
	}()
	return events, nil
}

// StreamBuildLogs replays a project's stored build output as a build event
// stream.
func (s *Service) StreamBuildLogs(ctx context.Context, projectID string) (<-chan Event, error) {
	p, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		if !emit(ctx, events, Event{Type: TypeStart, Project: p.ID}) {
			return
		}
		for _, line := range splitLines(p.BuildLogs) {
			if !emit(ctx, events, Event{Type: TypeLog, Data: line}) {
				return
			}
		}
		emit(ctx, events, Event{Type: TypeComplete, Project: p.ID})
	}()
	return events, nil
}

// Demux copies a multiplexed daemon stream onto out, one log event per
// frame, until src is exhausted. The 8-byte frame headers and partial reads
// are handled by the daemon's own framing decoder.
func Demux(ctx context.Context, src io.Reader, out chan<- Event) error {
	stdout := &frameWriter{ctx: ctx, stream: StreamStdout, out: out}
	stderr := &frameWriter{ctx: ctx, stream: StreamStderr, out: out}
	_, err := stdcopy.StdCopy(stdout, stderr, src)
	return err
}

type frameWriter struct {
	ctx    context.Context
	stream string
	out    chan<- Event
}

func (w *frameWriter) Write(p []byte) (int, error) {
	event := Event{
		Type:      TypeLog,
		Stream:    w.stream,
		Data:      string(p),
		Timestamp: now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case w.out <- event:
		return len(p), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}

func emit(ctx context.Context, out chan<- Event, event Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
