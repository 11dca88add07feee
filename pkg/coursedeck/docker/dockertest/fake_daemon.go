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

// Package dockertest provides an in-memory Daemon for tests.
package dockertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
)

// FakeContainer is one container known to the FakeDaemon.
type FakeContainer struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Created time.Time
	Spec    docker.ContainerSpec
	Ports   nat.PortMap
}

// BuildRecord captures one BuildImage call.
type BuildRecord struct {
	ContextDir string
	Ref        string
	BuildArgs  map[string]*string
}

// FakeDaemon is an in-memory docker.Daemon. The zero value is ready to use;
// toggle the Err fields to make individual operations fail.
type FakeDaemon struct {
	ErrBuild            bool
	ErrPull             bool
	ErrImageInspect     bool
	ErrImageRemove      bool
	ErrContainerCreate  bool
	ErrContainerStart   bool
	ErrContainerInspect bool
	ErrContainerRemove  bool
	ErrContainerList    bool
	ErrNetworkCreate    bool
	ErrNetworkInspect   bool
	ErrLogs             bool

	// BuildFailureMsg ends every build stream with an error event.
	BuildFailureMsg string
	// BuildOutput is streamed before a build completes.
	BuildOutput []docker.BuildEvent
	// LogsBody, when set, backs ContainerLogs.
	LogsBody io.ReadCloser

	mu              sync.Mutex
	nextImageID     int
	nextContainerID int
	tagToImageID    map[string]string
	imageSizes      map[string]int64
	containers      map[string]*FakeContainer
	networks        map[string]map[string][]string

	Built          []BuildRecord
	Pulled         []string
	RemovedImages  []string
	Killed         []string
	Stopped        []string
	Removed        []string
	NetworkCreates int
}

var _ docker.Daemon = (*FakeDaemon)(nil)

// AddImage seeds an image under the given tag and returns its hash.
func (f *FakeDaemon) AddImage(tag string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addImageLocked(tag)
}

func (f *FakeDaemon) addImageLocked(tag string) string {
	if f.tagToImageID == nil {
		f.tagToImageID = make(map[string]string)
	}
	f.nextImageID++
	imageID := fmt.Sprintf("sha256:%064d", f.nextImageID)
	f.tagToImageID[imageID] = imageID
	if tag != "" {
		f.tagToImageID[tag] = imageID
		if !strings.Contains(tag, ":") {
			f.tagToImageID[tag+":latest"] = imageID
		}
	}
	return imageID
}

// SetImageSize records the size InspectImage reports for an image.
func (f *FakeDaemon) SetImageSize(ref string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imageSizes == nil {
		f.imageSizes = make(map[string]int64)
	}
	if id, ok := f.tagToImageID[ref]; ok {
		f.imageSizes[id] = size
	}
}

// AddContainer seeds a container, for state the engine did not create itself.
func (f *FakeDaemon) AddContainer(c FakeContainer) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containers == nil {
		f.containers = make(map[string]*FakeContainer)
	}
	if c.ID == "" {
		f.nextContainerID++
		c.ID = fmt.Sprintf("container-%d", f.nextContainerID)
	}
	if c.Created.IsZero() {
		c.Created = time.Now()
	}
	stored := c
	f.containers[stored.ID] = &stored
	return &stored
}

// ConnectedAliases returns the aliases a container holds on a network.
func (f *FakeDaemon) ConnectedAliases(networkName, id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[networkName][id]
}

// Container returns a seeded or created container by id.
func (f *FakeDaemon) Container(id string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func (f *FakeDaemon) BuildImage(_ context.Context, contextDir, ref string, buildArgs map[string]*string) (<-chan docker.BuildEvent, error) {
	if f.ErrBuild {
		return nil, errors.Daemonf("cannot start build")
	}

	f.mu.Lock()
	f.Built = append(f.Built, BuildRecord{ContextDir: contextDir, Ref: ref, BuildArgs: buildArgs})
	failure := f.BuildFailureMsg
	output := f.BuildOutput
	if failure == "" {
		f.addImageLocked(ref)
	}
	f.mu.Unlock()

	events := make(chan docker.BuildEvent)
	go func() {
		defer close(events)
		if output == nil {
			output = []docker.BuildEvent{
				{Stream: "Step 1/2 : FROM scratch\n"},
				{Status: "Downloading", Progress: "[=====>    ]"},
				{Stream: "Successfully built\n"},
			}
		}
		for _, event := range output {
			events <- event
		}
		if failure != "" {
			events <- docker.BuildEvent{Error: failure}
		}
	}()
	return events, nil
}

// PullImage registers the image as present, like a successful registry pull.
func (f *FakeDaemon) PullImage(_ context.Context, ref string) error {
	if f.ErrPull {
		return errors.Daemonf("cannot pull image")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.Pulled = append(f.Pulled, ref)
	if f.tagToImageID == nil {
		f.tagToImageID = make(map[string]string)
	}
	if _, ok := f.tagToImageID[ref]; !ok {
		f.addImageLocked(ref)
	}
	return nil
}

func (f *FakeDaemon) InspectImage(_ context.Context, ref string) (types.ImageInspect, error) {
	if f.ErrImageInspect {
		return types.ImageInspect{}, errors.Daemonf("cannot inspect image")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for tag, imageID := range f.tagToImageID {
		if tag == ref || imageID == ref {
			return types.ImageInspect{
				ID:   imageID,
				Size: f.imageSizes[imageID],
			}, nil
		}
	}
	return types.ImageInspect{}, errors.NotFoundf("no such image: %s", ref)
}

func (f *FakeDaemon) TagImage(_ context.Context, source, repo, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	imageID, ok := f.tagToImageID[source]
	if !ok {
		return errors.NotFoundf("no such image: %s", source)
	}
	f.tagToImageID[repo+":"+tag] = imageID
	return nil
}

func (f *FakeDaemon) RemoveImage(_ context.Context, ref string) error {
	if f.ErrImageRemove {
		return errors.Daemonf("cannot remove image")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	imageID, ok := f.tagToImageID[ref]
	if !ok {
		return errors.NotFoundf("no such image: %s", ref)
	}
	for _, c := range f.containers {
		if imageRefMatch(c.Image, imageID) {
			return errors.Conflictf("conflict: image is being used by container %s", c.ID)
		}
	}
	for tag, id := range f.tagToImageID {
		if id == imageID {
			delete(f.tagToImageID, tag)
		}
	}
	f.RemovedImages = append(f.RemovedImages, ref)
	return nil
}

func imageRefMatch(a, b string) bool {
	return a == b || strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func (f *FakeDaemon) ListContainers(_ context.Context, all bool) ([]types.Container, error) {
	if f.ErrContainerList {
		return nil, errors.Daemonf("cannot list containers")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Container
	for _, c := range f.containers {
		if !all && !c.Running {
			continue
		}
		state := "exited"
		if c.Running {
			state = "running"
		}
		out = append(out, types.Container{
			ID:      c.ID,
			Names:   []string{"/" + c.Name},
			Image:   c.Image,
			ImageID: c.Image,
			State:   state,
			Created: c.Created.Unix(),
		})
	}
	return out, nil
}

func (f *FakeDaemon) FindContainerByName(ctx context.Context, name string) (*types.Container, error) {
	containers, err := f.ListContainers(ctx, true)
	if err != nil {
		return nil, err
	}
	want := "/" + strings.TrimPrefix(name, "/")
	for i, c := range containers {
		for _, n := range c.Names {
			if n == want {
				return &containers[i], nil
			}
		}
	}
	return nil, nil
}

func (f *FakeDaemon) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	if f.ErrContainerCreate {
		return "", errors.Daemonf("cannot create container")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.containers == nil {
		f.containers = make(map[string]*FakeContainer)
	}
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", errors.Conflictf("conflict: container name %q already in use", spec.Name)
		}
	}
	if _, ok := f.tagToImageID[spec.Image]; !ok {
		return "", errors.NotFoundf("no such image: %s", spec.Image)
	}

	f.nextContainerID++
	c := &FakeContainer{
		ID:      fmt.Sprintf("container-%d", f.nextContainerID),
		Name:    spec.Name,
		Image:   spec.Image,
		Created: time.Now(),
		Spec:    spec,
	}
	f.containers[c.ID] = c

	if spec.NetworkName != "" {
		f.connectLocked(spec.NetworkName, c.ID, spec.Aliases)
	}
	return c.ID, nil
}

func (f *FakeDaemon) StartContainer(_ context.Context, id string) error {
	if f.ErrContainerStart {
		return errors.Daemonf("cannot start container")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return errors.NotFoundf("no such container: %s", id)
	}
	c.Running = true
	return nil
}

func (f *FakeDaemon) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return errors.NotFoundf("no such container: %s", id)
	}
	c.Running = false
	f.Stopped = append(f.Stopped, id)
	return nil
}

func (f *FakeDaemon) KillContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return errors.NotFoundf("no such container: %s", id)
	}
	c.Running = false
	f.Killed = append(f.Killed, id)
	return nil
}

func (f *FakeDaemon) RemoveContainer(_ context.Context, id string) error {
	if f.ErrContainerRemove {
		return errors.Daemonf("cannot remove container")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[id]; !ok {
		return errors.NotFoundf("no such container: %s", id)
	}
	delete(f.containers, id)
	for _, members := range f.networks {
		delete(members, id)
	}
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *FakeDaemon) InspectContainer(_ context.Context, id string) (types.ContainerJSON, error) {
	if f.ErrContainerInspect {
		return types.ContainerJSON{}, errors.Daemonf("cannot inspect container")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, errors.NotFoundf("no such container: %s", id)
	}

	networks := make(map[string]*network.EndpointSettings)
	for name, members := range f.networks {
		if aliases, ok := members[c.ID]; ok {
			networks[name] = &network.EndpointSettings{Aliases: aliases}
		}
	}

	status := "exited"
	if c.Running {
		status = "running"
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:      c.ID,
			Name:    "/" + c.Name,
			Created: c.Created.UTC().Format(time.RFC3339Nano),
			Image:   c.Image,
			State: &types.ContainerState{
				Status:  status,
				Running: c.Running,
			},
		},
		Config: &container.Config{
			Image: c.Image,
			Env:   c.Spec.Env,
			Cmd:   c.Spec.Cmd,
		},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{
				Ports: c.Ports,
			},
			Networks: networks,
		},
	}, nil
}

func (f *FakeDaemon) ContainerLogs(_ context.Context, id string, _ docker.LogsOptions) (io.ReadCloser, error) {
	if f.ErrLogs {
		return nil, errors.Daemonf("cannot stream logs")
	}

	f.mu.Lock()
	_, ok := f.containers[id]
	body := f.LogsBody
	f.mu.Unlock()

	if !ok {
		return nil, errors.NotFoundf("no such container: %s", id)
	}
	if body == nil {
		body = io.NopCloser(strings.NewReader(""))
	}
	return body, nil
}

func (f *FakeDaemon) EnsureNetwork(_ context.Context, name string) error {
	if f.ErrNetworkCreate {
		return errors.Daemonf("cannot create network")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.networks == nil {
		f.networks = make(map[string]map[string][]string)
	}
	if _, ok := f.networks[name]; !ok {
		f.networks[name] = make(map[string][]string)
		f.NetworkCreates++
	}
	return nil
}

func (f *FakeDaemon) NetworkInspect(_ context.Context, name string) (network.Inspect, error) {
	if f.ErrNetworkInspect {
		return network.Inspect{}, errors.Daemonf("cannot inspect network")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	members, ok := f.networks[name]
	if !ok {
		return network.Inspect{}, errors.NotFoundf("network %s not found", name)
	}

	containers := make(map[string]network.EndpointResource)
	for id := range members {
		var containerName string
		if c, ok := f.containers[id]; ok {
			containerName = c.Name
		}
		containers[id] = network.EndpointResource{Name: containerName}
	}
	return network.Inspect{
		Name:       name,
		Containers: containers,
	}, nil
}

func (f *FakeDaemon) ConnectNetwork(_ context.Context, name, id string, aliases []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.networks[name]; !ok {
		return errors.NotFoundf("network %s not found", name)
	}
	if _, ok := f.containers[id]; !ok {
		return errors.NotFoundf("no such container: %s", id)
	}
	f.connectLocked(name, id, aliases)
	return nil
}

func (f *FakeDaemon) connectLocked(name, id string, aliases []string) {
	if f.networks == nil {
		f.networks = make(map[string]map[string][]string)
	}
	if _, ok := f.networks[name]; !ok {
		f.networks[name] = make(map[string][]string)
		f.NetworkCreates++
	}
	f.networks[name][id] = append([]string(nil), aliases...)
}

func (f *FakeDaemon) DisconnectNetwork(_ context.Context, name, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, ok := f.networks[name]
	if !ok {
		return errors.NotFoundf("network %s not found", name)
	}
	delete(members, id)
	return nil
}

func (f *FakeDaemon) Close() error { return nil }
