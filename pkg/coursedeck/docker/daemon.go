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

// Package docker wraps the container daemon behind the narrow interface the
// engine needs. Daemon errors are classified into the engine's error kinds at
// this boundary.
package docker

import (
	"context"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
)

const stopTimeoutSeconds = 10

// ContainerSpec describes a container to create. Auto-remove is always
// disabled so exited containers stay inspectable until pruned.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	NetworkName string
	Aliases     []string
	MemoryBytes int64
	Mounts      []mount.Mount
}

// LogsOptions selects which container log lines to stream.
type LogsOptions struct {
	Follow     bool
	Tail       string
	Since      string
	Timestamps bool
}

// Daemon talks to the local container daemon.
type Daemon interface {
	BuildImage(ctx context.Context, contextDir, ref string, buildArgs map[string]*string) (<-chan BuildEvent, error)
	InspectImage(ctx context.Context, ref string) (types.ImageInspect, error)
	PullImage(ctx context.Context, ref string) error
	TagImage(ctx context.Context, source, repo, tag string) error
	RemoveImage(ctx context.Context, ref string) error
	ListContainers(ctx context.Context, all bool) ([]types.Container, error)
	FindContainerByName(ctx context.Context, name string) (*types.Container, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error)
	EnsureNetwork(ctx context.Context, name string) error
	NetworkInspect(ctx context.Context, name string) (network.Inspect, error)
	ConnectNetwork(ctx context.Context, name, id string, aliases []string) error
	DisconnectNetwork(ctx context.Context, name, id string) error
	Close() error
}

type localDaemon struct {
	apiClient client.APIClient
}

// NewDaemon wraps an API client as a Daemon.
func NewDaemon(apiClient client.APIClient) Daemon {
	return &localDaemon{apiClient: apiClient}
}

// NewAPIClient connects to the daemon configured by the environment. Declared
// as a var so tests can substitute a fake.
var NewAPIClient = func() (client.APIClient, error) {
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Daemonf("getting docker client: %v", err)
	}
	return apiClient, nil
}

func (l *localDaemon) Close() error {
	return l.apiClient.Close()
}

func (l *localDaemon) ListContainers(ctx context.Context, all bool) ([]types.Container, error) {
	containers, err := l.apiClient.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, classify(err)
	}
	return containers, nil
}

// FindContainerByName returns the container whose name matches exactly, with
// or without the daemon's leading slash. A nil result means not found.
func (l *localDaemon) FindContainerByName(ctx context.Context, name string) (*types.Container, error) {
	containers, err := l.ListContainers(ctx, true)
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

func (l *localDaemon) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}
	if len(spec.Cmd) > 0 {
		cfg.Cmd = spec.Cmd
	}

	hostCfg := &container.HostConfig{
		Mounts:     spec.Mounts,
		AutoRemove: false,
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
	}

	var networkCfg *network.NetworkingConfig
	if spec.NetworkName != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkName: {Aliases: spec.Aliases},
			},
		}
	}

	created, err := l.apiClient.ContainerCreate(ctx, cfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return "", classify(err)
	}
	for _, warning := range created.Warnings {
		log.Entry(ctx).Warn(warning)
	}
	return created.ID, nil
}

func (l *localDaemon) StartContainer(ctx context.Context, id string) error {
	return classify(l.apiClient.ContainerStart(ctx, id, container.StartOptions{}))
}

func (l *localDaemon) StopContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	err := l.apiClient.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if isAlreadyStopped(err) {
		log.Entry(ctx).Debugf("container %s already stopped", id)
		return nil
	}
	return classify(err)
}

// KillContainer force kills the container. A container that already exited is
// not an error.
func (l *localDaemon) KillContainer(ctx context.Context, id string) error {
	err := l.apiClient.ContainerKill(ctx, id, "SIGKILL")
	if isAlreadyStopped(err) {
		log.Entry(ctx).Debugf("container %s already stopped", id)
		return nil
	}
	return classify(err)
}

func (l *localDaemon) RemoveContainer(ctx context.Context, id string) error {
	return classify(l.apiClient.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (l *localDaemon) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	info, err := l.apiClient.ContainerInspect(ctx, id)
	if err != nil {
		return types.ContainerJSON{}, classify(err)
	}
	return info, nil
}

func (l *localDaemon) ContainerLogs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error) {
	body, err := l.apiClient.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Since:      opts.Since,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, classify(err)
	}
	return body, nil
}

// EnsureNetwork creates the shared bridge network if it does not exist.
// Creation races safely: the daemon enforces name uniqueness, so a concurrent
// create surfaces as a conflict and counts as success.
func (l *localDaemon) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := l.NetworkInspect(ctx, name); err == nil {
		return nil
	} else if !errors.IsNotFound(err) {
		return err
	}

	created, err := l.apiClient.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Internal:   false,
		Attachable: true,
	})
	if err != nil {
		if errdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists") {
			log.Entry(ctx).Debugf("network %s created concurrently", name)
			return nil
		}
		return classify(err)
	}
	if created.Warning != "" {
		log.Entry(ctx).Warn(created.Warning)
	}
	return nil
}

func (l *localDaemon) NetworkInspect(ctx context.Context, name string) (network.Inspect, error) {
	info, err := l.apiClient.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return network.Inspect{}, classify(err)
	}
	return info, nil
}

func (l *localDaemon) ConnectNetwork(ctx context.Context, name, id string, aliases []string) error {
	return classify(l.apiClient.NetworkConnect(ctx, name, id, &network.EndpointSettings{
		Aliases: aliases,
	}))
}

func (l *localDaemon) DisconnectNetwork(ctx context.Context, name, id string) error {
	return classify(l.apiClient.NetworkDisconnect(ctx, name, id, false))
}

// classify maps daemon errors onto the engine's error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return errors.NotFound(err)
	case errdefs.IsConflict(err):
		return errors.Conflict(err)
	default:
		return errors.Daemon(err)
	}
}

// isAlreadyStopped matches the daemon's conflict responses for stopping or
// killing a container that is not running.
func isAlreadyStopped(err error) bool {
	if err == nil {
		return false
	}
	if !errdefs.IsConflict(err) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "is not running") || strings.Contains(msg, "already stopped")
}
