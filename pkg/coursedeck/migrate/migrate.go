/*
Copyright 2023 The Coursedeck Authors

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

// Package migrate adopts containers created outside the engine. Adoption puts
// the container on the shared network under a team alias and records a
// project row for it, after which the reconciler and pruner manage it like
// any deployed project.
package migrate

import (
	"context"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	"github.com/google/uuid"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/config"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/deploy"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

const aliasAttempts = 10

var now = time.Now

// aliasSuffix returns 4 lowercase hex characters for de-duplicating aliases.
var aliasSuffix = func() string {
	return uuid.NewString()[:4]
}

// Request names the container to adopt and the team that owns it. GithubURL
// and DeployedBy are optional; when set they override whatever an existing
// project row carries.
type Request struct {
	ContainerName string
	TeamID        int64
	GithubURL     *string
	DeployedBy    *int64
}

// Report describes one completed adoption.
type Report struct {
	Project *store.Project
	Alias   string
}

// Migrator brings foreign containers under engine management.
type Migrator struct {
	daemon   docker.Daemon
	projects store.Projects
	teams    store.Teams
	cfg      *config.Config
}

// NewMigrator wires a Migrator.
func NewMigrator(daemon docker.Daemon, projects store.Projects, teams store.Teams, cfg *config.Config) *Migrator {
	return &Migrator{daemon: daemon, projects: projects, teams: teams, cfg: cfg}
}

// Adopt attaches the named container to the shared network under a unique
// team alias and upserts its project row. Adopting a container that is
// already managed refreshes the row in place.
func (m *Migrator) Adopt(ctx context.Context, req Request) (*Report, error) {
	ctx = log.WithEventContext(ctx, constants.Migrate, req.ContainerName)

	team, err := m.teams.Get(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}

	found, err := m.daemon.FindContainerByName(ctx, req.ContainerName)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.NotFoundf("container %s not found", req.ContainerName)
	}

	if err := m.daemon.EnsureNetwork(ctx, m.cfg.NetworkName); err != nil {
		return nil, err
	}

	alias, err := m.allocateAlias(ctx, deploy.NormalizeTeamName(team.Name), found.ID)
	if err != nil {
		return nil, err
	}
	if err := m.attach(ctx, found.ID, alias); err != nil {
		return nil, err
	}

	info, err := m.daemon.InspectContainer(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	project, err := m.upsert(ctx, req, team, info)
	if err != nil {
		return nil, err
	}

	log.Entry(ctx).Infof("adopted container %s for team %s with alias %s", info.ID, team.Name, alias)
	return &Report{Project: project, Alias: alias}, nil
}

// allocateAlias picks base when free, otherwise base with a random 4 hex
// character suffix. The adopted container's own aliases do not count as
// taken, so re-adopting keeps the alias it already has.
func (m *Migrator) allocateAlias(ctx context.Context, base, containerID string) (string, error) {
	used, err := m.usedAliases(ctx, containerID)
	if err != nil {
		return "", err
	}

	if !used[base] {
		return base, nil
	}
	for i := 0; i < aliasAttempts; i++ {
		candidate := base + "-" + aliasSuffix()
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", errors.Conflictf("no free alias for %s after %d attempts", base, aliasAttempts)
}

func (m *Migrator) usedAliases(ctx context.Context, selfID string) (map[string]bool, error) {
	info, err := m.daemon.NetworkInspect(ctx, m.cfg.NetworkName)
	if err != nil {
		return nil, err
	}

	used := map[string]bool{}
	for id := range info.Containers {
		if id == selfID {
			continue
		}
		member, err := m.daemon.InspectContainer(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				// Left the network since the inspect.
				continue
			}
			return nil, err
		}
		for _, alias := range networkAliases(member, m.cfg.NetworkName) {
			used[alias] = true
		}
	}
	return used, nil
}

// attach connects the container under alias. A container holding a different
// alias is disconnected first; the disconnect is best effort since some
// runtimes refuse it for running endpoints.
func (m *Migrator) attach(ctx context.Context, containerID, alias string) error {
	info, err := m.daemon.InspectContainer(ctx, containerID)
	if err != nil {
		return err
	}

	current := endpoint(info, m.cfg.NetworkName)
	if current == nil {
		return m.daemon.ConnectNetwork(ctx, m.cfg.NetworkName, containerID, []string{alias})
	}
	for _, a := range current.Aliases {
		if a == alias {
			return nil
		}
	}
	if err := m.daemon.DisconnectNetwork(ctx, m.cfg.NetworkName, containerID); err != nil {
		log.Entry(ctx).Warnf("disconnecting container %s before realiasing: %v", containerID, err)
	}
	return m.daemon.ConnectNetwork(ctx, m.cfg.NetworkName, containerID, []string{alias})
}

func (m *Migrator) upsert(ctx context.Context, req Request, team *store.Team, info types.ContainerJSON) (*store.Project, error) {
	imageHash := info.Image
	if img, err := m.daemon.InspectImage(ctx, info.Image); err == nil {
		imageHash = img.ID
	} else {
		log.Entry(ctx).Debugf("resolving image %s: %v", info.Image, err)
	}

	deployedAt, err := time.Parse(time.RFC3339Nano, info.Created)
	if err != nil {
		log.Entry(ctx).Debugf("unparseable container created time %q", info.Created)
		deployedAt = now()
	}

	status := store.StatusStopped
	if info.State != nil && info.State.Running {
		status = store.StatusRunning
	}

	existing, err := m.projects.GetByContainerID(ctx, info.ID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	if existing == nil {
		githubURL := ""
		if req.GithubURL != nil {
			githubURL = *req.GithubURL
		}
		containerID := info.ID
		project := &store.Project{
			TeamID:        team.ID,
			Status:        status,
			ImageHash:     imageHash,
			ContainerID:   &containerID,
			ContainerName: info.Name,
			Ports:         deploy.SnapshotPorts(info),
			BuildArgs:     store.EnvMap{},
			GithubURL:     githubURL,
			DeployedByID:  req.DeployedBy,
			DeployedAt:    deployedAt,
		}
		if err := m.projects.Create(ctx, project); err != nil {
			return nil, err
		}
		return project, nil
	}

	// An already managed container keeps its original deploy time.
	changes := store.Changes{
		"team_id":        team.ID,
		"status":         status,
		"image_hash":     imageHash,
		"container_name": info.Name,
		"ports":          deploy.SnapshotPorts(info),
	}
	if req.GithubURL != nil {
		changes["github_url"] = *req.GithubURL
	}
	if req.DeployedBy != nil {
		changes["deployed_by_id"] = *req.DeployedBy
	}
	return m.projects.Update(ctx, existing.ID, changes)
}

func endpoint(info types.ContainerJSON, networkName string) *network.EndpointSettings {
	if info.NetworkSettings == nil {
		return nil
	}
	return info.NetworkSettings.Networks[networkName]
}

func networkAliases(info types.ContainerJSON, networkName string) []string {
	ep := endpoint(info, networkName)
	if ep == nil {
		return nil
	}
	return ep.Aliases
}
