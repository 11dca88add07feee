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

// Package deploy runs the deployment pipeline: clone a team's repository,
// build it, and run the result as the team's single live container on the
// shared network.
package deploy

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
	"github.com/moby/locker"
	"github.com/spf13/afero"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/auth"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/config"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/git"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/logstream"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

var now = time.Now

// Request carries the inputs of one deployment.
type Request struct {
	TeamID     int64
	GithubURL  string
	DeployedBy int64

	// BuildArgs are forwarded to the image build.
	BuildArgs map[string]string
	// DataFilePath is the container-side path of an uploaded data file to
	// bind-mount read-only, with OriginalFileName as its visible name.
	DataFilePath     string
	OriginalFileName string
	// EnvVars become the container's environment.
	EnvVars map[string]string
}

// Deployer runs the deployment pipeline against the daemon and the store.
// Deploys for the same team are serialized on a per-team lock.
type Deployer struct {
	daemon    docker.Daemon
	projects  store.Projects
	teams     store.Teams
	offerings store.Offerings
	oracle    auth.Oracle
	fs        afero.Fs
	cfg       *config.Config
	locks     *locker.Locker
}

// NewDeployer wires a Deployer.
func NewDeployer(daemon docker.Daemon, projects store.Projects, teams store.Teams, offerings store.Offerings, oracle auth.Oracle, fs afero.Fs, cfg *config.Config) *Deployer {
	return &Deployer{
		daemon:    daemon,
		projects:  projects,
		teams:     teams,
		offerings: offerings,
		oracle:    oracle,
		fs:        fs,
		cfg:       cfg,
		locks:     locker.New(),
	}
}

// Deploy builds a team's repository and replaces whatever the team had
// running. On success the returned project is the team's only running one.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*store.Project, error) {
	team, err := d.admit(ctx, req.TeamID, req.DeployedBy)
	if err != nil {
		return nil, err
	}
	name := NormalizeTeamName(team.Name)
	ctx = log.WithEventContext(ctx, constants.Deploy, name)

	unlock := d.lockTeam(team.ID)
	defer unlock()

	project, err := d.createProject(ctx, team, req)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, project, team, req, nil)
}

// Redeploy starts a fresh container for a previously built project, reusing
// its pinned image, data file, environment, and tag. Clone and build are
// skipped, so the stored image and data file must still exist.
func (d *Deployer) Redeploy(ctx context.Context, sourceProjectID string, callerID int64) (*store.Project, error) {
	source, err := d.projects.Get(ctx, sourceProjectID)
	if err != nil {
		return nil, err
	}
	team, err := d.admit(ctx, source.TeamID, callerID)
	if err != nil {
		return nil, err
	}
	name := NormalizeTeamName(team.Name)
	ctx = log.WithEventContext(ctx, constants.Deploy, name)

	if source.ImageHash == "" {
		return nil, errors.BadRequestf("project %s has no built image", sourceProjectID)
	}
	if _, err := d.daemon.InspectImage(ctx, source.ImageHash); err != nil {
		return nil, err
	}
	if source.DataFile != nil && *source.DataFile != "" {
		if _, err := d.fs.Stat(d.cfg.HostPath(*source.DataFile)); err != nil {
			return nil, errors.NotFoundf("data file %s is gone", *source.DataFile)
		}
	}

	unlock := d.lockTeam(team.ID)
	defer unlock()

	project := &store.Project{
		TeamID:               team.ID,
		DeployedByID:         &callerID,
		GithubURL:            source.GithubURL,
		ImageHash:            source.ImageHash,
		Tag:                  copyString(source.Tag),
		Status:               store.StatusDeploying,
		BuildArgs:            source.BuildArgs,
		EnvVars:              source.EnvVars,
		DataFile:             copyString(source.DataFile),
		OriginalDataFileName: copyString(source.OriginalDataFileName),
		DeployedAt:           now(),
	}
	if err := d.projects.Create(ctx, project); err != nil {
		return nil, err
	}

	d.preempt(ctx, team.ID, project.ID)
	d.removeNamesake(ctx, name)

	final, err := d.restart(ctx, project, name, source)
	if err != nil {
		d.failProject(ctx, project.ID, err)
		return nil, err
	}
	return final, nil
}

func (d *Deployer) restart(ctx context.Context, project *store.Project, name string, source *store.Project) (*store.Project, error) {
	if err := d.daemon.EnsureNetwork(ctx, d.cfg.NetworkName); err != nil {
		return nil, err
	}
	return d.startContainer(ctx, project.ID, containerPlan{
		name:             name,
		imageHash:        source.ImageHash,
		envVars:          source.EnvVars,
		dataFile:         copyString(source.DataFile),
		originalFileName: copyString(source.OriginalDataFileName),
	})
}

// Stop force-kills a project's container and records the stop. A container
// already gone from the daemon still counts; the row is what matters.
func (d *Deployer) Stop(ctx context.Context, projectID string, callerID int64) (*store.Project, error) {
	project, err := d.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, err := d.admit(ctx, project.TeamID, callerID); err != nil {
		return nil, err
	}
	if project.ContainerID == nil || *project.ContainerID == "" {
		return nil, errors.BadRequestf("project %s has no container", projectID)
	}

	if err := d.daemon.KillContainer(ctx, *project.ContainerID); err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	return d.projects.Update(ctx, projectID, stopChanges())
}

// admit resolves the team and checks the caller may act on it.
func (d *Deployer) admit(ctx context.Context, teamID, callerID int64) (*store.Team, error) {
	team, err := d.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	offering, err := d.offerings.Get(ctx, team.CourseOfferingID)
	if err != nil {
		return nil, err
	}
	if err := d.oracle.Authorize(ctx, callerID, team, offering.Settings.ServerLocked()); err != nil {
		return nil, err
	}
	return team, nil
}

func (d *Deployer) lockTeam(teamID int64) func() {
	key := "team-" + strconv.FormatInt(teamID, 10)
	d.locks.Lock(key)
	return func() { _ = d.locks.Unlock(key) }
}

func (d *Deployer) createProject(ctx context.Context, team *store.Team, req Request) (*store.Project, error) {
	project := &store.Project{
		TeamID:               team.ID,
		DeployedByID:         &req.DeployedBy,
		GithubURL:            req.GithubURL,
		Status:               store.StatusBuilding,
		BuildArgs:            store.EnvMap(req.BuildArgs),
		EnvVars:              store.EnvMap(req.EnvVars),
		DataFile:             optional(req.DataFilePath),
		OriginalDataFileName: optional(req.OriginalFileName),
		DeployedAt:           now(),
	}
	if err := d.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// run performs the opportunistic cleanup steps and then the build. Any
// failure past this point leaves the project failed.
func (d *Deployer) run(ctx context.Context, project *store.Project, team *store.Team, req Request, observer chan<- logstream.Event) (*store.Project, error) {
	name := NormalizeTeamName(team.Name)
	d.preempt(ctx, team.ID, project.ID)
	d.removeNamesake(ctx, name)

	final, err := d.buildAndStart(ctx, project, name, req, observer)
	if err != nil {
		d.failProject(ctx, project.ID, err)
		return nil, err
	}
	return final, nil
}

func (d *Deployer) buildAndStart(ctx context.Context, project *store.Project, name string, req Request, observer chan<- logstream.Event) (*store.Project, error) {
	if err := d.daemon.EnsureNetwork(ctx, d.cfg.NetworkName); err != nil {
		return nil, err
	}

	cloneDir := d.clonePath(req.GithubURL)
	if err := git.Clone(ctx, req.GithubURL, cloneDir); err != nil {
		return nil, err
	}
	defer d.removeClone(ctx, cloneDir)

	imageID, err := d.buildImage(ctx, project.ID, cloneDir, name, req.BuildArgs, observer)
	if err != nil {
		return nil, err
	}

	return d.startContainer(ctx, project.ID, containerPlan{
		name:             name,
		imageHash:        imageID,
		envVars:          req.EnvVars,
		dataFile:         optional(req.DataFilePath),
		originalFileName: optional(req.OriginalFileName),
	})
}

// buildImage builds the clone into {name}:latest, consumes the event stream
// to completion, and persists the build log together with the resolved
// image id. It returns the image's content hash, never the mutable tag:
// later tag pushes for the same team must not repoint old projects.
func (d *Deployer) buildImage(ctx context.Context, projectID, cloneDir, name string, buildArgs map[string]string, observer chan<- logstream.Event) (string, error) {
	ref := name + ":" + constants.Latest
	events, err := d.daemon.BuildImage(ctx, cloneDir, ref, buildArgPointers(buildArgs))
	if err != nil {
		return "", err
	}

	var acc logstream.Accumulator
	for event := range events {
		acc.Add(event)
		if observer != nil && event.Error == "" {
			relay(ctx, observer, logstream.Record(event))
		}
	}
	if err := ctx.Err(); err != nil {
		// Observation dropped; the daemon finishes the build on its own.
		return "", err
	}
	if acc.Failed() {
		return "", errors.BuildFailure(acc.FailureMessage(), acc.Text())
	}

	img, err := d.daemon.InspectImage(ctx, ref)
	if err != nil {
		return "", err
	}
	if _, err := d.projects.Update(ctx, projectID, store.Changes{
		"build_logs": acc.Text(),
		"image_hash": img.ID,
	}); err != nil {
		return "", err
	}
	return img.ID, nil
}

type containerPlan struct {
	name             string
	imageHash        string
	envVars          map[string]string
	extraEnv         []string
	cmd              []string
	dataFile         *string
	originalFileName *string
}

// startContainer creates and starts the team's container, then snapshots
// what the daemon assigned.
func (d *Deployer) startContainer(ctx context.Context, projectID string, plan containerPlan) (*store.Project, error) {
	var mounts []mount.Mount
	if plan.dataFile != nil && *plan.dataFile != "" && plan.originalFileName != nil {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   d.cfg.HostPath(*plan.dataFile),
			Target:   path.Join(d.cfg.DataMountPath, *plan.originalFileName),
			ReadOnly: true,
		})
	}

	containerID, err := d.daemon.CreateContainer(ctx, docker.ContainerSpec{
		Name:        plan.name,
		Image:       plan.imageHash,
		Env:         append(envList(plan.envVars), plan.extraEnv...),
		Cmd:         plan.cmd,
		NetworkName: d.cfg.NetworkName,
		Aliases:     []string{plan.name},
		MemoryBytes: d.cfg.MemoryLimit,
		Mounts:      mounts,
	})
	if err != nil {
		return nil, err
	}
	if err := d.daemon.StartContainer(ctx, containerID); err != nil {
		return nil, err
	}
	info, err := d.daemon.InspectContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return d.projects.Update(ctx, projectID, store.Changes{
		"container_id":   containerID,
		"container_name": info.Name,
		"ports":          SnapshotPorts(info),
		"status":         store.StatusRunning,
		"deployed_at":    now(),
	})
}

// preempt stops every running project of the team so the one being deployed
// ends up the only running one. Best effort: failures are logged, a missing
// container already satisfies the goal.
func (d *Deployer) preempt(ctx context.Context, teamID int64, newProjectID string) {
	running, err := d.projects.ByTeamAndStatus(ctx, teamID, store.StatusRunning)
	if err != nil {
		log.Entry(ctx).Warnf("listing running projects for team %d: %v", teamID, err)
		return
	}
	for _, p := range running {
		if p.ID == newProjectID {
			continue
		}
		if p.ContainerID != nil && *p.ContainerID != "" {
			if err := d.daemon.StopContainer(ctx, *p.ContainerID); err != nil && !errors.IsNotFound(err) {
				log.Entry(ctx).Warnf("stopping container %s: %v", *p.ContainerID, err)
			}
		}
		if _, err := d.projects.Update(ctx, p.ID, stopChanges()); err != nil {
			log.Entry(ctx).Warnf("marking project %s stopped: %v", p.ID, err)
		}
	}
}

// removeNamesake clears a container occupying the canonical name, whether or
// not any project row remembers it. Best effort.
func (d *Deployer) removeNamesake(ctx context.Context, name string) {
	found, err := d.daemon.FindContainerByName(ctx, name)
	if err != nil {
		log.Entry(ctx).Warnf("looking up container %q: %v", name, err)
		return
	}
	if found == nil {
		return
	}
	log.Entry(ctx).Debugf("removing leftover container %q", name)
	if err := d.daemon.StopContainer(ctx, found.ID); err != nil && !errors.IsNotFound(err) {
		log.Entry(ctx).Warnf("stopping container %q: %v", name, err)
	}
	if err := d.daemon.RemoveContainer(ctx, found.ID); err != nil && !errors.IsNotFound(err) {
		log.Entry(ctx).Warnf("removing container %q: %v", name, err)
	}
}

// failProject moves a project to failed, keeping any build output carried by
// the error. The update runs on a fresh context so it lands even when the
// caller is gone.
func (d *Deployer) failProject(ctx context.Context, projectID string, cause error) {
	changes := store.Changes{"status": store.StatusFailed}
	var buildErr *errors.BuildError
	if errors.As(cause, &buildErr) {
		changes["build_logs"] = buildErr.Logs
	}
	if _, err := d.projects.Update(context.Background(), projectID, changes); err != nil {
		log.Entry(ctx).Warnf("marking project %s failed: %v", projectID, err)
	}
}

func (d *Deployer) clonePath(repoURL string) string {
	return filepath.Join(d.cfg.CloneDir, fmt.Sprintf("project-%d-%s", now().UnixMilli(), git.RepoSlug(repoURL)))
}

// removeClone deletes a clone directory. Runs on every exit path; its own
// failures are logged and swallowed.
func (d *Deployer) removeClone(ctx context.Context, dir string) {
	if err := d.fs.RemoveAll(dir); err != nil {
		log.Entry(ctx).Warnf("removing clone dir %s: %v", dir, err)
	}
}

func stopChanges() store.Changes {
	return store.Changes{
		"status":             store.StatusStopped,
		"stopped_at":         now(),
		"failed_check_count": 0,
		"last_checked_at":    nil,
	}
}

// SnapshotPorts captures a container's published port bindings in the shape
// the project row persists.
func SnapshotPorts(info types.ContainerJSON) store.PortMap {
	ports := store.PortMap{}
	if info.NetworkSettings == nil {
		return ports
	}
	for port, bindings := range info.NetworkSettings.Ports {
		var out []store.PortBinding
		for _, b := range bindings {
			out = append(out, store.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
		}
		ports[string(port)] = out
	}
	return ports
}

func envList(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func buildArgPointers(args map[string]string) map[string]*string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]*string, len(args))
	for k, v := range args {
		v := v
		out[k] = &v
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	copied := *s
	return &copied
}

func relay(ctx context.Context, out chan<- logstream.Event, event logstream.Event) {
	select {
	case out <- event:
	case <-ctx.Done():
	}
}
