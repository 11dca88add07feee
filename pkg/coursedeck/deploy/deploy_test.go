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

package deploy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/spf13/afero"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/auth"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/config"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker/dockertest"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/git"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store/storetest"
	"github.com/coursedeck/coursedeck/testutil"
)

var deployTime = time.Date(2022, time.April, 8, 10, 30, 0, 0, time.UTC)

var (
	teamID       = int64(7)
	offeringID   = int64(3)
	memberID     = int64(1)
	instructorID = int64(2)
	strangerID   = int64(9)
)

// harness wires a Deployer against in-memory fakes, with time and git clones
// pinned.
type harness struct {
	daemon    *dockertest.FakeDaemon
	projects  *storetest.FakeProjects
	teams     *storetest.FakeTeams
	offerings *storetest.FakeOfferings
	users     *storetest.FakeUsers
	fs        afero.Fs
	cfg       *config.Config
	deployer  *Deployer
}

func newHarness(t *testutil.T) *harness {
	h := &harness{
		daemon:   &dockertest.FakeDaemon{},
		projects: &storetest.FakeProjects{},
		fs:       afero.NewMemMapFs(),
		cfg:      config.Default(),
	}
	h.teams = storetest.NewFakeTeams(store.Team{ID: teamID, Name: "Team A", CourseOfferingID: offeringID})
	h.offerings = storetest.NewFakeOfferings(h.teams, store.CourseOffering{ID: offeringID, Name: "databases-fall-2022"})
	h.users = storetest.NewFakeUsers(
		store.User{ID: memberID, Username: "dana"},
		store.User{ID: instructorID, Username: "marn"},
		store.User{ID: strangerID, Username: "drifter"},
	)
	h.users.AddMember(memberID, teamID)
	h.users.Enroll(instructorID, offeringID)
	h.deployer = NewDeployer(h.daemon, h.projects, h.teams, h.offerings, auth.NewOracle(h.users), h.fs, h.cfg)

	t.Override(&now, func() time.Time { return deployTime })
	t.Override(&git.Clone, func(context.Context, string, string) error { return nil })
	return h
}

func (h *harness) lockOffering(t *testutil.T) {
	offering := h.offerings.Offering(offeringID)
	offering.Settings.SetServerLocked(true)
	t.CheckNoError(h.offerings.UpdateSettings(context.Background(), offeringID, offering.Settings))
}

func deployRequest() Request {
	return Request{
		TeamID:     teamID,
		GithubURL:  "https://github.com/cs101/team-a.git",
		DeployedBy: memberID,
	}
}

func TestDeploy(t *testing.T) {
	testutil.Run(t, "clean deploy", func(t *testutil.T) {
		h := newHarness(t)

		project, err := h.deployer.Deploy(context.Background(), deployRequest())

		t.RequireNoError(err)
		t.CheckDeepEqual(store.StatusRunning, project.Status)
		t.CheckDeepEqual("/team-a", project.ContainerName)
		t.CheckDeepEqual(deployTime, project.DeployedAt)
		t.CheckTrue(strings.HasPrefix(project.ImageHash, "sha256:"))
		t.CheckContains("Successfully built", project.BuildLogs)
		t.CheckNotNil(project.ContainerID)

		t.CheckDeepEqual(1, len(h.daemon.Built))
		t.CheckDeepEqual("team-a:latest", h.daemon.Built[0].Ref)
		cloneDir := filepath.Join(h.cfg.CloneDir, fmt.Sprintf("project-%d-team-a", deployTime.UnixMilli()))
		t.CheckDeepEqual(cloneDir, h.daemon.Built[0].ContextDir)
		t.CheckDeepEqual(1, h.daemon.NetworkCreates)

		// The container must run the pinned hash, not the mutable tag.
		created := h.daemon.Container(*project.ContainerID)
		t.CheckDeepEqual(project.ImageHash, created.Image)
		t.CheckTrue(created.Running)
		t.CheckDeepEqual("team-a", created.Name)
		t.CheckDeepEqual([]string{"team-a"}, h.daemon.ConnectedAliases(h.cfg.NetworkName, created.ID))
		t.CheckDeepEqual(h.cfg.MemoryLimit, created.Spec.MemoryBytes)

		t.CheckDeepEqual(project, h.projects.Project(project.ID))
	})

	testutil.Run(t, "preempts the team's previous deploy", func(t *testutil.T) {
		h := newHarness(t)
		old := h.daemon.AddContainer(dockertest.FakeContainer{Name: "team-a", Running: true})
		checked := deployTime.Add(-time.Minute)
		previous := h.projects.Add(store.Project{
			TeamID:           teamID,
			Status:           store.StatusRunning,
			ContainerID:      &old.ID,
			ContainerName:    "/team-a",
			FailedCheckCount: 2,
			LastCheckedAt:    &checked,
			DeployedAt:       deployTime.Add(-time.Hour),
		})

		project, err := h.deployer.Deploy(context.Background(), deployRequest())

		t.RequireNoError(err)
		stopped := h.projects.Project(previous.ID)
		t.CheckDeepEqual(store.StatusStopped, stopped.Status)
		t.CheckDeepEqual(&deployTime, stopped.StoppedAt)
		t.CheckDeepEqual(0, stopped.FailedCheckCount)
		t.CheckNil(stopped.LastCheckedAt)

		t.CheckNil(h.daemon.Container(old.ID))
		t.CheckTrue(h.daemon.Container(*project.ContainerID).Running)
	})

	testutil.Run(t, "removes a namesake container with no project row", func(t *testutil.T) {
		h := newHarness(t)
		leftover := h.daemon.AddContainer(dockertest.FakeContainer{Name: "team-a", Running: true})

		project, err := h.deployer.Deploy(context.Background(), deployRequest())

		t.RequireNoError(err)
		t.CheckDeepEqual([]string{leftover.ID}, h.daemon.Removed)
		t.CheckDeepEqual("team-a", h.daemon.Container(*project.ContainerID).Name)
	})

	testutil.Run(t, "build failure fails the project and keeps the log", func(t *testutil.T) {
		h := newHarness(t)
		h.daemon.BuildFailureMsg = "The command '/bin/sh -c pip install -r requirements.txt' returned a non-zero code: 1"

		_, err := h.deployer.Deploy(context.Background(), deployRequest())

		t.CheckTrue(errors.IsBuildFailure(err))
		all := h.projects.All()
		t.CheckDeepEqual(1, len(all))
		t.CheckDeepEqual(store.StatusFailed, all[0].Status)
		t.CheckContains("ERROR: The command", all[0].BuildLogs)
		t.CheckDeepEqual("", all[0].ImageHash)

		found, ferr := h.daemon.FindContainerByName(context.Background(), "team-a")
		t.CheckNoError(ferr)
		t.CheckNil(found)
	})

	testutil.Run(t, "clone failure fails the project", func(t *testutil.T) {
		h := newHarness(t)
		t.Override(&git.Clone, func(context.Context, string, string) error {
			return errors.NotFoundf("repository https://github.com/cs101/team-a.git not found")
		})

		_, err := h.deployer.Deploy(context.Background(), deployRequest())

		t.CheckTrue(errors.IsNotFound(err))
		t.CheckDeepEqual(store.StatusFailed, h.projects.All()[0].Status)
	})

	testutil.Run(t, "network failure fails the project", func(t *testutil.T) {
		h := newHarness(t)
		h.daemon.ErrNetworkCreate = true

		_, err := h.deployer.Deploy(context.Background(), deployRequest())

		t.CheckError(true, err)
		t.CheckDeepEqual(store.StatusFailed, h.projects.All()[0].Status)
	})

	testutil.Run(t, "member refused while controls are locked", func(t *testutil.T) {
		h := newHarness(t)
		h.lockOffering(t)

		_, err := h.deployer.Deploy(context.Background(), deployRequest())

		t.CheckTrue(errors.IsForbidden(err))
		t.CheckDeepEqual(0, len(h.projects.All()))
	})

	testutil.Run(t, "instructor deploys while controls are locked", func(t *testutil.T) {
		h := newHarness(t)
		h.lockOffering(t)
		req := deployRequest()
		req.DeployedBy = instructorID

		project, err := h.deployer.Deploy(context.Background(), req)

		t.RequireNoError(err)
		t.CheckDeepEqual(store.StatusRunning, project.Status)
	})

	testutil.Run(t, "non-member refused", func(t *testutil.T) {
		h := newHarness(t)
		req := deployRequest()
		req.DeployedBy = strangerID

		_, err := h.deployer.Deploy(context.Background(), req)

		t.CheckTrue(errors.IsForbidden(err))
	})

	testutil.Run(t, "unknown team", func(t *testutil.T) {
		h := newHarness(t)
		req := deployRequest()
		req.TeamID = 404

		_, err := h.deployer.Deploy(context.Background(), req)

		t.CheckTrue(errors.IsNotFound(err))
	})

	testutil.Run(t, "mounts the uploaded data file read-only", func(t *testutil.T) {
		h := newHarness(t)
		req := deployRequest()
		req.DataFilePath = "/app/data/project-data-files/7/results.csv"
		req.OriginalFileName = "results.csv"
		req.EnvVars = map[string]string{"FLASK_ENV": "production", "API_KEY": "abc"}

		project, err := h.deployer.Deploy(context.Background(), req)

		t.RequireNoError(err)
		created := h.daemon.Container(*project.ContainerID)
		t.CheckDeepEqual([]string{"API_KEY=abc", "FLASK_ENV=production"}, created.Spec.Env)
		t.CheckDeepEqual([]mount.Mount{{
			Type:     mount.TypeBind,
			Source:   "/app/data/project-data-files/7/results.csv",
			Target:   "/var/www/results.csv",
			ReadOnly: true,
		}}, created.Spec.Mounts)
		t.CheckDeepEqual("results.csv", *project.OriginalDataFileName)
	})
}

func TestRedeploy(t *testing.T) {
	testutil.Run(t, "restarts from the stored image", func(t *testutil.T) {
		h := newHarness(t)
		imageID := h.daemon.AddImage("team-a")
		tag := "milestone-1"
		source := h.projects.Add(store.Project{
			TeamID:     teamID,
			GithubURL:  "https://github.com/cs101/team-a.git",
			ImageHash:  imageID,
			Tag:        &tag,
			Status:     store.StatusStopped,
			EnvVars:    store.EnvMap{"FLASK_ENV": "production"},
			DeployedAt: deployTime.Add(-24 * time.Hour),
		})

		project, err := h.deployer.Redeploy(context.Background(), source.ID, memberID)

		t.RequireNoError(err)
		t.CheckFalse(project.ID == source.ID)
		t.CheckDeepEqual(store.StatusRunning, project.Status)
		t.CheckDeepEqual(imageID, project.ImageHash)
		t.CheckDeepEqual("milestone-1", *project.Tag)
		t.CheckDeepEqual(source.GithubURL, project.GithubURL)
		t.CheckDeepEqual(memberID, *project.DeployedByID)

		t.CheckDeepEqual(0, len(h.daemon.Built))
		created := h.daemon.Container(*project.ContainerID)
		t.CheckDeepEqual(imageID, created.Image)
		t.CheckDeepEqual([]string{"FLASK_ENV=production"}, created.Spec.Env)
	})

	testutil.Run(t, "remounts the stored data file", func(t *testutil.T) {
		h := newHarness(t)
		imageID := h.daemon.AddImage("team-a")
		dataFile := "/app/data/project-data-files/7/results.csv"
		original := "results.csv"
		t.CheckNoError(afero.WriteFile(h.fs, dataFile, []byte("a,b\n"), 0644))
		source := h.projects.Add(store.Project{
			TeamID:               teamID,
			ImageHash:            imageID,
			Status:               store.StatusStopped,
			DataFile:             &dataFile,
			OriginalDataFileName: &original,
		})

		project, err := h.deployer.Redeploy(context.Background(), source.ID, memberID)

		t.RequireNoError(err)
		created := h.daemon.Container(*project.ContainerID)
		t.CheckDeepEqual(1, len(created.Spec.Mounts))
		t.CheckDeepEqual(dataFile, created.Spec.Mounts[0].Source)
		t.CheckDeepEqual("/var/www/results.csv", created.Spec.Mounts[0].Target)
	})

	testutil.Run(t, "refuses when the image is gone", func(t *testutil.T) {
		h := newHarness(t)
		source := h.projects.Add(store.Project{
			TeamID:    teamID,
			ImageHash: "sha256:feedfeedfeed",
			Status:    store.StatusStopped,
		})

		_, err := h.deployer.Redeploy(context.Background(), source.ID, memberID)

		t.CheckTrue(errors.IsNotFound(err))
		t.CheckDeepEqual(1, len(h.projects.All()))
	})

	testutil.Run(t, "refuses when the data file is gone", func(t *testutil.T) {
		h := newHarness(t)
		imageID := h.daemon.AddImage("team-a")
		dataFile := "/app/data/project-data-files/7/results.csv"
		source := h.projects.Add(store.Project{
			TeamID:    teamID,
			ImageHash: imageID,
			Status:    store.StatusStopped,
			DataFile:  &dataFile,
		})

		_, err := h.deployer.Redeploy(context.Background(), source.ID, memberID)

		t.CheckTrue(errors.IsNotFound(err))
	})

	testutil.Run(t, "refuses a project that never built", func(t *testutil.T) {
		h := newHarness(t)
		source := h.projects.Add(store.Project{TeamID: teamID, Status: store.StatusFailed})

		_, err := h.deployer.Redeploy(context.Background(), source.ID, memberID)

		t.CheckTrue(errors.IsBadRequest(err))
	})

	testutil.Run(t, "unknown project", func(t *testutil.T) {
		h := newHarness(t)

		_, err := h.deployer.Redeploy(context.Background(), "nope", memberID)

		t.CheckTrue(errors.IsNotFound(err))
	})
}

func TestStop(t *testing.T) {
	testutil.Run(t, "kills the container and records the stop", func(t *testutil.T) {
		h := newHarness(t)
		c := h.daemon.AddContainer(dockertest.FakeContainer{Name: "team-a", Running: true})
		checked := deployTime.Add(-time.Minute)
		project := h.projects.Add(store.Project{
			TeamID:           teamID,
			Status:           store.StatusRunning,
			ContainerID:      &c.ID,
			FailedCheckCount: 2,
			LastCheckedAt:    &checked,
		})

		stopped, err := h.deployer.Stop(context.Background(), project.ID, memberID)

		t.RequireNoError(err)
		t.CheckDeepEqual(store.StatusStopped, stopped.Status)
		t.CheckDeepEqual(&deployTime, stopped.StoppedAt)
		t.CheckDeepEqual(0, stopped.FailedCheckCount)
		t.CheckNil(stopped.LastCheckedAt)
		t.CheckDeepEqual([]string{c.ID}, h.daemon.Killed)
		t.CheckDeepEqual(0, len(h.daemon.Stopped))
		t.CheckFalse(h.daemon.Container(c.ID).Running)
	})

	testutil.Run(t, "container already gone from the daemon", func(t *testutil.T) {
		h := newHarness(t)
		ghost := "container-ghost"
		project := h.projects.Add(store.Project{
			TeamID:      teamID,
			Status:      store.StatusRunning,
			ContainerID: &ghost,
		})

		stopped, err := h.deployer.Stop(context.Background(), project.ID, memberID)

		t.RequireNoError(err)
		t.CheckDeepEqual(store.StatusStopped, stopped.Status)
		t.CheckDeepEqual(&deployTime, stopped.StoppedAt)
	})

	testutil.Run(t, "refuses a project without a container", func(t *testutil.T) {
		h := newHarness(t)
		project := h.projects.Add(store.Project{TeamID: teamID, Status: store.StatusFailed})

		_, err := h.deployer.Stop(context.Background(), project.ID, memberID)

		t.CheckTrue(errors.IsBadRequest(err))
		t.CheckDeepEqual(store.StatusFailed, h.projects.Project(project.ID).Status)
	})

	testutil.Run(t, "member refused while controls are locked", func(t *testutil.T) {
		h := newHarness(t)
		h.lockOffering(t)
		c := h.daemon.AddContainer(dockertest.FakeContainer{Name: "team-a", Running: true})
		project := h.projects.Add(store.Project{
			TeamID:      teamID,
			Status:      store.StatusRunning,
			ContainerID: &c.ID,
		})

		_, err := h.deployer.Stop(context.Background(), project.ID, memberID)

		t.CheckTrue(errors.IsForbidden(err))
		t.CheckTrue(h.daemon.Container(c.ID).Running)
	})

	testutil.Run(t, "instructor stops while controls are locked", func(t *testutil.T) {
		h := newHarness(t)
		h.lockOffering(t)
		c := h.daemon.AddContainer(dockertest.FakeContainer{Name: "team-a", Running: true})
		project := h.projects.Add(store.Project{
			TeamID:      teamID,
			Status:      store.StatusRunning,
			ContainerID: &c.ID,
		})

		stopped, err := h.deployer.Stop(context.Background(), project.ID, instructorID)

		t.RequireNoError(err)
		t.CheckDeepEqual(store.StatusStopped, stopped.Status)
	})

	testutil.Run(t, "unknown project", func(t *testutil.T) {
		h := newHarness(t)

		_, err := h.deployer.Stop(context.Background(), "nope", memberID)

		t.CheckTrue(errors.IsNotFound(err))
	})
}

func TestSnapshotPorts(t *testing.T) {
	testutil.Run(t, "captures host bindings", func(t *testutil.T) {
		info := types.ContainerJSON{
			NetworkSettings: &types.NetworkSettings{
				NetworkSettingsBase: types.NetworkSettingsBase{
					Ports: nat.PortMap{
						"5000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "49160"}},
						"9229/tcp": nil,
					},
				},
			},
		}

		t.CheckDeepEqual(store.PortMap{
			"5000/tcp": {{HostIP: "0.0.0.0", HostPort: "49160"}},
			"9229/tcp": nil,
		}, SnapshotPorts(info))
	})

	testutil.Run(t, "no network settings", func(t *testutil.T) {
		t.CheckDeepEqual(store.PortMap{}, SnapshotPorts(types.ContainerJSON{}))
	})
}

func TestEnvList(t *testing.T) {
	testutil.CheckDeepEqual(t, []string{"A=1", "B=2", "Z=9"}, envList(map[string]string{"Z": "9", "A": "1", "B": "2"}))
	testutil.CheckDeepEqual(t, []string(nil), envList(nil))
}
