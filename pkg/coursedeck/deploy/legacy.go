/*
Copyright 2021 The Coursedeck Authors

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
	"strings"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/git"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

// Variant selects the database sidecar of a two-container deployment.
type Variant string

const (
	// VariantSQL pairs the app with a MySQL sidecar.
	VariantSQL Variant = "sql"
	// VariantJSON pairs the app with a json-server sidecar.
	VariantJSON Variant = "json"
)

func sidecarSpec(variant Variant) (image string, env []string, err error) {
	switch variant {
	case VariantSQL:
		return constants.LegacySQLImage, []string{"MYSQL_ALLOW_EMPTY_PASSWORD=yes", "MYSQL_DATABASE=db"}, nil
	case VariantJSON:
		return constants.LegacyJSONImage, nil, nil
	default:
		return "", nil, errors.BadRequestf("unknown legacy variant %q", variant)
	}
}

// DeployLegacyTwoContainer runs the two-container deployment used by older
// course templates: a stock database sidecar next to the team's app, both on
// the shared network. The app finds the database through the DB_NAME
// variable and the sidecar's network alias. Only the app container is
// recorded on the project row.
func (d *Deployer) DeployLegacyTwoContainer(ctx context.Context, req Request, variant Variant) (*store.Project, error) {
	sidecarImage, sidecarEnv, err := sidecarSpec(variant)
	if err != nil {
		return nil, err
	}
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

	d.preempt(ctx, team.ID, project.ID)
	d.removeNamesake(ctx, name)
	d.removeNamesake(ctx, SidecarName(name))

	final, err := d.legacyRun(ctx, project, name, req, sidecarImage, sidecarEnv)
	if err != nil {
		d.failProject(ctx, project.ID, err)
		return nil, err
	}
	return final, nil
}

func (d *Deployer) legacyRun(ctx context.Context, project *store.Project, name string, req Request, sidecarImage string, sidecarEnv []string) (*store.Project, error) {
	if err := d.daemon.EnsureNetwork(ctx, d.cfg.NetworkName); err != nil {
		return nil, err
	}

	cloneDir := d.clonePath(req.GithubURL)
	if err := git.Clone(ctx, req.GithubURL, cloneDir); err != nil {
		return nil, err
	}
	defer d.removeClone(ctx, cloneDir)

	imageID, err := d.buildImage(ctx, project.ID, cloneDir, name, req.BuildArgs, nil)
	if err != nil {
		return nil, err
	}

	// The sidecar goes first so the app never boots against a missing
	// database host.
	sidecar := SidecarName(name)
	if err := d.startSidecar(ctx, sidecar, sidecarImage, sidecarEnv); err != nil {
		return nil, err
	}

	return d.startContainer(ctx, project.ID, containerPlan{
		name:             name,
		imageHash:        imageID,
		envVars:          req.EnvVars,
		extraEnv:         []string{"DB_NAME=" + sidecar},
		cmd:              strings.Fields(constants.LegacyAppCmd),
		dataFile:         optional(req.DataFilePath),
		originalFileName: optional(req.OriginalFileName),
	})
}

// startSidecar launches the database container, pulling its stock image on
// first use.
func (d *Deployer) startSidecar(ctx context.Context, name, image string, env []string) error {
	if _, err := d.daemon.InspectImage(ctx, image); err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
		log.Entry(ctx).Infof("pulling sidecar image %s", image)
		if err := d.daemon.PullImage(ctx, image); err != nil {
			return err
		}
	}
	containerID, err := d.daemon.CreateContainer(ctx, docker.ContainerSpec{
		Name:        name,
		Image:       image,
		Env:         env,
		NetworkName: d.cfg.NetworkName,
		Aliases:     []string{name},
		MemoryBytes: d.cfg.MemoryLimit,
	})
	if err != nil {
		return err
	}
	return d.daemon.StartContainer(ctx, containerID)
}
