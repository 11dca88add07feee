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

// Package reconcile keeps project rows honest about their containers. A
// periodic sweep inspects every running project and demotes the ones whose
// container exited or disappeared behind the engine's back.
package reconcile

import (
	"context"
	"time"

	"github.com/fatih/semgroup"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

var now = time.Now

// maxConcurrentChecks bounds daemon inspections per sweep.
const maxConcurrentChecks = 8

// Reconciler demotes running projects whose containers are gone.
type Reconciler struct {
	daemon   docker.Daemon
	projects store.Projects
	interval time.Duration
}

// NewReconciler wires a Reconciler sweeping at the given cadence.
func NewReconciler(daemon docker.Daemon, projects store.Projects, interval time.Duration) *Reconciler {
	return &Reconciler{daemon: daemon, projects: projects, interval: interval}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ctx = log.WithEventContext(ctx, constants.Reconcile, constants.SubtaskIDNone)
	log.Entry(ctx).Debugf("reconciling every %v", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Entry(ctx).Debug("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Once(ctx); err != nil {
				log.Entry(ctx).Warnf("reconcile sweep: %v", err)
			}
		}
	}
}

// Once performs a single sweep over every running project.
func (r *Reconciler) Once(ctx context.Context) error {
	running, err := r.projects.ByStatus(ctx, store.StatusRunning)
	if err != nil {
		return err
	}

	sg := semgroup.NewGroup(ctx, maxConcurrentChecks)
	for _, project := range running {
		project := project
		sg.Go(func() error {
			return r.check(ctx, &project)
		})
	}
	return sg.Wait()
}

// check inspects one project's container and applies the observation. A
// container that exited or vanished demotes the project on the first sighting;
// daemon trouble leaves the row untouched for the next sweep.
func (r *Reconciler) check(ctx context.Context, project *store.Project) error {
	if project.ContainerID == nil || *project.ContainerID == "" {
		log.Entry(ctx).Warnf("running project %s has no container id, skipping", project.ID)
		return nil
	}

	checkedAt := now()
	info, err := r.daemon.InspectContainer(ctx, *project.ContainerID)
	switch {
	case errors.IsNotFound(err):
		log.Entry(ctx).Infof("container %s of project %s is gone, marking stopped", *project.ContainerID, project.ID)
		return r.demote(ctx, project.ID, checkedAt)
	case err != nil:
		log.Entry(ctx).Warnf("inspecting container %s: %v", *project.ContainerID, err)
		return nil
	case info.State == nil || !info.State.Running:
		log.Entry(ctx).Infof("container %s of project %s exited, marking stopped", *project.ContainerID, project.ID)
		return r.demote(ctx, project.ID, checkedAt)
	default:
		_, err := r.projects.Update(ctx, project.ID, store.Changes{"last_checked_at": checkedAt})
		return err
	}
}

func (r *Reconciler) demote(ctx context.Context, projectID string, checkedAt time.Time) error {
	_, err := r.projects.Update(ctx, projectID, store.Changes{
		"status":          store.StatusStopped,
		"stopped_at":      checkedAt,
		"last_checked_at": checkedAt,
	})
	return err
}
