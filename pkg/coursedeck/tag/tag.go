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

// Package tag pins course milestones. Tagging an offering stamps each team's
// preferred project image with a label at the daemon and on the project row,
// which shields those images from pruning.
package tag

import (
	"context"
	"fmt"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/deploy"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

// Result aggregates one tagging sweep.
type Result struct {
	Tagged  int
	Skipped int
	Errors  []string
}

// Engine applies and removes milestone labels for a course offering.
type Engine struct {
	daemon    docker.Daemon
	projects  store.Projects
	offerings store.Offerings
}

// NewEngine wires an Engine.
func NewEngine(daemon docker.Daemon, projects store.Projects, offerings store.Offerings) *Engine {
	return &Engine{daemon: daemon, projects: projects, offerings: offerings}
}

// TagCourseOffering stamps every team's preferred project with label. Teams
// without a usable project or image are skipped; per-team failures are
// collected without aborting the sweep. The label lands in the offering
// settings once, after all teams.
func (e *Engine) TagCourseOffering(ctx context.Context, offeringID int64, label string) (*Result, error) {
	ctx = log.WithEventContext(ctx, constants.Tag, label)

	offering, err := e.offerings.Get(ctx, offeringID)
	if err != nil {
		return nil, err
	}
	if offering.Settings.HasTag(label) {
		return nil, errors.Conflictf("label %q already exists for course offering %d", label, offeringID)
	}

	teams, err := e.offerings.Teams(ctx, offeringID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, team := range teams {
		if err := e.tagTeam(ctx, &team, label, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("team %d: %v", team.ID, err))
		}
	}

	offering.Settings.AddTag(label)
	if err := e.offerings.UpdateSettings(ctx, offeringID, offering.Settings); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("recording label: %v", err))
	}

	log.Entry(ctx).Infof("label %q: %d tagged, %d skipped, %d errors", label, result.Tagged, result.Skipped, len(result.Errors))
	return result, nil
}

func (e *Engine) tagTeam(ctx context.Context, team *store.Team, label string, result *Result) error {
	project, err := e.preferredProject(ctx, team.ID)
	if err != nil {
		return err
	}
	if project == nil || project.ImageHash == "" {
		log.Entry(ctx).Debugf("team %d has nothing to tag", team.ID)
		result.Skipped++
		return nil
	}

	if _, err := e.daemon.InspectImage(ctx, project.ImageHash); err != nil {
		if errors.IsNotFound(err) {
			log.Entry(ctx).Debugf("image %s of team %d is gone, skipping", project.ImageHash, team.ID)
			result.Skipped++
			return nil
		}
		return err
	}

	repo := deploy.NormalizeTeamName(team.Name)
	if err := e.daemon.TagImage(ctx, project.ImageHash, repo, label); err != nil {
		return err
	}
	if _, err := e.projects.Update(ctx, project.ID, store.Changes{"tag": label}); err != nil {
		return err
	}
	result.Tagged++
	return nil
}

// preferredProject is the team's newest running project, or failing that its
// newest project in any state. Nil when the team never deployed.
func (e *Engine) preferredProject(ctx context.Context, teamID int64) (*store.Project, error) {
	running, err := e.projects.ByTeamAndStatus(ctx, teamID, store.StatusRunning)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		return &running[0], nil
	}

	all, err := e.projects.ByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// Untag removes a label from an offering. The settings forget the label even
// when no project carried it. Daemon-side tags stay; pruning removes them
// with the image.
func (e *Engine) Untag(ctx context.Context, offeringID int64, label string) (int64, error) {
	ctx = log.WithEventContext(ctx, constants.Tag, label)

	offering, err := e.offerings.Get(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	teams, err := e.offerings.Teams(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	teamIDs := make([]int64, 0, len(teams))
	for _, team := range teams {
		teamIDs = append(teamIDs, team.ID)
	}

	cleared, err := e.projects.ClearTag(ctx, teamIDs, label)
	if err != nil {
		return 0, err
	}

	offering.Settings.RemoveTag(label)
	if err := e.offerings.UpdateSettings(ctx, offeringID, offering.Settings); err != nil {
		return cleared, err
	}

	log.Entry(ctx).Infof("label %q removed from %d projects", label, cleared)
	return cleared, nil
}
