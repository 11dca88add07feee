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

// Package storetest provides in-memory stores for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

// UpdateCall captures one Update invocation.
type UpdateCall struct {
	ID      string
	Changes store.Changes
}

// FakeProjects is an in-memory store.Projects. The zero value is ready to
// use; toggle the Err fields to make operations fail.
type FakeProjects struct {
	ErrCreate bool
	ErrUpdate bool
	ErrList   bool

	mu       sync.Mutex
	nextID   int
	projects map[string]*store.Project

	UpdateCalls []UpdateCall
}

var _ store.Projects = (*FakeProjects)(nil)

// Add seeds a project and returns a copy of the stored record.
func (f *FakeProjects) Add(p store.Project) *store.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(&p)
	stored := p
	return &stored
}

func (f *FakeProjects) addLocked(p *store.Project) {
	if f.projects == nil {
		f.projects = make(map[string]*store.Project)
	}
	if p.ID == "" {
		f.nextID++
		p.ID = fmt.Sprintf("project-%d", f.nextID)
	}
	stored := *p
	f.projects[stored.ID] = &stored
}

// Project returns the current state of a project, or nil.
func (f *FakeProjects) Project(id string) *store.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil
	}
	copied := *p
	return &copied
}

// All returns every stored project.
func (f *FakeProjects) All() []store.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Project
	for _, p := range f.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *FakeProjects) Create(_ context.Context, p *store.Project) error {
	if f.ErrCreate {
		return errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(p)
	return nil
}

func (f *FakeProjects) Get(_ context.Context, id string) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, errors.NotFoundf("project %s not found", id)
	}
	copied := *p
	return &copied, nil
}

func (f *FakeProjects) GetByContainerID(_ context.Context, containerID string) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if p.ContainerID != nil && *p.ContainerID == containerID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, errors.NotFoundf("no project for container %s", containerID)
}

func (f *FakeProjects) ByStatus(_ context.Context, status store.Status) ([]store.Project, error) {
	return f.list(func(p *store.Project) bool { return p.Status == status })
}

func (f *FakeProjects) ByTeamAndStatus(_ context.Context, teamID int64, status store.Status) ([]store.Project, error) {
	return f.list(func(p *store.Project) bool { return p.TeamID == teamID && p.Status == status })
}

func (f *FakeProjects) ByTeam(_ context.Context, teamID int64) ([]store.Project, error) {
	return f.list(func(p *store.Project) bool { return p.TeamID == teamID })
}

func (f *FakeProjects) Active(_ context.Context) ([]store.Project, error) {
	return f.list(func(p *store.Project) bool { return p.Status != store.StatusPruned })
}

func (f *FakeProjects) PruneCandidates(_ context.Context) ([]store.Project, error) {
	return f.list(func(p *store.Project) bool {
		return p.Status != store.StatusRunning && p.Status != store.StatusPruned && !p.Tagged()
	})
}

func (f *FakeProjects) Tagged(_ context.Context) ([]store.Project, error) {
	return f.list(func(p *store.Project) bool { return p.Tagged() && p.Status != store.StatusPruned })
}

func (f *FakeProjects) list(keep func(*store.Project) bool) ([]store.Project, error) {
	if f.ErrList {
		return nil, errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Project
	for _, p := range f.projects {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].DeployedAt.After(out[j].DeployedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *FakeProjects) ClearTag(_ context.Context, teamIDs []int64, label string) (int64, error) {
	if f.ErrUpdate {
		return 0, errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	teams := make(map[int64]bool, len(teamIDs))
	for _, id := range teamIDs {
		teams[id] = true
	}
	var n int64
	for _, p := range f.projects {
		if teams[p.TeamID] && p.Tag != nil && *p.Tag == label {
			p.Tag = nil
			n++
		}
	}
	return n, nil
}

func (f *FakeProjects) Update(_ context.Context, id string, changes store.Changes) (*store.Project, error) {
	if f.ErrUpdate {
		return nil, errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.projects[id]
	if !ok {
		return nil, errors.NotFoundf("project %s not found", id)
	}
	f.UpdateCalls = append(f.UpdateCalls, UpdateCall{ID: id, Changes: changes})
	for column, value := range changes {
		applyChange(p, column, value)
	}
	copied := *p
	return &copied, nil
}

func applyChange(p *store.Project, column string, value interface{}) {
	switch column {
	case "status":
		p.Status = value.(store.Status)
	case "image_hash":
		p.ImageHash = value.(string)
	case "build_logs":
		p.BuildLogs = value.(string)
	case "container_id":
		p.ContainerID = strValue(value)
	case "container_name":
		p.ContainerName = stringOrEmpty(value)
	case "ports":
		if value == nil {
			p.Ports = nil
		} else {
			p.Ports = value.(store.PortMap)
		}
	case "tag":
		p.Tag = strValue(value)
	case "data_file":
		p.DataFile = strValue(value)
	case "original_data_file_name":
		p.OriginalDataFileName = strValue(value)
	case "deployed_at":
		p.DeployedAt = value.(time.Time)
	case "deployed_by_id":
		p.DeployedByID = int64Value(value)
	case "team_id":
		p.TeamID = value.(int64)
	case "github_url":
		p.GithubURL = value.(string)
	case "stopped_at":
		p.StoppedAt = timeValue(value)
	case "last_checked_at":
		p.LastCheckedAt = timeValue(value)
	case "failed_check_count":
		p.FailedCheckCount = value.(int)
	case "env_vars":
		if value == nil {
			p.EnvVars = nil
		} else {
			p.EnvVars = value.(store.EnvMap)
		}
	case "build_args":
		if value == nil {
			p.BuildArgs = nil
		} else {
			p.BuildArgs = value.(store.EnvMap)
		}
	default:
		panic(fmt.Sprintf("unknown project column %q", column))
	}
}

func strValue(v interface{}) *string {
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		return &s
	case *string:
		return s
	default:
		panic(fmt.Sprintf("unexpected string column value %T", v))
	}
}

func stringOrEmpty(v interface{}) string {
	if v == nil {
		return ""
	}
	return v.(string)
}

func int64Value(v interface{}) *int64 {
	switch n := v.(type) {
	case nil:
		return nil
	case int64:
		return &n
	case *int64:
		return n
	default:
		panic(fmt.Sprintf("unexpected int column value %T", v))
	}
}

func timeValue(v interface{}) *time.Time {
	switch ts := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &ts
	case *time.Time:
		return ts
	default:
		panic(fmt.Sprintf("unexpected time column value %T", v))
	}
}

// FakeTeams is an in-memory store.Teams.
type FakeTeams struct {
	mu    sync.Mutex
	teams map[int64]store.Team
}

var _ store.Teams = (*FakeTeams)(nil)

// NewFakeTeams seeds teams.
func NewFakeTeams(teams ...store.Team) *FakeTeams {
	f := &FakeTeams{teams: make(map[int64]store.Team)}
	for _, t := range teams {
		f.teams[t.ID] = t
	}
	return f
}

// Add seeds one more team.
func (f *FakeTeams) Add(t store.Team) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.teams == nil {
		f.teams = make(map[int64]store.Team)
	}
	f.teams[t.ID] = t
}

func (f *FakeTeams) Get(_ context.Context, id int64) (*store.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.teams[id]
	if !ok {
		return nil, errors.NotFoundf("team %d not found", id)
	}
	return &t, nil
}

func (f *FakeTeams) all() []store.Team {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Team, 0, len(f.teams))
	for _, t := range f.teams {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FakeOfferings is an in-memory store.Offerings backed by a FakeTeams for
// the team roster.
type FakeOfferings struct {
	ErrUpdateSettings bool

	mu        sync.Mutex
	offerings map[int64]*store.CourseOffering
	teams     *FakeTeams
}

var _ store.Offerings = (*FakeOfferings)(nil)

// NewFakeOfferings seeds offerings whose Teams query reads from teams.
func NewFakeOfferings(teams *FakeTeams, offerings ...store.CourseOffering) *FakeOfferings {
	f := &FakeOfferings{
		offerings: make(map[int64]*store.CourseOffering),
		teams:     teams,
	}
	for _, o := range offerings {
		stored := o
		f.offerings[o.ID] = &stored
	}
	return f
}

// Offering returns the current state of an offering, or nil.
func (f *FakeOfferings) Offering(id int64) *store.CourseOffering {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offerings[id]
	if !ok {
		return nil
	}
	copied := *o
	return &copied
}

func (f *FakeOfferings) Get(_ context.Context, id int64) (*store.CourseOffering, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offerings[id]
	if !ok {
		return nil, errors.NotFoundf("course offering %d not found", id)
	}
	copied := *o
	return &copied, nil
}

func (f *FakeOfferings) Teams(_ context.Context, offeringID int64) ([]store.Team, error) {
	var out []store.Team
	if f.teams == nil {
		return out, nil
	}
	for _, t := range f.teams.all() {
		if t.CourseOfferingID == offeringID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *FakeOfferings) UpdateSettings(_ context.Context, id int64, settings store.OfferingSettings) error {
	if f.ErrUpdateSettings {
		return errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offerings[id]
	if !ok {
		return errors.NotFoundf("course offering %d not found", id)
	}
	o.Settings = settings
	return nil
}

type membership struct {
	userID int64
	collID int64
}

// FakeUsers is an in-memory store.Users.
type FakeUsers struct {
	mu          sync.Mutex
	users       map[int64]store.User
	instructors map[membership]bool
	members     map[membership]bool
}

var _ store.Users = (*FakeUsers)(nil)

// NewFakeUsers seeds users.
func NewFakeUsers(users ...store.User) *FakeUsers {
	f := &FakeUsers{
		users:       make(map[int64]store.User),
		instructors: make(map[membership]bool),
		members:     make(map[membership]bool),
	}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

// Add seeds one more user.
func (f *FakeUsers) Add(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// Enroll marks a user as instructor of an offering.
func (f *FakeUsers) Enroll(userID, offeringID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructors[membership{userID: userID, collID: offeringID}] = true
}

// AddMember puts a user on a team.
func (f *FakeUsers) AddMember(userID, teamID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[membership{userID: userID, collID: teamID}] = true
}

func (f *FakeUsers) Get(_ context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errors.NotFoundf("user %d not found", id)
	}
	return &u, nil
}

func (f *FakeUsers) IsInstructor(_ context.Context, userID, offeringID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instructors[membership{userID: userID, collID: offeringID}], nil
}

func (f *FakeUsers) IsMember(_ context.Context, userID, teamID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[membership{userID: userID, collID: teamID}], nil
}
