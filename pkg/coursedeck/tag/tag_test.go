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

package tag

import (
	"context"
	"testing"
	"time"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker/dockertest"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store/storetest"
	"github.com/coursedeck/coursedeck/testutil"
)

var (
	tagTime    = time.Date(2022, time.December, 2, 16, 0, 0, 0, time.UTC)
	offeringID = int64(5)
	teamAID    = int64(1)
	teamBID    = int64(2)
)

type tagFixture struct {
	daemon    *dockertest.FakeDaemon
	projects  *storetest.FakeProjects
	offerings *storetest.FakeOfferings
	engine    *Engine
}

func newFixture() *tagFixture {
	daemon := &dockertest.FakeDaemon{}
	projects := &storetest.FakeProjects{}
	teams := storetest.NewFakeTeams(
		store.Team{ID: teamAID, Name: "Team A", CourseOfferingID: offeringID},
		store.Team{ID: teamBID, Name: "Big Data Crew", CourseOfferingID: offeringID},
	)
	offerings := storetest.NewFakeOfferings(teams, store.CourseOffering{
		ID:   offeringID,
		Name: "databases-fall-2022",
	})
	return &tagFixture{
		daemon:    daemon,
		projects:  projects,
		offerings: offerings,
		engine:    NewEngine(daemon, projects, offerings),
	}
}

func (f *tagFixture) recordLabel(t *testutil.T, label string) {
	offering := f.offerings.Offering(offeringID)
	offering.Settings.AddTag(label)
	t.RequireNoError(f.offerings.UpdateSettings(context.Background(), offeringID, offering.Settings))
}

func TestTagCourseOffering(t *testing.T) {
	testutil.Run(t, "tags each team's preferred project", func(t *testutil.T) {
		f := newFixture()
		imgA := f.daemon.AddImage("team-a")
		imgB := f.daemon.AddImage("big-data-crew")
		a := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusRunning, ImageHash: imgA, DeployedAt: tagTime})
		b := f.projects.Add(store.Project{TeamID: teamBID, Status: store.StatusStopped, ImageHash: imgB, DeployedAt: tagTime.Add(-time.Hour)})

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(&Result{Tagged: 2}, result)
		t.CheckDeepEqual("final", *f.projects.Project(a.ID).Tag)
		t.CheckDeepEqual("final", *f.projects.Project(b.ID).Tag)

		// The daemon carries the milestone under each team's repository name.
		taggedA, err := f.daemon.InspectImage(context.Background(), "team-a:final")
		t.CheckNoError(err)
		t.CheckDeepEqual(imgA, taggedA.ID)
		taggedB, err := f.daemon.InspectImage(context.Background(), "big-data-crew:final")
		t.CheckNoError(err)
		t.CheckDeepEqual(imgB, taggedB.ID)

		t.CheckTrue(f.offerings.Offering(offeringID).Settings.HasTag("final"))
	})

	testutil.Run(t, "prefers the newest running project over a newer stopped one", func(t *testutil.T) {
		f := newFixture()
		imgOld := f.daemon.AddImage("team-a")
		imgNew := f.daemon.AddImage("team-a:v2")
		running := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusRunning, ImageHash: imgOld, DeployedAt: tagTime.Add(-2 * time.Hour)})
		stopped := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusStopped, ImageHash: imgNew, DeployedAt: tagTime})

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(&Result{Tagged: 1, Skipped: 1}, result)
		t.CheckDeepEqual("final", *f.projects.Project(running.ID).Tag)
		t.CheckNil(f.projects.Project(stopped.ID).Tag)
	})

	testutil.Run(t, "falls back to the newest project when none is running", func(t *testutil.T) {
		f := newFixture()
		imgOld := f.daemon.AddImage("team-a")
		imgNew := f.daemon.AddImage("team-a:v2")
		older := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusStopped, ImageHash: imgOld, DeployedAt: tagTime.Add(-time.Hour)})
		newer := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusFailed, ImageHash: imgNew, DeployedAt: tagTime})

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(&Result{Tagged: 1, Skipped: 1}, result)
		t.CheckDeepEqual("final", *f.projects.Project(newer.ID).Tag)
		t.CheckNil(f.projects.Project(older.ID).Tag)
	})

	testutil.Run(t, "skips teams with no image to pin", func(t *testutil.T) {
		f := newFixture()
		neverBuilt := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusFailed, DeployedAt: tagTime})

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(&Result{Skipped: 2}, result)
		t.CheckNil(f.projects.Project(neverBuilt.ID).Tag)
		t.CheckTrue(f.offerings.Offering(offeringID).Settings.HasTag("final"))
	})

	testutil.Run(t, "skips a team whose image left the daemon", func(t *testutil.T) {
		f := newFixture()
		imgB := f.daemon.AddImage("big-data-crew")
		gone := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusStopped, ImageHash: "sha256:feedfeed", DeployedAt: tagTime})
		kept := f.projects.Add(store.Project{TeamID: teamBID, Status: store.StatusRunning, ImageHash: imgB, DeployedAt: tagTime})

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(&Result{Tagged: 1, Skipped: 1}, result)
		t.CheckNil(f.projects.Project(gone.ID).Tag)
		t.CheckDeepEqual("final", *f.projects.Project(kept.ID).Tag)
	})

	testutil.Run(t, "repeated label conflicts", func(t *testutil.T) {
		f := newFixture()
		img := f.daemon.AddImage("team-a")
		f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusRunning, ImageHash: img, DeployedAt: tagTime})

		_, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")
		t.RequireNoError(err)

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckTrue(errors.IsConflict(err))
		t.CheckNil(result)
	})

	testutil.Run(t, "unknown offering", func(t *testutil.T) {
		f := newFixture()

		_, err := f.engine.TagCourseOffering(context.Background(), int64(404), "final")

		t.CheckTrue(errors.IsNotFound(err))
	})

	testutil.Run(t, "store failure is collected per team", func(t *testutil.T) {
		f := newFixture()
		f.projects.ErrList = true

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(0, result.Tagged)
		t.CheckDeepEqual(2, len(result.Errors))
		t.CheckContains("team 1", result.Errors[0])
	})

	testutil.Run(t, "settings write failure lands in the errors", func(t *testutil.T) {
		f := newFixture()
		img := f.daemon.AddImage("team-a")
		p := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusRunning, ImageHash: img, DeployedAt: tagTime})
		f.offerings.ErrUpdateSettings = true

		result, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(1, result.Tagged)
		t.CheckDeepEqual(1, len(result.Errors))
		t.CheckContains("recording label", result.Errors[0])
		t.CheckDeepEqual("final", *f.projects.Project(p.ID).Tag)
	})
}

func TestUntag(t *testing.T) {
	testutil.Run(t, "clears matching projects and the settings", func(t *testutil.T) {
		f := newFixture()
		f.recordLabel(t, "final")
		f.recordLabel(t, "draft")
		final, draft := "final", "draft"
		a := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusStopped, Tag: &final, DeployedAt: tagTime})
		b := f.projects.Add(store.Project{TeamID: teamBID, Status: store.StatusRunning, Tag: &final, DeployedAt: tagTime})
		drafted := f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusStopped, Tag: &draft, DeployedAt: tagTime.Add(-time.Hour)})

		n, err := f.engine.Untag(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(int64(2), n)
		t.CheckNil(f.projects.Project(a.ID).Tag)
		t.CheckNil(f.projects.Project(b.ID).Tag)
		t.CheckDeepEqual("draft", *f.projects.Project(drafted.ID).Tag)

		settings := f.offerings.Offering(offeringID).Settings
		t.CheckFalse(settings.HasTag("final"))
		t.CheckTrue(settings.HasTag("draft"))
	})

	testutil.Run(t, "scopes to the offering's teams", func(t *testutil.T) {
		f := newFixture()
		f.recordLabel(t, "final")
		final := "final"
		outsider := f.projects.Add(store.Project{TeamID: int64(33), Status: store.StatusStopped, Tag: &final, DeployedAt: tagTime})

		n, err := f.engine.Untag(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(int64(0), n)
		t.CheckDeepEqual("final", *f.projects.Project(outsider.ID).Tag)
	})

	testutil.Run(t, "leaves the daemon tags for pruning to collect", func(t *testutil.T) {
		f := newFixture()
		img := f.daemon.AddImage("team-a")
		f.projects.Add(store.Project{TeamID: teamAID, Status: store.StatusRunning, ImageHash: img, DeployedAt: tagTime})
		_, err := f.engine.TagCourseOffering(context.Background(), offeringID, "final")
		t.RequireNoError(err)

		n, err := f.engine.Untag(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(int64(1), n)
		tagged, err := f.daemon.InspectImage(context.Background(), "team-a:final")
		t.CheckNoError(err)
		t.CheckDeepEqual(img, tagged.ID)
	})

	testutil.Run(t, "absent label is a no-op", func(t *testutil.T) {
		f := newFixture()
		f.recordLabel(t, "other")

		n, err := f.engine.Untag(context.Background(), offeringID, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(int64(0), n)
		t.CheckTrue(f.offerings.Offering(offeringID).Settings.HasTag("other"))
	})

	testutil.Run(t, "unknown offering", func(t *testutil.T) {
		f := newFixture()

		_, err := f.engine.Untag(context.Background(), int64(404), "final")

		t.CheckTrue(errors.IsNotFound(err))
	})
}
