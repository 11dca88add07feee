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

	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/logstream"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

// Stream is a streaming deployment in flight. Consume Events until the
// channel closes, then collect the outcome from Result.
type Stream struct {
	events chan logstream.Event
	done   chan struct{}

	project *store.Project
	err     error
}

// Events yields the build records in daemon order, opened by a start record
// and closed by either a complete or an error record.
func (s *Stream) Events() <-chan logstream.Event {
	return s.events
}

// Result blocks until the deployment finishes.
func (s *Stream) Result() (*store.Project, error) {
	<-s.done
	return s.project, s.err
}

// DeployStream is Deploy with the build output exposed live. The terminal
// container work happens inside the stream: once the build events are
// exhausted the container is created and started, then Result unblocks.
// Cancelling ctx drops the observation and fails the project; the daemon
// still runs the build to completion on its own.
func (d *Deployer) DeployStream(ctx context.Context, req Request) (*Stream, error) {
	team, err := d.admit(ctx, req.TeamID, req.DeployedBy)
	if err != nil {
		return nil, err
	}
	name := NormalizeTeamName(team.Name)
	ctx = log.WithEventContext(ctx, constants.Deploy, name)

	unlock := d.lockTeam(team.ID)
	project, err := d.createProject(ctx, team, req)
	if err != nil {
		unlock()
		return nil, err
	}

	s := &Stream{
		events: make(chan logstream.Event),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		defer unlock()

		relay(ctx, s.events, logstream.Event{Type: logstream.TypeStart, Project: project.ID})

		final, err := d.run(ctx, project, team, req, s.events)
		if err != nil {
			s.err = err
			relay(ctx, s.events, logstream.Event{Type: logstream.TypeError, Message: err.Error()})
			return
		}
		s.project = final
		relay(ctx, s.events, logstream.Event{Type: logstream.TypeComplete, Project: final.ID})
	}()
	return s, nil
}
