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

// Package auth decides who may act on a team's projects. Admins may always
// act. Instructors of the course offering may always act. Team members may
// act unless the offering's server lock is on.
package auth

import (
	"context"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

// Oracle answers permission checks for project operations.
type Oracle interface {
	// Authorize returns nil when the user may deploy, stop, or otherwise
	// control the team's projects, and a Forbidden error otherwise.
	Authorize(ctx context.Context, userID int64, team *store.Team, serverLocked bool) error
}

type storeOracle struct {
	users store.Users
}

// NewOracle builds an Oracle over the user store.
func NewOracle(users store.Users) Oracle {
	return &storeOracle{users: users}
}

func (o *storeOracle) Authorize(ctx context.Context, userID int64, team *store.Team, serverLocked bool) error {
	user, err := o.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.Admin {
		return nil
	}

	instructor, err := o.users.IsInstructor(ctx, userID, team.CourseOfferingID)
	if err != nil {
		return err
	}
	if instructor {
		return nil
	}

	if serverLocked {
		return errors.Forbiddenf("project controls are locked for course offering %d", team.CourseOfferingID)
	}

	member, err := o.users.IsMember(ctx, userID, team.ID)
	if err != nil {
		return err
	}
	if !member {
		return errors.Forbiddenf("user %d is not on team %q", userID, team.Name)
	}
	return nil
}
