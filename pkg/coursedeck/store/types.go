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

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is a project's lifecycle state.
type Status string

const (
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusPruned    Status = "pruned"
)

// CanTransition reports whether the state machine allows moving to the given
// status. Pruned is terminal; there are no backward transitions.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusBuilding, StatusDeploying:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusStopped
	case StatusStopped, StatusFailed:
		return to == StatusPruned
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusPruned
}

// Project is the one persisted record the engine owns. Everything else is
// derived from the daemon.
type Project struct {
	ID                   string  `gorm:"primaryKey;size:36"`
	TeamID               int64   `gorm:"index;not null"`
	DeployedByID         *int64
	GithubURL            string
	ImageHash            string
	Tag                  *string
	ContainerID          *string `gorm:"uniqueIndex"`
	ContainerName        string
	Status               Status  `gorm:"index;not null"`
	Ports                PortMap `gorm:"type:jsonb"`
	BuildLogs            string
	BuildArgs            EnvMap  `gorm:"type:jsonb"`
	EnvVars              EnvMap  `gorm:"type:jsonb"`
	DataFile             *string
	OriginalDataFileName *string
	DeployedAt           time.Time
	StoppedAt            *time.Time
	FailedCheckCount     int
	LastCheckedAt        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Tagged reports whether the project carries a label.
func (p *Project) Tagged() bool {
	return p.Tag != nil && *p.Tag != ""
}

// Changes is a set of column updates for a single project. Columns absent
// from the set are untouched; a nil value writes NULL.
type Changes map[string]interface{}

// PortBinding is one host-side binding of a container port.
type PortBinding struct {
	HostIP   string `json:"hostIp"`
	HostPort string `json:"hostPort"`
}

// PortMap snapshots a container's port assignments at start time, keyed by
// the container port ("5000/tcp").
type PortMap map[string][]PortBinding

func (p PortMap) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func (p *PortMap) Scan(src interface{}) error {
	return scanJSON(src, p)
}

// EnvMap is a string-to-string mapping persisted as json.
type EnvMap map[string]string

func (m EnvMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *EnvMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
}

// Team groups the users a project belongs to. Owned by the enrollment system;
// read-only here.
type Team struct {
	ID               int64 `gorm:"primaryKey"`
	Name             string
	CourseOfferingID int64
}

// CourseOffering is a semester-scoped grouping of teams with shared settings.
type CourseOffering struct {
	ID       int64 `gorm:"primaryKey"`
	Name     string
	Settings OfferingSettings `gorm:"type:jsonb"`
}

// User is the minimal read model the permission checks need.
type User struct {
	ID       int64 `gorm:"primaryKey"`
	Username string
	Admin    bool `gorm:"column:is_admin"`
}

// Enrollment links a user to a course offering with a role.
type Enrollment struct {
	UserID           int64 `gorm:"primaryKey"`
	CourseOfferingID int64 `gorm:"primaryKey"`
	Role             string
}

// RoleInstructor marks an enrollment with instructor rights.
const RoleInstructor = "instructor"

// TeamMember links a user to a team.
type TeamMember struct {
	TeamID int64 `gorm:"primaryKey"`
	UserID int64 `gorm:"primaryKey"`
}
