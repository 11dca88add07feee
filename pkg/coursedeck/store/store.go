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

// Package store persists Project records and reads the enrollment system's
// team, user, and course offering tables.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	cErrors "github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
)

// Projects is the project repository.
type Projects interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	GetByContainerID(ctx context.Context, containerID string) (*Project, error)
	ByStatus(ctx context.Context, status Status) ([]Project, error)
	ByTeamAndStatus(ctx context.Context, teamID int64, status Status) ([]Project, error)
	ByTeam(ctx context.Context, teamID int64) ([]Project, error)
	Active(ctx context.Context) ([]Project, error)
	PruneCandidates(ctx context.Context) ([]Project, error)
	Tagged(ctx context.Context) ([]Project, error)
	ClearTag(ctx context.Context, teamIDs []int64, label string) (int64, error)
	Update(ctx context.Context, id string, changes Changes) (*Project, error)
}

// Offerings reads course offerings and persists their settings.
type Offerings interface {
	Get(ctx context.Context, id int64) (*CourseOffering, error)
	Teams(ctx context.Context, offeringID int64) ([]Team, error)
	UpdateSettings(ctx context.Context, id int64, settings OfferingSettings) error
}

// Teams reads the team table.
type Teams interface {
	Get(ctx context.Context, id int64) (*Team, error)
}

// Users answers the permission checks' membership queries.
type Users interface {
	Get(ctx context.Context, id int64) (*User, error)
	IsInstructor(ctx context.Context, userID, offeringID int64) (bool, error)
	IsMember(ctx context.Context, userID, teamID int64) (bool, error)
}

// Store provides access to the durable records.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the projects table. The team, user, and enrollment
// tables are owned by the enrollment system and never migrated here.
func (s *Store) AutoMigrate() error {
	return errors.Wrap(s.db.AutoMigrate(&Project{}), "migrating projects table")
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Projects() Projects   { return &projectStore{db: s.db} }
func (s *Store) Offerings() Offerings { return &offeringStore{db: s.db} }
func (s *Store) Teams() Teams         { return &teamStore{db: s.db} }
func (s *Store) Users() Users         { return &userStore{db: s.db} }

type projectStore struct {
	db *gorm.DB
}

func (s *projectStore) Create(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return errors.Wrap(err, "creating project")
	}
	return nil
}

func (s *projectStore) Get(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cErrors.NotFoundf("project %s not found", id)
		}
		return nil, errors.Wrap(err, "getting project")
	}
	return &p, nil
}

func (s *projectStore) GetByContainerID(ctx context.Context, containerID string) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).First(&p, "container_id = ?", containerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cErrors.NotFoundf("no project for container %s", containerID)
		}
		return nil, errors.Wrap(err, "getting project by container")
	}
	return &p, nil
}

func (s *projectStore) ByStatus(ctx context.Context, status Status) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("deployed_at DESC").
		Find(&out).Error
	return out, errors.Wrap(err, "listing projects by status")
}

func (s *projectStore) ByTeamAndStatus(ctx context.Context, teamID int64, status Status) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND status = ?", teamID, status).
		Order("deployed_at DESC").
		Find(&out).Error
	return out, errors.Wrap(err, "listing team projects by status")
}

func (s *projectStore) ByTeam(ctx context.Context, teamID int64) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("deployed_at DESC").
		Find(&out).Error
	return out, errors.Wrap(err, "listing team projects")
}

func (s *projectStore) Active(ctx context.Context) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Where("status <> ?", StatusPruned).
		Find(&out).Error
	return out, errors.Wrap(err, "listing active projects")
}

func (s *projectStore) PruneCandidates(ctx context.Context) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Where("status NOT IN ? AND tag IS NULL", []Status{StatusRunning, StatusPruned}).
		Find(&out).Error
	return out, errors.Wrap(err, "listing prune candidates")
}

func (s *projectStore) Tagged(ctx context.Context) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Where("tag IS NOT NULL AND status <> ?", StatusPruned).
		Find(&out).Error
	return out, errors.Wrap(err, "listing tagged projects")
}

func (s *projectStore) ClearTag(ctx context.Context, teamIDs []int64, label string) (int64, error) {
	if len(teamIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&Project{}).
		Where("team_id IN ? AND tag = ?", teamIDs, label).
		Update("tag", nil)
	return res.RowsAffected, errors.Wrap(res.Error, "clearing project tags")
}

func (s *projectStore) Update(ctx context.Context, id string, changes Changes) (*Project, error) {
	if len(changes) == 0 {
		return s.Get(ctx, id)
	}
	res := s.db.WithContext(ctx).
		Model(&Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}(changes))
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "updating project")
	}
	if res.RowsAffected == 0 {
		return nil, cErrors.NotFoundf("project %s not found", id)
	}
	return s.Get(ctx, id)
}

type offeringStore struct {
	db *gorm.DB
}

func (s *offeringStore) Get(ctx context.Context, id int64) (*CourseOffering, error) {
	var o CourseOffering
	err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cErrors.NotFoundf("course offering %d not found", id)
		}
		return nil, errors.Wrap(err, "getting course offering")
	}
	return &o, nil
}

func (s *offeringStore) Teams(ctx context.Context, offeringID int64) ([]Team, error) {
	var out []Team
	err := s.db.WithContext(ctx).
		Where("course_offering_id = ?", offeringID).
		Find(&out).Error
	return out, errors.Wrap(err, "listing offering teams")
}

func (s *offeringStore) UpdateSettings(ctx context.Context, id int64, settings OfferingSettings) error {
	res := s.db.WithContext(ctx).
		Model(&CourseOffering{}).
		Where("id = ?", id).
		Update("settings", settings)
	if res.Error != nil {
		return errors.Wrap(res.Error, "updating offering settings")
	}
	if res.RowsAffected == 0 {
		return cErrors.NotFoundf("course offering %d not found", id)
	}
	return nil
}

type teamStore struct {
	db *gorm.DB
}

func (s *teamStore) Get(ctx context.Context, id int64) (*Team, error) {
	var t Team
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cErrors.NotFoundf("team %d not found", id)
		}
		return nil, errors.Wrap(err, "getting team")
	}
	return &t, nil
}

type userStore struct {
	db *gorm.DB
}

func (s *userStore) Get(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cErrors.NotFoundf("user %d not found", id)
		}
		return nil, errors.Wrap(err, "getting user")
	}
	return &u, nil
}

func (s *userStore) IsInstructor(ctx context.Context, userID, offeringID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Enrollment{}).
		Where("user_id = ? AND course_offering_id = ? AND role = ?", userID, offeringID, RoleInstructor).
		Count(&count).Error
	return count > 0, errors.Wrap(err, "checking instructor enrollment")
}

func (s *userStore) IsMember(ctx context.Context, userID, teamID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&TeamMember{}).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		Count(&count).Error
	return count > 0, errors.Wrap(err, "checking team membership")
}
