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
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	cErrors "github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/testutil"
)

func mockStore(t *testutil.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	t.RequireNoError(err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	t.RequireNoError(err)

	return NewStore(gormDB), mock
}

func projectRow(id string, teamID int64, status Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "team_id", "image_hash", "status", "ports", "build_args", "env_vars", "deployed_at"}).
		AddRow(id, teamID, "sha256:abc", string(status), []byte(`{}`), []byte(`{}`), []byte(`{}`), time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestGetProject(t *testing.T) {
	testutil.Run(t, "found", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "projects" WHERE id = \$1`).
			WillReturnRows(projectRow("p-1", 7, StatusRunning))

		got, err := store.Projects().Get(context.Background(), "p-1")

		t.CheckNoError(err)
		t.CheckDeepEqual("p-1", got.ID)
		t.CheckDeepEqual(int64(7), got.TeamID)
		t.CheckDeepEqual(StatusRunning, got.Status)
		t.CheckNoError(mock.ExpectationsWereMet())
	})

	testutil.Run(t, "missing rows map to not found", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "projects" WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.Projects().Get(context.Background(), "nope")

		t.CheckTrue(cErrors.IsNotFound(err))
		t.CheckNoError(mock.ExpectationsWereMet())
	})
}

func TestGetByContainerID(t *testing.T) {
	testutil.Run(t, "missing container maps to not found", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "projects" WHERE container_id = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.Projects().GetByContainerID(context.Background(), "deadbeef")

		t.CheckTrue(cErrors.IsNotFound(err))
		t.CheckNoError(mock.ExpectationsWereMet())
	})
}

func TestUpdateProject(t *testing.T) {
	testutil.Run(t, "writes only the given columns and reloads", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "projects" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectQuery(`SELECT \* FROM "projects" WHERE id = \$1`).
			WillReturnRows(projectRow("p-1", 7, StatusStopped))

		got, err := store.Projects().Update(context.Background(), "p-1", Changes{
			"status":     StatusStopped,
			"stopped_at": time.Now(),
		})

		t.CheckNoError(err)
		t.CheckDeepEqual(StatusStopped, got.Status)
		t.CheckNoError(mock.ExpectationsWereMet())
	})

	testutil.Run(t, "zero rows affected maps to not found", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "projects" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		_, err := store.Projects().Update(context.Background(), "gone", Changes{"status": StatusFailed})

		t.CheckTrue(cErrors.IsNotFound(err))
		t.CheckNoError(mock.ExpectationsWereMet())
	})

	testutil.Run(t, "empty changes reloads without writing", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "projects" WHERE id = \$1`).
			WillReturnRows(projectRow("p-1", 7, StatusRunning))

		got, err := store.Projects().Update(context.Background(), "p-1", Changes{})

		t.CheckNoError(err)
		t.CheckDeepEqual("p-1", got.ID)
		t.CheckNoError(mock.ExpectationsWereMet())
	})
}

func TestPruneCandidates(t *testing.T) {
	testutil.Run(t, "filters running, pruned and tagged", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "projects" WHERE status NOT IN \(\$1,\$2\) AND tag IS NULL`).
			WillReturnRows(projectRow("p-2", 7, StatusStopped))

		got, err := store.Projects().PruneCandidates(context.Background())

		t.CheckNoError(err)
		t.CheckDeepEqual(1, len(got))
		t.CheckDeepEqual("p-2", got[0].ID)
		t.CheckNoError(mock.ExpectationsWereMet())
	})
}

func TestClearTag(t *testing.T) {
	testutil.Run(t, "no teams issues no query", func(t *testutil.T) {
		store, mock := mockStore(t)

		n, err := store.Projects().ClearTag(context.Background(), nil, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(int64(0), n)
		t.CheckNoError(mock.ExpectationsWereMet())
	})

	testutil.Run(t, "clears across teams", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "projects" SET "tag"=\$1`).
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		n, err := store.Projects().ClearTag(context.Background(), []int64{1, 2, 3}, "final")

		t.CheckNoError(err)
		t.CheckDeepEqual(int64(3), n)
		t.CheckNoError(mock.ExpectationsWereMet())
	})
}

func TestUpdateSettings(t *testing.T) {
	testutil.Run(t, "missing offering maps to not found", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "course_offerings" SET "settings"=\$1`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := store.Offerings().UpdateSettings(context.Background(), 404, OfferingSettings{})

		t.CheckTrue(cErrors.IsNotFound(err))
		t.CheckNoError(mock.ExpectationsWereMet())
	})
}

func TestMembershipQueries(t *testing.T) {
	testutil.Run(t, "instructor enrollment counts", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "enrollments"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		ok, err := store.Users().IsInstructor(context.Background(), 12, 3)

		t.CheckNoError(err)
		t.CheckTrue(ok)
		t.CheckNoError(mock.ExpectationsWereMet())
	})

	testutil.Run(t, "non-member counts zero", func(t *testutil.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "team_members"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		ok, err := store.Users().IsMember(context.Background(), 12, 9)

		t.CheckNoError(err)
		t.CheckFalse(ok)
		t.CheckNoError(mock.ExpectationsWereMet())
	})
}
