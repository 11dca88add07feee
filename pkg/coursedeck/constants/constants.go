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

package constants

import (
	"github.com/sirupsen/logrus"
)

const (
	// DefaultLogLevel is the default global verbosity
	DefaultLogLevel = logrus.InfoLevel

	// DefaultDockerfilePath is the dockerfile path relative to the cloned
	// repository root
	DefaultDockerfilePath = "Dockerfile"

	// DefaultNetworkName is the shared bridge network all project containers
	// join
	DefaultNetworkName = "projects_network"

	// DefaultDataMountPath is where the shared data directory is mounted
	// inside project containers
	DefaultDataMountPath = "/var/www"

	// DefaultContainerDataDir is where per-project data files live as seen by
	// the engine's own container
	DefaultContainerDataDir = "/app/data/project-data-files"

	// DefaultReconcileInterval is how often running containers are verified
	// against the daemon
	DefaultReconcileInterval = "30s"

	// DefaultPruneAt is the local wall-clock time of the daily prune sweep
	DefaultPruneAt = "02:00"

	// DefaultMemoryLimit caps each project container's memory
	DefaultMemoryLimit = "800MiB"

	DefaultCloneDir    = "/tmp"
	DefaultDatabaseURL = "postgres://localhost/coursedeck?sslmode=disable"

	// Latest is the tag given to every freshly built project image
	Latest = "latest"

	// LegacySQLImage backs the database sidecar of two-container deploys
	LegacySQLImage = "mysql:5.7"

	// LegacyJSONImage backs the json-server sidecar of two-container deploys
	LegacyJSONImage = "clue/json-server"

	// LegacyAppCmd is forced as the app container's start command on
	// two-container deploys
	LegacyAppCmd = "flask run --host=0.0.0.0 --port=5000"
)

// Phase names a top-level engine task for log attribution.
type Phase string

const (
	Engine    Phase = "Engine"
	Deploy    Phase = "Deploy"
	Reconcile Phase = "Reconcile"
	Prune     Phase = "Prune"
	Tag       Phase = "Tag"
	Migrate   Phase = "Migrate"

	// SubtaskIDNone marks log entries not attributed to a single project
	SubtaskIDNone = "-1"
)
