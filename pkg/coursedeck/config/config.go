/*
Copyright 2020 The Coursedeck Authors

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

// Package config loads the engine's configuration from the environment, with
// an optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
)

// Config holds every option the engine recognizes.
type Config struct {
	// NetworkName is the shared bridge network for project containers.
	NetworkName string

	// DataMountPath is where data files are mounted inside project
	// containers.
	DataMountPath string

	// ContainerDataDir is the per-project data file directory as seen by the
	// engine.
	ContainerDataDir string

	// HostDataDir, when set, is the host-side location of ContainerDataDir.
	// Paths handed to the daemon are rewritten from one to the other.
	HostDataDir string

	// ReconcileInterval is the cadence of the lifecycle reconciler.
	ReconcileInterval time.Duration

	// PruneAt is the daily local wall-clock time of the prune sweep, HH:MM.
	PruneAt string

	// MemoryLimit caps each project container's memory, in bytes.
	MemoryLimit int64

	// DatabaseURL is the postgres DSN of the project store.
	DatabaseURL string

	// CloneDir is the parent directory for per-attempt clone directories.
	CloneDir string
}

// Load reads an optional .env file, then the environment, and validates the
// result. Unset options keep their defaults.
func Load() (*Config, error) {
	// A missing .env is not an error. Values already in the environment win.
	_ = godotenv.Load()

	c := &Config{
		NetworkName:      envOrDefault("PROJECTS_NETWORK", constants.DefaultNetworkName),
		DataMountPath:    envOrDefault("DATA_MOUNT_PATH", constants.DefaultDataMountPath),
		ContainerDataDir: envOrDefault("PROJECT_DATA_DIR", constants.DefaultContainerDataDir),
		HostDataDir:      os.Getenv("HOST_PROJECT_DATA_DIR"),
		PruneAt:          envOrDefault("PRUNE_SCHEDULE", constants.DefaultPruneAt),
		DatabaseURL:      envOrDefault("DATABASE_URL", constants.DefaultDatabaseURL),
		CloneDir:         envOrDefault("CLONE_DIR", constants.DefaultCloneDir),
	}

	interval := envOrDefault("RECONCILE_INTERVAL", constants.DefaultReconcileInterval)
	d, err := time.ParseDuration(interval)
	if err != nil {
		return nil, errors.BadRequestf("parsing RECONCILE_INTERVAL %q: %v", interval, err)
	}
	if d <= 0 {
		return nil, errors.BadRequestf("RECONCILE_INTERVAL must be positive, got %q", interval)
	}
	c.ReconcileInterval = d

	limit := envOrDefault("CONTAINER_MEMORY_LIMIT", constants.DefaultMemoryLimit)
	bytes, err := units.RAMInBytes(limit)
	if err != nil {
		return nil, errors.BadRequestf("parsing CONTAINER_MEMORY_LIMIT %q: %v", limit, err)
	}
	c.MemoryLimit = bytes

	if _, _, err := parseWallClock(c.PruneAt); err != nil {
		return nil, err
	}

	return c, nil
}

// Default returns the built-in configuration, useful for tests.
func Default() *Config {
	bytes, _ := units.RAMInBytes(constants.DefaultMemoryLimit)
	d, _ := time.ParseDuration(constants.DefaultReconcileInterval)
	return &Config{
		NetworkName:       constants.DefaultNetworkName,
		DataMountPath:     constants.DefaultDataMountPath,
		ContainerDataDir:  constants.DefaultContainerDataDir,
		ReconcileInterval: d,
		PruneAt:           constants.DefaultPruneAt,
		MemoryLimit:       bytes,
		DatabaseURL:       constants.DefaultDatabaseURL,
		CloneDir:          constants.DefaultCloneDir,
	}
}

// PruneSpec converts PruneAt into a standard cron spec.
func (c *Config) PruneSpec() (string, error) {
	hour, minute, err := parseWallClock(c.PruneAt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// HostPath resolves a data file path as the daemon sees it. When a host data
// directory is configured and path falls under the container data directory,
// the prefix is rewritten; otherwise path is returned verbatim.
func (c *Config) HostPath(path string) string {
	if c.HostDataDir == "" {
		return path
	}
	prefix := strings.TrimSuffix(c.ContainerDataDir, "/")
	if path == prefix || strings.HasPrefix(path, prefix+"/") {
		return c.HostDataDir + strings.TrimPrefix(path, prefix)
	}
	return path
}

func parseWallClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, errors.BadRequestf("parsing PRUNE_SCHEDULE %q: want HH:MM", v)
	}
	return t.Hour(), t.Minute(), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
