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

package cmd

import (
	"context"

	"github.com/spf13/afero"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/config"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/migrate"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/prune"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/reconcile"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/tag"
)

// engine bundles the wired subsystems a CLI action needs.
type engine struct {
	cfg        *config.Config
	pruner     *prune.Pruner
	tagger     *tag.Engine
	migrator   *migrate.Migrator
	reconciler *reconcile.Reconciler

	// migrateSchema brings the database schema up to date.
	migrateSchema func() error

	// close releases the daemon and database connections.
	close func()
}

// loadEngine wires an engine from the ambient configuration.
func loadEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newEngine(cfg)
}

// newEngine connects to the Docker daemon and the database and wires up
// the subsystems. Overridable for tests.
var newEngine = func(cfg *config.Config) (*engine, error) {
	apiClient, err := docker.NewAPIClient()
	if err != nil {
		return nil, err
	}
	daemon := docker.NewDaemon(apiClient)

	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		daemon.Close()
		return nil, err
	}

	projects := s.Projects()
	return &engine{
		cfg:           cfg,
		pruner:        prune.NewPruner(daemon, projects, afero.NewOsFs(), cfg),
		tagger:        tag.NewEngine(daemon, projects, s.Offerings()),
		migrator:      migrate.NewMigrator(daemon, projects, s.Teams(), cfg),
		reconciler:    reconcile.NewReconciler(daemon, projects, cfg.ReconcileInterval),
		migrateSchema: s.AutoMigrate,
		close: func() {
			if err := daemon.Close(); err != nil {
				log.Entry(context.Background()).Debugf("closing daemon client: %v", err)
			}
			if err := s.Close(); err != nil {
				log.Entry(context.Background()).Debugf("closing store: %v", err)
			}
		},
	}, nil
}
