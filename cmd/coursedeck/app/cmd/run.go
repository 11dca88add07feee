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
	"io"
	"time"

	"github.com/robfig/cron"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/config"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
)

var (
	runReconcileInterval time.Duration
	runPruneAt           string
	runNetwork           string
)

// NewCmdRun describes the CLI command to run the engine's background jobs.
func NewCmdRun() *cobra.Command {
	return NewCmd("run").
		WithDescription("Run the reconciler and the daily prune schedule").
		WithLongDescription("Run keeps project rows in sync with their containers and prunes stopped\nprojects on the configured daily schedule. It blocks until interrupted.").
		WithFlags(func(f *pflag.FlagSet) {
			f.DurationVar(&runReconcileInterval, "reconcile-interval", 0, "Override the reconcile interval")
			f.StringVar(&runPruneAt, "prune-at", "", "Override the daily prune time (HH:MM)")
			f.StringVar(&runNetwork, "network", "", "Override the shared project network name")
		}).
		NoArgs(doRun)
}

func doRun(ctx context.Context, _ io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runReconcileInterval != 0 {
		if runReconcileInterval < 0 {
			return errors.BadRequestf("reconcile interval must be positive, got %v", runReconcileInterval)
		}
		cfg.ReconcileInterval = runReconcileInterval
	}
	if runPruneAt != "" {
		cfg.PruneAt = runPruneAt
	}
	if runNetwork != "" {
		cfg.NetworkName = runNetwork
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.migrateSchema(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	catchCtrlC(cancel)

	c := cron.New()
	if err := eng.pruner.Schedule(ctx, c); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	log.Entry(ctx).Infof("engine up, reconciling every %v and pruning daily at %s", eng.cfg.ReconcileInterval, eng.cfg.PruneAt)
	eng.reconciler.Run(ctx)
	return nil
}
