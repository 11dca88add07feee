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
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/prune"
)

var pruneProjectID string

// NewCmdPrune describes the CLI command to prune retired projects.
func NewCmdPrune() *cobra.Command {
	return NewCmd("prune").
		WithDescription("Remove stopped and failed projects with their containers, images and data").
		WithExample("sweep everything eligible right now", "prune").
		WithExample("prune a single project", "prune --project 00c425ac-2a16-4e4f-a4cc-9be7f05c7b0e").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&pruneProjectID, "project", "", "Prune one project by id instead of sweeping")
		}).
		NoArgs(doPrune)
}

func doPrune(ctx context.Context, out io.Writer) error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	var summary *prune.Summary
	if pruneProjectID != "" {
		summary, err = eng.pruner.PruneProject(ctx, pruneProjectID)
	} else {
		summary, err = eng.pruner.PruneAll(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "pruned %d of %d projects, reclaimed %s\n", summary.SuccessCount, summary.TotalFound, humanize.Bytes(uint64(summary.ReclaimedBytes)))
	for _, problem := range summary.Errors {
		fmt.Fprintf(out, "  %s\n", problem)
	}
	if summary.ErrorCount > 0 {
		return errors.Errorf("%d projects could not be pruned", summary.ErrorCount)
	}
	return nil
}
