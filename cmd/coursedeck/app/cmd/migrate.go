/*
Copyright 2023 The Coursedeck Authors

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

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/migrate"
)

var (
	migrateTeamID     int64
	migrateGithubURL  string
	migrateDeployedBy int64
)

// NewCmdMigrate describes the CLI command to adopt an externally created
// container as a team project.
func NewCmdMigrate() *cobra.Command {
	return NewCmd("migrate").
		WithDescription("Adopt an externally created container as a team project").
		WithExample("adopt the container legacy-app for team 7", "migrate legacy-app --team 7").
		WithFlags(func(f *pflag.FlagSet) {
			f.Int64Var(&migrateTeamID, "team", 0, "Team that owns the container (required)")
			f.StringVar(&migrateGithubURL, "github-url", "", "Repository URL to record on the project")
			f.Int64Var(&migrateDeployedBy, "deployed-by", 0, "User id to record as the deployer")
		}).
		ExactArgs(1, doMigrate)
}

func doMigrate(ctx context.Context, out io.Writer, args []string) error {
	if migrateTeamID == 0 {
		return errors.New("--team is required")
	}

	eng, err := loadEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	req := migrate.Request{
		ContainerName: args[0],
		TeamID:        migrateTeamID,
	}
	if migrateGithubURL != "" {
		req.GithubURL = &migrateGithubURL
	}
	if migrateDeployedBy != 0 {
		req.DeployedBy = &migrateDeployedBy
	}

	report, err := eng.migrator.Adopt(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "adopted %s as project %s with alias %s\n", args[0], report.Project.ID, report.Alias)
	return nil
}
