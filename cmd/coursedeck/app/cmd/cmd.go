/*
Copyright 2019 The Coursedeck Authors

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
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/version"
)

var v string

// NewRootCommand returns the root command of the coursedeck CLI.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coursedeck",
		Short: "Deploys and manages containerized student projects",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := SetUpLogs(errOut, v); err != nil {
				return err
			}
			logrus.Debugf("coursedeck %+v", version.Get())
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(NewCmdRun())
	rootCmd.AddCommand(NewCmdPrune())
	rootCmd.AddCommand(NewCmdTag())
	rootCmd.AddCommand(NewCmdUntag())
	rootCmd.AddCommand(NewCmdMigrate())
	rootCmd.AddCommand(NewCmdVersion())

	rootCmd.PersistentFlags().StringVarP(&v, "verbosity", "v", constants.DefaultLogLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")

	return rootCmd
}

// SetUpLogs routes engine logs to out at the requested verbosity.
func SetUpLogs(out io.Writer, level string) error {
	logrus.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	logrus.SetLevel(lvl)
	return nil
}
