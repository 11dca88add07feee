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

	"github.com/spf13/cobra"
)

// NewCmdUntag describes the CLI command to retract a milestone label.
func NewCmdUntag() *cobra.Command {
	return NewCmd("untag").
		WithDescription("Remove a milestone label from a course offering's projects").
		WithExample("retract the draft label of course offering 3", "untag 3 draft").
		ExactArgs(2, doUntag)
}

func doUntag(ctx context.Context, out io.Writer, args []string) error {
	offeringID, err := parseOfferingID(args[0])
	if err != nil {
		return err
	}

	eng, err := loadEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	cleared, err := eng.tagger.Untag(ctx, offeringID, args[1])
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "removed label %q from %d projects\n", args[1], cleared)
	return nil
}
