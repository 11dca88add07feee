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
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewCmdTag describes the CLI command to pin a milestone label on a
// course offering.
func NewCmdTag() *cobra.Command {
	return NewCmd("tag").
		WithDescription("Pin a milestone label on every team's current project image").
		WithExample("label the final hand-in of course offering 3", "tag 3 final").
		ExactArgs(2, doTag)
}

func doTag(ctx context.Context, out io.Writer, args []string) error {
	offeringID, err := parseOfferingID(args[0])
	if err != nil {
		return err
	}

	eng, err := loadEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	result, err := eng.tagger.TagCourseOffering(ctx, offeringID, args[1])
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "tagged %d projects with %q, skipped %d teams\n", result.Tagged, args[1], result.Skipped)
	for _, problem := range result.Errors {
		fmt.Fprintf(out, "  %s\n", problem)
	}
	if len(result.Errors) > 0 {
		return errors.Errorf("%d teams could not be tagged", len(result.Errors))
	}
	return nil
}

func parseOfferingID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, errors.Errorf("%q is not a course offering id", arg)
	}
	return id, nil
}
