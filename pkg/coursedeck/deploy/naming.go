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

package deploy

import (
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeTeamName lowercases a team name and collapses each whitespace run
// to a single dash. The result is used verbatim as container name, image
// repository, and network alias, so all three stay derivable from the team.
func NormalizeTeamName(name string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(name), "-")
}

// SidecarName returns the canonical name of a team's legacy database
// container.
func SidecarName(normalizedTeamName string) string {
	return normalizedTeamName + "-db"
}
