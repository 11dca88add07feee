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

// Package git fetches team repositories for deployment builds.
package git

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"

	cErrors "github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
)

// Clone fetches the default branch of a repository into dir.
var Clone = clone

func clone(ctx context.Context, repoURL, dir string) error {
	log.Entry(ctx).Debugf("cloning %s into %s", repoURL, dir)

	_, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:          repoURL,
		Depth:        1,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	})
	switch {
	case err == nil:
		return nil
	case cErrors.Is(err, transport.ErrRepositoryNotFound):
		return cErrors.NotFoundf("repository %s not found", repoURL)
	case cErrors.Is(err, transport.ErrAuthenticationRequired):
		return cErrors.Forbiddenf("repository %s requires authentication", repoURL)
	default:
		return fmt.Errorf("cloning %s: %w", repoURL, err)
	}
}

var unsafeSlugChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// RepoSlug returns the trailing path element of a repository url, cleaned up
// for use in a directory name.
func RepoSlug(repoURL string) string {
	s := strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	s = unsafeSlugChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "repo"
	}
	return s
}
