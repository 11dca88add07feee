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

package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TempDir offers actions on a temporary directory.
type TempDir struct {
	t    *testing.T
	root string
}

// NewTempDir creates a temporary directory and a teardown that removes it.
func NewTempDir(t *testing.T) *TempDir {
	t.Helper()
	root, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	return &TempDir{t: t, root: root}
}

// Root returns the temp directory.
func (h *TempDir) Root() string {
	return h.root
}

// Remove deletes a file from the temp directory.
func (h *TempDir) Remove(file string) *TempDir {
	if err := os.Remove(h.Path(file)); err != nil {
		h.t.Fatal(err)
	}
	return h
}

// Chdir changes current directory to this temp directory for the duration of
// the test.
func (h *TempDir) Chdir() *TempDir {
	h.t.Helper()
	pwd, err := os.Getwd()
	if err != nil {
		h.t.Fatal(err)
	}
	if err := os.Chdir(h.root); err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() {
		if err := os.Chdir(pwd); err != nil {
			h.t.Fatal(err)
		}
	})
	return h
}

// Mkdir makes a sub-directory in the temp directory.
func (h *TempDir) Mkdir(dir string) *TempDir {
	if err := os.MkdirAll(h.Path(dir), os.ModePerm); err != nil {
		h.t.Fatal(err)
	}
	return h
}

// Write writes a file with a given content in the temp directory.
func (h *TempDir) Write(file, content string) *TempDir {
	h.failIfErr(os.MkdirAll(filepath.Dir(h.Path(file)), os.ModePerm))
	return h.failIfErr(os.WriteFile(h.Path(file), []byte(content), os.ModePerm))
}

// Touch creates a list of empty files in the temp directory. A name ending in
// "/" creates a directory instead.
func (h *TempDir) Touch(files ...string) *TempDir {
	for _, file := range files {
		if strings.HasSuffix(file, "/") {
			h.Mkdir(file)
		} else {
			h.Write(file, "")
		}
	}
	return h
}

// Path returns the path to a file in the temp directory.
func (h *TempDir) Path(file string) string {
	elem := []string{h.root}
	elem = append(elem, strings.Split(file, "/")...)
	return filepath.Join(elem...)
}

func (h *TempDir) failIfErr(err error) *TempDir {
	if err != nil {
		h.t.Fatal(err)
	}
	return h
}

// Paths returns the paths to a list of files in the temp directory.
func (h *TempDir) Paths(files ...string) []string {
	var paths []string
	for _, file := range files {
		paths = append(paths, h.Path(file))
	}
	return paths
}

// TempFile creates a temporary file with a given content, removed when the
// test ends.
func TempFile(t *testing.T, prefix string, content []byte) string {
	t.Helper()
	file, err := os.CreateTemp("", prefix)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(file.Name()) })
	if err := os.WriteFile(file.Name(), content, 0644); err != nil {
		t.Fatal(err)
	}
	return file.Name()
}
