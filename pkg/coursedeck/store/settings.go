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

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

const (
	settingsKeyServerLocked = "serverLocked"
	settingsKeyProjectTags  = "project_tags"
)

// OfferingSettings is a course offering's settings blob. The engine reads and
// writes two keys; every other key is owned by the enrollment system and must
// round-trip through load and save untouched.
type OfferingSettings struct {
	serverLocked    bool
	projectTags     []string
	hasServerLocked bool
	hasProjectTags  bool
	extra           map[string]json.RawMessage
}

// ServerLocked reports whether only admins and instructors may deploy or
// stop.
func (s *OfferingSettings) ServerLocked() bool {
	return s.serverLocked
}

// SetServerLocked sets the lock flag.
func (s *OfferingSettings) SetServerLocked(locked bool) {
	s.serverLocked = locked
	s.hasServerLocked = true
}

// ProjectTags returns the labels ever applied to this offering's teams, in
// application order.
func (s *OfferingSettings) ProjectTags() []string {
	return append([]string(nil), s.projectTags...)
}

// HasTag reports whether label was already applied.
func (s *OfferingSettings) HasTag(label string) bool {
	for _, tag := range s.projectTags {
		if tag == label {
			return true
		}
	}
	return false
}

// AddTag appends label to the tag history.
func (s *OfferingSettings) AddTag(label string) {
	s.projectTags = append(s.projectTags, label)
	s.hasProjectTags = true
}

// RemoveTag removes every occurrence of label. Removing an absent label is a
// no-op.
func (s *OfferingSettings) RemoveTag(label string) {
	if !s.hasProjectTags {
		return
	}
	kept := s.projectTags[:0]
	for _, tag := range s.projectTags {
		if tag != label {
			kept = append(kept, tag)
		}
	}
	s.projectTags = kept
}

func (s *OfferingSettings) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = OfferingSettings{}
	if v, ok := raw[settingsKeyServerLocked]; ok {
		if err := json.Unmarshal(v, &s.serverLocked); err != nil {
			return fmt.Errorf("decoding %s: %w", settingsKeyServerLocked, err)
		}
		s.hasServerLocked = true
		delete(raw, settingsKeyServerLocked)
	}
	if v, ok := raw[settingsKeyProjectTags]; ok {
		if err := json.Unmarshal(v, &s.projectTags); err != nil {
			return fmt.Errorf("decoding %s: %w", settingsKeyProjectTags, err)
		}
		s.hasProjectTags = true
		delete(raw, settingsKeyProjectTags)
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	return nil
}

func (s OfferingSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.extra)+2)
	for k, v := range s.extra {
		out[k] = v
	}
	if s.hasServerLocked {
		v, err := json.Marshal(s.serverLocked)
		if err != nil {
			return nil, err
		}
		out[settingsKeyServerLocked] = v
	}
	if s.hasProjectTags {
		tags := s.projectTags
		if tags == nil {
			tags = []string{}
		}
		v, err := json.Marshal(tags)
		if err != nil {
			return nil, err
		}
		out[settingsKeyProjectTags] = v
	}
	return json.Marshal(out)
}

func (s OfferingSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *OfferingSettings) Scan(src interface{}) error {
	return scanJSON(src, s)
}
