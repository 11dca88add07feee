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

package logstream

import (
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
)

// Accumulator renders a build event sequence into the text stored with the
// project. Stream chunks are kept verbatim, status lines get one line each,
// errors are prefixed so they stand out in the replayed log.
type Accumulator struct {
	text    []byte
	failure string
}

// Add renders one build event.
func (a *Accumulator) Add(event docker.BuildEvent) {
	if event.Error != "" {
		a.failure = event.Error
		a.text = append(a.text, "ERROR: "+event.Error+"\n"...)
		return
	}
	a.text = append(a.text, render(event)...)
}

// Text returns everything rendered so far.
func (a *Accumulator) Text() string {
	return string(a.text)
}

// FailureMessage returns the last error event's message, or "" when the
// build succeeded.
func (a *Accumulator) FailureMessage() string {
	return a.failure
}

// Failed reports whether an error event was seen.
func (a *Accumulator) Failed() bool {
	return a.failure != ""
}

// Record maps one build event onto its outbound stream record.
func Record(event docker.BuildEvent) Event {
	if event.Error != "" {
		return Event{Type: TypeError, Message: event.Error}
	}
	return Event{Type: TypeLog, Data: render(event)}
}

func render(event docker.BuildEvent) string {
	switch {
	case event.Stream != "":
		return event.Stream
	case event.Status != "" && event.Progress != "":
		return event.Status + " " + event.Progress + "\n"
	case event.Status != "":
		return event.Status + "\n"
	}
	return ""
}
