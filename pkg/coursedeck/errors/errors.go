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

// Package errors defines the error kinds surfaced by the engine. Callers
// branch on the kind predicates rather than on error strings.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrNotFound is implemented by errors for entities that do not exist.
type ErrNotFound interface {
	NotFound()
}

// ErrForbidden is implemented by errors for denied operations.
type ErrForbidden interface {
	Forbidden()
}

// ErrConflict is implemented by errors for state conflicts, duplicate names
// and labels included.
type ErrConflict interface {
	Conflict()
}

// ErrBadRequest is implemented by errors for invalid or out-of-order
// requests.
type ErrBadRequest interface {
	BadRequest()
}

// ErrBuildFailure is implemented by errors from a failed image build.
type ErrBuildFailure interface {
	BuildFailure()
}

// ErrDaemon is implemented by errors passed through from the container
// daemon.
type ErrDaemon interface {
	Daemon()
}

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Unwrap() error { return e.error }

type errForbidden struct{ error }

func (errForbidden) Forbidden() {}

func (e errForbidden) Unwrap() error { return e.error }

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Unwrap() error { return e.error }

type errBadRequest struct{ error }

func (errBadRequest) BadRequest() {}

func (e errBadRequest) Unwrap() error { return e.error }

type errDaemon struct{ error }

func (errDaemon) Daemon() {}

func (e errDaemon) Unwrap() error { return e.error }

// BuildError reports a failed image build along with the build output
// collected up to the failure.
type BuildError struct {
	Msg  string
	Logs string
}

func (e *BuildError) Error() string { return e.Msg }

func (*BuildError) BuildFailure() {}

// NotFound marks err as a not-found error. A nil err stays nil.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return errNotFound{err}
}

// NotFoundf formats a new not-found error.
func NotFoundf(format string, args ...interface{}) error {
	return errNotFound{fmt.Errorf(format, args...)}
}

// Forbidden marks err as a permission error. A nil err stays nil.
func Forbidden(err error) error {
	if err == nil {
		return nil
	}
	return errForbidden{err}
}

// Forbiddenf formats a new permission error.
func Forbiddenf(format string, args ...interface{}) error {
	return errForbidden{fmt.Errorf(format, args...)}
}

// Conflict marks err as a conflict error. A nil err stays nil.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return errConflict{err}
}

// Conflictf formats a new conflict error.
func Conflictf(format string, args ...interface{}) error {
	return errConflict{fmt.Errorf(format, args...)}
}

// BadRequest marks err as a bad-request error. A nil err stays nil.
func BadRequest(err error) error {
	if err == nil {
		return nil
	}
	return errBadRequest{err}
}

// BadRequestf formats a new bad-request error.
func BadRequestf(format string, args ...interface{}) error {
	return errBadRequest{fmt.Errorf(format, args...)}
}

// BuildFailure wraps a build failure with the output collected so far.
func BuildFailure(msg, logs string) error {
	return &BuildError{Msg: msg, Logs: logs}
}

// Daemon marks err as a daemon error. A nil err stays nil.
func Daemon(err error) error {
	if err == nil {
		return nil
	}
	return errDaemon{err}
}

// Daemonf formats a new daemon error.
func Daemonf(format string, args ...interface{}) error {
	return errDaemon{fmt.Errorf(format, args...)}
}

// As finds the first error in err's chain that matches target. It is the
// standard library's errors.As, re-exported so callers need only one errors
// import.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// New returns an error with the given text.
func New(text string) error {
	return stderrors.New(text)
}

// IsNotFound reports whether any error in err's chain is a not-found error.
func IsNotFound(err error) bool {
	var target ErrNotFound
	return stderrors.As(err, &target)
}

// IsForbidden reports whether any error in err's chain is a permission error.
func IsForbidden(err error) bool {
	var target ErrForbidden
	return stderrors.As(err, &target)
}

// IsConflict reports whether any error in err's chain is a conflict error.
func IsConflict(err error) bool {
	var target ErrConflict
	return stderrors.As(err, &target)
}

// IsBadRequest reports whether any error in err's chain is a bad-request
// error.
func IsBadRequest(err error) bool {
	var target ErrBadRequest
	return stderrors.As(err, &target)
}

// IsBuildFailure reports whether any error in err's chain is a build failure.
func IsBuildFailure(err error) bool {
	var target ErrBuildFailure
	return stderrors.As(err, &target)
}

// IsDaemon reports whether any error in err's chain is a daemon error.
func IsDaemon(err error) bool {
	var target ErrDaemon
	return stderrors.As(err, &target)
}
