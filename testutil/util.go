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
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type BadReader struct{}

func (BadReader) Read([]byte) (int, error) { return 0, fmt.Errorf("Bad read") }

type BadWriter struct{}

func (BadWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("Bad write") }

type FakeReaderCloser struct {
	Err error
}

func (f FakeReaderCloser) Close() error             { return nil }
func (f FakeReaderCloser) Read([]byte) (int, error) { return 0, f.Err }

// T is a wrapper around testing.T that adds checks and overrides scoped to a
// single test case.
type T struct {
	*testing.T
	teardownActions []func()
}

// Run runs a test case with a fresh *T.
func Run(t *testing.T, name string, f func(t *T)) {
	t.Run(name, func(tt *testing.T) {
		wrapped := &T{T: tt}
		defer wrapped.teardown()
		f(wrapped)
	})
}

func (t *T) teardown() {
	for i := len(t.teardownActions) - 1; i >= 0; i-- {
		t.teardownActions[i]()
	}
}

// Override replaces the value pointed to by dest with tmp for the duration of
// the test case and restores the original afterwards.
func (t *T) Override(dest, tmp interface{}) {
	teardown, err := override(dest, tmp)
	if err != nil {
		t.Errorf("unable to override value: %v", err)
		return
	}
	t.teardownActions = append(t.teardownActions, teardown)
}

func override(dest, tmp interface{}) (func(), error) {
	dValue := reflect.ValueOf(dest)
	if dValue.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("destination is not a pointer")
	}

	dElem := dValue.Elem()
	if !dElem.CanSet() {
		return nil, fmt.Errorf("destination is not settable")
	}

	saved := reflect.New(dElem.Type())
	saved.Elem().Set(dElem)

	tValue := reflect.ValueOf(tmp)
	if tmp == nil {
		tValue = reflect.Zero(dElem.Type())
	}
	if !tValue.Type().AssignableTo(dElem.Type()) {
		return nil, fmt.Errorf("value of type %v is not assignable to type %v", tValue.Type(), dElem.Type())
	}
	dElem.Set(tValue)

	return func() { dElem.Set(saved.Elem()) }, nil
}

// NewTempDir creates a temporary directory removed when the test ends.
func (t *T) NewTempDir() *TempDir {
	return NewTempDir(t.T)
}

// TempFile creates a temporary file with the given content and returns its
// path.
func (t *T) TempFile(prefix string, content []byte) string {
	return TempFile(t.T, prefix, content)
}

func (t *T) CheckTrue(condition bool) {
	t.Helper()
	if !condition {
		t.Error("expected true, but found false")
	}
}

func (t *T) CheckFalse(condition bool) {
	t.Helper()
	if condition {
		t.Error("expected false, but found true")
	}
}

func (t *T) CheckContains(expected, actual string) {
	t.Helper()
	if !strings.Contains(actual, expected) {
		t.Errorf("expected output %q not found in output: %s", expected, actual)
	}
}

func (t *T) CheckNotContains(excluded, actual string) {
	t.Helper()
	if strings.Contains(actual, excluded) {
		t.Errorf("excluded output %q found in output: %s", excluded, actual)
	}
}

func (t *T) CheckMatches(pattern, actual string) {
	t.Helper()
	if matched, _ := regexp.MatchString(pattern, actual); !matched {
		t.Errorf("expected output %q did not match output: %s", pattern, actual)
	}
}

func (t *T) CheckNil(actual interface{}) {
	t.Helper()
	if !isNil(actual) {
		t.Errorf("expected nil, but found %+v", actual)
	}
}

func (t *T) CheckNotNil(actual interface{}) {
	t.Helper()
	if isNil(actual) {
		t.Error("expected non-nil value")
	}
}

func isNil(actual interface{}) bool {
	if actual == nil {
		return true
	}
	v := reflect.ValueOf(actual)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func (t *T) CheckDeepEqual(expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	CheckDeepEqual(t.T, expected, actual, opts...)
}

func (t *T) CheckErrorAndDeepEqual(shouldErr bool, err error, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	CheckErrorAndDeepEqual(t.T, shouldErr, err, expected, actual, opts...)
}

func (t *T) CheckError(shouldErr bool, err error) {
	t.Helper()
	CheckError(t.T, shouldErr, err)
}

// CheckErrorContains checks that an error occurred and contains the given
// message.
func (t *T) CheckErrorContains(message string, err error) {
	t.Helper()
	if err == nil {
		t.Error("expected error, but returned none")
		return
	}
	if !strings.Contains(err.Error(), message) {
		t.Errorf("expected message %q not found in error: %s", message, err)
	}
}

// CheckNoError checks that no error occurred.
func (t *T) CheckNoError(err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %s", err)
	}
}

// RequireNoError fails the test immediately on error.
func (t *T) RequireNoError(err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

// RequireNonNilResult fails the test immediately when resultError is non-nil
// and returns interfaceValue otherwise.
func (t *T) RequireNonNilResult(interfaceValue interface{}, resultError error) interface{} {
	t.Helper()
	if resultError != nil {
		t.Fatalf("unexpected error: %s", resultError)
	}
	return interfaceValue
}

func CheckDeepEqual(t *testing.T, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		t.Errorf("%T differ (-got, +want): %s", expected, diff)
	}
}

func CheckErrorAndDeepEqual(t *testing.T, shouldErr bool, err error, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	if err := checkErr(shouldErr, err); err != nil {
		t.Error(err)
		return
	}
	CheckDeepEqual(t, expected, actual, opts...)
}

func CheckError(t *testing.T, shouldErr bool, err error) {
	t.Helper()
	if err := checkErr(shouldErr, err); err != nil {
		t.Error(err)
	}
}

// EquateErrorMessage reports errors to be equal if both are nil or both have
// the same message.
func EquateErrorMessage() cmp.Option {
	return cmp.Comparer(func(a, b error) bool {
		if a == nil || b == nil {
			return a == nil && b == nil
		}
		return a.Error() == b.Error()
	})
}

func checkErr(shouldErr bool, err error) error {
	if err == nil && shouldErr {
		return fmt.Errorf("expected error, but returned none")
	}
	if err != nil && !shouldErr {
		return fmt.Errorf("unexpected error: %s", err)
	}
	return nil
}

// SetEnvs takes a map of key values to set using os.Setenv and returns
// a function that can be called to reset the envs to their previous values.
func SetEnvs(t *testing.T, envs map[string]string) func(*testing.T) {
	prevEnvs := map[string]string{}
	for key, value := range envs {
		prevEnv := os.Getenv(key)
		prevEnvs[key] = prevEnv
		err := os.Setenv(key, value)
		if err != nil {
			t.Error(err)
		}
	}
	return func(t *testing.T) {
		for key, value := range prevEnvs {
			err := os.Setenv(key, value)
			if err != nil {
				t.Error(err)
			}
		}
	}
}
