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

package docker

import (
	"context"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/testutil"
)

func TestClassify(t *testing.T) {
	testutil.Run(t, "nil passes through", func(t *testutil.T) {
		t.CheckNil(classify(nil))
	})

	testutil.Run(t, "daemon not found", func(t *testutil.T) {
		err := classify(errdefs.NotFound(errors.New("No such image: acme/app")))

		t.CheckTrue(errors.IsNotFound(err))
	})

	testutil.Run(t, "daemon conflict", func(t *testutil.T) {
		err := classify(errdefs.Conflict(errors.New("name already in use")))

		t.CheckTrue(errors.IsConflict(err))
	})

	testutil.Run(t, "everything else is a daemon failure", func(t *testutil.T) {
		err := classify(errors.New("connection refused"))

		t.CheckTrue(errors.IsDaemon(err))
	})
}

func TestIsAlreadyStopped(t *testing.T) {
	tests := []struct {
		description string
		err         error
		expected    bool
	}{
		{description: "nil", err: nil, expected: false},
		{description: "conflict for a container that is not running", err: errdefs.Conflict(errors.New("container abc is not running")), expected: true},
		{description: "conflict for an already stopped container", err: errdefs.Conflict(errors.New("container abc is already stopped")), expected: true},
		{description: "other conflicts stay errors", err: errdefs.Conflict(errors.New("removal in progress")), expected: false},
		{description: "plain errors are never swallowed", err: errors.New("container abc is not running"), expected: false},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			t.CheckDeepEqual(test.expected, isAlreadyStopped(test.err))
		})
	}
}

// networkAPI stubs the two engine calls EnsureNetwork makes. The mutex guards
// each call individually, so concurrent callers can interleave inspect and
// create the way a real daemon would.
type networkAPI struct {
	client.APIClient

	mu       sync.Mutex
	exists   bool
	conflict bool
	creates  int
}

func (n *networkAPI) NetworkInspect(ctx context.Context, name string, options network.InspectOptions) (network.Inspect, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.exists {
		return network.Inspect{}, errdefs.NotFound(errors.New("no such network: " + name))
	}
	return network.Inspect{Name: name}, nil
}

func (n *networkAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.creates++
	if n.exists || n.conflict {
		return network.CreateResponse{}, errdefs.Conflict(errors.New("network with name " + name + " already exists"))
	}
	n.exists = true
	return network.CreateResponse{ID: "net-1"}, nil
}

func TestEnsureNetwork(t *testing.T) {
	testutil.Run(t, "creates a missing network once", func(t *testutil.T) {
		api := &networkAPI{}
		daemon := NewDaemon(api)

		t.CheckNoError(daemon.EnsureNetwork(context.Background(), "coursedeck"))
		t.CheckNoError(daemon.EnsureNetwork(context.Background(), "coursedeck"))

		t.CheckDeepEqual(1, api.creates)
	})

	testutil.Run(t, "an existing network is left alone", func(t *testutil.T) {
		api := &networkAPI{exists: true}
		daemon := NewDaemon(api)

		t.CheckNoError(daemon.EnsureNetwork(context.Background(), "coursedeck"))

		t.CheckDeepEqual(0, api.creates)
	})

	testutil.Run(t, "losing the create race counts as success", func(t *testutil.T) {
		api := &networkAPI{conflict: true}
		daemon := NewDaemon(api)

		t.CheckNoError(daemon.EnsureNetwork(context.Background(), "coursedeck"))
	})

	testutil.Run(t, "concurrent callers all succeed", func(t *testutil.T) {
		api := &networkAPI{}
		daemon := NewDaemon(api)

		errs := make(chan error, 8)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- daemon.EnsureNetwork(context.Background(), "coursedeck")
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.CheckNoError(err)
		}
		t.CheckTrue(api.exists)
	})
}
