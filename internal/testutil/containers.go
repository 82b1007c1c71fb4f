// Package testutil starts shared backing services for integration tests.
//
// Each container is started at most once per test binary and torn down
// when the test that first requested it finishes, so callers should
// request it from a top-level test that wraps the whole suite.
package testutil

import (
	"testing"
)

// RequireDocker skips t when running with -short. Container-backed
// suites call it before touching Docker.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

func requireStarted(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("start %s container: %v", name, err)
	}
}
