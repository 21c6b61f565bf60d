// Package testutil provides shared test helpers for internal quill packages.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempStatePath returns a temporary directory and state file path suitable
// for tests. The directory is automatically cleaned up when the test
// completes.
func TempStatePath(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "test.qps")
	return dir, path
}

// MustNotExist asserts that the file does not exist.
func MustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to not exist", path)
	}
}
