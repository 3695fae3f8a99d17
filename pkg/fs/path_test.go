package fs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandPathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	path, err := ExpandPath("~/work/repo")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if path != filepath.Join(home, "work", "repo") {
		t.Errorf("expected path under home, got %s", path)
	}

	path, err = ExpandPath("~")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if path != home {
		t.Errorf("expected home directory, got %s", path)
	}
}

func TestExpandPathRelative(t *testing.T) {
	path, err := ExpandPath("some/dir")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("expected absolute path, got %s", path)
	}
	if !strings.HasSuffix(path, filepath.Join("some", "dir")) {
		t.Errorf("expected path ending in some/dir, got %s", path)
	}
}

func TestExpandPathEmpty(t *testing.T) {
	path, err := ExpandPath("")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path to stay empty, got %s", path)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("expected %s to be a directory", dir)
	}

	// Creating an existing directory is a no-op.
	if err := EnsureDir(dir); err != nil {
		t.Errorf("EnsureDir on existing dir failed: %v", err)
	}
}
