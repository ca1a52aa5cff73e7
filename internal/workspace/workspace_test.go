package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareResetsDirectory(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if again != dir {
		t.Fatalf("expected same dir, got %q and %q", dir, again)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, got %v", err)
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"", "..", "../x", "a/b"} {
		if _, err := m.Prepare(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}

func TestReleaseAndSweep(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Prepare(id); err != nil {
			t.Fatalf("prepare %s: %v", id, err)
		}
	}
	if err := m.Release("a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release("a"); err != nil {
		t.Fatalf("release missing: %v", err)
	}
	removed, err := m.Sweep(func(id string) bool { return id == "b" })
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "c" {
		t.Fatalf("unexpected removed %v", removed)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "b")); err != nil {
		t.Fatalf("expected b kept: %v", err)
	}
}
