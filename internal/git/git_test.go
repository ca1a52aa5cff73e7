package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestValidateRepositoryURL(t *testing.T) {
	valid := []string{
		"https://example.com/repo.git",
		"http://example.com/org/repo",
		"git://example.com/repo.git",
		"ssh://git@example.com/org/repo.git",
		"git@github.com:org/repo.git",
		"file:///srv/repos/app",
		"/srv/repos/app",
	}
	for _, raw := range valid {
		if err := ValidateRepositoryURL(raw); err != nil {
			t.Fatalf("expected %q valid, got %v", raw, err)
		}
	}
	invalid := []string{
		"",
		"   ",
		"not a url",
		"ftp://example.com/repo.git",
		"https://",
		"https://example.com",
		"relative/path",
		"-upload-pack=evil",
	}
	for _, raw := range invalid {
		if err := ValidateRepositoryURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("expected %q invalid, got %v", raw, err)
		}
	}
}

// newSourceRepo creates a repository with two commits on main and returns
// its path and both hashes.
func newSourceRepo(t *testing.T) (string, string, string) {
	t.Helper()
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available for local transport")
	}
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	commit := func(content string) string {
		if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := wt.Add("index.html"); err != nil {
			t.Fatalf("add: %v", err)
		}
		hash, err := wt.Commit(content, &gogit.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		return hash.String()
	}
	first := commit("one")
	second := commit("two")

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Name() != plumbing.NewBranchReferenceName("main") {
		ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), head.Hash())
		if err := repo.Storer.SetReference(ref); err != nil {
			t.Fatalf("set main: %v", err)
		}
	}
	return dir, first, second
}

func TestCloneAtResolvesBranchTip(t *testing.T) {
	src, _, tip := newSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "checkout")

	got, err := CloneAt(context.Background(), src, "main", "", dest)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if got != tip {
		t.Fatalf("expected tip %s, got %s", tip, got)
	}
	data, err := os.ReadFile(filepath.Join(dest, "index.html"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("expected tip content, got %q", data)
	}
}

func TestCloneAtChecksOutExactCommit(t *testing.T) {
	src, first, _ := newSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "checkout")

	got, err := CloneAt(context.Background(), src, "main", first, dest)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if got != first {
		t.Fatalf("expected %s, got %s", first, got)
	}
	data, err := os.ReadFile(filepath.Join(dest, "index.html"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "one" {
		t.Fatalf("expected first commit content, got %q", data)
	}
}

func TestCloneAtUnknownBranchFails(t *testing.T) {
	src, _, _ := newSourceRepo(t)
	if _, err := CloneAt(context.Background(), src, "does-not-exist", "", filepath.Join(t.TempDir(), "c")); err == nil {
		t.Fatal("expected error for unknown branch")
	}
}

func TestCloneAtUnreachableRepositoryFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := CloneAt(context.Background(), missing, "main", "", filepath.Join(t.TempDir(), "c")); err == nil {
		t.Fatal("expected error for missing repository")
	}
}
