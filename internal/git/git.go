package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrInvalidURL is returned for repository references that cannot be cloned.
var ErrInvalidURL = errors.New("invalid repository url")

var scpLikeURL = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._~/-]+$`)

// ValidateRepositoryURL accepts http(s), git, ssh and file URLs, scp-like
// user@host:path references and absolute local paths.
func ValidateRepositoryURL(raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if value != raw || strings.ContainsAny(value, " \t\n") || strings.HasPrefix(value, "-") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if scpLikeURL.MatchString(value) {
		return nil
	}
	if filepath.IsAbs(value) {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return fmt.Errorf("%w: %q needs a host and path", ErrInvalidURL, raw)
		}
	case "file":
		if u.Path == "" {
			return fmt.Errorf("%w: %q needs a path", ErrInvalidURL, raw)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return nil
}

// CloneAt clones branch of repoURL into dest. With an empty commit the
// branch tip is checked out with a shallow clone; otherwise the full branch
// history is fetched and commit is checked out. The checked-out hash is returned.
func CloneAt(ctx context.Context, repoURL, branch, commit, dest string) (string, error) {
	if err := ValidateRepositoryURL(repoURL); err != nil {
		return "", err
	}
	if dest == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	if branch == "" {
		branch = "main"
	}

	opts := &gogit.CloneOptions{
		URL:           repoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	}
	if commit == "" {
		opts.Depth = 1
	}
	repo, err := gogit.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return "", fmt.Errorf("clone %s@%s: %w", repoURL, branch, err)
	}

	if commit == "" {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolve %s tip: %w", branch, err)
		}
		return head.Hash().String(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(commit))
	if err != nil {
		return "", fmt.Errorf("resolve commit %s: %w", commit, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", commit, err)
	}
	return hash.String(), nil
}
