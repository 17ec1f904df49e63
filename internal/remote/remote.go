// Package remote reads a repository's tree from a Git host and commits move
// batches back as a single commit that rewrites the whole tree.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"folio/api/internal/filetree"
)

var (
	ErrConflict     = errors.New("remote changed concurrently")
	ErrTransient    = errors.New("remote temporarily unavailable")
	ErrUnauthorized = errors.New("remote rejected credentials")
	ErrNotFound     = errors.New("remote object not found")
	ErrInvalid      = errors.New("remote rejected request")
	ErrTruncated    = errors.New("remote tree listing truncated")
)

// SyncError records which step of a fetch or commit failed. Err wraps one of
// the package sentinels.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return "remote " + e.Op + ": " + e.Err.Error()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Kind returns the label of the sentinel wrapped by err.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transient"
	}
}

type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepo parses "owner/name".
func ParseRepo(value string) (Repo, error) {
	owner, name, ok := strings.Cut(strings.Trim(strings.TrimSpace(value), "/"), "/")
	repo := Repo{Owner: owner, Name: strings.TrimSuffix(name, ".git")}
	if !ok || strings.Contains(repo.Name, "/") {
		return Repo{}, fmt.Errorf("%w: repository must be owner/name, got %q", ErrInvalid, value)
	}
	return repo, repo.Validate()
}

func (r Repo) Validate() error {
	if r.Owner == "" || r.Name == "" {
		return fmt.Errorf("%w: owner and repository name are required", ErrInvalid)
	}
	return nil
}

// Head is a branch tip and its root tree.
type Head struct {
	Commit string
	Tree   string
}

type Listing struct {
	Entries   []filetree.FlatEntry
	Truncated bool
}

// TreeEntry is one element of a complete tree sent to CreateTree. Paths
// are full repository paths; backends build nested trees as needed.
type TreeEntry struct {
	Path      string
	Mode      string
	Type      filetree.EntryType
	ContentID string
}

type User struct {
	ID    string
	Login string
	Name  string
}

// Backend is a Git-data-model shaped host API.
type Backend interface {
	DefaultBranch(ctx context.Context, repo Repo) (string, error)
	Head(ctx context.Context, repo Repo, branch string) (Head, error)
	ListTree(ctx context.Context, repo Repo, treeID string) (Listing, error)
	// CreateBlob stores content and returns its git object id.
	CreateBlob(ctx context.Context, repo Repo, content []byte) (string, error)
	CreateTree(ctx context.Context, repo Repo, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, repo Repo, message, treeID string, parents []string) (string, error)
	// UpdateRef moves branch to commit without forcing. Backends that can
	// compare-and-swap use previous as the expected current value.
	UpdateRef(ctx context.Context, repo Repo, branch, commit, previous string) error
	User(ctx context.Context) (User, error)
}

// Factory returns a Backend acting with the given credential.
type Factory func(token string) (Backend, error)
