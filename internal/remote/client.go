package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"folio/api/internal/filetree"
	"folio/api/internal/logging"
	"folio/api/internal/metrics"
)

// Snapshot is the remote view of one branch.
type Snapshot struct {
	Repo       Repo
	Branch     string
	HeadCommit string
	TreeID     string
	Entries    []filetree.FlatEntry
	EmptyDirs  filetree.PathSet
}

// Batch is an accepted set of changes to persist. Entries is the flat list
// the changes were validated against, before they were applied. Deleted
// paths are dropped with everything beneath them, then Records are
// applied, then Created files are added.
type Batch struct {
	Repo       Repo
	Branch     string
	BaseCommit string
	Entries    []filetree.FlatEntry
	Records    []filetree.MoveRecord
	Deleted    []string
	Created    []NewFile
	Message    string
}

// NewFile is a file added by a batch.
type NewFile struct {
	Path    string
	Content []byte
}

func (b Batch) empty() bool {
	return len(b.Records) == 0 && len(b.Deleted) == 0 && len(b.Created) == 0
}

// BlobID returns the git object id of content, the same id the remote
// assigns when the blob is created.
func BlobID(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}

type CommitResult struct {
	Commit string
	Tree   string
	Parent string
}

type Client struct {
	backend Backend
}

func NewClient(backend Backend) *Client {
	return &Client{backend: backend}
}

func (c *Client) Backend() Backend {
	return c.backend
}

// Fetch reads the head of branch, or of the default branch when branch is
// empty, and its full recursive listing.
func (c *Client) Fetch(ctx context.Context, repo Repo, branch string) (Snapshot, error) {
	if err := repo.Validate(); err != nil {
		return Snapshot{}, &SyncError{Op: "fetch", Err: err}
	}
	if branch == "" {
		def, err := c.backend.DefaultBranch(ctx, repo)
		if err != nil {
			return Snapshot{}, &SyncError{Op: "default branch", Err: err}
		}
		branch = def
	}
	head, err := c.backend.Head(ctx, repo, branch)
	if err != nil {
		return Snapshot{}, &SyncError{Op: "head", Err: err}
	}
	listing, err := c.backend.ListTree(ctx, repo, head.Tree)
	if err != nil {
		return Snapshot{}, &SyncError{Op: "list tree", Err: err}
	}
	if listing.Truncated {
		return Snapshot{}, &SyncError{Op: "list tree", Err: ErrTruncated}
	}

	entries := append([]filetree.FlatEntry(nil), listing.Entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	metrics.SetTreeEntries(repo.String(), len(entries))

	return Snapshot{
		Repo:       repo,
		Branch:     branch,
		HeadCommit: head.Commit,
		TreeID:     head.Tree,
		Entries:    entries,
		EmptyDirs:  filetree.DeriveEmptyDirs(entries),
	}, nil
}

// CommitMoves persists a batch as exactly one commit:
//  1. read the branch head,
//  2. rebuild the complete entry list with deletions, the move map and
//     new files applied, writing a blob for each new file,
//  3. create a new tree from that list with no base tree,
//  4. commit it with the head as sole parent,
//  5. move the branch ref without forcing.
//
// Any failure aborts the batch; nothing partial is ever written to the ref.
func (c *Client) CommitMoves(ctx context.Context, batch Batch) (result CommitResult, err error) {
	start := time.Now()
	logger := logging.WithContext(ctx).With(
		zap.String("repo", batch.Repo.String()),
		zap.String("branch", batch.Branch),
		zap.Int("moves", len(batch.Records)),
		zap.Int("deleted", len(batch.Deleted)),
		zap.Int("created", len(batch.Created)),
	)
	defer func() {
		metrics.RecordSync(Kind(err), time.Since(start))
		if err != nil {
			logger.Warn("sync failed", zap.Error(err))
			return
		}
		logger.Info("sync committed", zap.String("commit", result.Commit))
	}()

	if err := batch.Repo.Validate(); err != nil {
		return CommitResult{}, &SyncError{Op: "commit", Err: err}
	}
	if batch.Branch == "" {
		return CommitResult{}, &SyncError{Op: "commit", Err: fmt.Errorf("%w: branch is required", ErrInvalid)}
	}
	if batch.empty() {
		return CommitResult{}, &SyncError{Op: "commit", Err: fmt.Errorf("%w: empty batch", ErrInvalid)}
	}

	head, err := c.backend.Head(ctx, batch.Repo, batch.Branch)
	if err != nil {
		return CommitResult{}, &SyncError{Op: "head", Err: err}
	}
	if batch.BaseCommit != "" && head.Commit != batch.BaseCommit {
		return CommitResult{}, &SyncError{
			Op:  "head",
			Err: fmt.Errorf("%w: branch moved from %s to %s", ErrConflict, short(batch.BaseCommit), short(head.Commit)),
		}
	}

	entries, err := RebuildEntries(withoutPaths(batch.Entries, batch.Deleted), batch.Records)
	if err != nil {
		return CommitResult{}, &SyncError{Op: "rebuild", Err: err}
	}
	if len(batch.Created) > 0 {
		entries, err = c.addFiles(ctx, batch.Repo, entries, batch.Created)
		if err != nil {
			return CommitResult{}, err
		}
	}

	treeID, err := c.backend.CreateTree(ctx, batch.Repo, entries)
	if err != nil {
		return CommitResult{}, &SyncError{Op: "create tree", Err: err}
	}

	message := batch.Message
	if message == "" && len(batch.Records) > 0 {
		message = MoveMessage(batch.Records)
	}
	if message == "" {
		message = "Update files"
	}
	commitID, err := c.backend.CreateCommit(ctx, batch.Repo, message, treeID, []string{head.Commit})
	if err != nil {
		return CommitResult{}, &SyncError{Op: "create commit", Err: err}
	}

	if err := c.backend.UpdateRef(ctx, batch.Repo, batch.Branch, commitID, head.Commit); err != nil {
		return CommitResult{}, &SyncError{Op: "update ref", Err: err}
	}
	return CommitResult{Commit: commitID, Tree: treeID, Parent: head.Commit}, nil
}

// RebuildEntries returns the complete tree for the post-move state. Only
// blobs and submodule links are listed; directories are implied by paths.
func RebuildEntries(entries []filetree.FlatEntry, records []filetree.MoveRecord) ([]TreeEntry, error) {
	out := make([]TreeEntry, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.Type == filetree.Tree {
			continue
		}
		path, _ := filetree.RewritePath(entry.Path, records)
		if prev, dup := seen[path]; dup {
			return nil, fmt.Errorf("%w: %s and %s both map to %s", ErrInvalid, prev, entry.Path, path)
		}
		seen[path] = entry.Path
		out = append(out, TreeEntry{
			Path:      path,
			Mode:      entry.FileMode(),
			Type:      entry.Type,
			ContentID: entry.ContentID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// addFiles writes a blob per new file and returns entries with the files
// added, sorted by path. A new path may not replace an existing one.
func (c *Client) addFiles(ctx context.Context, repo Repo, entries []TreeEntry, files []NewFile) ([]TreeEntry, error) {
	taken := make(map[string]bool, len(entries))
	for _, entry := range entries {
		taken[entry.Path] = true
	}
	for _, file := range files {
		if file.Path == "" || taken[file.Path] {
			return nil, &SyncError{Op: "rebuild", Err: fmt.Errorf("%w: cannot create %q", ErrInvalid, file.Path)}
		}
		id, err := c.backend.CreateBlob(ctx, repo, file.Content)
		if err != nil {
			return nil, &SyncError{Op: "create blob", Err: err}
		}
		taken[file.Path] = true
		entries = append(entries, TreeEntry{Path: file.Path, Mode: filetree.ModeFile, Type: filetree.Blob, ContentID: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// withoutPaths drops every entry at or beneath one of paths.
func withoutPaths(entries []filetree.FlatEntry, paths []string) []filetree.FlatEntry {
	if len(paths) == 0 {
		return entries
	}
	out := make([]filetree.FlatEntry, 0, len(entries))
	for _, entry := range entries {
		keep := true
		for _, p := range paths {
			if filetree.Within(entry.Path, p) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, entry)
		}
	}
	return out
}

// MoveMessage is the default commit message for a batch.
func MoveMessage(records []filetree.MoveRecord) string {
	moved := make([]string, 0, len(records))
	for _, rec := range records {
		moved = append(moved, rec.OldPath)
	}
	return "Move: " + strings.Join(moved, ", ")
}

// RenameMessage is the commit message for a single rename.
func RenameMessage(oldPath, newPath string, dir bool) string {
	kind := "file"
	if dir {
		kind = "folder"
	}
	return fmt.Sprintf("Rename %s: %s → %s", kind, oldPath, newPath)
}

// DeleteMessage is the commit message for a deletion. dir reports whether a
// single deleted path is a folder.
func DeleteMessage(paths []string, dir bool) string {
	if len(paths) != 1 {
		return "Delete: " + strings.Join(paths, ", ")
	}
	if dir {
		return "Delete folder: " + paths[0]
	}
	return "Delete file: " + paths[0]
}

// CreateMessage is the commit message for a new file.
func CreateMessage(path string) string {
	return "Create file: " + path
}

// IsRetryable reports whether retrying the same batch could succeed without
// a refetch.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func short(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
