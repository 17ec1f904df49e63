// Package gitlocal serves repositories stored as bare Git repositories on
// local disk, one directory per owner/name, through the remote.Backend
// interface.
package gitlocal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"

	"folio/api/internal/filetree"
	"folio/api/internal/remote"
)

const defaultBranch = "main"

type Service struct {
	baseDir string
	user    remote.User
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

var _ remote.Backend = (*Service)(nil)

// New serves repositories under baseDir. user is reported by User and signs
// every commit.
func New(baseDir string, user remote.User) *Service {
	if user.Login == "" {
		user.Login = "folio"
	}
	if user.ID == "" {
		user.ID = "local:" + user.Login
	}
	return &Service{
		baseDir: baseDir,
		user:    user,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// EnsureRepo creates a bare repository with an empty initial commit on the
// given branch if it does not exist yet.
func (s *Service) EnsureRepo(ctx context.Context, repo remote.Repo, branch string) error {
	if err := repo.Validate(); err != nil {
		return err
	}
	if branch == "" {
		branch = defaultBranch
	}
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.repoPath(repo)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	r, err := git.PlainInit(path, true)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	treeHash, err := writeTree(r.Storer, &dirNode{})
	if err != nil {
		return err
	}
	commit, err := s.writeCommit(r, "Initialize repository", treeHash, nil)
	if err != nil {
		return err
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := r.Storer.SetReference(plumbing.NewHashReference(branchRef, commit)); err != nil {
		return fmt.Errorf("set %s branch ref: %w", branch, err)
	}
	if err := r.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return nil
}

// WriteFiles commits files on top of the branch head, adding or replacing
// each path. It is used for seeding repositories.
func (s *Service) WriteFiles(ctx context.Context, repo remote.Repo, branch string, files map[string][]byte, message string) (string, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return "", err
	}
	head, err := resolveHead(r, branch)
	if err != nil {
		return "", err
	}
	current, err := listTree(r, head.Tree)
	if err != nil {
		return "", err
	}

	byPath := make(map[string]remote.TreeEntry, len(current)+len(files))
	for _, entry := range current {
		if entry.Type == filetree.Tree {
			continue
		}
		byPath[entry.Path] = remote.TreeEntry{Path: entry.Path, Mode: entry.FileMode(), Type: entry.Type, ContentID: entry.ContentID}
	}
	for path, content := range files {
		path = filetree.CleanPath(path)
		if path == "" {
			return "", fmt.Errorf("%w: empty file path", remote.ErrInvalid)
		}
		hash, err := writeBlob(r.Storer, content)
		if err != nil {
			return "", err
		}
		byPath[path] = remote.TreeEntry{Path: path, Mode: filetree.ModeFile, Type: filetree.Blob, ContentID: hash.String()}
	}

	entries := make([]remote.TreeEntry, 0, len(byPath))
	for _, entry := range byPath {
		entries = append(entries, entry)
	}
	treeHash, err := buildTree(r.Storer, entries)
	if err != nil {
		return "", err
	}
	commit, err := s.writeCommit(r, message, treeHash, []plumbing.Hash{plumbing.NewHash(head.Commit)})
	if err != nil {
		return "", err
	}
	if err := casRef(r, branch, commit, plumbing.NewHash(head.Commit)); err != nil {
		return "", err
	}
	return commit.String(), nil
}

// ReadFile returns the content of path at the branch head.
func (s *Service) ReadFile(ctx context.Context, repo remote.Repo, branch, path string) ([]byte, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return nil, err
	}
	head, err := resolveHead(r, branch)
	if err != nil {
		return nil, err
	}
	commit, err := r.CommitObject(plumbing.NewHash(head.Commit))
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, path)
		}
		return nil, fmt.Errorf("load %s from commit: %w", path, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *Service) DefaultBranch(ctx context.Context, repo remote.Repo) (string, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return "", err
	}
	ref, err := r.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if ref.Type() != plumbing.SymbolicReference || !ref.Target().IsBranch() {
		return defaultBranch, nil
	}
	return ref.Target().Short(), nil
}

func (s *Service) Head(ctx context.Context, repo remote.Repo, branch string) (remote.Head, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return remote.Head{}, err
	}
	return resolveHead(r, branch)
}

func (s *Service) ListTree(ctx context.Context, repo remote.Repo, treeID string) (remote.Listing, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return remote.Listing{}, err
	}
	entries, err := listTree(r, treeID)
	if err != nil {
		return remote.Listing{}, err
	}
	return remote.Listing{Entries: entries}, nil
}

func (s *Service) CreateBlob(ctx context.Context, repo remote.Repo, content []byte) (string, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return "", err
	}
	hash, err := writeBlob(r.Storer, content)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (s *Service) CreateTree(ctx context.Context, repo remote.Repo, entries []remote.TreeEntry) (string, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.Type != filetree.Blob {
			continue
		}
		if err := r.Storer.HasEncodedObject(plumbing.NewHash(entry.ContentID)); err != nil {
			return "", fmt.Errorf("%w: blob %s for %s: %v", remote.ErrInvalid, entry.ContentID, entry.Path, err)
		}
	}
	hash, err := buildTree(r.Storer, entries)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (s *Service) CreateCommit(ctx context.Context, repo remote.Repo, message, treeID string, parents []string) (string, error) {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return "", err
	}
	treeHash := plumbing.NewHash(treeID)
	if _, err := r.TreeObject(treeHash); err != nil {
		return "", fmt.Errorf("%w: tree %s: %v", remote.ErrInvalid, treeID, err)
	}
	parentHashes := make([]plumbing.Hash, 0, len(parents))
	for _, parent := range parents {
		hash := plumbing.NewHash(parent)
		if _, err := r.CommitObject(hash); err != nil {
			return "", fmt.Errorf("%w: parent %s: %v", remote.ErrInvalid, parent, err)
		}
		parentHashes = append(parentHashes, hash)
	}
	hash, err := s.writeCommit(r, message, treeHash, parentHashes)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// UpdateRef moves branch to commit only if the branch still points at
// previous and commit descends from it.
func (s *Service) UpdateRef(ctx context.Context, repo remote.Repo, branch, commit, previous string) error {
	lock := s.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(ctx, repo)
	if err != nil {
		return err
	}
	newHash := plumbing.NewHash(commit)
	commitObj, err := r.CommitObject(newHash)
	if err != nil {
		return fmt.Errorf("%w: commit %s: %v", remote.ErrInvalid, commit, err)
	}

	prevHash := plumbing.NewHash(previous)
	if previous == "" {
		ref, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			return fmt.Errorf("%w: branch %s", remote.ErrNotFound, branch)
		}
		prevHash = ref.Hash()
	}
	fastForward := false
	for _, parent := range commitObj.ParentHashes {
		if parent == prevHash {
			fastForward = true
			break
		}
	}
	if !fastForward {
		return fmt.Errorf("%w: %s is not a fast forward of %s", remote.ErrConflict, commit, prevHash)
	}
	return casRef(r, branch, newHash, prevHash)
}

func (s *Service) User(ctx context.Context) (remote.User, error) {
	if err := ctx.Err(); err != nil {
		return remote.User{}, err
	}
	return s.user, nil
}

// Factory returns a remote.Factory that ignores the credential; every
// session shares this service and its identity.
func (s *Service) Factory() remote.Factory {
	return func(string) (remote.Backend, error) {
		return s, nil
	}
}

func (s *Service) repoPath(repo remote.Repo) string {
	return filepath.Join(s.baseDir, repo.Owner, repo.Name+".git")
}

func (s *Service) repoLock(repo remote.Repo) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := repo.String()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *Service) open(ctx context.Context, repo remote.Repo) (*git.Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	r, err := git.PlainOpen(s.repoPath(repo))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: repository %s", remote.ErrNotFound, repo)
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return r, nil
}

func (s *Service) writeCommit(r *git.Repository, message string, tree plumbing.Hash, parents []plumbing.Hash) (plumbing.Hash, error) {
	sig := object.Signature{
		Name:  s.user.Login,
		Email: fmt.Sprintf("%s@local.folio.dev", sanitizeEmail(s.user.Login)),
		When:  s.now(),
	}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := r.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	hash, err := r.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store commit: %w", err)
	}
	return hash, nil
}

func resolveHead(r *git.Repository, branch string) (remote.Head, error) {
	ref, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return remote.Head{}, fmt.Errorf("%w: branch %s", remote.ErrNotFound, branch)
		}
		return remote.Head{}, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commit, err := r.CommitObject(ref.Hash())
	if err != nil {
		return remote.Head{}, fmt.Errorf("load commit object: %w", err)
	}
	return remote.Head{Commit: commit.Hash.String(), Tree: commit.TreeHash.String()}, nil
}

func listTree(r *git.Repository, treeID string) ([]filetree.FlatEntry, error) {
	tree, err := r.TreeObject(plumbing.NewHash(treeID))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: tree %s", remote.ErrNotFound, treeID)
		}
		return nil, fmt.Errorf("load tree: %w", err)
	}

	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()

	var entries []filetree.FlatEntry
	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk tree: %w", err)
		}
		flat := filetree.FlatEntry{
			Path:      name,
			Type:      entryType(entry.Mode),
			ContentID: entry.Hash.String(),
			Mode:      modeString(entry.Mode),
		}
		if flat.Type == filetree.Blob {
			obj, err := r.Storer.EncodedObject(plumbing.BlobObject, entry.Hash)
			if err != nil {
				return nil, fmt.Errorf("load blob %s: %w", name, err)
			}
			flat.Size = obj.Size()
		}
		entries = append(entries, flat)
	}
	return entries, nil
}

func writeBlob(st storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open blob writer: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("close blob writer: %w", err)
	}
	hash, err := st.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

type dirNode struct {
	files map[string]object.TreeEntry
	dirs  map[string]*dirNode
}

// buildTree writes the nested tree objects for a complete list of full-path
// entries and returns the root tree hash.
func buildTree(st storer.EncodedObjectStorer, entries []remote.TreeEntry) (plumbing.Hash, error) {
	root := &dirNode{}
	for _, entry := range entries {
		parts := filetree.SplitPath(entry.Path)
		if len(parts) == 0 {
			return plumbing.ZeroHash, fmt.Errorf("%w: empty tree entry path", remote.ErrInvalid)
		}
		mode, err := filemode.New(entry.Mode)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("%w: mode %q for %s", remote.ErrInvalid, entry.Mode, entry.Path)
		}
		if mode == filemode.Dir {
			return plumbing.ZeroHash, fmt.Errorf("%w: directory entry %s in complete tree", remote.ErrInvalid, entry.Path)
		}

		node := root
		for _, dir := range parts[:len(parts)-1] {
			if _, clash := node.files[dir]; clash {
				return plumbing.ZeroHash, fmt.Errorf("%w: %s is both a file and a directory", remote.ErrInvalid, entry.Path)
			}
			if node.dirs == nil {
				node.dirs = make(map[string]*dirNode)
			}
			child, ok := node.dirs[dir]
			if !ok {
				child = &dirNode{}
				node.dirs[dir] = child
			}
			node = child
		}

		name := parts[len(parts)-1]
		if _, clash := node.dirs[name]; clash {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s is both a file and a directory", remote.ErrInvalid, entry.Path)
		}
		if _, dup := node.files[name]; dup {
			return plumbing.ZeroHash, fmt.Errorf("%w: duplicate entry %s", remote.ErrInvalid, entry.Path)
		}
		if node.files == nil {
			node.files = make(map[string]object.TreeEntry)
		}
		node.files[name] = object.TreeEntry{Name: name, Mode: mode, Hash: plumbing.NewHash(entry.ContentID)}
	}
	return writeTree(st, root)
}

func writeTree(st storer.EncodedObjectStorer, node *dirNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(node.files)+len(node.dirs))
	for _, entry := range node.files {
		entries = append(entries, entry)
	}
	for name, child := range node.dirs {
		hash, err := writeTree(st, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}
	// Git orders tree entries as if directory names ended in "/".
	sort.Slice(entries, func(i, j int) bool {
		return sortKey(entries[i]) < sortKey(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	hash, err := st.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store tree: %w", err)
	}
	return hash, nil
}

func sortKey(entry object.TreeEntry) string {
	if entry.Mode == filemode.Dir {
		return entry.Name + "/"
	}
	return entry.Name
}

func casRef(r *git.Repository, branch string, commit, previous plumbing.Hash) error {
	name := plumbing.NewBranchReferenceName(branch)
	err := r.Storer.CheckAndSetReference(
		plumbing.NewHashReference(name, commit),
		plumbing.NewHashReference(name, previous),
	)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return fmt.Errorf("%w: branch %s moved", remote.ErrConflict, branch)
	}
	if err != nil {
		return fmt.Errorf("update branch %s: %w", branch, err)
	}
	return nil
}

func entryType(mode filemode.FileMode) filetree.EntryType {
	switch mode {
	case filemode.Dir:
		return filetree.Tree
	case filemode.Submodule:
		return filetree.Commit
	default:
		return filetree.Blob
	}
}

func modeString(mode filemode.FileMode) string {
	switch mode {
	case filemode.Dir:
		return filetree.ModeDir
	case filemode.Executable:
		return filetree.ModeExecutable
	case filemode.Symlink:
		return filetree.ModeSymlink
	case filemode.Submodule:
		return filetree.ModeSubmodule
	default:
		return filetree.ModeFile
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range strings.ToLower(input) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == '.' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
