// Package filetree derives the hierarchical view of a repository from the
// flat blob/tree listing returned by the remote store.
package filetree

import "sort"

// EntryType identifies the kind of remote object behind a FlatEntry.
type EntryType string

const (
	Blob EntryType = "blob"
	Tree EntryType = "tree"
	// Commit is a submodule link. It renders as a file and is never moved
	// implicitly into or out of existence by a tree rebuild.
	Commit EntryType = "commit"
)

// Default git file modes.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeDir        = "040000"
	ModeSubmodule  = "160000"
)

// FlatEntry is one remote object. ContentID is the content hash and is the
// authority for whether a file actually changed.
type FlatEntry struct {
	Path      string    `json:"path"`
	Type      EntryType `json:"type"`
	ContentID string    `json:"contentId"`
	Size      int64     `json:"size,omitempty"`
	Mode      string    `json:"mode,omitempty"`
}

// FileMode returns the entry mode, falling back to the default for its type.
func (e FlatEntry) FileMode() string {
	if e.Mode != "" {
		return e.Mode
	}
	switch e.Type {
	case Tree:
		return ModeDir
	case Commit:
		return ModeSubmodule
	default:
		return ModeFile
	}
}

type NodeKind string

const (
	File      NodeKind = "file"
	Directory NodeKind = "dir"
)

// TreeNode is derived from the flat listing and never persisted.
type TreeNode struct {
	Name     string      `json:"name"`
	FullPath string      `json:"fullPath"`
	Kind     NodeKind    `json:"kind"`
	Depth    int         `json:"depth"`
	Children []*TreeNode `json:"children,omitempty"`
}

func (n *TreeNode) IsDir() bool {
	return n != nil && n.Kind == Directory
}

// IsRoot reports whether n is the synthetic repository row.
func (n *TreeNode) IsRoot() bool {
	return n != nil && n.Depth < 0
}

// MoveRecord maps one top-level moved item to its new location. Descendants
// of a moved directory follow implicitly through prefix rewriting.
type MoveRecord struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

// PathSet is a set of slash-separated paths. The zero value is not usable;
// create one with NewPathSet.
type PathSet map[string]struct{}

func NewPathSet(paths ...string) PathSet {
	set := make(PathSet, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

func (s PathSet) Has(path string) bool {
	_, ok := s[path]
	return ok
}

func (s PathSet) Add(path string) {
	s[path] = struct{}{}
}

func (s PathSet) Remove(path string) {
	delete(s, path)
}

func (s PathSet) Len() int {
	return len(s)
}

func (s PathSet) Clone() PathSet {
	out := make(PathSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the members in byte order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s PathSet) Equal(other PathSet) bool {
	if len(s) != len(other) {
		return false
	}
	for p := range s {
		if !other.Has(p) {
			return false
		}
	}
	return true
}
