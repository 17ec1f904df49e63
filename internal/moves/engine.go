// Package moves validates and applies path changes to the local tree model:
// drag-and-drop batches, renames, deletions and new files or directories. Every operation is
// synchronous and pure; the input State is never modified.
package moves

import (
	"sort"
	"strings"

	"folio/api/internal/filetree"
)

// State is the part of the workspace a move rewrites.
type State struct {
	Entries   []filetree.FlatEntry
	EmptyDirs filetree.PathSet
	Expanded  filetree.PathSet
}

// Clone returns a deep copy.
func (s State) Clone() State {
	entries := make([]filetree.FlatEntry, len(s.Entries))
	copy(entries, s.Entries)
	return State{
		Entries:   entries,
		EmptyDirs: cloneSet(s.EmptyDirs),
		Expanded:  cloneSet(s.Expanded),
	}
}

func cloneSet(s filetree.PathSet) filetree.PathSet {
	if s == nil {
		return filetree.NewPathSet()
	}
	return s.Clone()
}

// Result is the outcome of an accepted operation.
type Result struct {
	State   State
	Records []filetree.MoveRecord
	// Deleted holds the top-level paths removed by Delete and Removed the
	// number of file entries that went with them.
	Deleted []string
	Removed int
	// Created is the entry added by CreateFile.
	Created *filetree.FlatEntry
}

// Empty reports whether the result changes no paths.
func (r Result) Empty() bool {
	return len(r.Records) == 0 && len(r.Deleted) == 0 && r.Created == nil
}

// Destination resolves the directory a drop on target lands in: the target
// itself for directories and the root, the parent for files.
func Destination(nodes map[string]*filetree.TreeNode, target string) (string, error) {
	if target == "" {
		return "", nil
	}
	node, ok := nodes[target]
	if !ok {
		return "", reject(target, ErrUnknownPath)
	}
	if node.IsDir() {
		return target, nil
	}
	return filetree.ParentDir(target), nil
}

// Apply moves every source into the directory resolved from target. The
// batch is rejected as a whole when any source fails validation.
func Apply(state State, sources []string, target string) (Result, error) {
	if len(sources) == 0 {
		return Result{}, reject("", ErrNoSources)
	}
	nodes := index(state)

	dest, err := Destination(nodes, target)
	if err != nil {
		return Result{}, err
	}

	selected := filetree.NewPathSet(sources...)
	if len(sources) > 1 && selected.Has(dest) {
		return Result{}, reject(dest, ErrIntoSelection)
	}
	for _, src := range sources {
		if src == "" {
			return Result{}, reject(src, ErrRootImmutable)
		}
		node, ok := nodes[src]
		if !ok {
			return Result{}, reject(src, ErrUnknownPath)
		}
		if src == dest {
			return Result{}, reject(src, ErrSelfMove)
		}
		if node.IsDir() && filetree.StrictlyWithin(dest, src) {
			return Result{}, reject(src, ErrCycle)
		}
	}

	var records []filetree.MoveRecord
	names := make(map[string]string)
	for _, src := range topLevel(sources) {
		if filetree.ParentDir(src) == dest {
			continue
		}
		name := filetree.BaseName(src)
		newPath := filetree.Join(dest, name)
		if _, exists := nodes[newPath]; exists {
			return Result{}, reject(newPath, ErrNameConflict)
		}
		if other, dup := names[name]; dup {
			return Result{}, reject(other+", "+src, ErrNameConflict)
		}
		names[name] = src
		records = append(records, filetree.MoveRecord{OldPath: src, NewPath: newPath})
	}
	if len(records) == 0 {
		return Result{}, reject(dest, ErrNothingToMove)
	}

	next := rewrite(state, records)
	if dest != "" {
		next.EmptyDirs.Remove(dest)
	}
	next.EmptyDirs = Normalize(next.Entries, next.EmptyDirs)
	return Result{State: next, Records: records}, nil
}

// Rename gives the item at path a new name in the same directory. Renaming
// to the current name is accepted and changes nothing.
func Rename(state State, path, newName string) (Result, error) {
	if path == "" {
		return Result{}, reject(path, ErrRootImmutable)
	}
	if err := ValidateName(newName); err != nil {
		return Result{}, err
	}
	nodes := index(state)
	if _, ok := nodes[path]; !ok {
		return Result{}, reject(path, ErrUnknownPath)
	}
	newPath := filetree.Join(filetree.ParentDir(path), newName)
	if newPath == path {
		return Result{State: state.Clone()}, nil
	}
	if _, exists := nodes[newPath]; exists {
		return Result{}, reject(newPath, ErrNameConflict)
	}

	records := []filetree.MoveRecord{{OldPath: path, NewPath: newPath}}
	next := rewrite(state, records)
	next.EmptyDirs = Normalize(next.Entries, next.EmptyDirs)
	return Result{State: next, Records: records}, nil
}

// CreateDirectory records a new empty directory named name inside parent.
// The parent is expanded so the new directory is visible.
func CreateDirectory(state State, parent, name string) (Result, string, error) {
	if err := ValidateName(name); err != nil {
		return Result{}, "", err
	}
	nodes := index(state)
	if parent != "" {
		node, ok := nodes[parent]
		if !ok {
			return Result{}, "", reject(parent, ErrUnknownPath)
		}
		if !node.IsDir() {
			return Result{}, "", reject(parent, ErrNotADirectory)
		}
	}
	path := filetree.Join(parent, name)
	if _, exists := nodes[path]; exists {
		return Result{}, "", reject(path, ErrNameConflict)
	}

	next := state.Clone()
	next.EmptyDirs.Add(path)
	if parent != "" {
		next.Expanded.Add(parent)
	}
	return Result{State: next}, path, nil
}

// Delete removes each path and everything beneath it. A parent left with
// nothing inside becomes an empty directory.
func Delete(state State, paths []string) (Result, error) {
	if len(paths) == 0 {
		return Result{}, reject("", ErrNoSources)
	}
	nodes := index(state)
	for _, p := range paths {
		if p == "" {
			return Result{}, reject(p, ErrRootImmutable)
		}
		if _, ok := nodes[p]; !ok {
			return Result{}, reject(p, ErrUnknownPath)
		}
	}
	deleted := topLevel(paths)
	gone := func(path string) bool {
		for _, d := range deleted {
			if filetree.Within(path, d) {
				return true
			}
		}
		return false
	}

	next := State{
		Entries:   make([]filetree.FlatEntry, 0, len(state.Entries)),
		EmptyDirs: filetree.NewPathSet(),
		Expanded:  filetree.NewPathSet(),
	}
	removed := 0
	for _, entry := range state.Entries {
		if !gone(entry.Path) {
			next.Entries = append(next.Entries, entry)
		} else if entry.Type != filetree.Tree {
			removed++
		}
	}
	for dir := range state.EmptyDirs {
		if !gone(dir) {
			next.EmptyDirs.Add(dir)
		}
	}
	for dir := range state.Expanded {
		if !gone(dir) {
			next.Expanded.Add(dir)
		}
	}

	used := occupied(next)
	for _, d := range deleted {
		parent := filetree.ParentDir(d)
		if parent == "" || used.Has(parent) {
			continue
		}
		next.EmptyDirs.Add(parent)
		used.Add(parent)
		for _, dir := range filetree.Ancestors(parent) {
			used.Add(dir)
		}
	}
	next.EmptyDirs = Normalize(next.Entries, next.EmptyDirs)
	return Result{State: next, Deleted: deleted, Removed: removed}, nil
}

// CreateFile adds a file named name inside parent whose content hashes to
// contentID. The parent is expanded and loses any empty-directory marker.
func CreateFile(state State, parent, name, contentID string, size int64) (Result, string, error) {
	if err := ValidateName(name); err != nil {
		return Result{}, "", err
	}
	nodes := index(state)
	if parent != "" {
		node, ok := nodes[parent]
		if !ok {
			return Result{}, "", reject(parent, ErrUnknownPath)
		}
		if !node.IsDir() {
			return Result{}, "", reject(parent, ErrNotADirectory)
		}
	}
	path := filetree.Join(parent, name)
	if _, exists := nodes[path]; exists {
		return Result{}, "", reject(path, ErrNameConflict)
	}

	entry := filetree.FlatEntry{
		Path:      path,
		Type:      filetree.Blob,
		ContentID: contentID,
		Size:      size,
		Mode:      filetree.ModeFile,
	}
	next := state.Clone()
	next.Entries = append(next.Entries, entry)
	sort.SliceStable(next.Entries, func(i, j int) bool {
		return next.Entries[i].Path < next.Entries[j].Path
	})
	next.EmptyDirs = Normalize(next.Entries, next.EmptyDirs)
	if parent != "" {
		next.Expanded.Add(parent)
	}
	return Result{State: next, Created: &entry}, path, nil
}

// ValidateName checks a single path segment typed by a user.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return reject(name, ErrInvalidName)
	case strings.Contains(name, "/"):
		return reject(name, ErrInvalidName)
	case name == "." || name == "..":
		return reject(name, ErrInvalidName)
	}
	return nil
}

// Normalize drops empty-directory markers that have a blob beneath them.
func Normalize(entries []filetree.FlatEntry, emptyDirs filetree.PathSet) filetree.PathSet {
	content := filetree.ContentDirs(entries)
	out := filetree.NewPathSet()
	for dir := range emptyDirs {
		if !content.Has(dir) {
			out.Add(dir)
		}
	}
	return out
}

func index(state State) map[string]*filetree.TreeNode {
	return filetree.Index(filetree.BuildTree(state.Entries, state.EmptyDirs, ""))
}

// topLevel drops sources nested inside another source; they travel with
// their ancestor.
func topLevel(sources []string) []string {
	sorted := append([]string(nil), sources...)
	sort.Strings(sorted)
	out := make([]string, 0, len(sorted))
	for _, src := range sorted {
		nested := false
		for _, kept := range out {
			if filetree.StrictlyWithin(src, kept) {
				nested = true
				break
			}
		}
		if !nested && (len(out) == 0 || out[len(out)-1] != src) {
			out = append(out, src)
		}
	}
	return out
}

// rewrite applies records by prefix to entries, expansion and empty-dir
// markers, then marks each vacated parent as empty when nothing is left in
// it.
func rewrite(state State, records []filetree.MoveRecord) State {
	next := state.Clone()
	for i := range next.Entries {
		next.Entries[i].Path, _ = filetree.RewritePath(next.Entries[i].Path, records)
	}
	sort.SliceStable(next.Entries, func(i, j int) bool {
		return next.Entries[i].Path < next.Entries[j].Path
	})
	next.Expanded = filetree.RewriteSet(next.Expanded, records)
	next.EmptyDirs = filetree.RewriteSet(next.EmptyDirs, records)

	used := occupied(next)
	for _, rec := range records {
		parent := filetree.ParentDir(rec.OldPath)
		if parent == "" || used.Has(parent) {
			continue
		}
		next.EmptyDirs.Add(parent)
		used.Add(parent)
		for _, dir := range filetree.Ancestors(parent) {
			used.Add(dir)
		}
	}
	return next
}

// occupied returns every directory that still has an entry beneath it or is
// covered by an empty-directory marker at or below it.
func occupied(state State) filetree.PathSet {
	out := filetree.NewPathSet()
	for _, entry := range state.Entries {
		for _, dir := range filetree.Ancestors(entry.Path) {
			out.Add(dir)
		}
	}
	for marker := range state.EmptyDirs {
		out.Add(marker)
		for _, dir := range filetree.Ancestors(marker) {
			out.Add(dir)
		}
	}
	return out
}
