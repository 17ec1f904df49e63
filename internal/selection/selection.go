// Package selection tracks which tree rows are selected and the anchor used
// for range selection.
package selection

import "folio/api/internal/filetree"

// Modifiers describes the keys held during a click. Toggle is Ctrl or Cmd,
// Range is Shift.
type Modifiers struct {
	Toggle bool
	Range  bool
}

// Manager holds the selected paths. It is not safe for concurrent use; the
// workspace serializes access.
type Manager struct {
	paths  filetree.PathSet
	anchor string
}

func New() *Manager {
	return &Manager{paths: filetree.NewPathSet()}
}

// Click applies a pointer click on path. visible is the current render
// order and is only consulted for range selection.
func (m *Manager) Click(path string, mods Modifiers, visible []*filetree.TreeNode) {
	switch {
	case mods.Toggle:
		if m.paths.Has(path) {
			m.paths.Remove(path)
			return
		}
		m.paths.Add(path)
		m.anchor = path
	case mods.Range && m.anchor != "":
		rangePaths, ok := between(visible, m.anchor, path)
		if !ok {
			m.SelectOnly(path)
			return
		}
		m.paths = filetree.NewPathSet(rangePaths...)
	default:
		m.SelectOnly(path)
	}
}

// SelectOnly replaces the selection with path and makes it the anchor.
func (m *Manager) SelectOnly(path string) {
	m.paths = filetree.NewPathSet(path)
	m.anchor = path
}

func (m *Manager) Clear() {
	m.paths = filetree.NewPathSet()
	m.anchor = ""
}

func (m *Manager) Has(path string) bool {
	return m.paths.Has(path)
}

func (m *Manager) Len() int {
	return m.paths.Len()
}

// Paths returns the selected paths in byte order.
func (m *Manager) Paths() []string {
	return m.paths.Sorted()
}

func (m *Manager) Anchor() string {
	return m.anchor
}

// Remap rewrites every selected path, and the anchor, through the move
// records. Paths untouched by the moves are kept as they are.
func (m *Manager) Remap(records []filetree.MoveRecord) {
	if len(records) == 0 {
		return
	}
	m.paths = filetree.RewriteSet(m.paths, records)
	if m.anchor != "" {
		m.anchor, _ = filetree.RewritePath(m.anchor, records)
	}
}

// Prune drops selected paths that no longer exist.
func (m *Manager) Prune(existing filetree.PathSet) {
	for p := range m.paths {
		if !existing.Has(p) {
			m.paths.Remove(p)
		}
	}
	if m.anchor != "" && !existing.Has(m.anchor) {
		m.anchor = ""
	}
}

func between(visible []*filetree.TreeNode, from, to string) ([]string, bool) {
	start, end := -1, -1
	for i, node := range visible {
		if node.FullPath == from {
			start = i
		}
		if node.FullPath == to {
			end = i
		}
	}
	if start < 0 || end < 0 {
		return nil, false
	}
	if start > end {
		start, end = end, start
	}
	out := make([]string, 0, end-start+1)
	for _, node := range visible[start : end+1] {
		if node.IsRoot() {
			continue
		}
		out = append(out, node.FullPath)
	}
	return out, true
}
