package workspace

import (
	"folio/api/internal/filetree"
)

// Row is one visible line of the tree.
type Row struct {
	Path     string            `json:"path"`
	Name     string            `json:"name"`
	Kind     filetree.NodeKind `json:"kind"`
	Depth    int               `json:"depth"`
	Root     bool              `json:"root,omitempty"`
	Expanded bool              `json:"expanded,omitempty"`
	Selected bool              `json:"selected,omitempty"`
	Active   bool              `json:"active,omitempty"`
	Empty    bool              `json:"empty,omitempty"`
}

type Status struct {
	Branch    string `json:"branch"`
	Head      string `json:"head"`
	Unsynced  bool   `json:"unsynced"`
	Pending   int    `json:"pending"`
	LastError string `json:"lastError,omitempty"`
}

// View is a consistent snapshot of everything a renderer needs.
type View struct {
	Repo       string   `json:"repo"`
	Rows       []Row    `json:"rows"`
	Selection  []string `json:"selection"`
	Expanded   []string `json:"expanded"`
	ActiveFile string   `json:"activeFile,omitempty"`
	ScrollTop  float64  `json:"scrollTop"`
	Status     Status   `json:"status"`
}

func (w *Workspace) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()

	visible := w.visibleLocked()
	rows := make([]Row, 0, len(visible))
	for _, node := range visible {
		rows = append(rows, Row{
			Path:     node.FullPath,
			Name:     node.Name,
			Kind:     node.Kind,
			Depth:    node.Depth,
			Root:     node.IsRoot(),
			Expanded: node.IsDir() && w.expanded.Has(node.FullPath),
			Selected: w.selection.Has(node.FullPath),
			Active:   node.FullPath == w.active && !node.IsDir(),
			Empty:    w.emptyDirs.Has(node.FullPath),
		})
	}
	return View{
		Repo:       w.opts.Repo.String(),
		Rows:       rows,
		Selection:  w.selection.Paths(),
		Expanded:   w.expanded.Sorted(),
		ActiveFile: w.active,
		ScrollTop:  w.scrollTop,
		Status:     w.statusLocked(),
	}
}

func (w *Workspace) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

func (w *Workspace) statusLocked() Status {
	s := Status{
		Branch:   w.branch,
		Head:     w.head,
		Unsynced: w.unsynced,
		Pending:  w.inFlight,
	}
	if w.syncErr != nil {
		s.LastError = w.syncErr.Error()
	}
	return s
}

func (w *Workspace) Selection() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selection.Paths()
}

func (w *Workspace) Expanded() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expanded.Sorted()
}

func (w *Workspace) ActiveFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Entries returns a copy of the current flat listing.
func (w *Workspace) Entries() []filetree.FlatEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]filetree.FlatEntry(nil), w.entries...)
}
