package workspace

import (
	"go.uber.org/zap"

	"folio/api/internal/dragdrop"
	"folio/api/internal/filetree"
)

// DragHost adapts a Workspace to dragdrop.Host. The controller calls it with
// its own lock held, so event subscribers must not call back into the
// controller.
type DragHost struct {
	w *Workspace

	// OnDrop, when set, receives the outcome of every drop.
	OnDrop func(records []filetree.MoveRecord, err error)
}

var _ dragdrop.Host = (*DragHost)(nil)

func (w *Workspace) DragHost() *DragHost {
	return &DragHost{w: w}
}

func (h *DragHost) IsDraggable(path string) bool {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	node, ok := h.w.indexLocked()[path]
	return ok && !node.IsRoot()
}

func (h *DragHost) IsSelected(path string) bool {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.selection.Has(path)
}

func (h *DragHost) SelectOnly(path string) {
	h.w.mu.Lock()
	h.w.selection.SelectOnly(path)
	paths := h.w.selection.Paths()
	h.w.mu.Unlock()
	h.w.publish([]Event{{Kind: SelectionChanged, Paths: paths}})
}

func (h *DragHost) SelectedPaths() []string {
	return h.w.Selection()
}

func (h *DragHost) IsClosedDirectory(path string) bool {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	node, ok := h.w.indexLocked()[path]
	return ok && node.IsDir() && !node.IsRoot() && !h.w.expanded.Has(path)
}

func (h *DragHost) Expand(path string) {
	h.w.Expand(path)
}

func (h *DragHost) ScrollBy(delta float64) {
	h.w.mu.Lock()
	h.w.scrollTop += delta
	if h.w.scrollTop < 0 {
		h.w.scrollTop = 0
	}
	h.w.mu.Unlock()
}

func (h *DragHost) Drop(intent dragdrop.MoveIntent) {
	records, err := h.w.MoveSources(intent.SourcePaths, intent.TargetPath)
	if err != nil {
		h.w.logger.Debug("drop rejected", zap.Strings("sources", intent.SourcePaths), zap.String("target", intent.TargetPath), zap.Error(err))
	}
	if h.OnDrop != nil {
		h.OnDrop(records, err)
	}
}

// ScrollTop reports the scroll offset accumulated by auto-scrolling.
func (w *Workspace) ScrollTop() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scrollTop
}

// SetScrollTop records the renderer's scroll offset.
func (w *Workspace) SetScrollTop(top float64) {
	if top < 0 {
		top = 0
	}
	w.mu.Lock()
	w.scrollTop = top
	w.mu.Unlock()
}
