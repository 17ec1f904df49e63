package workspace

type EventKind string

const (
	TreeChanged       EventKind = "tree_changed"
	SelectionChanged  EventKind = "selection_changed"
	ExpansionChanged  EventKind = "expansion_changed"
	ActiveFileChanged EventKind = "active_file_changed"
	SyncStateChanged  EventKind = "sync_state_changed"
)

// Event tells subscribers which part of the workspace changed. Paths holds
// the affected paths when the kind has any.
type Event struct {
	Kind  EventKind
	Paths []string
	Err   error
}

// Subscribe registers fn for every subsequent event. Events are delivered
// synchronously after the workspace lock is released, in the order they
// happened. The returned function removes the subscription.
func (w *Workspace) Subscribe(fn func(Event)) func() {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	return func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		delete(w.subs, id)
	}
}

func (w *Workspace) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	w.subMu.Lock()
	subs := make([]func(Event), 0, len(w.subs))
	for i := 0; i < w.nextSub; i++ {
		if fn, ok := w.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	w.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
