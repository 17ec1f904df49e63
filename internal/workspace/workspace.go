// Package workspace holds the editable view of one repository branch: the
// flat entry list, empty-directory markers, expansion, selection and the
// active file. Every transition is applied locally first. Accepted moves
// are then committed by a detached sync, and any sync failure is answered
// with a full refetch that replaces the local state with the remote truth.
package workspace

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"folio/api/internal/filetree"
	"folio/api/internal/logging"
	"folio/api/internal/metrics"
	"folio/api/internal/moves"
	"folio/api/internal/remote"
	"folio/api/internal/selection"
)

const DefaultSyncTimeout = 30 * time.Second

var ErrNotLoaded = errors.New("workspace not loaded")

type Options struct {
	Repo        remote.Repo
	Branch      string
	RootLabel   string
	SyncTimeout time.Duration
	Logger      *zap.Logger
}

type Workspace struct {
	client *remote.Client
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	loaded    bool
	branch    string
	head      string
	epoch     uint64
	entries   []filetree.FlatEntry
	emptyDirs filetree.PathSet
	expanded  filetree.PathSet
	selection *selection.Manager
	active    string
	scrollTop float64
	unsynced  bool
	syncErr   error
	inFlight  int

	syncMu  sync.Mutex
	refetch singleflight.Group
	wg      sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func New(client *remote.Client, opts Options) *Workspace {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Workspace{
		client: client,
		opts:   opts,
		logger: logger.With(zap.String("repo", opts.Repo.String())),

		emptyDirs: filetree.NewPathSet(),
		expanded:  filetree.NewPathSet(),
		selection: selection.New(),
		subs:      make(map[int]func(Event)),
	}
}

func (w *Workspace) Repo() remote.Repo {
	return w.opts.Repo
}

// Load fetches the branch and replaces all remote-derived state.
func (w *Workspace) Load(ctx context.Context) error {
	return w.refetchNow(ctx, "load")
}

// Refresh is a user-requested refetch.
func (w *Workspace) Refresh(ctx context.Context) error {
	return w.refetchNow(ctx, "manual")
}

// Restore applies persisted view state. Unknown paths are kept in the
// expansion set; they are harmless and may reappear after a refetch.
func (w *Workspace) Restore(expanded []string, activeFile string) {
	w.mu.Lock()
	w.expanded = filetree.NewPathSet(expanded...)
	if w.opts.RootLabel != "" {
		w.expanded.Add("")
	}
	if activeFile != "" && w.existsLocked(activeFile) {
		w.active = activeFile
	}
	w.mu.Unlock()
	w.publish([]Event{{Kind: ExpansionChanged}, {Kind: ActiveFileChanged, Paths: []string{w.ActiveFile()}}})
}

// Wait blocks until every detached sync, and any refetch it triggered, has
// finished.
func (w *Workspace) Wait() {
	w.wg.Wait()
}

func (w *Workspace) Click(path string, mods selection.Modifiers) error {
	w.mu.Lock()
	if !w.loaded {
		w.mu.Unlock()
		return ErrNotLoaded
	}
	node, ok := w.indexLocked()[path]
	if !ok || node.IsRoot() {
		w.mu.Unlock()
		return &moves.RejectError{Path: path, Err: moves.ErrUnknownPath}
	}
	w.selection.Click(path, mods, w.visibleLocked())
	events := []Event{{Kind: SelectionChanged, Paths: w.selection.Paths()}}
	if !mods.Toggle && !mods.Range && !node.IsDir() && w.active != path {
		w.active = path
		events = append(events, Event{Kind: ActiveFileChanged, Paths: []string{path}})
	}
	w.mu.Unlock()
	w.publish(events)
	return nil
}

func (w *Workspace) ClearSelection() {
	w.mu.Lock()
	w.selection.Clear()
	w.mu.Unlock()
	w.publish([]Event{{Kind: SelectionChanged}})
}

func (w *Workspace) Expand(path string) {
	w.setExpanded(path, true)
}

func (w *Workspace) Collapse(path string) {
	w.setExpanded(path, false)
}

func (w *Workspace) Toggle(path string) {
	w.mu.Lock()
	open := w.expanded.Has(path)
	w.mu.Unlock()
	w.setExpanded(path, !open)
}

func (w *Workspace) setExpanded(path string, open bool) {
	w.mu.Lock()
	if w.expanded.Has(path) == open {
		w.mu.Unlock()
		return
	}
	if open {
		w.expanded.Add(path)
	} else {
		w.expanded.Remove(path)
	}
	w.mu.Unlock()
	w.publish([]Event{{Kind: ExpansionChanged, Paths: []string{path}}})
}

// OpenFile makes path the active file. An empty path closes it.
func (w *Workspace) OpenFile(path string) error {
	w.mu.Lock()
	if path != "" {
		node, ok := w.indexLocked()[path]
		if !ok || node.IsDir() {
			w.mu.Unlock()
			return &moves.RejectError{Path: path, Err: moves.ErrUnknownPath}
		}
	}
	changed := w.active != path
	w.active = path
	w.mu.Unlock()
	if changed {
		w.publish([]Event{{Kind: ActiveFileChanged, Paths: []string{path}}})
	}
	return nil
}

// Move moves the current selection into target.
func (w *Workspace) Move(target string) ([]filetree.MoveRecord, error) {
	w.mu.Lock()
	sources := w.selection.Paths()
	w.mu.Unlock()
	return w.MoveSources(sources, target)
}

// MoveSources validates and applies a move batch locally and starts its
// sync. Validation always runs against the latest local state.
func (w *Workspace) MoveSources(sources []string, target string) ([]filetree.MoveRecord, error) {
	res, err := w.apply("move", func(state moves.State) (moves.Result, error) {
		return moves.Apply(state, sources, target)
	}, func(res moves.Result) string {
		return remote.MoveMessage(res.Records)
	}, nil)
	return res.Records, err
}

func (w *Workspace) Rename(path, newName string) ([]filetree.MoveRecord, error) {
	var isDir bool
	res, err := w.apply("rename", func(state moves.State) (moves.Result, error) {
		isDir = filetree.Index(filetree.BuildTree(state.Entries, state.EmptyDirs, ""))[path].IsDir()
		return moves.Rename(state, path, newName)
	}, func(res moves.Result) string {
		return remote.RenameMessage(res.Records[0].OldPath, res.Records[0].NewPath, isDir)
	}, nil)
	return res.Records, err
}

// Delete removes paths and everything beneath them and returns the number
// of files removed. Deleting only empty directories commits nothing.
func (w *Workspace) Delete(paths []string) (int, error) {
	var isDir bool
	res, err := w.apply("delete", func(state moves.State) (moves.Result, error) {
		if len(paths) == 1 {
			isDir = filetree.Index(filetree.BuildTree(state.Entries, state.EmptyDirs, ""))[paths[0]].IsDir()
		}
		return moves.Delete(state, paths)
	}, func(res moves.Result) string {
		return remote.DeleteMessage(res.Deleted, isDir)
	}, nil)
	return res.Removed, err
}

// CreateFile adds a file inside parent. Empty content is replaced by a
// heading naming the file so every new file has distinct content.
func (w *Workspace) CreateFile(parent, name string, content []byte) (string, error) {
	if len(content) == 0 {
		content = defaultContent(filetree.Join(parent, name))
	}
	var path string
	_, err := w.apply("create_file", func(state moves.State) (moves.Result, error) {
		var (
			res moves.Result
			err error
		)
		res, path, err = moves.CreateFile(state, parent, name, remote.BlobID(content), int64(len(content)))
		return res, err
	}, func(res moves.Result) string {
		return remote.CreateMessage(res.Created.Path)
	}, content)
	if err != nil {
		return "", err
	}
	return path, nil
}

func defaultContent(p string) []byte {
	return []byte("# " + strings.TrimSuffix(p, path.Ext(p)) + "\n\n")
}

// CreateDirectory adds an empty directory. It lives only in local state
// until a file is moved into it, since Git trees cannot be empty.
func (w *Workspace) CreateDirectory(parent, name string) (string, error) {
	w.mu.Lock()
	if !w.loaded {
		w.mu.Unlock()
		return "", ErrNotLoaded
	}
	res, path, err := moves.CreateDirectory(w.stateLocked(), parent, name)
	if err != nil {
		w.mu.Unlock()
		metrics.RecordMove("create_directory", moves.Reason(err))
		return "", err
	}
	w.setStateLocked(res.State)
	w.mu.Unlock()

	metrics.RecordMove("create_directory", "")
	w.publish([]Event{{Kind: TreeChanged, Paths: []string{path}}, {Kind: ExpansionChanged}})
	return path, nil
}

// apply runs fn against the current state, installs the result and starts
// a sync when the result touches the remote tree. content is the body of
// the file a CreateFile result adds.
func (w *Workspace) apply(op string, fn func(moves.State) (moves.Result, error), message func(moves.Result) string, content []byte) (moves.Result, error) {
	w.mu.Lock()
	if !w.loaded {
		w.mu.Unlock()
		return moves.Result{}, ErrNotLoaded
	}
	before := w.stateLocked()
	res, err := fn(before)
	if err != nil {
		w.mu.Unlock()
		metrics.RecordMove(op, moves.Reason(err))
		w.logger.Info("change rejected", zap.String("op", op), zap.Error(err))
		return moves.Result{}, err
	}
	if res.Empty() {
		w.mu.Unlock()
		return res, nil
	}

	w.setStateLocked(res.State)
	w.selection.Remap(res.Records)
	w.selection.Prune(filetree.Exists(w.treeLocked()))
	if next, ok := filetree.RewritePath(w.active, res.Records); ok && w.active != "" {
		w.active = next
	}
	if w.active != "" && !w.existsLocked(w.active) {
		w.active = ""
	}

	events := []Event{
		{Kind: TreeChanged, Paths: changedPaths(res)},
		{Kind: SelectionChanged, Paths: w.selection.Paths()},
		{Kind: ExpansionChanged},
		{Kind: ActiveFileChanged, Paths: []string{w.active}},
	}
	if !touchesRemote(before.Entries, res) {
		// Only empty directories changed; there is nothing to commit.
		w.mu.Unlock()
		metrics.RecordMove(op, "")
		w.publish(events)
		return res, nil
	}

	batch := remote.Batch{
		Repo:    w.opts.Repo,
		Branch:  w.branch,
		Entries: before.Entries,
		Records: res.Records,
		Deleted: res.Deleted,
		Message: message(res),
	}
	if res.Created != nil {
		batch.Created = []remote.NewFile{{Path: res.Created.Path, Content: content}}
	}
	epoch := w.epoch
	w.inFlight++
	w.wg.Add(1)
	w.mu.Unlock()

	metrics.RecordMove(op, "")
	w.publish(events)
	go w.sync(batch, epoch)
	return res, nil
}

// sync commits one batch. Batches run one at a time so each starts from the
// head the previous one produced.
func (w *Workspace) sync(batch remote.Batch, epoch uint64) {
	defer w.wg.Done()
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	w.mu.Lock()
	if w.epoch != epoch {
		// A refetch replaced the state this batch was applied to.
		w.inFlight--
		w.mu.Unlock()
		w.logger.Warn("dropping batch applied to stale state", zap.Int("moves", len(batch.Records)), zap.Int("deleted", len(batch.Deleted)))
		return
	}
	batch.BaseCommit = w.head
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.SyncTimeout)
	defer cancel()
	res, err := w.client.CommitMoves(ctx, batch)

	w.mu.Lock()
	w.inFlight--
	if err == nil {
		if w.epoch == epoch {
			w.head = res.Commit
		}
		w.syncErr = nil
		w.mu.Unlock()
		return
	}
	w.unsynced = true
	w.syncErr = err
	w.mu.Unlock()
	w.publish([]Event{{Kind: SyncStateChanged, Err: err}})

	if rerr := w.refetchNow(context.Background(), "sync_failure"); rerr != nil {
		w.logger.Error("refetch after sync failure failed", zap.Error(rerr))
	}
}

// refetchNow fetches the branch and replaces local state. Concurrent calls
// share one fetch.
func (w *Workspace) refetchNow(ctx context.Context, trigger string) error {
	ch := w.refetch.DoChan("refetch", func() (any, error) {
		metrics.RecordRefetch(trigger)
		fetchCtx, cancel := context.WithTimeout(context.Background(), w.opts.SyncTimeout)
		defer cancel()

		w.mu.Lock()
		branch := w.branch
		if branch == "" {
			branch = w.opts.Branch
		}
		w.mu.Unlock()

		snap, err := w.client.Fetch(fetchCtx, w.opts.Repo, branch)
		if err != nil {
			return nil, err
		}
		w.replace(snap)
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			w.logger.Warn("refetch failed", zap.String("trigger", trigger), zap.Error(res.Err))
		}
		return res.Err
	}
}

func (w *Workspace) replace(snap remote.Snapshot) {
	w.mu.Lock()
	firstLoad := !w.loaded
	w.loaded = true
	w.epoch++
	w.branch = snap.Branch
	w.head = snap.HeadCommit
	w.entries = snap.Entries
	w.emptyDirs = snap.EmptyDirs
	if firstLoad && w.opts.RootLabel != "" {
		w.expanded.Add("")
	}
	w.selection.Prune(filetree.Exists(w.treeLocked()))
	if w.active != "" && !w.existsLocked(w.active) {
		w.active = ""
	}
	w.unsynced = false
	events := []Event{
		{Kind: TreeChanged},
		{Kind: SelectionChanged, Paths: w.selection.Paths()},
		{Kind: ActiveFileChanged, Paths: []string{w.active}},
		{Kind: SyncStateChanged},
	}
	w.mu.Unlock()
	w.publish(events)
}

func (w *Workspace) stateLocked() moves.State {
	return moves.State{Entries: w.entries, EmptyDirs: w.emptyDirs, Expanded: w.expanded}.Clone()
}

func (w *Workspace) setStateLocked(s moves.State) {
	w.entries = s.Entries
	w.emptyDirs = s.EmptyDirs
	w.expanded = s.Expanded
	if w.opts.RootLabel != "" && !w.expanded.Has("") {
		// The synthetic root row is never part of a move.
		w.expanded.Add("")
	}
}

func (w *Workspace) treeLocked() []*filetree.TreeNode {
	return filetree.BuildTree(w.entries, w.emptyDirs, w.opts.RootLabel)
}

func (w *Workspace) indexLocked() map[string]*filetree.TreeNode {
	return filetree.Index(w.treeLocked())
}

func (w *Workspace) visibleLocked() []*filetree.TreeNode {
	return filetree.Flatten(w.treeLocked(), w.expanded)
}

func (w *Workspace) existsLocked(path string) bool {
	return filetree.Exists(w.treeLocked()).Has(path)
}

func touchesRemote(entries []filetree.FlatEntry, res moves.Result) bool {
	if res.Removed > 0 || res.Created != nil {
		return true
	}
	for _, entry := range entries {
		if entry.Type == filetree.Tree {
			continue
		}
		if _, ok := filetree.RewritePath(entry.Path, res.Records); ok {
			return true
		}
	}
	return false
}

func changedPaths(res moves.Result) []string {
	out := make([]string, 0, 2*len(res.Records)+len(res.Deleted)+1)
	for _, rec := range res.Records {
		out = append(out, rec.OldPath, rec.NewPath)
	}
	out = append(out, res.Deleted...)
	if res.Created != nil {
		out = append(out, res.Created.Path)
	}
	return out
}
