package workspace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"folio/api/internal/dragdrop"
	"folio/api/internal/filetree"
	"folio/api/internal/moves"
	"folio/api/internal/remote"
	"folio/api/internal/remote/gitlocal"
	"folio/api/internal/selection"
)

var notes = remote.Repo{Owner: "octo", Name: "notes"}

// flaky fails ref updates while fail is set.
type flaky struct {
	*gitlocal.Service
	fail atomic.Bool
}

func (f *flaky) UpdateRef(ctx context.Context, repo remote.Repo, branch, commit, previous string) error {
	if f.fail.Load() {
		return fmt.Errorf("%w: injected", remote.ErrTransient)
	}
	return f.Service.UpdateRef(ctx, repo, branch, commit, previous)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) syncErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for _, ev := range r.events {
		if ev.Kind == SyncStateChanged && ev.Err != nil {
			out = append(out, ev.Err)
		}
	}
	return out
}

func setup(t *testing.T) (*Workspace, *flaky) {
	t.Helper()
	ctx := context.Background()
	svc := gitlocal.New(t.TempDir(), remote.User{Login: "Avery Quinn"})
	require.NoError(t, svc.EnsureRepo(ctx, notes, "main"))
	_, err := svc.WriteFiles(ctx, notes, "main", map[string][]byte{
		"docs/old/1.md":  []byte("one"),
		"docs/old/2.md":  []byte("two"),
		"docs/new/.keep": nil,
		"readme.md":      []byte("# notes"),
	}, "Seed")
	require.NoError(t, err)

	backend := &flaky{Service: svc}
	w := New(remote.NewClient(backend), Options{
		Repo:      notes,
		RootLabel: "notes",
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, w.Load(ctx))
	return w, backend
}

func paths(entries []filetree.FlatEntry) filetree.PathSet {
	set := filetree.NewPathSet()
	for _, e := range entries {
		set.Add(e.Path)
	}
	return set
}

func TestLoadExpandsRootAndListsRows(t *testing.T) {
	w, _ := setup(t)

	view := w.View()
	assert.Equal(t, "octo/notes", view.Repo)
	assert.Equal(t, "main", view.Status.Branch)
	assert.NotEmpty(t, view.Status.Head)
	require.Len(t, view.Rows, 3)
	assert.True(t, view.Rows[0].Root)
	assert.True(t, view.Rows[0].Expanded)
	assert.Equal(t, "docs", view.Rows[1].Path)
	assert.Equal(t, "readme.md", view.Rows[2].Path)
}

func TestOperationsBeforeLoadFail(t *testing.T) {
	w := New(remote.NewClient(gitlocal.New(t.TempDir(), remote.User{})), Options{Repo: notes})
	_, err := w.MoveSources([]string{"a"}, "")
	require.ErrorIs(t, err, ErrNotLoaded)
	require.ErrorIs(t, w.Click("a", selection.Modifiers{}), ErrNotLoaded)
}

func TestMoveSelectionCommitsAndRemaps(t *testing.T) {
	w, backend := setup(t)
	ctx := context.Background()
	before := w.Status().Head

	w.Expand("docs")
	w.Expand("docs/old")
	require.NoError(t, w.Click("docs/old/1.md", selection.Modifiers{}))
	require.NoError(t, w.Click("docs/old/2.md", selection.Modifiers{Range: true}))
	assert.Equal(t, []string{"docs/old/1.md", "docs/old/2.md"}, w.Selection())
	assert.Equal(t, "docs/old/1.md", w.ActiveFile())

	records, err := w.Move("docs/new")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Local state changes before the sync completes.
	assert.Equal(t, []string{"docs/new/1.md", "docs/new/2.md"}, w.Selection())
	assert.Equal(t, "docs/new/1.md", w.ActiveFile())
	assert.True(t, paths(w.Entries()).Has("docs/new/2.md"))

	w.Wait()
	status := w.Status()
	assert.False(t, status.Unsynced)
	assert.Zero(t, status.Pending)
	assert.NotEqual(t, before, status.Head)

	content, err := backend.ReadFile(ctx, notes, "main", "docs/new/2.md")
	require.NoError(t, err)
	assert.Equal(t, "two", string(content))
	remoteHead, err := backend.Head(ctx, notes, "main")
	require.NoError(t, err)
	assert.Equal(t, remoteHead.Commit, status.Head)
}

func TestConsecutiveMovesChainCommits(t *testing.T) {
	w, backend := setup(t)

	_, err := w.MoveSources([]string{"readme.md"}, "docs")
	require.NoError(t, err)
	_, err = w.MoveSources([]string{"docs/readme.md"}, "docs/new")
	require.NoError(t, err)
	w.Wait()

	assert.False(t, w.Status().Unsynced)
	content, err := backend.ReadFile(context.Background(), notes, "main", "docs/new/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "# notes", string(content))
}

func TestSyncFailureRefetchesRemoteTruth(t *testing.T) {
	w, backend := setup(t)
	rec := &recorder{}
	unsubscribe := w.Subscribe(rec.record)
	defer unsubscribe()

	backend.fail.Store(true)
	_, err := w.MoveSources([]string{"readme.md"}, "docs")
	require.NoError(t, err)
	assert.True(t, paths(w.Entries()).Has("docs/readme.md"))

	w.Wait()
	errs := rec.syncErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], remote.ErrTransient)

	status := w.Status()
	assert.False(t, status.Unsynced, "refetch clears the flag")
	assert.Contains(t, status.LastError, "injected")
	got := paths(w.Entries())
	assert.True(t, got.Has("readme.md"))
	assert.False(t, got.Has("docs/readme.md"))
	assert.Contains(t, rec.kinds(), TreeChanged)
}

func TestConflictWithExternalCommitRefetches(t *testing.T) {
	w, backend := setup(t)
	ctx := context.Background()

	_, err := backend.WriteFiles(ctx, notes, "main", map[string][]byte{"other.md": []byte("x")}, "External edit")
	require.NoError(t, err)

	_, err = w.MoveSources([]string{"readme.md"}, "docs/new")
	require.NoError(t, err)
	w.Wait()

	got := paths(w.Entries())
	assert.True(t, got.Has("other.md"))
	assert.True(t, got.Has("readme.md"), "rejected move is rolled back by the refetch")
	assert.Contains(t, w.Status().LastError, "changed concurrently")
}

func TestRejectedMoveLeavesStateUntouched(t *testing.T) {
	w, _ := setup(t)
	before := w.Entries()

	_, err := w.MoveSources([]string{"docs"}, "docs/old")
	require.ErrorIs(t, err, moves.ErrCycle)
	_, err = w.MoveSources([]string{"docs/old/1.md"}, "docs/old")
	require.ErrorIs(t, err, moves.ErrNothingToMove)

	w.Wait()
	assert.Equal(t, before, w.Entries())
	assert.Zero(t, w.Status().Pending)
}

func TestCreateDirectoryStaysLocalUntilFilled(t *testing.T) {
	w, backend := setup(t)
	ctx := context.Background()
	head := w.Status().Head

	path, err := w.CreateDirectory("docs", "drafts")
	require.NoError(t, err)
	assert.Equal(t, "docs/drafts", path)
	assert.Contains(t, w.Expanded(), "docs")

	records, err := w.Rename("docs/drafts", "ideas")
	require.NoError(t, err)
	require.Len(t, records, 1)
	w.Wait()
	assert.Equal(t, head, w.Status().Head, "empty directories are never committed")

	_, err = w.MoveSources([]string{"readme.md"}, "docs/ideas")
	require.NoError(t, err)
	w.Wait()

	content, err := backend.ReadFile(ctx, notes, "main", "docs/ideas/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "# notes", string(content))
	for _, row := range w.View().Rows {
		assert.False(t, row.Empty && row.Path == "docs/ideas")
	}
}

func TestRenameFollowsActiveFile(t *testing.T) {
	w, _ := setup(t)
	require.NoError(t, w.OpenFile("readme.md"))

	records, err := w.Rename("readme.md", "README.md")
	require.NoError(t, err)
	assert.Equal(t, []filetree.MoveRecord{{OldPath: "readme.md", NewPath: "README.md"}}, records)
	assert.Equal(t, "README.md", w.ActiveFile())
	w.Wait()
	assert.False(t, w.Status().Unsynced)

	require.Error(t, w.OpenFile("docs"))
}

func TestRestoreKeepsRootExpanded(t *testing.T) {
	w, _ := setup(t)
	w.Restore([]string{"docs"}, "missing.md")
	assert.Equal(t, []string{"", "docs"}, w.Expanded())
	assert.Empty(t, w.ActiveFile())

	w.Toggle("docs")
	assert.Equal(t, []string{""}, w.Expanded())
}

func TestDragHostDropsThroughController(t *testing.T) {
	w, _ := setup(t)
	host := w.DragHost()
	var dropped []filetree.MoveRecord
	host.OnDrop = func(records []filetree.MoveRecord, err error) {
		require.NoError(t, err)
		dropped = records
	}

	assert.True(t, host.IsClosedDirectory("docs"))
	assert.False(t, host.IsClosedDirectory(""))
	assert.False(t, host.IsClosedDirectory("readme.md"))

	c := dragdrop.NewController(host, dragdrop.SystemScheduler{}, dragdrop.DefaultConfig())
	defer c.Close()
	c.SetViewport(dragdrop.Viewport{Top: 0, Bottom: 400})
	c.PointerDown("readme.md", dragdrop.Point{X: 0, Y: 200})
	c.PointerMove(dragdrop.Pointer{At: dragdrop.Point{X: 20, Y: 200}, Over: "readme.md", OverRow: true})
	assert.Equal(t, []string{"readme.md"}, w.Selection())
	c.PointerUp(dragdrop.Pointer{At: dragdrop.Point{X: 20, Y: 200}, Over: "docs", OverRow: true})

	require.Len(t, dropped, 1)
	assert.Equal(t, "docs/readme.md", dropped[0].NewPath)
	w.Wait()

	host.ScrollBy(-10)
	assert.Zero(t, w.ScrollTop())
	host.ScrollBy(12.5)
	assert.Equal(t, 12.5, w.ScrollTop())
}

func TestDragHostRefusesRootAndMissingRows(t *testing.T) {
	w, _ := setup(t)
	head := w.Status().Head
	host := w.DragHost()
	assert.True(t, host.IsDraggable("readme.md"))
	assert.True(t, host.IsDraggable("docs/old"))
	assert.False(t, host.IsDraggable(""))
	assert.False(t, host.IsDraggable("no/such.md"))

	c := dragdrop.NewController(host, dragdrop.SystemScheduler{}, dragdrop.DefaultConfig())
	defer c.Close()
	c.SetViewport(dragdrop.Viewport{Top: 0, Bottom: 400})
	for _, path := range []string{"", "no/such.md"} {
		c.PointerDown(path, dragdrop.Point{X: 0, Y: 200})
		c.PointerMove(dragdrop.Pointer{At: dragdrop.Point{X: 28, Y: 200}, Over: "docs", OverRow: true})
		assert.Equal(t, dragdrop.Idle, c.State(), "path %q", path)
		assert.Empty(t, w.Selection(), "path %q", path)
		c.PointerUp(dragdrop.Pointer{At: dragdrop.Point{X: 28, Y: 200}, Over: "docs", OverRow: true})
	}
	w.Wait()
	assert.Equal(t, head, w.Status().Head)
	assert.True(t, paths(w.Entries()).Has("readme.md"))
}

func TestClickAndOpenRejectUnknownPaths(t *testing.T) {
	w, _ := setup(t)

	var rejectErr *moves.RejectError
	err := w.Click("no/such.md", selection.Modifiers{})
	require.ErrorAs(t, err, &rejectErr)
	assert.Equal(t, "no/such.md", rejectErr.Path)
	assert.ErrorIs(t, err, moves.ErrUnknownPath)

	require.ErrorIs(t, w.Click("", selection.Modifiers{}), moves.ErrUnknownPath)

	err = w.OpenFile("no/such.md")
	require.ErrorAs(t, err, &rejectErr)
	assert.ErrorIs(t, err, moves.ErrUnknownPath)
	assert.Empty(t, w.ActiveFile())
}

func TestDeleteFolderCommitsAndClearsActiveFile(t *testing.T) {
	w, backend := setup(t)
	ctx := context.Background()
	before := w.Status().Head
	require.NoError(t, w.OpenFile("docs/old/1.md"))
	w.Expand("docs")
	w.Expand("docs/old")
	require.NoError(t, w.Click("docs/old/2.md", selection.Modifiers{Toggle: true}))

	removed, err := w.Delete([]string{"docs/old"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, w.ActiveFile())
	assert.Empty(t, w.Selection())
	assert.NotContains(t, w.Expanded(), "docs/old")
	assert.False(t, paths(w.Entries()).Has("docs/old/1.md"))

	w.Wait()
	status := w.Status()
	assert.False(t, status.Unsynced)
	assert.NotEqual(t, before, status.Head)
	_, err = backend.ReadFile(ctx, notes, "main", "docs/old/1.md")
	require.ErrorIs(t, err, remote.ErrNotFound)
	content, err := backend.ReadFile(ctx, notes, "main", "readme.md")
	require.NoError(t, err)
	assert.Equal(t, "# notes", string(content))
}

func TestDeleteEmptyDirectoryStaysLocal(t *testing.T) {
	w, _ := setup(t)
	head := w.Status().Head

	_, err := w.CreateDirectory("", "drafts")
	require.NoError(t, err)
	removed, err := w.Delete([]string{"drafts"})
	require.NoError(t, err)
	assert.Zero(t, removed)
	w.Wait()
	assert.Equal(t, head, w.Status().Head)

	_, err = w.Delete([]string{"drafts"})
	require.ErrorIs(t, err, moves.ErrUnknownPath)
}

func TestCreateFileCommitsContent(t *testing.T) {
	w, backend := setup(t)
	ctx := context.Background()

	path, err := w.CreateFile("docs/new", "idea.md", nil)
	require.NoError(t, err)
	assert.Equal(t, "docs/new/idea.md", path)
	assert.Contains(t, w.Expanded(), "docs/new")

	// A second change queued behind the first reuses the new blob.
	_, err = w.MoveSources([]string{"docs/new/idea.md"}, "")
	require.NoError(t, err)
	w.Wait()

	assert.False(t, w.Status().Unsynced)
	content, err := backend.ReadFile(ctx, notes, "main", "idea.md")
	require.NoError(t, err)
	assert.Equal(t, "# docs/new/idea\n\n", string(content))

	_, err = w.CreateFile("", "readme.md", []byte("x"))
	require.ErrorIs(t, err, moves.ErrNameConflict)
}
