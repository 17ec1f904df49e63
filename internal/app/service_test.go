package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"folio/api/internal/config"
	"folio/api/internal/remote"
	"folio/api/internal/remote/gitlocal"
	"folio/api/internal/selection"
	"folio/api/internal/store"
)

var notes = remote.Repo{Owner: "octo", Name: "notes"}

type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]store.Session
	preferences map[string]store.Preferences
	saves       int

	pingFn            func(context.Context) error
	saveSessionFn     func(context.Context, store.Session) error
	loadPreferencesFn func(context.Context, string, string) (store.Preferences, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:    make(map[string]store.Session),
		preferences: make(map[string]store.Preferences),
	}
}

func (f *fakeStore) SaveSession(ctx context.Context, session store.Session) error {
	if f.saveSessionFn != nil {
		return f.saveSessionFn(ctx, session)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.TokenHash] = session
	return nil
}

func (f *fakeStore) LookupSession(_ context.Context, tokenHash string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[tokenHash]
	if !ok || time.Now().After(session.ExpiresAt) {
		return store.Session{}, store.ErrNotFound
	}
	return session, nil
}

func (f *fakeStore) RevokeSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) LoadPreferences(ctx context.Context, userID, repo string) (store.Preferences, error) {
	if f.loadPreferencesFn != nil {
		return f.loadPreferencesFn(ctx, userID, repo)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prefs, ok := f.preferences[userID+"|"+repo]
	if !ok {
		return store.Preferences{UserID: userID, Repo: repo, ExpandedFolders: []string{}}, nil
	}
	return prefs, nil
}

func (f *fakeStore) SavePreferences(_ context.Context, prefs store.Preferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preferences[prefs.UserID+"|"+prefs.Repo] = prefs
	f.saves++
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) savedPreferences(userID, repo string) (store.Preferences, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefs, ok := f.preferences[userID+"|"+repo]
	return prefs, ok
}

func testConfig() config.Config {
	return config.Config{
		Backend:     config.BackendLocal,
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		SyncTimeout: 5 * time.Second,
	}
}

// newTestService returns a service backed by a seeded local repository.
func newTestService(t *testing.T, fs *fakeStore) (*Service, *gitlocal.Service) {
	t.Helper()
	ctx := context.Background()
	backend := gitlocal.New(t.TempDir(), remote.User{ID: "user-1", Login: "avery", Name: "Avery Quinn"})
	if err := backend.EnsureRepo(ctx, notes, "main"); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	if _, err := backend.WriteFiles(ctx, notes, "main", map[string][]byte{
		"docs/old/1.md":  []byte("one"),
		"docs/old/2.md":  []byte("two"),
		"docs/new/.keep": nil,
		"readme.md":      []byte("# notes"),
	}, "Seed"); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	svc := New(testConfig(), fs, backend.Factory())
	t.Cleanup(svc.Close)
	return svc, backend
}

func login(t *testing.T, svc *Service) Session {
	t.Helper()
	session, err := svc.Login(context.Background(), "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return session
}

func TestLoginIssuesVerifiableSession(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	session := login(t, svc)

	if session.Token == "" || session.UserID != "user-1" || session.UserName != "Avery Quinn" {
		t.Fatalf("unexpected session: %+v", session)
	}
	got, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if got.Login != "avery" {
		t.Fatalf("expected login avery, got %q", got.Login)
	}
}

func TestLoginRequiresCredentialForGitHub(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	svc.cfg.Backend = config.BackendGitHub

	_, err := svc.Login(context.Background(), "   ")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoginFallsBackToConfiguredToken(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	svc.cfg.Backend = config.BackendGitHub
	svc.cfg.GitHubToken = "server-token"

	session, err := svc.Login(context.Background(), "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Credential != "server-token" {
		t.Fatalf("expected configured credential, got %q", session.Credential)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	session := login(t, svc)

	if err := svc.Logout(context.Background(), session); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
}

func TestLogoutClosesUserWorkspaces(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	ctx := context.Background()
	session := login(t, svc)

	before, err := svc.Workspace(ctx, session, notes)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	if err := svc.Logout(ctx, session); err != nil {
		t.Fatalf("logout: %v", err)
	}
	svc.mu.Lock()
	open := len(svc.workspaces)
	svc.mu.Unlock()
	if open != 0 {
		t.Fatalf("expected no open workspaces after logout, got %d", open)
	}

	again := login(t, svc)
	after, err := svc.Workspace(ctx, again, notes)
	if err != nil {
		t.Fatalf("reopen workspace: %v", err)
	}
	if after == before {
		t.Fatal("a new session must not reuse the workspace of a closed one")
	}
}

func TestWorkspaceLoadOutlivesFirstCallersContext(t *testing.T) {
	fs := newFakeStore()
	release := make(chan struct{})
	loadErr := make(chan error, 1)
	fs.loadPreferencesFn = func(ctx context.Context, userID, repo string) (store.Preferences, error) {
		<-release
		loadErr <- ctx.Err()
		return store.Preferences{UserID: userID, Repo: repo}, nil
	}
	svc, _ := newTestService(t, fs)
	session := login(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.Workspace(ctx, session, notes)
		first <- err
	}()
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to give up, got %v", err)
	}

	second := make(chan error, 1)
	go func() {
		_, err := svc.Workspace(context.Background(), session, notes)
		second <- err
	}()
	close(release)
	if err := <-loadErr; err != nil {
		t.Fatalf("shared load saw the first caller's cancellation: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second caller: %v", err)
	}
}

func TestWorkspaceIsSharedPerUserAndRepo(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	session := login(t, svc)
	ctx := context.Background()

	first, err := svc.Workspace(ctx, session, notes)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	second, err := svc.Workspace(ctx, session, notes)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	if first != second {
		t.Fatal("expected the same workspace for the same user and repo")
	}
}

func TestWorkspaceRestoresSavedPreferences(t *testing.T) {
	fs := newFakeStore()
	fs.preferences["user-1|octo/notes"] = store.Preferences{
		UserID:          "user-1",
		Repo:            "octo/notes",
		ExpandedFolders: []string{"docs", "docs/old"},
		LastOpenedFile:  "docs/old/1.md",
	}
	svc, _ := newTestService(t, fs)
	session := login(t, svc)

	view, err := svc.Tree(context.Background(), session, notes)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if view.ActiveFile != "docs/old/1.md" {
		t.Fatalf("expected restored active file, got %q", view.ActiveFile)
	}
	// root, docs, docs/new, docs/old, 1.md, 2.md, readme.md
	if len(view.Rows) != 7 {
		t.Fatalf("expected 7 rows, got %d: %+v", len(view.Rows), view.Rows)
	}
}

func TestWorkspaceOpensWhenPreferencesFail(t *testing.T) {
	fs := newFakeStore()
	fs.loadPreferencesFn = func(context.Context, string, string) (store.Preferences, error) {
		return store.Preferences{}, errors.New("store down")
	}
	svc, _ := newTestService(t, fs)
	session := login(t, svc)

	if _, err := svc.Tree(context.Background(), session, notes); err != nil {
		t.Fatalf("tree should not depend on preferences: %v", err)
	}
}

func TestExpansionChangesArePersisted(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(t, fs)
	session := login(t, svc)

	if _, err := svc.SetExpanded(context.Background(), session, notes, "docs", true); err != nil {
		t.Fatalf("expand: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		prefs, ok := fs.savedPreferences("user-1", "octo/notes")
		if ok && len(prefs.ExpandedFolders) == 1 && prefs.ExpandedFolders[0] == "docs" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expansion was not persisted: %+v", prefs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMoveUsesSelectionWhenSourcesAreEmpty(t *testing.T) {
	svc, backend := newTestService(t, newFakeStore())
	session := login(t, svc)
	ctx := context.Background()

	if _, err := svc.Select(ctx, session, notes, "readme.md", selection.Modifiers{}); err != nil {
		t.Fatalf("select: %v", err)
	}
	result, err := svc.Move(ctx, session, notes, nil, "docs")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].NewPath != "docs/readme.md" {
		t.Fatalf("unexpected records: %+v", result.Records)
	}

	ws, _ := svc.Workspace(ctx, session, notes)
	ws.Wait()
	if _, err := backend.ReadFile(ctx, notes, "main", "docs/readme.md"); err != nil {
		t.Fatalf("expected moved file on the remote: %v", err)
	}
}

func TestSavePreferencesAppliesToOpenWorkspace(t *testing.T) {
	fs := newFakeStore()
	svc, _ := newTestService(t, fs)
	session := login(t, svc)
	ctx := context.Background()

	if _, err := svc.Tree(ctx, session, notes); err != nil {
		t.Fatalf("tree: %v", err)
	}
	prefs, err := svc.SavePreferences(ctx, session, notes, []string{"/docs/", "docs/new", ""}, "readme.md")
	if err != nil {
		t.Fatalf("save preferences: %v", err)
	}
	if len(prefs.ExpandedFolders) != 2 || prefs.ExpandedFolders[0] != "docs" {
		t.Fatalf("expected cleaned folders, got %v", prefs.ExpandedFolders)
	}
	view, err := svc.Tree(ctx, session, notes)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if view.ActiveFile != "readme.md" {
		t.Fatalf("expected active file readme.md, got %q", view.ActiveFile)
	}
}
