package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"folio/api/internal/auth"
	"folio/api/internal/config"
	"folio/api/internal/dragdrop"
	"folio/api/internal/filetree"
	"folio/api/internal/logging"
	"folio/api/internal/moves"
	"folio/api/internal/remote"
	"folio/api/internal/selection"
	"folio/api/internal/store"
	"folio/api/internal/workspace"
)

type Session struct {
	Token      string
	UserID     string
	Login      string
	UserName   string
	Credential string
	ExpiresAt  time.Time
}

type dataStore interface {
	SaveSession(context.Context, store.Session) error
	LookupSession(context.Context, string) (store.Session, error)
	RevokeSession(context.Context, string) error
	LoadPreferences(context.Context, string, string) (store.Preferences, error)
	SavePreferences(context.Context, store.Preferences) error
	Ping(context.Context) error
}

// openWorkspace is a loaded workspace plus the goroutine persisting its
// preferences.
type openWorkspace struct {
	ws          *workspace.Workspace
	drag        *dragdrop.Controller
	userID      string
	dirty       chan struct{}
	done        chan struct{}
	unsubscribe func()

	dropMu   sync.Mutex
	lastDrop *dropOutcome
}

type dropOutcome struct {
	records []filetree.MoveRecord
	err     error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	backends remote.Factory

	mu         sync.Mutex
	workspaces map[string]*openWorkspace
	opening    singleflight.Group
}

func New(cfg config.Config, dataStore dataStore, backends remote.Factory) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		backends:   backends,
		workspaces: make(map[string]*openWorkspace),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login resolves the identity behind credential with the remote and opens
// an API session for it.
func (s *Service) Login(ctx context.Context, credential string) (Session, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		credential = s.cfg.GitHubToken
	}
	if credential == "" && s.cfg.Backend != config.BackendLocal {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "githubToken is required", nil)
	}
	backend, err := s.backends(credential)
	if err != nil {
		return Session{}, err
	}
	user, err := backend.User(ctx)
	if err != nil {
		return Session{}, err
	}

	claims := auth.NewClaims(user.ID, user.Login, user.Name, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), claims)
	if err != nil {
		return Session{}, err
	}
	expiresAt := claims.ExpiresAt.Time
	if err := s.store.SaveSession(ctx, store.Session{
		TokenHash:  auth.HashToken(token),
		User:       store.User{ID: user.ID, Login: user.Login, Name: user.Name},
		Credential: credential,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return Session{}, err
	}

	logging.WithContext(ctx).Info("session opened", zap.String("user", user.Login))
	return Session{
		Token:      token,
		UserID:     user.ID,
		Login:      user.Login,
		UserName:   user.Name,
		Credential: credential,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	stored, err := s.store.LookupSession(ctx, auth.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if stored.User.ID != claims.Subject {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:      token,
		UserID:     stored.User.ID,
		Login:      stored.User.Login,
		UserName:   stored.User.Name,
		Credential: stored.Credential,
		ExpiresAt:  stored.ExpiresAt,
	}, nil
}

// Logout revokes the session and closes every workspace opened with the
// user's credential.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.Token == "" {
		return nil
	}
	if err := s.store.RevokeSession(ctx, auth.HashToken(session.Token)); err != nil {
		return err
	}
	s.closeUser(session.UserID)
	return nil
}

func (s *Service) closeUser(userID string) {
	prefix := userID + "|"
	var closing []*openWorkspace
	s.mu.Lock()
	for key, open := range s.workspaces {
		if strings.HasPrefix(key, prefix) {
			closing = append(closing, open)
			delete(s.workspaces, key)
		}
	}
	s.mu.Unlock()
	for _, open := range closing {
		open.close()
	}
}

func workspaceKey(userID string, repo remote.Repo) string {
	return userID + "|" + repo.String()
}

// Workspace returns the loaded workspace of session's user for repo,
// opening it and restoring saved preferences on first use.
func (s *Service) Workspace(ctx context.Context, session Session, repo remote.Repo) (*workspace.Workspace, error) {
	open, err := s.workspace(ctx, session, repo)
	if err != nil {
		return nil, err
	}
	return open.ws, nil
}

func (s *Service) workspace(ctx context.Context, session Session, repo remote.Repo) (*openWorkspace, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	key := workspaceKey(session.UserID, repo)
	s.mu.Lock()
	if open, ok := s.workspaces[key]; ok {
		s.mu.Unlock()
		return open, nil
	}
	s.mu.Unlock()

	// The load is shared by every caller, so it runs on a context that
	// outlives the first caller's request.
	ch := s.opening.DoChan(key, func() (any, error) {
		s.mu.Lock()
		if open, ok := s.workspaces[key]; ok {
			s.mu.Unlock()
			return open, nil
		}
		s.mu.Unlock()

		timeout := s.cfg.SyncTimeout
		if timeout <= 0 {
			timeout = workspace.DefaultSyncTimeout
		}
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		open, err := s.open(openCtx, session, repo)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.workspaces[key] = open
		s.mu.Unlock()
		return open, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*openWorkspace), nil
	}
}

func (s *Service) open(ctx context.Context, session Session, repo remote.Repo) (*openWorkspace, error) {
	backend, err := s.backends(session.Credential)
	if err != nil {
		return nil, err
	}
	label := s.cfg.RootLabel
	if label == "" {
		label = repo.Name
	}
	ws := workspace.New(remote.NewClient(backend), workspace.Options{
		Repo:        repo,
		RootLabel:   label,
		SyncTimeout: s.cfg.SyncTimeout,
		Logger:      logging.L().With(zap.String("user", session.Login)),
	})
	if err := ws.Load(ctx); err != nil {
		return nil, err
	}

	prefs, err := s.store.LoadPreferences(ctx, session.UserID, repo.String())
	if err != nil {
		logging.WithContext(ctx).Warn("could not load preferences", zap.String("repo", repo.String()), zap.Error(err))
	} else {
		ws.Restore(prefs.ExpandedFolders, prefs.LastOpenedFile)
	}

	open := &openWorkspace{
		ws:     ws,
		userID: session.UserID,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	open.unsubscribe = ws.Subscribe(func(ev workspace.Event) {
		switch ev.Kind {
		case workspace.ExpansionChanged, workspace.ActiveFileChanged:
			select {
			case open.dirty <- struct{}{}:
			default:
			}
		}
	})
	host := ws.DragHost()
	host.OnDrop = func(records []filetree.MoveRecord, err error) {
		open.dropMu.Lock()
		open.lastDrop = &dropOutcome{records: records, err: err}
		open.dropMu.Unlock()
	}
	open.drag = dragdrop.NewController(host, dragdrop.SystemScheduler{}, dragdrop.DefaultConfig())
	go s.persistPreferences(open)
	return open, nil
}

// persistPreferences saves the latest view state whenever it changes.
// Bursts of changes collapse into one write.
func (s *Service) persistPreferences(open *openWorkspace) {
	logger := logging.L().With(zap.String("repo", open.ws.Repo().String()))
	for {
		select {
		case <-open.done:
			return
		case <-open.dirty:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.SavePreferences(ctx, store.Preferences{
			UserID:          open.userID,
			Repo:            open.ws.Repo().String(),
			ExpandedFolders: visibleFolders(open.ws.Expanded()),
			LastOpenedFile:  open.ws.ActiveFile(),
		})
		cancel()
		if err != nil {
			logger.Warn("could not save preferences", zap.Error(err))
		}
	}
}

// visibleFolders drops the synthetic root, which is always expanded.
func visibleFolders(expanded []string) []string {
	out := make([]string, 0, len(expanded))
	for _, p := range expanded {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Close stops preference persistence and waits for pending syncs.
func (s *Service) Close() {
	s.mu.Lock()
	open := s.workspaces
	s.workspaces = make(map[string]*openWorkspace)
	s.mu.Unlock()
	for _, o := range open {
		o.close()
	}
}

func (o *openWorkspace) close() {
	o.drag.Close()
	o.unsubscribe()
	close(o.done)
	o.ws.Wait()
}

func (s *Service) Tree(ctx context.Context, session Session, repo remote.Repo) (workspace.View, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return workspace.View{}, err
	}
	return ws.View(), nil
}

func (s *Service) Refresh(ctx context.Context, session Session, repo remote.Repo) (workspace.View, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return workspace.View{}, err
	}
	if err := ws.Refresh(ctx); err != nil {
		return workspace.View{}, err
	}
	return ws.View(), nil
}

func (s *Service) Select(ctx context.Context, session Session, repo remote.Repo, path string, mods selection.Modifiers) (workspace.View, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return workspace.View{}, err
	}
	if path == "" && !mods.Toggle && !mods.Range {
		ws.ClearSelection()
		return ws.View(), nil
	}
	if err := ws.Click(filetree.CleanPath(path), mods); err != nil {
		return workspace.View{}, err
	}
	return ws.View(), nil
}

func (s *Service) SetExpanded(ctx context.Context, session Session, repo remote.Repo, path string, expanded bool) (workspace.View, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return workspace.View{}, err
	}
	if expanded {
		ws.Expand(filetree.CleanPath(path))
	} else {
		ws.Collapse(filetree.CleanPath(path))
	}
	return ws.View(), nil
}

func (s *Service) OpenFile(ctx context.Context, session Session, repo remote.Repo, path string) (workspace.View, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return workspace.View{}, err
	}
	if err := ws.OpenFile(filetree.CleanPath(path)); err != nil {
		return workspace.View{}, err
	}
	return ws.View(), nil
}

type MoveResult struct {
	Records []filetree.MoveRecord `json:"records"`
	View    workspace.View        `json:"view"`
}

// Move moves sources, or the current selection when sources is empty,
// into target.
func (s *Service) Move(ctx context.Context, session Session, repo remote.Repo, sources []string, target string) (MoveResult, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return MoveResult{}, err
	}
	var records []filetree.MoveRecord
	if len(sources) == 0 {
		records, err = ws.Move(filetree.CleanPath(target))
	} else {
		cleaned := make([]string, 0, len(sources))
		for _, src := range sources {
			cleaned = append(cleaned, filetree.CleanPath(src))
		}
		records, err = ws.MoveSources(cleaned, filetree.CleanPath(target))
	}
	if err != nil {
		return MoveResult{}, err
	}
	return MoveResult{Records: nonNil(records), View: ws.View()}, nil
}

func (s *Service) Rename(ctx context.Context, session Session, repo remote.Repo, path, name string) (MoveResult, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return MoveResult{}, err
	}
	records, err := ws.Rename(filetree.CleanPath(path), name)
	if err != nil {
		return MoveResult{}, err
	}
	return MoveResult{Records: nonNil(records), View: ws.View()}, nil
}

func (s *Service) CreateDirectory(ctx context.Context, session Session, repo remote.Repo, parent, name string) (string, workspace.View, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return "", workspace.View{}, err
	}
	path, err := ws.CreateDirectory(filetree.CleanPath(parent), name)
	if err != nil {
		return "", workspace.View{}, err
	}
	return path, ws.View(), nil
}

type DeleteResult struct {
	Paths        []string       `json:"paths"`
	DeletedFiles int            `json:"deletedFiles"`
	View         workspace.View `json:"view"`
}

// Delete removes paths, and everything beneath folders, in one commit.
func (s *Service) Delete(ctx context.Context, session Session, repo remote.Repo, paths []string) (DeleteResult, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return DeleteResult{}, err
	}
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		cleaned = append(cleaned, filetree.CleanPath(p))
	}
	removed, err := ws.Delete(cleaned)
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Paths: cleaned, DeletedFiles: removed, View: ws.View()}, nil
}

// CreateFile adds a file with content inside parent and opens it.
func (s *Service) CreateFile(ctx context.Context, session Session, repo remote.Repo, parent, name string, content []byte) (string, workspace.View, error) {
	ws, err := s.Workspace(ctx, session, repo)
	if err != nil {
		return "", workspace.View{}, err
	}
	path, err := ws.CreateFile(filetree.CleanPath(parent), name, content)
	if err != nil {
		return "", workspace.View{}, err
	}
	if err := ws.OpenFile(path); err != nil {
		return "", workspace.View{}, err
	}
	return path, ws.View(), nil
}

func (s *Service) Preferences(ctx context.Context, session Session, repo remote.Repo) (store.Preferences, error) {
	if err := repo.Validate(); err != nil {
		return store.Preferences{}, err
	}
	return s.store.LoadPreferences(ctx, session.UserID, repo.String())
}

// SavePreferences stores prefs and applies them to the open workspace, if
// any.
func (s *Service) SavePreferences(ctx context.Context, session Session, repo remote.Repo, expanded []string, lastOpened string) (store.Preferences, error) {
	if err := repo.Validate(); err != nil {
		return store.Preferences{}, err
	}
	cleaned := make([]string, 0, len(expanded))
	for _, p := range expanded {
		if p = filetree.CleanPath(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	prefs := store.Preferences{
		UserID:          session.UserID,
		Repo:            repo.String(),
		ExpandedFolders: cleaned,
		LastOpenedFile:  filetree.CleanPath(lastOpened),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.store.SavePreferences(ctx, prefs); err != nil {
		return store.Preferences{}, fmt.Errorf("save preferences: %w", err)
	}

	s.mu.Lock()
	open, ok := s.workspaces[workspaceKey(session.UserID, repo)]
	s.mu.Unlock()
	if ok {
		open.ws.Restore(prefs.ExpandedFolders, prefs.LastOpenedFile)
	}
	return prefs, nil
}

// DragEvent is one pointer event of a drag gesture, in the renderer's
// coordinates.
type DragEvent struct {
	Type     string             `json:"type"` // down, move, up, leave or cancel
	Path     string             `json:"path"`
	X        float64            `json:"x"`
	Y        float64            `json:"y"`
	Over     string             `json:"over"`
	OverRow  bool               `json:"overRow"`
	Viewport *dragdrop.Viewport `json:"viewport,omitempty"`
}

type DragRejection struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type DragResult struct {
	State     string                `json:"state"`
	Dragged   string                `json:"dragged,omitempty"`
	Scrolling bool                  `json:"scrolling"`
	Records   []filetree.MoveRecord `json:"records,omitempty"`
	Rejected  *DragRejection        `json:"rejected,omitempty"`
	View      workspace.View        `json:"view"`
}

// Drag feeds one pointer event to the workspace's drag controller. Hover
// expansion and auto-scroll keep running between events until the drag
// ends; a drop reports the outcome of the move it triggered.
func (s *Service) Drag(ctx context.Context, session Session, repo remote.Repo, ev DragEvent) (DragResult, error) {
	open, err := s.workspace(ctx, session, repo)
	if err != nil {
		return DragResult{}, err
	}
	if ev.Viewport != nil {
		open.drag.SetViewport(*ev.Viewport)
	}
	pointer := dragdrop.Pointer{
		At:      dragdrop.Point{X: ev.X, Y: ev.Y},
		Over:    filetree.CleanPath(ev.Over),
		OverRow: ev.OverRow,
	}

	open.dropMu.Lock()
	open.lastDrop = nil
	open.dropMu.Unlock()

	switch ev.Type {
	case "down":
		open.drag.PointerDown(filetree.CleanPath(ev.Path), pointer.At)
	case "move":
		open.drag.PointerMove(pointer)
	case "up":
		open.drag.PointerUp(pointer)
	case "leave":
		open.drag.Leave()
	case "cancel":
		open.drag.Cancel()
	default:
		return DragResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "type must be down, move, up, leave or cancel", map[string]any{"type": ev.Type})
	}

	result := DragResult{
		State:     open.drag.State().String(),
		Dragged:   open.drag.Dragged(),
		Scrolling: open.drag.Scrolling(),
	}
	open.dropMu.Lock()
	drop := open.lastDrop
	open.dropMu.Unlock()
	if drop != nil {
		if drop.err != nil {
			_, code, message, _ := mapError(drop.err)
			result.Rejected = &DragRejection{Code: code, Reason: moves.Reason(drop.err), Message: message}
		} else {
			result.Records = drop.records
		}
	}
	result.View = open.ws.View()
	return result, nil
}

func nonNil(records []filetree.MoveRecord) []filetree.MoveRecord {
	if records == nil {
		return []filetree.MoveRecord{}
	}
	return records
}
