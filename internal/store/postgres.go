package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) upsertUser(ctx context.Context, tx *sql.Tx, user User) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, login, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET login=EXCLUDED.login, display_name=EXCLUDED.display_name, updated_at=NOW()
	`, user.ID, user.Login, user.Name)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertUser(ctx, tx, session.User); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, credential, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, credential=EXCLUDED.credential,
			expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, session.TokenHash, session.User.ID, session.Credential, session.ExpiresAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (Session, error) {
	const query = `
		SELECT u.id, u.login, u.display_name, s.credential, s.expires_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1
			AND s.revoked_at IS NULL
			AND s.expires_at > NOW()
	`
	session := Session{TokenHash: tokenHash}
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&session.User.ID, &session.User.Login, &session.User.Name, &session.Credential, &session.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=NOW(), credential='' WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// LoadPreferences returns empty preferences, not an error, for a user who
// never saved any.
func (s *PostgresStore) LoadPreferences(ctx context.Context, userID, repo string) (Preferences, error) {
	prefs := Preferences{UserID: userID, Repo: repo, ExpandedFolders: []string{}}
	var expanded []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT expanded_folders, last_opened_file, updated_at
		FROM preferences
		WHERE user_id = $1 AND repo = $2
	`, userID, repo).Scan(&expanded, &prefs.LastOpenedFile, &prefs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return prefs, nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	if err := json.Unmarshal(expanded, &prefs.ExpandedFolders); err != nil {
		return Preferences{}, fmt.Errorf("decode expanded folders: %w", err)
	}
	return prefs, nil
}

func (s *PostgresStore) SavePreferences(ctx context.Context, prefs Preferences) error {
	if prefs.ExpandedFolders == nil {
		prefs.ExpandedFolders = []string{}
	}
	expanded, err := json.Marshal(prefs.ExpandedFolders)
	if err != nil {
		return fmt.Errorf("encode expanded folders: %w", err)
	}
	if prefs.UpdatedAt.IsZero() {
		prefs.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, repo, expanded_folders, last_opened_file, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, repo) DO UPDATE SET expanded_folders=EXCLUDED.expanded_folders,
			last_opened_file=EXCLUDED.last_opened_file, updated_at=EXCLUDED.updated_at
	`, prefs.UserID, prefs.Repo, expanded, prefs.LastOpenedFile, prefs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
