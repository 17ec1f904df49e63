// Package session keeps API sessions and workspace preferences in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/api/internal/store"
)

// sessionData is the JSON stored under each session key.
type sessionData struct {
	UserID     string    `json:"user_id"`
	Login      string    `json:"login"`
	Name       string    `json:"name"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RedisStore implements session and preference storage using Redis.
// Preferences do not expire.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "folio:",
	}
}

func (s *RedisStore) sessionKey(tokenHash string) string {
	return s.prefix + "session:" + tokenHash
}

func (s *RedisStore) preferencesKey(userID, repo string) string {
	return s.prefix + "prefs:" + userID + ":" + repo
}

// SaveSession stores a session until its expiry.
func (s *RedisStore) SaveSession(ctx context.Context, session store.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save session: already expired")
	}
	data, err := json.Marshal(sessionData{
		UserID:     session.User.ID,
		Login:      session.User.Login,
		Name:       session.User.Name,
		Credential: session.Credential,
		ExpiresAt:  session.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(session.TokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns store.ErrNotFound for unknown, expired and revoked
// sessions.
func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string) (store.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return store.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return store.Session{
		TokenHash:  tokenHash,
		User:       store.User{ID: data.UserID, Login: data.Login, Name: data.Name},
		Credential: data.Credential,
		ExpiresAt:  data.ExpiresAt,
	}, nil
}

func (s *RedisStore) RevokeSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.sessionKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// LoadPreferences returns empty preferences when none were saved.
func (s *RedisStore) LoadPreferences(ctx context.Context, userID, repo string) (store.Preferences, error) {
	prefs := store.Preferences{UserID: userID, Repo: repo, ExpandedFolders: []string{}}
	raw, err := s.client.Get(ctx, s.preferencesKey(userID, repo)).Bytes()
	if errors.Is(err, redis.Nil) {
		return prefs, nil
	}
	if err != nil {
		return store.Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return store.Preferences{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	if prefs.ExpandedFolders == nil {
		prefs.ExpandedFolders = []string{}
	}
	return prefs, nil
}

func (s *RedisStore) SavePreferences(ctx context.Context, prefs store.Preferences) error {
	if prefs.UpdatedAt.IsZero() {
		prefs.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if err := s.client.Set(ctx, s.preferencesKey(prefs.UserID, prefs.Repo), data, 0).Err(); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
