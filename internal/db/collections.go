package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const timeLayout = time.RFC3339Nano

// ErrCollectionNotFound is returned when a session has no live collection.
var ErrCollectionNotFound = errors.New("collection not found")

// SaveCollection replaces the collection payload for a session and pushes
// its expiry forward.
func (s *Store) SaveCollection(ctx context.Context, sessionID string, payload []byte, now time.Time, ttl time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if ttl <= 0 {
		return errors.New("collection ttl must be positive")
	}
	if len(payload) == 0 {
		payload = []byte("[]")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO vm_collections (session_id, payload_json, updated_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		sessionID,
		string(payload),
		formatTime(now),
		formatTime(now.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("save collection %s: %w", sessionID, err)
	}
	return nil
}

// LoadCollection returns the payload for a session. Expired rows are treated
// as missing.
func (s *Store) LoadCollection(ctx context.Context, sessionID string, now time.Time) ([]byte, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	var payload string
	var expiresAt string
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json, expires_at FROM vm_collections WHERE session_id = ?`, sessionID).
		Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCollectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", sessionID, err)
	}
	expires, err := parseTime(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if !expires.After(now) {
		return nil, ErrCollectionNotFound
	}
	return []byte(payload), nil
}

// PruneExpired deletes collections whose expiry is at or before now and
// returns how many were removed.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM vm_collections WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune collections: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune collections rows: %w", err)
	}
	return n, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
