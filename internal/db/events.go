package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one row of the VM lifecycle audit trail.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	VMID      string
	Provider  string
	Region    string
	Message   string
}

// RecordEvent appends an audit row.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	ev.Kind = strings.TrimSpace(ev.Kind)
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	ev.VMID = strings.TrimSpace(ev.VMID)
	if ev.VMID == "" {
		return errors.New("event vm id is required")
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO vm_events (ts, kind, vm_id, provider, region, msg) VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(ts), ev.Kind, ev.VMID, ev.Provider, nullIfEmpty(ev.Region), nullIfEmpty(ev.Message))
	if err != nil {
		return fmt.Errorf("insert event %q: %w", ev.Kind, err)
	}
	return nil
}

// ListEventsByVM returns the most recent events for a VM, oldest first.
func (s *Store) ListEventsByVM(ctx context.Context, vmID string, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	vmID = strings.TrimSpace(vmID)
	if vmID == "" {
		return nil, errors.New("vm id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, vm_id, provider, region, msg
		FROM vm_events WHERE vm_id = ? ORDER BY id DESC LIMIT ?`, vmID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var region sql.NullString
	var msg sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &ev.VMID, &ev.Provider, &region, &msg); err != nil {
		return Event{}, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	if region.Valid {
		ev.Region = region.String
	}
	if msg.Valid {
		ev.Message = msg.String
	}
	return ev, nil
}
