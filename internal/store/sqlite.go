package store

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vmconsole/vmconsole/internal/db"
	"github.com/vmconsole/vmconsole/internal/models"
)

// SQLiteBackend keeps one row per session in the vm_collections table.
type SQLiteBackend struct {
	Store    *db.Store
	Sessions Sessions
	TTL      time.Duration

	now func() time.Time
}

// NewSQLiteBackend wraps an open database.
func NewSQLiteBackend(store *db.Store, sessions Sessions, ttl time.Duration) *SQLiteBackend {
	return &SQLiteBackend{Store: store, Sessions: sessions, TTL: ttl, now: time.Now}
}

func (b *SQLiteBackend) Kind() string {
	return KindSQLite
}

func (b *SQLiteBackend) Open(w http.ResponseWriter, r *http.Request) (Collection, error) {
	if b == nil || b.Store == nil {
		return nil, errors.New("sqlite backend has no store")
	}
	return &sqliteCollection{backend: b, sessionID: b.Sessions.Resolve(w, r)}, nil
}

// Prune removes expired collections.
func (b *SQLiteBackend) Prune(ctx context.Context) (int64, error) {
	return b.Store.PruneExpired(ctx, b.clock())
}

func (b *SQLiteBackend) Close() error {
	return b.Store.Close()
}

func (b *SQLiteBackend) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

type sqliteCollection struct {
	backend   *SQLiteBackend
	sessionID string
}

func (c *sqliteCollection) Load(ctx context.Context) ([]models.VM, error) {
	payload, err := c.backend.Store.LoadCollection(ctx, c.sessionID, c.backend.clock())
	if errors.Is(err, db.ErrCollectionNotFound) {
		return []models.VM{}, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeCollection(payload)
}

func (c *sqliteCollection) Save(ctx context.Context, vms []models.VM) error {
	now := c.backend.clock()
	payload, err := EncodeCollection(Retain(vms, now, c.backend.TTL))
	if err != nil {
		return err
	}
	return c.backend.Store.SaveCollection(ctx, c.sessionID, payload, now, c.backend.TTL)
}
