package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/vmconsole/vmconsole/internal/models"
)

// BadgerBackend keeps collections in an embedded Badger database, relying
// on Badger's entry TTL for retention.
type BadgerBackend struct {
	db       *badger.DB
	Sessions Sessions
	TTL      time.Duration

	now func() time.Time
}

// OpenBadger opens (creating if needed) a Badger database at dir. An empty
// dir opens an in-memory database.
func OpenBadger(dir string, sessions Sessions, ttl time.Duration) (*BadgerBackend, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(dir)).WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return &BadgerBackend{db: bdb, Sessions: sessions, TTL: ttl}, nil
}

func (b *BadgerBackend) Kind() string {
	return KindBadger
}

func (b *BadgerBackend) Open(w http.ResponseWriter, r *http.Request) (Collection, error) {
	if b == nil || b.db == nil {
		return nil, errors.New("badger backend is closed")
	}
	return &badgerCollection{backend: b, sessionID: b.Sessions.Resolve(w, r)}, nil
}

func (b *BadgerBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerBackend) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func collectionKey(sessionID string) []byte {
	return []byte("collection:" + sessionID)
}

type badgerCollection struct {
	backend   *BadgerBackend
	sessionID string
}

func (c *badgerCollection) Load(_ context.Context) ([]models.VM, error) {
	var payload []byte
	err := c.backend.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(collectionKey(c.sessionID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []models.VM{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", c.sessionID, err)
	}
	return DecodeCollection(payload)
}

func (c *badgerCollection) Save(_ context.Context, vms []models.VM) error {
	payload, err := EncodeCollection(Retain(vms, c.backend.clock(), c.backend.TTL))
	if err != nil {
		return err
	}
	err = c.backend.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(collectionKey(c.sessionID), payload)
		if c.backend.TTL > 0 {
			entry = entry.WithTTL(c.backend.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("save collection %s: %w", c.sessionID, err)
	}
	return nil
}
