// Package store keeps each caller's VM collection between requests.
//
// A Backend opens a Collection scoped to one HTTP request. The cookie backend
// carries the collection in the response itself; the sqlite and badger
// backends key it by a session id cookie and keep it server side. Every
// backend loads and saves the collection whole.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vmconsole/vmconsole/internal/models"
)

// Backend names accepted in configuration.
const (
	KindCookie = "cookie"
	KindSQLite = "sqlite"
	KindBadger = "badger"
)

// ErrCollectionTooLarge is returned when a collection does not fit in its
// storage medium.
var ErrCollectionTooLarge = errors.New("vm collection too large")

// Collection is the caller's list of VM records.
type Collection interface {
	Load(ctx context.Context) ([]models.VM, error)
	Save(ctx context.Context, vms []models.VM) error
}

// Backend opens per-request collections.
type Backend interface {
	Kind() string
	Open(w http.ResponseWriter, r *http.Request) (Collection, error)
	Close() error
}

// EncodeCollection serialises a collection. A nil list encodes as [].
func EncodeCollection(vms []models.VM) ([]byte, error) {
	if vms == nil {
		vms = []models.VM{}
	}
	data, err := json.Marshal(vms)
	if err != nil {
		return nil, fmt.Errorf("encode collection: %w", err)
	}
	return data, nil
}

// DecodeCollection parses a serialised collection, dropping records that
// have no id or an unknown state.
func DecodeCollection(data []byte) ([]models.VM, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return []models.VM{}, nil
	}
	var raw []models.VM
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	out := make([]models.VM, 0, len(raw))
	for _, vm := range raw {
		if strings.TrimSpace(vm.ID) == "" || !vm.State.Valid() {
			continue
		}
		if vm.Provider == "" {
			vm.Provider = models.ProviderDemo
		}
		out = append(out, vm)
	}
	return out, nil
}

// Retain drops terminated records whose retention has run out, measured
// from TerminatedAt. Live records are kept whatever their age, and a ttl of
// zero keeps everything. The result is a new slice.
func Retain(vms []models.VM, now time.Time, ttl time.Duration) []models.VM {
	out := make([]models.VM, 0, len(vms))
	for _, vm := range vms {
		if ttl > 0 && vm.State == models.VMTerminated && !vm.TerminatedAt.IsZero() &&
			!now.Before(vm.TerminatedAt.Add(ttl)) {
			continue
		}
		out = append(out, vm)
	}
	return out
}

// Sessions issues and reads the session id cookie used by server-side
// backends.
type Sessions struct {
	CookieName string
	MaxAge     time.Duration
	Secure     bool

	newID func() string
}

// Resolve returns the caller's session id, issuing a new one when the
// request carries none or an invalid one. The cookie is rewritten on every
// call so its lifetime slides with use.
func (s Sessions) Resolve(w http.ResponseWriter, r *http.Request) string {
	id := ""
	if c, err := r.Cookie(s.CookieName); err == nil {
		if parsed, err := uuid.Parse(c.Value); err == nil {
			id = parsed.String()
		}
	}
	if id == "" {
		if s.newID != nil {
			id = s.newID()
		} else {
			id = uuid.NewString()
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
