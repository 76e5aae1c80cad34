package store

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/vmconsole/vmconsole/internal/models"
	"github.com/vmconsole/vmconsole/internal/secrets"
)

// MaxCookieValueBytes bounds the sealed cookie value so the whole
// Set-Cookie header stays under the 4096 bytes browsers accept.
const MaxCookieValueBytes = 4000

// CookieBackend keeps the collection in an age-sealed browser cookie.
//
// The cookie's lifetime slides with every save, so retention of terminated
// records is applied to the records themselves. When the collection still
// does not fit, the oldest terminated records are dropped first.
type CookieBackend struct {
	Name   string
	MaxAge time.Duration
	Secure bool
	Sealer *secrets.Sealer
	Logger *log.Logger
	Now    func() time.Time
}

func (b *CookieBackend) Kind() string {
	return KindCookie
}

func (b *CookieBackend) Open(w http.ResponseWriter, r *http.Request) (Collection, error) {
	if b == nil || b.Sealer == nil {
		return nil, errors.New("cookie backend has no sealer")
	}
	return &cookieCollection{backend: b, w: w, r: r}, nil
}

func (b *CookieBackend) Close() error {
	return nil
}

func (b *CookieBackend) clock() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *CookieBackend) seal(vms []models.VM) (string, error) {
	payload, err := EncodeCollection(vms)
	if err != nil {
		return "", err
	}
	sealed, err := b.Sealer.Seal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (b *CookieBackend) logf(format string, args ...any) {
	logger := b.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

type cookieCollection struct {
	backend *CookieBackend
	w       http.ResponseWriter
	r       *http.Request

	saved   []models.VM
	written bool
}

// Load returns the collection carried by the request. A cookie that cannot
// be opened or parsed yields an empty collection.
func (c *cookieCollection) Load(_ context.Context) ([]models.VM, error) {
	if c.written {
		return append([]models.VM(nil), c.saved...), nil
	}
	cookie, err := c.r.Cookie(c.backend.Name)
	if err != nil || cookie.Value == "" {
		return []models.VM{}, nil
	}
	sealed, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		c.backend.logf("cookie store: discard %s cookie: %v", c.backend.Name, err)
		return []models.VM{}, nil
	}
	payload, err := c.backend.Sealer.Open(sealed)
	if err != nil {
		c.backend.logf("cookie store: discard %s cookie: %v", c.backend.Name, err)
		return []models.VM{}, nil
	}
	vms, err := DecodeCollection(payload)
	if err != nil {
		c.backend.logf("cookie store: discard %s cookie: %v", c.backend.Name, err)
		return []models.VM{}, nil
	}
	return vms, nil
}

func (c *cookieCollection) Save(_ context.Context, vms []models.VM) error {
	kept := Retain(vms, c.backend.clock(), c.backend.MaxAge)
	value, err := c.backend.seal(kept)
	if err != nil {
		return err
	}
	for len(value) > MaxCookieValueBytes {
		idx := oldestTerminated(kept)
		if idx < 0 {
			return ErrCollectionTooLarge
		}
		c.backend.logf("cookie store: %s cookie full, dropping terminated vm %s", c.backend.Name, kept[idx].ID)
		kept = append(kept[:idx], kept[idx+1:]...)
		if value, err = c.backend.seal(kept); err != nil {
			return err
		}
	}
	http.SetCookie(c.w, &http.Cookie{
		Name:     c.backend.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.backend.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.backend.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.saved = kept
	c.written = true
	return nil
}

// oldestTerminated returns the index of the terminated record that was
// terminated first, or -1 when every record is live.
func oldestTerminated(vms []models.VM) int {
	idx := -1
	for i, vm := range vms {
		if vm.State != models.VMTerminated {
			continue
		}
		if idx < 0 || vm.TerminatedAt.Before(vms[idx].TerminatedAt) {
			idx = i
		}
	}
	return idx
}
