package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmconsole/vmconsole/internal/db"
	"github.com/vmconsole/vmconsole/internal/models"
	"github.com/vmconsole/vmconsole/internal/secrets"
)

var created = time.Date(2024, 5, 4, 10, 0, 0, 0, time.UTC)

func sampleVMs() []models.VM {
	return []models.VM{
		{
			ID:             "6f1c2a74-8e0b-4a53-9b4e-3c1b2f0d9e11",
			Provider:       models.ProviderDemo,
			Region:         "us-east-1",
			InstanceType:   "t3.large",
			WindowsVersion: "Windows_Server-2022-English-Full-Base",
			State:          models.VMRunning,
			PublicIP:       "203.0.113.17",
			Username:       "Administrator",
			CreatedAt:      created,
		},
		{
			ID:             "i-0123456789abcdef0",
			Provider:       models.ProviderAWS,
			Region:         "eu-west-1",
			InstanceType:   "t3.xlarge",
			WindowsVersion: "Windows_Server-2019-English-Full-Base",
			State:          models.VMPending,
			CreatedAt:      created.Add(time.Minute),
		},
	}
}

// replay returns a request carrying the cookies set on rec.
func replay(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/vm", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func findCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %s not set", name)
	return nil
}

func TestDecodeCollection(t *testing.T) {
	vms, err := DecodeCollection(nil)
	require.NoError(t, err)
	assert.Empty(t, vms)
	assert.NotNil(t, vms)

	vms, err = DecodeCollection([]byte(`[
		{"id":"a","state":"running","createdAt":1714816800000},
		{"id":"","state":"running"},
		{"id":"b","state":"exploded"}
	]`))
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "a", vms[0].ID)
	assert.Equal(t, models.ProviderDemo, vms[0].Provider)

	_, err = DecodeCollection([]byte(`{not json`))
	assert.Error(t, err)
}

func TestEncodeCollectionNil(t *testing.T) {
	data, err := EncodeCollection(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestSessionsResolve(t *testing.T) {
	sessions := Sessions{CookieName: "vmconsole-session", MaxAge: time.Hour, Secure: true}

	rec := httptest.NewRecorder()
	id := sessions.Resolve(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, id)
	cookie := findCookie(t, rec, "vmconsole-session")
	assert.Equal(t, id, cookie.Value)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)

	again := httptest.NewRecorder()
	assert.Equal(t, id, sessions.Resolve(again, replay(rec)))

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.AddCookie(&http.Cookie{Name: "vmconsole-session", Value: "../../etc/passwd"})
	assert.NotEqual(t, "../../etc/passwd", sessions.Resolve(httptest.NewRecorder(), forged))
}

func newCookieBackend(t *testing.T) *CookieBackend {
	t.Helper()
	sealer, err := secrets.GenerateSealer()
	require.NoError(t, err)
	return &CookieBackend{Name: "demo-vms", MaxAge: 72 * time.Hour, Sealer: sealer}
}

func TestCookieBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newCookieBackend(t)
	assert.Equal(t, KindCookie, backend.Kind())

	rec := httptest.NewRecorder()
	coll, err := backend.Open(rec, httptest.NewRequest(http.MethodPost, "/api/vm", nil))
	require.NoError(t, err)

	empty, err := coll.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, coll.Save(ctx, sampleVMs()))
	cookie := findCookie(t, rec, "demo-vms")
	assert.Equal(t, 72*3600, cookie.MaxAge)
	assert.Equal(t, "/", cookie.Path)
	assert.True(t, cookie.HttpOnly)
	assert.NotContains(t, cookie.Value, "203.0.113.17")

	sameRequest, err := coll.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleVMs(), sameRequest)

	next, err := backend.Open(httptest.NewRecorder(), replay(rec))
	require.NoError(t, err)
	loaded, err := next.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleVMs(), loaded)
}

func TestCookieBackendDiscardsUnreadableCookie(t *testing.T) {
	ctx := context.Background()
	backend := newCookieBackend(t)

	for name, value := range map[string]string{
		"not base64": "%%%",
		"not sealed": "aGVsbG8",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/vm", nil)
			req.AddCookie(&http.Cookie{Name: "demo-vms", Value: value})
			coll, err := backend.Open(httptest.NewRecorder(), req)
			require.NoError(t, err)
			vms, err := coll.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, vms)
		})
	}

	t.Run("sealed by another key", func(t *testing.T) {
		other := newCookieBackend(t)
		rec := httptest.NewRecorder()
		coll, err := other.Open(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		require.NoError(t, coll.Save(ctx, sampleVMs()))

		mine, err := backend.Open(httptest.NewRecorder(), replay(rec))
		require.NoError(t, err)
		vms, err := mine.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, vms)
	})
}

func TestCookieBackendRejectsOversizedCollection(t *testing.T) {
	backend := newCookieBackend(t)
	var vms []models.VM
	for i := 0; i < 40; i++ {
		vm := sampleVMs()[0]
		vm.ID = fmt.Sprintf("vm-%03d-6f1c2a74-8e0b-4a53-9b4e-3c1b2f0d9e11", i)
		vms = append(vms, vm)
	}
	rec := httptest.NewRecorder()
	coll, err := backend.Open(rec, httptest.NewRequest(http.MethodPost, "/api/vm", nil))
	require.NoError(t, err)
	assert.ErrorIs(t, coll.Save(context.Background(), vms), ErrCollectionTooLarge)
	assert.Empty(t, rec.Result().Cookies())
}

func terminatedVM(id string, at time.Time) models.VM {
	return models.VM{
		ID:             id,
		Provider:       models.ProviderDemo,
		Region:         "us-east-1",
		InstanceType:   "t3.large",
		WindowsVersion: "Windows_Server-2022-English-Full-Base",
		State:          models.VMTerminated,
		CreatedAt:      created,
		TerminatedAt:   at,
	}
}

func TestRetain(t *testing.T) {
	live := sampleVMs()[0]
	old := terminatedVM("old", created)
	recent := terminatedVM("recent", created.Add(2*time.Hour))
	unstamped := terminatedVM("unstamped", time.Time{})
	vms := []models.VM{live, old, recent, unstamped}

	tests := []struct {
		name string
		now  time.Time
		ttl  time.Duration
		want []string
	}{
		{"before expiry", created.Add(59 * time.Minute), time.Hour, []string{live.ID, "old", "recent", "unstamped"}},
		{"at expiry", created.Add(time.Hour), time.Hour, []string{live.ID, "recent", "unstamped"}},
		{"all terminated expired", created.Add(10 * time.Hour), time.Hour, []string{live.ID, "unstamped"}},
		{"zero ttl keeps everything", created.Add(1000 * time.Hour), 0, []string{live.ID, "old", "recent", "unstamped"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, vm := range Retain(vms, tt.now, tt.ttl) {
				ids = append(ids, vm.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
	assert.Len(t, vms, 4)
}

func TestCookieBackendDropsExpiredTerminatedRecords(t *testing.T) {
	ctx := context.Background()
	backend := newCookieBackend(t)
	now := created
	backend.Now = func() time.Time { return now }

	vms := []models.VM{sampleVMs()[0], terminatedVM("gone", created)}
	rec := httptest.NewRecorder()
	coll, err := backend.Open(rec, httptest.NewRequest(http.MethodGet, "/api/vm", nil))
	require.NoError(t, err)
	require.NoError(t, coll.Save(ctx, vms))

	// Every save renews the cookie, so the record itself has to expire.
	now = created.Add(72 * time.Hour)
	next := httptest.NewRecorder()
	coll, err = backend.Open(next, replay(rec))
	require.NoError(t, err)
	loaded, err := coll.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.NoError(t, coll.Save(ctx, loaded))
	assert.Equal(t, 72*3600, findCookie(t, next, "demo-vms").MaxAge)

	after, err := backend.Open(httptest.NewRecorder(), replay(next))
	require.NoError(t, err)
	kept, err := after.Load(ctx)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, sampleVMs()[0].ID, kept[0].ID)
}

func TestCookieBackendEvictsOldestTerminatedWhenFull(t *testing.T) {
	ctx := context.Background()
	backend := newCookieBackend(t)
	backend.Logger = log.New(io.Discard, "", 0)
	backend.Now = func() time.Time { return created.Add(time.Hour) }

	live := sampleVMs()
	vms := append([]models.VM(nil), live...)
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("vm-%03d-6f1c2a74-8e0b-4a53-9b4e-3c1b2f0d9e11", i)
		vms = append(vms, terminatedVM(id, created.Add(time.Duration(i)*time.Second)))
	}

	rec := httptest.NewRecorder()
	coll, err := backend.Open(rec, httptest.NewRequest(http.MethodPost, "/api/vm", nil))
	require.NoError(t, err)
	require.NoError(t, coll.Save(ctx, vms))
	assert.LessOrEqual(t, len(findCookie(t, rec, "demo-vms").Value), MaxCookieValueBytes)

	next, err := backend.Open(httptest.NewRecorder(), replay(rec))
	require.NoError(t, err)
	loaded, err := next.Load(ctx)
	require.NoError(t, err)
	require.Less(t, len(loaded), len(vms))

	ids := make(map[string]bool)
	for _, vm := range loaded {
		ids[vm.ID] = true
	}
	for _, vm := range live {
		assert.True(t, ids[vm.ID], "live vm %s dropped", vm.ID)
	}
	assert.False(t, ids[vms[len(live)].ID], "oldest terminated vm kept")
	assert.True(t, ids[vms[len(vms)-1].ID], "newest terminated vm dropped")
}

func TestCookieBackendRequiresSealer(t *testing.T) {
	_, err := (&CookieBackend{Name: "demo-vms"}).Open(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}

func testSessions() Sessions {
	return Sessions{CookieName: "vmconsole-session", MaxAge: 72 * time.Hour}
}

func TestSQLiteBackendSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "vmconsole.db"))
	require.NoError(t, err)
	backend := NewSQLiteBackend(store, testSessions(), 72*time.Hour)
	t.Cleanup(func() { _ = backend.Close() })
	assert.Equal(t, KindSQLite, backend.Kind())

	aliceRec := httptest.NewRecorder()
	alice, err := backend.Open(aliceRec, httptest.NewRequest(http.MethodPost, "/api/vm", nil))
	require.NoError(t, err)
	require.NoError(t, alice.Save(ctx, sampleVMs()))

	again, err := backend.Open(httptest.NewRecorder(), replay(aliceRec))
	require.NoError(t, err)
	loaded, err := again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleVMs(), loaded)

	bob, err := backend.Open(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/vm", nil))
	require.NoError(t, err)
	bobs, err := bob.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, bobs)
}

func TestSQLiteBackendPrune(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "vmconsole.db"))
	require.NoError(t, err)
	backend := NewSQLiteBackend(store, testSessions(), time.Hour)
	t.Cleanup(func() { _ = backend.Close() })

	now := created
	backend.now = func() time.Time { return now }

	rec := httptest.NewRecorder()
	coll, err := backend.Open(rec, httptest.NewRequest(http.MethodPost, "/api/vm", nil))
	require.NoError(t, err)
	require.NoError(t, coll.Save(ctx, sampleVMs()))

	now = created.Add(2 * time.Hour)
	n, err := backend.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	later, err := backend.Open(httptest.NewRecorder(), replay(rec))
	require.NoError(t, err)
	vms, err := later.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, vms)
}

func TestBadgerBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, dir := range map[string]string{
		"in memory": "",
		"on disk":   filepath.Join(t.TempDir(), "badger"),
	} {
		t.Run(name, func(t *testing.T) {
			backend, err := OpenBadger(dir, testSessions(), 72*time.Hour)
			require.NoError(t, err)
			t.Cleanup(func() { _ = backend.Close() })
			assert.Equal(t, KindBadger, backend.Kind())

			rec := httptest.NewRecorder()
			coll, err := backend.Open(rec, httptest.NewRequest(http.MethodPost, "/api/vm", nil))
			require.NoError(t, err)
			empty, err := coll.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty)
			require.NoError(t, coll.Save(ctx, sampleVMs()))

			next, err := backend.Open(httptest.NewRecorder(), replay(rec))
			require.NoError(t, err)
			loaded, err := next.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, sampleVMs(), loaded)
		})
	}
}
