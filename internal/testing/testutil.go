// Package testing provides shared test helpers for vmconsole.
//
// Key utilities:
//   - Fixtures: NewTestVM, NewCookieBackend
//   - Time: FixedTime, Clock
//   - Helpers: TempFile, AssertJSONEqual, CarryCookies
//
// Import it as testutil to avoid clashing with the standard library package.
package testing

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmconsole/vmconsole/internal/models"
	"github.com/vmconsole/vmconsole/internal/secrets"
	"github.com/vmconsole/vmconsole/internal/store"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test values.
const (
	TestRegion         = "us-east-1"
	TestInstanceType   = "t3.large"
	TestWindowsVersion = "Windows_Server-2022-English-Full-Base"
	TestCookieName     = "vms"
)

// AssertJSONEqual asserts that two values marshal to semantically equal JSON,
// ignoring whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile writes content to a file in the test's temporary directory and
// returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write temp file")
	return path
}

// ParseTime parses an RFC3339 timestamp or fails the test.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// Clock is a manually advanced time source, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at start, or FixedTime when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = FixedTime
	}
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// VMOpts overrides fields of a test VM record.
type VMOpts struct {
	ID        string
	Provider  models.Provider
	Region    string
	State     models.VMState
	PublicIP  string
	CreatedAt time.Time
}

// NewTestVM builds a VM record with sensible defaults. Booted states get a
// documentation-range address and the default username unless PublicIP is
// given.
func NewTestVM(opts VMOpts) models.VM {
	vm := models.VM{
		ID:             opts.ID,
		Provider:       opts.Provider,
		Region:         opts.Region,
		InstanceType:   TestInstanceType,
		WindowsVersion: TestWindowsVersion,
		State:          opts.State,
		PublicIP:       opts.PublicIP,
		CreatedAt:      opts.CreatedAt,
	}
	if vm.ID == "" {
		vm.ID = "vm-test-1"
	}
	if vm.Provider == "" {
		vm.Provider = models.ProviderDemo
	}
	if vm.Region == "" {
		vm.Region = TestRegion
	}
	if vm.State == "" {
		vm.State = models.VMPending
	}
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = FixedTime
	}
	if vm.State.HasBooted() {
		if vm.PublicIP == "" {
			vm.PublicIP = "203.0.113.10"
		}
		vm.Username = models.DefaultUsername
	} else {
		vm.PublicIP = ""
	}
	return vm
}

// NewCookieBackend returns a cookie store sealed with a fresh key.
func NewCookieBackend(t *testing.T) *store.CookieBackend {
	t.Helper()
	sealer, err := secrets.GenerateSealer()
	require.NoError(t, err)
	return &store.CookieBackend{
		Name:   TestCookieName,
		MaxAge: 24 * time.Hour,
		Sealer: sealer,
		Logger: DiscardLogger(),
	}
}

// CarryCookies adds the cookies set on rec to req, the way a browser would
// on its next request.
func CarryCookies(rec *httptest.ResponseRecorder, req *http.Request) *http.Request {
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}
