package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmconsole/vmconsole/internal/config"
	"github.com/vmconsole/vmconsole/internal/store"
	testutil "github.com/vmconsole/vmconsole/internal/testing"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "vmconsole.db")
	cfg.BadgerDir = filepath.Join(dir, "badger")
	cfg.CookieKeyPath = filepath.Join(dir, "cookie.key")
	cfg.CookieSecure = false
	cfg.AWSEnabled = false
	return cfg
}

// closeTrackingBackend counts Close calls on the wrapped backend.
type closeTrackingBackend struct {
	store.Backend
	closed atomic.Int32
}

func (b *closeTrackingBackend) Close() error {
	b.closed.Add(1)
	return b.Backend.Close()
}

func startService(t *testing.T, cfg config.Config, opts Options) (*Service, func() error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts.Listener = listener
	if opts.Logger == nil {
		opts.Logger = testutil.DiscardLogger()
	}
	svc, err := NewService(cfg, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	var once sync.Once
	var serveErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case serveErr = <-done:
			case <-time.After(shutdownTimeout + time.Second):
				serveErr = errors.New("service did not stop")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })
	return svc, stop
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServiceServesAPIAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	backend := &closeTrackingBackend{Backend: testutil.NewCookieBackend(t)}
	closed := make(chan struct{})
	svc, stop := startService(t, cfg, Options{
		Backend: backend,
		Metrics: NewMetrics(),
		Closers: []func(){func() { close(closed) }},
	})
	base := "http://" + svc.Addr()

	code, body := httpGet(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = httpGet(t, base+"/api/vm")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"vms":[]}`, body)

	resp, err := http.Post(base+"/api/vm", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, body = httpGet(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `vmconsole_vm_created_total{provider="demo"} 1`)

	require.NoError(t, stop())
	assert.Equal(t, int32(1), backend.closed.Load())
	select {
	case <-closed:
	default:
		t.Fatal("closer was not called")
	}
}

func TestServiceSeparateMetricsListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsListen = "127.0.0.1:0"
	svc, _ := startService(t, cfg, Options{
		Backend: testutil.NewCookieBackend(t),
		Metrics: NewMetrics(),
	})
	require.NotNil(t, svc.metricsListener)

	code, _ := httpGet(t, "http://"+svc.Addr()+"/metrics")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := httpGet(t, "http://"+svc.metricsListener.Addr().String()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "vmconsole_vm_boot_seconds")
}

func TestServiceWithoutMetrics(t *testing.T) {
	svc, _ := startService(t, testConfig(t), Options{Backend: testutil.NewCookieBackend(t)})
	code, _ := httpGet(t, "http://"+svc.Addr()+"/metrics")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNewServiceRequiresBackend(t *testing.T) {
	_, err := NewService(testConfig(t), Options{})
	assert.ErrorContains(t, err, "state store is required")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = "redis"
	err := Run(context.Background(), cfg, testutil.DiscardLogger())
	assert.ErrorContains(t, err, "store must be one of")
}

func TestRunServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreSQLite
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, testutil.DiscardLogger()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("run did not return")
	}
}

func TestOpenBackend(t *testing.T) {
	logger := testutil.DiscardLogger()

	t.Run("cookie with persistent key", func(t *testing.T) {
		cfg := testConfig(t)
		backend, audit, err := OpenBackend(cfg, logger)
		require.NoError(t, err)
		defer backend.Close()
		assert.Equal(t, store.KindCookie, backend.Kind())
		assert.Nil(t, audit)
		assert.FileExists(t, cfg.CookieKeyPath)
	})

	t.Run("cookie with ephemeral key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.CookieKeyPath = ""
		backend, _, err := OpenBackend(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, store.KindCookie, backend.Kind())
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store = config.StoreSQLite
		backend, audit, err := OpenBackend(cfg, logger)
		require.NoError(t, err)
		defer backend.Close()
		assert.Equal(t, store.KindSQLite, backend.Kind())
		require.NotNil(t, audit)
		assert.FileExists(t, cfg.DBPath)
	})

	t.Run("badger", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store = config.StoreBadger
		backend, audit, err := OpenBackend(cfg, logger)
		require.NoError(t, err)
		defer backend.Close()
		assert.Equal(t, store.KindBadger, backend.Kind())
		assert.Nil(t, audit)
		assert.DirExists(t, cfg.BadgerDir)
	})
}

type countingPruner struct {
	calls atomic.Int32
}

func (p *countingPruner) Prune(context.Context) (int64, error) {
	p.calls.Add(1)
	return 1, nil
}

func TestStartPrunerRunsImmediatelyAndOnInterval(t *testing.T) {
	p := &countingPruner{}
	svc := &Service{logger: testutil.DiscardLogger(), pruneInterval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.runPruner(ctx, p)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
