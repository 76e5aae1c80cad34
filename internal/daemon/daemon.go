// Package daemon serves the vmconsole HTTP API: it opens the configured
// state store, wires the demo simulator and the AWS adapter behind
// VMManager, and runs the listeners until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/vmconsole/vmconsole/internal/config"
	"github.com/vmconsole/vmconsole/internal/db"
	"github.com/vmconsole/vmconsole/internal/events"
	"github.com/vmconsole/vmconsole/internal/provider"
	"github.com/vmconsole/vmconsole/internal/secrets"
	"github.com/vmconsole/vmconsole/internal/simulator"
	"github.com/vmconsole/vmconsole/internal/store"
)

const (
	shutdownTimeout      = 5 * time.Second
	defaultPruneInterval = 10 * time.Minute
)

// Service owns the listeners and the long-lived resources behind them.
type Service struct {
	cfg             config.Config
	logger          *log.Logger
	backend         store.Backend
	listener        net.Listener
	server          *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server
	pruneInterval   time.Duration
	closers         []func()
}

// Options are the pieces Run builds from config; tests inject their own.
type Options struct {
	Backend  store.Backend
	Adapter  provider.Adapter
	Events   events.Sink
	Audit    *db.Store
	Metrics  *Metrics
	Logger   *log.Logger
	Now      func() time.Time
	Limiter  *IPRateLimiter
	Closers  []func()
	Listener net.Listener
}

// Run opens the store, provider and event sinks described by cfg and
// serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = log.Default()
	}
	opts := Options{Logger: logger, Metrics: NewMetrics()}

	backend, audit, err := OpenBackend(cfg, logger)
	if err != nil {
		return err
	}
	opts.Backend = backend
	opts.Audit = audit

	var sinks events.Fanout
	if audit != nil {
		sinks = append(sinks, events.Audit{Store: audit})
	}
	if cfg.NATSURL != "" {
		publisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			_ = backend.Close()
			return err
		}
		sinks = append(sinks, publisher)
		opts.Closers = append(opts.Closers, publisher.Close)
		logger.Printf("publishing vm events to %s on %s", cfg.NATSSubject, cfg.NATSURL)
	}
	if len(sinks) > 0 {
		opts.Events = sinks
	}
	if cfg.AWSEnabled {
		opts.Adapter = provider.NewEC2()
	} else {
		logger.Printf("aws provider disabled; only demo vms can be created")
	}
	opts.Limiter = NewIPRateLimiter(cfg.CreateRateQPS, cfg.CreateRateBurst)

	service, err := NewService(cfg, opts)
	if err != nil {
		for _, closeFn := range opts.Closers {
			closeFn()
		}
		_ = backend.Close()
		return err
	}
	return service.Serve(ctx)
}

// OpenBackend opens the collection store named by cfg.Store. The returned
// db.Store is non-nil only for the sqlite backend.
func OpenBackend(cfg config.Config, logger *log.Logger) (store.Backend, *db.Store, error) {
	sessions := store.Sessions{
		CookieName: cfg.SessionCookieName,
		MaxAge:     cfg.Retention(),
		Secure:     cfg.CookieSecure,
	}
	switch cfg.Store {
	case config.StoreSQLite:
		dbStore, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("storing vm collections in sqlite %s", cfg.DBPath)
		return store.NewSQLiteBackend(dbStore, sessions, cfg.Retention()), dbStore, nil
	case config.StoreBadger:
		backend, err := store.OpenBadger(cfg.BadgerDir, sessions, cfg.Retention())
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("storing vm collections in badger %s", cfg.BadgerDir)
		return backend, nil, nil
	default:
		sealer, err := openSealer(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return &store.CookieBackend{
			Name:   cfg.CookieName,
			MaxAge: cfg.Retention(),
			Secure: cfg.CookieSecure,
			Sealer: sealer,
			Logger: logger,
		}, nil, nil
	}
}

func openSealer(cfg config.Config, logger *log.Logger) (*secrets.Sealer, error) {
	if cfg.CookieKeyPath == "" {
		logger.Printf("cookie_key_path not set; using an ephemeral key, cookies will not survive a restart")
		return secrets.GenerateSealer()
	}
	sealer, err := secrets.LoadOrCreateSealer(cfg.CookieKeyPath)
	if err != nil {
		return nil, err
	}
	warn, err := config.CheckKeyPermissions(cfg.CookieKeyPath)
	if err != nil {
		return nil, err
	}
	if warn != "" {
		logger.Printf("warning: %s", warn)
	}
	return sealer, nil
}

// NewService binds listeners and builds the HTTP handlers.
func NewService(cfg config.Config, opts Options) (*Service, error) {
	if opts.Backend == nil {
		return nil, errors.New("state store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	manager := NewVMManager(opts.Adapter, logger).
		WithDefaults(simulator.CreateOptions{
			Region:         cfg.DefaultRegion,
			InstanceType:   cfg.DefaultInstanceType,
			WindowsVersion: cfg.DefaultWindowsVersion,
		}).
		WithSchedule(simulator.Schedule{BootAfter: cfg.BootAfter(), StopAfter: cfg.StopAfter()}).
		WithMetrics(opts.Metrics).
		WithEvents(opts.Events).
		WithClock(opts.Now)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	api := NewVMAPI(opts.Backend, manager, logger).WithRateLimiter(opts.Limiter)
	if opts.Audit != nil {
		api = api.WithAudit(opts.Audit)
	}
	api.Register(mux)

	var metricsServer *http.Server
	var metricsListener net.Listener
	if opts.Metrics != nil {
		if cfg.MetricsListen == "" {
			mux.Handle("/metrics", opts.Metrics.Handler())
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", opts.Metrics.Handler())
			metricsServer = newHTTPServer(metricsMux)
		}
	}

	listener := opts.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
	}
	if metricsServer != nil {
		var err error
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	return &Service{
		cfg:             cfg,
		logger:          logger,
		backend:         opts.Backend,
		listener:        listener,
		server:          newHTTPServer(mux),
		metricsListener: metricsListener,
		metricsServer:   metricsServer,
		pruneInterval:   defaultPruneInterval,
		closers:         opts.Closers,
	}, nil
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// Addr returns the bound API address.
func (s *Service) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is canceled or a listener fails.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Printf("listening on %s (store=%s)", s.Addr(), s.backend.Kind())
	s.startPruner(ctx)

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.server.Serve(s.listener) }()
	if s.metricsServer != nil {
		servers++
		s.logger.Printf("serving metrics on %s", s.metricsListener.Addr())
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	for _, closeFn := range s.closers {
		closeFn()
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Printf("close %s store: %v", s.backend.Kind(), err)
	}
}

type pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// startPruner deletes expired collections for backends that do not expire
// entries themselves.
func (s *Service) startPruner(ctx context.Context) {
	p, ok := s.backend.(pruner)
	if !ok || s.pruneInterval <= 0 {
		return
	}
	s.runPruner(ctx, p)
}

// runPruner prunes once immediately and then on every interval tick until
// ctx is canceled.
func (s *Service) runPruner(ctx context.Context, p pruner) {
	s.prune(ctx, p)
	ticker := time.NewTicker(s.pruneInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.prune(ctx, p)
			}
		}
	}()
}

func (s *Service) prune(ctx context.Context, p pruner) {
	n, err := p.Prune(ctx)
	if err != nil {
		s.logger.Printf("prune expired collections: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("pruned %d expired collections", n)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
