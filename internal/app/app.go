// Package app wires configuration into a running jobline service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"jobline/internal/auth"
	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/events"
	"jobline/internal/jobs"
	"jobline/internal/logging"
	"jobline/internal/migrate"
	"jobline/internal/process"
	"jobline/internal/server"
	"jobline/internal/store"
	"jobline/internal/webhook"
)

const pruneInterval = time.Hour

// Options override parts of the wiring, mostly for tests.
type Options struct {
	Log        *logrus.Logger
	Transport  events.Transport
	HTTPClient *http.Client
}

// Service owns every long-lived component of one process.
type Service struct {
	Config      *config.Config
	Log         *logrus.Logger
	Jobs        *jobs.Registry
	Coordinator *engine.Coordinator
	Issuer      *auth.Issuer
	Validator   *auth.Validator
	Transport   events.Transport
	Publisher   *events.Publisher
	// Subscriber is nil when disabled or when nothing is bound.
	Subscriber *events.Subscriber
	Store      *store.Store
	Webhooks   *webhook.Forwarder
	Handler    http.Handler

	db     *sql.DB
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// Build constructs the service without starting background consumers.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		var err error
		log, err = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.Service.Name})
		if err != nil {
			return nil, err
		}
	}
	s := &Service{Config: cfg, Log: log}

	authCfg := auth.Config{Secret: cfg.Auth.Secret, Algorithm: cfg.Auth.Algorithm}
	s.Issuer = auth.NewIssuer(authCfg)
	s.Validator = auth.NewValidator(authCfg)

	var (
		journal events.Journal
		ledger  events.Deduper
		lister  server.DeliveryLister
	)
	if cfg.Storage.Enabled {
		conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.db = conn
		s.Store = store.New(conn)
		journal, ledger, lister = s.Store, s.Store, s.Store
	}

	s.Transport = opts.Transport
	if s.Transport == nil {
		t, err := NewTransport(cfg.Broker, log)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.Transport = t
	}
	s.Publisher = events.NewPublisher(s.Transport, journal, events.PublisherConfig{
		Buffer:          cfg.Publisher.Buffer,
		MaxAttempts:     cfg.Publisher.MaxAttempts,
		Backoff:         events.ExponentialJitter{Initial: cfg.Publisher.BackoffInitial, Max: cfg.Publisher.BackoffMax},
		SendTimeout:     cfg.Publisher.SendTimeout,
		BreakerFailures: uint32(cfg.Publisher.BreakerFailures),
		BreakerTimeout:  cfg.Publisher.BreakerTimeout,
	}, log)

	s.Jobs = jobs.NewRegistry()
	s.Coordinator = engine.New(s.Jobs, log)
	s.Coordinator.Events = s.Publisher
	s.Coordinator.Timeout = cfg.Jobs.Timeout
	s.Coordinator.Register(domain.KindNoop, engine.NoopExecutor{})
	s.Coordinator.Register(domain.KindPreprocess, process.Executor{})
	s.Coordinator.Register(domain.KindIndexDataset, engine.IndexExecutor{
		URL:     cfg.Indexer.URL,
		Service: cfg.Service.Name,
		Tokens:  s.Issuer,
		Client:  opts.HTTPClient,
	})

	var hooks []webhook.Hook
	for _, h := range cfg.Webhooks {
		if h.Active() {
			hooks = append(hooks, webhook.Hook{URL: h.URL, Events: h.Events, Secret: h.Secret, Timeout: h.Timeout})
		}
	}
	s.Webhooks = webhook.New(hooks, log)
	if opts.HTTPClient != nil {
		s.Webhooks.Client = opts.HTTPClient
	}

	if cfg.Subscriber.Enabled {
		sub, err := events.NewSubscriber(s.Transport, ledger, events.SubscriberConfig{
			Queue:           cfg.Broker.Queue,
			DedupSize:       cfg.Subscriber.DedupSize,
			Workers:         cfg.Subscriber.Workers,
			RateLimit:       cfg.Subscriber.Rate,
			Burst:           cfg.Subscriber.Burst,
			Retry:           events.ExponentialJitter{Initial: cfg.Subscriber.RetryInitial, Max: cfg.Subscriber.RetryMax},
			MaxRedeliveries: cfg.Subscriber.MaxRedeliveries,
		}, log)
		if err != nil {
			s.abort()
			return nil, err
		}
		if len(cfg.Broker.Bindings) > 0 {
			sub.HandleNamed(indexHandlerName, cfg.Broker.Bindings, IndexOnDatasetChange(s.Coordinator, log))
		}
		for _, r := range s.Webhooks.Routes() {
			sub.HandleNamed(r.Name, r.Patterns, r.Handler)
		}
		if len(sub.Bindings()) > 0 {
			s.Subscriber = sub
		} else {
			log.Warn("subscriber enabled but nothing is bound; not consuming")
		}
	}

	handler, err := server.New(server.Config{
		Coordinator: s.Coordinator,
		Jobs:        s.Jobs,
		Events:      s.Publisher,
		Deliveries:  lister,
		Auth:        s.Validator,
		BasePath:    cfg.HTTP.BasePath,
		Service:     cfg.Service.Name,
		Log:         log,
	})
	if err != nil {
		s.abort()
		return nil, err
	}
	s.Handler = handler
	return s, nil
}

// Start launches the subscriber and ledger maintenance.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.Subscriber != nil {
		if err := s.Subscriber.Start(ctx); err != nil {
			cancel()
			return err
		}
	}
	if s.Store != nil && s.Config.Subscriber.LedgerRetention > 0 {
		s.bg.Add(1)
		go s.pruneLedger(ctx)
	}
	return nil
}

func (s *Service) pruneLedger(ctx context.Context) {
	defer s.bg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.Config.Subscriber.LedgerRetention)
			n, err := s.Store.PruneSeen(ctx, cutoff)
			if err != nil {
				s.Log.WithError(err).Warn("prune event ledger")
				continue
			}
			if n > 0 {
				s.Log.WithField("removed", n).Debug("pruned event ledger")
			}
		}
	}
}

// Serve listens on the configured address until ctx is done.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Config.HTTP.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves the API on ln until ctx is done, then shuts the HTTP
// server down gracefully.
func (s *Service) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.Log.WithField("addr", ln.Addr().String()).Info("http api listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops consumers, waits for running jobs, drains the publisher and
// releases the broker and database.
func (s *Service) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.Subscriber != nil {
		s.Subscriber.Wait()
	}
	s.bg.Wait()
	var errs []error
	if err := s.Coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator: %w", err))
	}
	if err := s.Publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	if err := s.Transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if err := s.closeDB(); err != nil {
		errs = append(errs, fmt.Errorf("db: %w", err))
	}
	return errors.Join(errs...)
}

// abort releases what Build opened so far.
func (s *Service) abort() {
	if s.Publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.Publisher.Close(ctx)
		cancel()
	}
	if s.Coordinator != nil {
		_ = s.Coordinator.Shutdown(context.Background())
	}
	if s.Transport != nil {
		_ = s.Transport.Close()
	}
	_ = s.closeDB()
}

func (s *Service) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
