// Package api serves the ingestion REST surface and the dashboard queries.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/ingest"
	"github.com/ethpandaops/journeyoor/pkg/report"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Handler returns the router. Without WithStore it is only usable
	// after Start.
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Option configures a Server.
type Option func(*server)

// WithStore serves from an already started store. The caller keeps
// ownership and stops it.
func WithStore(s store.Store) Option {
	return func(srv *server) {
		srv.store = s
		srv.ownsStore = false
	}
}

// WithClock sets the time source of the dashboard queries.
func WithClock(now func() time.Time) Option {
	return func(srv *server) {
		srv.now = now
	}
}

// WithReports enables presigned links to uploaded run reports.
func WithReports(cfg *config.S3UploadConfig) Option {
	return func(srv *server) {
		srv.reportsCfg = cfg
	}
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	ownsStore  bool
	now        func() time.Time
	reportsCfg *config.S3UploadConfig

	metrics   *metrics
	keys      *keyVerifier
	queries   *report.Service
	presigner *s3Presigner
	processor ingest.Processor

	prepareOnce sync.Once
	prepareErr  error
	router      http.Handler

	httpServer *http.Server
	wg         sync.WaitGroup

	// done is closed by Stop and ends background loops owned by the router.
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	opts ...Option,
) Server {
	s := &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		ownsStore: true,
		now:       time.Now,
		metrics:   newMetrics(),
		keys:      newKeyVerifier(cfg.Auth.Keys),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler builds the router on first use.
func (s *server) Handler() http.Handler {
	if err := s.prepare(); err != nil {
		s.log.WithError(err).Error("Failed to prepare router")

		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
		})
	}

	return s.router
}

func (s *server) prepare() error {
	s.prepareOnce.Do(func() {
		s.queries = report.NewService(s.log, s.store, s.cfg.Query, s.now)

		if s.reportsCfg != nil && s.reportsCfg.Enabled {
			presigner, err := newS3Presigner(s.log, s.reportsCfg, defaultPresignExpiry)
			if err != nil {
				s.prepareErr = fmt.Errorf("initializing s3 presigner: %w", err)

				return
			}

			s.presigner = presigner
		}

		s.router = s.buildRouter()
	})

	return s.prepareErr
}

// Start opens the store, starts the HTTP server and, when enabled, the
// background raw log processor.
func (s *server) Start(ctx context.Context) error {
	if s.store == nil {
		s.store = store.NewStore(s.log, &s.cfg.Database)
		if err := s.store.Start(ctx); err != nil {
			return fmt.Errorf("starting store: %w", err)
		}
	}

	if err := s.prepare(); err != nil {
		return err
	}

	if s.keys.open() {
		s.log.Warn("No ingestion keys configured, the REST surface accepts anonymous writes")
	}

	if s.presigner != nil {
		s.log.Info("S3 presigned report links enabled")
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// The processor starts after the server is listening so the first,
	// possibly long, pass does not delay readiness.
	if s.cfg.Processing.Enabled {
		logger := ingest.NewLogger(s.log, &config.StoreConfig{MaxRetries: 1},
			ingest.WithSink(ingest.NewStoreSink(s.store)))

		s.processor = ingest.NewProcessor(s.log, logger, s.cfg.Processing,
			ingest.WithPassHook(s.metrics.observePass))

		if err := s.processor.Start(ctx); err != nil {
			return fmt.Errorf("starting processor: %w", err)
		}

		s.log.Info("Raw log processing enabled")
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.processor != nil {
		if err := s.processor.Stop(); err != nil {
			s.log.WithError(err).Warn("Processor stop error")
		}
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.store != nil && s.ownsStore {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
