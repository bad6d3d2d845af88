package starcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var messageCleanupInterval = time.Hour

// Starcore is the request-admission and session-state core: the
// rate limiter gating every inbound command, the durable
// conversation/usage store, the streaming dispatch path to the upstream
// model API, and the coordinator tying them together.
//
// The chat-platform gateway is external: it hands authenticated
// invocations to Coordinator() and renders the streamed fragments or
// typed denials it gets back.
type Starcore struct {
	config *Config
	logger *slog.Logger

	db          *gorm.DB
	store       *ConversationStore
	limiter     *RateLimiter
	modelClient *ModelClient
	coordinator *RequestCoordinator
	api         *API

	// signalStop allows an in-process shutdown without cancelling the
	// parent context
	signalStop chan struct{}
}

// New validates the configuration and assembles the core. The database
// is opened and migrated here; nothing runs until Run.
func New(config *Config) (*Starcore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	handler := newLogHandler(config.LogLevel)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	startupCtx, cancel := context.WithTimeout(
		context.Background(), config.StartupTimeout,
	)
	defer cancel()

	dbHandler := newLogHandler(config.DatabaseLogLevel)
	db, err := CreateDB(
		startupCtx,
		config.DatabaseType,
		config.Database,
		dbHandler,
		config.DatabaseSlowThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	s := &Starcore{
		config:     config,
		logger:     logger,
		db:         db,
		signalStop: make(chan struct{}, 1),
	}
	s.store = NewConversationStore(db, logger)
	s.limiter = NewRateLimiter(config.RateLimit, logger)
	s.modelClient = NewModelClient(config.Model, config.HTTPClient)
	s.coordinator = NewRequestCoordinator(
		s.store, s.limiter, s.modelClient, config, logger,
	)
	if config.API != nil && config.API.Enabled {
		s.api = newAPI(config.API, s.store, s.limiter)
	}

	return s, nil
}

// Coordinator returns the dispatch surface for the gateway layer.
func (s *Starcore) Coordinator() *RequestCoordinator {
	return s.coordinator
}

// Store returns the durable store, for admin tooling.
func (s *Starcore) Store() *ConversationStore {
	return s.store
}

// Stop triggers a graceful in-process shutdown.
func (s *Starcore) Stop() {
	select {
	case s.signalStop <- struct{}{}:
	default:
	}
}

// Run starts the background maintenance loops (quota-key sweeping and
// message-retention pruning) and, when enabled, the stats API, then
// blocks until the context is cancelled or Stop is called.
func (s *Starcore) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.InfoContext(runCtx, "starting", "config", s.config)

	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(runCtx)
	}()

	apiErrCh := make(chan error, 1)
	if s.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.api.Serve(runCtx, s.config.ShutdownTimeout); err != nil {
				apiErrCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-runCtx.Done():
		s.logger.Warn("context cancelled, shutting down")
	case <-s.signalStop:
		s.logger.Info("stop requested, shutting down")
	case runErr = <-apiErrCh:
		s.logger.Error("stats API failed", tint.Err(runErr))
	}

	cancel()
	wg.Wait()
	s.logger.Info("shutdown complete")
	return runErr
}

// maintenanceLoop periodically evicts stale quota counters and prunes
// captured messages past the retention period.
func (s *Starcore) maintenanceLoop(ctx context.Context) {
	sweepTicker := time.NewTicker(quotaSweepInterval)
	defer sweepTicker.Stop()
	cleanupTicker := time.NewTicker(messageCleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.limiter.Sweep()
		case <-cleanupTicker.C:
			if _, err := s.store.CleanupOldMessages(
				ctx, DefaultMessageRetention,
			); err != nil {
				s.logger.Warn("message cleanup failed", tint.Err(err))
			}
		}
	}
}
