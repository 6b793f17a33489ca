// ABOUTME: Gateway orchestrator that wires the store, bus, locks, and services behind one HTTP server
// ABOUTME: Manages the lock sweeper, followup scheduler, listener setup, and health endpoints lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/clock"
	"github.com/2389/parlor/internal/config"
	"github.com/2389/parlor/internal/content"
	"github.com/2389/parlor/internal/conversation"
	"github.com/2389/parlor/internal/dedupe"
	"github.com/2389/parlor/internal/followup"
	"github.com/2389/parlor/internal/ledger"
	"github.com/2389/parlor/internal/lock"
	"github.com/2389/parlor/internal/realtime"
	"github.com/2389/parlor/internal/store"
)

// Gateway orchestrates the parlor server components.
// It owns one HTTP server for the API, the SSE stream, and health checks.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	bus          *realtime.Bus
	ledger       *ledger.Ledger
	locks        *lock.Coordinator
	conversation *conversation.Service
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	clock        clock.Clock
	logger       *slog.Logger

	// followups is nil when followups.disabled is set
	followups *followup.Scheduler

	// dedupe remembers Idempotency-Key headers on message sends
	dedupe *dedupe.Cache

	// verifier is nil in trusted-header mode
	verifier *auth.JWTVerifier
}

// Option customizes a Gateway at construction.
type Option func(*options)

type options struct {
	clock     clock.Clock
	generator content.Generator
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithGenerator replaces the generator built from the content config.
func WithGenerator(g content.Generator) Option {
	return func(o *options) { o.generator = g }
}

// newGenerator builds the content generator named by content.provider.
func newGenerator(cfg *config.Config, humanizer *content.Humanizer, logger *slog.Logger) (content.Generator, error) {
	var gen content.Generator
	switch cfg.Content.Provider {
	case "openai":
		llm, err := content.NewOpenAI(cfg.Content.BaseURL, cfg.Content.APIKey, cfg.Content.Model, content.LLMConfig{
			MaxTokens:   cfg.Content.MaxTokens,
			Temperature: cfg.Content.Temperature,
			Timeout:     cfg.Content.Timeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating openai generator: %w", err)
		}
		gen = llm
	default:
		logger.Info("content generation disabled; automated replies and nudges are off")
		return content.None{}, nil
	}

	if humanizer != nil {
		gen = content.Humanized{Next: gen, Humanizer: humanizer}
	}
	return gen, nil
}

// messageCosts converts the billing table to message kinds.
func messageCosts(cfg *config.Config) map[store.MessageKind]int64 {
	costs := make(map[store.MessageKind]int64, len(cfg.Billing.Costs))
	for kind := range cfg.Billing.Costs {
		costs[store.MessageKind(kind)] = cfg.Cost(kind)
	}
	return costs
}

// New creates a new Gateway instance with the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("no jwt_secret configured; trusting identity headers from the upstream proxy")
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithClock(o.clock),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	var humanizer *content.Humanizer
	if cfg.Automation.Humanize || cfg.Automation.ReplyJitter > 0 {
		humanizer = content.NewHumanizer(content.DefaultHumanizerConfig, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
	}

	generator := o.generator
	if generator == nil {
		var textHumanizer *content.Humanizer
		if cfg.Automation.Humanize {
			textHumanizer = humanizer
		}
		generator, err = newGenerator(cfg, textHumanizer, logger)
		if err != nil {
			_ = sqlStore.Close()
			return nil, err
		}
	}

	bus := realtime.NewBus(logger)

	locks := lock.New(sqlStore, lock.Config{
		TTL:           cfg.Locks.TTL,
		SweepInterval: cfg.Locks.SweepInterval,
		Clock:         o.clock,
		Publisher:     bus,
		Logger:        logger,
	})

	svc := conversation.New(sqlStore, conversation.Config{
		Costs:            messageCosts(cfg),
		HistoryLimit:     cfg.Automation.HistoryLimit,
		FirstDelay:       cfg.Followups.FirstDelay,
		ReplyDelay:       cfg.Automation.ReplyDelay,
		ReplyJitter:      cfg.Automation.ReplyJitter,
		DisableAutoReply: cfg.Automation.DisableAutoReply,
		Clock:            o.clock,
		Generator:        generator,
		Humanizer:        humanizer,
		Publisher:        bus,
		Locks:            locks,
		Logger:           logger,
	})

	gw := &Gateway{
		config:       cfg,
		store:        sqlStore,
		bus:          bus,
		ledger:       ledger.New(sqlStore, logger),
		locks:        locks,
		conversation: svc,
		clock:        o.clock,
		logger:       logger,
		dedupe:       dedupe.New(cfg.Idempotency.TTL, dedupe.DefaultMaxSize, dedupe.WithClock(o.clock)),
		verifier:     verifier,
	}

	if !cfg.Followups.Disabled {
		gw.followups = followup.New(sqlStore, svc, followup.Config{
			SecondDelay: cfg.Followups.SecondDelay,
			Clock:       o.clock,
			Generator:   generator,
			Logger:      logger,
		})
		svc.SetFollowups(gw.followups)
	} else {
		logger.Info("followup nudges disabled")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning the error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the lock sweeper and the HTTP server and blocks until the
// context is canceled. Returns nil on graceful shutdown, or the error of
// a failed server.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = g.locks.Run(sweepCtx)
	}()

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopSweep()
	<-sweepDone

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, cancels every pending followup, waits
// for in-flight automated replies, then closes the bus and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.followups != nil {
		g.followups.Close()
	}
	g.conversation.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.bus.Close()
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
