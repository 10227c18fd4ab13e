// ABOUTME: Gateway orchestrator that wires store, cache, responder, Telegram, and the state engine
// ABOUTME: Runs the HTTP server, ingestion poller, and reactivation timer under one errgroup

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/cache"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/responder"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/telegram"
)

// cursorSource names the Telegram cursor row.
const cursorSource = "telegram"

// Gateway orchestrates the switchboard server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	audit        store.AuditStore
	cache        *cache.Layer
	hub          *conversation.Hub
	conversation *conversation.Service
	reactivator  *conversation.Reactivator
	dispatcher   *responder.Dispatcher // nil when automated answers are off
	telegram     *telegram.Client      // nil when Telegram is disabled
	poller       *ingest.Poller        // nil when Telegram is disabled
	verifier     auth.TokenVerifier    // nil when auth is disabled
	httpServer   *http.Server
	logger       *slog.Logger
	startedAt    time.Time
}

// initStore creates the SQLite store.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCache creates the cache layer for the configured backend.
func initCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cache.Layer, error) {
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		backend, err := cache.NewRedisBackend(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("cache backend: redis")
		return cache.NewLayer(backend, logger), nil
	default:
		logger.Info("cache backend: memory", "max_entries", cfg.Cache.MaxEntries)
		return cache.NewLayer(cache.NewMemoryBackend(cfg.Cache.MaxEntries), logger), nil
	}
}

// initDispatcher creates the responder dispatcher, or nil when no backend is configured.
func initDispatcher(cfg *config.Config, logger *slog.Logger) *responder.Dispatcher {
	rc := cfg.Responder

	var backend responder.Backend
	switch rc.Backend {
	case "webhook":
		var opts []responder.WebhookOption
		if rc.InsecureSkipVerify {
			logger.Warn("responder TLS verification disabled")
			opts = append(opts, responder.WithInsecureSkipVerify())
		}
		backend = responder.NewWebhookBackend(rc.WebhookURL, opts...)
	case "openai":
		backend = responder.NewOpenAIBackend(responder.OpenAIConfig{
			APIKey:       rc.OpenAI.APIKey,
			BaseURL:      rc.OpenAI.BaseURL,
			Model:        rc.OpenAI.Model,
			SystemPrompt: rc.OpenAI.SystemPrompt,
		})
	default:
		logger.Warn("no responder backend configured, automated answers disabled")
		return nil
	}

	logger.Info("responder enabled", "backend", rc.Backend)
	return responder.NewDispatcher(backend, responder.Config{
		Timeout:          rc.Timeout.D(),
		MaxAttempts:      rc.MaxAttempts,
		BackoffMin:       rc.BackoffMin.D(),
		BackoffMax:       rc.BackoffMax.D(),
		FailureThreshold: rc.FailureThreshold,
		Cooldown:         rc.CircuitCooldown.D(),
	}, logger)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	layer, err := initCache(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		audit:      s,
		cache:      layer,
		hub:        conversation.NewHub(cfg.Broadcast.SendTimeout.D(), logger),
		dispatcher: initDispatcher(cfg, logger),
		logger:     logger.With("component", "gateway"),
		startedAt:  time.Now(),
	}

	svcCfg := conversation.Config{
		Store:           s,
		Cache:           layer,
		Hub:             gw.hub,
		Platform:        "telegram",
		DeliveryTimeout: cfg.Telegram.RequestTimeout.D(),
		SendFallback:    cfg.Responder.SendFallback == nil || *cfg.Responder.SendFallback,
		TTLs: conversation.TTLs{
			Conversation: cfg.Cache.ConversationTTL.D(),
			List:         cfg.Cache.ListTTL.D(),
			Messages:     cfg.Cache.MessagesTTL.D(),
			Stats:        cfg.Cache.StatsTTL.D(),
		},
		Logger: logger,
	}
	if gw.dispatcher != nil {
		svcCfg.Dispatcher = gw.dispatcher
	}

	if cfg.Telegram.Enabled {
		client, err := telegram.NewClient(cfg.Telegram.BotToken,
			telegram.WithAPIURL(cfg.Telegram.APIURL),
			telegram.WithRequestTimeout(cfg.Telegram.RequestTimeout.D()),
			telegram.WithPollTimeout(cfg.Telegram.PollTimeout.D()),
			telegram.WithLogger(logger),
		)
		if err != nil {
			gw.closeResources()
			return nil, fmt.Errorf("creating telegram client: %w", err)
		}
		gw.telegram = client
		svcCfg.Sender = client
	} else {
		logger.Warn("telegram disabled, no ingestion or upstream delivery")
	}

	gw.conversation = conversation.New(svcCfg)
	gw.reactivator = conversation.NewReactivator(gw.conversation,
		cfg.Reactivation.Interval.D(), cfg.Reactivation.SilenceThreshold.D(), logger)

	if gw.telegram != nil && cfg.Telegram.Mode == "webhook" {
		logger.Info("ingestion enabled", "mode", "webhook")
	} else if gw.telegram != nil {
		cursor, err := ingest.LoadCursor(ctx, cursorSource, s)
		if err != nil {
			gw.closeResources()
			return nil, fmt.Errorf("loading ingest cursor: %w", err)
		}
		gw.poller = ingest.NewPoller(gw.telegram, ingest.HandlerFunc(gw.HandleEvent), cursor, ingest.PollerConfig{
			MaxWait:          cfg.Telegram.PollTimeout.D(),
			BatchSize:        cfg.Telegram.BatchSize,
			ErrorBackoff:     cfg.Telegram.ErrorBackoff.D(),
			MaxEventAttempts: cfg.Telegram.MaxEventAttempts,
		}, logger)
		logger.Info("ingestion enabled", "mode", "polling", "cursor", cursor.Value())
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.closeResources()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		logger.Info("operator API auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API, health check, and event stream.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server, the ingestion poller, and the reactivation
// timer, and blocks until ctx is cancelled or one of them fails. It always
// shuts the gateway down before returning. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		g.closeResources()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if link := g.config.Telegram.WebhookURL; g.telegram != nil && g.config.Telegram.Mode == "webhook" && link != "" {
		if err := g.telegram.SetWebhook(ctx, link); err != nil {
			g.logger.Error("failed to register telegram webhook", "error", err)
		} else {
			g.logger.Info("telegram webhook registered")
		}
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	// Stop the HTTP server when the group is cancelled
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	})

	if g.poller != nil {
		group.Go(func() error {
			return g.poller.Run(gctx)
		})
	}

	group.Go(func() error {
		return g.reactivator.Run(gctx)
	})

	runErr := group.Wait()
	if runErr != nil {
		g.logger.Error("gateway stopped with error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout.D())
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown waits for in-flight dispatches, then closes observers, cache, and
// store. The HTTP server is stopped by Serve.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "dispatch drain", g.conversation.Shutdown(ctx))
	errs = append(errs, g.closeResources()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeResources releases hub, cache, and store.
func (g *Gateway) closeResources() []error {
	var errs []error
	if g.hub != nil {
		g.hub.Close()
	}
	if g.cache != nil {
		errs = appendCloseError(errs, "cache close", g.cache.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status      string  `json:"status"`
	Uptime      string  `json:"uptime"`
	Observers   int     `json:"observers"`
	Ingestion   bool    `json:"ingestion"`
	Responder   string  `json:"responder"`
	CircuitOpen bool    `json:"circuit_open"`
	Failures    int     `json:"consecutive_failures"`
	Database    string  `json:"database"`
	Error       *string `json:"error,omitempty"`
}

// handleHealth reports liveness plus the responder circuit and database state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(g.startedAt).Round(time.Second).String(),
		Observers: g.hub.Len(),
		Ingestion: g.poller != nil,
		Responder: "disabled",
		Database:  "ok",
	}

	if g.dispatcher != nil {
		resp.Responder = g.config.Responder.Backend
		resp.Failures, resp.CircuitOpen = g.dispatcher.State()
	}

	status := http.StatusOK
	if _, err := g.store.Stats(r.Context()); err != nil {
		msg := err.Error()
		resp.Status = "degraded"
		resp.Database = "error"
		resp.Error = &msg
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
