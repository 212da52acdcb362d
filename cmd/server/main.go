// Interview Live - multi-persona interview session server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/interview-live/internal/agent"
	"github.com/ashureev/interview-live/internal/api"
	"github.com/ashureev/interview-live/internal/assessment"
	"github.com/ashureev/interview-live/internal/broadcast"
	"github.com/ashureev/interview-live/internal/config"
	"github.com/ashureev/interview-live/internal/gateway"
	"github.com/ashureev/interview-live/internal/identity"
	"github.com/ashureev/interview-live/internal/interview"
	"github.com/ashureev/interview-live/internal/middleware"
	"github.com/ashureev/interview-live/internal/store"
	"github.com/ashureev/interview-live/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "agent_backend", cfg.Agent.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.ServiceVersion,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	rubric := assessment.DefaultRubric()
	if cfg.Interview.RubricPath != "" {
		rubric, err = assessment.LoadRubric(cfg.Interview.RubricPath)
		if err != nil {
			return fmt.Errorf("load rubric: %w", err)
		}
		slog.Info("Rubric loaded", "path", cfg.Interview.RubricPath)
	}

	responder, closeResponder, err := newResponder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeResponder()

	router := agent.NewRouter(responder, nil, agent.RouterConfig{
		Timeout:      cfg.Agent.Timeout,
		RetryTimeout: cfg.Agent.RetryTimeout,
	}, logger)

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if err := conversationLogger.Close(); err != nil {
			slog.Warn("Failed to close conversation logger", "error", err)
		}
	}()

	opts := []interview.Option{
		interview.WithLogger(logger),
		interview.WithArchive(repo),
		interview.WithRubric(rubric),
		interview.WithConversationLogger(conversationLogger),
	}
	if cfg.Redis.Addr != "" {
		mirror, err := broadcast.NewRedisMirror(broadcast.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		}, logger)
		if err != nil {
			slog.Warn("Event mirror disabled", "error", err, "addr", cfg.Redis.Addr)
		} else {
			defer mirror.Close()
			opts = append(opts, interview.WithMirror(mirror))
			slog.Info("Event mirror enabled", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.ChannelPrefix)
		}
	}

	policy := gateway.ReconnectPolicy{MaxAttempts: cfg.Reconnect.MaxAttempts, Backoff: cfg.Reconnect.Backoff}
	hub := gateway.NewHub(policy, logger)
	opts = append(opts, interview.WithEvictHook(func(interviewID string) {
		hub.CloseInterview(interviewID, "interview evicted")
	}))

	reg := interview.NewRegistry(router, interview.Config{
		StageAdvanceThreshold: cfg.Interview.StageAdvanceThreshold,
		MaxMessageLength:      cfg.Interview.MaxMessageLength,
		IdleTimeout:           cfg.Interview.IdleTimeout,
		EvictAfter:            cfg.Interview.EvictAfter,
		ArchiveRetention:      cfg.Interview.ArchiveRetention,
		Assessment: assessment.Config{
			TrendWindow:      cfg.Interview.TrendWindow,
			FeedbackEvery:    cfg.Interview.FeedbackEvery,
			FeedbackInterval: cfg.Interview.FeedbackInterval,
		},
	}, opts...)
	defer reg.Close()

	origins := middleware.Origins(cfg.FrontendURL)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, reg, 5*time.Second)
	interviewHandler := api.NewInterviewHandler(reg, repo, policy, logger)
	wsHandler := gateway.NewWebSocketHandler(reg, hub, origins, cfg.IsDevelopment(), logger)
	streamHandler := gateway.NewStreamHandler(reg, policy.Backoff, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	interviewHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// SSE and websocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reg.RunSweeper(gctx, cfg.Interview.SweepInterval)
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// newResponder builds the configured agent backend.
func newResponder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.Responder, func(), error) {
	noop := func() {}
	switch cfg.Agent.Backend {
	case config.BackendGRPC:
		grpcCfg := agent.DefaultGrpcClientConfig()
		grpcCfg.Address = cfg.Agent.GRPCAddr
		slog.Info("Connecting to agent service via gRPC", "address", grpcCfg.Address)
		client, err := agent.NewGrpcResponder(grpcCfg, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("connect agent service: %w", err)
		}
		return client, func() {
			if err := client.Close(); err != nil {
				slog.Warn("Failed to close agent client", "error", err)
			}
		}, nil
	case config.BackendGemini:
		gemini, err := agent.NewGeminiResponder(ctx, cfg.Agent.GeminiAPIKey, cfg.Agent.GeminiModel)
		if err != nil {
			return nil, noop, fmt.Errorf("initialize gemini responder: %w", err)
		}
		slog.Info("Gemini responder initialized")
		return gemini, noop, nil
	default:
		slog.Info("Using static scripted responder")
		return agent.NewStaticResponder(), noop, nil
	}
}
