package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errEmptyReply = errors.New("responder returned an empty reply")

// RouterConfig bounds responder calls.
type RouterConfig struct {
	Timeout      time.Duration
	RetryTimeout time.Duration
	MaxTurns     int
}

// DefaultRouterConfig returns a 10s first attempt, a 4s retry and a 40-turn
// transcript window.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Timeout:      10 * time.Second,
		RetryTimeout: 4 * time.Second,
		MaxTurns:     40,
	}
}

// Reply is the outcome of routing one turn. When Recovered is set, Content
// is the persona's fallback line and Err describes the failure.
type Reply struct {
	PersonaID persona.ID
	Content   string
	Attempts  int
	Recovered bool
	Err       error
}

// Router resolves the active persona and calls the responder with a
// bounded retry budget.
type Router struct {
	responder Responder
	catalog   *persona.Catalog
	cfg       RouterConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewRouter creates a router. Zero config fields take their defaults.
func NewRouter(responder Responder, catalog *persona.Catalog, cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = persona.Default()
	}
	def := DefaultRouterConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = def.RetryTimeout
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	return &Router{
		responder: responder,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/ashureev/interview-live/internal/agent"),
	}
}

// Catalog returns the persona catalog the router resolves against.
func (r *Router) Catalog() *persona.Catalog {
	return r.catalog
}

// Reply produces the next persona turn for stage. It never blocks longer than
// Timeout plus RetryTimeout. A *domain.UnknownPersonaError is returned in Reply.Err with no
// content when the stage has no persona.
func (r *Router) Reply(ctx context.Context, interviewID string, stage domain.Stage, history []domain.Message, initialContext string) Reply {
	d, err := r.catalog.ForStage(stage)
	if err != nil {
		return Reply{Err: err}
	}

	ctx, span := r.tracer.Start(ctx, "agent.reply", trace.WithAttributes(
		attribute.String("interview.id", interviewID),
		attribute.String("persona.id", string(d.ID)),
		attribute.String("interview.stage", string(stage)),
	))
	defer span.End()

	req := Request{
		InterviewID:    interviewID,
		Persona:        d,
		Stage:          stage,
		InitialContext: initialContext,
		Transcript:     BuildTranscript(r.catalog, history, r.cfg.MaxTurns),
	}

	start := time.Now()
	var lastErr error
	attempts := 0
	for _, timeout := range []time.Duration{r.cfg.Timeout, r.cfg.RetryTimeout} {
		if ctx.Err() != nil {
			break
		}
		attempts++
		text, err := r.attempt(ctx, timeout, req)
		if err == nil {
			span.SetAttributes(attribute.Int("agent.attempts", attempts))
			return Reply{PersonaID: d.ID, Content: text, Attempts: attempts}
		}
		lastErr = err
		r.logger.Warn("agent responder attempt failed",
			"interview_id", interviewID,
			"persona_id", d.ID,
			"attempt", attempts,
			"timeout", timeout,
			"error", err,
		)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}

	failure := &domain.AgentResponseTimeoutError{
		PersonaID: string(d.ID),
		Attempts:  attempts,
		Elapsed:   time.Since(start),
		Err:       lastErr,
	}
	span.RecordError(failure)
	span.SetStatus(codes.Error, "responder fallback")
	span.SetAttributes(attribute.Int("agent.attempts", attempts), attribute.Bool("agent.recovered", true))

	return Reply{
		PersonaID: d.ID,
		Content:   d.Fallback,
		Attempts:  attempts,
		Recovered: true,
		Err:       failure,
	}
}

func (r *Router) attempt(ctx context.Context, timeout time.Duration, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := r.responder.Respond(ctx, req)
		done <- result{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("respond: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("respond: %w", res.err)
		}
		text := strings.TrimSpace(res.text)
		if text == "" {
			return "", errEmptyReply
		}
		return text, nil
	}
}
