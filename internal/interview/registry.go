package interview

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/interview-live/internal/agent"
	"github.com/ashureev/interview-live/internal/assessment"
	"github.com/ashureev/interview-live/internal/broadcast"
	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
	"github.com/ashureev/interview-live/internal/stage"
	"github.com/google/uuid"
)

var interviewIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Config controls session behavior.
type Config struct {
	StageAdvanceThreshold int
	MaxMessageLength      int
	IdleTimeout           time.Duration
	EvictAfter            time.Duration
	ArchiveRetention      time.Duration
	Assessment            assessment.Config
	SubscriberBuffer      int
}

// DefaultConfig returns threshold 4, 4000-rune messages, a 30 minute idle
// timeout, eviction 10 minutes after end and a 7 day archive.
func DefaultConfig() Config {
	return Config{
		StageAdvanceThreshold: stage.DefaultThreshold,
		MaxMessageLength:      4000,
		IdleTimeout:           30 * time.Minute,
		EvictAfter:            10 * time.Minute,
		ArchiveRetention:      7 * 24 * time.Hour,
		Assessment:            assessment.DefaultConfig(),
		SubscriberBuffer:      defaultSubQueue,
	}
}

// Option configures a Registry.
type Option func(*env)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *env) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMirror publishes every session event to m.
func WithMirror(m broadcast.Mirror) Option {
	return func(e *env) { e.mirror = m }
}

// WithConversationLogger records every appended message.
func WithConversationLogger(l agent.ConversationLogger) Option {
	return func(e *env) {
		if l != nil {
			e.convLog = l
		}
	}
}

// WithArchive saves terminal sessions and serves lookups of evicted ones.
func WithArchive(a Archive) Option {
	return func(e *env) { e.archive = a }
}

// WithRubric overrides the default scoring rubric.
func WithRubric(r *assessment.Rubric) Option {
	return func(e *env) {
		if r != nil {
			e.rubric = r
		}
	}
}

// WithEvictHook calls fn with the interview id whenever the sweeper evicts an
// ended session, before its subscriptions are closed.
func WithEvictHook(fn func(interviewID string)) Option {
	return func(e *env) { e.onEvict = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *env) {
		if now != nil {
			e.now = now
		}
	}
}

// env is shared by every session of a registry.
type env struct {
	router     *agent.Router
	catalog    *persona.Catalog
	sequencer  *stage.Sequencer
	rubric     *assessment.Rubric
	assessment assessment.Config
	maxLength  int
	subBuffer  int

	mirror  broadcast.Mirror
	convLog agent.ConversationLogger
	archive Archive
	onEvict func(string)
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// OpenOptions carries the data needed to create a session.
type OpenOptions struct {
	InitialContext string
	CandidateID    string
}

// Registry maps interview ids to live sessions.
type Registry struct {
	cfg Config
	env *env

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry whose sessions reply through router.
func NewRegistry(router *agent.Router, cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.StageAdvanceThreshold <= 0 {
		cfg.StageAdvanceThreshold = def.StageAdvanceThreshold
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = def.ArchiveRetention
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}

	catalog := router.Catalog()
	e := &env{
		router:     router,
		catalog:    catalog,
		sequencer:  stage.New(catalog, cfg.StageAdvanceThreshold),
		rubric:     assessment.DefaultRubric(),
		assessment: cfg.Assessment,
		maxLength:  cfg.MaxMessageLength,
		subBuffer:  cfg.SubscriberBuffer,
		convLog:    agent.NopConversationLogger{},
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return &Registry{
		cfg:      cfg,
		env:      e,
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Threshold returns the stage advance gate.
func (r *Registry) Threshold() int {
	return r.env.sequencer.Threshold()
}

// Open creates the session for id or attaches to the live one. An empty id
// allocates a new one. Opening an ended interview, live or archived, fails
// with domain.ErrSessionClosed; a still-live ended session is returned
// alongside that error for read-only use.
func (r *Registry) Open(ctx context.Context, id string, opts OpenOptions) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !interviewIDPattern.MatchString(id) {
		return nil, &domain.ValidationError{Field: "interviewId", Reason: "must be 1-128 characters of letters, digits, '-' or '_'"}
	}

	if s, err := r.Get(id); err == nil {
		if s.Terminal() {
			return s, domain.ErrSessionClosed
		}
		return s, nil
	}

	if r.env.archive != nil {
		rec, err := r.env.archive.GetInterview(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup archived interview: %w", err)
		}
		if rec != nil {
			return nil, domain.ErrSessionClosed
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrSessionClosed
	}
	if s, ok := r.sessions[id]; ok {
		if s.Terminal() {
			return s, domain.ErrSessionClosed
		}
		return s, nil
	}
	s, err := newSession(r.env, id, opts)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	r.env.logger.Info("[SESSION] interview created",
		"interview_id", id,
		"candidate_id", opts.CandidateID,
		"has_context", opts.InitialContext != "",
		"sessions", len(r.sessions),
	)
	return s, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// GetSession returns the accessor view for id, falling back to the archive
// once the live session has been evicted.
func (r *Registry) GetSession(ctx context.Context, id string) (State, error) {
	if s, err := r.Get(id); err == nil {
		st, err := s.State(ctx)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil {
			return State{}, err
		}
	}
	if r.env.archive == nil {
		return State{}, domain.ErrSessionNotFound
	}
	rec, err := r.env.archive.GetInterview(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("get archived interview: %w", err)
	}
	if rec == nil {
		return State{}, domain.ErrSessionNotFound
	}
	return stateFromRecord(rec), nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// evict removes s from the registry and stops its actor.
func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	if r.env.onEvict != nil {
		r.env.onEvict(s.id)
	}
	s.close()
}

// Close stops every session and waits for pending archive writes.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.env.wg.Wait()
	r.env.logger.Info("[SESSION] registry closed", "sessions", len(sessions))
}
