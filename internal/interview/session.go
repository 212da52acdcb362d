// Package interview owns live interview sessions.
//
// Each Session is an actor: one goroutine reads a command channel and is the
// only code that touches the session's messages, stage, status and scores.
// Persona replies are produced on a worker goroutine and fed back to the
// actor as a command, so ending an interview never waits on the responder.
package interview

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ashureev/interview-live/internal/agent"
	"github.com/ashureev/interview-live/internal/assessment"
	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
	"github.com/ashureev/interview-live/internal/stage"
	"github.com/ashureev/interview-live/internal/store"
)

// Reasons recorded on terminal transitions.
const (
	ReasonCompleted = "completed"
	ReasonIdle      = "idle timeout"
	ReasonFatal     = "persona unavailable"
)

const (
	openingText     = "Interview started. You will meet the technical, HR and behavioral interviewers before closing feedback."
	agentDelayText  = "The interviewer is taking longer than usual to respond. You can keep answering; the conversation will continue."
	completedText   = "The interview has ended. Thank you for your time."
	cancelledText   = "The interview was cancelled after a period of inactivity."
	mirrorTimeout   = 2 * time.Second
	defaultSubQueue = 256
)

type command func()

// turn is one queued user submission.
type turn struct {
	content string
	msgs    []domain.Message
	done    chan turnResult
}

type turnResult struct {
	msgs []domain.Message
	err  error
}

func (t *turn) resolve(err error) {
	t.done <- turnResult{msgs: t.msgs, err: err}
}

type pendingTurn struct {
	turn   *turn
	cancel context.CancelFunc
}

// Session is one live interview.
type Session struct {
	id             string
	candidateID    string
	initialContext string
	createdAt      time.Time

	env    *env
	logger *slog.Logger

	cmds    chan command
	ctx     context.Context
	stop    context.CancelFunc
	stopped chan struct{}

	terminal atomic.Bool

	// Owned by the actor goroutine.
	status        domain.Status
	stage         domain.Stage
	activePersona persona.ID
	messages      []domain.Message
	engine        *assessment.Engine
	pending       *pendingTurn
	queue         []*turn
	subs          map[int64]chan Event
	nextSub       int64
	seq           int64
	lastActivity  time.Time
	endedAt       time.Time
	final         *FinalState
}

func newSession(e *env, id string, opts OpenOptions) (*Session, error) {
	welcome, err := e.catalog.ForStage(domain.StageTechnical)
	if err != nil {
		return nil, err
	}
	now := e.now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             id,
		candidateID:    opts.CandidateID,
		initialContext: strings.TrimSpace(opts.InitialContext),
		createdAt:      now,
		env:            e,
		logger:         e.logger.With("interview_id", id),
		cmds:           make(chan command),
		ctx:            ctx,
		stop:           cancel,
		stopped:        make(chan struct{}),
		status:         domain.StatusActive,
		stage:          domain.StageTechnical,
		activePersona:  welcome.ID,
		engine:         assessment.NewEngine(e.rubric, e.assessment, now),
		subs:           make(map[int64]chan Event),
		lastActivity:   now,
	}
	s.appendMessage(domain.SenderSystem, "", openingText)
	s.appendMessage(domain.SenderPersona, string(welcome.ID), welcome.Welcome)
	go s.run()
	return s, nil
}

// ID returns the interview id.
func (s *Session) ID() string { return s.id }

// CandidateID returns the candidate the interview was opened for.
func (s *Session) CandidateID() string { return s.candidateID }

// Terminal reports whether the session has completed or been cancelled.
// It may lag the actor by one command.
func (s *Session) Terminal() bool { return s.terminal.Load() }

func (s *Session) run() {
	defer close(s.stopped)
	s.logger.Debug("[SESSION] actor started")
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Session) shutdown() {
	if s.pending != nil {
		s.pending.cancel()
		s.pending = nil
	}
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.logger.Debug("[SESSION] actor stopped")
}

// close stops the actor and waits for it to exit.
func (s *Session) close() {
	s.stop()
	<-s.stopped
}

// send hands cmd to the actor.
func (s *Session) send(ctx context.Context, cmd command) error {
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.ctx.Done():
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the actor and waits for it to finish.
func (s *Session) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.send(ctx, func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitUserMessage appends a user message and waits for the persona reply.
// Submissions are processed strictly in arrival order. On responder failure
// the persona's fallback line and a system note are appended instead and the
// call still succeeds. A submission that was accepted keeps going even if ctx
// is cancelled while it waits.
func (s *Session) SubmitUserMessage(ctx context.Context, content string) ([]domain.Message, error) {
	sub, err := s.Submit(ctx, content)
	if err != nil {
		return nil, err
	}
	return sub.Wait(ctx)
}

// Submission is a user message the session has queued.
type Submission struct {
	s *Session
	t *turn
}

// Submit queues a user message without waiting for the persona reply. When it
// returns nil the message is ordered ahead of every later command sent to the
// session. Invalid content and closed sessions are rejected here.
func (s *Session) Submit(ctx context.Context, content string) (*Submission, error) {
	t := &turn{content: content, done: make(chan turnResult, 1)}
	var err error
	if cerr := s.call(ctx, func() { err = s.enqueue(t) }); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return &Submission{s: s, t: t}, nil
}

// Wait blocks until the submission's turn is resolved and returns the
// messages it appended.
func (sub *Submission) Wait(ctx context.Context) ([]domain.Message, error) {
	select {
	case res := <-sub.t.done:
		return res.msgs, res.err
	case <-sub.s.stopped:
		return nil, domain.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) validate(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(content); n > s.env.maxLength {
		return "", &domain.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("exceeds %d characters (got %d)", s.env.maxLength, n),
		}
	}
	return content, nil
}

func (s *Session) enqueue(t *turn) error {
	if s.status.Terminal() {
		return domain.ErrSessionClosed
	}
	content, err := s.validate(t.content)
	if err != nil {
		return err
	}
	t.content = content
	s.queue = append(s.queue, t)
	s.startNext()
	return nil
}

func (s *Session) startNext() {
	if s.pending != nil || len(s.queue) == 0 {
		return
	}
	t := s.queue[0]
	s.queue = s.queue[1:]

	user := s.appendMessage(domain.SenderUser, "", t.content)
	t.msgs = append(t.msgs, user)
	s.emit(EventMessage, user)
	s.rescore()

	history := cloneMessages(s.messages)
	cur := s.stage
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.pending = &pendingTurn{turn: t, cancel: cancel}

	go func() {
		reply := s.env.router.Reply(turnCtx, s.id, cur, history, s.initialContext)
		select {
		case s.cmds <- func() { s.finishTurn(t, reply) }:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) finishTurn(t *turn, reply agent.Reply) {
	if s.pending == nil || s.pending.turn != t {
		s.logger.Debug("[SESSION] late agent reply discarded", "persona_id", reply.PersonaID)
		return
	}
	s.pending.cancel()
	s.pending = nil

	if reply.Err != nil && !reply.Recovered {
		s.logger.Error("[SESSION] agent routing failed", "stage", s.stage, "error", reply.Err)
		t.resolve(reply.Err)
		s.terminate(domain.StatusCancelled, ReasonFatal)
		return
	}

	m := s.appendMessage(domain.SenderPersona, string(reply.PersonaID), reply.Content)
	t.msgs = append(t.msgs, m)
	s.emit(EventMessage, m)

	if reply.Recovered {
		s.logger.Warn("[SESSION] agent reply recovered with fallback",
			"persona_id", reply.PersonaID,
			"attempts", reply.Attempts,
			"error", reply.Err,
		)
		note := s.appendMessage(domain.SenderSystem, "", agentDelayText)
		t.msgs = append(t.msgs, note)
		s.emit(EventMessage, note)
	}

	s.emit(EventStatus, s.statusPayload())
	t.resolve(nil)
	s.startNext()
}

func (s *Session) rescore() {
	res := s.engine.Rescore(s.messages, string(s.activePersona))
	s.emit(EventAssessment, AssessmentPayload{
		Overall:    res.Snapshot.Overall,
		Trend:      res.Snapshot.Trend,
		Scores:     res.Snapshot.Ordered(s.engine.Rubric()),
		Engagement: res.Snapshot.Engagement,
		Timestamp:  res.Snapshot.Timestamp,
	})
	if res.Feedback != nil {
		s.emit(EventFeedback, *res.Feedback)
	}
}

// RequestStageAdvance moves to the next stage once the current persona has
// replied the configured number of times. On success a system transition and
// the new persona's welcome are appended.
func (s *Session) RequestStageAdvance(ctx context.Context) (domain.Stage, error) {
	var (
		next domain.Stage
		err  error
	)
	if cerr := s.call(ctx, func() { next, err = s.advance() }); cerr != nil {
		return "", cerr
	}
	return next, err
}

func (s *Session) advance() (domain.Stage, error) {
	if err := s.env.sequencer.Check(s.status, s.stage, s.messages); err != nil {
		return s.stage, err
	}
	if s.pending != nil || len(s.queue) > 0 {
		return s.stage, &domain.StageNotReadyError{Stage: s.stage, AwaitingReply: true}
	}
	next, err := s.env.sequencer.Next(s.stage)
	if err != nil {
		return s.stage, err
	}
	d, err := s.env.catalog.ForStage(next)
	if err != nil {
		return s.stage, err
	}

	prev := s.stage
	s.stage = next
	s.activePersona = d.ID

	transition := s.appendMessage(domain.SenderSystem, "",
		fmt.Sprintf("The %s stage is complete. Moving on to the %s stage with %s.", stageLabel(prev), stageLabel(next), d.DisplayName))
	s.emit(EventMessage, transition)
	welcome := s.appendMessage(domain.SenderPersona, string(d.ID), d.Welcome)
	s.emit(EventNewStage, StagePayload{
		Message:     welcome,
		Stage:       next,
		PersonaID:   string(d.ID),
		PersonaName: d.DisplayName,
		Progress:    stage.Progress(next),
	})
	s.emit(EventStatus, s.statusPayload())

	s.logger.Info("[SESSION] stage advanced", "from", prev, "to", next, "persona_id", d.ID)
	return next, nil
}

// RequestEnd completes the interview regardless of stage. It is processed
// immediately; a persona reply still in flight is discarded when it arrives.
// Ending an already terminal session returns its final state together with
// domain.ErrSessionClosed.
func (s *Session) RequestEnd(ctx context.Context, reason string) (FinalState, error) {
	return s.end(ctx, domain.StatusCompleted, reason)
}

// Cancel administratively moves an active session to cancelled.
func (s *Session) Cancel(ctx context.Context, reason string) (FinalState, error) {
	return s.end(ctx, domain.StatusCancelled, reason)
}

func (s *Session) end(ctx context.Context, status domain.Status, reason string) (FinalState, error) {
	var (
		final FinalState
		err   error
	)
	cerr := s.call(ctx, func() {
		if s.status.Terminal() {
			final, err = *s.final, domain.ErrSessionClosed
			return
		}
		final = s.terminate(status, reason)
	})
	if cerr != nil {
		return FinalState{}, cerr
	}
	return final, err
}

func (s *Session) terminate(status domain.Status, reason string) FinalState {
	if s.pending != nil {
		s.pending.cancel()
		s.pending.turn.resolve(nil)
		s.pending = nil
	}
	for _, t := range s.queue {
		t.resolve(domain.ErrSessionClosed)
	}
	s.queue = nil

	text := completedText
	if status == domain.StatusCancelled {
		text = cancelledText
	}
	if reason == "" {
		reason = ReasonCompleted
	}
	note := s.appendMessage(domain.SenderSystem, "", text)

	if status == domain.StatusCompleted && s.stage != domain.StageFeedback {
		s.stage = domain.StageFeedback
	}
	if d, err := s.env.catalog.ForStage(domain.StageFeedback); err == nil && status == domain.StatusCompleted {
		s.activePersona = d.ID
	}
	s.status = status
	s.endedAt = note.Timestamp
	s.terminal.Store(true)

	summary := s.summary()
	s.final = &FinalState{
		InterviewID: s.id,
		FinalStatus: status,
		Stage:       s.stage,
		Reason:      reason,
		EndedAt:     s.endedAt,
		Summary:     &summary,
	}

	s.emit(EventMessage, note)
	s.emit(EventStatus, s.statusPayload())
	s.emit(EventEnded, *s.final)

	s.logger.Info("[SESSION] interview ended", "status", status, "stage", s.stage, "reason", reason, "messages", len(s.messages))
	s.env.archiveAsync(s.record())
	return *s.final
}

func (s *Session) summary() Summary {
	sum := Summary{
		Trend:         assessment.TrendStable,
		Progress:      stage.Progress(s.stage),
		MessageCount:  len(s.messages),
		FeedbackCount: len(s.engine.Feedback()),
	}
	if snap, ok := s.engine.Latest(); ok {
		sum.OverallScore = snap.Overall
		sum.Trend = snap.Trend
		sum.Scores = snap.Ordered(s.engine.Rubric())
	}
	for _, m := range s.messages {
		switch m.SenderKind {
		case domain.SenderUser:
			sum.UserMessages++
		case domain.SenderPersona:
			sum.PersonaMessages++
		}
	}
	return sum
}

// History returns a copy of the message log.
func (s *Session) History(ctx context.Context) ([]domain.Message, error) {
	var out []domain.Message
	if err := s.call(ctx, func() { out = cloneMessages(s.messages) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns a consistent snapshot of the session.
func (s *Session) Status(ctx context.Context) (domain.SessionView, error) {
	var v domain.SessionView
	if err := s.call(ctx, func() { v = s.view() }); err != nil {
		return domain.SessionView{}, err
	}
	return v, nil
}

// State returns the full accessor view including assessment and feedback
// history.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	if err := s.call(ctx, func() { st = s.state() }); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Session) view() domain.SessionView {
	v := domain.SessionView{
		ID:          s.id,
		CandidateID: s.candidateID,
		Status:      s.status,
		Stage:       s.stage,
		Messages:    cloneMessages(s.messages),
		CreatedAt:   s.createdAt,
		EndedAt:     s.endedAt,
	}
	if s.status == domain.StatusActive || s.status == domain.StatusCompleted {
		v.ActivePersonaID = string(s.activePersona)
	}
	return v
}

func (s *Session) state() State {
	v := s.view()
	st := State{
		InterviewID:       v.ID,
		CandidateID:       v.CandidateID,
		Status:            v.Status,
		Stage:             v.Stage,
		ActivePersonaID:   v.ActivePersonaID,
		Messages:          v.Messages,
		AssessmentHistory: s.engine.History(),
		FeedbackHistory:   s.engine.Feedback(),
		CreatedAt:         v.CreatedAt,
		EndedAt:           v.EndedAt,
	}
	if s.final != nil {
		st.Summary = s.final.Summary
	}
	return st
}

func (s *Session) statusPayload() StatusPayload {
	p := StatusPayload{
		InterviewID:  s.id,
		Status:       s.status,
		Stage:        s.stage,
		Progress:     stage.Progress(s.stage),
		PersonaTurns: s.env.sequencer.PersonaTurns(s.stage, s.messages),
		Threshold:    s.env.sequencer.Threshold(),
	}
	if s.status == domain.StatusActive {
		p.ActivePersonaID = string(s.activePersona)
		p.CanAdvance = s.pending == nil && s.env.sequencer.Check(s.status, s.stage, s.messages) == nil
	}
	return p
}

// Subscription is an attached observer of a session. History and the first
// value on Events are consistent: no event is missed or repeated between them.
type Subscription struct {
	Events  <-chan Event
	History []domain.Message
	Status  StatusPayload
	// Final is set when the session had already ended at attach time.
	Final *FinalState

	once   sync.Once
	cancel func()
}

// Close detaches the subscription. Events is closed by the session.
func (sub *Subscription) Close() {
	sub.once.Do(sub.cancel)
}

// Attach registers an observer. The Events channel is closed when the
// subscriber falls too far behind, when it detaches, or when the session is
// evicted.
func (s *Session) Attach(ctx context.Context) (*Subscription, error) {
	sub := &Subscription{}
	var id int64
	err := s.call(ctx, func() {
		s.nextSub++
		id = s.nextSub
		ch := make(chan Event, s.env.subBuffer)
		s.subs[id] = ch
		s.lastActivity = s.env.now()
		sub.Events = ch
		sub.History = cloneMessages(s.messages)
		sub.Status = s.statusPayload()
		if s.final != nil {
			f := *s.final
			sub.Final = &f
		}
		s.logger.Debug("[SESSION] subscriber attached", "subscriber", id, "subscribers", len(s.subs))
	})
	if err != nil {
		return nil, err
	}
	sub.cancel = func() {
		_ = s.send(context.Background(), func() { s.detach(id) })
	}
	return sub, nil
}

func (s *Session) detach(id int64) {
	ch, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(ch)
	s.lastActivity = s.env.now()
	s.logger.Debug("[SESSION] subscriber detached", "subscriber", id, "subscribers", len(s.subs))
}

func (s *Session) emit(typ string, data any) {
	s.seq++
	ev := Event{Seq: s.seq, Type: typ, Data: data}
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("[SESSION] subscriber too slow, detaching", "subscriber", id)
			delete(s.subs, id)
			close(ch)
		}
	}
	if s.env.mirror != nil {
		ctx, cancel := context.WithTimeout(s.ctx, mirrorTimeout)
		if err := s.env.mirror.Publish(ctx, s.id, ev.Seq, ev); err != nil {
			s.logger.Warn("[SESSION] event mirror publish failed", "type", typ, "error", err)
		}
		cancel()
	}
}

func (s *Session) appendMessage(kind domain.SenderKind, personaID, content string) domain.Message {
	m := domain.Message{
		ID:         int64(len(s.messages)) + 1,
		SenderKind: kind,
		PersonaID:  personaID,
		Content:    content,
		Timestamp:  s.env.now(),
	}
	s.messages = append(s.messages, m)
	s.lastActivity = m.Timestamp
	s.logMessage(m)
	return m
}

func (s *Session) logMessage(m domain.Message) {
	direction, eventType := "outbound", "persona_message"
	switch m.SenderKind {
	case domain.SenderUser:
		direction, eventType = "inbound", "user_message"
	case domain.SenderSystem:
		eventType = "system_message"
	}
	s.env.convLog.Log(agent.ConversationLogEvent{
		Timestamp:   m.Timestamp.Format(time.RFC3339Nano),
		CandidateID: s.candidateID,
		InterviewID: s.id,
		Channel:     "interview",
		Direction:   direction,
		EventType:   eventType,
		MessageID:   m.ID,
		PersonaID:   m.PersonaID,
		ContentRaw:  m.Content,
		Meta:        map[string]any{"stage": string(s.stage)},
	})
}

// idle reports what the sweeper needs to decide on eviction.
type idleInfo struct {
	status       domain.Status
	subscribers  int
	lastActivity time.Time
	endedAt      time.Time
}

func (s *Session) idle(ctx context.Context) (idleInfo, error) {
	var info idleInfo
	err := s.call(ctx, func() {
		info = idleInfo{
			status:       s.status,
			subscribers:  len(s.subs),
			lastActivity: s.lastActivity,
			endedAt:      s.endedAt,
		}
		if s.pending != nil {
			// A reply in flight counts as activity.
			info.lastActivity = s.env.now()
		}
	})
	return info, err
}

func (s *Session) record() *store.InterviewRecord {
	st := s.state()
	return recordFromState(st, s.final.Reason)
}

func cloneMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	copy(out, in)
	return out
}

func stageLabel(st domain.Stage) string {
	if st == domain.StageHR {
		return "HR"
	}
	return string(st)
}
