package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func history() []domain.Message {
	now := time.Now()
	return []domain.Message{
		{ID: 1, SenderKind: domain.SenderSystem, Content: "Interview started", Timestamp: now},
		{ID: 2, SenderKind: domain.SenderPersona, PersonaID: "technical", Content: "Hi, I'm Alex.", Timestamp: now},
		{ID: 3, SenderKind: domain.SenderUser, Content: "hello", Timestamp: now},
	}
}

func TestRouterReturnsResponderText(t *testing.T) {
	var got Request
	r := NewRouter(ResponderFunc(func(_ context.Context, req Request) (string, error) {
		got = req
		return "  What did you build?  ", nil
	}), persona.Default(), RouterConfig{}, quietLogger())

	reply := r.Reply(context.Background(), "iv-1", domain.StageTechnical, history(), "5 years of Go")
	if reply.Recovered || reply.Err != nil {
		t.Fatalf("unexpected recovery: %+v", reply)
	}
	if reply.Content != "What did you build?" {
		t.Fatalf("Content = %q", reply.Content)
	}
	if reply.PersonaID != persona.Technical || reply.Attempts != 1 {
		t.Fatalf("reply = %+v", reply)
	}
	if got.InitialContext != "5 years of Go" || got.InterviewID != "iv-1" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Transcript) != 3 || got.Transcript[2].Role != RoleCandidate {
		t.Fatalf("transcript = %+v", got.Transcript)
	}
	if got.Transcript[1].Speaker != "Alex Chen, Senior Engineer" {
		t.Fatalf("speaker = %q", got.Transcript[1].Speaker)
	}
}

func TestRouterRetriesOnceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	r := NewRouter(ResponderFunc(func(ctx context.Context, _ Request) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("unavailable")
		}
		return "second try", nil
	}), nil, RouterConfig{Timeout: 50 * time.Millisecond, RetryTimeout: 20 * time.Millisecond}, quietLogger())

	reply := r.Reply(context.Background(), "iv", domain.StageHR, history(), "")
	if reply.Content != "second try" || reply.Attempts != 2 || reply.Recovered {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestRouterFallsBackWithinBudget(t *testing.T) {
	cfg := RouterConfig{Timeout: 60 * time.Millisecond, RetryTimeout: 30 * time.Millisecond}
	r := NewRouter(ResponderFunc(func(ctx context.Context, _ Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), nil, cfg, quietLogger())

	start := time.Now()
	reply := r.Reply(context.Background(), "iv", domain.StageTechnical, history(), "")
	elapsed := time.Since(start)

	budget := cfg.Timeout + cfg.RetryTimeout
	if elapsed > budget+200*time.Millisecond {
		t.Fatalf("Reply took %s, budget %s", elapsed, budget)
	}
	if !reply.Recovered {
		t.Fatal("expected fallback reply")
	}
	d, _ := persona.Default().Get(persona.Technical)
	if reply.Content != d.Fallback {
		t.Fatalf("Content = %q, want fallback", reply.Content)
	}
	var timeout *domain.AgentResponseTimeoutError
	if !errors.As(reply.Err, &timeout) {
		t.Fatalf("Err = %v, want AgentResponseTimeoutError", reply.Err)
	}
	if timeout.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", timeout.Attempts)
	}
	if !errors.Is(reply.Err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error, got %v", reply.Err)
	}
}

func TestRouterTreatsEmptyReplyAsFailure(t *testing.T) {
	r := NewRouter(ResponderFunc(func(context.Context, Request) (string, error) {
		return "   ", nil
	}), nil, RouterConfig{Timeout: 20 * time.Millisecond, RetryTimeout: 10 * time.Millisecond}, quietLogger())

	reply := r.Reply(context.Background(), "iv", domain.StageBehavioral, history(), "")
	if !reply.Recovered || !errors.Is(reply.Err, errEmptyReply) {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestRouterStopsWhenCallerCancels(t *testing.T) {
	var calls atomic.Int32
	r := NewRouter(ResponderFunc(func(ctx context.Context, _ Request) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}), nil, RouterConfig{Timeout: time.Second, RetryTimeout: time.Second}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	reply := r.Reply(ctx, "iv", domain.StageTechnical, history(), "")
	if !reply.Recovered {
		t.Fatalf("reply = %+v", reply)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("responder called %d times, want 1", n)
	}
}

func TestRouterUnknownStage(t *testing.T) {
	r := NewRouter(NewStaticResponder(), persona.NewCatalog(), RouterConfig{}, quietLogger())
	reply := r.Reply(context.Background(), "iv", domain.StageTechnical, nil, "")
	if domain.ErrorCode(reply.Err) != domain.CodeUnknownPersona {
		t.Fatalf("Err = %v", reply.Err)
	}
	if reply.Content != "" {
		t.Fatalf("Content = %q, want empty", reply.Content)
	}
}

func TestBuildTranscriptWindow(t *testing.T) {
	turns := BuildTranscript(persona.Default(), history(), 2)
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2", len(turns))
	}
	if turns[0].Role != RoleInterviewer || turns[0].Speaker != "Alex Chen, Senior Engineer" || turns[0].Content != "Hi, I'm Alex." {
		t.Fatalf("turns[0] = %+v", turns[0])
	}
	if turns[1].Role != RoleCandidate || turns[1].Speaker != "Candidate" || turns[1].Content != "hello" {
		t.Fatalf("turns[1] = %+v", turns[1])
	}
}

func TestStaticResponderCyclesQuestions(t *testing.T) {
	s := NewStaticResponder()
	d, _ := persona.Default().Get(persona.HR)
	req := Request{Persona: d}
	first, err := s.Respond(context.Background(), req)
	if err != nil || first == "" {
		t.Fatalf("Respond = %q, %v", first, err)
	}
	req.Transcript = []Turn{{Role: RoleInterviewer, Speaker: d.DisplayName, Content: first}}
	second, _ := s.Respond(context.Background(), req)
	if second == first {
		t.Fatalf("expected a different question, got %q twice", first)
	}
}
