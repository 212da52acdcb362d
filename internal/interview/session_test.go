package interview

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
)

func assertGapless(t *testing.T, msgs []domain.Message) {
	t.Helper()
	for i, m := range msgs {
		if m.ID != int64(i)+1 {
			t.Fatalf("message %d has id %d, want %d", i, m.ID, i+1)
		}
	}
}

func TestOpenAppendsOpeningAndWelcome(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	s := openSession(t, reg, "iv-open")

	msgs := history(t, s)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	assertGapless(t, msgs)
	if msgs[0].SenderKind != domain.SenderSystem {
		t.Errorf("first message sender = %s, want system", msgs[0].SenderKind)
	}
	if msgs[1].SenderKind != domain.SenderPersona || msgs[1].PersonaID != string(persona.Technical) {
		t.Errorf("second message = %+v, want technical welcome", msgs[1])
	}

	v, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if v.Status != domain.StatusActive || v.Stage != domain.StageTechnical || v.ActivePersonaID != string(persona.Technical) {
		t.Errorf("unexpected status %+v", v)
	}
}

func TestOpenAttachesToActiveSession(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	first := openSession(t, reg, "iv-same")
	second := openSession(t, reg, "iv-same")
	if first != second {
		t.Fatal("expected Open to return the existing session")
	}
	if got := len(history(t, second)); got != 2 {
		t.Fatalf("attach must not append messages, got %d", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", reg.Len())
	}
}

func TestOpenGeneratesIDAndValidates(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	s := openSession(t, reg, "")
	if s.ID() == "" {
		t.Fatal("expected generated id")
	}

	_, err := reg.Open(context.Background(), "bad id!", OpenOptions{})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStageGate(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{StageAdvanceThreshold: 4})
	s := openSession(t, reg, "iv-gate")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msgs := submit(t, s, "I built a distributed cache with consistent hashing")
		if len(msgs) != 2 {
			t.Fatalf("turn %d appended %d messages, want 2", i, len(msgs))
		}
	}

	_, err := s.RequestStageAdvance(ctx)
	var notReady *domain.StageNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected StageNotReadyError after 3 replies, got %v", err)
	}
	if notReady.Have != 3 || notReady.Required != 4 {
		t.Fatalf("unexpected gate error %+v", notReady)
	}

	submit(t, s, "The hardest part was cache invalidation under load")
	before := history(t, s)

	next, err := s.RequestStageAdvance(ctx)
	if err != nil {
		t.Fatalf("RequestStageAdvance: %v", err)
	}
	if next != domain.StageHR {
		t.Fatalf("advanced to %s, want hr", next)
	}

	after := history(t, s)
	if len(after)-len(before) != 2 {
		t.Fatalf("advance appended %d messages, want 2", len(after)-len(before))
	}
	added := after[len(before):]
	if added[0].SenderKind != domain.SenderSystem {
		t.Errorf("transition sender = %s, want system", added[0].SenderKind)
	}
	if added[1].SenderKind != domain.SenderPersona || added[1].PersonaID != string(persona.HR) {
		t.Errorf("welcome = %+v, want hr persona", added[1])
	}
	assertGapless(t, after)

	// The HR welcome does not count toward the HR gate.
	if _, err := s.RequestStageAdvance(ctx); !errors.As(err, &notReady) {
		t.Fatalf("expected StageNotReadyError right after advancing, got %v", err)
	}
}

func TestStageNeverDecreasesAndFeedbackOnlyByEnd(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{StageAdvanceThreshold: 1})
	s := openSession(t, reg, "iv-stages")
	ctx := context.Background()

	prev := domain.StageTechnical.Index()
	for _, want := range []domain.Stage{domain.StageHR, domain.StageBehavioral} {
		submit(t, s, "Here is my answer about teamwork and communication")
		got, err := s.RequestStageAdvance(ctx)
		if err != nil {
			t.Fatalf("advance to %s: %v", want, err)
		}
		if got != want {
			t.Fatalf("advanced to %s, want %s", got, want)
		}
		if got.Index() <= prev {
			t.Fatalf("stage regressed from %d to %d", prev, got.Index())
		}
		prev = got.Index()
	}

	submit(t, s, "Thanks for the conversation")
	before := history(t, s)
	got, err := s.RequestStageAdvance(ctx)
	var notReady *domain.StageNotReadyError
	if !errors.As(err, &notReady) || !notReady.Terminal {
		t.Fatalf("expected terminal StageNotReadyError from behavioral, got %v", err)
	}
	if got != domain.StageBehavioral {
		t.Fatalf("stage after rejected advance = %s, want behavioral", got)
	}
	if after := history(t, s); len(after) != len(before) {
		t.Fatalf("rejected advance appended %d messages", len(after)-len(before))
	}

	view, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Status != domain.StatusActive || view.Stage != domain.StageBehavioral {
		t.Fatalf("status/stage = %s/%s, want active/behavioral", view.Status, view.Stage)
	}

	final, err := s.RequestEnd(ctx, "")
	if err != nil {
		t.Fatalf("RequestEnd: %v", err)
	}
	if final.Stage != domain.StageFeedback || final.FinalStatus != domain.StatusCompleted {
		t.Fatalf("final = %s/%s, want feedback/completed", final.Stage, final.FinalStatus)
	}
	if _, err := s.RequestStageAdvance(ctx); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("advance after end = %v, want ErrSessionClosed", err)
	}
}

func TestRequestEndClosesSession(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	s := openSession(t, reg, "iv-end")
	ctx := context.Background()
	submit(t, s, "hello")

	final, err := s.RequestEnd(ctx, "")
	if err != nil {
		t.Fatalf("RequestEnd: %v", err)
	}
	if final.FinalStatus != domain.StatusCompleted || final.Stage != domain.StageFeedback {
		t.Fatalf("unexpected final state %+v", final)
	}
	if final.Summary == nil || final.Summary.UserMessages != 1 {
		t.Fatalf("unexpected summary %+v", final.Summary)
	}

	before := history(t, s)
	if last := before[len(before)-1]; last.SenderKind != domain.SenderSystem {
		t.Fatalf("last message sender = %s, want system", last.SenderKind)
	}

	if _, err := s.SubmitUserMessage(ctx, "are you still there?"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.RequestStageAdvance(ctx); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on advance, got %v", err)
	}
	if after := history(t, s); len(after) != len(before) {
		t.Fatalf("closed session appended %d messages", len(after)-len(before))
	}

	again, err := s.RequestEnd(ctx, "")
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("second RequestEnd error = %v, want ErrSessionClosed", err)
	}
	if !reflect.DeepEqual(again, final) {
		t.Fatalf("second RequestEnd returned %+v, want %+v", again, final)
	}

	if _, err := reg.Open(ctx, "iv-end", OpenOptions{}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("Open on ended session = %v, want ErrSessionClosed", err)
	}

	select {
	case id := <-reg.archive.saved:
		if id != "iv-end" {
			t.Fatalf("archived %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ended interview was not archived")
	}
}

func TestResponderTimeoutFallsBack(t *testing.T) {
	entered := make(chan struct{}, 1)
	reg := newTestRegistry(t, blockingResponder(entered), Config{})
	s := openSession(t, reg, "iv-timeout")

	start := time.Now()
	msgs := submit(t, s, "hello")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("submit took %s, expected to be bounded by the retry budget", elapsed)
	}

	if len(msgs) != 3 {
		t.Fatalf("expected user, fallback and system note, got %d messages", len(msgs))
	}
	if msgs[0].SenderKind != domain.SenderUser {
		t.Errorf("first = %s, want user", msgs[0].SenderKind)
	}
	d, _ := persona.Default().Get(persona.Technical)
	if msgs[1].SenderKind != domain.SenderPersona || msgs[1].Content != d.Fallback {
		t.Errorf("second = %+v, want technical fallback", msgs[1])
	}
	if msgs[2].SenderKind != domain.SenderSystem {
		t.Errorf("third = %s, want system note", msgs[2].SenderKind)
	}

	v, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if v.Status != domain.StatusActive {
		t.Fatalf("session status = %s, want active", v.Status)
	}
	assertGapless(t, v.Messages)
}

func TestEndDiscardsInFlightReply(t *testing.T) {
	entered := make(chan struct{}, 1)
	reg := newTestRegistry(t, blockingResponder(entered), Config{})
	s := openSession(t, reg, "iv-race")
	ctx := context.Background()

	type result struct {
		msgs []domain.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		msgs, err := s.SubmitUserMessage(ctx, "let me think about that")
		done <- result{msgs, err}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("responder was never called")
	}

	if _, err := s.RequestEnd(ctx, ""); err != nil {
		t.Fatalf("RequestEnd: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("in-flight submit error: %v", res.err)
	}
	if len(res.msgs) != 1 || res.msgs[0].SenderKind != domain.SenderUser {
		t.Fatalf("in-flight submit returned %+v, want only the user message", res.msgs)
	}

	time.Sleep(150 * time.Millisecond)
	msgs := history(t, s)
	for _, m := range msgs[2:] {
		if m.SenderKind == domain.SenderPersona {
			t.Fatalf("late persona reply was appended: %+v", m)
		}
	}
	if len(msgs) != 4 {
		t.Fatalf("expected opening, welcome, user and end note, got %d", len(msgs))
	}
}

func TestSubmitQueuesBeforeReturning(t *testing.T) {
	reg := newTestRegistry(t, blockingResponder(make(chan struct{}, 1)), Config{})
	s := openSession(t, reg, "iv-queued")
	ctx := context.Background()

	if _, err := s.Submit(ctx, "  "); !errors.As(err, new(*domain.ValidationError)) {
		t.Fatalf("Submit(blank) = %v, want ValidationError", err)
	}

	pending, err := s.Submit(ctx, "queued before anything else")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	msgs := history(t, s)
	if len(msgs) != 3 || msgs[2].SenderKind != domain.SenderUser {
		t.Fatalf("user message not appended when Submit returned: %+v", msgs)
	}

	if _, err := s.RequestEnd(ctx, ""); err != nil {
		t.Fatalf("RequestEnd: %v", err)
	}
	got, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("Wait returned %+v, want only the user message", got)
	}

	if _, err := s.Submit(ctx, "too late"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("Submit after end = %v, want ErrSessionClosed", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{MaxMessageLength: 10})
	s := openSession(t, reg, "iv-validate")

	for name, content := range map[string]string{
		"empty":     "",
		"blank":     "   \n\t",
		"oversized": strings.Repeat("é", 11),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.SubmitUserMessage(context.Background(), content)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if got := len(history(t, s)); got != 2 {
		t.Fatalf("validation failures appended messages: %d", got)
	}

	msgs := submit(t, s, "  ten runes ")
	if msgs[0].Content != "ten runes" {
		t.Fatalf("content not trimmed: %q", msgs[0].Content)
	}
}

func TestConcurrentSubmissionsAreTotallyOrdered(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	s := openSession(t, reg, "iv-concurrent")

	conn1, err := s.Attach(context.Background())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer conn1.Close()
	conn2, err := s.Attach(context.Background())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer conn2.Close()

	const perConn = 5
	var wg sync.WaitGroup
	for _, prefix := range []string{"X", "Y"} {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			for i := 0; i < perConn; i++ {
				if _, err := s.SubmitUserMessage(context.Background(), prefix+" answer"); err != nil {
					t.Errorf("submit %s: %v", prefix, err)
				}
			}
		}(prefix)
	}
	wg.Wait()

	msgs := history(t, s)
	assertGapless(t, msgs)
	if want := 2 + 2*2*perConn; len(msgs) != want {
		t.Fatalf("got %d messages, want %d", len(msgs), want)
	}
	for i := 2; i < len(msgs); i += 2 {
		if msgs[i].SenderKind != domain.SenderUser || msgs[i+1].SenderKind != domain.SenderPersona {
			t.Fatalf("turn at %d interleaved: %s then %s", i, msgs[i].SenderKind, msgs[i+1].SenderKind)
		}
	}
}

func TestStatusIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	s := openSession(t, reg, "iv-status")
	submit(t, s, "hello there")

	a, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	b, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Status not idempotent:\n%+v\n%+v", a, b)
	}
}

func TestAttachStreamsEventsInOrder(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	s := openSession(t, reg, "iv-events")

	sub, err := s.Attach(context.Background())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sub.Close()
	if len(sub.History) != 2 || sub.Status.Stage != domain.StageTechnical {
		t.Fatalf("unexpected attach snapshot: %d messages, stage %s", len(sub.History), sub.Status.Stage)
	}

	submit(t, s, "I enjoy debugging concurrency issues")

	var types []string
	var lastSeq int64
	var ids []int64
	timeout := time.After(2 * time.Second)
	for len(types) == 0 || types[len(types)-1] != EventStatus {
		select {
		case ev := <-sub.Events:
			if ev.Seq <= lastSeq {
				t.Fatalf("event seq %d after %d", ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
			types = append(types, ev.Type)
			if m, ok := ev.Data.(domain.Message); ok {
				ids = append(ids, m.ID)
			}
		case <-timeout:
			t.Fatalf("timed out, got events %v", types)
		}
	}
	if types[0] != EventMessage || types[1] != EventAssessment {
		t.Fatalf("unexpected event order %v", types)
	}
	if !reflect.DeepEqual(ids, []int64{3, 4}) {
		t.Fatalf("message event ids = %v, want [3 4]", ids)
	}
}

func TestSlowSubscriberIsDetached(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{SubscriberBuffer: 1})
	s := openSession(t, reg, "iv-slow")

	sub, err := s.Attach(context.Background())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sub.Close()

	submit(t, s, "hello")

	<-sub.Events
	if _, ok := <-sub.Events; ok {
		t.Fatal("expected events channel to be closed for a slow subscriber")
	}
}

func TestGetSessionIncludesAssessmentHistory(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	s := openSession(t, reg, "iv-state")
	for i := 0; i < 3; i++ {
		submit(t, s, "I designed the API, wrote tests and mentored the team")
	}

	st, err := reg.GetSession(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(st.AssessmentHistory) != 3 {
		t.Fatalf("assessment history = %d, want 3", len(st.AssessmentHistory))
	}
	if len(st.FeedbackHistory) != 1 {
		t.Fatalf("feedback history = %d, want 1 after 3 user messages", len(st.FeedbackHistory))
	}
	for _, snap := range st.AssessmentHistory {
		for dim, v := range snap.Scores {
			if v < 0 || v > 100 {
				t.Fatalf("%s score %v out of range", dim, v)
			}
		}
	}
	if st.Archived {
		t.Fatal("live session reported as archived")
	}
}
