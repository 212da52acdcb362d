package interview

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
)

func TestSweepCancelsIdleSessionWithoutSubscribers(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{IdleTimeout: 30 * time.Minute})
	ctx := context.Background()
	idle := openSession(t, reg, "iv-idle")
	watched := openSession(t, reg, "iv-watched")

	sub, err := watched.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sub.Close()

	reg.clock.Advance(29 * time.Minute)
	if res := reg.Sweep(ctx); res.Cancelled != 0 {
		t.Fatalf("cancelled %d sessions before the idle timeout", res.Cancelled)
	}

	reg.clock.Advance(2 * time.Minute)
	res := reg.Sweep(ctx)
	if res.Cancelled != 1 {
		t.Fatalf("cancelled %d sessions, want 1", res.Cancelled)
	}

	v, err := idle.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if v.Status != domain.StatusCancelled {
		t.Fatalf("idle session status = %s, want cancelled", v.Status)
	}
	if v.Stage != domain.StageTechnical {
		t.Fatalf("cancel moved stage to %s", v.Stage)
	}

	w, err := watched.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if w.Status != domain.StatusActive {
		t.Fatalf("attached session status = %s, want active", w.Status)
	}
}

func TestSweepEvictsEndedSessionsAndFallsBackToArchive(t *testing.T) {
	var evicted []string
	reg := newTestRegistry(t, echoResponder(), Config{EvictAfter: 10 * time.Minute},
		WithEvictHook(func(id string) { evicted = append(evicted, id) }))
	ctx := context.Background()
	s := openSession(t, reg, "iv-evict")
	submit(t, s, "I led the migration to the new billing system")

	if _, err := s.RequestEnd(ctx, ""); err != nil {
		t.Fatalf("RequestEnd: %v", err)
	}
	select {
	case <-reg.archive.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("interview was not archived")
	}

	reg.clock.Advance(5 * time.Minute)
	if res := reg.Sweep(ctx); res.Evicted != 0 || len(evicted) != 0 {
		t.Fatal("evicted before EvictAfter")
	}

	reg.clock.Advance(6 * time.Minute)
	if res := reg.Sweep(ctx); res.Evicted != 1 {
		t.Fatalf("evicted %d, want 1", res.Evicted)
	}
	if len(evicted) != 1 || evicted[0] != "iv-evict" {
		t.Fatalf("evict hook saw %v, want [iv-evict]", evicted)
	}
	if _, err := reg.Get("iv-evict"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Get after eviction = %v, want ErrSessionNotFound", err)
	}

	st, err := reg.GetSession(ctx, "iv-evict")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !st.Archived || st.Status != domain.StatusCompleted {
		t.Fatalf("unexpected archived state %+v", st)
	}
	if st.Summary == nil || st.Summary.UserMessages != 1 {
		t.Fatalf("archived summary = %+v", st.Summary)
	}
	if len(st.Messages) != 5 {
		t.Fatalf("archived %d messages, want 5", len(st.Messages))
	}

	if _, err := reg.Open(ctx, "iv-evict", OpenOptions{}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("reopening archived interview = %v, want ErrSessionClosed", err)
	}
	if _, err := reg.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("GetSession(missing) = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepPrunesArchive(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	reg.Sweep(context.Background())

	reg.archive.mu.Lock()
	defer reg.archive.mu.Unlock()
	if reg.archive.pruned != 1 {
		t.Fatalf("PruneArchived called %d times, want 1", reg.archive.pruned)
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	reg := newTestRegistry(t, echoResponder(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.RunSweeper(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunSweeper returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not stop")
	}
}
