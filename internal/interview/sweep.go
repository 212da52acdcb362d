package interview

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often RunSweeper checks for idle sessions.
const DefaultSweepInterval = time.Minute

// SweepResult counts what one sweep did.
type SweepResult struct {
	Cancelled int
	Evicted   int
	Pruned    int64
}

// RunSweeper periodically cancels abandoned sessions, evicts ended ones and
// prunes old archives. It blocks until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := r.env.logger
	logger.Info("[SWEEP] worker started",
		"interval", interval,
		"idle_timeout", r.cfg.IdleTimeout,
		"evict_after", r.cfg.EvictAfter,
	)
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			logger.Info("[SWEEP] worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one pass. An active session with no subscribers and no
// activity for IdleTimeout is cancelled; a terminal session is evicted
// EvictAfter past its end.
func (r *Registry) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	logger := r.env.logger
	now := r.env.now()

	for _, s := range r.snapshot() {
		if ctx.Err() != nil {
			return res
		}
		info, err := s.idle(ctx)
		if err != nil {
			continue
		}
		switch {
		case !info.status.Terminal():
			if info.subscribers > 0 || now.Sub(info.lastActivity) < r.cfg.IdleTimeout {
				continue
			}
			logger.Info("[SWEEP] cancelling idle interview",
				"interview_id", s.id,
				"idle_for", now.Sub(info.lastActivity).Round(time.Second),
			)
			if _, err := s.Cancel(ctx, ReasonIdle); err != nil {
				logger.Warn("[SWEEP] failed to cancel idle interview", "interview_id", s.id, "error", err)
				continue
			}
			res.Cancelled++
		case now.Sub(info.endedAt) >= r.cfg.EvictAfter:
			r.evict(s)
			res.Evicted++
			logger.Info("[SWEEP] evicted ended interview", "interview_id", s.id, "status", info.status)
		}
	}

	if r.env.archive != nil {
		pruned, err := r.env.archive.PruneArchived(ctx, r.cfg.ArchiveRetention)
		if err != nil {
			logger.Error("[SWEEP] failed to prune archived interviews", "error", err)
		} else {
			res.Pruned = pruned
		}
	}

	if res.Cancelled > 0 || res.Evicted > 0 || res.Pruned > 0 {
		logger.Info("[SWEEP] sweep completed",
			"cancelled", res.Cancelled,
			"evicted", res.Evicted,
			"pruned", res.Pruned,
			"sessions", r.Len(),
		)
	}
	return res
}
