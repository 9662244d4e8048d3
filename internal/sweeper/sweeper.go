// Package sweeper runs the background loop that reopens expired priority
// holds and closes races that outlived their deadline. Every instance of
// the service runs its own sweeper; overlap is safe because each mutation
// is a conditional write.
package sweeper

import (
	"context"
	"time"

	"quotana.org/internal/obs"
	"quotana.org/internal/race"
	"quotana.org/internal/stream"
)

const (
	// DefaultInterval is used when no interval is configured. The useful
	// range is a few seconds to half a minute; holds last two hours, so
	// anything in that band keeps countdown UIs honest.
	DefaultInterval = 15 * time.Second
	minInterval     = time.Second
)

// Sweeper periodically drives expiry transitions through the engine.
type Sweeper struct {
	engine   *race.Engine
	events   *stream.Stream
	interval time.Duration
}

// New creates a sweeper. events may be nil; interval <= 0 selects the
// default.
func New(engine *race.Engine, events *stream.Stream, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	return &Sweeper{engine: engine, events: events, interval: interval}
}

// Run loops until ctx ends. One failed RFQ never aborts a pass; failures
// are logged with the RFQ id and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes a single pass. Exposed so tests and one-shot tools can
// invoke it without the loop.
func (s *Sweeper) Sweep(ctx context.Context) {
	reopened, holdErrs := s.engine.SweepExpiredHolds(ctx)
	closed, deadlineErrs := s.engine.SweepExpiredDeadlines(ctx)

	for _, id := range reopened {
		if s.events != nil {
			s.events.Emit(stream.EventHoldExpired, id, "")
		}
	}
	for _, id := range closed {
		if s.events != nil {
			s.events.Emit(stream.EventClosed, id, "")
		}
	}

	errs := append(holdErrs, deadlineErrs...)
	for _, err := range errs {
		obs.LogEntry(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "sweep_failed",
			"error": err.Error(),
		})
	}
	obs.SweepResult(len(reopened), len(closed), len(errs))
}
