package race

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quotana.org/internal/ids"
)

// Planner computes the broadcast schedule for an RFQ. Implemented by the
// schedule package; the engine only cares about the resulting rows and the
// earliest instant (race_opens_at).
type Planner interface {
	Plan(rfq RFQ, suppliers []Supplier, now time.Time) (time.Time, []Broadcast, error)
}

// Engine arbitrates supplier responses and drives the state machine over
// the store's conditional writes. It holds no per-RFQ state of its own, so
// any number of instances can run against the same store.
type Engine struct {
	store Store
	plan  Planner
	clock Clock
}

// NewEngine wires an engine. A nil clock falls back to the system clock.
func NewEngine(store Store, plan Planner, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{store: store, plan: plan, clock: clock}
}

// CreateRace registers an RFQ and schedules its broadcasts. Idempotent per
// RFQ id: a repeat call returns the previously computed opens-at and
// leaves the schedule untouched.
func (e *Engine) CreateRace(ctx context.Context, rfq RFQ, suppliers []Supplier) (time.Time, error) {
	if strings.TrimSpace(rfq.ID) == "" || strings.TrimSpace(rfq.BuyerID) == "" {
		return time.Time{}, fmt.Errorf("%w: rfq id and buyer id are required", ErrInvalidArgument)
	}
	if !rfq.Type.Valid() {
		return time.Time{}, fmt.Errorf("%w: unknown rfq type %q", ErrInvalidArgument, rfq.Type)
	}
	if rfq.Urgency == "" {
		rfq.Urgency = UrgencyStandard
	}

	if existing, err := e.store.GetRFQ(ctx, rfq.ID); err == nil {
		if existing.RaceOpensAt == nil {
			return time.Time{}, fmt.Errorf("rfq %s has no race window", rfq.ID)
		}
		return *existing.RaceOpensAt, nil
	} else if !errors.Is(err, ErrNotFound) {
		return time.Time{}, err
	}

	now := e.clock.Now()
	opensAt, rows, err := e.plan.Plan(rfq, suppliers, now)
	if err != nil {
		return time.Time{}, err
	}

	rfq.Status = StatusOpen
	rfq.RaceOpensAt = &opensAt
	rfq.CreatedAt = now
	rfq.Version = 1
	rfq.HolderID = ""
	rfq.HoldExpires = nil
	rfq.AwardedTo = ""

	if err := e.store.CreateRFQ(ctx, rfq); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost a concurrent create for the same id; the winner's
			// schedule stands.
			existing, gerr := e.store.GetRFQ(ctx, rfq.ID)
			if gerr != nil {
				return time.Time{}, gerr
			}
			return *existing.RaceOpensAt, nil
		}
		return time.Time{}, err
	}
	if err := e.store.ReplaceBroadcasts(ctx, rfq.ID, rows); err != nil {
		return time.Time{}, err
	}
	return opensAt, nil
}

// SubmitResponse records a supplier reply and arbitrates its effect.
// Every call returns a definitive Outcome; a storage-level lost race is
// retried exactly once by re-reading and reassessing.
func (e *Engine) SubmitResponse(ctx context.Context, rfqID, supplierID string, kind ResponseType, price *Money, message string) (Outcome, error) {
	if strings.TrimSpace(supplierID) == "" {
		return Outcome{}, fmt.Errorf("%w: supplier id is required", ErrInvalidArgument)
	}
	if !kind.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown response type %q", ErrInvalidArgument, kind)
	}

	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if err != nil {
		return Outcome{}, err
	}
	now := e.clock.Now()

	if rfq.Deadline != nil && now.After(*rfq.Deadline) {
		return rejected(RejectDeadlinePassed), nil
	}
	if !e.visibleTo(ctx, rfqID, supplierID, now) {
		return rejected(RejectNotYetVisible), nil
	}

	resp := Response{
		ID:          ids.New(),
		RFQID:       rfqID,
		SupplierID:  supplierID,
		Type:        kind,
		QuotedPrice: price,
		Message:     message,
		CreatedAt:   now,
	}

	if kind != ResponseAccept {
		if err := e.store.AppendResponse(ctx, resp); err != nil {
			return Outcome{}, err
		}
		return recorded(), nil
	}

	outcome, err := e.arbitrateAccept(ctx, rfq, supplierID, now)
	if errors.Is(err, ErrVersionConflict) {
		// The conditional write lost an infrastructure-level race. One
		// re-read resolves a true double-submit to a domain outcome.
		rfq, err = e.store.GetRFQ(ctx, rfqID)
		if err != nil {
			return Outcome{}, err
		}
		outcome, err = e.arbitrateAccept(ctx, rfq, supplierID, now)
	}
	if err != nil {
		return Outcome{}, err
	}
	if err := e.store.AppendResponse(ctx, resp); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// arbitrateAccept decides the effect of one accept against the current
// snapshot. It performs at most one conditional write; ErrVersionConflict
// bubbles up for the caller's single retry.
func (e *Engine) arbitrateAccept(ctx context.Context, rfq RFQ, supplierID string, now time.Time) (Outcome, error) {
	var err error
	rfq, err = e.maybeOpen(ctx, rfq, now)
	if err != nil {
		return Outcome{}, err
	}

	// An expired hold is bidding that nobody swept yet.
	if rfq.Status == StatusPriorityHold && rfq.HoldExpires != nil && !now.Before(*rfq.HoldExpires) {
		next, aerr := Apply(rfq, Event{Kind: EventHoldExpire}, now)
		if aerr != nil {
			return Outcome{}, aerr
		}
		rfq, err = e.store.UpdateRFQ(ctx, next)
		if err != nil {
			return Outcome{}, err
		}
	}

	switch rfq.Status {
	case StatusBidding:
		if rfq.Type == TypeService {
			// Accepts never award service races; the buyer selects.
			return recorded(), nil
		}
		next, aerr := Apply(rfq, Event{Kind: EventAccept, SupplierID: supplierID}, now)
		if aerr != nil {
			return Outcome{}, aerr
		}
		stored, uerr := e.store.UpdateRFQ(ctx, next)
		if uerr != nil {
			return Outcome{}, uerr
		}
		if stored.Status == StatusAwarded {
			return awarded(supplierID), nil
		}
		return holdGranted(supplierID, *stored.HoldExpires), nil

	case StatusPriorityHold:
		return rejected(RejectHoldActive), nil
	case StatusAwarded:
		return rejected(RejectAlreadyAwarded), nil
	case StatusClosed, StatusCancelled:
		return rejected(RejectRaceClosed), nil
	default: // still open: the supplier's broadcast window has not arrived
		return rejected(RejectNotYetVisible), nil
	}
}

// maybeOpen lazily promotes open -> bidding once the broadcast window is
// reached. Waiting is a condition evaluated against the clock, never an
// in-process sleep.
func (e *Engine) maybeOpen(ctx context.Context, rfq RFQ, now time.Time) (RFQ, error) {
	if rfq.Status != StatusOpen || rfq.RaceOpensAt == nil || now.Before(*rfq.RaceOpensAt) {
		return rfq, nil
	}
	next, err := Apply(rfq, Event{Kind: EventRaceOpen}, now)
	if err != nil {
		return RFQ{}, err
	}
	stored, err := e.store.UpdateRFQ(ctx, next)
	if errors.Is(err, ErrVersionConflict) {
		// Another instance opened it first; their snapshot wins.
		return e.store.GetRFQ(ctx, rfq.ID)
	}
	if err != nil {
		return RFQ{}, err
	}
	return stored, nil
}

// ConfirmHold awards the RFQ to the current priority holder.
func (e *Engine) ConfirmHold(ctx context.Context, rfqID string) (RFQ, error) {
	return e.transition(ctx, rfqID, Event{Kind: EventHoldConfirm})
}

// ReleaseHold returns a held RFQ to open bidding.
func (e *Engine) ReleaseHold(ctx context.Context, rfqID string) (RFQ, error) {
	return e.transition(ctx, rfqID, Event{Kind: EventHoldRelease})
}

// SelectWinner awards a service RFQ to the chosen supplier.
func (e *Engine) SelectWinner(ctx context.Context, rfqID, supplierID string) (RFQ, error) {
	return e.transition(ctx, rfqID, Event{Kind: EventSelectWinner, SupplierID: supplierID})
}

// Cancel withdraws an RFQ. A cancellation arriving after an award has
// committed fails with ErrInvalidState rather than overwriting it.
func (e *Engine) Cancel(ctx context.Context, rfqID string) (RFQ, error) {
	return e.transition(ctx, rfqID, Event{Kind: EventCancel})
}

// transition applies one buyer-driven event through the machine and the
// store's conditional write, retrying a version conflict once.
func (e *Engine) transition(ctx context.Context, rfqID string, ev Event) (RFQ, error) {
	now := e.clock.Now()
	for attempt := 0; ; attempt++ {
		rfq, err := e.store.GetRFQ(ctx, rfqID)
		if err != nil {
			return RFQ{}, err
		}
		rfq, err = e.maybeOpen(ctx, rfq, now)
		if err != nil {
			return RFQ{}, err
		}
		next, err := Apply(rfq, ev, now)
		if err != nil {
			return RFQ{}, err
		}
		stored, err := e.store.UpdateRFQ(ctx, next)
		if errors.Is(err, ErrVersionConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return RFQ{}, err
		}
		return stored, nil
	}
}

// MarkBroadcastDelivered records that a supplier was actually granted
// visibility. Delivery before the scheduled instant is refused so the
// scheduled_at <= delivered_at invariant holds by construction.
func (e *Engine) MarkBroadcastDelivered(ctx context.Context, rfqID, supplierID string) (Broadcast, error) {
	b, err := e.store.GetBroadcast(ctx, rfqID, supplierID)
	if err != nil {
		return Broadcast{}, err
	}
	now := e.clock.Now()
	if now.Before(b.ScheduledAt) {
		return Broadcast{}, fmt.Errorf("%w: broadcast window for %s starts at %s", ErrInvalidArgument, supplierID, b.ScheduledAt.Format(time.RFC3339))
	}
	if err := e.store.MarkDelivered(ctx, rfqID, supplierID, now); err != nil {
		return Broadcast{}, err
	}
	return e.store.GetBroadcast(ctx, rfqID, supplierID)
}

// visibleTo reports whether the supplier's broadcast has been delivered at
// or before now. Suppliers cannot respond before their scheduled window.
func (e *Engine) visibleTo(ctx context.Context, rfqID, supplierID string, now time.Time) bool {
	b, err := e.store.GetBroadcast(ctx, rfqID, supplierID)
	if err != nil {
		return false
	}
	return b.DeliveredAt != nil && !b.DeliveredAt.After(now)
}

// sweepLimit bounds one sweep pass; leftovers are picked up next tick.
const sweepLimit = 200

// SweepExpiredHolds reopens races whose priority hold has lapsed. Safe to
// run from any number of instances: each reopen is a conditional write, a
// conflict just means another sweeper got there first. A failure on one
// RFQ never blocks the rest of the pass.
func (e *Engine) SweepExpiredHolds(ctx context.Context) ([]string, []error) {
	now := e.clock.Now()
	expired, err := e.store.ExpiredHolds(ctx, now, sweepLimit)
	if err != nil {
		return nil, []error{err}
	}
	var reopened []string
	var errs []error
	for _, rfq := range expired {
		next, aerr := Apply(rfq, Event{Kind: EventHoldExpire}, now)
		if aerr != nil {
			continue // already moved on since the scan
		}
		if _, uerr := e.store.UpdateRFQ(ctx, next); uerr != nil {
			if errors.Is(uerr, ErrVersionConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("reopen rfq %s: %w", rfq.ID, uerr))
			continue
		}
		reopened = append(reopened, rfq.ID)
	}
	return reopened, errs
}

// SweepExpiredDeadlines closes races that outlived their deadline with no
// winner. This is also how a service RFQ whose buyer never selected a
// winner ends up closed. A race nobody ever touched is still stored open;
// the scan returns those too once their window has been reached, and the
// pass promotes them before closing so no RFQ is stranded.
func (e *Engine) SweepExpiredDeadlines(ctx context.Context) ([]string, []error) {
	now := e.clock.Now()
	expired, err := e.store.ExpiredDeadlines(ctx, now, sweepLimit)
	if err != nil {
		return nil, []error{err}
	}
	var closed []string
	var errs []error
	for _, rfq := range expired {
		if rfq.Status == StatusOpen {
			promoted, aerr := Apply(rfq, Event{Kind: EventRaceOpen}, now)
			if aerr != nil {
				continue
			}
			rfq = promoted
		}
		next, aerr := Apply(rfq, Event{Kind: EventDeadline}, now)
		if aerr != nil {
			continue
		}
		if _, uerr := e.store.UpdateRFQ(ctx, next); uerr != nil {
			if errors.Is(uerr, ErrVersionConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("close rfq %s: %w", rfq.ID, uerr))
			continue
		}
		closed = append(closed, rfq.ID)
	}
	return closed, errs
}

// GetRFQ returns the raw current snapshot.
func (e *Engine) GetRFQ(ctx context.Context, rfqID string) (RFQ, error) {
	return e.store.GetRFQ(ctx, rfqID)
}

// Broadcasts returns the computed schedule for an RFQ.
func (e *Engine) Broadcasts(ctx context.Context, rfqID string) ([]Broadcast, error) {
	if _, err := e.store.GetRFQ(ctx, rfqID); err != nil {
		return nil, err
	}
	return e.store.ListBroadcasts(ctx, rfqID)
}
