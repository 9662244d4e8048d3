package race

import (
	"context"
	"time"
)

// Store is the persistence contract for the race engine. The engine is
// stateless over it; any number of instances may run in parallel, so all
// RFQ mutations are conditional on the version read (UpdateRFQ) and the
// response/broadcast tables are append-only or replace-while-undelivered.
type Store interface {
	// CreateRFQ inserts a new RFQ. Returns ErrAlreadyExists on id reuse.
	CreateRFQ(ctx context.Context, rfq RFQ) error

	// GetRFQ returns the current snapshot, version included.
	GetRFQ(ctx context.Context, id string) (RFQ, error)

	// UpdateRFQ persists rfq only if the stored version still equals
	// rfq.Version, then bumps it. Returns the stored snapshot, or
	// ErrVersionConflict when the conditional write lost a race.
	UpdateRFQ(ctx context.Context, rfq RFQ) (RFQ, error)

	// ReplaceBroadcasts swaps the schedule for an RFQ. Once any broadcast
	// has been delivered the existing rows are kept and the call is a
	// no-op, which makes replanning idempotent.
	ReplaceBroadcasts(ctx context.Context, rfqID string, rows []Broadcast) error

	// ListBroadcasts returns the schedule for an RFQ (possibly empty).
	ListBroadcasts(ctx context.Context, rfqID string) ([]Broadcast, error)

	// GetBroadcast returns one supplier's visibility record.
	GetBroadcast(ctx context.Context, rfqID, supplierID string) (Broadcast, error)

	// MarkDelivered records actual delivery of a broadcast.
	MarkDelivered(ctx context.Context, rfqID, supplierID string, at time.Time) error

	// AppendResponse records a supplier reply. Responses are immutable.
	AppendResponse(ctx context.Context, resp Response) error

	// ListResponses returns all replies for an RFQ in submission order.
	ListResponses(ctx context.Context, rfqID string) ([]Response, error)

	// ExpiredHolds lists RFQs in priority_hold whose hold expiry is at or
	// before now, up to limit.
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]RFQ, error)

	// ExpiredDeadlines lists RFQs still bidding past their deadline, up to
	// limit.
	ExpiredDeadlines(ctx context.Context, now time.Time, limit int) ([]RFQ, error)
}
