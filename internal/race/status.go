package race

import (
	"context"
	"time"
)

// BroadcastTally summarises delivery progress for a race.
type BroadcastTally struct {
	Scheduled int `json:"scheduled"`
	Delivered int `json:"delivered"`
	Viewed    int `json:"viewed"`
}

// RaceStatus is the read-only snapshot polled by UI layers (e.g. the
// priority-hold countdown). Pure projection, no side effects.
type RaceStatus struct {
	RFQID         string               `json:"rfq_id"`
	Type          RFQType              `json:"rfq_type"`
	Status        Status               `json:"status"`
	RaceOpensAt   *time.Time           `json:"race_opens_at,omitempty"`
	OpensInSec    int64                `json:"opens_in_seconds,omitempty"`
	HoldExpiresAt *time.Time           `json:"hold_expires_at,omitempty"`
	HoldRemaining int64                `json:"hold_remaining_seconds,omitempty"`
	HolderID      string               `json:"priority_holder_id,omitempty"`
	AwardedTo     string               `json:"awarded_to,omitempty"`
	Deadline      *time.Time           `json:"deadline,omitempty"`
	Responses     map[ResponseType]int `json:"responses"`
	Broadcasts    BroadcastTally       `json:"broadcasts"`
	AsOf          time.Time            `json:"as_of"`
}

// RaceStatus assembles the projection for one RFQ. It tolerates races
// with zero responses and zero broadcasts, and reflects an already-reached
// open window as bidding without writing anything back.
func (e *Engine) RaceStatus(ctx context.Context, rfqID string) (RaceStatus, error) {
	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if err != nil {
		return RaceStatus{}, err
	}
	now := e.clock.Now()

	status := rfq.Status
	if status == StatusOpen && rfq.RaceOpensAt != nil && !now.Before(*rfq.RaceOpensAt) {
		status = StatusBidding
	}
	// A lapsed deadline reads as closed even before the sweeper commits it,
	// so countdown UIs never show a live race that can no longer be won.
	if status == StatusBidding && rfq.Deadline != nil && !now.Before(*rfq.Deadline) {
		status = StatusClosed
	}

	st := RaceStatus{
		RFQID:       rfq.ID,
		Type:        rfq.Type,
		Status:      status,
		RaceOpensAt: rfq.RaceOpensAt,
		HolderID:    rfq.HolderID,
		AwardedTo:   rfq.AwardedTo,
		Deadline:    rfq.Deadline,
		Responses:   make(map[ResponseType]int),
		AsOf:        now,
	}
	if status == StatusOpen && rfq.RaceOpensAt != nil {
		if d := rfq.RaceOpensAt.Sub(now); d > 0 {
			st.OpensInSec = int64(d / time.Second)
		}
	}
	if status == StatusPriorityHold && rfq.HoldExpires != nil {
		st.HoldExpiresAt = rfq.HoldExpires
		if d := rfq.HoldExpires.Sub(now); d > 0 {
			st.HoldRemaining = int64(d / time.Second)
		}
	}

	responses, err := e.store.ListResponses(ctx, rfqID)
	if err != nil {
		return RaceStatus{}, err
	}
	for _, r := range responses {
		st.Responses[r.Type]++
	}

	broadcasts, err := e.store.ListBroadcasts(ctx, rfqID)
	if err != nil {
		return RaceStatus{}, err
	}
	st.Broadcasts.Scheduled = len(broadcasts)
	for _, b := range broadcasts {
		if b.DeliveredAt != nil {
			st.Broadcasts.Delivered++
		}
		if b.ViewedAt != nil {
			st.Broadcasts.Viewed++
		}
	}
	return st, nil
}
