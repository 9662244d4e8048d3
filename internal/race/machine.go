package race

import (
	"fmt"
	"time"
)

// EventKind names a race lifecycle event fed to the state machine.
type EventKind string

const (
	EventRaceOpen     EventKind = "race_open"
	EventAccept       EventKind = "accept"
	EventHoldConfirm  EventKind = "hold_confirm"
	EventHoldRelease  EventKind = "hold_release"
	EventHoldExpire   EventKind = "hold_expire"
	EventSelectWinner EventKind = "select_winner"
	EventDeadline     EventKind = "deadline"
	EventCancel       EventKind = "cancel"
)

// Event is one input to Apply. SupplierID is set for accept, select_winner
// and (optionally, as a holder guard) hold_confirm.
type Event struct {
	Kind       EventKind
	SupplierID string
}

// Apply validates ev against the rfq snapshot and returns the snapshot to
// persist. It is a pure function: no I/O, no retries, derived facts (hold
// expiry) computed from now. Illegal transitions return ErrInvalidState;
// callers must not retry those.
//
// Holder and winner fields are settled in every arm that changes Status,
// so a holder exists only during priority_hold and a winner only once
// awarded.
func Apply(rfq RFQ, ev Event, now time.Time) (RFQ, error) {
	if rfq.Status.Terminal() {
		return RFQ{}, transitionErr(rfq.Status, ev.Kind, "rfq is terminal")
	}

	switch ev.Kind {
	case EventRaceOpen:
		if rfq.Status != StatusOpen {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "race already open")
		}
		if rfq.RaceOpensAt == nil || now.Before(*rfq.RaceOpensAt) {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "broadcast window not reached")
		}
		rfq.Status = StatusBidding
		return rfq, nil

	case EventAccept:
		if ev.SupplierID == "" {
			return RFQ{}, fmt.Errorf("%w: accept requires a supplier", ErrInvalidArgument)
		}
		if rfq.Status != StatusBidding {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "race is not bidding")
		}
		switch rfq.Type {
		case TypeCommodity:
			rfq.Status = StatusAwarded
			rfq.AwardedTo = ev.SupplierID
			rfq.HolderID = ""
			rfq.HoldExpires = nil
			return rfq, nil
		case TypeCustom:
			expires := now.Add(PriorityHoldDuration)
			rfq.Status = StatusPriorityHold
			rfq.HolderID = ev.SupplierID
			rfq.HoldExpires = &expires
			return rfq, nil
		default:
			// Service accepts are recorded by the arbitrator; award happens
			// via an explicit select_winner event.
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "accept does not transition service rfqs")
		}

	case EventHoldConfirm:
		if rfq.Status != StatusPriorityHold {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "no active hold")
		}
		if ev.SupplierID != "" && ev.SupplierID != rfq.HolderID {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "holder changed since hold was granted")
		}
		rfq.Status = StatusAwarded
		rfq.AwardedTo = rfq.HolderID
		rfq.HolderID = ""
		rfq.HoldExpires = nil
		return rfq, nil

	case EventHoldRelease, EventHoldExpire:
		if rfq.Status != StatusPriorityHold {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "no active hold")
		}
		if ev.Kind == EventHoldExpire {
			if rfq.HoldExpires == nil || now.Before(*rfq.HoldExpires) {
				return RFQ{}, transitionErr(rfq.Status, ev.Kind, "hold has not expired")
			}
		}
		rfq.Status = StatusBidding
		rfq.HolderID = ""
		rfq.HoldExpires = nil
		return rfq, nil

	case EventSelectWinner:
		if ev.SupplierID == "" {
			return RFQ{}, fmt.Errorf("%w: select_winner requires a supplier", ErrInvalidArgument)
		}
		if rfq.Type != TypeService {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "manual selection is service-only")
		}
		if rfq.Status != StatusBidding {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "race is not bidding")
		}
		rfq.Status = StatusAwarded
		rfq.AwardedTo = ev.SupplierID
		rfq.HolderID = ""
		rfq.HoldExpires = nil
		return rfq, nil

	case EventDeadline:
		if rfq.Status != StatusBidding {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "race is not bidding")
		}
		if rfq.Deadline == nil || now.Before(*rfq.Deadline) {
			return RFQ{}, transitionErr(rfq.Status, ev.Kind, "deadline has not elapsed")
		}
		rfq.Status = StatusClosed
		return rfq, nil

	case EventCancel:
		rfq.Status = StatusCancelled
		rfq.HolderID = ""
		rfq.HoldExpires = nil
		return rfq, nil

	default:
		return RFQ{}, fmt.Errorf("%w: unknown event %q", ErrInvalidArgument, ev.Kind)
	}
}

func transitionErr(from Status, ev EventKind, detail string) error {
	return fmt.Errorf("%w: %s on %s: %s", ErrInvalidState, ev, from, detail)
}
