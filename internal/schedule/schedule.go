// Package schedule computes when an RFQ becomes visible to each eligible
// supplier. All outputs are plain timestamps evaluated later against a
// clock; nothing here sets timers.
package schedule

import (
	"fmt"
	"time"

	"quotana.org/internal/race"
)

const (
	// MinRaceDelay is the minimum gap between RFQ creation and the first
	// broadcast, so the race never opens mid-request.
	MinRaceDelay = 5 * time.Minute

	// Business hours in the supplier's local timezone.
	businessOpenHour  = 9
	businessCloseHour = 18
)

// Scheduler plans broadcast schedules. It is stateless; the instant to
// plan from is always passed in.
type Scheduler struct{}

var _ race.Planner = Scheduler{}

// Plan computes one broadcast row per eligible supplier and the instant
// the race logically begins (the earliest scheduled_at). Suspended
// suppliers are skipped. Urgent RFQs bypass the business-hours constraint.
func (Scheduler) Plan(rfq race.RFQ, suppliers []race.Supplier, now time.Time) (time.Time, []race.Broadcast, error) {
	rows := make([]race.Broadcast, 0, len(suppliers))
	var opensAt time.Time
	for _, s := range suppliers {
		if !Eligible(s.Tier) {
			continue
		}
		base := now.Add(MinRaceDelay)
		if rfq.Urgency != race.UrgencyUrgent {
			base = nextBusinessSlot(base, s.Timezone)
		}
		scheduled := base.Add(TierDelay(s.Tier))
		if rfq.Urgency != race.UrgencyUrgent {
			// The tier offset can push a slot just past close; realign it.
			scheduled = nextBusinessSlot(scheduled, s.Timezone)
		}
		rows = append(rows, race.Broadcast{
			RFQID:       rfq.ID,
			SupplierID:  s.ID,
			ScheduledAt: scheduled,
		})
		if opensAt.IsZero() || scheduled.Before(opensAt) {
			opensAt = scheduled
		}
	}
	if len(rows) == 0 {
		return time.Time{}, nil, fmt.Errorf("%w: rfq %s has no eligible suppliers to broadcast to", race.ErrInvalidArgument, rfq.ID)
	}
	return opensAt, rows, nil
}

// nextBusinessSlot pushes t forward to the next 09:00-18:00 window in the
// supplier's local timezone. An unknown or empty timezone falls back to
// UTC rather than failing the whole plan.
func nextBusinessSlot(t time.Time, tz string) time.Time {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	y, m, d := local.Date()
	open := time.Date(y, m, d, businessOpenHour, 0, 0, 0, loc)
	closing := time.Date(y, m, d, businessCloseHour, 0, 0, 0, loc)
	switch {
	case local.Before(open):
		return open
	case local.Before(closing):
		return t
	default:
		return open.AddDate(0, 0, 1)
	}
}
