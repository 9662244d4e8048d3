package schedule

import (
	"testing"
	"time"

	"quotana.org/internal/race"
)

// Wednesday 10:00 UTC, inside business hours.
var planNow = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

func TestTierDelayOrdering(t *testing.T) {
	if got := TierDelay(race.TierVerifiedPartner); got != 0 {
		t.Fatalf("verified delay = %v, want 0", got)
	}
	if got := TierDelay(race.TierApproved); got != ApprovedTierDelay {
		t.Fatalf("approved delay = %v, want %v", got, ApprovedTierDelay)
	}
	if got := TierDelay(race.TierPending); got != TierDelay(race.TierApproved) {
		t.Fatalf("pending delay %v differs from approved %v", got, TierDelay(race.TierApproved))
	}
}

func TestEligible(t *testing.T) {
	if Eligible(race.TierSuspended) {
		t.Fatal("suspended suppliers must not be eligible")
	}
	for _, tier := range []race.SupplierTier{race.TierVerifiedPartner, race.TierApproved, race.TierPending} {
		if !Eligible(tier) {
			t.Fatalf("tier %s should be eligible", tier)
		}
	}
}

func TestPlanTierHeadStart(t *testing.T) {
	rfq := race.RFQ{ID: "rfq-1", Urgency: race.UrgencyStandard}
	opens, rows, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "fast", Tier: race.TierVerifiedPartner, Timezone: "UTC"},
		{ID: "slow", Tier: race.TierApproved, Timezone: "UTC"},
	}, planNow)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	byID := map[string]race.Broadcast{}
	for _, b := range rows {
		byID[b.SupplierID] = b
	}
	wantFast := planNow.Add(MinRaceDelay)
	if !byID["fast"].ScheduledAt.Equal(wantFast) {
		t.Fatalf("verified scheduled at %v, want %v", byID["fast"].ScheduledAt, wantFast)
	}
	if got := byID["slow"].ScheduledAt.Sub(byID["fast"].ScheduledAt); got != ApprovedTierDelay {
		t.Fatalf("head start = %v, want %v", got, ApprovedTierDelay)
	}
	if !opens.Equal(wantFast) {
		t.Fatalf("opens at %v, want earliest slot %v", opens, wantFast)
	}
}

func TestPlanSkipsSuspendedSuppliers(t *testing.T) {
	rfq := race.RFQ{ID: "rfq-1"}
	_, rows, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "ok", Tier: race.TierApproved, Timezone: "UTC"},
		{ID: "banned", Tier: race.TierSuspended, Timezone: "UTC"},
	}, planNow)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(rows) != 1 || rows[0].SupplierID != "ok" {
		t.Fatalf("rows = %+v, want only the approved supplier", rows)
	}
}

func TestPlanFailsWithNoEligibleSuppliers(t *testing.T) {
	rfq := race.RFQ{ID: "rfq-1"}
	_, _, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "banned", Tier: race.TierSuspended},
	}, planNow)
	if err == nil {
		t.Fatal("expected error for all-suspended supplier list")
	}
}

func TestPlanDefersToBusinessHours(t *testing.T) {
	// 23:40 UTC: base lands after close, so the slot rolls to 09:00 next day.
	lateNight := time.Date(2025, 3, 12, 23, 40, 0, 0, time.UTC)
	rfq := race.RFQ{ID: "rfq-1", Urgency: race.UrgencyStandard}
	opens, _, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "sup-1", Tier: race.TierVerifiedPartner, Timezone: "UTC"},
	}, lateNight)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC)
	if !opens.Equal(want) {
		t.Fatalf("opens at %v, want %v", opens, want)
	}
}

func TestPlanEarlyMorningWaitsForOpen(t *testing.T) {
	dawn := time.Date(2025, 3, 12, 6, 0, 0, 0, time.UTC)
	rfq := race.RFQ{ID: "rfq-1", Urgency: race.UrgencyStandard}
	opens, _, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "sup-1", Tier: race.TierVerifiedPartner, Timezone: "UTC"},
	}, dawn)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	if !opens.Equal(want) {
		t.Fatalf("opens at %v, want %v", opens, want)
	}
}

func TestPlanTierOffsetStaysInBusinessHours(t *testing.T) {
	// Base lands at 17:59:40; the +30s approved offset would slip past
	// close, so the slot rolls to the next day's open instead.
	nearClose := time.Date(2025, 3, 12, 17, 54, 40, 0, time.UTC)
	rfq := race.RFQ{ID: "rfq-1", Urgency: race.UrgencyStandard}
	_, rows, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "fast", Tier: race.TierVerifiedPartner, Timezone: "UTC"},
		{ID: "slow", Tier: race.TierApproved, Timezone: "UTC"},
	}, nearClose)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	byID := map[string]race.Broadcast{}
	for _, b := range rows {
		byID[b.SupplierID] = b
	}
	wantFast := nearClose.Add(MinRaceDelay)
	if !byID["fast"].ScheduledAt.Equal(wantFast) {
		t.Fatalf("verified scheduled at %v, want %v", byID["fast"].ScheduledAt, wantFast)
	}
	wantSlow := time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC)
	if !byID["slow"].ScheduledAt.Equal(wantSlow) {
		t.Fatalf("approved scheduled at %v, want next-day open %v", byID["slow"].ScheduledAt, wantSlow)
	}
}

func TestPlanUrgentBypassesBusinessHours(t *testing.T) {
	lateNight := time.Date(2025, 3, 12, 23, 40, 0, 0, time.UTC)
	rfq := race.RFQ{ID: "rfq-1", Urgency: race.UrgencyUrgent}
	opens, _, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "sup-1", Tier: race.TierVerifiedPartner, Timezone: "UTC"},
	}, lateNight)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := lateNight.Add(MinRaceDelay)
	if !opens.Equal(want) {
		t.Fatalf("urgent opens at %v, want %v", opens, want)
	}
}

func TestPlanRespectsSupplierTimezone(t *testing.T) {
	// 10:00 UTC is early morning in New York; the slot waits for the local open.
	rfq := race.RFQ{ID: "rfq-1", Urgency: race.UrgencyStandard}
	_, rows, err := Scheduler{}.Plan(rfq, []race.Supplier{
		{ID: "sup-ny", Tier: race.TierVerifiedPartner, Timezone: "America/New_York"},
	}, planNow)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	got := rows[0].ScheduledAt.In(ny)
	if got.Hour() != businessOpenHour {
		t.Fatalf("scheduled local time = %v, want %02d:00 local", got, businessOpenHour)
	}
}
