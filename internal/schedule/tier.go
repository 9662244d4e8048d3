package schedule

import (
	"time"

	"quotana.org/internal/race"
)

// ApprovedTierDelay is the head start verified partners get over approved
// and pending suppliers. Interoperating implementations must agree on it.
const ApprovedTierDelay = 30 * time.Second

// TierDelay maps a supplier tier to its broadcast delay offset. Pending
// suppliers see the RFQ at the same instant as approved ones; tier affects
// head start among responders, not eligibility.
func TierDelay(t race.SupplierTier) time.Duration {
	switch t {
	case race.TierVerifiedPartner:
		return 0
	case race.TierApproved, race.TierPending:
		return ApprovedTierDelay
	default:
		return 0
	}
}

// Eligible reports whether a supplier may be scheduled at all.
func Eligible(t race.SupplierTier) bool {
	return t != race.TierSuspended
}
