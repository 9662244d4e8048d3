package race

import (
	"errors"
	"time"
)

// RFQType selects the award rule set for a race.
type RFQType string

const (
	TypeCommodity RFQType = "commodity"
	TypeCustom    RFQType = "custom"
	TypeService   RFQType = "service"
)

// Valid reports whether t is a known RFQ type.
func (t RFQType) Valid() bool {
	switch t {
	case TypeCommodity, TypeCustom, TypeService:
		return true
	default:
		return false
	}
}

// Status is the RFQ lifecycle state. Exactly one status holds at a time.
type Status string

const (
	StatusOpen         Status = "open"
	StatusBidding      Status = "bidding"
	StatusPriorityHold Status = "priority_hold"
	StatusAwarded      Status = "awarded"
	StatusClosed       Status = "closed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status is immutable once reached.
func (s Status) Terminal() bool {
	switch s {
	case StatusAwarded, StatusClosed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Urgency controls whether broadcast scheduling respects business hours.
type Urgency string

const (
	UrgencyStandard Urgency = "standard"
	UrgencyUrgent   Urgency = "urgent"
)

// SupplierTier classifies a supplier for broadcast head-start purposes.
// Tier assignment policy lives outside the engine; tier is an input.
type SupplierTier string

const (
	TierVerifiedPartner SupplierTier = "verified_partner"
	TierApproved        SupplierTier = "approved"
	TierPending         SupplierTier = "pending"
	TierSuspended       SupplierTier = "suspended"
)

// ResponseType is the kind of reply a supplier submits.
type ResponseType string

const (
	ResponseAccept      ResponseType = "accept"
	ResponseInfoRequest ResponseType = "info_request"
	ResponseDecline     ResponseType = "decline"
)

// Valid reports whether t is a known response type.
func (t ResponseType) Valid() bool {
	switch t {
	case ResponseAccept, ResponseInfoRequest, ResponseDecline:
		return true
	default:
		return false
	}
}

// PriorityHoldDuration is how long the first accepting supplier on a
// custom RFQ holds exclusive claim pending buyer confirmation.
const PriorityHoldDuration = 2 * time.Hour

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// BudgetRange is the buyer's optional budget band for an RFQ.
type BudgetRange struct {
	Currency string `json:"currency"`
	Min      int64  `json:"min"`
	Max      int64  `json:"max"`
}

// GoodsSpec describes a commodity purchase.
type GoodsSpec struct {
	SKU      string `json:"sku,omitempty"`
	Quantity int64  `json:"quantity"`
	Unit     string `json:"unit,omitempty"`
}

// ProjectSpec describes a custom manufacturing or build request.
type ProjectSpec struct {
	Summary      string   `json:"summary"`
	Deliverables []string `json:"deliverables,omitempty"`
}

// ServiceBriefSpec describes an ongoing service engagement.
type ServiceBriefSpec struct {
	Summary   string `json:"summary"`
	StartDate string `json:"start_date,omitempty"`
	DurationD int    `json:"duration_days,omitempty"`
}

// SpecPayload is the open-ended specification attached to an RFQ: a tagged
// union of known shapes plus an opaque extension map. The engine never
// inspects it; only rfq_type drives decisions.
type SpecPayload struct {
	Kind    string            `json:"kind,omitempty"`
	Goods   *GoodsSpec        `json:"goods,omitempty"`
	Project *ProjectSpec      `json:"project,omitempty"`
	Brief   *ServiceBriefSpec `json:"brief,omitempty"`
	Extra   map[string]any    `json:"extra,omitempty"`
}

// RFQ is a buyer's sourcing request entering the race engine.
//
// Version is the optimistic-concurrency token: every mutation goes through
// a conditional write keyed on it, so concurrent accepts resolve to at
// most one winner.
type RFQ struct {
	ID          string       `json:"id"`
	BuyerID     string       `json:"buyer_id"`
	OrgID       string       `json:"org_id"`
	Type        RFQType      `json:"rfq_type"`
	Title       string       `json:"title"`
	Spec        SpecPayload  `json:"spec"`
	Budget      *BudgetRange `json:"budget,omitempty"`
	Deadline    *time.Time   `json:"deadline,omitempty"`
	Status      Status       `json:"status"`
	Urgency     Urgency      `json:"urgency"`
	HolderID    string       `json:"priority_holder_id,omitempty"`
	HoldExpires *time.Time   `json:"priority_hold_expires_at,omitempty"`
	AwardedTo   string       `json:"awarded_to,omitempty"`
	RaceOpensAt *time.Time   `json:"race_opens_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Version     int64        `json:"version"`
}

// Response is one supplier reply to an RFQ. Rows are append-only;
// corrections are new rows.
type Response struct {
	ID          string       `json:"id"`
	RFQID       string       `json:"rfq_id"`
	SupplierID  string       `json:"supplier_id"`
	Type        ResponseType `json:"response_type"`
	QuotedPrice *Money       `json:"quoted_price,omitempty"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Broadcast is a scheduled visibility record: when one supplier gets to
// see the RFQ. ScheduledAt is immutable once computed.
type Broadcast struct {
	RFQID       string     `json:"rfq_id"`
	SupplierID  string     `json:"supplier_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
}

// Supplier is the scheduler's view of an eligible supplier.
type Supplier struct {
	ID       string       `json:"id"`
	Tier     SupplierTier `json:"tier"`
	Timezone string       `json:"timezone"`
}

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidArgument = errors.New("invalid argument")
)

// OutcomeKind is the definitive result of arbitrating one response.
type OutcomeKind string

const (
	OutcomeAwarded     OutcomeKind = "awarded"
	OutcomeHoldGranted OutcomeKind = "hold_granted"
	OutcomeRecorded    OutcomeKind = "recorded"
	OutcomeRejected    OutcomeKind = "rejected"
)

// RejectReason explains a rejected response. Lost races are expected and
// non-retryable; they surface to the supplier as "opportunity closed".
type RejectReason string

const (
	RejectAlreadyAwarded RejectReason = "already_awarded"
	RejectHoldActive     RejectReason = "hold_active"
	RejectDeadlinePassed RejectReason = "deadline_passed"
	RejectNotYetVisible  RejectReason = "not_yet_visible"
	RejectRaceClosed     RejectReason = "race_closed"
)

// Outcome is returned by every SubmitResponse call; no response is ever
// silently dropped.
type Outcome struct {
	Kind       OutcomeKind  `json:"kind"`
	SupplierID string       `json:"supplier_id,omitempty"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	Reason     RejectReason `json:"reason,omitempty"`
}

func awarded(supplierID string) Outcome {
	return Outcome{Kind: OutcomeAwarded, SupplierID: supplierID}
}

func holdGranted(supplierID string, expiresAt time.Time) Outcome {
	return Outcome{Kind: OutcomeHoldGranted, SupplierID: supplierID, ExpiresAt: &expiresAt}
}

func recorded() Outcome {
	return Outcome{Kind: OutcomeRecorded}
}

func rejected(reason RejectReason) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

// Clock provides wall-clock time. All scheduling math goes through it so
// tests can pin the instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
