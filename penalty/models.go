package penalty

import "time"

// Reason enumerates why a penalty was charged.
type Reason string

const (
	ReasonAgreementAbandoned Reason = "agreement_abandoned"
	ReasonNoDisputeResponse  Reason = "no_dispute_response"
	ReasonDisputeLostFull    Reason = "dispute_lost_full_penalty"
	ReasonDisputeLostHalf    Reason = "dispute_lost_half_penalty"
)

// Status of a penalty. The ledger only ever records charged rows.
type Status string

const StatusCharged Status = "charged"

// Fixed penalty tiers. Only the explicit half-penalty reason charges the
// reduced amount.
const (
	FullAmount = 50.00
	HalfAmount = 25.00
	Currency   = "EUR"
)

// Record mirrors the penalties table. Rows are append-only: created on a
// terminal dispute transition or abandonment sweep, never mutated or deleted.
type Record struct {
	ID          string
	UserID      string
	AgreementID string
	DisputeID   *string
	Amount      float64
	Currency    string
	Reason      Reason
	Status      Status
	CreatedAt   time.Time
	ChargedAt   time.Time
}

// AmountFor returns the tier charged for a reason.
func AmountFor(reason Reason) float64 {
	if reason == ReasonDisputeLostHalf {
		return HalfAmount
	}
	return FullAmount
}
