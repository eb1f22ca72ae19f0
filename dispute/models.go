package dispute

import "time"

// Status represents the dispute lifecycle. Transitions are forward-only:
// awaiting_response -> under_review -> (resolved | escalated_to_moderator),
// escalated_to_moderator -> resolved.
type Status string

const (
	StatusAwaitingResponse Status = "awaiting_response"
	StatusUnderReview      Status = "under_review"
	StatusEscalated        Status = "escalated_to_moderator"
	StatusResolved         Status = "resolved"
	// StatusClosed is a defunct terminal alias kept for historical rows.
	StatusClosed Status = "closed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Reason categorises why the dispute was opened.
type Reason string

const (
	ReasonWorkNotDelivered       Reason = "work_not_delivered"
	ReasonQualityIssues          Reason = "quality_issues"
	ReasonDeadlineMissed         Reason = "deadline_missed"
	ReasonCommunicationBreakdown Reason = "communication_breakdown"
	ReasonOther                  Reason = "other"
)

// SystemDecision is the algorithmic verdict derived from the score. It is
// advisory until enacted: a gray-zone decision never resolves on its own.
type SystemDecision string

const (
	DecisionProviderWins    SystemDecision = "provider_wins"
	DecisionComplainantWins SystemDecision = "complainant_wins"
	DecisionEscalate        SystemDecision = "escalate_to_moderator"
)

// Resolution is the outcome actually applied to penalties and the agreement.
type Resolution string

const (
	ResolutionNone             Resolution = "none"
	ResolutionFavorsComplainer Resolution = "favors_complainer"
	ResolutionFavorsRespondent Resolution = "favors_respondent"
	ResolutionModerator        Resolution = "moderator_decision"
)

// PartyDecision records one side of the accept/reject handshake.
type PartyDecision string

const (
	PartyPending PartyDecision = "pending"
	PartyAccept  PartyDecision = "accept"
	PartyReject  PartyDecision = "reject"
)

// ResponseWindow is how long the respondent has before silence auto-resolves
// against them.
const ResponseWindow = 72 * time.Hour

// Record mirrors the disputes table together with its append-only evidence
// and message ledgers.
type Record struct {
	ID           string
	AgreementID  string
	OpenedBy     string
	RespondentID string
	Reason       Reason
	Description  string

	Status         Status
	SystemDecision SystemDecision
	Resolution     Resolution

	// Score and its breakdown are computed once when the dispute opens and
	// never recalculated.
	Score    int
	Facts    Facts
	Evidence []Evidence
	Messages []Message

	ComplainerDecision PartyDecision
	RespondentDecision PartyDecision

	ModeratorID       *string
	ModeratorNotes    string
	ResolutionSummary string

	CreatedAt          time.Time
	ResponseDeadline   time.Time
	ResponseReceivedAt *time.Time
	EscalatedAt        *time.Time
	ClosedAt           *time.Time
	UpdatedAt          time.Time
}

// IsParty reports whether userID opened the dispute or is its respondent.
func (d Record) IsParty(userID string) bool {
	return userID == d.OpenedBy || userID == d.RespondentID
}

// Loser names the party a resolution disfavors. No party loses while the
// resolution is none or a bare moderator_decision without a favored side.
func (d Record) Loser() (string, bool) {
	switch d.Resolution {
	case ResolutionFavorsComplainer:
		return d.RespondentID, true
	case ResolutionFavorsRespondent:
		return d.OpenedBy, true
	default:
		return "", false
	}
}

// Evidence is an append-only link/description attached to a dispute.
type Evidence struct {
	ID          string
	DisputeID   string
	SubmitterID string
	Link        string
	Description string
	CreatedAt   time.Time
}

// Message is an append-only free-text response attached to a dispute.
type Message struct {
	ID        string
	DisputeID string
	SenderID  string
	Body      string
	CreatedAt time.Time
}

// EvidenceInput is the caller-supplied portion of an evidence row.
type EvidenceInput struct {
	Link        string
	Description string
}
