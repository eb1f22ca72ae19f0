package agreement

import "time"

// Status represents the lifecycle of a barter agreement.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// ValidTransition reports whether from -> to is an allowed status change.
// Disputed agreements may be steered back to in_progress or completed only by
// the admin override path.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusCancelled || to == StatusDisputed
	case StatusDisputed:
		return to == StatusCancelled || to == StatusInProgress || to == StatusCompleted
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the agreement lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Record mirrors the agreements table.
type Record struct {
	ID               string
	RequesterID      string
	ProviderID       string
	Status           Status
	ProposalDeadline *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// DeliverableStatus tracks review state of submitted work.
type DeliverableStatus string

const (
	DeliverableSubmitted         DeliverableStatus = "submitted"
	DeliverableApproved          DeliverableStatus = "approved"
	DeliverableRevisionRequested DeliverableStatus = "revision_requested"
)

// Deliverable is read-only input to dispute scoring: who submitted, when,
// against which milestone due date, and whether it was approved.
type Deliverable struct {
	ID          string
	AgreementID string
	SubmitterID string
	MilestoneID *string
	Status      DeliverableStatus
	DueDate     *time.Time
	SubmittedAt time.Time
}

// Milestone carries an optional due date inherited by linked deliverables.
type Milestone struct {
	ID          string
	AgreementID string
	Title       string
	DueDate     *time.Time
	CreatedAt   time.Time
}

// Snapshot is the agreement view the dispute engine locks and reads inside
// its own transaction.
type Snapshot struct {
	ID               string
	RequesterID      string
	ProviderID       string
	Status           Status
	ProposalDeadline *time.Time
	CreatedAt        time.Time
	Deliverables     []Deliverable
}

// OtherParty returns the counterparty of userID on the agreement, or false if
// userID is not a party at all.
func (s Snapshot) OtherParty(userID string) (string, bool) {
	switch userID {
	case s.RequesterID:
		return s.ProviderID, true
	case s.ProviderID:
		return s.RequesterID, true
	default:
		return "", false
	}
}
