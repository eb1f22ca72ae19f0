package notify

import "time"

// EventType enumerates the notification topics the domain emits.
type EventType string

const (
	EventDisputeOpened          EventType = "dispute.opened"
	EventDisputeResponse        EventType = "dispute.response"
	EventDisputeDecisionReady   EventType = "dispute.decision_ready"
	EventDisputeEscalated       EventType = "dispute.escalated"
	EventDisputeResolved        EventType = "dispute.resolved"
	EventPenaltyCharged         EventType = "penalty.charged"
	EventAgreementStatusChanged EventType = "agreement.status_changed"
)

// Intent is a pending notification written in the same transaction as the
// state change it describes. Delivery happens after commit via the dispatcher.
type Intent struct {
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	RelatedID string    `json:"related_id,omitempty"`
	At        time.Time `json:"at"`
}

// Message mirrors an outbox row handed to the dispatcher.
type Message struct {
	ID        string
	Topic     EventType
	Intent    Intent
	Attempts  int
	CreatedAt time.Time
}
