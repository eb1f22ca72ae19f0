package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Enqueuer is the narrow interface domain services depend on. A state change
// and the intents describing it commit or roll back together.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic EventType, intent Intent) error
}

// Outbox writes notification intents into the outbox table inside the
// caller's transaction.
type Outbox struct {
	now func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{now: time.Now}
}

func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic EventType, intent Intent) error {
	if intent.UserID == "" {
		return fmt.Errorf("notify: intent missing user id")
	}
	if intent.At.IsZero() {
		intent.At = o.now().UTC()
	}

	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("notify: marshal intent: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, string(topic), body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
