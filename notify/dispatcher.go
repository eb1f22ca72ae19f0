package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink delivers a notification to a user. Implementations are expected to be
// fire-and-forget channels (push, email); a returned error only schedules a
// retry, it never surfaces to the code that produced the intent.
type Sink interface {
	Notify(ctx context.Context, topic EventType, intent Intent) error
}

const maxAttempts = 5

// Dispatcher drains pending outbox rows and hands them to the sink. Rows are
// claimed with SKIP LOCKED so multiple dispatchers can run concurrently.
type Dispatcher struct {
	pool     *pgxpool.Pool
	sink     Sink
	interval time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, sink Sink, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{pool: pool, sink: sink, interval: interval}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				log.Printf("notify: drain outbox: %v", err)
			}
		}
	}
}

// DrainOnce claims up to one batch of pending messages and dispatches them.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 20
	`)
	if err != nil {
		return fmt.Errorf("notify: claim pending: %w", err)
	}

	msgs := make([]Message, 0, 20)
	for rows.Next() {
		var (
			m       Message
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("notify: scan outbox row: %w", err)
		}
		if err := json.Unmarshal(payload, &m.Intent); err != nil {
			log.Printf("notify: malformed intent in outbox row %s: %v", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("notify: iterate outbox rows: %w", err)
	}

	for _, m := range msgs {
		if err := d.sink.Notify(ctx, m.Topic, m.Intent); err != nil {
			next := `UPDATE outbox SET attempts = attempts + 1, last_attempt = now() WHERE id = $1`
			if m.Attempts+1 >= maxAttempts {
				next = `UPDATE outbox SET status = 'dead', attempts = attempts + 1, last_attempt = now() WHERE id = $1`
			}
			if _, err := tx.Exec(ctx, next, m.ID); err != nil {
				return fmt.Errorf("notify: record failed attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, m.ID); err != nil {
			return fmt.Errorf("notify: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("notify: commit drain: %w", err)
	}
	return nil
}

// LogSink writes notifications to the process log. It stands in for the real
// push/email channel, which lives outside this repository.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, topic EventType, intent Intent) error {
	log.Printf("notify: %s -> user %s: %s", topic, intent.UserID, intent.Title)
	return nil
}
