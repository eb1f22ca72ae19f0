package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestOutbox_Enqueue(t *testing.T) {
	tx := &recordingTx{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	outbox := NewOutbox().WithClock(func() time.Time { return fixed })

	err := outbox.Enqueue(context.Background(), tx, EventDisputeOpened, Intent{
		UserID:    "user-1",
		Title:     "Dispute update",
		Body:      "A dispute was opened.",
		RelatedID: "dispute-1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(tx.execs) != 1 {
		t.Fatalf("expected one insert, got %d", len(tx.execs))
	}
	if got := tx.execs[0].args[0]; got != "dispute.opened" {
		t.Fatalf("wrong topic: %v", got)
	}

	var intent Intent
	payload, ok := tx.execs[0].args[1].([]byte)
	if !ok {
		t.Fatalf("payload arg is %T, want []byte", tx.execs[0].args[1])
	}
	if err := json.Unmarshal(payload, &intent); err != nil {
		t.Fatalf("payload is not valid intent JSON: %v", err)
	}
	if intent.UserID != "user-1" || intent.RelatedID != "dispute-1" {
		t.Fatalf("intent fields lost in payload: %+v", intent)
	}
	if !intent.At.Equal(fixed) {
		t.Fatalf("zero At should be stamped with the clock, got %s", intent.At)
	}
}

func TestOutbox_EnqueueRejectsAnonymousIntent(t *testing.T) {
	tx := &recordingTx{}
	if err := NewOutbox().Enqueue(context.Background(), tx, EventPenaltyCharged, Intent{Body: "no recipient"}); err == nil {
		t.Fatal("intent without a user id should be rejected")
	}
	if len(tx.execs) != 0 {
		t.Fatal("nothing should be written for a rejected intent")
	}
}

type execCall struct {
	sql  string
	args []any
}

type recordingTx struct {
	execs []execCall
}

func (r *recordingTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.execs = append(r.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (r *recordingTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("recordingTx does not support nested transactions")
}

func (r *recordingTx) Commit(context.Context) error   { return nil }
func (r *recordingTx) Rollback(context.Context) error { return nil }

func (r *recordingTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (r *recordingTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (r *recordingTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (r *recordingTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (r *recordingTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (r *recordingTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (r *recordingTx) Conn() *pgx.Conn {
	return nil
}
