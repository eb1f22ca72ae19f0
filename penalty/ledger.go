package penalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillbarter/notify"
)

var (
	// ErrAlreadyIssued signals a second penalty write for the same dispute hit
	// the one-per-dispute guardrail.
	ErrAlreadyIssued = errors.New("penalty: already issued for dispute")
)

// IssueParams enumerates the fields required to charge a penalty.
type IssueParams struct {
	UserID      string
	AgreementID string
	DisputeID   *string
	Reason      Reason
}

// Issuer is the interface the dispute and agreement services charge through.
type Issuer interface {
	Issue(ctx context.Context, tx pgx.Tx, params IssueParams) (Record, error)
}

// Ledger issues and reads penalty records.
type Ledger struct {
	pool   *pgxpool.Pool
	outbox notify.Enqueuer
	idGen  func() string
	now    func() time.Time
}

func NewLedger(pool *pgxpool.Pool, outbox notify.Enqueuer) *Ledger {
	return &Ledger{
		pool:   pool,
		outbox: outbox,
		idGen:  func() string { return uuid.NewString() },
		now:    time.Now,
	}
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.idGen = gen
	return l
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Issue charges a penalty inside the caller's transaction. The charged-user
// notification is enqueued in the same transaction so a slow notification
// channel can never fail or block the financial write.
func (l *Ledger) Issue(ctx context.Context, tx pgx.Tx, params IssueParams) (Record, error) {
	if params.UserID == "" {
		return Record{}, fmt.Errorf("penalty: missing user id")
	}
	if params.AgreementID == "" {
		return Record{}, fmt.Errorf("penalty: missing agreement id")
	}

	rec := Record{
		ID:          l.idGen(),
		UserID:      params.UserID,
		AgreementID: params.AgreementID,
		DisputeID:   params.DisputeID,
		Amount:      AmountFor(params.Reason),
		Currency:    Currency,
		Reason:      params.Reason,
		Status:      StatusCharged,
	}

	const insertSQL = `
		INSERT INTO penalties (id, user_id, agreement_id, dispute_id, amount, currency, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'charged')
		RETURNING created_at, charged_at
	`
	err := tx.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.UserID,
		rec.AgreementID,
		rec.DisputeID,
		rec.Amount,
		rec.Currency,
		rec.Reason,
	).Scan(&rec.CreatedAt, &rec.ChargedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyIssued
		}
		return Record{}, fmt.Errorf("penalty: insert: %w", err)
	}

	intent := notify.Intent{
		UserID:    rec.UserID,
		Title:     "Penalty charged",
		Body:      fmt.Sprintf("A penalty of %.2f %s was charged: %s.", rec.Amount, rec.Currency, rec.Reason),
		RelatedID: rec.AgreementID,
	}
	if err := l.outbox.Enqueue(ctx, tx, notify.EventPenaltyCharged, intent); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// ListForUser returns the user's penalties, newest first.
func (l *Ledger) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	const query = `
		SELECT id, user_id, agreement_id, dispute_id, amount, currency, reason::text, status::text, created_at, charged_at
		FROM penalties
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	return l.list(ctx, query, userID)
}

// ListForAgreement returns every penalty tied to an agreement.
func (l *Ledger) ListForAgreement(ctx context.Context, agreementID string) ([]Record, error) {
	const query = `
		SELECT id, user_id, agreement_id, dispute_id, amount, currency, reason::text, status::text, created_at, charged_at
		FROM penalties
		WHERE agreement_id = $1
		ORDER BY created_at DESC
	`
	return l.list(ctx, query, agreementID)
}

func (l *Ledger) list(ctx context.Context, query string, arg any) ([]Record, error) {
	rows, err := l.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("penalty: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.AgreementID,
			&rec.DisputeID,
			&rec.Amount,
			&rec.Currency,
			&rec.Reason,
			&rec.Status,
			&rec.CreatedAt,
			&rec.ChargedAt,
		); err != nil {
			return nil, fmt.Errorf("penalty: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("penalty: iterate: %w", err)
	}
	return out, nil
}
