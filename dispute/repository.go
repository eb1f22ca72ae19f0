package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrForbidden signals the actor may not perform the operation.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrBadStatus signals the dispute (or its agreement) is in the wrong
	// lifecycle state for the operation.
	ErrBadStatus = errors.New("dispute: invalid status transition")
	// ErrDuplicateOpen signals the agreement already has a non-terminal dispute.
	ErrDuplicateOpen = errors.New("dispute: agreement already disputed")
	// ErrConflict signals the row changed under a concurrent transition.
	// Callers may retry.
	ErrConflict = errors.New("dispute: concurrent transition")
	// ErrDeadlineExpired signals the response window lapsed and the dispute
	// auto-resolved instead of applying the caller's operation.
	ErrDeadlineExpired = errors.New("dispute: response deadline expired")
)

const disputeColumns = `
	id, agreement_id, opened_by, respondent_id, reason::text, description,
	status::text, system_decision::text, resolution::text, score,
	complainer_delivered, respondent_delivered, complainer_on_time,
	respondent_on_time, complainer_approved, respondent_approved,
	complainer_decision::text, respondent_decision::text,
	moderator_id, moderator_notes, resolution_summary,
	created_at, response_deadline, response_received_at, escalated_at, closed_at, updated_at
`

// Store defines the data access the state machine needs. Transaction-scoped
// methods take pgx.Tx so a whole transition commits or rolls back as one.
type Store interface {
	InsertTx(ctx context.Context, tx pgx.Tx, d Record) error
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error)
	HasActiveForAgreementTx(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error)
	SaveTx(ctx context.Context, tx pgx.Tx, d Record, expected Status) error
	AppendEvidenceTx(ctx context.Context, tx pgx.Tx, ev Evidence) error
	AppendMessageTx(ctx context.Context, tx pgx.Tx, msg Message) error
	ListExpiredAwaiting(ctx context.Context, now time.Time) ([]string, error)
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// InsertTx creates the dispute row. The partial unique index on active
// disputes per agreement backs up the service-level duplicate check.
func (s *PGStore) InsertTx(ctx context.Context, tx pgx.Tx, d Record) error {
	const insertSQL = `
		INSERT INTO disputes (
			id, agreement_id, opened_by, respondent_id, reason, description,
			status, system_decision, resolution, score,
			complainer_delivered, respondent_delivered, complainer_on_time,
			respondent_on_time, complainer_approved, respondent_approved,
			complainer_decision, respondent_decision,
			moderator_notes, resolution_summary,
			created_at, response_deadline
		) VALUES (
			$1, $2, $3, $4, $5::dispute_reason, $6,
			$7::dispute_status, $8::system_decision, $9::dispute_resolution, $10,
			$11, $12, $13, $14, $15, $16,
			$17::party_decision, $18::party_decision,
			$19, $20,
			$21, $22
		)
	`
	_, err := tx.Exec(ctx, insertSQL,
		d.ID, d.AgreementID, d.OpenedBy, d.RespondentID, d.Reason, d.Description,
		d.Status, d.SystemDecision, d.Resolution, d.Score,
		d.Facts.ComplainerDelivered, d.Facts.RespondentDelivered, d.Facts.ComplainerOnTime,
		d.Facts.RespondentOnTime, d.Facts.ComplainerApproved, d.Facts.RespondentApproved,
		d.ComplainerDecision, d.RespondentDecision,
		d.ModeratorNotes, d.ResolutionSummary,
		d.CreatedAt, d.ResponseDeadline,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOpen
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

// GetForUpdateTx locks the dispute row and loads its ledgers. The lock is the
// serialization point for every state transition.
func (s *PGStore) GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	if err := s.loadChildrenTx(ctx, tx, &d); err != nil {
		return Record{}, err
	}
	return d, nil
}

// HasActiveForAgreementTx reports whether the agreement has a non-terminal
// dispute.
func (s *PGStore) HasActiveForAgreementTx(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE agreement_id = $1 AND status NOT IN ('resolved', 'closed')
		)
	`
	var exists bool
	if err := tx.QueryRow(ctx, query, agreementID).Scan(&exists); err != nil {
		return false, fmt.Errorf("dispute: check active: %w", err)
	}
	return exists, nil
}

// SaveTx writes the mutable columns as a compare-and-swap on the expected
// status. Zero rows updated means a concurrent transition won.
func (s *PGStore) SaveTx(ctx context.Context, tx pgx.Tx, d Record, expected Status) error {
	const updateSQL = `
		UPDATE disputes
		SET status = $2::dispute_status,
		    system_decision = $3::system_decision,
		    resolution = $4::dispute_resolution,
		    complainer_decision = $5::party_decision,
		    respondent_decision = $6::party_decision,
		    moderator_id = $7,
		    moderator_notes = $8,
		    resolution_summary = $9,
		    response_received_at = $10,
		    escalated_at = $11,
		    closed_at = $12,
		    updated_at = now()
		WHERE id = $1 AND status = $13::dispute_status
	`
	tag, err := tx.Exec(ctx, updateSQL,
		d.ID,
		d.Status,
		d.SystemDecision,
		d.Resolution,
		d.ComplainerDecision,
		d.RespondentDecision,
		d.ModeratorID,
		d.ModeratorNotes,
		d.ResolutionSummary,
		d.ResponseReceivedAt,
		d.EscalatedAt,
		d.ClosedAt,
		expected,
	)
	if err != nil {
		return fmt.Errorf("dispute: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// AppendEvidenceTx adds a row to the evidence ledger. Rows are never edited
// or removed.
func (s *PGStore) AppendEvidenceTx(ctx context.Context, tx pgx.Tx, ev Evidence) error {
	const q = `
		INSERT INTO dispute_evidence (id, dispute_id, submitter_id, link, description)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, q, ev.ID, ev.DisputeID, ev.SubmitterID, ev.Link, ev.Description); err != nil {
		return fmt.Errorf("dispute: append evidence: %w", err)
	}
	return nil
}

// AppendMessageTx adds a row to the message ledger.
func (s *PGStore) AppendMessageTx(ctx context.Context, tx pgx.Tx, msg Message) error {
	const q = `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, body)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, q, msg.ID, msg.DisputeID, msg.SenderID, msg.Body); err != nil {
		return fmt.Errorf("dispute: append message: %w", err)
	}
	return nil
}

// ListExpiredAwaiting returns ids of awaiting_response disputes whose
// response deadline has passed. Input to the periodic sweep.
func (s *PGStore) ListExpiredAwaiting(ctx context.Context, now time.Time) ([]string, error) {
	const query = `
		SELECT id FROM disputes
		WHERE status = 'awaiting_response' AND response_deadline < $1
		ORDER BY response_deadline
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("dispute: list expired: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate expired: %w", err)
	}
	return ids, nil
}

// ListForUser returns disputes where the user is a party, newest first.
func (s *PGStore) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE opened_by = $1 OR respondent_id = $1 ORDER BY created_at DESC`
	return s.list(ctx, query, userID)
}

// ListEscalated returns the moderator queue, oldest escalation first.
func (s *PGStore) ListEscalated(ctx context.Context) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE status = 'escalated_to_moderator' ORDER BY escalated_at`
	return s.list(ctx, query)
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) loadChildrenTx(ctx context.Context, tx pgx.Tx, d *Record) error {
	evRows, err := tx.Query(ctx, `
		SELECT id, dispute_id, submitter_id, link, description, created_at
		FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at, id
	`, d.ID)
	if err != nil {
		return fmt.Errorf("dispute: load evidence: %w", err)
	}
	for evRows.Next() {
		var ev Evidence
		if err := evRows.Scan(&ev.ID, &ev.DisputeID, &ev.SubmitterID, &ev.Link, &ev.Description, &ev.CreatedAt); err != nil {
			evRows.Close()
			return fmt.Errorf("dispute: scan evidence: %w", err)
		}
		d.Evidence = append(d.Evidence, ev)
	}
	evRows.Close()
	if err := evRows.Err(); err != nil {
		return fmt.Errorf("dispute: iterate evidence: %w", err)
	}

	msgRows, err := tx.Query(ctx, `
		SELECT id, dispute_id, sender_id, body, created_at
		FROM dispute_messages WHERE dispute_id = $1 ORDER BY created_at, id
	`, d.ID)
	if err != nil {
		return fmt.Errorf("dispute: load messages: %w", err)
	}
	for msgRows.Next() {
		var msg Message
		if err := msgRows.Scan(&msg.ID, &msg.DisputeID, &msg.SenderID, &msg.Body, &msg.CreatedAt); err != nil {
			msgRows.Close()
			return fmt.Errorf("dispute: scan message: %w", err)
		}
		d.Messages = append(d.Messages, msg)
	}
	msgRows.Close()
	if err := msgRows.Err(); err != nil {
		return fmt.Errorf("dispute: iterate messages: %w", err)
	}
	return nil
}

func scanDispute(row pgx.Row) (Record, error) {
	var d Record
	err := row.Scan(
		&d.ID,
		&d.AgreementID,
		&d.OpenedBy,
		&d.RespondentID,
		&d.Reason,
		&d.Description,
		&d.Status,
		&d.SystemDecision,
		&d.Resolution,
		&d.Score,
		&d.Facts.ComplainerDelivered,
		&d.Facts.RespondentDelivered,
		&d.Facts.ComplainerOnTime,
		&d.Facts.RespondentOnTime,
		&d.Facts.ComplainerApproved,
		&d.Facts.RespondentApproved,
		&d.ComplainerDecision,
		&d.RespondentDecision,
		&d.ModeratorID,
		&d.ModeratorNotes,
		&d.ResolutionSummary,
		&d.CreatedAt,
		&d.ResponseDeadline,
		&d.ResponseReceivedAt,
		&d.EscalatedAt,
		&d.ClosedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return d, nil
}
