package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no agreement row exists for the identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrBadTransition signals a disallowed status change.
	ErrBadTransition = errors.New("agreement: invalid status transition")
	// ErrStale signals the row moved away from the expected status while the
	// caller was deciding. Retryable.
	ErrStale = errors.New("agreement: status changed concurrently")
)

// Repository provides data access for agreements, deliverables and the
// timeline. Transaction-scoped methods take pgx.Tx so callers control
// atomicity.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SnapshotForUpdate locks the agreement row and loads the deliverable facts
// the dispute engine scores against. Milestone due dates are joined in.
func (r *Repository) SnapshotForUpdate(ctx context.Context, tx pgx.Tx, agreementID string) (Snapshot, error) {
	const headSQL = `
		SELECT id, requester_id, provider_id, status::text, proposal_deadline, created_at
		FROM agreements
		WHERE id = $1
		FOR UPDATE
	`
	var snap Snapshot
	if err := tx.QueryRow(ctx, headSQL, agreementID).Scan(
		&snap.ID,
		&snap.RequesterID,
		&snap.ProviderID,
		&snap.Status,
		&snap.ProposalDeadline,
		&snap.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("agreement: lock snapshot: %w", err)
	}

	const delivSQL = `
		SELECT d.id, d.agreement_id, d.submitter_id, d.milestone_id, d.status::text, m.due_date, d.submitted_at
		FROM deliverables d
		LEFT JOIN milestones m ON m.id = d.milestone_id
		WHERE d.agreement_id = $1
		ORDER BY d.submitted_at
	`
	rows, err := tx.Query(ctx, delivSQL, agreementID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agreement: load deliverables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Deliverable
		if err := rows.Scan(&d.ID, &d.AgreementID, &d.SubmitterID, &d.MilestoneID, &d.Status, &d.DueDate, &d.SubmittedAt); err != nil {
			return Snapshot{}, fmt.Errorf("agreement: scan deliverable: %w", err)
		}
		snap.Deliverables = append(snap.Deliverables, d)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("agreement: iterate deliverables: %w", err)
	}

	return snap, nil
}

// SetStatusTx applies a validated status transition as a compare-and-swap on
// the expected current status. Zero rows updated means somebody else moved
// the row first.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, agreementID string, from, to Status) error {
	if !ValidTransition(from, to) {
		return ErrBadTransition
	}

	const updateSQL = `
		UPDATE agreements
		SET status = $1::agreement_status,
		    updated_at = now(),
		    completed_at = CASE WHEN $1 = 'completed' THEN now() ELSE completed_at END
		WHERE id = $2 AND status = $3::agreement_status
	`
	tag, err := tx.Exec(ctx, updateSQL, to, agreementID, from)
	if err != nil {
		return fmt.Errorf("agreement: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agreements WHERE id=$1)`, agreementID).Scan(&exists); err != nil {
			return fmt.Errorf("agreement: verify existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

// AppendTimelineTx records an immutable business event for the agreement.
func (r *Repository) AppendTimelineTx(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `
		INSERT INTO timeline_events (agreement_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4::uuid)
	`
	if _, err := tx.Exec(ctx, q, agreementID, eventType, body, actor); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

// InsertTx creates a new agreement row inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
		INSERT INTO agreements (id, requester_id, provider_id, status, proposal_deadline)
		VALUES ($1, $2, $3, $4::agreement_status, $5)
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.RequesterID,
		rec.ProviderID,
		rec.Status,
		rec.ProposalDeadline,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return rec, nil
}

// Get fetches a single agreement without its children.
func (r *Repository) Get(ctx context.Context, agreementID string) (Record, error) {
	const query = `
		SELECT id, requester_id, provider_id, status::text, proposal_deadline, created_at, updated_at, completed_at
		FROM agreements
		WHERE id = $1
	`
	var rec Record
	err := r.pool.QueryRow(ctx, query, agreementID).Scan(
		&rec.ID,
		&rec.RequesterID,
		&rec.ProviderID,
		&rec.Status,
		&rec.ProposalDeadline,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("agreement: get: %w", err)
	}
	return rec, nil
}

// ListForUser returns agreements where the user is a party, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	const query = `
		SELECT id, requester_id, provider_id, status::text, proposal_deadline, created_at, updated_at, completed_at
		FROM agreements
		WHERE requester_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RequesterID, &rec.ProviderID, &rec.Status, &rec.ProposalDeadline, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate: %w", err)
	}
	return out, nil
}

// ListAbandonedCandidates finds in_progress agreements older than cutoff with
// no deliverable submitted at all. Used by the abandonment sweep.
func (r *Repository) ListAbandonedCandidates(ctx context.Context, tx pgx.Tx, cutoffDays int) ([]Record, error) {
	const query = `
		SELECT a.id, a.requester_id, a.provider_id, a.status::text, a.proposal_deadline, a.created_at, a.updated_at, a.completed_at
		FROM agreements a
		WHERE a.status = 'in_progress'
		  AND a.created_at < now() - make_interval(days => $1)
		  AND NOT EXISTS (SELECT 1 FROM deliverables d WHERE d.agreement_id = a.id)
		FOR UPDATE OF a SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, cutoffDays)
	if err != nil {
		return nil, fmt.Errorf("agreement: list abandoned: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RequesterID, &rec.ProviderID, &rec.Status, &rec.ProposalDeadline, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan abandoned: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate abandoned: %w", err)
	}
	return out, nil
}
