package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillbarter/agreement"
	"skillbarter/dispute"
	"skillbarter/penalty"
)

// benign reports whether an error is an expected outcome under contention
// rather than a correctness failure.
func benign(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, dispute.ErrBadStatus),
		errors.Is(err, dispute.ErrConflict),
		errors.Is(err, dispute.ErrDuplicateOpen),
		errors.Is(err, dispute.ErrDeadlineExpired),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, dispute.ErrForbidden),
		errors.Is(err, agreement.ErrStale),
		errors.Is(err, agreement.ErrBadTransition),
		errors.Is(err, agreement.ErrNotFound),
		errors.Is(err, penalty.ErrAlreadyIssued),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// unique violation, serialization failure, deadlock
		return pgErr.Code == "23505" || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	// chaos terminates backends mid-flight; a tx on a killed connection is
	// allowed to fail, never to corrupt
	return true
}

// Opener churns out agreements between the two parties, starts them, sometimes
// submits a deliverable on the provider's behalf, and files a dispute.
func Opener(ctx context.Context, pool *pgxpool.Pool, agreements *agreement.Service, disputes *dispute.Service, requesterID, providerID string, stop <-chan struct{}) error {
	reasons := []dispute.Reason{
		dispute.ReasonWorkNotDelivered,
		dispute.ReasonQualityIssues,
		dispute.ReasonDeadlineMissed,
		dispute.ReasonCommunicationBreakdown,
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		rec, err := agreements.Create(ctx, agreement.CreateParams{
			RequesterID: requesterID,
			ProviderID:  providerID,
		})
		if err != nil {
			if !benign(err) {
				return fmt.Errorf("opener create: %w", err)
			}
			continue
		}
		if err := agreements.Transition(ctx, agreement.TransitionParams{
			AgreementID: rec.ID,
			ActorID:     providerID,
			NextStatus:  agreement.StatusInProgress,
		}); err != nil {
			if !benign(err) {
				return fmt.Errorf("opener start: %w", err)
			}
			continue
		}

		// some providers actually deliver before getting disputed
		if rand.Intn(3) == 0 {
			status := "submitted"
			if rand.Intn(2) == 0 {
				status = "approved"
			}
			_, _ = pool.Exec(ctx, `INSERT INTO deliverables (agreement_id, submitter_id, status) VALUES ($1, $2, $3)`,
				rec.ID, providerID, status)
		}

		if _, err := disputes.Open(ctx, dispute.OpenParams{
			AgreementID: rec.ID,
			OpenerID:    requesterID,
			Reason:      reasons[rand.Intn(len(reasons))],
			Description: "stress dispute",
		}); err != nil && !benign(err) {
			return fmt.Errorf("opener dispute: %w", err)
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Responder replies to awaiting disputes addressed to the given user.
func Responder(ctx context.Context, pool *pgxpool.Pool, disputes *dispute.Service, respondentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		for _, id := range pickDisputes(ctx, pool,
			`SELECT id FROM disputes WHERE respondent_id = $1 AND status = 'awaiting_response' LIMIT 5`, respondentID) {
			if _, err := disputes.Respond(ctx, id, respondentID, "responding under load", nil); err != nil && !benign(err) {
				return fmt.Errorf("responder: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Decider plays the handshake: accepts most system decisions, rejects some.
func Decider(ctx context.Context, pool *pgxpool.Pool, disputes *dispute.Service, userID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		for _, id := range pickDisputes(ctx, pool,
			`SELECT id FROM disputes WHERE status = 'under_review' AND (opened_by = $1 OR respondent_id = $1) LIMIT 5`, userID) {
			accept := rand.Intn(4) != 0
			if _, err := disputes.AcceptSystemDecision(ctx, id, userID, accept); err != nil && !benign(err) {
				return fmt.Errorf("decider: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Moderator rules on escalated disputes, randomly favoring either side.
func Moderator(ctx context.Context, pool *pgxpool.Pool, disputes *dispute.Service, moderatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		for _, id := range pickDisputes(ctx, pool,
			`SELECT id FROM disputes WHERE status = 'escalated_to_moderator' LIMIT 5`) {
			res := dispute.ResolutionFavorsComplainer
			if rand.Intn(2) == 0 {
				res = dispute.ResolutionFavorsRespondent
			}
			if _, err := disputes.MakeModeratorDecision(ctx, dispute.ModeratorParams{
				DisputeID:   id,
				ModeratorID: moderatorID,
				Resolution:  res,
				Notes:       "stress ruling",
			}); err != nil && !benign(err) {
				return fmt.Errorf("moderator: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Sweeper runs the expired-dispute sweep. Callers hand it a service whose
// clock may be skewed into the future so expiry races the responders.
func Sweeper(ctx context.Context, disputes *dispute.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if _, err := disputes.ProcessExpiredDisputes(ctx); err != nil && !benign(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox rows with SKIP LOCKED, randomly failing
// some attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func pickDisputes(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) []string {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	ids := make([]string, 0, 5)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids
		}
		ids = append(ids, id)
	}
	return ids
}
