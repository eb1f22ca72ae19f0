package agreement

import (
	"context"
	"errors"
	"fmt"

	"skillbarter/notify"
	"skillbarter/penalty"
)

// Providers that never submit anything within this window are treated as
// having walked away.
const abandonmentCutoffDays = 30

// AbandonmentProcessor cancels stale in_progress agreements and charges the
// provider an abandonment penalty. Candidates are claimed with SKIP LOCKED so
// concurrent sweeps never double-charge.
type AbandonmentProcessor struct {
	pool      TxBeginner
	repo      Store
	penalties penalty.Issuer
	outbox    notify.Enqueuer
}

func NewAbandonmentProcessor(pool TxBeginner, repo Store, penalties penalty.Issuer, outbox notify.Enqueuer) *AbandonmentProcessor {
	return &AbandonmentProcessor{
		pool:      pool,
		repo:      repo,
		penalties: penalties,
		outbox:    outbox,
	}
}

// Run performs one sweep and returns how many agreements were cancelled.
func (p *AbandonmentProcessor) Run(ctx context.Context) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agreement: begin abandonment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	candidates, err := p.repo.ListAbandonedCandidates(ctx, tx, abandonmentCutoffDays)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range candidates {
		if err := p.repo.SetStatusTx(ctx, tx, rec.ID, StatusInProgress, StatusCancelled); err != nil {
			if errors.Is(err, ErrStale) {
				continue
			}
			return processed, err
		}

		if _, err := p.penalties.Issue(ctx, tx, penalty.IssueParams{
			UserID:      rec.ProviderID,
			AgreementID: rec.ID,
			Reason:      penalty.ReasonAgreementAbandoned,
		}); err != nil {
			return processed, err
		}

		payload := map[string]any{"reason": "abandoned", "cutoff_days": abandonmentCutoffDays}
		if err := p.repo.AppendTimelineTx(ctx, tx, rec.ID, "AGREEMENT_ABANDONED", nil, payload); err != nil {
			return processed, err
		}

		intent := notify.Intent{
			UserID:    rec.RequesterID,
			Title:     "Agreement cancelled",
			Body:      "Your agreement was cancelled because no work was delivered.",
			RelatedID: rec.ID,
		}
		if err := p.outbox.Enqueue(ctx, tx, notify.EventAgreementStatusChanged, intent); err != nil {
			return processed, err
		}

		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("agreement: commit abandonment sweep: %w", err)
	}
	return processed, nil
}
