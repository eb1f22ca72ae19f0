package agreement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"skillbarter/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	SnapshotForUpdate(ctx context.Context, tx pgx.Tx, agreementID string) (Snapshot, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, agreementID string, from, to Status) error
	AppendTimelineTx(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID *string, payload map[string]any) error
	InsertTx(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	ListAbandonedCandidates(ctx context.Context, tx pgx.Tx, cutoffDays int) ([]Record, error)
}

// Service owns agreement lifecycle writes. Every mutation, its timeline event
// and the notification intents describing it commit in one transaction.
type Service struct {
	pool   TxBeginner
	repo   Store
	outbox notify.Enqueuer
	idGen  func() string
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Store, outbox notify.Enqueuer) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		outbox: outbox,
		idGen:  func() string { return uuid.NewString() },
		now:    time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams enumerates the fields needed to open a new agreement.
type CreateParams struct {
	RequesterID      string
	ProviderID       string
	ProposalDeadline *time.Time
}

// Create inserts a pending agreement between two parties.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.RequesterID == "" || params.ProviderID == "" {
		return Record{}, fmt.Errorf("agreement: requester and provider ids required")
	}
	if params.RequesterID == params.ProviderID {
		return Record{}, fmt.Errorf("agreement: requester and provider must differ")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.InsertTx(ctx, tx, Record{
		ID:               s.idGen(),
		RequesterID:      params.RequesterID,
		ProviderID:       params.ProviderID,
		Status:           StatusPending,
		ProposalDeadline: params.ProposalDeadline,
	})
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"requester_id": rec.RequesterID,
		"provider_id":  rec.ProviderID,
	}
	if err := s.repo.AppendTimelineTx(ctx, tx, rec.ID, "AGREEMENT_CREATED", &rec.RequesterID, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit create: %w", err)
	}
	return rec, nil
}

// TransitionParams carries an actor-initiated status change.
type TransitionParams struct {
	AgreementID string
	ActorID     string
	NextStatus  Status
}

// Transition applies a validated status change. The actor must be a party to
// the agreement.
func (s *Service) Transition(ctx context.Context, params TransitionParams) error {
	if params.AgreementID == "" {
		return fmt.Errorf("agreement: transition missing agreement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.repo.SnapshotForUpdate(ctx, tx, params.AgreementID)
	if err != nil {
		return err
	}
	if _, ok := snap.OtherParty(params.ActorID); !ok {
		return fmt.Errorf("agreement: actor %s is not a party: %w", params.ActorID, ErrBadTransition)
	}

	if err := s.repo.SetStatusTx(ctx, tx, snap.ID, snap.Status, params.NextStatus); err != nil {
		return err
	}

	actor := params.ActorID
	payload := map[string]any{
		"previous_status": snap.Status,
		"next_status":     params.NextStatus,
	}
	if err := s.repo.AppendTimelineTx(ctx, tx, snap.ID, "AGREEMENT_STATUS_CHANGED", &actor, payload); err != nil {
		return err
	}

	body := fmt.Sprintf("Agreement moved from %s to %s.", snap.Status, params.NextStatus)
	for _, userID := range []string{snap.RequesterID, snap.ProviderID} {
		intent := notify.Intent{
			UserID:    userID,
			Title:     "Agreement updated",
			Body:      body,
			RelatedID: snap.ID,
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.EventAgreementStatusChanged, intent); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit transition: %w", err)
	}
	return nil
}
