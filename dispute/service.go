package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"skillbarter/agreement"
	"skillbarter/notify"
	"skillbarter/penalty"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// agreementStore is the slice of the agreement repository the engine uses.
type agreementStore interface {
	SnapshotForUpdate(ctx context.Context, tx pgx.Tx, agreementID string) (agreement.Snapshot, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, agreementID string, from, to agreement.Status) error
	AppendTimelineTx(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID *string, payload map[string]any) error
}

// Capabilities answers privilege questions for moderator/admin gated paths.
type Capabilities interface {
	IsModerator(ctx context.Context, userID string) (bool, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Service owns the dispute state machine. Every operation runs as one
// transaction: lock the dispute row, re-validate preconditions, apply the
// transition, write penalties and agreement status, enqueue notification
// intents, commit.
type Service struct {
	pool       TxBeginner
	repo       Store
	agreements agreementStore
	penalties  penalty.Issuer
	caps       Capabilities
	outbox     notify.Enqueuer
	idGen      func() string
	now        func() time.Time
}

func NewService(pool TxBeginner, repo Store, agreements agreementStore, penalties penalty.Issuer, caps Capabilities, outbox notify.Enqueuer) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		agreements: agreements,
		penalties:  penalties,
		caps:       caps,
		outbox:     outbox,
		idGen:      func() string { return uuid.NewString() },
		now:        time.Now,
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

// OpenParams carries everything needed to open a dispute.
type OpenParams struct {
	AgreementID string
	OpenerID    string
	Reason      Reason
	Description string
	Evidence    []EvidenceInput
}

// Open files a dispute against an in-progress agreement. The score and its
// breakdown are computed here, once, and fixed for the dispute's lifetime.
// The resulting decision is advisory metadata: whatever the score says, the
// dispute starts awaiting the respondent.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.AgreementID == "" || params.OpenerID == "" {
		return Record{}, fmt.Errorf("dispute: agreement and opener ids required")
	}
	if params.Reason == "" {
		params.Reason = ReasonOther
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.agreements.SnapshotForUpdate(ctx, tx, params.AgreementID)
	if err != nil {
		if errors.Is(err, agreement.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}

	respondent, ok := snap.OtherParty(params.OpenerID)
	if !ok {
		return Record{}, ErrForbidden
	}
	if snap.Status != agreement.StatusInProgress {
		return Record{}, ErrBadStatus
	}

	active, err := s.repo.HasActiveForAgreementTx(ctx, tx, snap.ID)
	if err != nil {
		return Record{}, err
	}
	if active {
		return Record{}, ErrDuplicateOpen
	}

	now := s.now().UTC()
	refDeadline := now.Add(7 * 24 * time.Hour)
	if snap.ProposalDeadline != nil {
		refDeadline = *snap.ProposalDeadline
	}

	facts := DeriveFacts(snap, params.OpenerID, respondent, refDeadline)
	score := ScoreFacts(facts)
	decision := VerdictForScore(score)

	d := Record{
		ID:                 s.idGen(),
		AgreementID:        snap.ID,
		OpenedBy:           params.OpenerID,
		RespondentID:       respondent,
		Reason:             params.Reason,
		Description:        params.Description,
		Status:             StatusAwaitingResponse,
		SystemDecision:     decision,
		Resolution:         ResolutionForDecision(decision),
		Score:              score,
		Facts:              facts,
		ComplainerDecision: PartyPending,
		RespondentDecision: PartyPending,
		ResolutionSummary:  fmt.Sprintf("Dispute opened; provisional decision %s at score %d.", decision, score),
		CreatedAt:          now,
		ResponseDeadline:   now.Add(ResponseWindow),
	}

	if err := s.repo.InsertTx(ctx, tx, d); err != nil {
		return Record{}, err
	}

	for _, in := range params.Evidence {
		ev := Evidence{
			ID:          s.idGen(),
			DisputeID:   d.ID,
			SubmitterID: params.OpenerID,
			Link:        in.Link,
			Description: in.Description,
		}
		if err := s.repo.AppendEvidenceTx(ctx, tx, ev); err != nil {
			return Record{}, err
		}
		d.Evidence = append(d.Evidence, ev)
	}

	if err := s.agreements.SetStatusTx(ctx, tx, snap.ID, agreement.StatusInProgress, agreement.StatusDisputed); err != nil {
		if errors.Is(err, agreement.ErrStale) {
			return Record{}, ErrConflict
		}
		return Record{}, err
	}
	payload := map[string]any{"dispute_id": d.ID, "reason": d.Reason, "score": d.Score}
	if err := s.agreements.AppendTimelineTx(ctx, tx, snap.ID, "DISPUTE_OPENED", &params.OpenerID, payload); err != nil {
		return Record{}, err
	}

	if err := s.notifyTx(ctx, tx, notify.EventDisputeOpened, d.ID, map[string]string{
		respondent: "A dispute was opened against your agreement. You have 72 hours to respond.",
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return d, nil
}

// Respond records the respondent's reply and routes the dispute onward using
// the score fixed at open time: non-gray verdicts enter the accept/reject
// handshake under review, gray-zone scores escalate straight to a moderator.
// An expired deadline short-circuits into the silence auto-resolution and the
// response is not applied.
func (s *Service) Respond(ctx context.Context, disputeID, responderID, responseText string, evidence []EvidenceInput) (Record, error) {
	return s.transition(ctx, disputeID, func(ctx context.Context, tx pgx.Tx, d *Record) error {
		if responderID != d.RespondentID {
			return ErrForbidden
		}
		if d.Status != StatusAwaitingResponse {
			return ErrBadStatus
		}

		now := s.now().UTC()
		msg := Message{
			ID:        s.idGen(),
			DisputeID: d.ID,
			SenderID:  responderID,
			Body:      responseText,
		}
		if err := s.repo.AppendMessageTx(ctx, tx, msg); err != nil {
			return err
		}
		d.Messages = append(d.Messages, msg)

		for _, in := range evidence {
			ev := Evidence{
				ID:          s.idGen(),
				DisputeID:   d.ID,
				SubmitterID: responderID,
				Link:        in.Link,
				Description: in.Description,
			}
			if err := s.repo.AppendEvidenceTx(ctx, tx, ev); err != nil {
				return err
			}
			d.Evidence = append(d.Evidence, ev)
		}

		d.ResponseReceivedAt = &now
		d.ComplainerDecision = PartyPending
		d.RespondentDecision = PartyPending

		notices := map[string]string{
			d.OpenedBy: "The respondent replied to your dispute.",
		}
		if err := s.notifyTx(ctx, tx, notify.EventDisputeResponse, d.ID, notices); err != nil {
			return err
		}

		if d.SystemDecision == DecisionEscalate {
			d.Status = StatusEscalated
			d.EscalatedAt = &now
			d.Resolution = ResolutionNone
			d.ResolutionSummary = fmt.Sprintf("Score %d is inconclusive; escalated to a moderator after response.", d.Score)
			if err := s.notifyBothTx(ctx, tx, notify.EventDisputeEscalated, *d,
				"The dispute was escalated to a moderator."); err != nil {
				return err
			}
		} else {
			d.Status = StatusUnderReview
			d.ResolutionSummary = fmt.Sprintf("System decision %s at score %d awaits confirmation by both parties.", d.SystemDecision, d.Score)
			if err := s.notifyBothTx(ctx, tx, notify.EventDisputeDecisionReady, *d,
				"A decision on your dispute is ready. Accept or reject it."); err != nil {
				return err
			}
		}

		return s.repo.SaveTx(ctx, tx, *d, StatusAwaitingResponse)
	})
}

// AcceptSystemDecision records one party's stance on a non-gray system
// decision. A single rejection escalates immediately; finalization requires
// both parties to have accepted.
func (s *Service) AcceptSystemDecision(ctx context.Context, disputeID, userID string, accept bool) (Record, error) {
	return s.transition(ctx, disputeID, func(ctx context.Context, tx pgx.Tx, d *Record) error {
		if !d.IsParty(userID) {
			return ErrForbidden
		}
		if d.Status != StatusUnderReview || d.SystemDecision == DecisionEscalate {
			return ErrBadStatus
		}

		decision := PartyAccept
		if !accept {
			decision = PartyReject
		}
		if userID == d.OpenedBy {
			d.ComplainerDecision = decision
		} else {
			d.RespondentDecision = decision
		}

		now := s.now().UTC()

		if !accept {
			d.Status = StatusEscalated
			d.EscalatedAt = &now
			d.ClosedAt = nil
			d.Resolution = ResolutionNone
			d.ResolutionSummary = fmt.Sprintf("System decision %s rejected by a party; escalated to a moderator.", d.SystemDecision)
			if err := s.notifyBothTx(ctx, tx, notify.EventDisputeEscalated, *d,
				"The system decision was rejected. A moderator will review the dispute."); err != nil {
				return err
			}
			return s.repo.SaveTx(ctx, tx, *d, StatusUnderReview)
		}

		if d.ComplainerDecision == PartyAccept && d.RespondentDecision == PartyAccept {
			d.Status = StatusResolved
			d.ClosedAt = &now
			d.ResolutionSummary = fmt.Sprintf("Both parties accepted system decision %s at score %d.", d.SystemDecision, d.Score)
			if err := s.finalizeTx(ctx, tx, d, penalty.ReasonDisputeLostFull, agreement.StatusCancelled); err != nil {
				return err
			}
			return s.repo.SaveTx(ctx, tx, *d, StatusUnderReview)
		}

		// First accept: persist the decision and wait for the other party.
		return s.repo.SaveTx(ctx, tx, *d, StatusUnderReview)
	})
}

// Escalate lets either party route the dispute to a moderator directly,
// bypassing the handshake. The escalating party is recorded as rejecting.
func (s *Service) Escalate(ctx context.Context, disputeID, userID, reason string) (Record, error) {
	return s.transition(ctx, disputeID, func(ctx context.Context, tx pgx.Tx, d *Record) error {
		if !d.IsParty(userID) {
			return ErrForbidden
		}
		if d.Status.IsTerminal() || d.Status == StatusEscalated {
			return ErrBadStatus
		}

		now := s.now().UTC()
		prev := d.Status
		if userID == d.OpenedBy {
			d.ComplainerDecision = PartyReject
		} else {
			d.RespondentDecision = PartyReject
		}
		d.Status = StatusEscalated
		d.EscalatedAt = &now
		d.ClosedAt = nil
		d.Resolution = ResolutionNone
		d.ResolutionSummary = fmt.Sprintf("Escalated to a moderator at a party's request: %s", reason)

		if err := s.notifyBothTx(ctx, tx, notify.EventDisputeEscalated, *d,
			"The dispute was escalated to a moderator."); err != nil {
			return err
		}
		return s.repo.SaveTx(ctx, tx, *d, prev)
	})
}

// ModeratorParams carries a moderator's ruling.
type ModeratorParams struct {
	DisputeID   string
	ModeratorID string
	Resolution  Resolution
	Notes       string
}

// MakeModeratorDecision resolves an escalated dispute. The penalty tier
// depends on how decisive the fixed score was: losses inside [40,60] charge
// half, everything else full.
func (s *Service) MakeModeratorDecision(ctx context.Context, params ModeratorParams) (Record, error) {
	ok, err := s.caps.IsModerator(ctx, params.ModeratorID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrForbidden
	}
	if params.Resolution != ResolutionFavorsComplainer && params.Resolution != ResolutionFavorsRespondent {
		return Record{}, fmt.Errorf("dispute: moderator must favor a party, got %q", params.Resolution)
	}

	return s.transition(ctx, params.DisputeID, func(ctx context.Context, tx pgx.Tx, d *Record) error {
		if d.Status != StatusEscalated {
			return ErrBadStatus
		}

		now := s.now().UTC()
		d.Status = StatusResolved
		d.Resolution = params.Resolution
		d.ModeratorID = &params.ModeratorID
		d.ModeratorNotes = params.Notes
		d.ClosedAt = &now
		d.ResolutionSummary = fmt.Sprintf("Moderator ruled %s (score %d).", params.Resolution, d.Score)

		reason := penalty.ReasonDisputeLostFull
		if inconclusiveBand(d.Score) {
			reason = penalty.ReasonDisputeLostHalf
		}
		if err := s.finalizeTx(ctx, tx, d, reason, agreement.StatusCancelled); err != nil {
			return err
		}
		return s.repo.SaveTx(ctx, tx, *d, StatusEscalated)
	})
}

// AdminParams carries a platform-admin override.
type AdminParams struct {
	DisputeID       string
	AdminID         string
	Resolution      Resolution
	Notes           string
	AgreementStatus *agreement.Status
}

// AdminResolve is the administrative escape hatch: it closes a dispute from
// any non-terminal status and may steer the agreement to an explicit status
// instead of the default cancellation. A resolution that favors neither party
// charges no penalty.
func (s *Service) AdminResolve(ctx context.Context, params AdminParams) (Record, error) {
	ok, err := s.caps.IsAdmin(ctx, params.AdminID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrForbidden
	}

	return s.transition(ctx, params.DisputeID, func(ctx context.Context, tx pgx.Tx, d *Record) error {
		if d.Status.IsTerminal() {
			return ErrBadStatus
		}

		now := s.now().UTC()
		prev := d.Status
		d.Status = StatusResolved
		d.Resolution = params.Resolution
		if d.Resolution == "" {
			d.Resolution = ResolutionModerator
		}
		d.ModeratorID = &params.AdminID
		d.ModeratorNotes = params.Notes
		d.ClosedAt = &now
		d.ResolutionSummary = fmt.Sprintf("Resolved by platform admin: %s", d.Resolution)

		target := agreement.StatusCancelled
		if params.AgreementStatus != nil {
			target = *params.AgreementStatus
		}

		if _, hasLoser := d.Loser(); hasLoser {
			reason := penalty.ReasonDisputeLostFull
			if inconclusiveBand(d.Score) {
				reason = penalty.ReasonDisputeLostHalf
			}
			if err := s.finalizeTx(ctx, tx, d, reason, target); err != nil {
				return err
			}
		} else {
			if err := s.settleAgreementTx(ctx, tx, d, target); err != nil {
				return err
			}
			if err := s.notifyBothTx(ctx, tx, notify.EventDisputeResolved, *d,
				"Your dispute was resolved by a platform admin."); err != nil {
				return err
			}
		}
		return s.repo.SaveTx(ctx, tx, *d, prev)
	})
}

// AddEvidence appends to the evidence ledger while the dispute is live.
func (s *Service) AddEvidence(ctx context.Context, disputeID, userID string, in EvidenceInput) (Record, error) {
	return s.transition(ctx, disputeID, func(ctx context.Context, tx pgx.Tx, d *Record) error {
		if !d.IsParty(userID) {
			return ErrForbidden
		}
		switch d.Status {
		case StatusAwaitingResponse, StatusUnderReview, StatusEscalated:
		default:
			return ErrBadStatus
		}

		ev := Evidence{
			ID:          s.idGen(),
			DisputeID:   d.ID,
			SubmitterID: userID,
			Link:        in.Link,
			Description: in.Description,
		}
		if err := s.repo.AppendEvidenceTx(ctx, tx, ev); err != nil {
			return err
		}
		d.Evidence = append(d.Evidence, ev)
		return nil
	})
}

// GetByID loads a dispute, enforcing the response deadline first so callers
// never act on a stale awaiting_response status.
func (s *Service) GetByID(ctx context.Context, disputeID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.enforceDeadlineTx(ctx, tx, &d); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit get: %w", err)
	}
	return d, nil
}

// ProcessExpiredDisputes sweeps awaiting_response disputes past their
// deadline. Each dispute is resolved in its own transaction; racing per
// request checks are absorbed by the status compare-and-swap.
func (s *Service) ProcessExpiredDisputes(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredAwaiting(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		err := func() error {
			tx, err := s.pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("dispute: begin tx: %w", err)
			}
			defer tx.Rollback(ctx)

			d, err := s.repo.GetForUpdateTx(ctx, tx, id)
			if err != nil {
				return err
			}
			acted, err := s.enforceDeadlineTx(ctx, tx, &d)
			if err != nil {
				return err
			}
			if !acted {
				return nil
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("dispute: commit expiry: %w", err)
			}
			processed++
			return nil
		}()
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return processed, err
		}
	}
	return processed, nil
}

// transition wraps an operation in the standard lock/check/mutate/commit
// sequence, enforcing the response deadline before the operation runs.
func (s *Service) transition(ctx context.Context, disputeID string, op func(ctx context.Context, tx pgx.Tx, d *Record) error) (Record, error) {
	if disputeID == "" {
		return Record{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}

	expired, err := s.enforceDeadlineTx(ctx, tx, &d)
	if err != nil {
		return Record{}, err
	}
	if expired {
		if err := tx.Commit(ctx); err != nil {
			return Record{}, fmt.Errorf("dispute: commit expiry: %w", err)
		}
		return d, ErrDeadlineExpired
	}

	if err := op(ctx, tx, &d); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit transition: %w", err)
	}
	return d, nil
}

// enforceDeadlineTx applies the silence auto-resolution if the response
// window lapsed without a reply. It reports whether it acted. Calling it on
// an already-resolved dispute is a no-op, which matters because the sweep and
// per-request checks race.
func (s *Service) enforceDeadlineTx(ctx context.Context, tx pgx.Tx, d *Record) (bool, error) {
	if d.Status != StatusAwaitingResponse || d.ResponseReceivedAt != nil {
		return false, nil
	}
	now := s.now().UTC()
	if !now.After(d.ResponseDeadline) {
		return false, nil
	}

	d.Status = StatusResolved
	d.SystemDecision = DecisionComplainantWins
	d.Resolution = ResolutionFavorsComplainer
	d.ComplainerDecision = PartyAccept
	d.RespondentDecision = PartyReject
	d.ClosedAt = &now
	d.ResolutionSummary = "Respondent did not reply within 72 hours; resolved in favor of the complainer."

	if _, err := s.penalties.Issue(ctx, tx, penalty.IssueParams{
		UserID:      d.RespondentID,
		AgreementID: d.AgreementID,
		DisputeID:   &d.ID,
		Reason:      penalty.ReasonNoDisputeResponse,
	}); err != nil {
		return false, err
	}
	if err := s.settleAgreementTx(ctx, tx, d, agreement.StatusCancelled); err != nil {
		return false, err
	}
	if err := s.notifyBothTx(ctx, tx, notify.EventDisputeResolved, *d,
		"The dispute was resolved for lack of a response."); err != nil {
		return false, err
	}
	if err := s.repo.SaveTx(ctx, tx, *d, StatusAwaitingResponse); err != nil {
		return false, err
	}
	return true, nil
}

// finalizeTx performs the shared terminal work: charge the losing party and
// settle the agreement, then notify both sides.
func (s *Service) finalizeTx(ctx context.Context, tx pgx.Tx, d *Record, reason penalty.Reason, target agreement.Status) error {
	loser, ok := d.Loser()
	if !ok {
		return fmt.Errorf("dispute: finalize without a favored party (resolution %s)", d.Resolution)
	}

	if _, err := s.penalties.Issue(ctx, tx, penalty.IssueParams{
		UserID:      loser,
		AgreementID: d.AgreementID,
		DisputeID:   &d.ID,
		Reason:      reason,
	}); err != nil {
		return err
	}
	if err := s.settleAgreementTx(ctx, tx, d, target); err != nil {
		return err
	}
	return s.notifyBothTx(ctx, tx, notify.EventDisputeResolved, *d,
		"Your dispute was resolved.")
}

// settleAgreementTx moves the disputed agreement to its terminal status and
// records the outcome on the timeline.
func (s *Service) settleAgreementTx(ctx context.Context, tx pgx.Tx, d *Record, target agreement.Status) error {
	if target == agreement.StatusDisputed {
		return nil
	}
	if err := s.agreements.SetStatusTx(ctx, tx, d.AgreementID, agreement.StatusDisputed, target); err != nil {
		if errors.Is(err, agreement.ErrStale) {
			return ErrConflict
		}
		return err
	}
	payload := map[string]any{
		"dispute_id": d.ID,
		"resolution": d.Resolution,
		"summary":    d.ResolutionSummary,
	}
	return s.agreements.AppendTimelineTx(ctx, tx, d.AgreementID, "DISPUTE_SETTLED", nil, payload)
}

func (s *Service) notifyBothTx(ctx context.Context, tx pgx.Tx, topic notify.EventType, d Record, body string) error {
	return s.notifyTx(ctx, tx, topic, d.ID, map[string]string{
		d.OpenedBy:     body,
		d.RespondentID: body,
	})
}

func (s *Service) notifyTx(ctx context.Context, tx pgx.Tx, topic notify.EventType, disputeID string, bodies map[string]string) error {
	for userID, body := range bodies {
		intent := notify.Intent{
			UserID:    userID,
			Title:     "Dispute update",
			Body:      body,
			RelatedID: disputeID,
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, intent); err != nil {
			return err
		}
	}
	return nil
}
