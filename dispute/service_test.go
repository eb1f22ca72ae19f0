package dispute

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"skillbarter/agreement"
	"skillbarter/notify"
	"skillbarter/penalty"
)

const (
	complainerID = "user-complainer"
	respondentID = "user-respondent"
	moderatorID  = "user-moderator"
	adminID      = "user-admin"
	agreementID  = "agreement-1"
)

type fixture struct {
	svc        *Service
	store      *fakeStore
	agreements *fakeAgreements
	penalties  *fakeIssuer
	outbox     *fakeOutbox
	caps       *fakeCaps
	clock      *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      newFakeStore(),
		agreements: newFakeAgreements(),
		penalties:  &fakeIssuer{},
		outbox:     &fakeOutbox{},
		caps: &fakeCaps{
			moderators: map[string]bool{moderatorID: true, adminID: true},
			admins:     map[string]bool{adminID: true},
		},
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.agreements.snapshots[agreementID] = &agreement.Snapshot{
		ID:          agreementID,
		RequesterID: complainerID,
		ProviderID:  respondentID,
		Status:      agreement.StatusInProgress,
		CreatedAt:   f.clock.t.Add(-30 * 24 * time.Hour),
	}

	seq := 0
	f.svc = NewService(&fakePool{}, f.store, f.agreements, f.penalties, f.caps, f.outbox).
		WithClock(f.clock.Now).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		})
	return f
}

func (f *fixture) open(t *testing.T) Record {
	t.Helper()
	d, err := f.svc.Open(context.Background(), OpenParams{
		AgreementID: agreementID,
		OpenerID:    complainerID,
		Reason:      ReasonWorkNotDelivered,
		Description: "nothing was delivered",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	return d
}

func TestOpen_CreatesAwaitingDispute(t *testing.T) {
	f := newFixture(t)

	d := f.open(t)

	if d.Status != StatusAwaitingResponse {
		t.Fatalf("expected awaiting_response, got %s", d.Status)
	}
	if d.Score != 50 {
		t.Fatalf("no deliverables should score baseline 50, got %d", d.Score)
	}
	if d.SystemDecision != DecisionEscalate || d.Resolution != ResolutionNone {
		t.Fatalf("gray-zone provisional verdict wrong: %s/%s", d.SystemDecision, d.Resolution)
	}
	if d.RespondentID != respondentID {
		t.Fatalf("respondent should be the other party, got %s", d.RespondentID)
	}
	if got := d.ResponseDeadline.Sub(d.CreatedAt); got != ResponseWindow {
		t.Fatalf("response deadline should be 72h after creation, got %s", got)
	}
	if f.agreements.snapshots[agreementID].Status != agreement.StatusDisputed {
		t.Fatalf("agreement should be disputed, got %s", f.agreements.snapshots[agreementID].Status)
	}
	if !f.outbox.has(notify.EventDisputeOpened, respondentID) {
		t.Fatal("respondent should be notified of the opened dispute")
	}
}

func TestOpen_ScoresFromDeliverables(t *testing.T) {
	f := newFixture(t)
	snap := f.agreements.snapshots[agreementID]
	snap.Deliverables = []agreement.Deliverable{{
		SubmitterID: respondentID,
		Status:      agreement.DeliverableApproved,
		SubmittedAt: f.clock.t.Add(-time.Hour),
	}}

	d := f.open(t)

	// delivered +25, on-time +15, approved +20, diligence +5 => clamp 100.
	if d.Score != 100 {
		t.Fatalf("expected score 100, got %d", d.Score)
	}
	if d.SystemDecision != DecisionProviderWins || d.Resolution != ResolutionFavorsRespondent {
		t.Fatalf("verdict wrong: %s/%s", d.SystemDecision, d.Resolution)
	}
	if d.Status != StatusAwaitingResponse {
		t.Fatal("a decisive provisional verdict must not skip awaiting_response")
	}
	if !d.Facts.RespondentDelivered || !d.Facts.RespondentOnTime || !d.Facts.RespondentApproved {
		t.Fatalf("breakdown not snapshotted: %+v", d.Facts)
	}
}

func TestOpen_Preconditions(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Open(context.Background(), OpenParams{AgreementID: "missing", OpenerID: complainerID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing agreement: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Open(context.Background(), OpenParams{AgreementID: agreementID, OpenerID: "stranger"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-party opener: expected ErrForbidden, got %v", err)
	}

	f.agreements.snapshots[agreementID].Status = agreement.StatusPending
	if _, err := f.svc.Open(context.Background(), OpenParams{AgreementID: agreementID, OpenerID: complainerID}); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("pending agreement: expected ErrBadStatus, got %v", err)
	}
}

func TestOpen_AtMostOneActiveDispute(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)

	_, err := f.svc.Open(context.Background(), OpenParams{AgreementID: agreementID, OpenerID: respondentID})
	if !errors.Is(err, ErrDuplicateOpen) {
		t.Fatalf("second open: expected ErrDuplicateOpen, got %v", err)
	}

	// Resolve the first dispute, restore the agreement, and a new one opens.
	rec := f.store.disputes[d.ID]
	rec.Status = StatusResolved
	now := f.clock.t
	rec.ClosedAt = &now
	f.agreements.snapshots[agreementID].Status = agreement.StatusInProgress

	if _, err := f.svc.Open(context.Background(), OpenParams{AgreementID: agreementID, OpenerID: respondentID}); err != nil {
		t.Fatalf("open after resolution should succeed, got %v", err)
	}
}

func TestRespond_GrayZoneEscalatesWithoutHandshake(t *testing.T) {
	f := newFixture(t)
	d := f.open(t) // score 50, gray zone

	got, err := f.svc.Respond(context.Background(), d.ID, respondentID, "I did the work", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if got.Status != StatusEscalated {
		t.Fatalf("gray-zone response should escalate immediately, got %s", got.Status)
	}
	if got.EscalatedAt == nil {
		t.Fatal("EscalatedAt should be stamped")
	}
	if got.ResponseReceivedAt == nil {
		t.Fatal("ResponseReceivedAt should be recorded")
	}
	if got.Score != 50 {
		t.Fatalf("score must not be recomputed on response, got %d", got.Score)
	}
	if len(got.Messages) != 1 || got.Messages[0].Body != "I did the work" {
		t.Fatalf("response message not appended: %+v", got.Messages)
	}
	if len(f.penalties.issued) != 0 {
		t.Fatal("escalation must not charge a penalty")
	}
	if !f.outbox.has(notify.EventDisputeEscalated, complainerID) || !f.outbox.has(notify.EventDisputeEscalated, respondentID) {
		t.Fatal("both parties should be notified of the escalation")
	}
}

func TestRespond_DecisiveScoreEntersReview(t *testing.T) {
	f := newFixture(t)
	f.agreements.snapshots[agreementID].Deliverables = []agreement.Deliverable{{
		SubmitterID: respondentID,
		Status:      agreement.DeliverableApproved,
		SubmittedAt: f.clock.t.Add(-time.Hour),
	}}
	d := f.open(t) // score 100

	got, err := f.svc.Respond(context.Background(), d.ID, respondentID, "see attached", []EvidenceInput{{Link: "https://example.com/proof"}})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if got.Status != StatusUnderReview {
		t.Fatalf("decisive score should enter under_review, got %s", got.Status)
	}
	if got.ComplainerDecision != PartyPending || got.RespondentDecision != PartyPending {
		t.Fatal("party decisions should reset to pending")
	}
	if len(got.Evidence) != 1 {
		t.Fatalf("respondent evidence not appended: %+v", got.Evidence)
	}
	if !f.outbox.has(notify.EventDisputeDecisionReady, complainerID) || !f.outbox.has(notify.EventDisputeDecisionReady, respondentID) {
		t.Fatal("both parties should hear the decision is ready")
	}
}

func TestRespond_Preconditions(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)

	if _, err := f.svc.Respond(context.Background(), d.ID, complainerID, "not my turn", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("opener responding: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Respond(context.Background(), "missing", respondentID, "hello", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing dispute: expected ErrNotFound, got %v", err)
	}

	if _, err := f.svc.Respond(context.Background(), d.ID, respondentID, "first", nil); err != nil {
		t.Fatalf("first response: %v", err)
	}
	if _, err := f.svc.Respond(context.Background(), d.ID, respondentID, "second", nil); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("second response: expected ErrBadStatus, got %v", err)
	}
}

func reviewDispute(t *testing.T, f *fixture) Record {
	t.Helper()
	f.agreements.snapshots[agreementID].Deliverables = []agreement.Deliverable{{
		SubmitterID: respondentID,
		Status:      agreement.DeliverableApproved,
		SubmittedAt: f.clock.t.Add(-time.Hour),
	}}
	d := f.open(t)
	got, err := f.svc.Respond(context.Background(), d.ID, respondentID, "disagree", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusUnderReview {
		t.Fatalf("fixture expects under_review, got %s", got.Status)
	}
	return got
}

func TestHandshake_FinalizationRequiresBothAccepts(t *testing.T) {
	f := newFixture(t)
	d := reviewDispute(t, f) // provider_wins / favors_respondent

	got, err := f.svc.AcceptSystemDecision(context.Background(), d.ID, complainerID, true)
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if got.Status != StatusUnderReview {
		t.Fatalf("single accept must not finalize, got %s", got.Status)
	}
	if len(f.penalties.issued) != 0 {
		t.Fatal("no penalty before both parties accept")
	}

	got, err = f.svc.AcceptSystemDecision(context.Background(), d.ID, respondentID, true)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("both accepts should resolve, got %s", got.Status)
	}
	if got.ClosedAt == nil {
		t.Fatal("ClosedAt should be stamped on resolution")
	}
	if len(f.penalties.issued) != 1 {
		t.Fatalf("expected exactly one penalty, got %d", len(f.penalties.issued))
	}
	p := f.penalties.issued[0]
	if p.UserID != complainerID {
		t.Fatalf("favors_respondent must charge the complainer, charged %s", p.UserID)
	}
	if p.Amount != penalty.FullAmount || p.Reason != penalty.ReasonDisputeLostFull {
		t.Fatalf("expected full penalty, got %.2f %s", p.Amount, p.Reason)
	}
	if f.agreements.snapshots[agreementID].Status != agreement.StatusCancelled {
		t.Fatalf("agreement should be cancelled, got %s", f.agreements.snapshots[agreementID].Status)
	}
}

func TestHandshake_SingleRejectionEscalates(t *testing.T) {
	f := newFixture(t)
	d := reviewDispute(t, f)

	// Respondent accepts first; the complainer's rejection still escalates.
	if _, err := f.svc.AcceptSystemDecision(context.Background(), d.ID, respondentID, true); err != nil {
		t.Fatalf("respondent accept: %v", err)
	}
	got, err := f.svc.AcceptSystemDecision(context.Background(), d.ID, complainerID, false)
	if err != nil {
		t.Fatalf("complainer reject: %v", err)
	}

	if got.Status != StatusEscalated {
		t.Fatalf("rejection should escalate regardless of the other decision, got %s", got.Status)
	}
	if got.Resolution != ResolutionNone {
		t.Fatalf("escalation should clear the resolution, got %s", got.Resolution)
	}
	if got.ClosedAt != nil {
		t.Fatal("ClosedAt should be cleared on escalation")
	}
	if len(f.penalties.issued) != 0 {
		t.Fatal("no penalty may be issued on escalation")
	}
}

func TestHandshake_Preconditions(t *testing.T) {
	f := newFixture(t)
	d := f.open(t) // gray zone, still awaiting

	if _, err := f.svc.AcceptSystemDecision(context.Background(), d.ID, complainerID, true); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("accept while awaiting: expected ErrBadStatus, got %v", err)
	}

	gray, err := f.svc.Respond(context.Background(), d.ID, respondentID, "hello", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	// Gray zone escalated on response: the handshake never applies.
	if _, err := f.svc.AcceptSystemDecision(context.Background(), gray.ID, complainerID, true); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("accept on escalated gray zone: expected ErrBadStatus, got %v", err)
	}

	f2 := newFixture(t)
	d2 := reviewDispute(t, f2)
	if _, err := f2.svc.AcceptSystemDecision(context.Background(), d2.ID, "stranger", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger accept: expected ErrForbidden, got %v", err)
	}
}

func TestEscalate_DirectBypass(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)

	got, err := f.svc.Escalate(context.Background(), d.ID, complainerID, "we cannot agree")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got.Status != StatusEscalated {
		t.Fatalf("expected escalation, got %s", got.Status)
	}
	if got.ComplainerDecision != PartyReject {
		t.Fatalf("escalating party should be recorded as rejecting, got %s", got.ComplainerDecision)
	}

	if _, err := f.svc.Escalate(context.Background(), d.ID, respondentID, "again"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("re-escalation: expected ErrBadStatus, got %v", err)
	}
}

func TestDeadline_SilenceAutoResolves(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)

	f.clock.advance(73 * time.Hour)

	got, err := f.svc.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get after deadline: %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("expired dispute should auto-resolve, got %s", got.Status)
	}
	if got.Resolution != ResolutionFavorsComplainer || got.SystemDecision != DecisionComplainantWins {
		t.Fatalf("silence should favor the complainer, got %s/%s", got.Resolution, got.SystemDecision)
	}
	if got.ComplainerDecision != PartyAccept || got.RespondentDecision != PartyReject {
		t.Fatalf("automatic outcome decisions wrong: %s/%s", got.ComplainerDecision, got.RespondentDecision)
	}
	if got.ClosedAt == nil {
		t.Fatal("ClosedAt should be set")
	}

	if len(f.penalties.issued) != 1 {
		t.Fatalf("expected one penalty, got %d", len(f.penalties.issued))
	}
	p := f.penalties.issued[0]
	if p.UserID != respondentID || p.Reason != penalty.ReasonNoDisputeResponse {
		t.Fatalf("penalty should charge the silent respondent for no response, got %s/%s", p.UserID, p.Reason)
	}
	if p.Amount != 50.00 || p.Currency != "EUR" {
		t.Fatalf("expected 50.00 EUR, got %.2f %s", p.Amount, p.Currency)
	}
	if f.agreements.snapshots[agreementID].Status != agreement.StatusCancelled {
		t.Fatal("agreement should be cancelled")
	}
}

func TestDeadline_EnforcementIsIdempotent(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)
	f.clock.advance(74 * time.Hour)

	first, err := f.svc.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := f.svc.GetByID(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}

	if len(f.penalties.issued) != 1 {
		t.Fatalf("second enforcement must not re-charge: %d penalties", len(f.penalties.issued))
	}
	if second.Status != first.Status || !second.ClosedAt.Equal(*first.ClosedAt) {
		t.Fatal("second enforcement must leave status and ClosedAt unchanged")
	}
}

func TestDeadline_ShortCircuitsResponse(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)
	f.clock.advance(ResponseWindow + time.Minute)

	got, err := f.svc.Respond(context.Background(), d.ID, respondentID, "too late", nil)
	if !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected ErrDeadlineExpired, got %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("expiry short-circuit should resolve, got %s", got.Status)
	}
	if got.ResponseReceivedAt != nil {
		t.Fatal("late response must not be recorded")
	}
	if len(got.Messages) != 0 {
		t.Fatal("late response message must not be appended")
	}
}

func TestProcessExpiredDisputes_Sweep(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)
	f.clock.advance(80 * time.Hour)

	n, err := f.svc.ProcessExpiredDisputes(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed, got %d", n)
	}
	if f.store.disputes[d.ID].Status != StatusResolved {
		t.Fatal("sweep should resolve the expired dispute")
	}

	// Racing sweep finds nothing left to do.
	n, err = f.svc.ProcessExpiredDisputes(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep should be a no-op, processed %d", n)
	}
	if len(f.penalties.issued) != 1 {
		t.Fatalf("expected exactly one penalty after racing sweeps, got %d", len(f.penalties.issued))
	}
}

func escalatedDispute(t *testing.T, f *fixture, score int) Record {
	t.Helper()
	d := f.open(t)
	got, err := f.svc.Escalate(context.Background(), d.ID, complainerID, "test setup")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	// The tiering contract is about the fixed score, which cannot take every
	// value through deliverable facts alone; pin it directly.
	f.store.disputes[d.ID].Score = score
	got.Score = score
	return got
}

func TestModeratorDecision_HalfPenaltyInsideInconclusiveBand(t *testing.T) {
	f := newFixture(t)
	d := escalatedDispute(t, f, 55)

	got, err := f.svc.MakeModeratorDecision(context.Background(), ModeratorParams{
		DisputeID:   d.ID,
		ModeratorID: moderatorID,
		Resolution:  ResolutionFavorsComplainer,
		Notes:       "provider did not meet the bar",
	})
	if err != nil {
		t.Fatalf("moderator decision: %v", err)
	}

	if got.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", got.Status)
	}
	if got.ModeratorID == nil || *got.ModeratorID != moderatorID {
		t.Fatal("moderator id should be recorded")
	}
	if len(f.penalties.issued) != 1 {
		t.Fatalf("expected one penalty, got %d", len(f.penalties.issued))
	}
	p := f.penalties.issued[0]
	if p.Reason != penalty.ReasonDisputeLostHalf || p.Amount != 25.00 {
		t.Fatalf("score 55 should charge the half tier, got %s %.2f", p.Reason, p.Amount)
	}
	if p.UserID != respondentID {
		t.Fatalf("favors_complainer must charge the respondent, charged %s", p.UserID)
	}
}

func TestModeratorDecision_FullPenaltyOutsideBand(t *testing.T) {
	f := newFixture(t)
	d := escalatedDispute(t, f, 75)

	_, err := f.svc.MakeModeratorDecision(context.Background(), ModeratorParams{
		DisputeID:   d.ID,
		ModeratorID: moderatorID,
		Resolution:  ResolutionFavorsRespondent,
	})
	if err != nil {
		t.Fatalf("moderator decision: %v", err)
	}

	p := f.penalties.issued[0]
	if p.Reason != penalty.ReasonDisputeLostFull || p.Amount != 50.00 {
		t.Fatalf("score 75 should charge the full tier, got %s %.2f", p.Reason, p.Amount)
	}
}

func TestModeratorDecision_Gates(t *testing.T) {
	f := newFixture(t)
	d := escalatedDispute(t, f, 50)

	if _, err := f.svc.MakeModeratorDecision(context.Background(), ModeratorParams{
		DisputeID: d.ID, ModeratorID: complainerID, Resolution: ResolutionFavorsComplainer,
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-moderator: expected ErrForbidden, got %v", err)
	}

	if _, err := f.svc.MakeModeratorDecision(context.Background(), ModeratorParams{
		DisputeID: d.ID, ModeratorID: moderatorID, Resolution: ResolutionNone,
	}); err == nil {
		t.Fatal("moderator must favor a party")
	}

	f2 := newFixture(t)
	d2 := f2.open(t)
	if _, err := f2.svc.MakeModeratorDecision(context.Background(), ModeratorParams{
		DisputeID: d2.ID, ModeratorID: moderatorID, Resolution: ResolutionFavorsComplainer,
	}); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("not escalated: expected ErrBadStatus, got %v", err)
	}
}

func TestAdminResolve_OverridesAtAnyStatus(t *testing.T) {
	f := newFixture(t)
	d := f.open(t) // still awaiting_response

	target := agreement.StatusCompleted
	got, err := f.svc.AdminResolve(context.Background(), AdminParams{
		DisputeID:       d.ID,
		AdminID:         adminID,
		Resolution:      ResolutionModerator,
		Notes:           "settled out of band",
		AgreementStatus: &target,
	})
	if err != nil {
		t.Fatalf("admin resolve: %v", err)
	}

	if got.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", got.Status)
	}
	if len(f.penalties.issued) != 0 {
		t.Fatal("a resolution favoring neither party charges no penalty")
	}
	if f.agreements.snapshots[agreementID].Status != agreement.StatusCompleted {
		t.Fatalf("admin-chosen agreement status not applied, got %s", f.agreements.snapshots[agreementID].Status)
	}

	if _, err := f.svc.AdminResolve(context.Background(), AdminParams{
		DisputeID: d.ID, AdminID: moderatorID,
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("moderator on admin path: expected ErrForbidden, got %v", err)
	}
}

func TestAdminResolve_FavoringASideCharges(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)

	if _, err := f.svc.AdminResolve(context.Background(), AdminParams{
		DisputeID:  d.ID,
		AdminID:    adminID,
		Resolution: ResolutionFavorsComplainer,
	}); err != nil {
		t.Fatalf("admin resolve: %v", err)
	}

	if len(f.penalties.issued) != 1 {
		t.Fatalf("expected one penalty, got %d", len(f.penalties.issued))
	}
	p := f.penalties.issued[0]
	if p.UserID != respondentID || p.Reason != penalty.ReasonDisputeLostHalf {
		// Score 50 sits inside the inconclusive band.
		t.Fatalf("unexpected penalty %s/%s", p.UserID, p.Reason)
	}
	if f.agreements.snapshots[agreementID].Status != agreement.StatusCancelled {
		t.Fatal("default agreement outcome should be cancelled")
	}
}

func TestAddEvidence_GatedByStatus(t *testing.T) {
	f := newFixture(t)
	d := f.open(t)

	got, err := f.svc.AddEvidence(context.Background(), d.ID, respondentID, EvidenceInput{
		Link:        "https://example.com/chat-log",
		Description: "conversation export",
	})
	if err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if len(got.Evidence) != 1 {
		t.Fatalf("evidence not appended: %+v", got.Evidence)
	}

	if _, err := f.svc.AddEvidence(context.Background(), d.ID, "stranger", EvidenceInput{Link: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger evidence: expected ErrForbidden, got %v", err)
	}

	// Resolve, then evidence is rejected.
	if _, err := f.svc.AdminResolve(context.Background(), AdminParams{DisputeID: d.ID, AdminID: adminID}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := f.svc.AddEvidence(context.Background(), d.ID, respondentID, EvidenceInput{Link: "late"}); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("evidence after resolution: expected ErrBadStatus, got %v", err)
	}
}

func TestEndToEnd_GrayZoneScenario(t *testing.T) {
	f := newFixture(t)

	d := f.open(t)
	if d.Score != 50 || d.SystemDecision != DecisionEscalate {
		t.Fatalf("no deliverables should be score 50 gray zone, got %d/%s", d.Score, d.SystemDecision)
	}
	if d.Status != StatusAwaitingResponse {
		t.Fatal("gray-zone provisional decision is advisory; status stays awaiting_response")
	}

	got, err := f.svc.Respond(context.Background(), d.ID, respondentID, "my side of the story", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusEscalated {
		t.Fatal("gray zone escalates on response without a handshake")
	}

	final, err := f.svc.MakeModeratorDecision(context.Background(), ModeratorParams{
		DisputeID:   d.ID,
		ModeratorID: moderatorID,
		Resolution:  ResolutionFavorsComplainer,
		Notes:       "respondent never delivered",
	})
	if err != nil {
		t.Fatalf("moderator decision: %v", err)
	}
	if final.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", final.Status)
	}
	if len(f.penalties.issued) != 1 || f.penalties.issued[0].Amount != 25.00 {
		t.Fatalf("score 50 loss should charge the half tier: %+v", f.penalties.issued)
	}
}

// --- fakes ---

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time           { return c.t }
func (c *fakeClock) advance(by time.Duration) { c.t = c.t.Add(by) }

type fakeStore struct {
	disputes map[string]*Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{disputes: make(map[string]*Record)}
}

func (s *fakeStore) InsertTx(_ context.Context, _ pgx.Tx, d Record) error {
	for _, existing := range s.disputes {
		if existing.AgreementID == d.AgreementID && !existing.Status.IsTerminal() {
			return ErrDuplicateOpen
		}
	}
	cp := d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *fakeStore) GetForUpdateTx(_ context.Context, _ pgx.Tx, disputeID string) (Record, error) {
	d, ok := s.disputes[disputeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	cp := *d
	cp.Evidence = append([]Evidence(nil), d.Evidence...)
	cp.Messages = append([]Message(nil), d.Messages...)
	return cp, nil
}

func (s *fakeStore) HasActiveForAgreementTx(_ context.Context, _ pgx.Tx, agreementID string) (bool, error) {
	for _, d := range s.disputes {
		if d.AgreementID == agreementID && !d.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) SaveTx(_ context.Context, _ pgx.Tx, d Record, expected Status) error {
	cur, ok := s.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	d.Evidence = cur.Evidence
	d.Messages = cur.Messages
	s.disputes[d.ID] = &d
	return nil
}

func (s *fakeStore) AppendEvidenceTx(_ context.Context, _ pgx.Tx, ev Evidence) error {
	d, ok := s.disputes[ev.DisputeID]
	if !ok {
		return ErrNotFound
	}
	d.Evidence = append(d.Evidence, ev)
	return nil
}

func (s *fakeStore) AppendMessageTx(_ context.Context, _ pgx.Tx, msg Message) error {
	d, ok := s.disputes[msg.DisputeID]
	if !ok {
		return ErrNotFound
	}
	d.Messages = append(d.Messages, msg)
	return nil
}

func (s *fakeStore) ListExpiredAwaiting(_ context.Context, now time.Time) ([]string, error) {
	var ids []string
	for id, d := range s.disputes {
		if d.Status == StatusAwaitingResponse && d.ResponseDeadline.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeAgreements struct {
	snapshots map[string]*agreement.Snapshot
	timeline  []string
}

func newFakeAgreements() *fakeAgreements {
	return &fakeAgreements{snapshots: make(map[string]*agreement.Snapshot)}
}

func (a *fakeAgreements) SnapshotForUpdate(_ context.Context, _ pgx.Tx, agreementID string) (agreement.Snapshot, error) {
	snap, ok := a.snapshots[agreementID]
	if !ok {
		return agreement.Snapshot{}, agreement.ErrNotFound
	}
	return *snap, nil
}

func (a *fakeAgreements) SetStatusTx(_ context.Context, _ pgx.Tx, agreementID string, from, to agreement.Status) error {
	snap, ok := a.snapshots[agreementID]
	if !ok {
		return agreement.ErrNotFound
	}
	if !agreement.ValidTransition(from, to) {
		return agreement.ErrBadTransition
	}
	if snap.Status != from {
		return agreement.ErrStale
	}
	snap.Status = to
	return nil
}

func (a *fakeAgreements) AppendTimelineTx(_ context.Context, _ pgx.Tx, agreementID, eventType string, _ *string, _ map[string]any) error {
	a.timeline = append(a.timeline, agreementID+":"+eventType)
	return nil
}

type fakeIssuer struct {
	issued []penalty.Record
}

func (f *fakeIssuer) Issue(_ context.Context, _ pgx.Tx, params penalty.IssueParams) (penalty.Record, error) {
	for _, p := range f.issued {
		if p.DisputeID != nil && params.DisputeID != nil && *p.DisputeID == *params.DisputeID {
			return penalty.Record{}, penalty.ErrAlreadyIssued
		}
	}
	rec := penalty.Record{
		ID:          fmt.Sprintf("penalty-%d", len(f.issued)+1),
		UserID:      params.UserID,
		AgreementID: params.AgreementID,
		DisputeID:   params.DisputeID,
		Amount:      penalty.AmountFor(params.Reason),
		Currency:    penalty.Currency,
		Reason:      params.Reason,
		Status:      penalty.StatusCharged,
	}
	f.issued = append(f.issued, rec)
	return rec, nil
}

type fakeCaps struct {
	moderators map[string]bool
	admins     map[string]bool
}

func (c *fakeCaps) IsModerator(_ context.Context, userID string) (bool, error) {
	return c.moderators[userID], nil
}

func (c *fakeCaps) IsAdmin(_ context.Context, userID string) (bool, error) {
	return c.admins[userID], nil
}

type sentIntent struct {
	topic  notify.EventType
	intent notify.Intent
}

type fakeOutbox struct {
	sent []sentIntent
}

func (o *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic notify.EventType, intent notify.Intent) error {
	o.sent = append(o.sent, sentIntent{topic: topic, intent: intent})
	return nil
}

func (o *fakeOutbox) has(topic notify.EventType, userID string) bool {
	for _, s := range o.sent {
		if s.topic == topic && s.intent.UserID == userID {
			return true
		}
	}
	return false
}

type fakePool struct{}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
