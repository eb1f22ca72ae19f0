package dispute

import (
	"testing"
	"time"

	"skillbarter/agreement"
)

func factsFromBits(bits int) Facts {
	return Facts{
		ComplainerDelivered: bits&1 != 0,
		RespondentDelivered: bits&2 != 0,
		ComplainerOnTime:    bits&4 != 0,
		RespondentOnTime:    bits&8 != 0,
		ComplainerApproved:  bits&16 != 0,
		RespondentApproved:  bits&32 != 0,
	}
}

func swapRoles(f Facts) Facts {
	return Facts{
		ComplainerDelivered: f.RespondentDelivered,
		RespondentDelivered: f.ComplainerDelivered,
		ComplainerOnTime:    f.RespondentOnTime,
		RespondentOnTime:    f.ComplainerOnTime,
		ComplainerApproved:  f.RespondentApproved,
		RespondentApproved:  f.ComplainerApproved,
	}
}

func rawScore(f Facts) int {
	score := 50
	if f.RespondentDelivered && !f.ComplainerDelivered {
		score += 25
	}
	if f.ComplainerDelivered && !f.RespondentDelivered {
		score -= 25
	}
	if f.RespondentOnTime && !f.ComplainerOnTime {
		score += 15
	}
	if f.ComplainerOnTime && !f.RespondentOnTime {
		score -= 15
	}
	if f.RespondentApproved && !f.ComplainerApproved {
		score += 20
	}
	if f.ComplainerApproved && !f.RespondentApproved {
		score -= 20
	}
	if f.RespondentDelivered && f.RespondentOnTime {
		score += 5
	}
	if f.ComplainerDelivered && f.ComplainerOnTime {
		score -= 5
	}
	return score
}

func TestScoreFacts_DeterministicAndBounded(t *testing.T) {
	for bits := 0; bits < 64; bits++ {
		f := factsFromBits(bits)
		first := ScoreFacts(f)
		if first < 0 || first > 100 {
			t.Errorf("bits %06b: score %d out of [0,100]", bits, first)
		}
		if again := ScoreFacts(f); again != first {
			t.Errorf("bits %06b: score not deterministic: %d then %d", bits, first, again)
		}
	}
}

func TestScoreFacts_Symmetry(t *testing.T) {
	for bits := 0; bits < 64; bits++ {
		f := factsFromBits(bits)
		raw := rawScore(f)
		if raw < 0 || raw > 100 {
			// Clamping breaks exact symmetry at the extremes; covered below.
			continue
		}
		got := ScoreFacts(swapRoles(f))
		if got != 100-ScoreFacts(f) {
			t.Errorf("bits %06b: swapped score %d, want %d", bits, got, 100-ScoreFacts(f))
		}
	}
}

func TestScoreFacts_ClampAtExtremes(t *testing.T) {
	// Respondent delivered, on time and approved; complainer did nothing:
	// 50+25+15+20+5 = 115, clamped to 100.
	high := Facts{RespondentDelivered: true, RespondentOnTime: true, RespondentApproved: true}
	if got := ScoreFacts(high); got != 100 {
		t.Fatalf("expected clamp to 100, got %d", got)
	}
	// Mirror image clamps to 0 (raw -15).
	low := swapRoles(high)
	if got := ScoreFacts(low); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
	// Clamped pairs no longer sum to 100.
	if ScoreFacts(high)+ScoreFacts(low) == 100 {
		t.Fatal("expected clamping to break exact symmetry at the extremes")
	}
}

func TestScoreFacts_Baseline(t *testing.T) {
	if got := ScoreFacts(Facts{}); got != 50 {
		t.Fatalf("no facts should score the 50 baseline, got %d", got)
	}
}

func TestScoreFacts_IndependentDiligenceAdjustments(t *testing.T) {
	// Both parties delivered on time: the +5 and -5 cancel, everything else
	// is symmetric, so the score stays at baseline.
	f := Facts{
		ComplainerDelivered: true, RespondentDelivered: true,
		ComplainerOnTime: true, RespondentOnTime: true,
	}
	if got := ScoreFacts(f); got != 50 {
		t.Fatalf("expected 50 when both adjustments fire, got %d", got)
	}
}

func TestVerdictForScore_Boundaries(t *testing.T) {
	cases := []struct {
		score int
		want  SystemDecision
	}{
		{0, DecisionComplainantWins},
		{39, DecisionComplainantWins},
		{40, DecisionEscalate},
		{50, DecisionEscalate},
		{69, DecisionEscalate},
		{70, DecisionProviderWins},
		{100, DecisionProviderWins},
	}
	for _, tc := range cases {
		if got := VerdictForScore(tc.score); got != tc.want {
			t.Errorf("VerdictForScore(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestResolutionForDecision(t *testing.T) {
	if got := ResolutionForDecision(DecisionProviderWins); got != ResolutionFavorsRespondent {
		t.Errorf("provider_wins -> %s, want %s", got, ResolutionFavorsRespondent)
	}
	if got := ResolutionForDecision(DecisionComplainantWins); got != ResolutionFavorsComplainer {
		t.Errorf("complainant_wins -> %s, want %s", got, ResolutionFavorsComplainer)
	}
	if got := ResolutionForDecision(DecisionEscalate); got != ResolutionNone {
		t.Errorf("escalate -> %s, want %s", got, ResolutionNone)
	}
}

func TestDeriveFacts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	refDeadline := base.Add(7 * 24 * time.Hour)
	due := base.Add(48 * time.Hour)

	complainer := "user-c"
	respondent := "user-r"

	snap := agreement.Snapshot{
		ID:          "ag-1",
		RequesterID: complainer,
		ProviderID:  respondent,
		Deliverables: []agreement.Deliverable{
			{
				SubmitterID: respondent,
				Status:      agreement.DeliverableApproved,
				DueDate:     &due,
				SubmittedAt: base.Add(24 * time.Hour), // before milestone due date
			},
			{
				SubmitterID: complainer,
				Status:      agreement.DeliverableSubmitted,
				SubmittedAt: base.Add(10 * 24 * time.Hour), // past refDeadline
			},
		},
	}

	f := DeriveFacts(snap, complainer, respondent, refDeadline)

	if !f.RespondentDelivered || !f.RespondentOnTime || !f.RespondentApproved {
		t.Fatalf("respondent facts wrong: %+v", f)
	}
	if !f.ComplainerDelivered {
		t.Fatal("complainer delivered a deliverable")
	}
	if f.ComplainerOnTime {
		t.Fatal("complainer submission after reference deadline should not be on time")
	}
	if f.ComplainerApproved {
		t.Fatal("unapproved deliverable should not count as approved")
	}

	// No deliverables at all: everything false, score 50.
	empty := DeriveFacts(agreement.Snapshot{}, complainer, respondent, refDeadline)
	if empty != (Facts{}) {
		t.Fatalf("expected zero facts, got %+v", empty)
	}
	if got := ScoreFacts(empty); got != 50 {
		t.Fatalf("expected baseline 50, got %d", got)
	}
}
