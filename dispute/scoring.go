package dispute

import (
	"time"

	"skillbarter/agreement"
)

// Facts are the delivery/timeliness/approval booleans snapshotted when a
// dispute opens. They exist so every score is explainable to the humans it
// affects: the point system below is deliberately simple and auditable.
type Facts struct {
	ComplainerDelivered bool
	RespondentDelivered bool
	ComplainerOnTime    bool
	RespondentOnTime    bool
	ComplainerApproved  bool
	RespondentApproved  bool
}

// Scoring weights. Adjustments are symmetric: each favours the respondent
// (positive) or the complainer (negative) by the same magnitude.
const (
	scoreBaseline      = 50
	deliveredWeight    = 25
	onTimeWeight       = 15
	approvedWeight     = 20
	diligenceBonus     = 5
	verdictProviderMin = 70
	verdictComplainant = 40
)

// DeriveFacts inspects the agreement's deliverables for both parties.
// "Delivered" means any deliverable authored by the party exists. "On time"
// compares the submission timestamp against the linked milestone's due date,
// falling back to refDeadline. "Approved" is observed at dispute-open time.
func DeriveFacts(snap agreement.Snapshot, complainerID, respondentID string, refDeadline time.Time) Facts {
	var f Facts
	for _, d := range snap.Deliverables {
		due := refDeadline
		if d.DueDate != nil {
			due = *d.DueDate
		}
		onTime := !d.SubmittedAt.After(due)
		approved := d.Status == agreement.DeliverableApproved

		switch d.SubmitterID {
		case complainerID:
			f.ComplainerDelivered = true
			f.ComplainerOnTime = f.ComplainerOnTime || onTime
			f.ComplainerApproved = f.ComplainerApproved || approved
		case respondentID:
			f.RespondentDelivered = true
			f.RespondentOnTime = f.RespondentOnTime || onTime
			f.RespondentApproved = f.RespondentApproved || approved
		}
	}
	return f
}

// ScoreFacts computes the 0-100 dispute score. High favours the respondent,
// low favours the complainer, 50 is neutral.
func ScoreFacts(f Facts) int {
	score := scoreBaseline

	if f.RespondentDelivered && !f.ComplainerDelivered {
		score += deliveredWeight
	}
	if f.ComplainerDelivered && !f.RespondentDelivered {
		score -= deliveredWeight
	}

	if f.RespondentOnTime && !f.ComplainerOnTime {
		score += onTimeWeight
	}
	if f.ComplainerOnTime && !f.RespondentOnTime {
		score -= onTimeWeight
	}

	if f.RespondentApproved && !f.ComplainerApproved {
		score += approvedWeight
	}
	if f.ComplainerApproved && !f.RespondentApproved {
		score -= approvedWeight
	}

	// Independent diligence adjustments: both may fire at once.
	if f.RespondentDelivered && f.RespondentOnTime {
		score += diligenceBonus
	}
	if f.ComplainerDelivered && f.ComplainerOnTime {
		score -= diligenceBonus
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// VerdictForScore maps a score to the system decision. The boundaries are
// contract: 70 and above favours the respondent, below 40 the complainer,
// everything in [40,69] defers to a moderator.
func VerdictForScore(score int) SystemDecision {
	switch {
	case score >= verdictProviderMin:
		return DecisionProviderWins
	case score < verdictComplainant:
		return DecisionComplainantWins
	default:
		return DecisionEscalate
	}
}

// ResolutionForDecision translates a system decision into the provisional
// resolution. Gray-zone decisions stay unresolved until a human decides.
func ResolutionForDecision(d SystemDecision) Resolution {
	switch d {
	case DecisionProviderWins:
		return ResolutionFavorsRespondent
	case DecisionComplainantWins:
		return ResolutionFavorsComplainer
	default:
		return ResolutionNone
	}
}

// inconclusiveBand reports whether a score remained ambiguous enough that a
// moderator loss only charges the half penalty.
func inconclusiveBand(score int) bool {
	return score >= 40 && score <= 60
}
