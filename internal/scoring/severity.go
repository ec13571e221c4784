package scoring

import (
	"math"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// maverickSeverity is the starting severity per maverick reason.
var maverickSeverity = map[string]float64{
	"no_pr_found":           0.8,
	"missing_pr_approval":   0.6,
	"po_before_pr_approval": 0.9,
}

// CandidateSeverity derives severity from a candidate's features. It reports
// false when the features needed for its type are absent.
func CandidateSeverity(raw models.RawCandidate) (float64, bool) {
	f := raw.Features
	switch raw.Type {
	case models.TypeDuplicatePayment:
		count, ok := numberOK(f, "payment_count")
		if !ok {
			return 0, false
		}
		return clamp((count - 1) / 4), true

	case models.TypeLengthyApprovalPR, models.TypeLengthyApprovalPO:
		lead, okLead := numberOK(f, "lead_time_hours")
		threshold, okThreshold := numberOK(f, "threshold_hours")
		if !okLead || !okThreshold || threshold <= 0 {
			return 0, false
		}
		excess := math.Max(0, (lead-threshold)/threshold)
		return clamp(excess / 3), true

	case models.TypeMaverickBuying:
		reason, _ := f["maverick_reason"].(string)
		base, ok := maverickSeverity[reason]
		if !ok {
			base = 0.6
		}
		if gap, ok := numberOK(f, "approval_gap_hours"); ok && reason == "po_before_pr_approval" {
			base = math.Min(1, base+math.Min(0.1, gap/72*0.1))
		}
		if listLen(f["missing_events"]) > 0 {
			base = math.Max(0, base-0.1)
		}
		return clamp(base), true
	}
	return 0, false
}

func listLen(v any) int {
	switch items := v.(type) {
	case []string:
		return len(items)
	case []any:
		return len(items)
	}
	return 0
}
