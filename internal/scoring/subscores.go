package scoring

import (
	"math"

	"github.com/miradorstack/mirador-audit/internal/models"
)

var requiredFeatures = map[models.CandidateType][]string{
	models.TypeDuplicatePayment:  {"payment_count", "payment_ts_list"},
	models.TypeLengthyApprovalPR: {"lead_time_hours", "threshold_hours"},
	models.TypeLengthyApprovalPO: {"lead_time_hours", "threshold_hours"},
	models.TypeMaverickBuying:    {"po_create_ts", "has_pr"},
}

type reasonScore struct{ s, r, i float64 }

var maverickReasons = map[string]reasonScore{
	"no_pr_found":           {s: 0.85, r: 0.6, i: 0.7},
	"missing_pr_approval":   {s: 0.7, r: 0.5, i: 0.6},
	"po_before_pr_approval": {s: 0.6, r: 0.4, i: 0.5},
}

func subScores(raw models.RawCandidate) models.ScoreBreakdown {
	f := raw.Features
	var out models.ScoreBreakdown
	switch raw.Type {
	case models.TypeDuplicatePayment:
		n := number(f, "payment_count")
		out.S = clamp(0.5 + 0.2*(n-2))
		out.R = clamp(0.3 + 0.1*n)
		out.I = clamp(0.4 + 0.15*(n-1))
		if total, ok := numberOK(f, "total_amount"); ok && total > 0 {
			out.I = math.Max(out.I, clamp(math.Log10(1+total)/6))
		}
	case models.TypeLengthyApprovalPR, models.TypeLengthyApprovalPO:
		lead := number(f, "lead_time_hours")
		threshold := number(f, "threshold_hours")
		ratio := 2.0
		if threshold > 0 {
			ratio = lead / threshold
		}
		out.S = clamp(0.4 + 0.3*(ratio-1))
		if rank, ok := numberOK(f, "percentile_rank"); ok {
			out.R = clamp(rank)
		} else {
			out.R = clamp(0.5 + 0.3*(ratio-1))
		}
		out.I = clamp(0.3 + 0.2*ratio)
	case models.TypeMaverickBuying:
		reason, _ := f["maverick_reason"].(string)
		rs, ok := maverickReasons[reason]
		if !ok {
			rs = reasonScore{s: 0.5, r: 0.5, i: 0.5}
		}
		out.S, out.R, out.I = rs.s, rs.r, rs.i
		if gap, ok := numberOK(f, "approval_gap_hours"); ok && gap > 0 {
			// Order preceded approval by gap hours; a week saturates the bump.
			adj := clamp(gap/168) * 0.3
			out.S = clamp(out.S + adj)
			out.I = clamp(out.I + adj)
		}
	default:
		out.S, out.R, out.I = 0.5, 0.5, 0.5
	}
	out.Q = completeness(raw)
	return out
}

// completeness starts from evidence presence and loses 0.3 per missing
// required feature. A requisition-linked maverick also needs PR timestamps.
func completeness(raw models.RawCandidate) float64 {
	q := 0.2
	switch {
	case len(raw.EventIDs) > 0 && len(raw.ObjectIDs) > 0:
		q = 1.0
	case len(raw.EventIDs) > 0 || len(raw.ObjectIDs) > 0:
		q = 0.6
	}
	required := requiredFeatures[raw.Type]
	if raw.Type == models.TypeMaverickBuying {
		if hasPR, _ := raw.Features["has_pr"].(bool); hasPR {
			required = append(append([]string(nil), required...), "pr_create_ts", "pr_approve_ts")
		}
	}
	for _, key := range required {
		if v, ok := raw.Features[key]; !ok || v == nil {
			q -= 0.3
		}
	}
	return clamp(q)
}

func number(f map[string]any, key string) float64 {
	v, _ := numberOK(f, key)
	return v
}

func numberOK(f map[string]any, key string) (float64, bool) {
	switch n := f[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
