package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// MockProvider answers deterministically from the prompt input. It is
// unmetered and never leaves the process.
type MockProvider struct{}

func (MockProvider) Name() string { return "mock" }

func (MockProvider) Metered() bool { return false }

// Complete returns a schema-valid completion for req.Kind.
func (MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	var payload any
	switch req.Kind {
	case models.KindExplain:
		payload = mockExplain(req.Input)
	default:
		payload = mockVerify(req.Input)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	return Response{Content: string(raw)}, nil
}

func mockEvidence(in PromptInput) []string {
	ids := in.EvidenceEventIDs
	if len(ids) > 3 {
		ids = ids[:3]
	}
	return append([]string{}, ids...)
}

func mockVerify(in PromptInput) models.VerifyOutput {
	used := mockEvidence(in)
	out := models.VerifyOutput{
		Verdict:               models.VerdictUncertain,
		VConf:                 0.4,
		EvidenceUsed:          used,
		PossibleFalsePositive: []string{},
		NextQuestions:         []string{},
	}
	switch {
	case len(used) >= 2:
		out.Verdict, out.VConf = models.VerdictConfirm, 0.8
	case len(used) == 1:
		out.Verdict, out.VConf = models.VerdictConfirm, 0.7
	}
	parts := []string{fmt.Sprintf("Detector type is %s.", in.Candidate.Type)}
	if reason, ok := in.Candidate.Features["maverick_reason"].(string); ok && reason != "" {
		parts = append(parts, fmt.Sprintf("Reason provided: %s.", reason))
	}
	if len(used) > 0 {
		parts = append(parts, fmt.Sprintf("Evidence events used: %s.", strings.Join(used, ", ")))
	} else {
		parts = append(parts, "No evidence events available.")
	}
	out.Explanation = strings.Join(parts, " ")
	return out
}

func mockExplain(in PromptInput) models.ExplainOutput {
	f := in.Candidate.Features
	oneLiner := fmt.Sprintf("%s case on %s based on provided evidence.", in.Candidate.Type, in.Candidate.AnchorObjectID)
	switch in.Candidate.Type {
	case models.TypeLengthyApprovalPR, models.TypeLengthyApprovalPO:
		lead, okLead := asFloat(f["lead_time_hours"])
		threshold, okThreshold := asFloat(f["threshold_hours"])
		if okLead && okThreshold && threshold > 0 {
			oneLiner = fmt.Sprintf("Approval lead time %.1fh exceeds threshold %.1fh by %+.1fh (%.2fx).",
				lead, threshold, lead-threshold, lead/threshold)
		}
	case models.TypeDuplicatePayment:
		if count, ok := asFloat(f["payment_count"]); ok {
			oneLiner = fmt.Sprintf("Invoice paid %d times for a single invoice receipt.", int(count))
		}
	case models.TypeMaverickBuying:
		if reason, ok := f["maverick_reason"].(string); ok {
			oneLiner = fmt.Sprintf("Purchase order %s flagged as maverick buying: %s.", in.Candidate.AnchorObjectID, reason)
		}
	}
	activities := make([]string, 0, len(in.Timeline))
	for _, entry := range in.Timeline {
		activities = append(activities, entry.Activity)
	}
	return models.ExplainOutput{
		OneLiner:              oneLiner,
		WhyAnomalous:          in.Rule.Description,
		EvidenceSummary:       "Observed activities: " + strings.Join(activities, " -> "),
		WhatToCheckNext:       []string{"Confirm the linked documents in the source system."},
		PossibleNormalReasons: []string{"unknown"},
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
