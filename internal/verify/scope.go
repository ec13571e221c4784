package verify

import "github.com/miradorstack/mirador-audit/internal/models"

// CautionOutOfScope marks a verify result whose evidence_used was empty or
// cited ids outside the candidate's evidence events.
const CautionOutOfScope = "evidence_used_missing_or_out_of_scope"

// EnforceScope keeps evidence_used inside allowed. An empty or out-of-scope
// list downgrades the verdict to uncertain and returns the caution.
func EnforceScope(out models.VerifyOutput, allowed []string) (models.VerifyOutput, []string) {
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	kept := make([]string, 0, len(out.EvidenceUsed))
	outOfScope := false
	for _, id := range out.EvidenceUsed {
		if _, ok := set[id]; ok {
			kept = append(kept, id)
			continue
		}
		outOfScope = true
	}
	out.EvidenceUsed = kept
	if len(kept) == 0 || outOfScope {
		out.Verdict = models.VerdictUncertain
		return out, []string{CautionOutOfScope}
	}
	return out, nil
}

// allowedEvidence returns the evidence event ids, falling back to the timeline.
func allowedEvidence(bundle models.EvidenceBundle) []string {
	if len(bundle.EventIDs) > 0 {
		return bundle.EventIDs
	}
	ids := make([]string, 0, len(bundle.Timeline))
	for _, entry := range bundle.Timeline {
		ids = append(ids, entry.EventID)
	}
	return ids
}
