package models

// SortOrder selects the candidate list ordering.
type SortOrder string

const (
	SortFinalConf    SortOrder = "final_conf"
	SortFinalConfAsc SortOrder = "final_conf_asc"
	SortSeverity     SortOrder = "severity"
	SortPriority     SortOrder = "priority"
	SortRecency      SortOrder = "recency"
)

// Valid reports whether s is a known sort order. Empty means the default.
func (s SortOrder) Valid() bool {
	switch s {
	case "", SortFinalConf, SortFinalConfAsc, SortSeverity, SortPriority, SortRecency:
		return true
	}
	return false
}

// ListCandidatesRequest captures queue filters.
type ListCandidatesRequest struct {
	Status  Status        `json:"status,omitempty"`
	Type    CandidateType `json:"type,omitempty"`
	MinConf *float64      `json:"min_conf,omitempty"`
	// RunID defaults to the latest run when empty.
	RunID  string    `json:"run_id,omitempty"`
	Sort   SortOrder `json:"sort,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// CandidateListItem is one row of the review queue.
type CandidateListItem struct {
	Candidate
	FeaturesPreview map[string]any `json:"features_preview,omitempty"`
	LatestVerdict   Verdict        `json:"latest_verdict,omitempty"`
}

// ListCandidatesResponse is one page of the review queue.
type ListCandidatesResponse struct {
	Items []CandidateListItem `json:"items"`
	Total int64               `json:"total"`
	RunID string              `json:"run_id"`
}

// CandidateDetail bundles everything the reviewer sees for one candidate.
type CandidateDetail struct {
	Candidate     Candidate                              `json:"candidate"`
	Evidence      EvidenceBundle                         `json:"evidence"`
	LatestLabel   *Label                                 `json:"latest_label,omitempty"`
	LatestVerify  *VerificationResult                    `json:"latest_verify,omitempty"`
	LatestExplain *VerificationResult                    `json:"latest_explain,omitempty"`
	States        map[VerificationKind]VerificationState `json:"verification_states"`
}

// LabelRequest is a reviewer label submission.
type LabelRequest struct {
	Label      LabelValue `json:"label"`
	ReasonCode string     `json:"reason_code"`
	Note       string     `json:"note,omitempty"`
	Reviewer   string     `json:"reviewer,omitempty"`
}

// VerificationResponse returns a verifier outcome with the candidate as it
// stands afterwards.
type VerificationResponse struct {
	Result    VerificationResult `json:"result"`
	Candidate Candidate          `json:"candidate"`
}

// LabelResponse returns the appended label and the candidate's new status.
type LabelResponse struct {
	Label     Label     `json:"label"`
	Candidate Candidate `json:"candidate"`
}

// LabelsResponse lists a candidate's labels in created order.
type LabelsResponse struct {
	CandidateID string  `json:"candidate_id"`
	Labels      []Label `json:"labels"`
}
