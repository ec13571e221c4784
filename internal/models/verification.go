package models

import "time"

// VerificationKind selects the verifier task.
type VerificationKind string

const (
	KindVerify  VerificationKind = "verify"
	KindExplain VerificationKind = "explain"
)

// Valid reports whether k is a known kind.
func (k VerificationKind) Valid() bool {
	return k == KindVerify || k == KindExplain
}

// Verdict is the verifier's classification of a candidate.
type Verdict string

const (
	VerdictConfirm   Verdict = "confirm"
	VerdictUncertain Verdict = "uncertain"
	VerdictReject    Verdict = "reject"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictConfirm, VerdictUncertain, VerdictReject:
		return true
	}
	return false
}

// VerificationState is the per (candidate, kind) lifecycle.
type VerificationState string

const (
	StateAbsent    VerificationState = "absent"
	StatePending   VerificationState = "pending"
	StateCompleted VerificationState = "completed"
)

// VerifyOutput is the validated verify payload.
type VerifyOutput struct {
	Verdict               Verdict  `json:"verdict"`
	VConf                 float64  `json:"v_conf"`
	Explanation           string   `json:"explanation"`
	EvidenceUsed          []string `json:"evidence_used"`
	PossibleFalsePositive []string `json:"possible_false_positive"`
	NextQuestions         []string `json:"next_questions"`
}

// ExplainOutput is the validated explain payload.
type ExplainOutput struct {
	OneLiner              string   `json:"one_liner"`
	WhyAnomalous          string   `json:"why_anomalous"`
	EvidenceSummary       string   `json:"evidence_summary"`
	WhatToCheckNext       []string `json:"what_to_check_next"`
	PossibleNormalReasons []string `json:"possible_normal_reasons"`
}

// TokenUsage reports provider token accounting.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// VerificationResult is one append-only verifier outcome.
type VerificationResult struct {
	ID          string           `json:"id"`
	CandidateID string           `json:"candidate_id"`
	Kind        VerificationKind `json:"kind"`
	Model       string           `json:"model"`
	Provider    string           `json:"provider"`
	PromptHash  string           `json:"prompt_hash"`
	InputHash   string           `json:"input_hash"`
	CacheKey    string           `json:"cache_key"`
	Verdict     Verdict          `json:"verdict,omitempty"`
	VConf       float64          `json:"v_conf,omitempty"`
	Verify      *VerifyOutput    `json:"verify,omitempty"`
	Explain     *ExplainOutput   `json:"explain,omitempty"`
	Cautions    []string         `json:"cautions,omitempty"`
	Usage       TokenUsage       `json:"usage"`
	LatencyMS   int64            `json:"latency_ms"`
	Cached      bool             `json:"cached"`
	CreatedAt   time.Time        `json:"created_at"`
}
