package models

import "time"

// CandidateType is the closed detector vocabulary.
type CandidateType string

const (
	TypeDuplicatePayment  CandidateType = "duplicate_payment"
	TypeLengthyApprovalPR CandidateType = "lengthy_approval_pr"
	TypeLengthyApprovalPO CandidateType = "lengthy_approval_po"
	TypeMaverickBuying    CandidateType = "maverick_buying"
)

// CandidateTypes lists every known detector type in a stable order.
var CandidateTypes = []CandidateType{
	TypeDuplicatePayment,
	TypeLengthyApprovalPR,
	TypeLengthyApprovalPO,
	TypeMaverickBuying,
}

// Valid reports whether t is part of the detector vocabulary.
func (t CandidateType) Valid() bool {
	for _, known := range CandidateTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the review state of a candidate.
type Status string

const (
	StatusOpen     Status = "open"
	StatusReviewed Status = "reviewed"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusReviewed, StatusArchived:
		return true
	}
	return false
}

// ScoreBreakdown keeps the normalized sub-scores behind base_conf.
type ScoreBreakdown struct {
	S float64 `json:"S"`
	R float64 `json:"R"`
	I float64 `json:"I"`
	Q float64 `json:"Q"`
}

// Candidate is a flagged anomaly instance.
type Candidate struct {
	ID               string         `json:"candidate_id"`
	Type             CandidateType  `json:"type"`
	AnchorObjectID   string         `json:"anchor_object_id"`
	AnchorObjectType string         `json:"anchor_object_type"`
	BaseConf         float64        `json:"base_conf"`
	FinalConf        float64        `json:"final_conf"`
	Severity         float64        `json:"severity"`
	Priority         float64        `json:"priority"`
	Status           Status         `json:"status"`
	RunID            string         `json:"run_id"`
	Scores           ScoreBreakdown `json:"scores"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RawCandidate is what a detector emits before scoring and identity assignment.
type RawCandidate struct {
	Type             CandidateType
	AnchorObjectID   string
	AnchorObjectType string
	EventIDs         []string
	ObjectIDs        []string
	Features         map[string]any
}

// TimelineEntry is one evidence event projected for review.
type TimelineEntry struct {
	EventID         string    `json:"event_id"`
	Activity        string    `json:"activity"`
	TS              time.Time `json:"ts"`
	Resource        string    `json:"resource,omitempty"`
	Lifecycle       string    `json:"lifecycle,omitempty"`
	LinkedObjectIDs []string  `json:"linked_object_ids"`
}

// EvidenceBundle carries everything needed to judge one candidate.
type EvidenceBundle struct {
	CandidateID string          `json:"candidate_id"`
	EventIDs    []string        `json:"evidence_event_ids"`
	ObjectIDs   []string        `json:"evidence_object_ids"`
	Timeline    []TimelineEntry `json:"timeline"`
	Features    map[string]any  `json:"features"`
	Subgraph    *Subgraph       `json:"subgraph,omitempty"`
	ContentHash string          `json:"content_hash"`
}

// ScoredCandidate pairs a candidate with its evidence as produced by a batch pass.
type ScoredCandidate struct {
	Candidate Candidate
	Evidence  EvidenceBundle
}
