package models

import "time"

// LabelValue is a reviewer decision.
type LabelValue string

const (
	LabelConfirm   LabelValue = "confirm"
	LabelReject    LabelValue = "reject"
	LabelNeedsMore LabelValue = "needs_more"
)

// Valid reports whether l is a known label.
func (l LabelValue) Valid() bool {
	switch l {
	case LabelConfirm, LabelReject, LabelNeedsMore:
		return true
	}
	return false
}

// Label is one append-only review decision.
type Label struct {
	ID          string     `json:"label_id"`
	CandidateID string     `json:"candidate_id"`
	Label       LabelValue `json:"label"`
	ReasonCode  string     `json:"reason_code"`
	Note        string     `json:"note,omitempty"`
	Reviewer    string     `json:"reviewer,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
