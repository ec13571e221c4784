package models

import "time"

// Run records one batch pass over a log snapshot.
type Run struct {
	ID             string                `json:"run_id"`
	SchemaVersion  string                `json:"schema_version"`
	GraphVersion   string                `json:"graph_version"`
	Source         string                `json:"source"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
	EventCount     int                   `json:"event_count"`
	ObjectCount    int                   `json:"object_count"`
	CandidateCount int                   `json:"candidate_count"`
	CountsByType   map[CandidateType]int `json:"counts_by_type"`
	Summary        []AnomalyPattern      `json:"summary,omitempty"`
}

// AnomalyPattern aggregates candidates of one type within a run.
type AnomalyPattern struct {
	Type          CandidateType  `json:"type"`
	Count         int            `json:"count"`
	Share         float64        `json:"share"`
	MeanBaseConf  float64        `json:"mean_base_conf"`
	Reasons       map[string]int `json:"reasons,omitempty"`
	TopResources  []string       `json:"top_resources,omitempty"`
	LatestEventAt time.Time      `json:"latest_event_at"`
}
