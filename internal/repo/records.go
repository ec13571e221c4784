package repo

import (
	"time"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// RunRecord persists one batch pass.
type RunRecord struct {
	ID             string                       `gorm:"column:run_id;primaryKey"`
	SchemaVersion  string                       `gorm:"column:schema_version"`
	GraphVersion   string                       `gorm:"column:graph_version"`
	Source         string                       `gorm:"column:source"`
	StartedAt      time.Time                    `gorm:"column:started_at;index"`
	FinishedAt     time.Time                    `gorm:"column:finished_at"`
	EventCount     int                          `gorm:"column:event_count"`
	ObjectCount    int                          `gorm:"column:object_count"`
	CandidateCount int                          `gorm:"column:candidate_count"`
	CountsByType   map[models.CandidateType]int `gorm:"column:counts_by_type;serializer:json"`
	Summary        []models.AnomalyPattern      `gorm:"column:summary;serializer:json"`
}

// TableName implements gorm's tabler.
func (RunRecord) TableName() string { return "runs" }

// CandidateRecord persists a candidate. Timestamps are set explicitly.
type CandidateRecord struct {
	ID               string                `gorm:"column:candidate_id;primaryKey"`
	Type             string                `gorm:"column:type;index"`
	AnchorObjectID   string                `gorm:"column:anchor_object_id;index"`
	AnchorObjectType string                `gorm:"column:anchor_object_type"`
	BaseConf         float64               `gorm:"column:base_conf"`
	FinalConf        float64               `gorm:"column:final_conf;index"`
	Severity         float64               `gorm:"column:severity"`
	Priority         float64               `gorm:"column:priority"`
	Status           string                `gorm:"column:status;index"`
	RunID            string                `gorm:"column:run_id;index"`
	Scores           models.ScoreBreakdown `gorm:"column:scores;serializer:json"`
	CreatedAt        time.Time             `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt        time.Time             `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName implements gorm's tabler.
func (CandidateRecord) TableName() string { return "candidates" }

// EvidenceRecord persists a candidate's evidence bundle.
type EvidenceRecord struct {
	CandidateID string                 `gorm:"column:candidate_id;primaryKey"`
	EventIDs    []string               `gorm:"column:evidence_event_ids;serializer:json"`
	ObjectIDs   []string               `gorm:"column:evidence_object_ids;serializer:json"`
	Timeline    []models.TimelineEntry `gorm:"column:timeline;serializer:json"`
	Features    map[string]any         `gorm:"column:features;serializer:json"`
	Subgraph    *models.Subgraph       `gorm:"column:subgraph;serializer:json"`
	ContentHash string                 `gorm:"column:content_hash"`
	UpdatedAt   time.Time              `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName implements gorm's tabler.
func (EvidenceRecord) TableName() string { return "candidate_evidence" }

// VerificationRecord persists one append-only verifier result.
type VerificationRecord struct {
	ID               string                `gorm:"column:id;primaryKey"`
	CandidateID      string                `gorm:"column:candidate_id;index:idx_verification_candidate_kind"`
	Kind             string                `gorm:"column:kind;index:idx_verification_candidate_kind"`
	Model            string                `gorm:"column:model"`
	Provider         string                `gorm:"column:provider"`
	PromptHash       string                `gorm:"column:prompt_hash"`
	InputHash        string                `gorm:"column:input_hash"`
	CacheKey         string                `gorm:"column:cache_key;index"`
	Verdict          string                `gorm:"column:verdict"`
	VConf            float64               `gorm:"column:v_conf"`
	Verify           *models.VerifyOutput  `gorm:"column:verify_output;serializer:json"`
	Explain          *models.ExplainOutput `gorm:"column:explain_output;serializer:json"`
	Cautions         []string              `gorm:"column:cautions;serializer:json"`
	PromptTokens     int64                 `gorm:"column:prompt_tokens"`
	CompletionTokens int64                 `gorm:"column:completion_tokens"`
	TotalTokens      int64                 `gorm:"column:total_tokens"`
	LatencyMS        int64                 `gorm:"column:latency_ms"`
	CreatedAt        time.Time             `gorm:"column:created_at;index;autoCreateTime:false"`
}

// TableName implements gorm's tabler.
func (VerificationRecord) TableName() string { return "verification_results" }

// UsageRecord counts verifier attempts per local day and provider.
type UsageRecord struct {
	Day       string    `gorm:"column:day;primaryKey"`
	Provider  string    `gorm:"column:provider;primaryKey"`
	Calls     int       `gorm:"column:calls"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements gorm's tabler.
func (UsageRecord) TableName() string { return "verifier_usage" }

// LabelRecord persists one append-only reviewer label.
type LabelRecord struct {
	ID          string    `gorm:"column:label_id;primaryKey"`
	CandidateID string    `gorm:"column:candidate_id;index"`
	Label       string    `gorm:"column:label"`
	ReasonCode  string    `gorm:"column:reason_code"`
	Note        string    `gorm:"column:note"`
	Reviewer    string    `gorm:"column:reviewer"`
	CreatedAt   time.Time `gorm:"column:created_at;index;autoCreateTime:false"`
}

// TableName implements gorm's tabler.
func (LabelRecord) TableName() string { return "labels" }

func candidateRecord(c models.Candidate) CandidateRecord {
	return CandidateRecord{
		ID:               c.ID,
		Type:             string(c.Type),
		AnchorObjectID:   c.AnchorObjectID,
		AnchorObjectType: c.AnchorObjectType,
		BaseConf:         c.BaseConf,
		FinalConf:        c.FinalConf,
		Severity:         c.Severity,
		Priority:         c.Priority,
		Status:           string(c.Status),
		RunID:            c.RunID,
		Scores:           c.Scores,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (r CandidateRecord) model() models.Candidate {
	return models.Candidate{
		ID:               r.ID,
		Type:             models.CandidateType(r.Type),
		AnchorObjectID:   r.AnchorObjectID,
		AnchorObjectType: r.AnchorObjectType,
		BaseConf:         r.BaseConf,
		FinalConf:        r.FinalConf,
		Severity:         r.Severity,
		Priority:         r.Priority,
		Status:           models.Status(r.Status),
		RunID:            r.RunID,
		Scores:           r.Scores,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func evidenceRecord(b models.EvidenceBundle, now time.Time) EvidenceRecord {
	return EvidenceRecord{
		CandidateID: b.CandidateID,
		EventIDs:    b.EventIDs,
		ObjectIDs:   b.ObjectIDs,
		Timeline:    b.Timeline,
		Features:    b.Features,
		Subgraph:    b.Subgraph,
		ContentHash: b.ContentHash,
		UpdatedAt:   now,
	}
}

func (r EvidenceRecord) model() models.EvidenceBundle {
	return models.EvidenceBundle{
		CandidateID: r.CandidateID,
		EventIDs:    r.EventIDs,
		ObjectIDs:   r.ObjectIDs,
		Timeline:    r.Timeline,
		Features:    r.Features,
		Subgraph:    r.Subgraph,
		ContentHash: r.ContentHash,
	}
}

func verificationRecord(v models.VerificationResult) VerificationRecord {
	return VerificationRecord{
		ID:               v.ID,
		CandidateID:      v.CandidateID,
		Kind:             string(v.Kind),
		Model:            v.Model,
		Provider:         v.Provider,
		PromptHash:       v.PromptHash,
		InputHash:        v.InputHash,
		CacheKey:         v.CacheKey,
		Verdict:          string(v.Verdict),
		VConf:            v.VConf,
		Verify:           v.Verify,
		Explain:          v.Explain,
		Cautions:         v.Cautions,
		PromptTokens:     v.Usage.PromptTokens,
		CompletionTokens: v.Usage.CompletionTokens,
		TotalTokens:      v.Usage.TotalTokens,
		LatencyMS:        v.LatencyMS,
		CreatedAt:        v.CreatedAt.UTC(),
	}
}

func (r VerificationRecord) model() models.VerificationResult {
	return models.VerificationResult{
		ID:          r.ID,
		CandidateID: r.CandidateID,
		Kind:        models.VerificationKind(r.Kind),
		Model:       r.Model,
		Provider:    r.Provider,
		PromptHash:  r.PromptHash,
		InputHash:   r.InputHash,
		CacheKey:    r.CacheKey,
		Verdict:     models.Verdict(r.Verdict),
		VConf:       r.VConf,
		Verify:      r.Verify,
		Explain:     r.Explain,
		Cautions:    r.Cautions,
		Usage: models.TokenUsage{
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
		},
		LatencyMS: r.LatencyMS,
		CreatedAt: r.CreatedAt,
	}
}

func labelRecord(l models.Label) LabelRecord {
	return LabelRecord{
		ID:          l.ID,
		CandidateID: l.CandidateID,
		Label:       string(l.Label),
		ReasonCode:  l.ReasonCode,
		Note:        l.Note,
		Reviewer:    l.Reviewer,
		CreatedAt:   l.CreatedAt,
	}
}

func (r LabelRecord) model() models.Label {
	return models.Label{
		ID:          r.ID,
		CandidateID: r.CandidateID,
		Label:       models.LabelValue(r.Label),
		ReasonCode:  r.ReasonCode,
		Note:        r.Note,
		Reviewer:    r.Reviewer,
		CreatedAt:   r.CreatedAt,
	}
}

func runRecord(r models.Run) RunRecord {
	return RunRecord{
		ID:             r.ID,
		SchemaVersion:  r.SchemaVersion,
		GraphVersion:   r.GraphVersion,
		Source:         r.Source,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		EventCount:     r.EventCount,
		ObjectCount:    r.ObjectCount,
		CandidateCount: r.CandidateCount,
		CountsByType:   r.CountsByType,
		Summary:        r.Summary,
	}
}

func (r RunRecord) model() models.Run {
	return models.Run{
		ID:             r.ID,
		SchemaVersion:  r.SchemaVersion,
		GraphVersion:   r.GraphVersion,
		Source:         r.Source,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		EventCount:     r.EventCount,
		ObjectCount:    r.ObjectCount,
		CandidateCount: r.CandidateCount,
		CountsByType:   r.CountsByType,
		Summary:        r.Summary,
	}
}
