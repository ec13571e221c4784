package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/evidence"
	"github.com/miradorstack/mirador-audit/internal/extractors"
	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/metrics"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/patterns"
	"github.com/miradorstack/mirador-audit/internal/scoring"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// CandidateStore is the persistence the batch pipeline writes through.
type CandidateStore interface {
	UpsertCandidates(ctx context.Context, items []models.ScoredCandidate, now time.Time) error
	UpsertRun(ctx context.Context, run models.Run) error
	LatestVerifications(ctx context.Context, ids []string, kind models.VerificationKind) (map[string]models.VerificationResult, error)
}

// Pipeline runs one batch pass: graph, detectors, scoring, evidence, persistence.
type Pipeline struct {
	logger    *slog.Logger
	cfg       config.PipelineConfig
	schema    kg.Schema
	detectors []Detector
	scorer    *scoring.Scorer
	rules     *RulePack
	evidence  *evidence.Builder
	store     CandidateStore
	miner     *patterns.Miner
	clock     utils.Clock
}

// NewPipeline constructs a batch pipeline. A nil store runs without
// persistence; a nil miner skips the run summary.
func NewPipeline(
	logger *slog.Logger,
	cfg config.PipelineConfig,
	schema kg.Schema,
	rules *RulePack,
	store CandidateStore,
	miner *patterns.Miner,
	clock utils.Clock,
) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = DefaultRulePack()
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	weights := scoring.Weights{S: cfg.Weights.S, R: cfg.Weights.R, I: cfg.Weights.I, Q: cfg.Weights.Q}
	scorer, err := scoring.NewScorer(weights, cfg.Alpha, rules)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		logger:    logger,
		cfg:       cfg,
		schema:    schema,
		detectors: NewDetectors(cfg),
		scorer:    scorer,
		rules:     rules,
		evidence:  evidence.NewBuilder(cfg.Expansion),
		store:     store,
		miner:     miner,
		clock:     clock,
	}, nil
}

// SchemaFromConfig maps the source section onto the graph schema.
func SchemaFromConfig(src config.SourceConfig) kg.Schema {
	schema := kg.DefaultSchema()
	if src.IDColumn != "" {
		schema.IDColumn = src.IDColumn
	}
	if src.TimeColumn != "" {
		schema.TimeColumn = src.TimeColumn
	}
	schema.ResourceColumn = src.ResourceColumn
	schema.LifecycleColumn = src.LifecycleColumn
	if len(src.LinkKeys) > 0 {
		schema.LinkKeys = src.LinkKeys
	}
	return schema
}

// Scorer exposes the pipeline's scorer.
func (p *Pipeline) Scorer() *scoring.Scorer { return p.scorer }

// Rules exposes the pipeline's rule pack.
func (p *Pipeline) Rules() *RulePack { return p.rules }

// LoadGraph reads a snapshot and materializes its knowledge graph.
func (p *Pipeline) LoadGraph(ctx context.Context, reader extractors.Reader) (*kg.Graph, string, error) {
	src, err := reader.Read(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("read source: %w", err)
	}
	g, err := kg.NewBuilder(p.schema, p.logger).Build(src)
	if err != nil {
		return nil, "", err
	}
	return g, src.Name, nil
}

// Subgraph builds the evidence subgraph for a stored candidate.
func (p *Pipeline) Subgraph(g *kg.Graph, candidate models.Candidate, bundle models.EvidenceBundle) models.Subgraph {
	return p.evidence.Subgraph(g, candidate.Type, candidate.AnchorObjectID, bundle.EventIDs)
}

// Run executes one batch pass over reader's snapshot.
func (p *Pipeline) Run(ctx context.Context, reader extractors.Reader) (models.Run, []models.ScoredCandidate, error) {
	start := p.clock.Now()
	run, items, err := p.run(ctx, reader, start)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
		p.logger.Error("pipeline run failed", slog.String("error_code", string(utils.CodeOf(err))), slog.Any("error", err))
	}
	metrics.ObservePipeline(p.clock.Now().Sub(start), outcome)
	return run, items, err
}

func (p *Pipeline) run(ctx context.Context, reader extractors.Reader, start time.Time) (models.Run, []models.ScoredCandidate, error) {
	g, sourceName, err := p.LoadGraph(ctx, reader)
	if err != nil {
		return models.Run{}, nil, err
	}

	raws, issues, err := RunDetectors(ctx, g, p.detectors, p.logger)
	if err != nil {
		return models.Run{}, nil, fmt.Errorf("run detectors: %w", err)
	}
	for _, issue := range issues {
		metrics.IncDetectorIssue(string(issue.Type))
	}

	runUUID, err := uuid.NewV7()
	if err != nil {
		return models.Run{}, nil, utils.NewAppError("engine.Run", "generate run id", err)
	}
	runID := runUUID.String()
	now := p.clock.Now().UTC()

	items := make([]models.ScoredCandidate, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		id := CandidateID(raw.Type, raw.AnchorObjectID, p.cfg.SchemaVersion)
		if _, dup := seen[id]; dup {
			p.logger.Warn("detector inconsistency",
				slog.String("code", string(utils.CodeDetectorInconsistency)),
				slog.String("type", string(raw.Type)),
				slog.String("anchor", raw.AnchorObjectID),
				slog.String("reason", "duplicate_candidate"))
			continue
		}
		seen[id] = struct{}{}

		bundle, err := p.evidence.Bundle(g, id, raw, p.cfg.EagerSubgraph)
		if err != nil {
			return models.Run{}, nil, utils.NewCodedError(utils.CodeDetectorInconsistency, "engine.Run", "build evidence", err)
		}
		base, scores := p.scorer.Base(raw)
		severity := p.scorer.Severity(raw)
		items = append(items, models.ScoredCandidate{
			Candidate: models.Candidate{
				ID:               id,
				Type:             raw.Type,
				AnchorObjectID:   raw.AnchorObjectID,
				AnchorObjectType: raw.AnchorObjectType,
				BaseConf:         base,
				FinalConf:        base,
				Severity:         severity,
				Priority:         scoring.Priority(severity, base),
				Status:           models.StatusOpen,
				RunID:            runID,
				Scores:           scores,
				CreatedAt:        now,
				UpdatedAt:        now,
			},
			Evidence: bundle,
		})
	}

	if p.store != nil && len(items) > 0 {
		if err := p.recompose(ctx, items); err != nil {
			return models.Run{}, nil, err
		}
	}

	counts := make(map[models.CandidateType]int, len(models.CandidateTypes))
	gauge := make(map[string]int, len(models.CandidateTypes))
	for _, typ := range models.CandidateTypes {
		counts[typ] = 0
		gauge[string(typ)] = 0
	}
	for _, item := range items {
		counts[item.Candidate.Type]++
		gauge[string(item.Candidate.Type)]++
	}

	run := models.Run{
		ID:             runID,
		SchemaVersion:  p.cfg.SchemaVersion,
		GraphVersion:   g.Version(),
		Source:         sourceName,
		StartedAt:      start.UTC(),
		EventCount:     len(g.Events()),
		ObjectCount:    g.ObjectCount(),
		CandidateCount: len(items),
		CountsByType:   counts,
	}

	if p.store != nil {
		if err := p.store.UpsertCandidates(ctx, items, now); err != nil {
			return models.Run{}, nil, err
		}
	}
	run.FinishedAt = p.clock.Now().UTC()
	if p.store != nil {
		if err := p.store.UpsertRun(ctx, run); err != nil {
			return models.Run{}, nil, err
		}
	}
	if p.miner != nil {
		summary, err := p.miner.Mine(ctx, runID, items)
		if err != nil {
			p.logger.Warn("run summary failed", slog.Any("error", err))
		}
		run.Summary = summary
	}

	metrics.SetCandidates(gauge)
	p.logger.Info("pipeline run complete",
		slog.String("run_id", runID),
		slog.String("graph_version", run.GraphVersion),
		slog.Int("events", run.EventCount),
		slog.Int("objects", run.ObjectCount),
		slog.Int("candidates", run.CandidateCount),
		slog.Int("issues", len(issues)),
	)
	return run, items, nil
}

// recompose folds the latest persisted verify result into final_conf and priority.
func (p *Pipeline) recompose(ctx context.Context, items []models.ScoredCandidate) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Candidate.ID)
	}
	latest, err := p.store.LatestVerifications(ctx, ids, models.KindVerify)
	if err != nil {
		return fmt.Errorf("load latest verifications: %w", err)
	}
	for i := range items {
		c := &items[i].Candidate
		if v, ok := latest[c.ID]; ok {
			c.FinalConf = p.scorer.Final(c.BaseConf, &v)
			c.Priority = scoring.Priority(c.Severity, c.FinalConf)
		}
	}
	return nil
}
