package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// Store persists a run's mined summary.
type Store interface {
	StorePatterns(ctx context.Context, runID string, patterns []models.AnomalyPattern) error
}

// reasonFeatures name the features whose values explain why a candidate fired.
var reasonFeatures = []string{"maverick_reason", "threshold_source", "pr_selection_rule"}

// Miner aggregates a run's candidates into per-type anomaly patterns.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine summarises candidates by type, most frequent first.
func (m *Miner) Mine(ctx context.Context, runID string, candidates []models.ScoredCandidate) ([]models.AnomalyPattern, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	stats := make(map[models.CandidateType]*typeAggregate)
	for _, item := range candidates {
		agg := ensureAggregate(stats, item.Candidate.Type)
		agg.count++
		agg.baseSum += item.Candidate.BaseConf
		for _, key := range reasonFeatures {
			if v, ok := item.Evidence.Features[key].(string); ok && v != "" {
				agg.reasons[key+":"+v]++
			}
		}
		for _, entry := range item.Evidence.Timeline {
			if entry.Resource != "" {
				agg.resources[entry.Resource]++
			}
			if entry.TS.After(agg.latest) {
				agg.latest = entry.TS
			}
		}
	}

	patterns := make([]models.AnomalyPattern, 0, len(stats))
	for typ, agg := range stats {
		pattern := models.AnomalyPattern{
			Type:          typ,
			Count:         agg.count,
			Share:         float64(agg.count) / float64(len(candidates)),
			MeanBaseConf:  agg.baseSum / float64(agg.count),
			TopResources:  agg.topResources(3),
			LatestEventAt: agg.latest,
		}
		if len(agg.reasons) > 0 {
			pattern.Reasons = agg.reasons
		}
		patterns = append(patterns, pattern)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Type < patterns[j].Type
	})

	if m.store != nil {
		if err := m.store.StorePatterns(ctx, runID, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.String("run_id", runID), slog.Any("error", err))
		}
	}

	return patterns, nil
}

type typeAggregate struct {
	count     int
	baseSum   float64
	latest    time.Time
	reasons   map[string]int
	resources map[string]int
}

func ensureAggregate(m map[models.CandidateType]*typeAggregate, typ models.CandidateType) *typeAggregate {
	agg, ok := m[typ]
	if !ok {
		agg = &typeAggregate{
			reasons:   make(map[string]int),
			resources: make(map[string]int),
		}
		m[typ] = agg
	}
	return agg
}

func (agg *typeAggregate) topResources(limit int) []string {
	resources := make([]string, 0, len(agg.resources))
	for r := range agg.resources {
		resources = append(resources, r)
	}
	sort.Slice(resources, func(i, j int) bool {
		ci, cj := agg.resources[resources[i]], agg.resources[resources[j]]
		if ci != cj {
			return ci > cj
		}
		return resources[i] < resources[j]
	})
	if len(resources) > limit {
		resources = resources[:limit]
	}
	return resources
}
