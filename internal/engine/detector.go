package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Issue is a detector inconsistency: malformed or ambiguous linkage that was
// resolved by a documented rule rather than dropped.
type Issue struct {
	Type           models.CandidateType
	AnchorObjectID string
	Reason         string
	Detail         string
}

// Result is the output of one detector over one graph.
type Result struct {
	Candidates []models.RawCandidate
	Issues     []Issue
}

// Detector is a pure rule evaluator over a read-only graph.
type Detector interface {
	Type() models.CandidateType
	Detect(g *kg.Graph) Result
}

// NewDetectors returns the baseline detector set in registry order.
func NewDetectors(cfg config.PipelineConfig) []Detector {
	return []Detector{
		newDuplicatePayment(cfg),
		newLengthyApproval(models.TypeLengthyApprovalPR, cfg),
		newLengthyApproval(models.TypeLengthyApprovalPO, cfg),
		newMaverickBuying(cfg),
	}
}

// RunDetectors evaluates every detector concurrently against g. The merged
// output is sorted by (type, anchor) so it does not depend on scheduling.
func RunDetectors(ctx context.Context, g *kg.Graph, detectors []Detector, logger *slog.Logger) ([]models.RawCandidate, []Issue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	results := make([]Result, len(detectors))
	group, gctx := errgroup.WithContext(ctx)
	for i, d := range detectors {
		i, d := i, d
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			results[i] = d.Detect(g)
			logger.Debug("detector finished",
				slog.String("type", string(d.Type())),
				slog.Int("candidates", len(results[i].Candidates)),
				slog.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	var candidates []models.RawCandidate
	var issues []Issue
	for _, r := range results {
		candidates = append(candidates, r.Candidates...)
		issues = append(issues, r.Issues...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Type != candidates[j].Type {
			return candidates[i].Type < candidates[j].Type
		}
		return candidates[i].AnchorObjectID < candidates[j].AnchorObjectID
	})
	for _, issue := range issues {
		logger.Warn("detector inconsistency",
			slog.String("code", string(utils.CodeDetectorInconsistency)),
			slog.String("type", string(issue.Type)),
			slog.String("anchor", issue.AnchorObjectID),
			slog.String("reason", issue.Reason),
			slog.String("detail", issue.Detail),
		)
	}
	return candidates, issues, nil
}

type activitySet map[string]struct{}

func newActivitySet(groups ...[]string) activitySet {
	set := make(activitySet)
	for _, group := range groups {
		for _, a := range group {
			set[kg.NormalizeActivity(a)] = struct{}{}
		}
	}
	return set
}

func (s activitySet) has(activity string) bool {
	_, ok := s[activity]
	return ok
}

// earliest returns the first event in a (ts, id) sorted slice whose activity is in set.
func earliest(events []models.Event, set activitySet) (models.Event, bool) {
	for _, ev := range events {
		if set.has(ev.Activity) {
			return ev, true
		}
	}
	return models.Event{}, false
}

// earliestFrom is earliest restricted to events at or after from.
func earliestFrom(events []models.Event, set activitySet, from time.Time) (models.Event, bool) {
	for _, ev := range events {
		if set.has(ev.Activity) && !ev.TS.Before(from) {
			return ev, true
		}
	}
	return models.Event{}, false
}

func filterEvents(events []models.Event, set activitySet) []models.Event {
	out := make([]models.Event, 0)
	for _, ev := range events {
		if set.has(ev.Activity) {
			out = append(out, ev)
		}
	}
	return out
}

func eventIDs(events []models.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func tsFeature(ev *models.Event) any {
	if ev == nil {
		return nil
	}
	return utils.FormatTimestamp(ev.TS)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// numeric reads a number out of a raw attribute value.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
