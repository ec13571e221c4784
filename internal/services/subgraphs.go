package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/mirador-audit/internal/cache"
	"github.com/miradorstack/mirador-audit/internal/extractors"
	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/metrics"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// GraphBuilder loads snapshots and cuts candidate subgraphs out of them.
type GraphBuilder interface {
	LoadGraph(ctx context.Context, reader extractors.Reader) (*kg.Graph, string, error)
	Subgraph(g *kg.Graph, candidate models.Candidate, bundle models.EvidenceBundle) models.Subgraph
}

// SubgraphStore persists lazily built subgraphs.
type SubgraphStore interface {
	SaveSubgraph(ctx context.Context, id string, sg models.Subgraph, now time.Time) error
}

// Subgraphs resolves subgraphs for bundles stored without one. The source
// graph is loaded once per TTL window and shared by concurrent callers.
type Subgraphs struct {
	logger  *slog.Logger
	builder GraphBuilder
	reader  extractors.Reader
	store   SubgraphStore
	cache   cache.Provider
	ttl     time.Duration
	clock   utils.Clock

	mu       sync.Mutex
	graph    *kg.Graph
	loadedAt time.Time
	group    singleflight.Group
}

// NewSubgraphs wires the lazy subgraph path. A ttl <= 0 keeps the first
// loaded graph for the lifetime of the process.
func NewSubgraphs(logger *slog.Logger, builder GraphBuilder, reader extractors.Reader, store SubgraphStore, provider cache.Provider, ttl time.Duration, clock utils.Clock) *Subgraphs {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Subgraphs{
		logger:  logger,
		builder: builder,
		reader:  reader,
		store:   store,
		cache:   provider,
		ttl:     ttl,
		clock:   clock,
	}
}

// Graph returns the memoized source graph, reloading it once the TTL passes.
func (s *Subgraphs) Graph(ctx context.Context) (*kg.Graph, error) {
	s.mu.Lock()
	if s.graph != nil && (s.ttl <= 0 || s.clock.Now().Sub(s.loadedAt) < s.ttl) {
		g := s.graph
		s.mu.Unlock()
		return g, nil
	}
	s.mu.Unlock()

	if s.builder == nil || s.reader == nil {
		return nil, utils.NewAppError("services.Graph", "no log source configured for lazy subgraphs", nil)
	}
	v, err, _ := s.group.Do("graph", func() (any, error) {
		g, _, err := s.builder.LoadGraph(ctx, s.reader)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.graph = g
		s.loadedAt = s.clock.Now()
		s.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*kg.Graph), nil
}

// Resolve returns bundle's subgraph, building and persisting it on first use.
func (s *Subgraphs) Resolve(ctx context.Context, candidate models.Candidate, bundle models.EvidenceBundle) (*models.Subgraph, error) {
	if bundle.Subgraph != nil {
		return bundle.Subgraph, nil
	}

	key := "subgraph:" + candidate.ID + ":" + bundle.ContentHash
	var cached models.Subgraph
	hit, err := cache.GetJSON(ctx, s.cache, key, &cached)
	if err != nil {
		s.logger.Warn("subgraph cache read failed", slog.String("candidate_id", candidate.ID), slog.Any("error", err))
	}
	metrics.ObserveCacheLookup("subgraph", hit)
	if hit {
		return &cached, nil
	}

	g, err := s.Graph(ctx)
	if err != nil {
		return nil, err
	}
	built := s.builder.Subgraph(g, candidate, bundle)

	// The caller may go away once the graph is loaded; the result is still kept.
	persistCtx := context.WithoutCancel(ctx)
	if s.store != nil {
		if err := s.store.SaveSubgraph(persistCtx, candidate.ID, built, s.clock.Now().UTC()); err != nil {
			s.logger.Warn("persist subgraph failed", slog.String("candidate_id", candidate.ID), slog.Any("error", err))
		}
	}
	if err := cache.SetJSON(persistCtx, s.cache, key, built, s.ttl); err != nil {
		s.logger.Warn("subgraph cache write failed", slog.String("candidate_id", candidate.ID), slog.Any("error", err))
	}
	s.logger.Debug("subgraph built",
		slog.String("candidate_id", candidate.ID),
		slog.Int("nodes", len(built.Nodes)),
		slog.Int("edges", len(built.Edges)),
	)
	return &built, nil
}
