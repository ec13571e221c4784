package verify

import (
	"context"
	"sync"
	"time"

	"github.com/miradorstack/mirador-audit/internal/engine"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/repo"
	"github.com/miradorstack/mirador-audit/internal/scoring"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu         sync.Mutex
	candidates map[string]models.Candidate
	evidence   map[string]models.EvidenceBundle
	results    []models.VerificationResult
	usage      map[string]int
}

func newMemStore() *memStore {
	s := &memStore{
		candidates: map[string]models.Candidate{},
		evidence:   map[string]models.EvidenceBundle{},
		usage:      map[string]int{},
	}
	s.candidates["c1"] = models.Candidate{
		ID:             "c1",
		Type:           models.TypeDuplicatePayment,
		AnchorObjectID: "inv1",
		BaseConf:       0.6,
		FinalConf:      0.6,
		Severity:       0.9,
		Priority:       0.54,
		Status:         models.StatusOpen,
	}
	s.evidence["c1"] = models.EvidenceBundle{
		CandidateID: "c1",
		EventIDs:    []string{"e1", "e2"},
		ObjectIDs:   []string{"inv1"},
		Timeline: []models.TimelineEntry{
			{EventID: "e1", Activity: "Execute Payment"},
			{EventID: "e2", Activity: "Execute Payment"},
		},
		Features:    map[string]any{"payment_count": 2},
		ContentHash: "hash-c1",
	}
	return s
}

func (s *memStore) GetCandidate(_ context.Context, id string) (models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return models.Candidate{}, utils.NewCodedError(utils.CodeCandidateNotFound, "memStore", "not found", nil)
	}
	return c, nil
}

func (s *memStore) GetEvidence(_ context.Context, id string) (models.EvidenceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.evidence[id]
	if !ok {
		return models.EvidenceBundle{}, utils.NewCodedError(utils.CodeCandidateNotFound, "memStore", "not found", nil)
	}
	return b, nil
}

func (s *memStore) FindVerificationByKey(_ context.Context, key string) (models.VerificationResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.results) - 1; i >= 0; i-- {
		if s.results[i].CacheKey == key {
			return s.results[i], true, nil
		}
	}
	return models.VerificationResult{}, false, nil
}

func (s *memStore) LatestVerification(_ context.Context, id string, kind models.VerificationKind) (*models.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.results) - 1; i >= 0; i-- {
		if s.results[i].CandidateID == id && s.results[i].Kind == kind {
			r := s.results[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertVerification(_ context.Context, result models.VerificationResult, update *repo.ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	if update != nil {
		c := s.candidates[result.CandidateID]
		c.FinalConf = update.FinalConf
		c.Priority = update.Priority
		s.candidates[result.CandidateID] = c
	}
	return nil
}

func (s *memStore) DailyUsage(_ context.Context, day, provider string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[day+"/"+provider], nil
}

func (s *memStore) AddUsage(_ context.Context, day, provider string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[day+"/"+provider] = max(s.usage[day+"/"+provider]+delta, 0)
	return nil
}

func (s *memStore) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// scriptedProvider replays responses in order and repeats the last one.
type scriptedProvider struct {
	mu        sync.Mutex
	metered   bool
	responses []scripted
	calls     int
	started   chan struct{}
	release   chan struct{}
}

type scripted struct {
	content string
	err     error
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Metered() bool { return p.metered }

func (p *scriptedProvider) Complete(ctx context.Context, _ Request) (Response, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	r := p.responses[idx]
	if r.err != nil {
		return Response{}, r.err
	}
	return Response{Content: r.content, Usage: models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

const validVerify = `{"verdict":"confirm","v_conf":0.9,"explanation":"paid twice","evidence_used":["e1","e2"],"possible_false_positive":[],"next_questions":["check invoice"]}`

func newTestOrchestrator(store Store, provider Provider, quota *Quota, clock utils.Clock) *Orchestrator {
	scorer, err := scoring.NewScorer(scoring.DefaultWeights(), 0.7, engine.DefaultRulePack())
	if err != nil {
		panic(err)
	}
	o, err := NewOrchestrator(Deps{
		Store:    store,
		Provider: provider,
		Quota:    quota,
		Scorer:   scorer,
		Rules:    engine.DefaultRulePack(),
		Clock:    clock,
	}, Options{Model: "test-model", MaxRetries: 2, RetryBackoff: time.Millisecond, Timeout: time.Second})
	if err != nil {
		panic(err)
	}
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}
