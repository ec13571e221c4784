package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-audit/internal/cache"
	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/engine"
	"github.com/miradorstack/mirador-audit/internal/metrics"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/repo"
	"github.com/miradorstack/mirador-audit/internal/scoring"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetCandidate(ctx context.Context, id string) (models.Candidate, error)
	GetEvidence(ctx context.Context, id string) (models.EvidenceBundle, error)
	FindVerificationByKey(ctx context.Context, key string) (models.VerificationResult, bool, error)
	LatestVerification(ctx context.Context, candidateID string, kind models.VerificationKind) (*models.VerificationResult, error)
	InsertVerification(ctx context.Context, result models.VerificationResult, update *repo.ScoreUpdate) error
	UsageLedger
}

// RuleSource resolves the detector rule for a candidate type.
type RuleSource interface {
	Rule(typ models.CandidateType) engine.Rule
}

// SubgraphResolver supplies a subgraph for bundles stored without one.
type SubgraphResolver func(ctx context.Context, candidate models.Candidate, bundle models.EvidenceBundle) (*models.Subgraph, error)

// Options tunes provider calls.
type Options struct {
	Model             string
	PromptVersion     string
	Temperature       float64
	MaxTokens         int64
	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RequestsPerMinute float64
	ResultTTL         time.Duration
}

// OptionsFromConfig maps the llm and cache config sections.
func OptionsFromConfig(llm config.LLMConfig, c config.CacheConfig) Options {
	return Options{
		Model:             llm.Model,
		PromptVersion:     llm.PromptVersion,
		Temperature:       llm.Temperature,
		MaxTokens:         llm.MaxTokens,
		Timeout:           llm.Timeout,
		MaxRetries:        llm.MaxRetries,
		RetryBackoff:      llm.RetryBackoff,
		RequestsPerMinute: llm.RequestsPerMinute,
		ResultTTL:         c.ResultTTL,
	}
}

// Deps wires the orchestrator's collaborators. Cache, Clock, Logger and
// Subgraphs are optional.
type Deps struct {
	Store     Store
	Provider  Provider
	Quota     *Quota
	Scorer    *scoring.Scorer
	Rules     RuleSource
	Cache     cache.Provider
	Clock     utils.Clock
	Logger    *slog.Logger
	Subgraphs SubgraphResolver
}

type stateKey struct {
	candidateID string
	kind        models.VerificationKind
}

// Orchestrator runs cached, single-flighted, quota-bound verifier calls.
type Orchestrator struct {
	store     Store
	provider  Provider
	quota     *Quota
	scorer    *scoring.Scorer
	rules     RuleSource
	cache     cache.Provider
	clock     utils.Clock
	logger    *slog.Logger
	subgraphs SubgraphResolver
	prompts   *Prompts
	limiter   *rate.Limiter
	opts      Options

	group   singleflight.Group
	mu      sync.Mutex
	pending map[stateKey]int

	// sleep waits between retries; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator validates deps and builds an orchestrator.
func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Provider == nil || deps.Scorer == nil || deps.Rules == nil {
		return nil, errors.New("verify: store, provider, scorer and rules are required")
	}
	if deps.Quota == nil {
		deps.Quota = NewQuota(0, time.UTC, deps.Clock)
	}
	if deps.Cache == nil {
		deps.Cache = cache.NoopProvider{}
	}
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.PromptVersion == "" {
		opts.PromptVersion = "v1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	prompts, err := NewPrompts(opts.PromptVersion)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:     deps.Store,
		provider:  deps.Provider,
		quota:     deps.Quota,
		scorer:    deps.Scorer,
		rules:     deps.Rules,
		cache:     deps.Cache,
		clock:     deps.Clock,
		logger:    deps.Logger,
		subgraphs: deps.Subgraphs,
		prompts:   prompts,
		opts:      opts,
		pending:   make(map[stateKey]int),
		sleep:     sleepContext,
	}
	if opts.RequestsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60), 1)
	}
	return o, nil
}

// Seed initialises the quota from today's persisted usage.
func (o *Orchestrator) Seed(ctx context.Context) error {
	if !o.provider.Metered() {
		return nil
	}
	return o.quota.Seed(ctx, o.store, o.provider.Name())
}

// Run verifies or explains a candidate.
func (o *Orchestrator) Run(ctx context.Context, candidateID string, kind models.VerificationKind) (models.VerificationResult, error) {
	if !kind.Valid() {
		return models.VerificationResult{}, utils.NewCodedError(utils.CodeInvalidRequest, "verify.Run",
			fmt.Sprintf("unknown verification kind %q", kind), nil)
	}
	start := o.clock.Now()

	candidate, err := o.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return models.VerificationResult{}, err
	}
	bundle, err := o.store.GetEvidence(ctx, candidateID)
	if err != nil {
		return models.VerificationResult{}, err
	}
	key := CacheKey(candidate.ID, bundle.ContentHash, o.prompts.Hash(kind), o.opts.Model)

	if cached, ok := o.lookup(ctx, key); ok {
		metrics.ObserveVerification(string(kind), o.clock.Now().Sub(start), metrics.OutcomeCached)
		return cached, nil
	}

	ch := o.group.DoChan(key, func() (any, error) {
		if cached, ok := o.lookup(ctx, key); ok {
			return cached, nil
		}
		return o.execute(ctx, candidate, bundle, kind, key)
	})

	select {
	case <-ctx.Done():
		return models.VerificationResult{}, utils.NewCodedError(utils.CodeLLMCancelled, "verify.Run",
			"request cancelled while waiting for verification", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			metrics.ObserveVerification(string(kind), o.clock.Now().Sub(start), metrics.OutcomeError)
			return models.VerificationResult{}, res.Err
		}
		result := res.Val.(models.VerificationResult)
		outcome := metrics.OutcomeSuccess
		if result.Cached {
			outcome = metrics.OutcomeCached
		}
		metrics.ObserveVerification(string(kind), o.clock.Now().Sub(start), outcome)
		return result, nil
	}
}

// State reports the lifecycle of (candidate, kind).
func (o *Orchestrator) State(ctx context.Context, candidateID string, kind models.VerificationKind) (models.VerificationState, error) {
	o.mu.Lock()
	inFlight := o.pending[stateKey{candidateID, kind}] > 0
	o.mu.Unlock()
	if inFlight {
		return models.StatePending, nil
	}
	latest, err := o.store.LatestVerification(ctx, candidateID, kind)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return models.StateAbsent, nil
	}
	return models.StateCompleted, nil
}

// States reports the lifecycle of every kind for a candidate.
func (o *Orchestrator) States(ctx context.Context, candidateID string) (map[models.VerificationKind]models.VerificationState, error) {
	out := make(map[models.VerificationKind]models.VerificationState, 2)
	for _, kind := range []models.VerificationKind{models.KindVerify, models.KindExplain} {
		st, err := o.State(ctx, candidateID, kind)
		if err != nil {
			return nil, err
		}
		out[kind] = st
	}
	return out, nil
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (models.VerificationResult, bool) {
	var result models.VerificationResult
	hit, err := cache.GetJSON(ctx, o.cache, key, &result)
	if err != nil {
		o.logger.Warn("verification cache read failed", slog.String("cache_key", key), slog.Any("error", err))
	}
	metrics.ObserveCacheLookup("memory", hit)
	if hit {
		result.Cached = true
		return result, true
	}

	stored, found, err := o.store.FindVerificationByKey(ctx, key)
	if err != nil {
		o.logger.Warn("verification lookup failed", slog.String("cache_key", key), slog.Any("error", err))
		return models.VerificationResult{}, false
	}
	metrics.ObserveCacheLookup("store", found)
	if !found {
		return models.VerificationResult{}, false
	}
	o.remember(ctx, key, stored)
	stored.Cached = true
	return stored, true
}

func (o *Orchestrator) remember(ctx context.Context, key string, result models.VerificationResult) {
	result.Cached = false
	if err := cache.SetJSON(ctx, o.cache, key, result, o.opts.ResultTTL); err != nil {
		o.logger.Warn("verification cache write failed", slog.String("cache_key", key), slog.Any("error", err))
	}
}

func (o *Orchestrator) execute(ctx context.Context, candidate models.Candidate, bundle models.EvidenceBundle, kind models.VerificationKind, key string) (models.VerificationResult, error) {
	sk := stateKey{candidate.ID, kind}
	o.mu.Lock()
	o.pending[sk]++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		if o.pending[sk]--; o.pending[sk] <= 0 {
			delete(o.pending, sk)
		}
		o.mu.Unlock()
	}()

	log := o.logger.With(
		slog.String("candidate_id", candidate.ID),
		slog.String("kind", string(kind)),
		slog.String("provider", o.provider.Name()),
		slog.String("model", o.opts.Model),
	)

	input, err := o.input(ctx, candidate, bundle)
	if err != nil {
		return models.VerificationResult{}, err
	}
	system, user, err := o.prompts.Render(kind, input)
	if err != nil {
		return models.VerificationResult{}, utils.NewAppError("verify.execute", "render prompt", err)
	}
	req := Request{
		Kind:        kind,
		Model:       o.opts.Model,
		System:      system,
		User:        user,
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
		Input:       input,
	}

	log.Info("verifier request", slog.String("prompt_version", o.prompts.Version()))
	started := o.clock.Now()
	resp, err := o.call(ctx, req, log)
	if err != nil {
		return models.VerificationResult{}, err
	}
	usage := resp.Usage

	result := models.VerificationResult{
		CandidateID: candidate.ID,
		Kind:        kind,
		Model:       o.opts.Model,
		Provider:    o.provider.Name(),
		PromptHash:  o.prompts.Hash(kind),
		InputHash:   bundle.ContentHash,
		CacheKey:    key,
	}
	if err := o.decode(&result, kind, resp.Content, bundle, candidate.Type); err != nil {
		log.Warn("verifier output rejected, retrying with repair prompt", slog.String("error_code", string(utils.CodeOf(err))))
		req.User += repairSuffix
		resp, err = o.call(ctx, req, log)
		if err != nil {
			return models.VerificationResult{}, err
		}
		usage = addUsage(usage, resp.Usage)
		if err := o.decode(&result, kind, resp.Content, bundle, candidate.Type); err != nil {
			log.Error("verifier output schema invalid", slog.Any("error", err))
			return models.VerificationResult{}, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.VerificationResult{}, utils.NewAppError("verify.execute", "generate result id", err)
	}
	now := o.clock.Now()
	result.ID = id.String()
	result.Usage = usage
	result.LatencyMS = now.Sub(started).Milliseconds()
	result.CreatedAt = now.UTC()

	var update *repo.ScoreUpdate
	if kind == models.KindVerify {
		final := scoring.Compose(candidate.BaseConf, result.Verdict, result.VConf, o.scorer.Alpha())
		update = &repo.ScoreUpdate{FinalConf: final, Priority: scoring.Priority(candidate.Severity, final)}
	}
	// The provider has answered; persist even if the leader was cancelled since.
	if err := o.store.InsertVerification(context.WithoutCancel(ctx), result, update); err != nil {
		return models.VerificationResult{}, fmt.Errorf("persist verification: %w", err)
	}
	o.remember(ctx, key, result)

	attrs := []any{slog.Int64("latency_ms", result.LatencyMS), slog.Int64("total_tokens", usage.TotalTokens)}
	if kind == models.KindVerify {
		attrs = append(attrs, slog.String("verdict", string(result.Verdict)), slog.Float64("final_conf", update.FinalConf))
	}
	log.Info("verifier result stored", attrs...)
	return result, nil
}

func (o *Orchestrator) input(ctx context.Context, candidate models.Candidate, bundle models.EvidenceBundle) (PromptInput, error) {
	rule := o.rules.Rule(candidate.Type)
	subgraph := bundle.Subgraph
	if subgraph == nil && o.subgraphs != nil {
		sg, err := o.subgraphs(ctx, candidate, bundle)
		if err != nil {
			return PromptInput{}, err
		}
		subgraph = sg
	}
	return PromptInput{
		Rule: PromptRule{Type: candidate.Type, Title: rule.Title, Description: rule.Description},
		Candidate: PromptCandidate{
			ID:               candidate.ID,
			Type:             candidate.Type,
			AnchorObjectID:   candidate.AnchorObjectID,
			AnchorObjectType: candidate.AnchorObjectType,
			BaseConf:         candidate.BaseConf,
			Features:         bundle.Features,
		},
		Timeline:         bundle.Timeline,
		Subgraph:         subgraph,
		EvidenceEventIDs: allowedEvidence(bundle),
	}, nil
}

func (o *Orchestrator) decode(result *models.VerificationResult, kind models.VerificationKind, content string, bundle models.EvidenceBundle, typ models.CandidateType) error {
	if kind == models.KindExplain {
		out, err := DecodeExplain(content)
		if err != nil {
			return err
		}
		result.Explain = &out
		return nil
	}
	out, err := DecodeVerify(content, o.rules.Rule(typ).NextQuestions)
	if err != nil {
		return err
	}
	out, cautions := EnforceScope(out, allowedEvidence(bundle))
	result.Verify = &out
	result.Verdict = out.Verdict
	result.VConf = out.VConf
	result.Cautions = cautions
	return nil
}

// call sends req with bounded retry. Every attempt against a metered
// provider consumes quota; attempts that never reached it are refunded.
func (o *Orchestrator) call(ctx context.Context, req Request, log *slog.Logger) (Response, error) {
	attempts := 1 + o.opts.MaxRetries
	backoff := o.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		metered := o.provider.Metered()
		if metered {
			if err := o.quota.Acquire(ctx); err != nil {
				if utils.HasCode(err, utils.CodeDailyLimit) {
					metrics.IncQuotaRejection()
					log.Warn("verifier daily limit reached")
				}
				return Response{}, err
			}
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				if metered {
					o.quota.Refund(ctx)
				}
				return Response{}, utils.NewCodedError(utils.CodeLLMCancelled, "verify.call", "request cancelled while pacing", err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
		resp, err := o.provider.Complete(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		if code := utils.CodeOf(err); code != utils.CodeInternal {
			return Response{}, err
		}
		f := classify(ctx, err)
		if metered && !f.delivered {
			o.quota.Refund(ctx)
		}
		lastErr = utils.NewCodedError(f.code, "verify.call", fmt.Sprintf("verifier call failed after %d attempt(s)", attempt), err)
		if !f.retryable || attempt == attempts {
			break
		}
		log.Warn("verifier attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error_code", string(f.code)),
			slog.Duration("backoff", backoff),
			slog.Any("error", err))
		if err := o.sleep(ctx, backoff); err != nil {
			return Response{}, utils.NewCodedError(utils.CodeLLMCancelled, "verify.call", "request cancelled during backoff", err)
		}
		backoff *= 2
	}
	log.Error("verifier call failed", slog.Any("error", lastErr))
	return Response{}, lastErr
}

func addUsage(a, b models.TokenUsage) models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
