package verify

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-audit/internal/cache"
	"github.com/miradorstack/mirador-audit/internal/engine"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

var seoulNoon = time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return loc
}

func TestConcurrentVerifyMakesOneProviderCall(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{
		metered:   true,
		responses: []scripted{{content: validVerify}},
		started:   make(chan struct{}, 4),
		release:   make(chan struct{}),
	}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)

	var wg sync.WaitGroup
	results := make([]models.VerificationResult, 2)
	errs := make([]error, 2)
	run := func(i int) {
		defer wg.Done()
		results[i], errs[i] = o.Run(context.Background(), "c1", models.KindVerify)
	}

	wg.Add(1)
	go run(0)
	<-provider.started

	st, err := o.State(context.Background(), "c1", models.KindVerify)
	if err != nil || st != models.StatePending {
		t.Fatalf("expected pending state, got %s %v", st, err)
	}

	wg.Add(1)
	go run(1)
	time.Sleep(50 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected exactly one provider call, got %d", provider.callCount())
	}
	if results[0].ID != results[1].ID {
		t.Fatalf("expected both callers to share one result, got %s and %s", results[0].ID, results[1].ID)
	}
	if store.resultCount() != 1 {
		t.Fatalf("expected one persisted result, got %d", store.resultCount())
	}
	st, _ = o.State(context.Background(), "c1", models.KindVerify)
	if st != models.StateCompleted {
		t.Fatalf("expected completed state, got %s", st)
	}
}

func TestVerifyComposesFinalConf(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{{content: validVerify}}}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)

	result, err := o.Run(context.Background(), "c1", models.KindVerify)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Verdict != models.VerdictConfirm || len(result.Cautions) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	cand, _ := store.GetCandidate(context.Background(), "c1")
	want := 0.7*0.6 + 0.3*0.9
	if diff := cand.FinalConf - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected final_conf %.4f, got %.4f", want, cand.FinalConf)
	}
	if result.Usage.TotalTokens != 15 {
		t.Fatalf("expected token usage to be recorded, got %+v", result.Usage)
	}
}

func TestDailyLimitLeavesFinalConfUnchanged(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{{content: validVerify}}}
	clock := &fakeClock{now: seoulNoon}
	quota := NewQuota(1, seoul(t), clock)
	if err := quota.Acquire(context.Background()); err != nil {
		t.Fatalf("prime quota: %v", err)
	}
	o := newTestOrchestrator(store, provider, quota, clock)

	_, err := o.Run(context.Background(), "c1", models.KindVerify)
	if !utils.HasCode(err, utils.CodeDailyLimit) {
		t.Fatalf("expected llm_daily_limit_reached, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Fatalf("expected no provider call, got %d", provider.callCount())
	}
	cand, _ := store.GetCandidate(context.Background(), "c1")
	if cand.FinalConf != 0.6 {
		t.Fatalf("expected final_conf unchanged, got %v", cand.FinalConf)
	}
	if store.resultCount() != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

func TestSchemaViolationIsRejectedAfterRepair(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{
		{content: `{"verdict":"maybe","v_conf":0.5}`},
		{content: `not json at all`},
	}}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)

	_, err := o.Run(context.Background(), "c1", models.KindVerify)
	if !utils.HasCode(err, utils.CodeLLMSchema) {
		t.Fatalf("expected llm_schema_invalid, got %v", err)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected one repair attempt, got %d calls", provider.callCount())
	}
	if store.resultCount() != 0 {
		t.Fatalf("schema-invalid output must not be persisted")
	}
}

func TestOutOfScopeEvidenceDowngradesVerdict(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{responses: []scripted{{
		content: "Here you go:\n" + `{"verdict":"confirm","v_conf":0.95,"explanation":"x","evidence_used":["e1","e99"],"possible_false_positive":[],"next_questions":[]}`,
	}}}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, nil, clock)

	result, err := o.Run(context.Background(), "c1", models.KindVerify)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Verdict != models.VerdictUncertain {
		t.Fatalf("expected uncertain, got %s", result.Verdict)
	}
	if len(result.Verify.EvidenceUsed) != 1 || result.Verify.EvidenceUsed[0] != "e1" {
		t.Fatalf("expected out-of-scope ids dropped, got %v", result.Verify.EvidenceUsed)
	}
	if len(result.Cautions) != 1 || result.Cautions[0] != CautionOutOfScope {
		t.Fatalf("expected scope caution, got %v", result.Cautions)
	}
	if len(result.Verify.NextQuestions) == 0 {
		t.Fatalf("expected rule default next questions")
	}
	cand, _ := store.GetCandidate(context.Background(), "c1")
	want := 0.7*0.6 + 0.3*0.95
	if diff := cand.FinalConf - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected uncertain blend %.4f, got %.4f", want, cand.FinalConf)
	}
}

func TestMissingEvidenceUsedDowngradesWithoutRepair(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{{
		content: `{"verdict":"confirm","v_conf":0.95,"explanation":"x","possible_false_positive":[]}`,
	}}}
	clock := &fakeClock{now: seoulNoon}
	quota := NewQuota(20, seoul(t), clock)
	o := newTestOrchestrator(store, provider, quota, clock)

	result, err := o.Run(context.Background(), "c1", models.KindVerify)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.callCount() != 1 || quota.Remaining() != 19 {
		t.Fatalf("expected one call and one quota slot, got %d calls, %d remaining", provider.callCount(), quota.Remaining())
	}
	if result.Verdict != models.VerdictUncertain || len(result.Cautions) != 1 || result.Cautions[0] != CautionOutOfScope {
		t.Fatalf("expected uncertain with scope caution, got %s %v", result.Verdict, result.Cautions)
	}
	want := engine.DefaultRulePack().Rule(models.TypeDuplicatePayment).NextQuestions
	if len(want) == 0 || len(result.Verify.NextQuestions) != len(want) {
		t.Fatalf("expected rule next questions %v, got %v", want, result.Verify.NextQuestions)
	}
	if store.resultCount() != 1 {
		t.Fatalf("expected the downgraded result persisted, got %d", store.resultCount())
	}
}

func TestCancelledLeaderReleasesWaiters(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{
		metered:   true,
		responses: []scripted{{content: validVerify}},
		started:   make(chan struct{}, 4),
		release:   make(chan struct{}),
	}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := o.Run(leaderCtx, "c1", models.KindVerify)
		leaderErr <- err
	}()
	<-provider.started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), "c1", models.KindVerify)
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	for name, ch := range map[string]chan error{"leader": leaderErr, "waiter": waiterErr} {
		select {
		case err := <-ch:
			if !utils.HasCode(err, utils.CodeLLMCancelled) {
				t.Fatalf("%s: expected llm_cancelled, got %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s was not released after cancellation", name)
		}
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected one provider call, got %d", provider.callCount())
	}
	if store.resultCount() != 0 {
		t.Fatalf("a cancelled verification must not be persisted")
	}
	st, _ := o.State(context.Background(), "c1", models.KindVerify)
	if st == models.StatePending {
		t.Fatalf("state must not stay pending after cancellation")
	}
}

func TestRepeatedVerifyIsServedFromCache(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{{content: validVerify}}}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)
	o.cache = cache.NewMemoryProvider(time.Hour, 0)

	first, err := o.Run(context.Background(), "c1", models.KindVerify)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.Run(context.Background(), "c1", models.KindVerify)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.Cached || second.ID != first.ID {
		t.Fatalf("expected cached copy of %s, got %+v", first.ID, second)
	}

	// A fresh orchestrator over the same store falls back to persisted results.
	other := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)
	third, err := other.Run(context.Background(), "c1", models.KindVerify)
	if err != nil || !third.Cached || third.ID != first.ID {
		t.Fatalf("expected persisted hit, got %+v %v", third, err)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected one provider call, got %d", provider.callCount())
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{
		{err: &StatusError{StatusCode: 503, Err: errors.New("unavailable")}},
		{err: &StatusError{StatusCode: 429, Err: errors.New("slow down")}},
		{content: validVerify},
	}}
	clock := &fakeClock{now: seoulNoon}
	quota := NewQuota(20, seoul(t), clock)
	o := newTestOrchestrator(store, provider, quota, clock)

	if _, err := o.Run(context.Background(), "c1", models.KindVerify); err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.callCount() != 3 {
		t.Fatalf("expected three attempts, got %d", provider.callCount())
	}
	if quota.Remaining() != 17 {
		t.Fatalf("expected every attempt to consume quota, remaining %d", quota.Remaining())
	}
}

func TestExhaustedRetriesPersistNothing(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{
		{err: &StatusError{StatusCode: 502, Err: errors.New("bad gateway")}},
	}}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)

	_, err := o.Run(context.Background(), "c1", models.KindVerify)
	if !utils.HasCode(err, utils.CodeLLMUpstream) {
		t.Fatalf("expected llm_upstream_error, got %v", err)
	}
	if provider.callCount() != 3 || store.resultCount() != 0 {
		t.Fatalf("expected 3 attempts and nothing stored, got %d/%d", provider.callCount(), store.resultCount())
	}
}

func TestBadRequestIsNotRetried(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{
		{err: &StatusError{StatusCode: 400, Err: errors.New("bad")}},
	}}
	clock := &fakeClock{now: seoulNoon}
	o := newTestOrchestrator(store, provider, NewQuota(20, seoul(t), clock), clock)

	_, err := o.Run(context.Background(), "c1", models.KindVerify)
	if !utils.HasCode(err, utils.CodeLLMBadRequest) || provider.callCount() != 1 {
		t.Fatalf("expected a single llm_bad_request attempt, got %v after %d calls", err, provider.callCount())
	}
}

func TestUndeliveredCallsAreRefunded(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{metered: true, responses: []scripted{
		{err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}},
	}}
	clock := &fakeClock{now: seoulNoon}
	quota := NewQuota(5, seoul(t), clock)
	o := newTestOrchestrator(store, provider, quota, clock)

	_, err := o.Run(context.Background(), "c1", models.KindVerify)
	if !utils.HasCode(err, utils.CodeLLMRequest) {
		t.Fatalf("expected llm_request_failed, got %v", err)
	}
	if quota.Remaining() != 5 {
		t.Fatalf("expected refunded quota, remaining %d", quota.Remaining())
	}
}

func TestExplainWithMockProvider(t *testing.T) {
	store := newMemStore()
	clock := &fakeClock{now: seoulNoon}
	quota := NewQuota(1, seoul(t), clock)
	o := newTestOrchestrator(store, MockProvider{}, quota, clock)

	result, err := o.Run(context.Background(), "c1", models.KindExplain)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if result.Explain == nil || result.Explain.OneLiner == "" {
		t.Fatalf("expected explain output, got %+v", result)
	}
	if result.Explain.OneLiner != "Invoice paid 2 times for a single invoice receipt." {
		t.Fatalf("unexpected one-liner %q", result.Explain.OneLiner)
	}
	cand, _ := store.GetCandidate(context.Background(), "c1")
	if cand.FinalConf != 0.6 {
		t.Fatalf("explain must not touch final_conf, got %v", cand.FinalConf)
	}
	if quota.Remaining() != 1 {
		t.Fatalf("mock provider must be unmetered")
	}
}

func TestUnknownCandidateAndKind(t *testing.T) {
	o := newTestOrchestrator(newMemStore(), MockProvider{}, nil, &fakeClock{now: seoulNoon})
	if _, err := o.Run(context.Background(), "nope", models.KindVerify); !utils.HasCode(err, utils.CodeCandidateNotFound) {
		t.Fatalf("expected candidate_not_found, got %v", err)
	}
	if _, err := o.Run(context.Background(), "c1", "summarise"); !utils.HasCode(err, utils.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}
