package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/patterns"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

type staticReader struct {
	src kg.Source
}

func (r staticReader) Read(context.Context) (kg.Source, error) { return r.src, nil }

type fakeStore struct {
	mu         sync.Mutex
	candidates map[string]models.ScoredCandidate
	runs       []models.Run
	verifies   map[string]models.VerificationResult
	patterns   map[string][]models.AnomalyPattern
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		candidates: map[string]models.ScoredCandidate{},
		verifies:   map[string]models.VerificationResult{},
		patterns:   map[string][]models.AnomalyPattern{},
	}
}

func (f *fakeStore) UpsertCandidates(_ context.Context, items []models.ScoredCandidate, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.candidates[item.Candidate.ID] = item
	}
	return nil
}

func (f *fakeStore) UpsertRun(_ context.Context, run models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) LatestVerifications(_ context.Context, ids []string, _ models.VerificationKind) (map[string]models.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]models.VerificationResult{}
	for _, id := range ids {
		if v, ok := f.verifies[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeStore) StorePatterns(_ context.Context, runID string, p []models.AnomalyPattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns[runID] = p
	return nil
}

var day0 = time.Date(2022, 3, 1, 8, 0, 0, 0, time.UTC)

type logBuilder struct {
	tables  map[string]*kg.EventTable
	order   []string
	objects []models.Object
	e2o     []models.EventObjectLink
	o2o     []models.ObjectObjectLink
	seq     int
}

func newLog() *logBuilder {
	return &logBuilder{tables: map[string]*kg.EventTable{}}
}

func (b *logBuilder) object(id, typ string) *logBuilder {
	b.objects = append(b.objects, models.Object{ID: id, Type: typ})
	return b
}

func (b *logBuilder) relate(src, dst string) *logBuilder {
	b.o2o = append(b.o2o, models.ObjectObjectLink{SourceID: src, TargetID: dst})
	return b
}

func (b *logBuilder) event(activity string, at time.Time, resource string, objects ...string) string {
	b.seq++
	id := fmt.Sprintf("e%03d", b.seq)
	table, ok := b.tables[activity]
	if !ok {
		table = &kg.EventTable{Name: activity, Activity: activity, Columns: []string{"ocel_id", "ocel_time", "resource"}}
		b.tables[activity] = table
		b.order = append(b.order, activity)
	}
	table.Rows = append(table.Rows, map[string]any{
		"ocel_id":   id,
		"ocel_time": utils.FormatTimestamp(at),
		"resource":  resource,
	})
	for _, obj := range objects {
		b.e2o = append(b.e2o, models.EventObjectLink{EventID: id, ObjectID: obj})
	}
	return id
}

func (b *logBuilder) source() kg.Source {
	src := kg.Source{Name: "test", Objects: b.objects, EventObjects: b.e2o, ObjectObjects: b.o2o}
	for _, name := range b.order {
		src.EventTables = append(src.EventTables, *b.tables[name])
	}
	return src
}

func testConfig() config.PipelineConfig {
	cfg := config.Default().Pipeline
	cfg.LengthyApproval.PRThresholdHours = 48
	cfg.LengthyApproval.POThresholdHours = 48
	return cfg
}

func procurementLog() kg.Source {
	b := newLog()
	b.object("inv1", "invoice receipt").object("inv2", "invoice receipt")
	b.event("Execute Payment", day0, "alice", "inv1")
	b.event("Execute Payment", day0.Add(2*time.Hour), "bob", "inv1")
	b.event("Execute Payment", day0, "alice", "inv2")

	// pr1 waits 100h for approval; pr2 only 10h.
	b.object("pr1", "purchase_requisition").object("pr2", "purchase_requisition")
	b.event("Create Purchase Requisition", day0, "carol", "pr1")
	b.event("Approve Purchase Requisition", day0.Add(100*time.Hour), "dave", "pr1")
	b.event("Create Purchase Requisition", day0, "carol", "pr2")
	b.event("Approve Purchase Requisition", day0.Add(10*time.Hour), "dave", "pr2")

	// po1 is created 24h before its requisition pr1 is approved; po2 has none.
	b.object("po1", "purchase_order").object("po2", "purchase_order").object("po3", "purchase_order")
	b.relate("po1", "pr1").relate("po3", "pr2")
	b.event("Create Purchase Order", day0.Add(76*time.Hour), "erin", "po1")
	b.event("Create Purchase Order", day0.Add(80*time.Hour), "erin", "po2")
	b.event("Create Purchase Order", day0.Add(20*time.Hour), "erin", "po3")
	return b.source()
}

func candidatesByAnchor(items []models.ScoredCandidate) map[string]models.ScoredCandidate {
	out := make(map[string]models.ScoredCandidate, len(items))
	for _, item := range items {
		out[string(item.Candidate.Type)+"/"+item.Candidate.AnchorObjectID] = item
	}
	return out
}

func newTestPipeline(t *testing.T, cfg config.PipelineConfig, store CandidateStore) *Pipeline {
	t.Helper()
	var miner *patterns.Miner
	if s, ok := store.(patterns.Store); ok {
		miner = patterns.NewMiner(nil, s)
	}
	p, err := NewPipeline(nil, cfg, kg.DefaultSchema(), DefaultRulePack(), store, miner, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestPipelineDetectsProcurementAnomalies(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, testConfig(), store)

	run, items, err := p.Run(context.Background(), staticReader{src: procurementLog()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := candidatesByAnchor(items)

	if _, ok := got["duplicate_payment/inv1"]; !ok {
		t.Fatalf("expected duplicate payment on inv1, got %v", keys(got))
	}
	if _, ok := got["duplicate_payment/inv2"]; ok {
		t.Fatalf("a single payment must not fire")
	}

	lengthy, ok := got["lengthy_approval_pr/pr1"]
	if !ok {
		t.Fatalf("expected lengthy approval on pr1")
	}
	if lengthy.Evidence.Features["lead_time_hours"] != 100.0 || lengthy.Evidence.Features["threshold_hours"] != 48.0 {
		t.Fatalf("unexpected lengthy features %v", lengthy.Evidence.Features)
	}
	if _, ok := got["lengthy_approval_pr/pr2"]; ok {
		t.Fatalf("10h lead time must not fire against 48h")
	}

	mav, ok := got["maverick_buying/po1"]
	if !ok {
		t.Fatalf("expected maverick buying on po1")
	}
	if mav.Evidence.Features["has_pr"] != true || mav.Evidence.Features["approval_gap_hours"] != 24.0 {
		t.Fatalf("unexpected po1 features %v", mav.Evidence.Features)
	}
	noPR, ok := got["maverick_buying/po2"]
	if !ok {
		t.Fatalf("expected maverick buying on po2")
	}
	if noPR.Evidence.Features["has_pr"] != false || noPR.Evidence.Features["pr_approve_ts"] != nil {
		t.Fatalf("unexpected po2 features %v", noPR.Evidence.Features)
	}
	if _, ok := got["maverick_buying/po3"]; ok {
		t.Fatalf("po3 follows an approved requisition and must not fire")
	}

	for _, item := range items {
		c := item.Candidate
		if c.BaseConf < 0 || c.BaseConf > 1 || c.FinalConf != c.BaseConf {
			t.Fatalf("unexpected confidence for %s: %+v", c.ID, c)
		}
		timeline := map[string]bool{}
		for _, entry := range item.Evidence.Timeline {
			timeline[entry.EventID] = true
		}
		for _, id := range item.Evidence.EventIDs {
			if !timeline[id] {
				t.Fatalf("evidence %s of %s missing from timeline", id, c.ID)
			}
		}
		if item.Evidence.Subgraph == nil {
			t.Fatalf("expected eager subgraph on %s", c.ID)
		}
	}

	if run.CandidateCount != len(items) || run.CountsByType[models.TypeMaverickBuying] != 2 {
		t.Fatalf("unexpected run counts %+v", run)
	}
	if len(store.runs) != 1 || len(store.candidates) != len(items) {
		t.Fatalf("expected run and candidates persisted")
	}
	if len(store.patterns[run.ID]) == 0 || len(run.Summary) == 0 {
		t.Fatalf("expected a mined run summary")
	}
}

func TestPipelineRerunIsDeterministic(t *testing.T) {
	p := newTestPipeline(t, testConfig(), newFakeStore())
	_, first, err := p.Run(context.Background(), staticReader{src: procurementLog()})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, second, err := p.Run(context.Background(), staticReader{src: procurementLog()})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("candidate count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.Candidate.ID != b.Candidate.ID || a.Candidate.BaseConf != b.Candidate.BaseConf {
			t.Fatalf("candidate %d changed: %+v vs %+v", i, a.Candidate, b.Candidate)
		}
		if a.Evidence.ContentHash != b.Evidence.ContentHash {
			t.Fatalf("evidence of %s changed", a.Candidate.ID)
		}
	}
}

func TestPipelineRecomposesFromLatestVerify(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, testConfig(), store)
	id := CandidateID(models.TypeMaverickBuying, "po2", "v1")
	store.verifies[id] = models.VerificationResult{Kind: models.KindVerify, Verdict: models.VerdictReject, VConf: 0.9}

	_, items, err := p.Run(context.Background(), staticReader{src: procurementLog()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c := candidatesByAnchor(items)["maverick_buying/po2"].Candidate
	if c.ID != id {
		t.Fatalf("expected stable id %s, got %s", id, c.ID)
	}
	if c.FinalConf > 0.49 {
		t.Fatalf("reject must cap final_conf at 0.49, got %v", c.FinalConf)
	}
}

func TestPercentileThreshold(t *testing.T) {
	cfg := config.Default().Pipeline
	cfg.LengthyApproval.Percentile = 0.5
	b := newLog()
	for i, lead := range []int{10, 20, 30, 40} {
		id := fmt.Sprintf("po%d", i)
		b.object(id, "purchase_order")
		b.event("Create Purchase Order", day0, "x", id)
		b.event("Approve Purchase Order", day0.Add(time.Duration(lead)*time.Hour), "y", id)
	}
	p := newTestPipeline(t, cfg, nil)
	_, items, err := p.Run(context.Background(), staticReader{src: b.source()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := candidatesByAnchor(items)
	// Median of 10..40 is 25h: po2 (30h) and po3 (40h) fire.
	lengthy := 0
	for _, item := range items {
		if item.Candidate.Type == models.TypeLengthyApprovalPO {
			lengthy++
		}
	}
	if lengthy != 2 {
		t.Fatalf("expected two lengthy approvals, got %v", keys(got))
	}
	if _, ok := got["lengthy_approval_po/po1"]; ok {
		t.Fatalf("po1 is under the median and must not fire")
	}
	item := got["lengthy_approval_po/po3"]
	if item.Evidence.Features["threshold_hours"] != 25.0 || item.Evidence.Features["threshold_source"] != "percentile" {
		t.Fatalf("unexpected threshold features %v", item.Evidence.Features)
	}
}

func TestPipelineLazySubgraph(t *testing.T) {
	cfg := testConfig()
	cfg.EagerSubgraph = false
	p := newTestPipeline(t, cfg, nil)
	_, items, err := p.Run(context.Background(), staticReader{src: procurementLog()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, item := range items {
		if item.Evidence.Subgraph != nil {
			t.Fatalf("expected no subgraph with eager_subgraph=false")
		}
	}
	g, _, err := p.LoadGraph(context.Background(), staticReader{src: procurementLog()})
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}
	sg := p.Subgraph(g, items[0].Candidate, items[0].Evidence)
	if len(sg.Nodes) == 0 {
		t.Fatalf("expected lazily built subgraph nodes")
	}
}

func TestPipelineSchemaViolationIsFatal(t *testing.T) {
	src := kg.Source{EventTables: []kg.EventTable{{
		Name: "broken", Activity: "Execute Payment", Columns: []string{"ocel_id"},
		Rows: []map[string]any{{"ocel_id": "e1"}},
	}}}
	p := newTestPipeline(t, testConfig(), newFakeStore())
	_, _, err := p.Run(context.Background(), staticReader{src: src})
	if !utils.HasCode(err, utils.CodeSchemaViolation) {
		t.Fatalf("expected schema_violation, got %v", err)
	}
}

func TestCandidateIDIsStable(t *testing.T) {
	a := CandidateID(models.TypeDuplicatePayment, "inv1", "v1")
	if a != CandidateID(models.TypeDuplicatePayment, "inv1", "v1") {
		t.Fatalf("candidate id must be deterministic")
	}
	if a == CandidateID(models.TypeDuplicatePayment, "inv1", "v2") || a == CandidateID(models.TypeMaverickBuying, "inv1", "v1") {
		t.Fatalf("candidate id must depend on type and schema version")
	}
}

func TestNewPipelineRejectsBadWeights(t *testing.T) {
	cfg := testConfig()
	cfg.Weights.S = 0.9
	if _, err := NewPipeline(nil, cfg, kg.DefaultSchema(), nil, nil, nil, nil); !utils.HasCode(err, utils.CodeConfigViolation) {
		t.Fatalf("expected config_violation, got %v", err)
	}
}

func keys(m map[string]models.ScoredCandidate) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// twoRequisitionLog links poX and poY to prA (approved at 50h) and prB
// (approved at 20h). poX is created at 40h, poY at 10h.
func twoRequisitionLog() kg.Source {
	b := newLog()
	b.object("prA", "purchase_requisition").object("prB", "purchase_requisition")
	b.event("Create Purchase Requisition", day0, "carol", "prA")
	b.event("Approve Purchase Requisition", day0.Add(50*time.Hour), "dave", "prA")
	b.event("Create Purchase Requisition", day0, "carol", "prB")
	b.event("Approve Purchase Requisition", day0.Add(20*time.Hour), "dave", "prB")

	b.object("poX", "purchase_order").object("poY", "purchase_order")
	b.relate("poX", "prA").relate("poX", "prB").relate("poY", "prA").relate("poY", "prB")
	b.event("Create Purchase Order", day0.Add(40*time.Hour), "erin", "poX")
	b.event("Create Purchase Order", day0.Add(10*time.Hour), "erin", "poY")
	return b.source()
}

func TestMaverickTieBreakPolicies(t *testing.T) {
	cases := []struct {
		tieBreak string
		poXFires bool
		selected string
		gap      float64
	}{
		{config.TieBreakEarliestApproved, false, "prB", 10},
		{config.TieBreakSmallestObjectID, true, "prA", 40},
	}
	for _, tc := range cases {
		t.Run(tc.tieBreak, func(t *testing.T) {
			cfg := testConfig()
			cfg.Maverick.TieBreak = tc.tieBreak
			p := newTestPipeline(t, cfg, newFakeStore())

			_, items, err := p.Run(context.Background(), staticReader{src: twoRequisitionLog()})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			got := candidatesByAnchor(items)

			poX, fired := got["maverick_buying/poX"]
			if fired != tc.poXFires {
				t.Fatalf("poX fired = %v, want %v (candidates %v)", fired, tc.poXFires, keys(got))
			}
			if fired {
				f := poX.Evidence.Features
				if f["selected_pr_id"] != "prA" || f["maverick_reason"] != ReasonPOBeforePRApproval || f["approval_gap_hours"] != 10.0 {
					t.Fatalf("unexpected poX features %v", f)
				}
			}

			poY, ok := got["maverick_buying/poY"]
			if !ok {
				t.Fatalf("poY precedes both approvals and must fire")
			}
			f := poY.Evidence.Features
			if f["selected_pr_id"] != tc.selected || f["pr_selection_rule"] != tc.tieBreak {
				t.Fatalf("expected %s selected by %s, got %v by %v", tc.selected, tc.tieBreak, f["selected_pr_id"], f["pr_selection_rule"])
			}
			if f["approval_gap_hours"] != tc.gap {
				t.Fatalf("expected gap %v, got %v", tc.gap, f["approval_gap_hours"])
			}
			linked, _ := f["linked_pr_ids"].([]string)
			if len(linked) != 2 || linked[0] != "prA" || linked[1] != "prB" {
				t.Fatalf("expected both requisitions recorded, got %v", f["linked_pr_ids"])
			}
		})
	}
}

func TestLengthyApprovalSkipsApprovalBeforeCreation(t *testing.T) {
	b := newLog()
	b.object("prZ", "purchase_requisition")
	b.event("Approve Purchase Requisition", day0.Add(-5*time.Hour), "dave", "prZ")
	b.event("Create Purchase Requisition", day0, "carol", "prZ")
	later := b.event("Approve Purchase Requisition", day0.Add(100*time.Hour), "dave", "prZ")

	g, err := kg.NewBuilder(kg.DefaultSchema(), nil).Build(b.source())
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	res := newLengthyApproval(models.TypeLengthyApprovalPR, testConfig()).Detect(g)

	if len(res.Candidates) != 1 {
		t.Fatalf("expected the later approval to fire, got %d candidates", len(res.Candidates))
	}
	c := res.Candidates[0]
	if c.Features["lead_time_hours"] != 100.0 || c.Features["approval_event_id"] != later {
		t.Fatalf("expected lead from the later approval %s, got %v", later, c.Features)
	}
	found := false
	for _, issue := range res.Issues {
		found = found || issue.Reason == "approval_before_creation"
	}
	if !found {
		t.Fatalf("expected approval_before_creation issue, got %+v", res.Issues)
	}
}
