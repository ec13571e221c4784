package kg

import (
	"reflect"
	"testing"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

func sampleSource() Source {
	cols := []string{"ocel_id", "ocel_time", "resource"}
	return Source{
		Name: "sample",
		EventTables: []EventTable{
			{Name: "event_CreatePurchaseOrder", Activity: "Create Purchase Order", Columns: cols, Rows: []map[string]any{
				{"ocel_id": "e1", "ocel_time": "2022-01-01T08:00:00Z", "resource": "alice"},
			}},
			{Name: "event_ExecutePayment", Activity: "Execute Payment", Columns: append(cols, "amount"), Rows: []map[string]any{
				{"ocel_id": "e3", "ocel_time": "2022-01-03T08:00:00Z", "resource": "bob", "amount": 100.0},
				{"ocel_id": "e2", "ocel_time": "2022-01-03T08:00:00Z", "resource": "bob", "linked_object_ids": `["inv1"]`},
			}},
		},
		Objects: []models.Object{
			{ID: "po1", Type: "purchase_order"},
			{ID: "inv1", Type: "invoice receipt"},
		},
		EventObjects: []models.EventObjectLink{
			{EventID: "e1", ObjectID: "po1", Qualifier: "po"},
			{EventID: "e3", ObjectID: "inv1", Qualifier: "invoice"},
			{EventID: "e3", ObjectID: "po1", Qualifier: "po"},
			{EventID: "e3", ObjectID: "inv1", Qualifier: "invoice"},
		},
		ObjectObjects: []models.ObjectObjectLink{{SourceID: "inv1", TargetID: "po1", Qualifier: "pays"}},
	}
}

func TestBuildUnifiesTables(t *testing.T) {
	g, err := NewBuilder(DefaultSchema(), nil).Build(sampleSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Events()) != 3 {
		t.Fatalf("expected 3 events, got %d", len(g.Events()))
	}
	ev, ok := g.Event("e3")
	if !ok || ev.Activity != "ExecutePayment" || ev.Resource != "bob" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Raw["amount"] != 100.0 {
		t.Fatalf("expected amount in raw, got %+v", ev.Raw)
	}
	if len(g.E2O()) != 4 {
		t.Fatalf("expected duplicate e2o row dropped and derived link added, got %d", len(g.E2O()))
	}
	if got := g.LinkedObjectIDs("e2"); !reflect.DeepEqual(got, []string{"inv1"}) {
		t.Fatalf("expected derived link for e2, got %v", got)
	}
	if n := g.Neighbors("po1"); len(n) != 1 || n[0].ObjectID != "inv1" || n[0].Outgoing {
		t.Fatalf("unexpected neighbours %+v", n)
	}
}

func TestBuildFailsOnMissingColumn(t *testing.T) {
	src := sampleSource()
	src.EventTables[0].Columns = []string{"ocel_id"}
	_, err := NewBuilder(DefaultSchema(), nil).Build(src)
	if !utils.HasCode(err, utils.CodeSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
}

func TestBuildFailsOnBadTimestamp(t *testing.T) {
	src := sampleSource()
	src.EventTables[0].Rows[0]["ocel_time"] = "not-a-time"
	_, err := NewBuilder(DefaultSchema(), nil).Build(src)
	if !utils.HasCode(err, utils.CodeSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
}

func TestNextEdgesTieBreakOnEventID(t *testing.T) {
	g, err := NewBuilder(DefaultSchema(), nil).Build(sampleSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	edges := g.NextFor(models.ViewObject, "inv1")
	want := []models.Edge{{Kind: models.EdgeNext, Source: "e2", Target: "e3", View: models.ViewObject, ViewKey: "inv1"}}
	if !reflect.DeepEqual(edges, want) {
		t.Fatalf("expected %+v, got %+v", want, edges)
	}
	if len(g.Next(models.ViewObject)) != 2 {
		t.Fatalf("expected two NEXT edges across groups, got %+v", g.Next(models.ViewObject))
	}
	byType := g.NextFor(models.ViewObjectType, "purchase_order")
	if len(byType) != 1 || byType[0].Source != "e1" || byType[0].Target != "e3" {
		t.Fatalf("unexpected type view edges %+v", byType)
	}
}

func TestNextEdgesIndependentOfInputOrder(t *testing.T) {
	a, err := NewBuilder(DefaultSchema(), nil).Build(sampleSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src := sampleSource()
	src.EventTables[0], src.EventTables[1] = src.EventTables[1], src.EventTables[0]
	links := src.EventObjects
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}
	b, err := NewBuilder(DefaultSchema(), nil).Build(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a.Next(models.ViewObject), b.Next(models.ViewObject)) {
		t.Fatalf("NEXT edges differ:\n%+v\n%+v", a.Next(models.ViewObject), b.Next(models.ViewObject))
	}
	if a.Version() != b.Version() {
		t.Fatalf("edge set version should not depend on order")
	}
}

func TestNormalizeActivity(t *testing.T) {
	if got := NormalizeActivity("Perform Two-Way Match"); got != "PerformTwoWayMatch" {
		t.Fatalf("unexpected normalization %q", got)
	}
}
