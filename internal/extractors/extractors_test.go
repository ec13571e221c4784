package extractors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/miradorstack/mirador-audit/internal/kg"
)

const sampleJSON = `{
  "eventTypes": [{"name": "Create Purchase Order"}, {"name": "Execute Payment"}],
  "objectTypes": [{"name": "purchase_order"}, {"name": "invoice receipt"}],
  "events": [
    {"id": "e1", "type": "Create Purchase Order", "time": "2022-01-01T08:00:00Z",
     "attributes": [{"name": "resource", "value": "alice"}],
     "relationships": [{"objectId": "po1", "qualifier": "po"}]},
    {"id": "e2", "type": "Execute Payment", "time": "2022-01-02T08:00:00Z",
     "attributes": [{"name": "amount", "value": 12.5}],
     "relationships": [{"objectId": "inv1", "qualifier": "invoice"}]}
  ],
  "objects": [
    {"id": "po1", "type": "purchase_order"},
    {"id": "inv1", "type": "invoice receipt", "relationships": [{"objectId": "po1", "qualifier": "pays"}]}
  ]
}`

func TestJSONReaderBuildsGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader, err := Open(path, "", kg.DefaultSchema(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src, err := reader.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(src.EventTables) != 2 || len(src.EventObjects) != 2 || len(src.ObjectObjects) != 1 {
		t.Fatalf("unexpected source shape: %+v", src)
	}
	g, err := kg.NewBuilder(kg.DefaultSchema(), nil).Build(src)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ev, ok := g.Event("e1")
	if !ok || ev.Activity != "CreatePurchaseOrder" || ev.Resource != "alice" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSQLiteReaderReadsOCELLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.sqlite")
	db, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stmts := []string{
		`CREATE TABLE event_map_type (ocel_type TEXT, ocel_type_map TEXT)`,
		`CREATE TABLE event_ExecutePayment (ocel_id TEXT, ocel_time TEXT, resource TEXT, amount REAL)`,
		`CREATE TABLE object (ocel_id TEXT, ocel_type TEXT)`,
		`CREATE TABLE object_map_type (ocel_type TEXT, ocel_type_map TEXT)`,
		`CREATE TABLE object_invoicereceipt (ocel_id TEXT, ocel_time TEXT, ocel_changed_field TEXT, vendor TEXT)`,
		`CREATE TABLE event_object (ocel_event_id TEXT, ocel_object_id TEXT, ocel_qualifier TEXT)`,
		`CREATE TABLE object_object (ocel_source_id TEXT, ocel_target_id TEXT, ocel_qualifier TEXT)`,
		`INSERT INTO event_map_type VALUES ('Execute Payment', 'ExecutePayment')`,
		`INSERT INTO event_ExecutePayment VALUES ('p1', '2022-01-02 08:00:00', 'bob', 10.0)`,
		`INSERT INTO event_ExecutePayment VALUES ('p2', '2022-01-03 08:00:00', 'bob', 10.0)`,
		`INSERT INTO object VALUES ('inv1', 'invoice receipt')`,
		`INSERT INTO object_map_type VALUES ('invoice receipt', 'invoicereceipt')`,
		`INSERT INTO object_invoicereceipt VALUES ('inv1', '1970-01-01 00:00:00', NULL, 'acme')`,
		`INSERT INTO event_object VALUES ('p1', 'inv1', 'invoice')`,
		`INSERT INTO event_object VALUES ('p2', 'inv1', 'invoice')`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	src, err := NewSQLiteReader(path, nil).Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(src.EventTables) != 1 || len(src.EventTables[0].Rows) != 2 {
		t.Fatalf("unexpected event tables: %+v", src.EventTables)
	}
	if src.Objects[0].Attributes["vendor"] != "acme" {
		t.Fatalf("expected folded object attributes, got %+v", src.Objects[0].Attributes)
	}
	g, err := kg.NewBuilder(kg.DefaultSchema(), nil).Build(src)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := len(g.LinkedEvents("inv1")); got != 2 {
		t.Fatalf("expected 2 linked events, got %d", got)
	}
}

func TestDetectFormat(t *testing.T) {
	if f, _ := DetectFormat("x.db", ""); f != FormatSQLite {
		t.Fatalf("expected sqlite, got %q", f)
	}
	if _, err := DetectFormat("x.csv", ""); err == nil {
		t.Fatalf("expected error for unknown extension")
	}
}
