package extractors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
)

// JSONReader reads the OCEL2 JSON interchange format.
type JSONReader struct {
	path   string
	schema kg.Schema
	logger *slog.Logger
}

// NewJSONReader constructs a reader; rows are keyed by the schema's id and time columns.
func NewJSONReader(path string, schema kg.Schema, logger *slog.Logger) *JSONReader {
	if logger == nil {
		logger = slog.Default()
	}
	if schema.IDColumn == "" || schema.TimeColumn == "" {
		schema = kg.DefaultSchema()
	}
	return &JSONReader{path: path, schema: schema, logger: logger}
}

type ocelDocument struct {
	EventTypes []struct {
		Name string `json:"name"`
	} `json:"eventTypes"`
	Objects []struct {
		ID         string          `json:"id"`
		Type       string          `json:"type"`
		Attributes []ocelAttribute `json:"attributes"`
		Relations  []ocelRelation  `json:"relationships"`
	} `json:"objects"`
	Events []struct {
		ID         string          `json:"id"`
		Type       string          `json:"type"`
		Time       string          `json:"time"`
		Attributes []ocelAttribute `json:"attributes"`
		Relations  []ocelRelation  `json:"relationships"`
	} `json:"events"`
}

type ocelAttribute struct {
	Name  string `json:"name"`
	Time  string `json:"time,omitempty"`
	Value any    `json:"value"`
}

type ocelRelation struct {
	ObjectID  string `json:"objectId"`
	Qualifier string `json:"qualifier"`
}

// Read decodes the document and groups events into one table per event type.
func (r *JSONReader) Read(ctx context.Context) (kg.Source, error) {
	if err := ctx.Err(); err != nil {
		return kg.Source{}, err
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return kg.Source{}, fmt.Errorf("read ocel json: %w", err)
	}
	var doc ocelDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return kg.Source{}, fmt.Errorf("parse ocel json: %w", err)
	}

	src := kg.Source{Name: r.path}
	tables := make(map[string]*kg.EventTable)
	order := make([]string, 0, len(doc.EventTypes))
	ensure := func(typ string) *kg.EventTable {
		if t, ok := tables[typ]; ok {
			return t
		}
		t := &kg.EventTable{Name: "event_" + kg.NormalizeActivity(typ), Activity: typ, Columns: []string{r.schema.IDColumn, r.schema.TimeColumn}}
		tables[typ] = t
		order = append(order, typ)
		return t
	}
	for _, et := range doc.EventTypes {
		ensure(et.Name)
	}

	for _, ev := range doc.Events {
		table := ensure(ev.Type)
		row := map[string]any{r.schema.IDColumn: ev.ID, r.schema.TimeColumn: ev.Time}
		for _, attr := range ev.Attributes {
			if _, ok := row[attr.Name]; !ok {
				table.Columns = appendColumn(table.Columns, attr.Name)
			}
			row[attr.Name] = attr.Value
		}
		table.Rows = append(table.Rows, row)
		for _, rel := range ev.Relations {
			src.EventObjects = append(src.EventObjects, models.EventObjectLink{EventID: ev.ID, ObjectID: rel.ObjectID, Qualifier: rel.Qualifier})
		}
	}
	for _, typ := range order {
		src.EventTables = append(src.EventTables, *tables[typ])
	}

	for _, obj := range doc.Objects {
		var attrs map[string]any
		if len(obj.Attributes) > 0 {
			// Attribute histories are folded to their last listed value.
			attrs = make(map[string]any, len(obj.Attributes))
			for _, attr := range obj.Attributes {
				attrs[attr.Name] = attr.Value
			}
		}
		src.Objects = append(src.Objects, models.Object{ID: obj.ID, Type: obj.Type, Attributes: attrs})
		for _, rel := range obj.Relations {
			src.ObjectObjects = append(src.ObjectObjects, models.ObjectObjectLink{SourceID: obj.ID, TargetID: rel.ObjectID, Qualifier: rel.Qualifier})
		}
	}

	r.logger.Info("ocel json read",
		slog.String("path", r.path),
		slog.Int("events", len(doc.Events)),
		slog.Int("objects", len(doc.Objects)),
	)
	return src, nil
}

func appendColumn(cols []string, name string) []string {
	for _, c := range cols {
		if c == name {
			return cols
		}
	}
	return append(cols, name)
}
