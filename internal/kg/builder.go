package kg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Builder projects a Source into a Graph.
type Builder struct {
	schema Schema
	logger *slog.Logger
}

// NewBuilder constructs a Builder; an empty schema falls back to DefaultSchema.
func NewBuilder(schema Schema, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSchema()
	if schema.IDColumn == "" {
		schema.IDColumn = def.IDColumn
	}
	if schema.TimeColumn == "" {
		schema.TimeColumn = def.TimeColumn
	}
	return &Builder{schema: schema, logger: logger}
}

// Build unifies every event table and projects the linkage rows into edges.
// A table without the id or timestamp column fails with a schema violation.
func (b *Builder) Build(src Source) (*Graph, error) {
	events := make([]models.Event, 0)
	seen := make(map[string]string)

	for _, table := range src.EventTables {
		if err := b.checkColumns(table); err != nil {
			return nil, err
		}
		activity := NormalizeActivity(table.Activity)
		for i, row := range table.Rows {
			event, err := b.projectRow(table, activity, row)
			if err != nil {
				return nil, utils.NewCodedError(utils.CodeSchemaViolation, "kg.build",
					fmt.Sprintf("table %s row %d", table.Name, i), err)
			}
			if other, dup := seen[event.ID]; dup {
				return nil, utils.NewCodedError(utils.CodeSchemaViolation, "kg.build",
					fmt.Sprintf("event %s appears in tables %s and %s", event.ID, other, table.Name), nil)
			}
			seen[event.ID] = table.Name
			events = append(events, event)
		}
	}

	links := make([]models.EventObjectLink, 0, len(src.EventObjects))
	links = append(links, src.EventObjects...)
	for _, event := range events {
		links = append(links, b.derivedLinks(event)...)
	}

	g := newGraph(events, src.Objects, links, src.ObjectObjects, b.logger)
	b.logger.Info("knowledge graph built",
		slog.String("source", src.Name),
		slog.Int("events", len(g.events)),
		slog.Int("objects", len(g.objects)),
		slog.Int("e2o", len(g.e2o)),
		slog.Int("o2o", len(g.o2o)),
		slog.String("version", g.version),
	)
	return g, nil
}

func (b *Builder) checkColumns(table EventTable) error {
	have := make(map[string]struct{}, len(table.Columns))
	for _, col := range table.Columns {
		have[col] = struct{}{}
	}
	for _, required := range []string{b.schema.IDColumn, b.schema.TimeColumn} {
		if _, ok := have[required]; !ok {
			return utils.NewCodedError(utils.CodeSchemaViolation, "kg.build",
				fmt.Sprintf("table %s is missing required column %q", table.Name, required), nil)
		}
	}
	return nil
}

func (b *Builder) projectRow(table EventTable, activity string, row map[string]any) (models.Event, error) {
	id := stringValue(row[b.schema.IDColumn])
	if id == "" {
		return models.Event{}, fmt.Errorf("empty %s", b.schema.IDColumn)
	}
	ts, err := timeValue(row[b.schema.TimeColumn])
	if err != nil {
		return models.Event{}, fmt.Errorf("event %s: %w", id, err)
	}

	event := models.Event{ID: id, Activity: activity, TS: ts, Source: table.Name}
	raw := make(map[string]any)
	for key, value := range row {
		switch key {
		case b.schema.IDColumn, b.schema.TimeColumn:
		case b.schema.ResourceColumn:
			event.Resource = stringValue(value)
		case b.schema.LifecycleColumn:
			event.Lifecycle = stringValue(value)
		default:
			if value != nil {
				raw[key] = value
			}
		}
	}
	if len(raw) > 0 {
		event.Raw = raw
	}
	return event, nil
}

// derivedLinks reads event to object links embedded in the raw payload.
func (b *Builder) derivedLinks(event models.Event) []models.EventObjectLink {
	if len(event.Raw) == 0 {
		return nil
	}
	var links []models.EventObjectLink
	for _, key := range b.schema.LinkKeys {
		value, ok := event.Raw[key]
		if !ok {
			continue
		}
		for _, ref := range objectRefs(value) {
			links = append(links, models.EventObjectLink{EventID: event.ID, ObjectID: ref.id, Qualifier: ref.qualifier})
		}
	}
	return links
}

type objectRef struct {
	id        string
	qualifier string
}

func objectRefs(value any) []objectRef {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if !strings.HasPrefix(trimmed, "[") {
			if trimmed == "" {
				return nil
			}
			return []objectRef{{id: trimmed}}
		}
		var decoded []any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil
		}
		return objectRefs(decoded)
	case []string:
		refs := make([]objectRef, 0, len(v))
		for _, id := range v {
			if id != "" {
				refs = append(refs, objectRef{id: id})
			}
		}
		return refs
	case []any:
		refs := make([]objectRef, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				id := stringValue(it["id"])
				if id == "" {
					id = stringValue(it["object_id"])
				}
				if id != "" {
					refs = append(refs, objectRef{id: id, qualifier: stringValue(it["qualifier"])})
				}
			default:
				if id := stringValue(it); id != "" {
					refs = append(refs, objectRef{id: id})
				}
			}
		}
		return refs
	}
	return nil
}

// NormalizeActivity drops every rune that is not a letter or digit, so
// "Execute Payment" and "Execute-Payment" both become "ExecutePayment".
func NormalizeActivity(label string) string {
	var sb strings.Builder
	for _, r := range label {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprint(t)
	}
}

func timeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return utils.ParseTimestamp(t)
	case []byte:
		return utils.ParseTimestamp(string(t))
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}
