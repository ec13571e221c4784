package kg

import "github.com/miradorstack/mirador-audit/internal/models"

// EventTable is one heterogeneous event table. Activity is the raw event
// type label; the builder normalizes it.
type EventTable struct {
	Name     string
	Activity string
	Columns  []string
	Rows     []map[string]any
}

// Source is a log snapshot as read from storage.
type Source struct {
	Name          string
	EventTables   []EventTable
	Objects       []models.Object
	EventObjects  []models.EventObjectLink
	ObjectObjects []models.ObjectObjectLink
}

// Schema names the columns every event table must (or may) carry.
type Schema struct {
	IDColumn        string
	TimeColumn      string
	ResourceColumn  string
	LifecycleColumn string
	// LinkKeys are raw attribute keys holding derived event to object links.
	LinkKeys []string
}

// DefaultSchema matches OCEL2 exports.
func DefaultSchema() Schema {
	return Schema{
		IDColumn:        "ocel_id",
		TimeColumn:      "ocel_time",
		ResourceColumn:  "resource",
		LifecycleColumn: "lifecycle",
		LinkKeys:        []string{"linked_object_ids", "ocel_objects", "objects"},
	}
}
