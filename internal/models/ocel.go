package models

import "time"

// Event is one unified OCEL2 event.
type Event struct {
	ID        string         `json:"event_id"`
	Activity  string         `json:"activity"`
	TS        time.Time      `json:"ts"`
	Resource  string         `json:"resource,omitempty"`
	Lifecycle string         `json:"lifecycle,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
	// Source is the table the event was projected from.
	Source string `json:"source,omitempty"`
}

// Object is one OCEL2 object.
type Object struct {
	ID         string         `json:"object_id"`
	Type       string         `json:"object_type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EventObjectLink is a raw event to object linkage row.
type EventObjectLink struct {
	EventID   string
	ObjectID  string
	Qualifier string
}

// ObjectObjectLink is a raw object to object linkage row.
type ObjectObjectLink struct {
	SourceID  string
	TargetID  string
	Qualifier string
}

// EdgeKind enumerates graph edge types.
type EdgeKind string

const (
	EdgeE2O  EdgeKind = "E2O"
	EdgeO2O  EdgeKind = "O2O"
	EdgeNext EdgeKind = "NEXT"
)

// NextView selects how events are grouped when deriving NEXT edges.
type NextView string

const (
	ViewObject     NextView = "object"
	ViewObjectType NextView = "object_type"
)

// Edge is a graph edge. View and ViewKey are only set on NEXT edges.
type Edge struct {
	Kind      EdgeKind `json:"kind"`
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	Qualifier string   `json:"qualifier,omitempty"`
	View      NextView `json:"view,omitempty"`
	ViewKey   string   `json:"view_key,omitempty"`
}

// NodeKind distinguishes event and object nodes in a subgraph.
type NodeKind string

const (
	NodeEvent  NodeKind = "event"
	NodeObject NodeKind = "object"
)

// Node is a subgraph vertex.
type Node struct {
	ID    string     `json:"id"`
	Kind  NodeKind   `json:"kind"`
	Label string     `json:"label"`
	Type  string     `json:"type,omitempty"`
	TS    *time.Time `json:"ts,omitempty"`
}

// Subgraph is the minimal slice of the KG that justifies a candidate.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
