package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

const anyType = "*"

// Builder derives timelines and minimal subgraphs for candidates.
type Builder struct {
	expansion map[models.CandidateType][]string
}

// NewBuilder takes the per-type neighbour object types admitted by one-hop
// O2O expansion. Types without an entry are not expanded.
func NewBuilder(expansion map[string][]string) *Builder {
	out := make(map[models.CandidateType][]string, len(expansion))
	for typ, allowed := range expansion {
		out[models.CandidateType(typ)] = append([]string(nil), allowed...)
	}
	return &Builder{expansion: out}
}

// Bundle assembles the evidence bundle for a raw candidate. The subgraph is
// only built when withSubgraph is set.
func (b *Builder) Bundle(g *kg.Graph, candidateID string, raw models.RawCandidate, withSubgraph bool) (models.EvidenceBundle, error) {
	timeline, err := b.Timeline(g, raw.EventIDs)
	if err != nil {
		return models.EvidenceBundle{}, fmt.Errorf("candidate %s: %w", candidateID, err)
	}
	bundle := models.EvidenceBundle{
		CandidateID: candidateID,
		EventIDs:    append([]string(nil), raw.EventIDs...),
		ObjectIDs:   append([]string(nil), raw.ObjectIDs...),
		Timeline:    timeline,
		Features:    raw.Features,
	}
	if withSubgraph {
		sg := b.Subgraph(g, raw.Type, raw.AnchorObjectID, raw.EventIDs)
		bundle.Subgraph = &sg
	}
	bundle.ContentHash = ContentHash(bundle)
	return bundle, nil
}

// Timeline projects evidence events sorted by (ts, event_id). Every id must
// exist in the graph.
func (b *Builder) Timeline(g *kg.Graph, eventIDs []string) ([]models.TimelineEntry, error) {
	seen := make(map[string]struct{}, len(eventIDs))
	events := make([]models.Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ev, ok := g.Event(id)
		if !ok {
			return nil, utils.NewAppError("evidence.timeline", "evidence event "+id+" not in graph", nil)
		}
		events = append(events, ev)
	}
	kg.SortEvents(events)
	timeline := make([]models.TimelineEntry, 0, len(events))
	for _, ev := range events {
		timeline = append(timeline, models.TimelineEntry{
			EventID:         ev.ID,
			Activity:        ev.Activity,
			TS:              ev.TS,
			Resource:        ev.Resource,
			Lifecycle:       ev.Lifecycle,
			LinkedObjectIDs: g.LinkedObjectIDs(ev.ID),
		})
	}
	return timeline, nil
}

// Subgraph returns the anchor, the evidence events, every object they link
// to, the optional O2O hop, and the edges among those nodes.
func (b *Builder) Subgraph(g *kg.Graph, typ models.CandidateType, anchorID string, eventIDs []string) models.Subgraph {
	sg := models.Subgraph{Nodes: []models.Node{}, Edges: []models.Edge{}}
	objects := make(map[string]struct{})
	events := make(map[string]struct{})
	addObject := func(id string) {
		if _, ok := objects[id]; ok {
			return
		}
		objects[id] = struct{}{}
		sg.Nodes = append(sg.Nodes, models.Node{ID: id, Kind: models.NodeObject, Label: id, Type: g.ObjectType(id)})
	}

	addObject(anchorID)
	for _, id := range eventIDs {
		if _, ok := events[id]; ok {
			continue
		}
		ev, ok := g.Event(id)
		if !ok {
			continue
		}
		events[id] = struct{}{}
		ts := ev.TS
		sg.Nodes = append(sg.Nodes, models.Node{ID: ev.ID, Kind: models.NodeEvent, Label: ev.Activity, Type: ev.Activity, TS: &ts})
	}

	required := []string{anchorID}
	for _, id := range eventIDs {
		for _, link := range g.LinkedObjects(id) {
			if _, ok := objects[link.ObjectID]; !ok {
				required = append(required, link.ObjectID)
			}
			addObject(link.ObjectID)
		}
	}
	for _, id := range eventIDs {
		for _, link := range g.LinkedObjects(id) {
			sg.Edges = append(sg.Edges, models.Edge{Kind: models.EdgeE2O, Source: link.EventID, Target: link.ObjectID, Qualifier: link.Qualifier})
		}
	}

	if allowed, ok := b.expansion[typ]; ok && len(allowed) > 0 {
		for _, id := range required {
			for _, n := range g.Neighbors(id) {
				if admits(allowed, g.ObjectType(n.ObjectID)) {
					addObject(n.ObjectID)
				}
			}
		}
	}
	for _, link := range g.O2O() {
		_, src := objects[link.SourceID]
		_, dst := objects[link.TargetID]
		if src && dst {
			sg.Edges = append(sg.Edges, models.Edge{Kind: models.EdgeO2O, Source: link.SourceID, Target: link.TargetID, Qualifier: link.Qualifier})
		}
	}

	anchorEvents := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		if _, ok := events[id]; ok && linksTo(g, id, anchorID) {
			anchorEvents = append(anchorEvents, id)
		}
	}
	sg.Edges = append(sg.Edges, kg.DeriveNext(models.ViewObject, anchorID, anchorEvents, g.Less)...)
	return sg
}

func admits(allowed []string, typ string) bool {
	for _, a := range allowed {
		if a == anyType || (typ != "" && strings.EqualFold(a, typ)) {
			return true
		}
	}
	return false
}

func linksTo(g *kg.Graph, eventID, objectID string) bool {
	for _, link := range g.LinkedObjects(eventID) {
		if link.ObjectID == objectID {
			return true
		}
	}
	return false
}

type hashedTimelineEntry struct {
	EventID  string `json:"event_id"`
	TS       string `json:"ts"`
	Activity string `json:"activity"`
}

type hashedBundle struct {
	CandidateID string                `json:"candidate_id"`
	EventIDs    []string              `json:"event_ids"`
	ObjectIDs   []string              `json:"object_ids"`
	Features    map[string]any        `json:"features"`
	Timeline    []hashedTimelineEntry `json:"timeline"`
}

// ContentHash fingerprints what a verifier sees of a bundle. It ignores the
// subgraph, which is derived from the same events and objects.
func ContentHash(bundle models.EvidenceBundle) string {
	h := hashedBundle{
		CandidateID: bundle.CandidateID,
		EventIDs:    sortedCopy(bundle.EventIDs),
		ObjectIDs:   sortedCopy(bundle.ObjectIDs),
		Features:    bundle.Features,
		Timeline:    make([]hashedTimelineEntry, 0, len(bundle.Timeline)),
	}
	for _, entry := range bundle.Timeline {
		h.Timeline = append(h.Timeline, hashedTimelineEntry{
			EventID:  entry.EventID,
			TS:       utils.FormatTimestamp(entry.TS),
			Activity: entry.Activity,
		})
	}
	data, err := json.Marshal(h)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", h))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	return out
}
