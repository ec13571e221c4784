package kg

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// Neighbor is one O2O adjacency seen from a given object.
type Neighbor struct {
	ObjectID  string
	Qualifier string
	// Outgoing is true when the link was stored as self -> ObjectID.
	Outgoing bool
}

// Graph is a read-only knowledge graph over one log snapshot. It is safe for
// concurrent readers.
type Graph struct {
	events      []models.Event
	eventIndex  map[string]int
	objects     map[string]models.Object
	objectOrder []string
	e2o         []models.EventObjectLink
	o2o         []models.ObjectObjectLink

	eventLinks   map[string][]models.EventObjectLink
	objectEvents map[string][]string
	neighbors    map[string][]Neighbor

	version string

	nextMu    sync.Mutex
	nextCache map[models.NextView]*nextIndex
}

type nextIndex struct {
	version string
	edges   []models.Edge
	byKey   map[string][]models.Edge
}

func newGraph(events []models.Event, objects []models.Object, e2o []models.EventObjectLink, o2o []models.ObjectObjectLink, logger *slog.Logger) *Graph {
	g := &Graph{
		events:       events,
		eventIndex:   make(map[string]int, len(events)),
		objects:      make(map[string]models.Object, len(objects)),
		eventLinks:   make(map[string][]models.EventObjectLink),
		objectEvents: make(map[string][]string),
		neighbors:    make(map[string][]Neighbor),
		nextCache:    make(map[models.NextView]*nextIndex),
	}
	for i, ev := range events {
		g.eventIndex[ev.ID] = i
	}
	for _, obj := range objects {
		if _, dup := g.objects[obj.ID]; dup {
			continue
		}
		g.objects[obj.ID] = obj
		g.objectOrder = append(g.objectOrder, obj.ID)
	}

	type e2oKey struct{ event, object, qualifier string }
	seenE2O := make(map[e2oKey]struct{}, len(e2o))
	seenPair := make(map[[2]string]struct{}, len(e2o))
	dropped := 0
	for _, link := range e2o {
		if _, ok := g.eventIndex[link.EventID]; !ok || link.ObjectID == "" {
			dropped++
			continue
		}
		key := e2oKey{link.EventID, link.ObjectID, link.Qualifier}
		if _, dup := seenE2O[key]; dup {
			continue
		}
		seenE2O[key] = struct{}{}
		g.e2o = append(g.e2o, link)
		g.eventLinks[link.EventID] = append(g.eventLinks[link.EventID], link)
		pair := [2]string{link.EventID, link.ObjectID}
		if _, dup := seenPair[pair]; !dup {
			seenPair[pair] = struct{}{}
			g.objectEvents[link.ObjectID] = append(g.objectEvents[link.ObjectID], link.EventID)
		}
	}
	if dropped > 0 && logger != nil {
		logger.Warn("dropped e2o links to unknown events", slog.Int("count", dropped))
	}

	type o2oKey struct{ source, target, qualifier string }
	seenO2O := make(map[o2oKey]struct{}, len(o2o))
	for _, link := range o2o {
		if link.SourceID == "" || link.TargetID == "" {
			continue
		}
		key := o2oKey{link.SourceID, link.TargetID, link.Qualifier}
		if _, dup := seenO2O[key]; dup {
			continue
		}
		seenO2O[key] = struct{}{}
		g.o2o = append(g.o2o, link)
		g.neighbors[link.SourceID] = append(g.neighbors[link.SourceID], Neighbor{ObjectID: link.TargetID, Qualifier: link.Qualifier, Outgoing: true})
		g.neighbors[link.TargetID] = append(g.neighbors[link.TargetID], Neighbor{ObjectID: link.SourceID, Qualifier: link.Qualifier})
	}

	for obj, ids := range g.objectEvents {
		g.objectEvents[obj] = g.sortEventIDs(ids)
	}
	g.version = edgeSetVersion(g.e2o, g.o2o)
	return g
}

// edgeSetVersion hashes the E2O and O2O sets independent of input order.
func edgeSetVersion(e2o []models.EventObjectLink, o2o []models.ObjectObjectLink) string {
	lines := make([]string, 0, len(e2o)+len(o2o))
	for _, l := range e2o {
		lines = append(lines, "E2O\x1f"+l.EventID+"\x1f"+l.ObjectID+"\x1f"+l.Qualifier)
	}
	for _, l := range o2o {
		lines = append(lines, "O2O\x1f"+l.SourceID+"\x1f"+l.TargetID+"\x1f"+l.Qualifier)
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Version identifies the current E2O/O2O edge set.
func (g *Graph) Version() string { return g.version }

// Events returns every event in input order. Callers must not modify the slice.
func (g *Graph) Events() []models.Event { return g.events }

// Event looks up an event by id.
func (g *Graph) Event(id string) (models.Event, bool) {
	idx, ok := g.eventIndex[id]
	if !ok {
		return models.Event{}, false
	}
	return g.events[idx], true
}

// Object looks up an object by id.
func (g *Graph) Object(id string) (models.Object, bool) {
	obj, ok := g.objects[id]
	return obj, ok
}

// ObjectType returns the type of id, or "" when the object is unknown.
func (g *Graph) ObjectType(id string) string {
	return g.objects[id].Type
}

// ObjectCount returns the number of distinct objects.
func (g *Graph) ObjectCount() int { return len(g.objects) }

// ObjectsOfType returns objects whose type matches typ case-insensitively, sorted by id.
func (g *Graph) ObjectsOfType(types ...string) []models.Object {
	out := make([]models.Object, 0)
	for _, id := range g.objectOrder {
		obj := g.objects[id]
		for _, typ := range types {
			if strings.EqualFold(obj.Type, typ) {
				out = append(out, obj)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsType reports whether object id has one of the given types.
func (g *Graph) IsType(id string, types ...string) bool {
	typ := g.objects[id].Type
	for _, t := range types {
		if strings.EqualFold(typ, t) {
			return true
		}
	}
	return false
}

// LinkedObjects returns the E2O links of an event in input order.
func (g *Graph) LinkedObjects(eventID string) []models.EventObjectLink {
	return g.eventLinks[eventID]
}

// LinkedObjectIDs returns the distinct objects linked to an event in input order.
func (g *Graph) LinkedObjectIDs(eventID string) []string {
	links := g.eventLinks[eventID]
	out := make([]string, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for _, l := range links {
		if _, dup := seen[l.ObjectID]; dup {
			continue
		}
		seen[l.ObjectID] = struct{}{}
		out = append(out, l.ObjectID)
	}
	return out
}

// LinkedEvents returns the distinct events linked to an object, sorted by (ts, event_id).
func (g *Graph) LinkedEvents(objectID string) []models.Event {
	ids := g.objectEvents[objectID]
	out := make([]models.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.events[g.eventIndex[id]])
	}
	return out
}

// Neighbors returns the O2O adjacencies of an object in input order.
func (g *Graph) Neighbors(objectID string) []Neighbor {
	return g.neighbors[objectID]
}

// E2O returns the de-duplicated E2O edge set.
func (g *Graph) E2O() []models.EventObjectLink { return g.e2o }

// O2O returns the de-duplicated O2O edge set.
func (g *Graph) O2O() []models.ObjectObjectLink { return g.o2o }

// Next returns the derived NEXT edges for view. The projection is memoized
// per view and recomputed when the edge set version changes.
func (g *Graph) Next(view models.NextView) []models.Edge {
	return g.nextIndex(view).edges
}

// NextFor returns the NEXT edges of one group (an object id or object type).
func (g *Graph) NextFor(view models.NextView, key string) []models.Edge {
	return g.nextIndex(view).byKey[key]
}

func (g *Graph) nextIndex(view models.NextView) *nextIndex {
	g.nextMu.Lock()
	defer g.nextMu.Unlock()
	if idx, ok := g.nextCache[view]; ok && idx.version == g.version {
		return idx
	}
	idx := &nextIndex{version: g.version, byKey: make(map[string][]models.Edge)}
	groups := g.groups(view)
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		edges := DeriveNext(view, key, groups[key], g.lessEvent)
		if len(edges) == 0 {
			continue
		}
		idx.byKey[key] = edges
		idx.edges = append(idx.edges, edges...)
	}
	g.nextCache[view] = idx
	return idx
}

func (g *Graph) groups(view models.NextView) map[string][]string {
	if view != models.ViewObjectType {
		return g.objectEvents
	}
	byType := make(map[string][]string)
	seen := make(map[[2]string]struct{})
	for _, objectID := range sortedKeys(g.objectEvents) {
		typ := g.objects[objectID].Type
		if typ == "" {
			continue
		}
		for _, eventID := range g.objectEvents[objectID] {
			pair := [2]string{typ, eventID}
			if _, dup := seen[pair]; dup {
				continue
			}
			seen[pair] = struct{}{}
			byType[typ] = append(byType[typ], eventID)
		}
	}
	return byType
}

// DeriveNext sorts a group's events with less and links each consecutive pair.
// Groups with fewer than two distinct events yield nothing.
func DeriveNext(view models.NextView, key string, eventIDs []string, less func(a, b string) bool) []models.Edge {
	ids := uniqueStrings(eventIDs)
	if len(ids) < 2 {
		return nil
	}
	sort.SliceStable(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
	edges := make([]models.Edge, 0, len(ids)-1)
	for i := 1; i < len(ids); i++ {
		edges = append(edges, models.Edge{
			Kind:    models.EdgeNext,
			Source:  ids[i-1],
			Target:  ids[i],
			View:    view,
			ViewKey: key,
		})
	}
	return edges
}

// Less orders two known events by timestamp, then event id.
func (g *Graph) Less(a, b string) bool {
	return g.lessEvent(a, b)
}

func (g *Graph) lessEvent(a, b string) bool {
	ea, eb := g.events[g.eventIndex[a]], g.events[g.eventIndex[b]]
	if !ea.TS.Equal(eb.TS) {
		return ea.TS.Before(eb.TS)
	}
	return ea.ID < eb.ID
}

func (g *Graph) sortEventIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool { return g.lessEvent(out[i], out[j]) })
	return out
}

// SortEvents orders events by (ts, event_id) in place.
func SortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].TS.Equal(events[j].TS) {
			return events[i].TS.Before(events[j].TS)
		}
		return events[i].ID < events[j].ID
	})
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueStrings(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
