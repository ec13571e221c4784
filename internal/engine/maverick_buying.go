package engine

import (
	"fmt"
	"sort"

	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Maverick reasons recorded in features.
const (
	ReasonNoPRFound          = "no_pr_found"
	ReasonMissingPRApproval  = "missing_pr_approval"
	ReasonPOBeforePRApproval = "po_before_pr_approval"
)

// Requisition selection rules recorded in features.
const (
	SelectionOnlyCandidate   = "only_candidate"
	SelectionEarliestApprove = "earliest_approved"
	SelectionSmallestID      = "smallest_object_id"
)

type maverickBuying struct {
	poType, prType, quotationType string
	createPO, createPR, approvePR  activitySet
	createRFQ                      activitySet
	tieBreak                       string
}

func newMaverickBuying(cfg config.PipelineConfig) *maverickBuying {
	acts := cfg.Activities
	return &maverickBuying{
		poType:        cfg.ObjectTypes.PurchaseOrder,
		prType:        cfg.ObjectTypes.PurchaseRequisition,
		quotationType: cfg.ObjectTypes.Quotation,
		createPO:      newActivitySet(acts.CreatePO),
		createPR:      newActivitySet(acts.CreatePR),
		approvePR:     newActivitySet(acts.ApprovePR, acts.DelegatePR),
		createRFQ:     newActivitySet(acts.CreateRFQ),
		tieBreak:      cfg.Maverick.TieBreak,
	}
}

func (d *maverickBuying) Type() models.CandidateType { return models.TypeMaverickBuying }

type requisition struct {
	id       string
	create   *models.Event
	approval *models.Event
	rfq      *models.Event
}

// Detect flags orders created before their requisition was approved, or with
// no approved requisition at all.
func (d *maverickBuying) Detect(g *kg.Graph) Result {
	var res Result
	for _, po := range g.ObjectsOfType(d.poType) {
		poCreate, ok := earliest(g.LinkedEvents(po.ID), d.createPO)
		if !ok {
			res.Issues = append(res.Issues, Issue{
				Type: models.TypeMaverickBuying, AnchorObjectID: po.ID,
				Reason: "missing_po_create", Detail: "order has no creation event and cannot be evaluated",
			})
			continue
		}

		linked := d.linkedRequisitions(g, po.ID)
		reqs := make([]requisition, 0, len(linked))
		for _, id := range linked {
			reqs = append(reqs, d.describe(g, id))
		}
		selected, rule := d.selectRequisition(reqs)
		if len(reqs) > 1 {
			res.Issues = append(res.Issues, Issue{
				Type: models.TypeMaverickBuying, AnchorObjectID: po.ID, Reason: "multiple_linked_requisitions",
				Detail: fmt.Sprintf("%d requisitions linked, selected %s by %s", len(reqs), selected.id, rule),
			})
		}

		hasPR := selected != nil
		features := map[string]any{
			"po_create_ts":       utils.FormatTimestamp(poCreate.TS),
			"po_create_event_id": poCreate.ID,
			"has_pr":             hasPR,
			"linked_pr_ids":      linked,
			"pr_create_ts":       nil,
			"pr_approve_ts":      nil,
			"rfq_ts":             nil,
			"approval_gap_hours": nil,
		}
		evidence := []string{poCreate.ID}
		objects := []string{po.ID}
		var missing []string
		reason := ""

		if !hasPR {
			reason = ReasonNoPRFound
			missing = append(missing, "purchase_requisition")
		} else {
			features["selected_pr_id"] = selected.id
			features["pr_selection_rule"] = rule
			features["pr_create_ts"] = tsFeature(selected.create)
			features["pr_approve_ts"] = tsFeature(selected.approval)
			features["rfq_ts"] = tsFeature(selected.rfq)
			objects = appendUnique(objects, selected.id)
			if selected.create != nil {
				evidence = appendUnique(evidence, selected.create.ID)
			} else {
				missing = append(missing, "pr_create")
			}
			if selected.rfq != nil {
				evidence = appendUnique(evidence, selected.rfq.ID)
			}
			if selected.approval == nil {
				reason = ReasonMissingPRApproval
				missing = append(missing, "pr_approval")
			} else {
				evidence = appendUnique(evidence, selected.approval.ID)
				gap := utils.HoursBetween(poCreate.TS, selected.approval.TS)
				features["approval_gap_hours"] = round4(gap)
				if poCreate.TS.Before(selected.approval.TS) {
					reason = ReasonPOBeforePRApproval
				}
			}
		}
		if reason == "" {
			continue
		}
		if missing == nil {
			missing = []string{}
		}
		features["maverick_reason"] = reason
		features["missing_events"] = missing

		res.Candidates = append(res.Candidates, models.RawCandidate{
			Type:             models.TypeMaverickBuying,
			AnchorObjectID:   po.ID,
			AnchorObjectType: po.Type,
			EventIDs:         evidence,
			ObjectIDs:        objects,
			Features:         features,
		})
	}
	return res
}

// linkedRequisitions collects requisitions tied to an order by direct O2O,
// through a quotation, or by sharing an event. Result is sorted by id.
func (d *maverickBuying) linkedRequisitions(g *kg.Graph, poID string) []string {
	set := make(map[string]struct{})
	for _, n := range g.Neighbors(poID) {
		switch {
		case g.IsType(n.ObjectID, d.prType):
			set[n.ObjectID] = struct{}{}
		case g.IsType(n.ObjectID, d.quotationType):
			for _, qn := range g.Neighbors(n.ObjectID) {
				if g.IsType(qn.ObjectID, d.prType) {
					set[qn.ObjectID] = struct{}{}
				}
			}
		}
	}
	for _, ev := range g.LinkedEvents(poID) {
		for _, objectID := range g.LinkedObjectIDs(ev.ID) {
			if g.IsType(objectID, d.prType) {
				set[objectID] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *maverickBuying) describe(g *kg.Graph, prID string) requisition {
	events := g.LinkedEvents(prID)
	r := requisition{id: prID}
	if ev, ok := earliest(events, d.createPR); ok {
		r.create = &ev
	}
	if ev, ok := earliest(events, d.approvePR); ok {
		r.approval = &ev
	}
	if ev, ok := earliest(events, d.createRFQ); ok {
		r.rfq = &ev
	}
	return r
}

// selectRequisition applies the configured tie-break. reqs is sorted by id.
func (d *maverickBuying) selectRequisition(reqs []requisition) (*requisition, string) {
	switch len(reqs) {
	case 0:
		return nil, ""
	case 1:
		return &reqs[0], SelectionOnlyCandidate
	}
	if d.tieBreak == config.TieBreakEarliestApproved {
		var best *requisition
		for i := range reqs {
			r := &reqs[i]
			if r.approval == nil {
				continue
			}
			if best == nil || r.approval.TS.Before(best.approval.TS) ||
				(r.approval.TS.Equal(best.approval.TS) && r.id < best.id) {
				best = r
			}
		}
		if best != nil {
			return best, SelectionEarliestApprove
		}
	}
	return &reqs[0], SelectionSmallestID
}
