package engine

import (
	"fmt"

	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

type lengthyApproval struct {
	typ        models.CandidateType
	objectType string
	create     activitySet
	approve    activitySet
	delegate   activitySet
	fixed      float64
	percentile float64
}

func newLengthyApproval(typ models.CandidateType, cfg config.PipelineConfig) *lengthyApproval {
	acts := cfg.Activities
	d := &lengthyApproval{typ: typ, percentile: cfg.LengthyApproval.Percentile}
	if typ == models.TypeLengthyApprovalPR {
		d.objectType = cfg.ObjectTypes.PurchaseRequisition
		d.create = newActivitySet(acts.CreatePR)
		d.approve = newActivitySet(acts.ApprovePR, acts.DelegatePR)
		d.delegate = newActivitySet(acts.DelegatePR)
		d.fixed = cfg.LengthyApproval.PRThresholdHours
	} else {
		d.objectType = cfg.ObjectTypes.PurchaseOrder
		d.create = newActivitySet(acts.CreatePO)
		d.approve = newActivitySet(acts.ApprovePO)
		d.delegate = newActivitySet()
		d.fixed = cfg.LengthyApproval.POThresholdHours
	}
	return d
}

func (d *lengthyApproval) Type() models.CandidateType { return d.typ }

type leadObservation struct {
	object    models.Object
	create    models.Event
	approval  models.Event
	delegates []models.Event
	lead      float64
}

// Detect measures creation to first approval per object and flags lead times
// above the fixed threshold, or above the run's percentile when none is set.
func (d *lengthyApproval) Detect(g *kg.Graph) Result {
	var res Result
	observations := make([]leadObservation, 0)
	for _, obj := range g.ObjectsOfType(d.objectType) {
		events := g.LinkedEvents(obj.ID)
		creates := filterEvents(events, d.create)
		if len(creates) == 0 {
			continue
		}
		create := creates[0]
		if len(creates) > 1 {
			res.Issues = append(res.Issues, Issue{
				Type: d.typ, AnchorObjectID: obj.ID, Reason: "multiple_creation_events",
				Detail: fmt.Sprintf("%d creation events, using earliest %s", len(creates), create.ID),
			})
		}
		if first, ok := earliest(events, d.approve); ok && first.TS.Before(create.TS) {
			res.Issues = append(res.Issues, Issue{
				Type: d.typ, AnchorObjectID: obj.ID, Reason: "approval_before_creation",
				Detail: fmt.Sprintf("approval %s precedes creation %s", first.ID, create.ID),
			})
		}
		approval, ok := earliestFrom(events, d.approve, create.TS)
		if !ok {
			continue
		}
		obs := leadObservation{
			object:   obj,
			create:   create,
			approval: approval,
			lead:     utils.HoursBetween(create.TS, approval.TS),
		}
		for _, ev := range events {
			if ev.ID == approval.ID || !d.delegate.has(ev.Activity) {
				continue
			}
			if !ev.TS.Before(create.TS) && !ev.TS.After(approval.TS) {
				obs.delegates = append(obs.delegates, ev)
			}
		}
		observations = append(observations, obs)
	}
	if len(observations) == 0 {
		return res
	}

	leads := make([]float64, 0, len(observations))
	for _, obs := range observations {
		leads = append(leads, obs.lead)
	}
	dist := utils.NewDistribution(leads)
	threshold, source := d.fixed, "fixed"
	if threshold <= 0 {
		threshold, source = dist.Percentile(d.percentile), "percentile"
	}

	for _, obs := range observations {
		if obs.lead <= threshold {
			continue
		}
		evidence := []string{obs.create.ID}
		evidence = appendUnique(evidence, eventIDs(obs.delegates)...)
		evidence = appendUnique(evidence, obs.approval.ID)
		res.Candidates = append(res.Candidates, models.RawCandidate{
			Type:             d.typ,
			AnchorObjectID:   obs.object.ID,
			AnchorObjectType: obs.object.Type,
			EventIDs:         evidence,
			ObjectIDs:        []string{obs.object.ID},
			Features: map[string]any{
				"lead_time_hours":         round4(obs.lead),
				"threshold_hours":         round4(threshold),
				"threshold_source":        source,
				"percentile":              d.percentile,
				"percentile_rank":         round4(dist.Rank(obs.lead)),
				"sample_size":             dist.Len(),
				"create_event_id":         obs.create.ID,
				"create_ts":               utils.FormatTimestamp(obs.create.TS),
				"approval_event_id":       obs.approval.ID,
				"approval_ts":             utils.FormatTimestamp(obs.approval.TS),
				"approval_event_activity": obs.approval.Activity,
				"delegation_count":        len(obs.delegates),
			},
		})
	}
	return res
}
