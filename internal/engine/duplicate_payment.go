package engine

import (
	"sort"

	"github.com/miradorstack/mirador-audit/internal/config"
	"github.com/miradorstack/mirador-audit/internal/kg"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

var amountKeys = []string{"amount", "payment_amount"}

type duplicatePayment struct {
	invoiceTypes []string
	payments     activitySet
}

func newDuplicatePayment(cfg config.PipelineConfig) *duplicatePayment {
	return &duplicatePayment{
		invoiceTypes: cfg.ObjectTypes.Invoice,
		payments:     newActivitySet(cfg.Activities.Payment),
	}
}

func (d *duplicatePayment) Type() models.CandidateType { return models.TypeDuplicatePayment }

// Detect flags invoices paid by two or more distinct payment events.
func (d *duplicatePayment) Detect(g *kg.Graph) Result {
	var res Result
	for _, invoice := range g.ObjectsOfType(d.invoiceTypes...) {
		payments := filterEvents(g.LinkedEvents(invoice.ID), d.payments)
		if len(payments) < 2 {
			continue
		}

		tsList := make([]string, 0, len(payments))
		resources := make(map[string]struct{})
		var amounts []float64
		currencies := make(map[string]struct{})
		total := 0.0
		for _, p := range payments {
			tsList = append(tsList, utils.FormatTimestamp(p.TS))
			if p.Resource != "" {
				resources[p.Resource] = struct{}{}
			}
			for _, key := range amountKeys {
				if v, ok := numeric(p.Raw[key]); ok {
					amounts = append(amounts, v)
					total += v
					break
				}
			}
			if c, ok := p.Raw["currency"].(string); ok && c != "" {
				currencies[c] = struct{}{}
			}
		}

		features := map[string]any{
			"payment_count":           len(payments),
			"payment_ts_list":         tsList,
			"payment_event_ids":       eventIDs(payments),
			"distinct_resource_count": len(resources),
			"payment_span_hours":      round4(utils.HoursBetween(payments[0].TS, payments[len(payments)-1].TS)),
		}
		if len(amounts) > 0 {
			features["amounts"] = amounts
			features["total_amount"] = round4(total)
		}
		if len(currencies) > 0 {
			list := make([]string, 0, len(currencies))
			for c := range currencies {
				list = append(list, c)
			}
			sort.Strings(list)
			features["currencies"] = list
		}

		res.Candidates = append(res.Candidates, models.RawCandidate{
			Type:             models.TypeDuplicatePayment,
			AnchorObjectID:   invoice.ID,
			AnchorObjectType: invoice.Type,
			EventIDs:         eventIDs(payments),
			ObjectIDs:        []string{invoice.ID},
			Features:         features,
		})
	}
	return res
}
