package cmv

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/isoweek"
)

// Explanation is a drill-down together with the figure it reconciles to.
type Explanation struct {
	Field       string          `json:"field"`
	Label       string          `json:"label"`
	Items       []LineItem      `json:"items"`
	Total       decimal.Decimal `json:"total"`
	RecordValue decimal.Decimal `json:"record_value"`
	Reconciled  bool            `json:"reconciled"`
}

// Resolver expands an aggregate field into the records that produced it.
type Resolver struct {
	agg *Aggregator
}

// NewResolver builds a drill-down resolver sharing the aggregator's store
// and policy.
func NewResolver(agg *Aggregator) *Resolver {
	return &Resolver{agg: agg}
}

// Explain returns the signed line items behind field for the bar-week.
// Overrides feed composite fields that include reviewer inputs.
func (r *Resolver) Explain(ctx context.Context, barID int64, rng isoweek.Range, field string, ov Overrides) ([]LineItem, error) {
	d, ok := descriptorIndex[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}

	switch d.field {
	case "cmv_real_value":
		agg, err := r.agg.Aggregate(ctx, barID, rng)
		if err != nil {
			return nil, err
		}
		return compositeLines(agg, ov, rng.Start), nil
	case "cmv_sellable_revenue":
		base := descriptorIndex["sellable_revenue_default"]
		data, err := r.agg.load(ctx, barID, rng, base.source)
		if err != nil {
			return nil, err
		}
		items := base.lines(data, r.agg.policy)
		if ov.SellableRevenue != nil {
			items = append(items, LineItem{
				Source:      SourceAdjustment,
				Reference:   "sellable_revenue_override",
				Date:        rng.Start,
				Description: registryIndex["sellable_revenue_override"].Label,
				Amount:      ov.SellableRevenue.Sub(sumLines(items)),
			})
		}
		return nonNil(items), nil
	}

	data, err := r.agg.load(ctx, barID, rng, d.source)
	if err != nil {
		return nil, err
	}
	return nonNil(d.lines(data, r.agg.policy)), nil
}

func nonNil(items []LineItem) []LineItem {
	if items == nil {
		return []LineItem{}
	}
	return items
}
