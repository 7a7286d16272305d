package cmv

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/txstore"
)

// Aggregator sums Transaction Store records into period totals. It holds no
// mutable state and is safe for concurrent use.
type Aggregator struct {
	store  txstore.Store
	policy Policy
}

// NewAggregator constructs an aggregator over store.
func NewAggregator(store txstore.Store, policy Policy) *Aggregator {
	return &Aggregator{store: store, policy: policy}
}

// Aggregate computes every total of the bar-week. Each field is the sum of
// the same line items Explain returns for it.
func (a *Aggregator) Aggregate(ctx context.Context, barID int64, rng isoweek.Range) (Aggregates, error) {
	data, err := a.load(ctx, barID, rng, sourceSales, sourcePurchases, sourceOpeningStock, sourceConsumption)
	if err != nil {
		return Aggregates{}, err
	}
	var agg Aggregates
	for _, d := range descriptors {
		if d.lines == nil {
			continue
		}
		*d.target(&agg) = sumLines(d.lines(data, a.policy))
	}
	return agg, nil
}

// load runs the queries backing the given sources concurrently. Opening and
// closing stock share one query.
func (a *Aggregator) load(ctx context.Context, barID int64, rng isoweek.Range, sources ...source) (sourceData, error) {
	want := make(map[source]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}

	var (
		data   sourceData
		counts []txstore.StockCount
	)
	g, gctx := errgroup.WithContext(ctx)
	if want[sourceSales] {
		g.Go(func() error {
			rows, err := a.store.QuerySales(gctx, barID, rng.Start, rng.End)
			data.sales = rows
			return err
		})
	}
	if want[sourcePurchases] {
		g.Go(func() error {
			rows, err := a.store.QueryPurchases(gctx, barID, rng.Start, rng.End)
			data.purchases = rows
			return err
		})
	}
	if want[sourceOpeningStock] || want[sourceClosingStock] {
		g.Go(func() error {
			from := rng.Start.AddDate(0, 0, -a.policy.lookbackDays())
			rows, err := a.store.QueryStockCounts(gctx, barID, from, rng.End)
			counts = rows
			return err
		})
	}
	if want[sourceConsumption] {
		g.Go(func() error {
			rows, err := a.store.QueryInternalConsumption(gctx, barID, rng.Start, rng.End)
			data.consumption = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return sourceData{}, err
	}
	data.opening = latestCount(counts, func(d time.Time) bool { return d.Before(rng.Start) })
	data.closing = latestCount(counts, func(d time.Time) bool { return !d.After(rng.End) })
	return data, nil
}

// latestCount returns every row of the most recent stock-take whose date
// satisfies eligible.
func latestCount(counts []txstore.StockCount, eligible func(time.Time) bool) []txstore.StockCount {
	var latest time.Time
	found := false
	for _, c := range counts {
		d := isoweek.Date(c.CountDate)
		if !eligible(d) {
			continue
		}
		if !found || d.After(latest) {
			latest, found = d, true
		}
	}
	if !found {
		return nil
	}
	var out []txstore.StockCount
	for _, c := range counts {
		if isoweek.Date(c.CountDate).Equal(latest) {
			out = append(out, c)
		}
	}
	return out
}
