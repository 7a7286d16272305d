package perf

import (
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/cmv"
)

func TestComputeLatencyTargets(t *testing.T) {
	scenarios := []struct {
		name      string
		bars      int
		weeks     int
		threshold time.Duration
	}{
		{name: "single_year", bars: 1, weeks: 52, threshold: 50 * time.Millisecond},
		{name: "fleet_year", bars: 40, weeks: 52, threshold: 500 * time.Millisecond},
	}

	tolerance := decimal.NewFromInt(5)
	for _, scenario := range scenarios {
		samples := make([]time.Duration, 0, 10)
		for run := 0; run < 10; run++ {
			start := time.Now()
			for bar := 0; bar < scenario.bars; bar++ {
				for week := 1; week <= scenario.weeks; week++ {
					agg := syntheticWeek(week)
					if err := agg.Validate(); err != nil {
						t.Fatalf("%s: synthetic week %d invalid: %v", scenario.name, week, err)
					}
					derived := cmv.Compute(agg, cmv.Overrides{TheoreticalPct: decimal.NewFromInt(30)})
					_ = cmv.ClassifyGap(derived.GapPct, tolerance)
				}
			}
			samples = append(samples, time.Since(start))
		}
		p95 := percentile95(samples)
		if p95 > scenario.threshold {
			t.Fatalf("%s compute regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}
}

func syntheticWeek(week int) cmv.Aggregates {
	w := int64(week)
	kitchen := decimal.NewFromInt(400 + w)
	beverages := decimal.NewFromInt(250)
	drinks := decimal.NewFromInt(150)
	closingKitchen := decimal.NewFromInt(300)
	closingBeverages := decimal.NewFromInt(200 + w)
	closingDrinks := decimal.NewFromInt(100)
	return cmv.Aggregates{
		GrossSales:            decimal.NewFromInt(5200),
		NetSales:              decimal.NewFromInt(5000),
		SellableRevenue:       decimal.NewFromInt(4800),
		OpeningStock:          decimal.NewFromInt(1000),
		Purchases:             decimal.Sum(kitchen, beverages, drinks),
		PurchasesKitchen:      kitchen,
		PurchasesBeverages:    beverages,
		PurchasesDrinks:       drinks,
		ClosingStock:          decimal.Sum(closingKitchen, closingBeverages, closingDrinks),
		ClosingStockKitchen:   closingKitchen,
		ClosingStockBeverages: closingBeverages,
		ClosingStockDrinks:    closingDrinks,
		ConsumptionPartners:   decimal.NewFromInt(20),
		ConsumptionAdmin:      decimal.NewFromInt(10),
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*0.95+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
