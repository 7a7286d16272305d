package cmv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barops/cmv/internal/txstore"
)

func TestAggregateRichWeek(t *testing.T) {
	agg, err := NewAggregator(newFakeStore(richSnapshot()), DefaultPolicy()).Aggregate(context.Background(), 1, week(2025, 3))
	require.NoError(t, err)
	require.NoError(t, agg.Validate())

	expect := map[string]string{
		"gross_sales":               "2180.6",
		"net_sales":                 "2130.6",
		"sellable_revenue_default":  "1930.6",
		"opening_stock_value":       "262.9984",
		"purchases_total":           "1100.505",
		"purchases_custo_comida":    "260.405",
		"purchases_custo_bebidas":   "600",
		"purchases_custo_drinks":    "150.1",
		"purchases_custo_outros":    "90",
		"closing_stock_value":       "272.1841",
		"closing_stock_kitchen":     "22",
		"closing_stock_beverages":   "129.999",
		"closing_stock_drinks":      "120.1851",
		"consumption_partners":      "35",
		"consumption_staff_benefit": "29.7",
		"consumption_admin":         "4.6655",
		"consumption_hr":            "7",
		"consumption_artist":        "15.925",
		"tab_partners":              "100",
		"tab_customer_benefit":      "60",
		"tab_early_arrival":         "30",
		"tab_band_dj":               "45.5",
		"tab_hr":                    "20",
		"tab_admin_house":           "13.33",
	}
	for _, d := range descriptors {
		if d.target == nil {
			continue
		}
		want, ok := expect[d.field]
		require.True(t, ok, "missing expectation for %s", d.field)
		require.Equal(t, want, d.target(&agg).String(), d.field)
	}

	derived := Compute(agg, Overrides{})
	require.Equal(t, "999.0288", derived.RealValue.String())
}

func TestAggregateEmptyWeekIsZero(t *testing.T) {
	agg, err := NewAggregator(newFakeStore(), DefaultPolicy()).Aggregate(context.Background(), 9, week(2025, 3))
	require.NoError(t, err)
	require.True(t, agg.Consumption().IsZero())
	for _, d := range descriptors {
		if d.target != nil {
			require.True(t, d.target(&agg).IsZero(), d.field)
		}
	}
}

func TestAggregateWithoutCountCarriesOpeningForward(t *testing.T) {
	snap := scenarioSnapshot()
	snap.StockCounts = snap.StockCounts[:1]
	agg, err := NewAggregator(newFakeStore(snap), DefaultPolicy()).Aggregate(context.Background(), 2, week(2025, 3))
	require.NoError(t, err)
	require.Equal(t, "1000", agg.OpeningStock.String())
	require.Equal(t, "1000", agg.ClosingStock.String())
}

func TestAggregateOpeningEqualsPreviousClosing(t *testing.T) {
	store := newFakeStore(richSnapshot())
	a := NewAggregator(store, DefaultPolicy())
	prev, err := a.Aggregate(context.Background(), 1, week(2025, 2))
	require.NoError(t, err)
	cur, err := a.Aggregate(context.Background(), 1, week(2025, 3))
	require.NoError(t, err)
	require.Equal(t, prev.ClosingStock.String(), cur.OpeningStock.String())
}

func TestAggregateSurfacesUpstreamFailure(t *testing.T) {
	store := newFakeStore(richSnapshot())
	store.flaky = 1
	_, err := NewAggregator(store, DefaultPolicy()).Aggregate(context.Background(), 1, week(2025, 3))
	require.ErrorIs(t, err, txstore.ErrUpstreamQuery)
}

func TestPolicyExcludesConfiguredComponents(t *testing.T) {
	policy := DefaultPolicy()
	policy.NonCostBearing = []string{txstore.ComponentCover, txstore.ComponentService}
	agg, err := NewAggregator(newFakeStore(richSnapshot()), policy).Aggregate(context.Background(), 1, week(2025, 3))
	require.NoError(t, err)
	// 2130.6 net - 200 cover - 180.05 service
	require.Equal(t, "1750.55", agg.SellableRevenue.String())
}
