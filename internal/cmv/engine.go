package cmv

import "github.com/shopspring/decimal"

const (
	// MoneyPlaces is the currency precision of stored amounts.
	MoneyPlaces = 4
	// RatioPlaces is the precision of percentages and turnover.
	RatioPlaces = 4
)

// Aggregates are the transaction totals of one bar-week. Missing categories
// are zero, never absent.
type Aggregates struct {
	GrossSales      decimal.Decimal
	NetSales        decimal.Decimal
	SellableRevenue decimal.Decimal

	OpeningStock       decimal.Decimal
	Purchases          decimal.Decimal
	PurchasesKitchen   decimal.Decimal
	PurchasesBeverages decimal.Decimal
	PurchasesDrinks    decimal.Decimal
	PurchasesOther     decimal.Decimal

	ClosingStock          decimal.Decimal
	ClosingStockKitchen   decimal.Decimal
	ClosingStockBeverages decimal.Decimal
	ClosingStockDrinks    decimal.Decimal

	ConsumptionPartners     decimal.Decimal
	ConsumptionStaffBenefit decimal.Decimal
	ConsumptionAdmin        decimal.Decimal
	ConsumptionHR           decimal.Decimal
	ConsumptionArtist       decimal.Decimal

	TabPartners        decimal.Decimal
	TabCustomerBenefit decimal.Decimal
	TabBandDJ          decimal.Decimal
	TabEarlyArrival    decimal.Decimal
	TabAdminHouse      decimal.Decimal
	TabHR              decimal.Decimal
}

// Consumption is the sum of internal consumption categories.
func (a Aggregates) Consumption() decimal.Decimal {
	return decimal.Sum(a.ConsumptionPartners, a.ConsumptionStaffBenefit, a.ConsumptionAdmin, a.ConsumptionHR, a.ConsumptionArtist)
}

// Validate enforces the decomposition and sign rules of the totals.
func (a Aggregates) Validate() error {
	purchases := decimal.Sum(a.PurchasesKitchen, a.PurchasesBeverages, a.PurchasesDrinks, a.PurchasesOther)
	if !purchases.Equal(a.Purchases) {
		return invalid("purchases_total", "cost centers sum to "+purchases.StringFixed(MoneyPlaces)+", total is "+a.Purchases.StringFixed(MoneyPlaces))
	}
	closing := decimal.Sum(a.ClosingStockKitchen, a.ClosingStockBeverages, a.ClosingStockDrinks)
	if !closing.Equal(a.ClosingStock) {
		return invalid("closing_stock_value", "locations sum to "+closing.StringFixed(MoneyPlaces)+", total is "+a.ClosingStock.StringFixed(MoneyPlaces))
	}
	nonNegative := []struct {
		field string
		value decimal.Decimal
	}{
		{"gross_sales", a.GrossSales},
		{"net_sales", a.NetSales},
		{"opening_stock_value", a.OpeningStock},
		{"purchases_total", a.Purchases},
		{"closing_stock_value", a.ClosingStock},
	}
	for _, check := range nonNegative {
		if check.value.IsNegative() {
			return invalid(check.field, "must not be negative")
		}
	}
	if a.NetSales.GreaterThan(a.GrossSales) {
		return invalid("net_sales", "exceeds gross_sales")
	}
	return nil
}

// Overrides are the reviewer inputs of the calculator.
type Overrides struct {
	TheoreticalPct  decimal.Decimal
	FreeForm        decimal.Decimal
	Bonus           decimal.Decimal
	SellableRevenue *decimal.Decimal
}

// Derived is the calculator output.
type Derived struct {
	SellableRevenue decimal.Decimal
	RealValue       decimal.Decimal
	CleanPct        decimal.Decimal
	TheoreticalPct  decimal.Decimal
	GapPct          decimal.Decimal
	StockTurnover   decimal.Decimal
}

var two = decimal.NewFromInt(2)

// Compute derives the CMV metrics. It is pure: equal inputs always give
// equal outputs, and zero denominators yield zero instead of an error.
func Compute(agg Aggregates, ov Overrides) Derived {
	sellable := agg.SellableRevenue
	if ov.SellableRevenue != nil {
		sellable = *ov.SellableRevenue
	}
	cmvReal := agg.OpeningStock.
		Add(agg.Purchases).
		Sub(agg.ClosingStock).
		Sub(agg.Consumption()).
		Sub(ov.Bonus).
		Add(ov.FreeForm)

	clean := decimal.Zero
	if !sellable.IsZero() {
		clean = cmvReal.Mul(hundred).DivRound(sellable, RatioPlaces)
	}
	// real / ((opening + closing) / 2), without rounding the average.
	turnover := decimal.Zero
	if stock := agg.OpeningStock.Add(agg.ClosingStock); !stock.IsZero() {
		turnover = cmvReal.Mul(two).DivRound(stock, RatioPlaces)
	}
	return Derived{
		SellableRevenue: sellable,
		RealValue:       cmvReal,
		CleanPct:        clean,
		TheoreticalPct:  ov.TheoreticalPct,
		GapPct:          clean.Sub(ov.TheoreticalPct),
		StockTurnover:   turnover,
	}
}

// GapClass colours a gap for display. It is never persisted.
type GapClass string

const (
	// GapFavorable is a negative gap: cheaper than theory, worth inspecting.
	GapFavorable GapClass = "favorable_inspect"
	// GapWithinTolerance is a gap between zero and the tolerance, inclusive.
	GapWithinTolerance GapClass = "within_tolerance"
	// GapOutOfTolerance is a gap above the tolerance.
	GapOutOfTolerance GapClass = "out_of_tolerance"
)

// DefaultTolerance is the gap, in percentage points, still considered normal.
var DefaultTolerance = decimal.NewFromInt(5)

// ClassifyGap buckets gap against tolerance.
func ClassifyGap(gap, tolerance decimal.Decimal) GapClass {
	switch {
	case gap.IsNegative():
		return GapFavorable
	case gap.GreaterThan(tolerance):
		return GapOutOfTolerance
	default:
		return GapWithinTolerance
	}
}
