package cmv

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/txstore"
)

// LineItem is one record behind an aggregate figure. Amounts are signed so
// that the items of a field always add up to its value.
type LineItem struct {
	Source      string          `json:"source"`
	Reference   string          `json:"reference"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`

	Supplier       string `json:"supplier,omitempty"`
	DocumentNumber string `json:"document_number,omitempty"`
	PaymentStatus  string `json:"payment_status,omitempty"`

	ItemCode string           `json:"item_code,omitempty"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
	Unit     string           `json:"unit,omitempty"`
	UnitCost *decimal.Decimal `json:"unit_cost,omitempty"`
	Location string           `json:"location,omitempty"`

	Motive     string           `json:"motive,omitempty"`
	SaleValue  *decimal.Decimal `json:"sale_value,omitempty"`
	CostFactor *decimal.Decimal `json:"cost_factor,omitempty"`
}

// Line item sources.
const (
	SourceSale        = "sale"
	SourcePurchase    = "purchase"
	SourceStock       = "stock_count"
	SourceConsumption = "consumption"
	SourceComponent   = "component"
	SourceAdjustment  = "adjustment"
)

// source identifies which Transaction Store query feeds a field.
type source int

const (
	sourceSales source = iota + 1
	sourcePurchases
	sourceOpeningStock
	sourceClosingStock
	sourceConsumption
	sourceComposite
)

// sourceData holds the records of one bar-week, already split into the
// opening and closing stock-takes.
type sourceData struct {
	sales       []txstore.Sale
	purchases   []txstore.Purchase
	opening     []txstore.StockCount
	closing     []txstore.StockCount
	consumption []txstore.Consumption
}

// descriptor maps a field to the query and per-record amount that produce it.
type descriptor struct {
	field  string
	source source
	lines  func(sourceData, Policy) []LineItem
	target func(*Aggregates) *decimal.Decimal
}

func sumLines(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount)
	}
	return total
}

func saleLines(amount func(txstore.Sale, Policy) decimal.Decimal) func(sourceData, Policy) []LineItem {
	return func(in sourceData, p Policy) []LineItem {
		out := make([]LineItem, 0, len(in.sales))
		for _, s := range in.sales {
			out = append(out, LineItem{
				Source:      SourceSale,
				Reference:   s.ID,
				Date:        s.Date,
				Description: s.Description,
				Amount:      amount(s, p),
			})
		}
		return out
	}
}

// purchaseLines selects purchases of the given cost centers; none means all.
func purchaseLines(centers ...txstore.CostCenter) func(sourceData, Policy) []LineItem {
	return func(in sourceData, _ Policy) []LineItem {
		var out []LineItem
		for _, pur := range in.purchases {
			cc := txstore.ClassifyPurchase(pur)
			if len(centers) > 0 && !containsCenter(centers, cc) {
				continue
			}
			out = append(out, LineItem{
				Source:         SourcePurchase,
				Reference:      pur.ID,
				Date:           pur.Date,
				Description:    pur.Description,
				Category:       string(cc),
				Amount:         pur.Amount,
				Supplier:       pur.Supplier,
				DocumentNumber: pur.DocumentNumber,
				PaymentStatus:  pur.PaymentStatus,
			})
		}
		return out
	}
}

func containsCenter(centers []txstore.CostCenter, cc txstore.CostCenter) bool {
	for _, c := range centers {
		if c == cc {
			return true
		}
	}
	return false
}

// stockLines values one stock-take, optionally restricted to locations.
func stockLines(pick func(sourceData) []txstore.StockCount, locations ...txstore.Location) func(sourceData, Policy) []LineItem {
	return func(in sourceData, _ Policy) []LineItem {
		var out []LineItem
		for _, c := range pick(in) {
			if !txstore.StockValued(c) {
				continue
			}
			loc := txstore.ClassifyLocation(c)
			if len(locations) > 0 && !containsLocation(locations, loc) {
				continue
			}
			qty, cost := c.Quantity, c.UnitCost
			out = append(out, LineItem{
				Source:      SourceStock,
				Reference:   c.ID,
				Date:        c.CountDate,
				Description: c.Description,
				Category:    c.Category,
				Amount:      c.Value(),
				ItemCode:    c.ItemCode,
				Quantity:    &qty,
				Unit:        c.Unit,
				UnitCost:    &cost,
				Location:    string(loc),
			})
		}
		return out
	}
}

func containsLocation(locations []txstore.Location, loc txstore.Location) bool {
	for _, l := range locations {
		if l == loc {
			return true
		}
	}
	return false
}

func openingCounts(in sourceData) []txstore.StockCount { return in.opening }
func closingCounts(in sourceData) []txstore.StockCount { return in.closing }

// tabLines lists internal tab entries at sale value.
func tabLines(tabs ...txstore.Tab) func(sourceData, Policy) []LineItem {
	return func(in sourceData, _ Policy) []LineItem {
		var out []LineItem
		for _, c := range in.consumption {
			tab := txstore.ClassifyTab(c)
			if !containsTab(tabs, tab) {
				continue
			}
			out = append(out, consumptionItem(c, tab, c.Amount))
		}
		return out
	}
}

// costLines converts tab entries into stock cost, rounding each entry so the
// drill-down adds up to the stored total.
func costLines(tabs ...txstore.Tab) func(sourceData, Policy) []LineItem {
	return func(in sourceData, p Policy) []LineItem {
		var out []LineItem
		for _, c := range in.consumption {
			tab := txstore.ClassifyTab(c)
			if !containsTab(tabs, tab) {
				continue
			}
			factor := p.factor(tab)
			saleValue := c.Amount
			item := consumptionItem(c, tab, c.Amount.Mul(factor).Round(MoneyPlaces))
			item.SaleValue = &saleValue
			item.CostFactor = &factor
			out = append(out, item)
		}
		return out
	}
}

func consumptionItem(c txstore.Consumption, tab txstore.Tab, amount decimal.Decimal) LineItem {
	return LineItem{
		Source:      SourceConsumption,
		Reference:   c.ID,
		Date:        c.Date,
		Description: c.Description,
		Category:    string(tab),
		Motive:      c.Motive,
		Amount:      amount,
	}
}

func containsTab(tabs []txstore.Tab, tab txstore.Tab) bool {
	for _, t := range tabs {
		if t == tab {
			return true
		}
	}
	return false
}

var descriptors = []descriptor{
	{"gross_sales", sourceSales, saleLines(func(s txstore.Sale, _ Policy) decimal.Decimal { return s.Gross() }),
		func(a *Aggregates) *decimal.Decimal { return &a.GrossSales }},
	{"net_sales", sourceSales, saleLines(func(s txstore.Sale, _ Policy) decimal.Decimal { return s.Net() }),
		func(a *Aggregates) *decimal.Decimal { return &a.NetSales }},
	{"sellable_revenue_default", sourceSales, saleLines(func(s txstore.Sale, p Policy) decimal.Decimal { return p.sellable(s) }),
		func(a *Aggregates) *decimal.Decimal { return &a.SellableRevenue }},

	{"purchases_total", sourcePurchases, purchaseLines(), func(a *Aggregates) *decimal.Decimal { return &a.Purchases }},
	{"purchases_custo_comida", sourcePurchases, purchaseLines(txstore.CostCenterKitchen), func(a *Aggregates) *decimal.Decimal { return &a.PurchasesKitchen }},
	{"purchases_custo_bebidas", sourcePurchases, purchaseLines(txstore.CostCenterBeverages), func(a *Aggregates) *decimal.Decimal { return &a.PurchasesBeverages }},
	{"purchases_custo_drinks", sourcePurchases, purchaseLines(txstore.CostCenterDrinks), func(a *Aggregates) *decimal.Decimal { return &a.PurchasesDrinks }},
	{"purchases_custo_outros", sourcePurchases, purchaseLines(txstore.CostCenterOther), func(a *Aggregates) *decimal.Decimal { return &a.PurchasesOther }},

	{"opening_stock_value", sourceOpeningStock, stockLines(openingCounts), func(a *Aggregates) *decimal.Decimal { return &a.OpeningStock }},
	{"closing_stock_value", sourceClosingStock, stockLines(closingCounts), func(a *Aggregates) *decimal.Decimal { return &a.ClosingStock }},
	{"closing_stock_kitchen", sourceClosingStock, stockLines(closingCounts, txstore.LocationKitchen), func(a *Aggregates) *decimal.Decimal { return &a.ClosingStockKitchen }},
	{"closing_stock_beverages", sourceClosingStock, stockLines(closingCounts, txstore.LocationBeverages), func(a *Aggregates) *decimal.Decimal { return &a.ClosingStockBeverages }},
	{"closing_stock_drinks", sourceClosingStock, stockLines(closingCounts, txstore.LocationDrinks), func(a *Aggregates) *decimal.Decimal { return &a.ClosingStockDrinks }},

	{"consumption_partners", sourceConsumption, costLines(txstore.TabPartners), func(a *Aggregates) *decimal.Decimal { return &a.ConsumptionPartners }},
	{"consumption_staff_benefit", sourceConsumption, costLines(txstore.TabCustomerBenefit, txstore.TabEarlyArrival), func(a *Aggregates) *decimal.Decimal { return &a.ConsumptionStaffBenefit }},
	{"consumption_admin", sourceConsumption, costLines(txstore.TabAdminHouse), func(a *Aggregates) *decimal.Decimal { return &a.ConsumptionAdmin }},
	{"consumption_hr", sourceConsumption, costLines(txstore.TabHR), func(a *Aggregates) *decimal.Decimal { return &a.ConsumptionHR }},
	{"consumption_artist", sourceConsumption, costLines(txstore.TabBandDJ), func(a *Aggregates) *decimal.Decimal { return &a.ConsumptionArtist }},

	{"tab_partners", sourceConsumption, tabLines(txstore.TabPartners), func(a *Aggregates) *decimal.Decimal { return &a.TabPartners }},
	{"tab_customer_benefit", sourceConsumption, tabLines(txstore.TabCustomerBenefit), func(a *Aggregates) *decimal.Decimal { return &a.TabCustomerBenefit }},
	{"tab_band_dj", sourceConsumption, tabLines(txstore.TabBandDJ), func(a *Aggregates) *decimal.Decimal { return &a.TabBandDJ }},
	{"tab_early_arrival", sourceConsumption, tabLines(txstore.TabEarlyArrival), func(a *Aggregates) *decimal.Decimal { return &a.TabEarlyArrival }},
	{"tab_admin_house", sourceConsumption, tabLines(txstore.TabAdminHouse), func(a *Aggregates) *decimal.Decimal { return &a.TabAdminHouse }},
	{"tab_hr", sourceConsumption, tabLines(txstore.TabHR), func(a *Aggregates) *decimal.Decimal { return &a.TabHR }},

	// Fields computed from other fields rather than from records.
	{"cmv_sellable_revenue", sourceSales, nil, nil},
	{"cmv_real_value", sourceComposite, nil, nil},
}

var descriptorIndex = func() map[string]descriptor {
	idx := make(map[string]descriptor, len(descriptors))
	for _, d := range descriptors {
		if _, ok := registryIndex[d.field]; !ok {
			panic(fmt.Sprintf("cmv: drill-down %s has no field", d.field))
		}
		idx[d.field] = d
	}
	return idx
}()

// ExplainableFields lists the fields with a drill-down mapping, sorted.
func ExplainableFields() []string {
	out := make([]string, 0, len(descriptorIndex))
	for name := range descriptorIndex {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// compositeLines breaks cmv_real_value into its signed formula terms.
func compositeLines(agg Aggregates, ov Overrides, date time.Time) []LineItem {
	term := func(field string, amount decimal.Decimal) LineItem {
		spec := registryIndex[field]
		return LineItem{Source: SourceComponent, Reference: field, Date: date, Description: spec.Label, Amount: amount}
	}
	return []LineItem{
		term("opening_stock_value", agg.OpeningStock),
		term("purchases_total", agg.Purchases),
		term("closing_stock_value", agg.ClosingStock.Neg()),
		term("consumption_partners", agg.ConsumptionPartners.Neg()),
		term("consumption_staff_benefit", agg.ConsumptionStaffBenefit.Neg()),
		term("consumption_admin", agg.ConsumptionAdmin.Neg()),
		term("consumption_hr", agg.ConsumptionHR.Neg()),
		term("consumption_artist", agg.ConsumptionArtist.Neg()),
		term("adjustment_bonus", ov.Bonus.Neg()),
		term("adjustment_free_form", ov.FreeForm),
	}
}
