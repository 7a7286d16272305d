package cmv

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Kind describes how a field value is expressed.
type Kind string

const (
	KindMoney   Kind = "money"
	KindPercent Kind = "percent"
	KindRatio   Kind = "ratio"
	KindCount   Kind = "count"
)

// Group clusters fields for display.
type Group string

const (
	GroupSales        Group = "sales"
	GroupStock        Group = "stock"
	GroupPurchases    Group = "purchases"
	GroupConsumption  Group = "consumption"
	GroupAdjustments  Group = "adjustments"
	GroupLedgers      Group = "ledgers"
	GroupResults      Group = "results"
	GroupReservations Group = "reservations"
)

// FieldSpec declares one numeric field of Period. Manual fields are the only
// ones a reviewer may write; recompute leaves them alone when asked to
// preserve manual input.
type FieldSpec struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Group    Group  `json:"group"`
	Kind     Kind   `json:"kind"`
	Manual   bool   `json:"manual"`
	Nullable bool   `json:"nullable,omitempty"`

	value    func(*Period) *decimal.Decimal
	nullable func(*Period) **decimal.Decimal
	count    func(*Period) *int
}

// Get reads the field from p. The boolean is false for a null value.
func (f FieldSpec) Get(p *Period) (decimal.Decimal, bool) {
	switch {
	case f.value != nil:
		return *f.value(p), true
	case f.nullable != nil:
		if v := *f.nullable(p); v != nil {
			return *v, true
		}
		return decimal.Zero, false
	default:
		return decimal.NewFromInt(int64(*f.count(p))), true
	}
}

// Set writes v onto p without policy checks. A nil v is only meaningful for
// nullable fields and zeroes any other kind.
func (f FieldSpec) Set(p *Period, v *decimal.Decimal) {
	switch {
	case f.value != nil:
		if v == nil {
			*f.value(p) = decimal.Zero
			return
		}
		*f.value(p) = *v
	case f.nullable != nil:
		if v == nil {
			*f.nullable(p) = nil
			return
		}
		copied := *v
		*f.nullable(p) = &copied
	default:
		if v == nil {
			*f.count(p) = 0
			return
		}
		*f.count(p) = int(v.IntPart())
	}
}

func money(name, label string, g Group, get func(*Period) *decimal.Decimal) FieldSpec {
	return FieldSpec{Name: name, Label: label, Group: g, Kind: KindMoney, value: get}
}

func manual(f FieldSpec) FieldSpec {
	f.Manual = true
	return f
}

func withKind(f FieldSpec, k Kind) FieldSpec {
	f.Kind = k
	return f
}

var registry = []FieldSpec{
	money("gross_sales", "Faturamento bruto", GroupSales, func(p *Period) *decimal.Decimal { return &p.GrossSales }),
	money("net_sales", "Faturamento líquido", GroupSales, func(p *Period) *decimal.Decimal { return &p.NetSales }),
	money("sellable_revenue_default", "Faturamento CMVível (calculado)", GroupSales, func(p *Period) *decimal.Decimal { return &p.SellableRevenueDefault }),
	{Name: "sellable_revenue_override", Label: "Faturamento CMVível (manual)", Group: GroupSales, Kind: KindMoney, Manual: true, Nullable: true,
		nullable: func(p *Period) **decimal.Decimal { return &p.SellableRevenueOverride }},
	money("cmv_sellable_revenue", "Faturamento CMVível", GroupSales, func(p *Period) *decimal.Decimal { return &p.SellableRevenue }),

	money("opening_stock_value", "Estoque inicial", GroupStock, func(p *Period) *decimal.Decimal { return &p.OpeningStock }),
	money("purchases_total", "Compras", GroupPurchases, func(p *Period) *decimal.Decimal { return &p.Purchases }),
	money("purchases_custo_comida", "Compras cozinha", GroupPurchases, func(p *Period) *decimal.Decimal { return &p.PurchasesKitchen }),
	money("purchases_custo_bebidas", "Compras bebidas", GroupPurchases, func(p *Period) *decimal.Decimal { return &p.PurchasesBeverages }),
	money("purchases_custo_drinks", "Compras drinks", GroupPurchases, func(p *Period) *decimal.Decimal { return &p.PurchasesDrinks }),
	money("purchases_custo_outros", "Compras outros", GroupPurchases, func(p *Period) *decimal.Decimal { return &p.PurchasesOther }),
	money("closing_stock_value", "Estoque final", GroupStock, func(p *Period) *decimal.Decimal { return &p.ClosingStock }),
	money("closing_stock_kitchen", "Estoque final cozinha", GroupStock, func(p *Period) *decimal.Decimal { return &p.ClosingStockKitchen }),
	money("closing_stock_beverages", "Estoque final bebidas", GroupStock, func(p *Period) *decimal.Decimal { return &p.ClosingStockBeverages }),
	money("closing_stock_drinks", "Estoque final drinks", GroupStock, func(p *Period) *decimal.Decimal { return &p.ClosingStockDrinks }),

	money("consumption_partners", "Consumo sócios", GroupConsumption, func(p *Period) *decimal.Decimal { return &p.ConsumptionPartners }),
	money("consumption_staff_benefit", "Consumo benefícios", GroupConsumption, func(p *Period) *decimal.Decimal { return &p.ConsumptionStaffBenefit }),
	money("consumption_admin", "Consumo administrativo", GroupConsumption, func(p *Period) *decimal.Decimal { return &p.ConsumptionAdmin }),
	money("consumption_hr", "Consumo RH", GroupConsumption, func(p *Period) *decimal.Decimal { return &p.ConsumptionHR }),
	money("consumption_artist", "Consumo artistas", GroupConsumption, func(p *Period) *decimal.Decimal { return &p.ConsumptionArtist }),
	manual(money("adjustment_free_form", "Outros ajustes", GroupAdjustments, func(p *Period) *decimal.Decimal { return &p.AdjustmentFreeForm })),
	manual(money("adjustment_bonus", "Ajuste bonificações", GroupAdjustments, func(p *Period) *decimal.Decimal { return &p.AdjustmentBonus })),

	money("tab_partners", "Conta sócios", GroupLedgers, func(p *Period) *decimal.Decimal { return &p.TabPartners }),
	money("tab_customer_benefit", "Mesa benefícios cliente", GroupLedgers, func(p *Period) *decimal.Decimal { return &p.TabCustomerBenefit }),
	money("tab_band_dj", "Mesa banda/DJ", GroupLedgers, func(p *Period) *decimal.Decimal { return &p.TabBandDJ }),
	money("tab_early_arrival", "Chegadeira", GroupLedgers, func(p *Period) *decimal.Decimal { return &p.TabEarlyArrival }),
	money("tab_admin_house", "Mesa ADM/casa", GroupLedgers, func(p *Period) *decimal.Decimal { return &p.TabAdminHouse }),
	money("tab_hr", "Mesa RH", GroupLedgers, func(p *Period) *decimal.Decimal { return &p.TabHR }),

	money("cmv_real_value", "CMV real", GroupResults, func(p *Period) *decimal.Decimal { return &p.CMVRealValue }),
	withKind(money("cmv_clean_pct", "CMV limpo %", GroupResults, func(p *Period) *decimal.Decimal { return &p.CMVCleanPct }), KindPercent),
	manual(withKind(money("cmv_theoretical_pct", "CMV teórico %", GroupResults, func(p *Period) *decimal.Decimal { return &p.CMVTheoreticalPct }), KindPercent)),
	withKind(money("gap_pct", "Gap %", GroupResults, func(p *Period) *decimal.Decimal { return &p.GapPct }), KindPercent),
	withKind(money("stock_turnover", "Giro de estoque", GroupResults, func(p *Period) *decimal.Decimal { return &p.StockTurnover }), KindRatio),

	{Name: "reservations_total", Label: "Reservas totais", Group: GroupReservations, Kind: KindCount, Manual: true,
		count: func(p *Period) *int { return &p.ReservationsTotal }},
	{Name: "reservations_present", Label: "Reservas presentes", Group: GroupReservations, Kind: KindCount, Manual: true,
		count: func(p *Period) *int { return &p.ReservationsPresent }},
}

var registryIndex = func() map[string]FieldSpec {
	idx := make(map[string]FieldSpec, len(registry))
	for _, f := range registry {
		if _, dup := idx[f.Name]; dup {
			panic(fmt.Sprintf("cmv: duplicate field %s", f.Name))
		}
		idx[f.Name] = f
	}
	return idx
}()

// Fields lists every numeric field in display order.
func Fields() []FieldSpec {
	out := make([]FieldSpec, len(registry))
	copy(out, registry)
	return out
}

// LookupField finds a field by name.
func LookupField(name string) (FieldSpec, bool) {
	f, ok := registryIndex[name]
	return f, ok
}

// ManualFieldNames lists the writable fields, sorted.
func ManualFieldNames() []string {
	var names []string
	for _, f := range registry {
		if f.Manual {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

var (
	hundred = decimal.NewFromInt(100)
	// Counts are INTEGER columns; money is NUMERIC(14,4).
	maxCount = decimal.NewFromInt(math.MaxInt32)
	maxMoney = decimal.New(1, 10)
)

// ApplyManual validates every requested change before touching p, so a
// rejected edit is never partially applied.
func ApplyManual(p *Period, changes map[string]*decimal.Decimal) error {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	next := *p
	for _, name := range names {
		v := changes[name]
		f, ok := LookupField(name)
		if !ok {
			return invalid(name, "unknown field")
		}
		if !f.Manual {
			return invalid(name, "computed field cannot be written")
		}
		if err := checkManualValue(f, v); err != nil {
			return err
		}
		f.Set(&next, v)
	}
	if next.ReservationsPresent > next.ReservationsTotal {
		return invalid("reservations_present", "cannot exceed reservations_total")
	}
	*p = next
	return nil
}

func checkManualValue(f FieldSpec, v *decimal.Decimal) error {
	if v == nil {
		if !f.Nullable {
			return invalid(f.Name, "value required")
		}
		return nil
	}
	switch f.Kind {
	case KindPercent:
		if v.IsNegative() || v.GreaterThan(hundred) {
			return invalid(f.Name, "must be between 0 and 100")
		}
	case KindCount:
		if v.IsNegative() || !v.Equal(v.Truncate(0)) {
			return invalid(f.Name, "must be a non-negative integer")
		}
		if v.GreaterThan(maxCount) {
			return invalid(f.Name, "too large")
		}
	case KindMoney:
		if f.Nullable && v.IsNegative() {
			return invalid(f.Name, "must not be negative")
		}
		if v.Abs().GreaterThanOrEqual(maxMoney) {
			return invalid(f.Name, "magnitude must be below 10000000000")
		}
	}
	if v.Exponent() < -4 && !v.Equal(v.Round(4)) {
		return invalid(f.Name, "more than 4 decimal places")
	}
	return nil
}
