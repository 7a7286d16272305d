package cmv

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/shared"
)

// Status enumerates the review workflow of a period.
type Status string

const (
	// StatusDraft is the state of every freshly created period.
	StatusDraft Status = shared.PeriodStatusDraft
	// StatusUnderReview marks a period a reviewer is checking.
	StatusUnderReview Status = shared.PeriodStatusUnderReview
	// StatusClosed marks a reviewed period. Closed periods stay recomputable.
	StatusClosed Status = shared.PeriodStatusClosed
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusUnderReview, StatusClosed:
		return true
	}
	return false
}

// Period is the weekly CMV reconciliation of one bar.
type Period struct {
	ID        int64     `json:"id"`
	BarID     int64     `json:"bar_id"`
	Year      int       `json:"year"`
	Week      int       `json:"week_number"`
	DateStart time.Time `json:"date_start"`
	DateEnd   time.Time `json:"date_end"`

	GrossSales              decimal.Decimal  `json:"gross_sales"`
	NetSales                decimal.Decimal  `json:"net_sales"`
	SellableRevenue         decimal.Decimal  `json:"cmv_sellable_revenue"`
	SellableRevenueDefault  decimal.Decimal  `json:"sellable_revenue_default"`
	SellableRevenueOverride *decimal.Decimal `json:"sellable_revenue_override"`

	OpeningStock       decimal.Decimal `json:"opening_stock_value"`
	Purchases          decimal.Decimal `json:"purchases_total"`
	PurchasesKitchen   decimal.Decimal `json:"purchases_custo_comida"`
	PurchasesBeverages decimal.Decimal `json:"purchases_custo_bebidas"`
	PurchasesDrinks    decimal.Decimal `json:"purchases_custo_drinks"`
	PurchasesOther     decimal.Decimal `json:"purchases_custo_outros"`

	ClosingStock          decimal.Decimal `json:"closing_stock_value"`
	ClosingStockKitchen   decimal.Decimal `json:"closing_stock_kitchen"`
	ClosingStockBeverages decimal.Decimal `json:"closing_stock_beverages"`
	ClosingStockDrinks    decimal.Decimal `json:"closing_stock_drinks"`

	ConsumptionPartners     decimal.Decimal `json:"consumption_partners"`
	ConsumptionStaffBenefit decimal.Decimal `json:"consumption_staff_benefit"`
	ConsumptionAdmin        decimal.Decimal `json:"consumption_admin"`
	ConsumptionHR           decimal.Decimal `json:"consumption_hr"`
	ConsumptionArtist       decimal.Decimal `json:"consumption_artist"`
	AdjustmentFreeForm      decimal.Decimal `json:"adjustment_free_form"`
	AdjustmentBonus         decimal.Decimal `json:"adjustment_bonus"`

	TabPartners        decimal.Decimal `json:"tab_partners"`
	TabCustomerBenefit decimal.Decimal `json:"tab_customer_benefit"`
	TabBandDJ          decimal.Decimal `json:"tab_band_dj"`
	TabEarlyArrival    decimal.Decimal `json:"tab_early_arrival"`
	TabAdminHouse      decimal.Decimal `json:"tab_admin_house"`
	TabHR              decimal.Decimal `json:"tab_hr"`

	CMVRealValue      decimal.Decimal `json:"cmv_real_value"`
	CMVCleanPct       decimal.Decimal `json:"cmv_clean_pct"`
	CMVTheoreticalPct decimal.Decimal `json:"cmv_theoretical_pct"`
	GapPct            decimal.Decimal `json:"gap_pct"`
	StockTurnover     decimal.Decimal `json:"stock_turnover"`

	ReservationsTotal   int `json:"reservations_total"`
	ReservationsPresent int `json:"reservations_present"`

	Status      Status     `json:"status"`
	Responsible string     `json:"responsible"`
	Notes       string     `json:"notes"`
	Version     int        `json:"version"`
	ComputedAt  *time.Time `json:"computed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Range returns the ISO week span of the period.
func (p Period) Range() isoweek.Range {
	return isoweek.Range{Year: p.Year, Week: p.Week, Start: p.DateStart, End: p.DateEnd}
}

// Key renders bar/year/week for logs and audit entries.
func (p Period) Key() string {
	return fmt.Sprintf("%d:%04d-W%02d", p.BarID, p.Year, p.Week)
}

// Overrides collects the reviewer-entered inputs of the calculator.
func (p Period) Overrides() Overrides {
	return Overrides{
		TheoreticalPct:  p.CMVTheoreticalPct,
		FreeForm:        p.AdjustmentFreeForm,
		Bonus:           p.AdjustmentBonus,
		SellableRevenue: p.SellableRevenueOverride,
	}
}

// Aggregates rebuilds the transaction totals stored on the period.
func (p Period) Aggregates() Aggregates {
	return Aggregates{
		GrossSales:              p.GrossSales,
		NetSales:                p.NetSales,
		SellableRevenue:         p.SellableRevenueDefault,
		OpeningStock:            p.OpeningStock,
		Purchases:               p.Purchases,
		PurchasesKitchen:        p.PurchasesKitchen,
		PurchasesBeverages:      p.PurchasesBeverages,
		PurchasesDrinks:         p.PurchasesDrinks,
		PurchasesOther:          p.PurchasesOther,
		ClosingStock:            p.ClosingStock,
		ClosingStockKitchen:     p.ClosingStockKitchen,
		ClosingStockBeverages:   p.ClosingStockBeverages,
		ClosingStockDrinks:      p.ClosingStockDrinks,
		ConsumptionPartners:     p.ConsumptionPartners,
		ConsumptionStaffBenefit: p.ConsumptionStaffBenefit,
		ConsumptionAdmin:        p.ConsumptionAdmin,
		ConsumptionHR:           p.ConsumptionHR,
		ConsumptionArtist:       p.ConsumptionArtist,
		TabPartners:             p.TabPartners,
		TabCustomerBenefit:      p.TabCustomerBenefit,
		TabBandDJ:               p.TabBandDJ,
		TabEarlyArrival:         p.TabEarlyArrival,
		TabAdminHouse:           p.TabAdminHouse,
		TabHR:                   p.TabHR,
	}
}

// apply copies transaction totals and calculator output onto the period.
func (p *Period) apply(agg Aggregates, d Derived) {
	p.GrossSales = agg.GrossSales
	p.NetSales = agg.NetSales
	p.SellableRevenueDefault = agg.SellableRevenue
	p.OpeningStock = agg.OpeningStock
	p.Purchases = agg.Purchases
	p.PurchasesKitchen = agg.PurchasesKitchen
	p.PurchasesBeverages = agg.PurchasesBeverages
	p.PurchasesDrinks = agg.PurchasesDrinks
	p.PurchasesOther = agg.PurchasesOther
	p.ClosingStock = agg.ClosingStock
	p.ClosingStockKitchen = agg.ClosingStockKitchen
	p.ClosingStockBeverages = agg.ClosingStockBeverages
	p.ClosingStockDrinks = agg.ClosingStockDrinks
	p.ConsumptionPartners = agg.ConsumptionPartners
	p.ConsumptionStaffBenefit = agg.ConsumptionStaffBenefit
	p.ConsumptionAdmin = agg.ConsumptionAdmin
	p.ConsumptionHR = agg.ConsumptionHR
	p.ConsumptionArtist = agg.ConsumptionArtist
	p.TabPartners = agg.TabPartners
	p.TabCustomerBenefit = agg.TabCustomerBenefit
	p.TabBandDJ = agg.TabBandDJ
	p.TabEarlyArrival = agg.TabEarlyArrival
	p.TabAdminHouse = agg.TabAdminHouse
	p.TabHR = agg.TabHR

	p.SellableRevenue = d.SellableRevenue
	p.CMVRealValue = d.RealValue
	p.CMVCleanPct = d.CleanPct
	p.CMVTheoreticalPct = d.TheoreticalPct
	p.GapPct = d.GapPct
	p.StockTurnover = d.StockTurnover
}

// ListFilter narrows period listings.
type ListFilter struct {
	BarID   int64
	Year    int
	Week    int
	Status  Status
	Page    int
	PerPage int
}

// RecomputeInput identifies one bar-week to refresh.
type RecomputeInput struct {
	BarID          int64
	Year           int
	Week           int
	PreserveManual bool
	Actor          string
}

// RecomputeAllInput identifies every stored week of a bar-year.
type RecomputeAllInput struct {
	BarID          int64
	Year           int
	PreserveManual bool
	Actor          string
}

// BatchReport summarises a RecomputeAll run. One failed week never aborts the batch.
type BatchReport struct {
	ID        string        `json:"id"`
	BarID     int64         `json:"bar_id"`
	Year      int           `json:"year"`
	Results   []WeekOutcome `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	StartedAt time.Time     `json:"started_at"`
	Duration  string        `json:"duration"`
}

// WeekOutcome is the result of recomputing a single week.
type WeekOutcome struct {
	Week   int     `json:"week_number"`
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Period *Period `json:"period,omitempty"`
}

// ManualUpdate carries a reviewer edit. Fields maps registry names to new
// values; a nil value clears a nullable field.
type ManualUpdate struct {
	Fields      map[string]*decimal.Decimal
	Status      *Status
	Responsible *string
	Notes       *string
	Version     *int
	Actor       string
}

// ValidationError names the field and reason a write was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cmv: %s: %s", e.Field, e.Reason)
}

// Is lets callers match any ValidationError against ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var (
	// ErrInvalidPeriod occurs for a year/week that does not exist.
	ErrInvalidPeriod = isoweek.ErrInvalidPeriod
	// ErrUnknownField occurs when a field has no drill-down mapping.
	ErrUnknownField = errors.New("cmv: unknown field")
	// ErrConcurrentModification occurs when a write lost a race for its bar-week.
	ErrConcurrentModification = errors.New("cmv: concurrent modification")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("cmv: validation failed")
	// ErrPeriodNotFound occurs when a period is missing.
	ErrPeriodNotFound = errors.New("cmv: period not found")
	// ErrInvalidTransition occurs when a status change is not allowed.
	ErrInvalidTransition = errors.New("cmv: status transition not allowed")
)
