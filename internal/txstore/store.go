// Package txstore reads the raw transaction tables that ingestion jobs
// populate: sales, purchase invoices, stock counts and internal tabs.
package txstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUpstreamQuery marks a transaction store that could not be read or
// returned rows that could not be decoded.
var ErrUpstreamQuery = errors.New("txstore: upstream query failed")

// Store is the read-only contract over the transaction tables. Every method
// returns records of barID whose date lies in [start, end], both inclusive.
type Store interface {
	QuerySales(ctx context.Context, barID int64, start, end time.Time) ([]Sale, error)
	QueryPurchases(ctx context.Context, barID int64, start, end time.Time) ([]Purchase, error)
	QueryStockCounts(ctx context.Context, barID int64, start, end time.Time) ([]StockCount, error)
	QueryInternalConsumption(ctx context.Context, barID int64, start, end time.Time) ([]Consumption, error)
}

// Sale is one closed ticket or POS day summary.
type Sale struct {
	ID            string          `json:"id"`
	Date          time.Time       `json:"date"`
	Description   string          `json:"description"`
	Products      decimal.Decimal `json:"products"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	Cover         decimal.Decimal `json:"cover"`
	Discount      decimal.Decimal `json:"discount"`
}

// Gross is the billed amount before discounts.
func (s Sale) Gross() decimal.Decimal {
	return s.Products.Add(s.ServiceCharge).Add(s.Cover)
}

// Net is the gross amount after discounts.
func (s Sale) Net() decimal.Decimal {
	return s.Gross().Sub(s.Discount)
}

// Component returns the value of a named revenue component.
func (s Sale) Component(name string) decimal.Decimal {
	switch name {
	case ComponentProducts:
		return s.Products
	case ComponentService:
		return s.ServiceCharge
	case ComponentCover:
		return s.Cover
	default:
		return decimal.Zero
	}
}

// Revenue components of a sale.
const (
	ComponentProducts = "products"
	ComponentService  = "service"
	ComponentCover    = "cover"
)

// Purchase is one supplier invoice line.
type Purchase struct {
	ID             string          `json:"id"`
	Date           time.Time       `json:"date"`
	Supplier       string          `json:"supplier"`
	DocumentNumber string          `json:"document_number"`
	Description    string          `json:"description"`
	Category       string          `json:"category"`
	CostCenter     string          `json:"cost_center,omitempty"`
	PaymentStatus  string          `json:"payment_status"`
	Amount         decimal.Decimal `json:"amount"`
}

// StockCount is one counted item of a stock-take.
type StockCount struct {
	ID          string          `json:"id"`
	CountDate   time.Time       `json:"count_date"`
	ItemCode    string          `json:"item_code"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Location    string          `json:"location"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// Value is quantity times unit cost at currency precision.
func (c StockCount) Value() decimal.Decimal {
	return c.Quantity.Mul(c.UnitCost).Round(MoneyPlaces)
}

// Consumption is one internal tab entry. Amount is the sale value of what
// left the stock without revenue.
type Consumption struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Motive      string          `json:"motive"`
	Category    string          `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// MoneyPlaces is the stored currency precision.
const MoneyPlaces = 4

func upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUpstreamQuery, op, err)
}

func parseAmount(op, field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: malformed %s %q", ErrUpstreamQuery, op, field, raw)
	}
	return d.Round(MoneyPlaces), nil
}
