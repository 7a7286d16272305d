package cmv

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/txstore"
)

// Policy holds the business rules the aggregator applies to raw records.
type Policy struct {
	// Tabs record sale value; the factor converts it into stock cost.
	PartnerCostFactor decimal.Decimal
	BenefitCostFactor decimal.Decimal
	HouseCostFactor   decimal.Decimal
	ArtistCostFactor  decimal.Decimal
	HRCostFactor      decimal.Decimal
	// NonCostBearing names sale components excluded from sellable revenue.
	NonCostBearing []string
	// StockLookback bounds how far back a stock count may be found.
	StockLookback time.Duration
}

// DefaultPolicy returns the standard cost factors with the cover charge
// excluded from sellable revenue.
func DefaultPolicy() Policy {
	return Policy{
		PartnerCostFactor: decimal.RequireFromString("0.35"),
		BenefitCostFactor: decimal.RequireFromString("0.33"),
		HouseCostFactor:   decimal.RequireFromString("0.35"),
		ArtistCostFactor:  decimal.RequireFromString("0.35"),
		HRCostFactor:      decimal.RequireFromString("0.35"),
		NonCostBearing:    []string{txstore.ComponentCover},
		StockLookback:     35 * 24 * time.Hour,
	}
}

func (p Policy) factor(tab txstore.Tab) decimal.Decimal {
	switch tab {
	case txstore.TabPartners:
		return p.PartnerCostFactor
	case txstore.TabCustomerBenefit, txstore.TabEarlyArrival:
		return p.BenefitCostFactor
	case txstore.TabBandDJ:
		return p.ArtistCostFactor
	case txstore.TabHR:
		return p.HRCostFactor
	default:
		return p.HouseCostFactor
	}
}

// sellable is the part of a sale that carries merchandise cost.
func (p Policy) sellable(s txstore.Sale) decimal.Decimal {
	v := s.Net()
	for _, component := range p.NonCostBearing {
		v = v.Sub(s.Component(component))
	}
	return v
}

func (p Policy) lookbackDays() int {
	days := int(p.StockLookback / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}
