package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/cmv"
	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/txstore"
)

// ExitOutOfTolerance is returned when an audited week exceeds the tolerance.
const ExitOutOfTolerance = 10

// AuditCLI recomputes weeks from a transaction snapshot without touching
// stored periods.
type AuditCLI struct {
	agg       *cmv.Aggregator
	resolver  *cmv.Resolver
	tolerance decimal.Decimal
}

// NewAuditCLI builds the offline auditor over store.
func NewAuditCLI(store txstore.Store, policy cmv.Policy, tolerance decimal.Decimal) (*AuditCLI, error) {
	if store == nil {
		return nil, errors.New("audit: transaction store required")
	}
	agg := cmv.NewAggregator(store, policy)
	return &AuditCLI{agg: agg, resolver: cmv.NewResolver(agg), tolerance: tolerance}, nil
}

// AuditOptions defines the flags of the audit command.
type AuditOptions struct {
	BarID int64
	Year  int
	Week  int
	// Weeks audits that many consecutive weeks ending at Week.
	Weeks            int
	Field            string
	TheoreticalPct   string
	SellableOverride string
	JSONOutput       bool
	Stdout           io.Writer
	Stderr           io.Writer
}

// AuditSummary is the JSON document printed with --json.
type AuditSummary struct {
	OK          bool              `json:"ok"`
	BarID       int64             `json:"bar_id"`
	Tolerance   decimal.Decimal   `json:"tolerance_pct"`
	Weeks       []AuditWeek       `json:"weeks"`
	Explanation *AuditExplanation `json:"explanation,omitempty"`
}

// AuditWeek holds the derived figures of one week.
type AuditWeek struct {
	Week            string          `json:"week"`
	DateStart       string          `json:"date_start"`
	DateEnd         string          `json:"date_end"`
	NetSales        decimal.Decimal `json:"net_sales"`
	SellableRevenue decimal.Decimal `json:"cmv_sellable_revenue"`
	OpeningStock    decimal.Decimal `json:"opening_stock_value"`
	Purchases       decimal.Decimal `json:"purchases_total"`
	ClosingStock    decimal.Decimal `json:"closing_stock_value"`
	Consumption     decimal.Decimal `json:"consumption_total"`
	RealValue       decimal.Decimal `json:"cmv_real_value"`
	CleanPct        decimal.Decimal `json:"cmv_clean_pct"`
	TheoreticalPct  decimal.Decimal `json:"cmv_theoretical_pct"`
	GapPct          decimal.Decimal `json:"gap_pct"`
	StockTurnover   decimal.Decimal `json:"stock_turnover"`
	GapClass        cmv.GapClass    `json:"gap_class"`
}

// AuditExplanation is the drill-down of --field for the last audited week.
type AuditExplanation struct {
	Field string          `json:"field"`
	Week  string          `json:"week"`
	Items []cmv.LineItem  `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// AuditCommand runs the audit and prints the outcome. It exits 1 on bad
// input or store failures and ExitOutOfTolerance when any week is above the
// tolerance.
func (c *AuditCLI) AuditCommand(ctx context.Context, opts AuditOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.BarID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "audit: --bar is required and must be positive")
		return 1
	}
	last, err := isoweek.WeekRange(opts.Year, opts.Week)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "audit: %v\n", err)
		return 1
	}
	ov, err := parseOverrides(opts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "audit: %v\n", err)
		return 1
	}
	count := opts.Weeks
	if count <= 0 {
		count = 1
	}
	ranges := make([]isoweek.Range, count)
	ranges[count-1] = last
	for i := count - 2; i >= 0; i-- {
		ranges[i] = ranges[i+1].Previous()
	}

	summary := AuditSummary{OK: true, BarID: opts.BarID, Tolerance: c.tolerance}
	for _, rng := range ranges {
		week, err := c.auditWeek(ctx, opts.BarID, rng, ov)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "audit: %s: %v\n", rng, err)
			return 1
		}
		if week.GapClass == cmv.GapOutOfTolerance {
			summary.OK = false
		}
		summary.Weeks = append(summary.Weeks, week)
	}

	if field := strings.TrimSpace(opts.Field); field != "" {
		items, err := c.resolver.Explain(ctx, opts.BarID, last, field, ov)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "audit: explain %s: %v\n", field, err)
			return 1
		}
		total := decimal.Zero
		for _, item := range items {
			total = total.Add(item.Amount)
		}
		summary.Explanation = &AuditExplanation{Field: field, Week: last.String(), Items: items, Total: total}
	}

	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "audit: encode json: %v\n", err)
			return 1
		}
	} else {
		renderAuditHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitOutOfTolerance
	}
	return 0
}

func (c *AuditCLI) auditWeek(ctx context.Context, barID int64, rng isoweek.Range, ov cmv.Overrides) (AuditWeek, error) {
	agg, err := c.agg.Aggregate(ctx, barID, rng)
	if err != nil {
		return AuditWeek{}, err
	}
	if err := agg.Validate(); err != nil {
		return AuditWeek{}, err
	}
	d := cmv.Compute(agg, ov)
	return AuditWeek{
		Week:            rng.String(),
		DateStart:       rng.Start.Format("2006-01-02"),
		DateEnd:         rng.End.Format("2006-01-02"),
		NetSales:        agg.NetSales,
		SellableRevenue: d.SellableRevenue,
		OpeningStock:    agg.OpeningStock,
		Purchases:       agg.Purchases,
		ClosingStock:    agg.ClosingStock,
		Consumption:     agg.Consumption(),
		RealValue:       d.RealValue,
		CleanPct:        d.CleanPct,
		TheoreticalPct:  d.TheoreticalPct,
		GapPct:          d.GapPct,
		StockTurnover:   d.StockTurnover,
		GapClass:        cmv.ClassifyGap(d.GapPct, c.tolerance),
	}, nil
}

func parseOverrides(opts AuditOptions) (cmv.Overrides, error) {
	var ov cmv.Overrides
	if raw := strings.TrimSpace(opts.TheoreticalPct); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return ov, fmt.Errorf("invalid --theoretical %q", raw)
		}
		ov.TheoreticalPct = v
	}
	if raw := strings.TrimSpace(opts.SellableOverride); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			return ov, fmt.Errorf("invalid --sellable %q", raw)
		}
		ov.SellableRevenue = &v
	}
	return ov, nil
}

func renderAuditHuman(out io.Writer, summary AuditSummary) {
	_, _ = fmt.Fprintf(out, "CMV audit for bar %d (tolerance %s pp)\n", summary.BarID, summary.Tolerance)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WEEK\tSELLABLE\tREAL\tCLEAN %\tTHEORETICAL %\tGAP %\tTURNOVER\tCLASS")
	for _, w := range summary.Weeks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			w.Week, w.SellableRevenue.StringFixed(2), w.RealValue.StringFixed(2), w.CleanPct.StringFixed(2),
			w.TheoreticalPct.StringFixed(2), w.GapPct.StringFixed(2), w.StockTurnover.StringFixed(2), w.GapClass)
	}
	_ = tw.Flush()
	if summary.Explanation == nil {
		return
	}
	e := summary.Explanation
	_, _ = fmt.Fprintf(out, "\n%s for %s: %d line(s), total %s\n", e.Field, e.Week, len(e.Items), e.Total.StringFixed(2))
	for _, item := range e.Items {
		_, _ = fmt.Fprintf(out, " - %s %s %s %s\n", item.Date.Format("2006-01-02"), item.Source, item.Description, item.Amount.StringFixed(2))
	}
}
