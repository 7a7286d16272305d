package txstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore reads the cmv_src_* views that ingestion maintains in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const salesQuery = `
	SELECT id::text, sale_date, COALESCE(description, ''),
	       COALESCE(products, 0)::text, COALESCE(service_charge, 0)::text,
	       COALESCE(cover, 0)::text, COALESCE(discount, 0)::text
	FROM cmv_src_sales
	WHERE bar_id = $1 AND sale_date BETWEEN $2::date AND $3::date
	ORDER BY sale_date, id`

// QuerySales implements Store.
func (s *PGStore) QuerySales(ctx context.Context, barID int64, start, end time.Time) ([]Sale, error) {
	rows, err := s.pool.Query(ctx, salesQuery, barID, start, end)
	if err != nil {
		return nil, upstream("query sales", err)
	}
	defer rows.Close()
	var out []Sale
	for rows.Next() {
		var (
			sale                             Sale
			products, service, cover, discnt string
		)
		if err := rows.Scan(&sale.ID, &sale.Date, &sale.Description, &products, &service, &cover, &discnt); err != nil {
			return nil, upstream("scan sales", err)
		}
		if sale.Products, err = parseAmount("sales", "products", products); err != nil {
			return nil, err
		}
		if sale.ServiceCharge, err = parseAmount("sales", "service_charge", service); err != nil {
			return nil, err
		}
		if sale.Cover, err = parseAmount("sales", "cover", cover); err != nil {
			return nil, err
		}
		if sale.Discount, err = parseAmount("sales", "discount", discnt); err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("iterate sales", err)
	}
	return out, nil
}

const purchasesQuery = `
	SELECT id::text, issue_date, COALESCE(supplier, ''), COALESCE(document_number, ''),
	       COALESCE(description, ''), COALESCE(category, ''), COALESCE(cost_center, ''),
	       COALESCE(payment_status, ''), amount::text
	FROM cmv_src_purchases
	WHERE bar_id = $1 AND issue_date BETWEEN $2::date AND $3::date
	ORDER BY issue_date, id`

// QueryPurchases implements Store.
func (s *PGStore) QueryPurchases(ctx context.Context, barID int64, start, end time.Time) ([]Purchase, error) {
	rows, err := s.pool.Query(ctx, purchasesQuery, barID, start, end)
	if err != nil {
		return nil, upstream("query purchases", err)
	}
	defer rows.Close()
	var out []Purchase
	for rows.Next() {
		var (
			p      Purchase
			amount string
		)
		if err := rows.Scan(&p.ID, &p.Date, &p.Supplier, &p.DocumentNumber, &p.Description, &p.Category, &p.CostCenter, &p.PaymentStatus, &amount); err != nil {
			return nil, upstream("scan purchases", err)
		}
		if p.Amount, err = parseAmount("purchases", "amount", amount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("iterate purchases", err)
	}
	return out, nil
}

const stockCountsQuery = `
	SELECT id::text, count_date, COALESCE(item_code, ''), COALESCE(description, ''),
	       COALESCE(category, ''), COALESCE(location, ''), COALESCE(unit, ''),
	       quantity::text, unit_cost::text
	FROM cmv_src_stock_counts
	WHERE bar_id = $1 AND count_date BETWEEN $2::date AND $3::date
	ORDER BY count_date, id`

// QueryStockCounts implements Store.
func (s *PGStore) QueryStockCounts(ctx context.Context, barID int64, start, end time.Time) ([]StockCount, error) {
	rows, err := s.pool.Query(ctx, stockCountsQuery, barID, start, end)
	if err != nil {
		return nil, upstream("query stock counts", err)
	}
	defer rows.Close()
	var out []StockCount
	for rows.Next() {
		var (
			c         StockCount
			qty, cost string
		)
		if err := rows.Scan(&c.ID, &c.CountDate, &c.ItemCode, &c.Description, &c.Category, &c.Location, &c.Unit, &qty, &cost); err != nil {
			return nil, upstream("scan stock counts", err)
		}
		if c.Quantity, err = parseAmount("stock counts", "quantity", qty); err != nil {
			return nil, err
		}
		if c.UnitCost, err = parseAmount("stock counts", "unit_cost", cost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("iterate stock counts", err)
	}
	return out, nil
}

const consumptionQuery = `
	SELECT id::text, entry_date, COALESCE(description, ''), COALESCE(motive, ''),
	       COALESCE(category, ''), amount::text
	FROM cmv_src_consumption
	WHERE bar_id = $1 AND entry_date BETWEEN $2::date AND $3::date
	ORDER BY entry_date, id`

// QueryInternalConsumption implements Store.
func (s *PGStore) QueryInternalConsumption(ctx context.Context, barID int64, start, end time.Time) ([]Consumption, error) {
	rows, err := s.pool.Query(ctx, consumptionQuery, barID, start, end)
	if err != nil {
		return nil, upstream("query consumption", err)
	}
	defer rows.Close()
	return scanConsumption(rows)
}

func scanConsumption(rows pgx.Rows) ([]Consumption, error) {
	var out []Consumption
	for rows.Next() {
		var (
			c      Consumption
			amount string
			err    error
		)
		if err = rows.Scan(&c.ID, &c.Date, &c.Description, &c.Motive, &c.Category, &amount); err != nil {
			return nil, upstream("scan consumption", err)
		}
		if c.Amount, err = parseAmount("consumption", "amount", amount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("iterate consumption", err)
	}
	return out, nil
}
