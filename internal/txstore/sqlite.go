package txstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const dateLayout = "2006-01-02"

// SQLiteStore serves the Store contract from an offline snapshot file, used
// for audits away from the production database.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if needed) a snapshot database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("txstore: open sqlite: %w", err)
	}
	// Every connection of a :memory: DSN is a separate database.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS src_sales (
	id TEXT PRIMARY KEY,
	bar_id INTEGER NOT NULL,
	sale_date TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	products TEXT NOT NULL DEFAULT '0',
	service_charge TEXT NOT NULL DEFAULT '0',
	cover TEXT NOT NULL DEFAULT '0',
	discount TEXT NOT NULL DEFAULT '0'
);
CREATE TABLE IF NOT EXISTS src_purchases (
	id TEXT PRIMARY KEY,
	bar_id INTEGER NOT NULL,
	issue_date TEXT NOT NULL,
	supplier TEXT NOT NULL DEFAULT '',
	document_number TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	cost_center TEXT NOT NULL DEFAULT '',
	payment_status TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS src_stock_counts (
	id TEXT PRIMARY KEY,
	bar_id INTEGER NOT NULL,
	count_date TEXT NOT NULL,
	item_code TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	unit TEXT NOT NULL DEFAULT '',
	quantity TEXT NOT NULL,
	unit_cost TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS src_consumption (
	id TEXT PRIMARY KEY,
	bar_id INTEGER NOT NULL,
	entry_date TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	motive TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL
);`

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("txstore: migrate sqlite: %w", err)
	}
	return nil
}

type saleRow struct {
	ID            string `db:"id"`
	BarID         int64  `db:"bar_id"`
	Date          string `db:"sale_date"`
	Description   string `db:"description"`
	Products      string `db:"products"`
	ServiceCharge string `db:"service_charge"`
	Cover         string `db:"cover"`
	Discount      string `db:"discount"`
}

type purchaseRow struct {
	ID             string `db:"id"`
	BarID          int64  `db:"bar_id"`
	Date           string `db:"issue_date"`
	Supplier       string `db:"supplier"`
	DocumentNumber string `db:"document_number"`
	Description    string `db:"description"`
	Category       string `db:"category"`
	CostCenter     string `db:"cost_center"`
	PaymentStatus  string `db:"payment_status"`
	Amount         string `db:"amount"`
}

type stockRow struct {
	ID          string `db:"id"`
	BarID       int64  `db:"bar_id"`
	Date        string `db:"count_date"`
	ItemCode    string `db:"item_code"`
	Description string `db:"description"`
	Category    string `db:"category"`
	Location    string `db:"location"`
	Unit        string `db:"unit"`
	Quantity    string `db:"quantity"`
	UnitCost    string `db:"unit_cost"`
}

type consumptionRow struct {
	ID          string `db:"id"`
	BarID       int64  `db:"bar_id"`
	Date        string `db:"entry_date"`
	Description string `db:"description"`
	Motive      string `db:"motive"`
	Category    string `db:"category"`
	Amount      string `db:"amount"`
}

func parseDate(op, raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: malformed date %q", ErrUpstreamQuery, op, raw)
	}
	return t, nil
}

// QuerySales implements Store.
func (s *SQLiteStore) QuerySales(ctx context.Context, barID int64, start, end time.Time) ([]Sale, error) {
	var rows []saleRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM src_sales WHERE bar_id = ? AND sale_date BETWEEN ? AND ? ORDER BY sale_date, id`,
		barID, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, upstream("query sales", err)
	}
	out := make([]Sale, 0, len(rows))
	for _, row := range rows {
		sale := Sale{ID: row.ID, Description: row.Description}
		if sale.Date, err = parseDate("sales", row.Date); err != nil {
			return nil, err
		}
		if sale.Products, err = parseAmount("sales", "products", row.Products); err != nil {
			return nil, err
		}
		if sale.ServiceCharge, err = parseAmount("sales", "service_charge", row.ServiceCharge); err != nil {
			return nil, err
		}
		if sale.Cover, err = parseAmount("sales", "cover", row.Cover); err != nil {
			return nil, err
		}
		if sale.Discount, err = parseAmount("sales", "discount", row.Discount); err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, nil
}

// QueryPurchases implements Store.
func (s *SQLiteStore) QueryPurchases(ctx context.Context, barID int64, start, end time.Time) ([]Purchase, error) {
	var rows []purchaseRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM src_purchases WHERE bar_id = ? AND issue_date BETWEEN ? AND ? ORDER BY issue_date, id`,
		barID, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, upstream("query purchases", err)
	}
	out := make([]Purchase, 0, len(rows))
	for _, row := range rows {
		p := Purchase{
			ID:             row.ID,
			Supplier:       row.Supplier,
			DocumentNumber: row.DocumentNumber,
			Description:    row.Description,
			Category:       row.Category,
			CostCenter:     row.CostCenter,
			PaymentStatus:  row.PaymentStatus,
		}
		if p.Date, err = parseDate("purchases", row.Date); err != nil {
			return nil, err
		}
		if p.Amount, err = parseAmount("purchases", "amount", row.Amount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// QueryStockCounts implements Store.
func (s *SQLiteStore) QueryStockCounts(ctx context.Context, barID int64, start, end time.Time) ([]StockCount, error) {
	var rows []stockRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM src_stock_counts WHERE bar_id = ? AND count_date BETWEEN ? AND ? ORDER BY count_date, id`,
		barID, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, upstream("query stock counts", err)
	}
	out := make([]StockCount, 0, len(rows))
	for _, row := range rows {
		c := StockCount{
			ID:          row.ID,
			ItemCode:    row.ItemCode,
			Description: row.Description,
			Category:    row.Category,
			Location:    row.Location,
			Unit:        row.Unit,
		}
		if c.CountDate, err = parseDate("stock counts", row.Date); err != nil {
			return nil, err
		}
		if c.Quantity, err = parseAmount("stock counts", "quantity", row.Quantity); err != nil {
			return nil, err
		}
		if c.UnitCost, err = parseAmount("stock counts", "unit_cost", row.UnitCost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// QueryInternalConsumption implements Store.
func (s *SQLiteStore) QueryInternalConsumption(ctx context.Context, barID int64, start, end time.Time) ([]Consumption, error) {
	var rows []consumptionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM src_consumption WHERE bar_id = ? AND entry_date BETWEEN ? AND ? ORDER BY entry_date, id`,
		barID, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, upstream("query consumption", err)
	}
	out := make([]Consumption, 0, len(rows))
	for _, row := range rows {
		c := Consumption{ID: row.ID, Description: row.Description, Motive: row.Motive, Category: row.Category}
		if c.Date, err = parseDate("consumption", row.Date); err != nil {
			return nil, err
		}
		if c.Amount, err = parseAmount("consumption", "amount", row.Amount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Snapshot groups records that belong to one bar for import.
type Snapshot struct {
	BarID       int64         `json:"bar_id"`
	Sales       []Sale        `json:"sales"`
	Purchases   []Purchase    `json:"purchases"`
	StockCounts []StockCount  `json:"stock_counts"`
	Consumption []Consumption `json:"consumption"`
}

// Import writes a snapshot inside one transaction, replacing rows that share an id.
func (s *SQLiteStore) Import(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("txstore: begin import: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, sale := range snap.Sales {
		row := saleRow{
			ID: sale.ID, BarID: snap.BarID, Date: sale.Date.Format(dateLayout), Description: sale.Description,
			Products: sale.Products.String(), ServiceCharge: sale.ServiceCharge.String(),
			Cover: sale.Cover.String(), Discount: sale.Discount.String(),
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO src_sales
			(id, bar_id, sale_date, description, products, service_charge, cover, discount)
			VALUES (:id, :bar_id, :sale_date, :description, :products, :service_charge, :cover, :discount)`, row); err != nil {
			return fmt.Errorf("txstore: import sale %s: %w", sale.ID, err)
		}
	}
	for _, p := range snap.Purchases {
		row := purchaseRow{
			ID: p.ID, BarID: snap.BarID, Date: p.Date.Format(dateLayout), Supplier: p.Supplier,
			DocumentNumber: p.DocumentNumber, Description: p.Description, Category: p.Category,
			CostCenter: p.CostCenter, PaymentStatus: p.PaymentStatus, Amount: p.Amount.String(),
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO src_purchases
			(id, bar_id, issue_date, supplier, document_number, description, category, cost_center, payment_status, amount)
			VALUES (:id, :bar_id, :issue_date, :supplier, :document_number, :description, :category, :cost_center, :payment_status, :amount)`, row); err != nil {
			return fmt.Errorf("txstore: import purchase %s: %w", p.ID, err)
		}
	}
	for _, c := range snap.StockCounts {
		row := stockRow{
			ID: c.ID, BarID: snap.BarID, Date: c.CountDate.Format(dateLayout), ItemCode: c.ItemCode,
			Description: c.Description, Category: c.Category, Location: c.Location, Unit: c.Unit,
			Quantity: c.Quantity.String(), UnitCost: c.UnitCost.String(),
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO src_stock_counts
			(id, bar_id, count_date, item_code, description, category, location, unit, quantity, unit_cost)
			VALUES (:id, :bar_id, :count_date, :item_code, :description, :category, :location, :unit, :quantity, :unit_cost)`, row); err != nil {
			return fmt.Errorf("txstore: import stock count %s: %w", c.ID, err)
		}
	}
	for _, c := range snap.Consumption {
		row := consumptionRow{
			ID: c.ID, BarID: snap.BarID, Date: c.Date.Format(dateLayout), Description: c.Description,
			Motive: c.Motive, Category: c.Category, Amount: c.Amount.String(),
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO src_consumption
			(id, bar_id, entry_date, description, motive, category, amount)
			VALUES (:id, :bar_id, :entry_date, :description, :motive, :category, :amount)`, row); err != nil {
			return fmt.Errorf("txstore: import consumption %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("txstore: commit import: %w", err)
	}
	return nil
}
