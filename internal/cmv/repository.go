package cmv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/platform/db"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository persists periods in cmv_periods. Numeric columns mirror the
// field registry one to one.
type Repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool, pool: pool}
}

// WithTx wraps callback in repeatable-read transaction. A serialization
// failure is reported as ErrConcurrentModification.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{db: tx, pool: r.pool})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	}
	return err
}

var (
	headColumns = []string{"id", "bar_id", "year", "week_number", "date_start", "date_end"}
	tailColumns = []string{"status", "responsible", "notes", "version", "computed_at", "created_at", "updated_at"}
)

func selectList() string {
	cols := append([]string{}, headColumns...)
	for _, f := range registry {
		if f.Kind == KindCount {
			cols = append(cols, f.Name)
			continue
		}
		cols = append(cols, f.Name+"::text")
	}
	cols = append(cols, tailColumns...)
	return strings.Join(cols, ", ")
}

var periodColumns = selectList()

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p          Period
		status     string
		computedAt pgtype.Timestamptz
		dateStart  pgtype.Date
		dateEnd    pgtype.Date
	)
	numeric := make([]pgtype.Text, len(registry))
	counts := make([]int32, len(registry))
	dest := []any{&p.ID, &p.BarID, &p.Year, &p.Week, &dateStart, &dateEnd}
	for i, f := range registry {
		if f.Kind == KindCount {
			dest = append(dest, &counts[i])
		} else {
			dest = append(dest, &numeric[i])
		}
	}
	dest = append(dest, &status, &p.Responsible, &p.Notes, &p.Version, &computedAt, &p.CreatedAt, &p.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}

	for i, f := range registry {
		if f.Kind == KindCount {
			v := decimal.NewFromInt32(counts[i])
			f.Set(&p, &v)
			continue
		}
		if !numeric[i].Valid {
			f.Set(&p, nil)
			continue
		}
		v, err := decimal.NewFromString(numeric[i].String)
		if err != nil {
			return Period{}, fmt.Errorf("cmv: decode %s: %w", f.Name, err)
		}
		f.Set(&p, &v)
	}
	p.Status = Status(status)
	p.DateStart = dateStart.Time
	p.DateEnd = dateEnd.Time
	if computedAt.Valid {
		t := computedAt.Time
		p.ComputedAt = &t
	}
	return p, nil
}

func toNumeric(v decimal.Decimal, ok bool) pgtype.Numeric {
	var n pgtype.Numeric
	if ok {
		_ = n.Scan(v.String())
	}
	return n
}

// fieldArgs returns the registry values in column order.
func fieldArgs(p *Period) []any {
	args := make([]any, 0, len(registry))
	for _, f := range registry {
		v, ok := f.Get(p)
		if f.Kind == KindCount {
			args = append(args, int32(v.IntPart()))
			continue
		}
		args = append(args, toNumeric(v, ok))
	}
	return args
}

func (r *Repository) one(ctx context.Context, where string, args ...any) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM cmv_periods WHERE %s", periodColumns, where), args...))
}

// Get returns a period by id.
func (r *Repository) Get(ctx context.Context, id int64) (Period, error) {
	return r.one(ctx, "id = $1", id)
}

// GetForUpdate locks the row for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, id int64) (Period, error) {
	return r.one(ctx, "id = $1 FOR UPDATE", id)
}

// FindByKey returns the period of a bar-week.
func (r *Repository) FindByKey(ctx context.Context, barID int64, year, week int) (Period, error) {
	return r.one(ctx, "bar_id = $1 AND year = $2 AND week_number = $3", barID, year, week)
}

// FindByKeyForUpdate locks the bar-week row for the rest of the transaction.
func (r *Repository) FindByKeyForUpdate(ctx context.Context, barID int64, year, week int) (Period, error) {
	return r.one(ctx, "bar_id = $1 AND year = $2 AND week_number = $3 FOR UPDATE", barID, year, week)
}

// Insert creates the record unless the bar-week already exists.
func (r *Repository) Insert(ctx context.Context, p Period) (Period, bool, error) {
	cols := []string{"bar_id", "year", "week_number", "date_start", "date_end"}
	args := []any{p.BarID, p.Year, p.Week, p.DateStart, p.DateEnd}
	for _, f := range registry {
		cols = append(cols, f.Name)
	}
	args = append(args, fieldArgs(&p)...)
	cols = append(cols, "status", "responsible", "notes", "version", "computed_at", "created_at", "updated_at")
	args = append(args, string(p.Status), p.Responsible, p.Notes, 1, p.ComputedAt, p.CreatedAt, p.UpdatedAt)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	placeholders[3] += "::date"
	placeholders[4] += "::date"

	query := fmt.Sprintf(`INSERT INTO cmv_periods (%s) VALUES (%s)
		ON CONFLICT (bar_id, year, week_number) DO NOTHING
		RETURNING %s`, strings.Join(cols, ", "), strings.Join(placeholders, ", "), periodColumns)
	created, err := scanPeriod(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrPeriodNotFound) {
		return Period{}, false, nil
	}
	if err != nil {
		return Period{}, false, err
	}
	return created, true, nil
}

// Update writes every mutable column when p.Version is still current and
// bumps the version.
func (r *Repository) Update(ctx context.Context, p Period) (Period, error) {
	sets := make([]string, 0, len(registry)+6)
	args := make([]any, 0, len(registry)+8)
	argPos := 1
	for i, v := range fieldArgs(&p) {
		sets = append(sets, fmt.Sprintf("%s = $%d", registry[i].Name, argPos))
		args = append(args, v)
		argPos++
	}
	for _, col := range []struct {
		name  string
		value any
	}{
		{"status", string(p.Status)},
		{"responsible", p.Responsible},
		{"notes", p.Notes},
		{"computed_at", p.ComputedAt},
		{"updated_at", p.UpdatedAt},
	} {
		sets = append(sets, fmt.Sprintf("%s = $%d", col.name, argPos))
		args = append(args, col.value)
		argPos++
	}
	sets = append(sets, "version = version + 1")
	args = append(args, p.ID, p.Version)

	query := fmt.Sprintf(`UPDATE cmv_periods SET %s WHERE id = $%d AND version = $%d RETURNING %s`,
		strings.Join(sets, ", "), argPos, argPos+1, periodColumns)
	saved, err := scanPeriod(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrPeriodNotFound) {
		if _, getErr := r.Get(ctx, p.ID); errors.Is(getErr, ErrPeriodNotFound) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, fmt.Errorf("%w: period %d changed since version %d", ErrConcurrentModification, p.ID, p.Version)
	}
	return saved, err
}

// Delete removes the record.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM cmv_periods WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// List returns a page of filtered periods and the filtered total.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Period, int, error) {
	var conditions []string
	var args []interface{}
	argPos := 1

	if filter.BarID != 0 {
		conditions = append(conditions, fmt.Sprintf("bar_id = $%d", argPos))
		args = append(args, filter.BarID)
		argPos++
	}
	if filter.Year != 0 {
		conditions = append(conditions, fmt.Sprintf("year = $%d", argPos))
		args = append(args, filter.Year)
		argPos++
	}
	if filter.Week != 0 {
		conditions = append(conditions, fmt.Sprintf("week_number = $%d", argPos))
		args = append(args, filter.Week)
		argPos++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(filter.Status))
		argPos++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM cmv_periods %s", whereClause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM cmv_periods %s ORDER BY bar_id, year, week_number LIMIT $%d OFFSET $%d`,
		periodColumns, whereClause, argPos, argPos+1)
	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	periods := []Period{}
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, 0, err
		}
		periods = append(periods, p)
	}
	return periods, total, rows.Err()
}

// ListWeeks returns the stored week numbers of a bar-year, ascending.
func (r *Repository) ListWeeks(ctx context.Context, barID int64, year int) ([]int, error) {
	rows, err := r.db.Query(ctx, `SELECT week_number FROM cmv_periods WHERE bar_id = $1 AND year = $2 ORDER BY week_number`, barID, year)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}

// ListBarIDs returns every bar with stored periods.
func (r *Repository) ListBarIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT bar_id FROM cmv_periods ORDER BY bar_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

var _ RepositoryPort = (*Repository)(nil)
var _ TxRepository = (*Repository)(nil)

