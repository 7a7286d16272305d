package cmv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/platform/lock"
	"github.com/barops/cmv/internal/shared"
	"github.com/barops/cmv/internal/txstore"
)

// RepositoryPort describes the period persistence used by Manager.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Period, error)
	FindByKey(ctx context.Context, barID int64, year, week int) (Period, error)
	List(ctx context.Context, filter ListFilter) ([]Period, int, error)
	ListWeeks(ctx context.Context, barID int64, year int) ([]int, error)
	ListBarIDs(ctx context.Context) ([]int64, error)
}

// TxRepository exposes the writes performed inside a transaction.
type TxRepository interface {
	FindByKeyForUpdate(ctx context.Context, barID int64, year, week int) (Period, error)
	GetForUpdate(ctx context.Context, id int64) (Period, error)
	// Insert reports false without error when the bar-week already exists.
	Insert(ctx context.Context, p Period) (Period, bool, error)
	// Update fails with ErrConcurrentModification unless p.Version is current.
	Update(ctx context.Context, p Period) (Period, error)
	Delete(ctx context.Context, id int64) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config tunes the Manager.
type Config struct {
	Policy                Policy
	Tolerance             decimal.Decimal
	DefaultTheoreticalPct decimal.Decimal
	LockTTL               time.Duration
	Concurrency           int
	UpstreamRetries       int
	UpstreamBackoff       time.Duration
	Location              *time.Location
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Policy:          DefaultPolicy(),
		Tolerance:       DefaultTolerance,
		LockTTL:         30 * time.Second,
		Concurrency:     4,
		UpstreamRetries: 3,
		UpstreamBackoff: 200 * time.Millisecond,
		Location:        time.UTC,
	}
}

// Manager is the sole writer of reconciliation periods.
type Manager struct {
	repo     RepositoryPort
	agg      *Aggregator
	resolver *Resolver
	audit    AuditPort
	locker   lock.Locker
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewManager wires the period manager. A nil locker falls back to an
// in-process lock; a nil audit port disables audit entries.
func NewManager(repo RepositoryPort, store txstore.Store, audit AuditPort, locker lock.Locker, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if locker == nil {
		locker = lock.NewLocalLocker(cfg.LockTTL)
	}
	agg := NewAggregator(store, cfg.Policy)
	return &Manager{
		repo:     repo,
		agg:      agg,
		resolver: NewResolver(agg),
		audit:    audit,
		locker:   locker,
		logger:   logger.With(slog.String("component", "cmv")),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (m *Manager) WithNow(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Tolerance returns the configured gap tolerance.
func (m *Manager) Tolerance() decimal.Decimal {
	return m.cfg.Tolerance
}

// ClassifyGap buckets the period gap with the configured tolerance.
func (m *Manager) ClassifyGap(p Period) GapClass {
	return ClassifyGap(p.GapPct, m.cfg.Tolerance)
}

func checkBar(barID int64) error {
	if barID <= 0 {
		return invalid("bar_id", "must be positive")
	}
	return nil
}

func (m *Manager) draft(barID int64, rng isoweek.Range) Period {
	now := m.now().UTC()
	p := Period{
		BarID:             barID,
		Year:              rng.Year,
		Week:              rng.Week,
		DateStart:         rng.Start,
		DateEnd:           rng.End,
		Status:            StatusDraft,
		CMVTheoreticalPct: m.cfg.DefaultTheoreticalPct,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p.apply(Aggregates{}, Compute(Aggregates{}, p.Overrides()))
	return p
}

// CreateOrGet returns the bar-week record, creating a zeroed draft when absent.
func (m *Manager) CreateOrGet(ctx context.Context, barID int64, year, week int) (Period, error) {
	if err := checkBar(barID); err != nil {
		return Period{}, err
	}
	rng, err := isoweek.WeekRange(year, week)
	if err != nil {
		return Period{}, err
	}
	p, err := m.repo.FindByKey(ctx, barID, year, week)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPeriodNotFound) {
		return Period{}, err
	}
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		p, e = m.insertOrFind(ctx, tx, barID, rng)
		return e
	})
	if err != nil {
		return Period{}, err
	}
	return p, nil
}

func (m *Manager) insertOrFind(ctx context.Context, tx TxRepository, barID int64, rng isoweek.Range) (Period, error) {
	created, ok, err := tx.Insert(ctx, m.draft(barID, rng))
	if err != nil {
		return Period{}, err
	}
	if ok {
		m.logger.Info("cmv period created", slog.Int64("bar_id", barID), slog.String("week", rng.String()))
		return created, nil
	}
	return tx.FindByKeyForUpdate(ctx, barID, rng.Year, rng.Week)
}

// CurrentRange resolves the ISO week containing now in the configured location.
func (m *Manager) CurrentRange() isoweek.Range {
	return isoweek.Current(m.now(), m.cfg.Location)
}

// CurrentWeek returns the record of the current ISO week.
func (m *Manager) CurrentWeek(ctx context.Context, barID int64) (Period, error) {
	rng := m.CurrentRange()
	return m.CreateOrGet(ctx, barID, rng.Year, rng.Week)
}

// obtain serialises writers of one bar-week across processes.
func (m *Manager) obtain(ctx context.Context, barID int64, year, week int) (lock.Lease, error) {
	lease, err := m.locker.Obtain(ctx, shared.CMVPeriodLockKey(barID, year, week), m.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %d:%04d-W%02d is being written", ErrConcurrentModification, barID, year, week)
	}
	return lease, err
}

func (m *Manager) release(lease lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		m.logger.Warn("release cmv period lock", slog.Any("error", err))
	}
}

// withRetry reruns op while the Transaction Store reports upstream errors,
// doubling the backoff after each attempt.
func (m *Manager) withRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := m.cfg.UpstreamBackoff
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || !errors.Is(err, txstore.ErrUpstreamQuery) || attempt >= m.cfg.UpstreamRetries {
			return err
		}
		m.logger.Warn("transaction store query failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (m *Manager) resetManual(p *Period) {
	p.CMVTheoreticalPct = m.cfg.DefaultTheoreticalPct
	p.AdjustmentFreeForm = decimal.Zero
	p.AdjustmentBonus = decimal.Zero
	p.SellableRevenueOverride = nil
	p.ReservationsTotal = 0
	p.ReservationsPresent = 0
}

// Recompute refreshes every computed field of the bar-week from the
// Transaction Store. With PreserveManual the reviewer inputs survive;
// otherwise they are reset to defaults.
func (m *Manager) Recompute(ctx context.Context, in RecomputeInput) (Period, error) {
	if err := checkBar(in.BarID); err != nil {
		return Period{}, err
	}
	rng, err := isoweek.WeekRange(in.Year, in.Week)
	if err != nil {
		return Period{}, err
	}
	lease, err := m.obtain(ctx, in.BarID, in.Year, in.Week)
	if err != nil {
		return Period{}, err
	}
	defer m.release(lease)

	var agg Aggregates
	err = m.withRetry(ctx, func(ctx context.Context) error {
		var e error
		agg, e = m.agg.Aggregate(ctx, in.BarID, rng)
		return e
	})
	if err != nil {
		return Period{}, err
	}
	if err := agg.Validate(); err != nil {
		return Period{}, err
	}

	var (
		saved      Period
		prevStatus Status
	)
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.FindByKeyForUpdate(ctx, in.BarID, in.Year, in.Week)
		if errors.Is(err, ErrPeriodNotFound) {
			p, err = m.insertOrFind(ctx, tx, in.BarID, rng)
		}
		if err != nil {
			return err
		}
		prevStatus = p.Status
		if !in.PreserveManual {
			m.resetManual(&p)
		}
		p.apply(agg, Compute(agg, p.Overrides()))
		now := m.now().UTC()
		p.ComputedAt = &now
		p.UpdatedAt = now
		saved, err = tx.Update(ctx, p)
		return err
	})
	if err != nil {
		return Period{}, err
	}

	closed := prevStatus == StatusClosed
	if closed {
		m.logger.Warn("closed period modified",
			slog.String("period", saved.Key()),
			slog.String("actor", in.Actor),
			slog.String("operation", "recompute"))
	}
	m.recordAudit(ctx, "cmv.period.recompute", saved, in.Actor, map[string]any{
		"preserve_manual": in.PreserveManual,
		"closed":          closed,
		"cmv_real_value":  saved.CMVRealValue.String(),
		"gap_pct":         saved.GapPct.String(),
	})
	return saved, nil
}

// RecomputeAll recomputes every stored week of the bar-year with bounded
// concurrency. Failures are reported per week and never abort the batch.
func (m *Manager) RecomputeAll(ctx context.Context, in RecomputeAllInput) (BatchReport, error) {
	if err := checkBar(in.BarID); err != nil {
		return BatchReport{}, err
	}
	if err := isoweek.Validate(in.Year, 1); err != nil {
		return BatchReport{}, err
	}
	weeks, err := m.repo.ListWeeks(ctx, in.BarID, in.Year)
	if err != nil {
		return BatchReport{}, err
	}
	sort.Ints(weeks)

	started := m.now()
	report := BatchReport{
		ID:        uuid.NewString(),
		BarID:     in.BarID,
		Year:      in.Year,
		Results:   make([]WeekOutcome, len(weeks)),
		StartedAt: started.UTC(),
	}
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, week := range weeks {
		g.Go(func() error {
			out := WeekOutcome{Week: week}
			p, err := m.Recompute(ctx, RecomputeInput{
				BarID:          in.BarID,
				Year:           in.Year,
				Week:           week,
				PreserveManual: in.PreserveManual,
				Actor:          in.Actor,
			})
			if err != nil {
				out.Error = err.Error()
				m.logger.Error("recompute week", slog.Int64("bar_id", in.BarID), slog.Int("year", in.Year), slog.Int("week", week), slog.Any("error", err))
			} else {
				out.OK = true
				out.Period = &p
			}
			report.Results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range report.Results {
		if out.OK {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	report.Duration = m.now().Sub(started).String()
	m.logger.Info("cmv batch recompute finished",
		slog.String("batch_id", report.ID),
		slog.Int64("bar_id", in.BarID),
		slog.Int("year", in.Year),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed))
	return report, nil
}

// CreateMissingWeeksThrough creates zeroed drafts from the latest stored
// week of the bar-year (or week 1) through target, skipping existing weeks.
// It returns only the records it created.
func (m *Manager) CreateMissingWeeksThrough(ctx context.Context, barID int64, year, target int) ([]Period, error) {
	if err := checkBar(barID); err != nil {
		return nil, err
	}
	if err := isoweek.Validate(year, target); err != nil {
		return nil, err
	}
	weeks, err := m.repo.ListWeeks(ctx, barID, year)
	if err != nil {
		return nil, err
	}
	existing := make(map[int]bool, len(weeks))
	from := 1
	for _, w := range weeks {
		existing[w] = true
		if w > from {
			from = w
		}
	}

	created := []Period{}
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for week := from; week <= target; week++ {
			if existing[week] {
				continue
			}
			rng, err := isoweek.WeekRange(year, week)
			if err != nil {
				return err
			}
			p, ok, err := tx.Insert(ctx, m.draft(barID, rng))
			if err != nil {
				return err
			}
			if ok {
				created = append(created, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("cmv missing weeks created", slog.Int64("bar_id", barID), slog.Int("year", year), slog.Int("through", target), slog.Int("created", len(created)))
	return created, nil
}

// Get returns a period by id.
func (m *Manager) Get(ctx context.Context, id int64) (Period, error) {
	return m.repo.Get(ctx, id)
}

// Find returns the period of a bar-week.
func (m *Manager) Find(ctx context.Context, barID int64, year, week int) (Period, error) {
	if err := isoweek.Validate(year, week); err != nil {
		return Period{}, err
	}
	return m.repo.FindByKey(ctx, barID, year, week)
}

// List returns filtered periods ordered by bar, year and week.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Period, shared.Pagination, error) {
	if filter.Week != 0 {
		if filter.Year == 0 {
			return nil, shared.Pagination{}, invalid("week", "requires year")
		}
		if err := isoweek.Validate(filter.Year, filter.Week); err != nil {
			return nil, shared.Pagination{}, err
		}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.Pagination{}, invalid("status", "unknown status")
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := m.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Delete hard-deletes the bar-week record.
func (m *Manager) Delete(ctx context.Context, barID int64, year, week int, actor string) error {
	p, err := m.Find(ctx, barID, year, week)
	if err != nil {
		return err
	}
	return m.DeleteByID(ctx, p.ID, actor)
}

// DeleteByID hard-deletes a record. Confirmation is the caller's concern.
func (m *Manager) DeleteByID(ctx context.Context, id int64, actor string) error {
	p, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	lease, err := m.obtain(ctx, p.BarID, p.Year, p.Week)
	if err != nil {
		return err
	}
	defer m.release(lease)
	if err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Delete(ctx, id)
	}); err != nil {
		return err
	}
	m.logger.Info("cmv period deleted", slog.String("period", p.Key()), slog.String("actor", actor))
	m.recordAudit(ctx, "cmv.period.delete", p, actor, map[string]any{"status": string(p.Status)})
	return nil
}

// UpdateManual applies a reviewer edit. Only manual fields are writable and
// the whole edit is rejected if any part is invalid. Derived figures are
// recalculated from the stored totals without querying the Transaction Store.
func (m *Manager) UpdateManual(ctx context.Context, id int64, upd ManualUpdate) (Period, error) {
	current, err := m.repo.Get(ctx, id)
	if err != nil {
		return Period{}, err
	}
	lease, err := m.obtain(ctx, current.BarID, current.Year, current.Week)
	if err != nil {
		return Period{}, err
	}
	defer m.release(lease)

	var (
		saved      Period
		prevStatus Status
	)
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if upd.Version != nil && *upd.Version != p.Version {
			return fmt.Errorf("%w: version %d is stale, current is %d", ErrConcurrentModification, *upd.Version, p.Version)
		}
		prevStatus = p.Status
		if err := ApplyManual(&p, upd.Fields); err != nil {
			return err
		}
		if upd.Status != nil {
			if !upd.Status.Valid() {
				return invalid("status", "unknown status "+strconv.Quote(string(*upd.Status)))
			}
			if err := shared.ValidatePeriodTransition(string(p.Status), string(*upd.Status)); err != nil {
				return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, p.Status, *upd.Status)
			}
			p.Status = *upd.Status
		}
		if upd.Responsible != nil {
			p.Responsible = *upd.Responsible
		}
		if upd.Notes != nil {
			p.Notes = *upd.Notes
		}
		agg := p.Aggregates()
		p.apply(agg, Compute(agg, p.Overrides()))
		p.UpdatedAt = m.now().UTC()
		saved, err = tx.Update(ctx, p)
		return err
	})
	if err != nil {
		return Period{}, err
	}

	changed := make([]string, 0, len(upd.Fields))
	for name := range upd.Fields {
		changed = append(changed, name)
	}
	sort.Strings(changed)
	closed := prevStatus == StatusClosed
	if closed && len(changed) > 0 {
		m.logger.Warn("closed period modified",
			slog.String("period", saved.Key()),
			slog.String("actor", upd.Actor),
			slog.String("operation", "manual_update"),
			slog.Any("fields", changed))
	}
	m.recordAudit(ctx, "cmv.period.update", saved, upd.Actor, map[string]any{
		"fields":      changed,
		"from_status": string(prevStatus),
		"status":      string(saved.Status),
		"closed":      closed,
	})
	return saved, nil
}

// Explain drills field of a stored period down to its line items and
// checks them against the stored value.
func (m *Manager) Explain(ctx context.Context, id int64, field string) (Explanation, error) {
	if _, ok := descriptorIndex[field]; !ok {
		return Explanation{}, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	p, err := m.repo.Get(ctx, id)
	if err != nil {
		return Explanation{}, err
	}
	var items []LineItem
	err = m.withRetry(ctx, func(ctx context.Context) error {
		var e error
		items, e = m.resolver.Explain(ctx, p.BarID, p.Range(), field, p.Overrides())
		return e
	})
	if err != nil {
		return Explanation{}, err
	}
	spec := registryIndex[field]
	record, _ := spec.Get(&p)
	total := sumLines(items)
	return Explanation{
		Field:       field,
		Label:       spec.Label,
		Items:       items,
		Total:       total,
		RecordValue: record,
		Reconciled:  total.Equal(record),
	}, nil
}

// Export loads the periods of a bar-year in week order for reporting.
func (m *Manager) Export(ctx context.Context, barID int64, year int) ([]Period, error) {
	if err := checkBar(barID); err != nil {
		return nil, err
	}
	if err := isoweek.Validate(year, 1); err != nil {
		return nil, err
	}
	var all []Period
	for page := 1; ; page++ {
		items, total, err := m.repo.List(ctx, ListFilter{BarID: barID, Year: year, Page: page, PerPage: shared.MaxPerPage})
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) == 0 || len(all) >= total {
			break
		}
	}
	return all, nil
}

// BarIDs lists every bar with stored periods.
func (m *Manager) BarIDs(ctx context.Context) ([]int64, error) {
	return m.repo.ListBarIDs(ctx)
}

func (m *Manager) recordAudit(ctx context.Context, action string, p Period, actor string, meta map[string]any) {
	if m.audit == nil {
		return
	}
	meta["bar_id"] = p.BarID
	meta["year"] = p.Year
	meta["week"] = p.Week
	err := m.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "cmv_period",
		EntityID: strconv.FormatInt(p.ID, 10),
		Meta:     meta,
		At:       m.now().UTC(),
	})
	if err != nil {
		m.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
