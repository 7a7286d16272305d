package cmv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/shared"
	"github.com/barops/cmv/internal/txstore"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func week(year, w int) isoweek.Range {
	rng, err := isoweek.WeekRange(year, w)
	if err != nil {
		panic(err)
	}
	return rng
}

// fakeStore serves snapshots per bar and can inject upstream failures.
type fakeStore struct {
	mu        sync.Mutex
	bars      map[int64]txstore.Snapshot
	flaky     int
	failStart map[string]bool
	calls     int
}

func newFakeStore(snaps ...txstore.Snapshot) *fakeStore {
	s := &fakeStore{bars: map[int64]txstore.Snapshot{}, failStart: map[string]bool{}}
	for _, snap := range snaps {
		s.bars[snap.BarID] = snap
	}
	return s
}

func (s *fakeStore) check(op string, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.flaky > 0 {
		s.flaky--
		return fmt.Errorf("%w: %s: connection reset", txstore.ErrUpstreamQuery, op)
	}
	if s.failStart[start.Format("2006-01-02")] {
		return fmt.Errorf("%w: %s: timeout", txstore.ErrUpstreamQuery, op)
	}
	return nil
}

func (s *fakeStore) snapshot(barID int64) txstore.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bars[barID]
}

func (s *fakeStore) set(snap txstore.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[snap.BarID] = snap
}

func within(d, start, end time.Time) bool {
	return !d.Before(start) && !d.After(end)
}

func (s *fakeStore) QuerySales(_ context.Context, barID int64, start, end time.Time) ([]txstore.Sale, error) {
	if err := s.check("sales", start); err != nil {
		return nil, err
	}
	var out []txstore.Sale
	for _, r := range s.snapshot(barID).Sales {
		if within(r.Date, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) QueryPurchases(_ context.Context, barID int64, start, end time.Time) ([]txstore.Purchase, error) {
	if err := s.check("purchases", start); err != nil {
		return nil, err
	}
	var out []txstore.Purchase
	for _, r := range s.snapshot(barID).Purchases {
		if within(r.Date, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) QueryStockCounts(_ context.Context, barID int64, start, end time.Time) ([]txstore.StockCount, error) {
	// Stock queries start before the week, so failures key on the week end.
	if err := s.check("stock", end.AddDate(0, 0, -6)); err != nil {
		return nil, err
	}
	var out []txstore.StockCount
	for _, r := range s.snapshot(barID).StockCounts {
		if within(r.CountDate, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) QueryInternalConsumption(_ context.Context, barID int64, start, end time.Time) ([]txstore.Consumption, error) {
	if err := s.check("consumption", start); err != nil {
		return nil, err
	}
	var out []txstore.Consumption
	for _, r := range s.snapshot(barID).Consumption {
		if within(r.Date, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// richSnapshot covers every category of 2025-W03 (13 to 19 January) for bar 1.
func richSnapshot() txstore.Snapshot {
	return txstore.Snapshot{
		BarID: 1,
		Sales: []txstore.Sale{
			{ID: "s1", Date: day("2025-01-13"), Description: "Fechamento segunda", Products: dec("1000"), ServiceCharge: dec("100"), Cover: dec("200"), Discount: dec("50")},
			{ID: "s2", Date: day("2025-01-18"), Description: "Fechamento sábado", Products: dec("800.55"), ServiceCharge: dec("80.05")},
			{ID: "s3", Date: day("2025-01-20"), Description: "Semana seguinte", Products: dec("999")},
		},
		Purchases: []txstore.Purchase{
			{ID: "p1", Date: day("2025-01-14"), Supplier: "Ceasa", DocumentNumber: "NF-1", Category: "Hortifruti", PaymentStatus: "paid", Amount: dec("250.40")},
			{ID: "p2", Date: day("2025-01-15"), Supplier: "Ambev", DocumentNumber: "NF-2", Category: "Cerveja", PaymentStatus: "open", Amount: dec("600")},
			{ID: "p3", Date: day("2025-01-16"), Supplier: "Diageo", DocumentNumber: "NF-3", Category: "Bebidas para drinks", Amount: dec("150.10")},
			{ID: "p4", Date: day("2025-01-17"), Supplier: "Eletricista", DocumentNumber: "NF-4", Category: "Manutenção", Amount: dec("90")},
			{ID: "p5", Date: day("2025-01-19"), Supplier: "Atacadão", DocumentNumber: "NF-5", Category: "Diversos", CostCenter: "kitchen", Amount: dec("10.005")},
			{ID: "p6", Date: day("2025-01-12"), Supplier: "Ambev", DocumentNumber: "NF-0", Category: "Cerveja", Amount: dec("5000")},
		},
		StockCounts: []txstore.StockCount{
			{ID: "o0", CountDate: day("2025-01-05"), ItemCode: "HNK", Description: "Heineken", Location: "Bar", Unit: "un", Quantity: dec("100"), UnitCost: dec("4")},
			{ID: "o1", CountDate: day("2025-01-12"), ItemCode: "HNK", Description: "Heineken", Location: "Bar", Unit: "un", Quantity: dec("48"), UnitCost: dec("4.3333")},
			{ID: "o2", CountDate: day("2025-01-12"), ItemCode: "ARZ", Description: "Arroz", Location: "Cozinha", Unit: "kg", Quantity: dec("10"), UnitCost: dec("5.5")},
			{ID: "o3", CountDate: day("2025-01-12"), ItemCode: "DTG", Description: "Detergente", Category: "Limpeza", Unit: "un", Quantity: dec("5"), UnitCost: dec("3")},
			{ID: "c1", CountDate: day("2025-01-19"), ItemCode: "HNK", Description: "Heineken", Location: "Bar", Unit: "un", Quantity: dec("30"), UnitCost: dec("4.3333")},
			{ID: "c2", CountDate: day("2025-01-19"), ItemCode: "ARZ", Description: "Arroz", Location: "Cozinha", Unit: "kg", Quantity: dec("4"), UnitCost: dec("5.5")},
			{ID: "c3", CountDate: day("2025-01-19"), ItemCode: "GIN", Description: "Gin", Location: "Drinks", Unit: "l", Quantity: dec("1.5"), UnitCost: dec("80.1234")},
			{ID: "c4", CountDate: day("2025-01-19"), ItemCode: "CPO", Description: "Copos", Category: "Descartáveis", Unit: "un", Quantity: dec("200"), UnitCost: dec("0.1")},
		},
		Consumption: []txstore.Consumption{
			{ID: "t1", Date: day("2025-01-13"), Description: "Conta", Motive: "Sócio João", Amount: dec("100")},
			{ID: "t2", Date: day("2025-01-14"), Description: "Mesa 4", Motive: "Aniversário cliente", Amount: dec("60")},
			{ID: "t3", Date: day("2025-01-15"), Description: "Mesa 9", Motive: "Chegadeira", Amount: dec("30")},
			{ID: "t4", Date: day("2025-01-16"), Description: "Camarim", Motive: "Banda", Amount: dec("45.50")},
			{ID: "t5", Date: day("2025-01-17"), Description: "Refeição", Motive: "RH funcionário", Amount: dec("20")},
			{ID: "t6", Date: day("2025-01-18"), Description: "Mesa ADM", Amount: dec("10")},
			{ID: "t7", Date: day("2025-01-19"), Description: "qualquer", Motive: "xyz", Amount: dec("3.33")},
		},
	}
}

// scenarioSnapshot yields opening 1000, purchases 500, closing 800 and
// sellable revenue 2000 for 2025-W03 of bar 2.
func scenarioSnapshot() txstore.Snapshot {
	return txstore.Snapshot{
		BarID: 2,
		Sales: []txstore.Sale{{ID: "s", Date: day("2025-01-15"), Products: dec("2000")}},
		Purchases: []txstore.Purchase{
			{ID: "p", Date: day("2025-01-14"), Category: "Cerveja", Amount: dec("500")},
		},
		StockCounts: []txstore.StockCount{
			{ID: "o", CountDate: day("2025-01-12"), Description: "Chopp", Location: "Bar", Quantity: dec("1000"), UnitCost: dec("1")},
			{ID: "c", CountDate: day("2025-01-19"), Description: "Chopp", Location: "Bar", Quantity: dec("800"), UnitCost: dec("1")},
		},
	}
}

// memoryRepo is an in-memory RepositoryPort. Transactions are serialised
// and roll back on error.
type memoryRepo struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Period
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: map[int64]Period{}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	saved := make(map[int64]Period, len(r.rows))
	for id, p := range r.rows {
		saved[id] = p
	}
	nextID := r.nextID
	r.mu.Unlock()

	if err := fn(ctx, memoryTx{r}); err != nil {
		r.mu.Lock()
		r.rows, r.nextID = saved, nextID
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return p, nil
}

func (r *memoryRepo) FindByKey(_ context.Context, barID int64, year, week int) (Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.BarID == barID && p.Year == year && p.Week == week {
			return p, nil
		}
	}
	return Period{}, ErrPeriodNotFound
}

func (r *memoryRepo) sorted() []Period {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Period, 0, len(r.rows))
	for _, p := range r.rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BarID != b.BarID {
			return a.BarID < b.BarID
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		return a.Week < b.Week
	})
	return out
}

func (r *memoryRepo) List(_ context.Context, f ListFilter) ([]Period, int, error) {
	var matched []Period
	for _, p := range r.sorted() {
		if (f.BarID == 0 || p.BarID == f.BarID) && (f.Year == 0 || p.Year == f.Year) &&
			(f.Week == 0 || p.Week == f.Week) && (f.Status == "" || p.Status == f.Status) {
			matched = append(matched, p)
		}
	}
	page, perPage := shared.NormalizePage(f.Page, f.PerPage)
	from := (page - 1) * perPage
	if from > len(matched) {
		from = len(matched)
	}
	to := from + perPage
	if to > len(matched) {
		to = len(matched)
	}
	return append([]Period{}, matched[from:to]...), len(matched), nil
}

func (r *memoryRepo) ListWeeks(_ context.Context, barID int64, year int) ([]int, error) {
	var weeks []int
	for _, p := range r.sorted() {
		if p.BarID == barID && p.Year == year {
			weeks = append(weeks, p.Week)
		}
	}
	return weeks, nil
}

func (r *memoryRepo) ListBarIDs(context.Context) ([]int64, error) {
	var ids []int64
	seen := map[int64]bool{}
	for _, p := range r.sorted() {
		if !seen[p.BarID] {
			seen[p.BarID] = true
			ids = append(ids, p.BarID)
		}
	}
	return ids, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (t memoryTx) FindByKeyForUpdate(ctx context.Context, barID int64, year, week int) (Period, error) {
	return t.repo.FindByKey(ctx, barID, year, week)
}

func (t memoryTx) GetForUpdate(ctx context.Context, id int64) (Period, error) {
	return t.repo.Get(ctx, id)
}

func (t memoryTx) Insert(ctx context.Context, p Period) (Period, bool, error) {
	if _, err := t.repo.FindByKey(ctx, p.BarID, p.Year, p.Week); err == nil {
		return Period{}, false, nil
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.nextID++
	p.ID = t.repo.nextID
	p.Version = 1
	t.repo.rows[p.ID] = p
	return p, true, nil
}

func (t memoryTx) Update(_ context.Context, p Period) (Period, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	current, ok := t.repo.rows[p.ID]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	if current.Version != p.Version {
		return Period{}, fmt.Errorf("%w: period %d", ErrConcurrentModification, p.ID)
	}
	p.Version++
	t.repo.rows[p.ID] = p
	return p, nil
}

func (t memoryTx) Delete(_ context.Context, id int64) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, ok := t.repo.rows[id]; !ok {
		return ErrPeriodNotFound
	}
	delete(t.repo.rows, id)
	return nil
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}
