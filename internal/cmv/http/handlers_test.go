package cmvhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/barops/cmv/internal/cmv"
	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/platform/httpx"
	"github.com/barops/cmv/internal/shared"
	"github.com/barops/cmv/internal/txstore"
	"github.com/barops/cmv/jobs"
)

type stubService struct {
	listFn         func(ctx context.Context, f cmv.ListFilter) ([]cmv.Period, shared.Pagination, error)
	getFn          func(ctx context.Context, id int64) (cmv.Period, error)
	recomputeFn    func(ctx context.Context, in cmv.RecomputeInput) (cmv.Period, error)
	recomputeAllFn func(ctx context.Context, in cmv.RecomputeAllInput) (cmv.BatchReport, error)
	createFn       func(ctx context.Context, barID int64, year, target int) ([]cmv.Period, error)
	updateFn       func(ctx context.Context, id int64, upd cmv.ManualUpdate) (cmv.Period, error)
	deleteFn       func(ctx context.Context, id int64, actor string) error
	explainFn      func(ctx context.Context, id int64, field string) (cmv.Explanation, error)
	exportFn       func(ctx context.Context, barID int64, year int) ([]cmv.Period, error)
}

func (s *stubService) List(ctx context.Context, f cmv.ListFilter) ([]cmv.Period, shared.Pagination, error) {
	return s.listFn(ctx, f)
}

func (s *stubService) Get(ctx context.Context, id int64) (cmv.Period, error) { return s.getFn(ctx, id) }

func (s *stubService) CurrentRange() isoweek.Range {
	rng, _ := isoweek.WeekRange(2025, 3)
	return rng
}

func (s *stubService) CurrentWeek(ctx context.Context, barID int64) (cmv.Period, error) {
	return cmv.Period{ID: 9, BarID: barID, Year: 2025, Week: 3}, nil
}

func (s *stubService) Recompute(ctx context.Context, in cmv.RecomputeInput) (cmv.Period, error) {
	return s.recomputeFn(ctx, in)
}

func (s *stubService) RecomputeAll(ctx context.Context, in cmv.RecomputeAllInput) (cmv.BatchReport, error) {
	return s.recomputeAllFn(ctx, in)
}

func (s *stubService) CreateMissingWeeksThrough(ctx context.Context, barID int64, year, target int) ([]cmv.Period, error) {
	return s.createFn(ctx, barID, year, target)
}

func (s *stubService) UpdateManual(ctx context.Context, id int64, upd cmv.ManualUpdate) (cmv.Period, error) {
	return s.updateFn(ctx, id, upd)
}

func (s *stubService) DeleteByID(ctx context.Context, id int64, actor string) error {
	return s.deleteFn(ctx, id, actor)
}

func (s *stubService) Explain(ctx context.Context, id int64, field string) (cmv.Explanation, error) {
	return s.explainFn(ctx, id, field)
}

func (s *stubService) Export(ctx context.Context, barID int64, year int) ([]cmv.Period, error) {
	return s.exportFn(ctx, barID, year)
}

func (s *stubService) Tolerance() decimal.Decimal { return cmv.DefaultTolerance }

func (s *stubService) ClassifyGap(p cmv.Period) cmv.GapClass {
	return cmv.ClassifyGap(p.GapPct, cmv.DefaultTolerance)
}

type stubTasks struct {
	week []jobs.RecomputeWeekPayload
	year []jobs.RecomputeYearPayload
	err  error
}

func (s *stubTasks) EnqueueRecomputeWeek(_ context.Context, p jobs.RecomputeWeekPayload) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.week = append(s.week, p)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueCMV, Type: jobs.TaskCMVRecomputeWeek}, nil
}

func (s *stubTasks) EnqueueRecomputeYear(_ context.Context, p jobs.RecomputeYearPayload) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.year = append(s.year, p)
	return &asynq.TaskInfo{ID: "task-2", Queue: jobs.QueueCMV, Type: jobs.TaskCMVRecomputeYear}, nil
}

type memoryIdempotency struct {
	keys map[string]shared.IdempotencyRecord
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: map[string]shared.IdempotencyRecord{}}
}

func (m *memoryIdempotency) Claim(_ context.Context, key, module, fingerprint string) (shared.IdempotencyRecord, bool, error) {
	if rec, ok := m.keys[module+"/"+key]; ok {
		return rec, false, nil
	}
	rec := shared.IdempotencyRecord{Fingerprint: fingerprint}
	m.keys[module+"/"+key] = rec
	return rec, true, nil
}

func (m *memoryIdempotency) Complete(_ context.Context, key, module string, response []byte) error {
	rec := m.keys[module+"/"+key]
	rec.Response = response
	m.keys[module+"/"+key] = rec
	return nil
}

func (m *memoryIdempotency) Release(_ context.Context, key, module string) error {
	delete(m.keys, module+"/"+key)
	return nil
}

func newRouter(svc PeriodService, tasks TaskEnqueuer, idem IdempotencyStore) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, svc, tasks, idem).MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), target), rr.Body.String())
}

func samplePeriod() cmv.Period {
	return cmv.Period{
		ID: 7, BarID: 2, Year: 2025, Week: 3,
		CMVRealValue: decimal.RequireFromString("700"),
		CMVCleanPct:  decimal.RequireFromString("35"),
		GapPct:       decimal.RequireFromString("7.5"),
		Status:       cmv.StatusDraft,
		Version:      2,
	}
}

func TestListPassesFiltersAndClassifiesGap(t *testing.T) {
	var got cmv.ListFilter
	svc := &stubService{listFn: func(_ context.Context, f cmv.ListFilter) ([]cmv.Period, shared.Pagination, error) {
		got = f
		return []cmv.Period{samplePeriod()}, shared.NewPagination(f.Page, f.PerPage, 1), nil
	}}
	rr := do(t, newRouter(svc, nil, nil), http.MethodGet, "/periods?bar_id=2&year=2025&week=3&status=draft&page=1&per_page=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, cmv.ListFilter{BarID: 2, Year: 2025, Week: 3, Status: cmv.StatusDraft, Page: 1, PerPage: 10}, got)

	var body struct {
		Items []struct {
			ID           int64  `json:"id"`
			GapClass     string `json:"gap_class"`
			CMVRealValue string `json:"cmv_real_value"`
		} `json:"items"`
		Pagination shared.Pagination `json:"pagination"`
	}
	decodeBody(t, rr, &body)
	require.Len(t, body.Items, 1)
	require.Equal(t, string(cmv.GapOutOfTolerance), body.Items[0].GapClass)
	require.Equal(t, "700", body.Items[0].CMVRealValue)
	require.Equal(t, 1, body.Pagination.Total)
}

func TestListRejectsMalformedQuery(t *testing.T) {
	rr := do(t, newRouter(&stubService{}, nil, nil), http.MethodGet, "/periods?year=abc", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var problem httpx.ProblemDetail
	decodeBody(t, rr, &problem)
	require.Equal(t, "year", problem.Field)
}

func TestGetMapsNotFound(t *testing.T) {
	svc := &stubService{getFn: func(context.Context, int64) (cmv.Period, error) {
		return cmv.Period{}, cmv.ErrPeriodNotFound
	}}
	router := newRouter(svc, nil, nil)
	require.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/periods/5", "").Code)
	require.Equal(t, http.StatusUnprocessableEntity, do(t, router, http.MethodGet, "/periods/abc", "").Code)
}

func TestCurrentWeekReportsRangeAndRecord(t *testing.T) {
	router := newRouter(&stubService{}, nil, nil)
	rr := do(t, router, http.MethodGet, "/periods/current-week", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Year      int             `json:"year"`
		Week      int             `json:"week_number"`
		DateStart time.Time       `json:"date_start"`
		Period    json.RawMessage `json:"period"`
	}
	decodeBody(t, rr, &body)
	require.Equal(t, 2025, body.Year)
	require.Equal(t, 3, body.Week)
	require.Equal(t, time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), body.DateStart)
	require.Empty(t, body.Period)

	rr = do(t, router, http.MethodGet, "/periods/current-week?bar_id=4", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"bar_id":4`)
}

func TestRecomputeSingleWeekDefaultsToPreservingManual(t *testing.T) {
	var got cmv.RecomputeInput
	svc := &stubService{recomputeFn: func(_ context.Context, in cmv.RecomputeInput) (cmv.Period, error) {
		got = in
		return samplePeriod(), nil
	}}
	rr := do(t, newRouter(svc, nil, nil), http.MethodPost, "/periods/recompute", `{"bar_id":2,"year":2025,"week":3}`, actorHeader, "ana")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, cmv.RecomputeInput{BarID: 2, Year: 2025, Week: 3, PreserveManual: true, Actor: "ana"}, got)

	var body weekOutcomeResponse
	decodeBody(t, rr, &body)
	require.True(t, body.OK)
	require.Equal(t, 3, body.Week)
	require.Equal(t, cmv.GapOutOfTolerance, body.Period.GapClass)
}

func TestRecomputeAllReturnsPerWeekOutcome(t *testing.T) {
	p := samplePeriod()
	svc := &stubService{recomputeAllFn: func(_ context.Context, in cmv.RecomputeAllInput) (cmv.BatchReport, error) {
		require.False(t, in.PreserveManual)
		return cmv.BatchReport{ID: "b1", BarID: in.BarID, Year: in.Year, Succeeded: 1, Failed: 1, Results: []cmv.WeekOutcome{
			{Week: 2, Error: "txstore: upstream query failed"},
			{Week: 3, OK: true, Period: &p},
		}}, nil
	}}
	rr := do(t, newRouter(svc, nil, nil), http.MethodPost, "/periods/recompute", `{"bar_id":2,"year":2025,"all":true,"preserve_manual":false}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var body batchResponse
	decodeBody(t, rr, &body)
	require.Equal(t, 1, body.Failed)
	require.Len(t, body.Results, 2)
	require.False(t, body.Results[0].OK)
	require.Nil(t, body.Results[0].Period)
	require.Equal(t, int64(7), body.Results[1].Period.ID)
}

func TestRecomputeValidatesBody(t *testing.T) {
	router := newRouter(&stubService{}, nil, nil)
	cases := []struct {
		body  string
		field string
	}{
		{body: `{"year":2025,"week":3}`, field: "bar_id"},
		{body: `{"bar_id":2,"year":2025}`, field: "week"},
		{body: `{"bar_id":2,"year":2025,"week":3,"all":true}`, field: "week"},
		{body: `{"bar_id":2,"year":2025,"week":60}`, field: "week"},
	}
	for _, tc := range cases {
		rr := do(t, router, http.MethodPost, "/periods/recompute", tc.body)
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code, tc.body)
		var problem httpx.ProblemDetail
		decodeBody(t, rr, &problem)
		require.Equal(t, tc.field, problem.Field, tc.body)
	}
	require.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/periods/recompute", `{"bar_id":`).Code)
}

func TestRecomputeMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: 2025-W53", cmv.ErrInvalidPeriod), http.StatusBadRequest},
		{fmt.Errorf("%w: lock held", cmv.ErrConcurrentModification), http.StatusConflict},
		{fmt.Errorf("%w: sales: timeout", txstore.ErrUpstreamQuery), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &stubService{recomputeFn: func(context.Context, cmv.RecomputeInput) (cmv.Period, error) {
			return cmv.Period{}, tc.err
		}}
		rr := do(t, newRouter(svc, nil, nil), http.MethodPost, "/periods/recompute", `{"bar_id":2,"year":2025,"week":3}`)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
	}
}

func TestAsyncRecomputeEnqueuesOncePerIdempotencyKey(t *testing.T) {
	tasks := &stubTasks{}
	idem := newMemoryIdempotency()
	router := newRouter(&stubService{}, tasks, idem)

	rr := do(t, router, http.MethodPost, "/periods/recompute?async=true", `{"bar_id":2,"year":2025,"week":3}`, idempotencyHeader, "k1", actorHeader, "ana")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var body enqueuedResponse
	decodeBody(t, rr, &body)
	require.Equal(t, "task-1", body.TaskID)
	require.Empty(t, rr.Header().Get(replayedHeader))
	require.Equal(t, []jobs.RecomputeWeekPayload{{BarID: 2, Year: 2025, Week: 3, Actor: "ana"}}, tasks.week)

	// Same request, different formatting: replayed without a second enqueue.
	rr = do(t, router, http.MethodPost, "/periods/recompute?async=true", `{"week":3, "year":2025, "bar_id":2, "preserve_manual":true}`, idempotencyHeader, "k1")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "true", rr.Header().Get(replayedHeader))
	var replayed enqueuedResponse
	decodeBody(t, rr, &replayed)
	require.Equal(t, body, replayed)
	require.Len(t, tasks.week, 1)

	rr = do(t, router, http.MethodPost, "/periods/recompute?async=true", `{"bar_id":2,"year":2025,"week":4}`, idempotencyHeader, "k1")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Len(t, tasks.week, 1)

	rr = do(t, router, http.MethodPost, "/periods/recompute?async=true", `{"bar_id":2,"year":2025,"all":true}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, tasks.year, 1)
}

func TestAsyncRecomputeReleasesKeyOnEnqueueFailure(t *testing.T) {
	tasks := &stubTasks{err: errors.New("redis down")}
	idem := newMemoryIdempotency()
	router := newRouter(&stubService{}, tasks, idem)

	rr := do(t, router, http.MethodPost, "/periods/recompute?async=true", `{"bar_id":2,"year":2025,"week":3}`, idempotencyHeader, "k1")
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Empty(t, idem.keys)
}

func TestAsyncRecomputeKeyInProgress(t *testing.T) {
	tasks := &stubTasks{}
	idem := newMemoryIdempotency()
	body := `{"bar_id":2,"year":2025,"week":3}`
	_, _, err := idem.Claim(context.Background(), "k1", idempotencyModule, recomputeRequest{BarID: 2, Year: 2025, Week: 3}.fingerprint())
	require.NoError(t, err)

	rr := do(t, newRouter(&stubService{}, tasks, idem), http.MethodPost, "/periods/recompute?async=true", body, idempotencyHeader, "k1")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Empty(t, tasks.week)
}

func TestAsyncRecomputeResetManualReachesPayload(t *testing.T) {
	tasks := &stubTasks{}
	router := newRouter(&stubService{}, tasks, nil)

	rr := do(t, router, http.MethodPost, "/periods/recompute?async=true", `{"bar_id":2,"year":2025,"week":3,"preserve_manual":false}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = do(t, router, http.MethodPost, "/periods/recompute?async=true", `{"bar_id":2,"year":2025,"all":true}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Equal(t, []jobs.RecomputeWeekPayload{{BarID: 2, Year: 2025, Week: 3, ResetManual: true, Actor: "api"}}, tasks.week)
	require.Equal(t, []jobs.RecomputeYearPayload{{BarID: 2, Year: 2025, Actor: "api"}}, tasks.year)
}

func TestAsyncRecomputeWithoutWorker(t *testing.T) {
	rr := do(t, newRouter(&stubService{}, nil, nil), http.MethodPost, "/periods/recompute?async=1", `{"bar_id":2,"year":2025,"week":3}`)
	require.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestCreateMissingDefaultsYear(t *testing.T) {
	var gotYear, gotTarget int
	svc := &stubService{createFn: func(_ context.Context, barID int64, year, target int) ([]cmv.Period, error) {
		gotYear, gotTarget = year, target
		return []cmv.Period{{ID: 1, BarID: barID, Year: year, Week: 1}}, nil
	}}
	rr := do(t, newRouter(svc, nil, nil), http.MethodPost, "/periods/create-missing", `{"bar_id":4,"through_week":5}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 2025, gotYear)
	require.Equal(t, 5, gotTarget)
	var body createMissingResponse
	decodeBody(t, rr, &body)
	require.Equal(t, 1, body.Count)
}

func TestUpdateForwardsManualFields(t *testing.T) {
	var got cmv.ManualUpdate
	svc := &stubService{updateFn: func(_ context.Context, id int64, upd cmv.ManualUpdate) (cmv.Period, error) {
		require.Equal(t, int64(7), id)
		got = upd
		return samplePeriod(), nil
	}}
	body := `{"fields":{"cmv_theoretical_pct":"30","sellable_revenue_override":null},"status":"under_review","version":2}`
	rr := do(t, newRouter(svc, nil, nil), http.MethodPut, "/periods/7", body, actorHeader, "ana")
	require.Equal(t, http.StatusOK, rr.Code)

	require.Equal(t, "30", got.Fields["cmv_theoretical_pct"].String())
	override, present := got.Fields["sellable_revenue_override"]
	require.True(t, present)
	require.Nil(t, override)
	require.Equal(t, cmv.StatusUnderReview, *got.Status)
	require.Equal(t, 2, *got.Version)
	require.Equal(t, "ana", got.Actor)
}

func TestUpdateSurfacesFieldValidation(t *testing.T) {
	svc := &stubService{updateFn: func(context.Context, int64, cmv.ManualUpdate) (cmv.Period, error) {
		return cmv.Period{}, &cmv.ValidationError{Field: "purchases_total", Reason: "computed field cannot be written"}
	}}
	rr := do(t, newRouter(svc, nil, nil), http.MethodPut, "/periods/7", `{"fields":{"purchases_total":1}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var problem httpx.ProblemDetail
	decodeBody(t, rr, &problem)
	require.Equal(t, "purchases_total", problem.Field)

	svc.updateFn = func(context.Context, int64, cmv.ManualUpdate) (cmv.Period, error) {
		return cmv.Period{}, fmt.Errorf("%w: draft to closed", cmv.ErrInvalidTransition)
	}
	rr = do(t, newRouter(svc, nil, nil), http.MethodPut, "/periods/7", `{"status":"closed"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteReturnsNoContent(t *testing.T) {
	var actor string
	svc := &stubService{deleteFn: func(_ context.Context, id int64, a string) error {
		actor = a
		return nil
	}}
	rr := do(t, newRouter(svc, nil, nil), http.MethodDelete, "/periods/7", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "api", actor)
}

func TestExplainRequiresField(t *testing.T) {
	svc := &stubService{explainFn: func(_ context.Context, id int64, field string) (cmv.Explanation, error) {
		if field == "gap_pct" {
			return cmv.Explanation{}, fmt.Errorf("%w: %s", cmv.ErrUnknownField, field)
		}
		return cmv.Explanation{Field: field, Items: []cmv.LineItem{}, Total: decimal.NewFromInt(500), RecordValue: decimal.NewFromInt(500), Reconciled: true}, nil
	}}
	router := newRouter(svc, nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, do(t, router, http.MethodGet, "/periods/7/explain", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/periods/7/explain?field=gap_pct", "").Code)

	rr := do(t, router, http.MethodGet, "/periods/7/explain?field=purchases_total", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var ex cmv.Explanation
	decodeBody(t, rr, &ex)
	require.True(t, ex.Reconciled)
	require.Equal(t, "500", ex.Total.String())
}

func TestExportServesWorkbook(t *testing.T) {
	svc := &stubService{exportFn: func(_ context.Context, barID int64, year int) ([]cmv.Period, error) {
		p := samplePeriod()
		p.DateStart = time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
		p.DateEnd = time.Date(2025, 1, 19, 0, 0, 0, 0, time.UTC)
		return []cmv.Period{p}, nil
	}}
	rr := do(t, newRouter(svc, nil, nil), http.MethodGet, "/periods/export.xlsx?bar_id=2&year=2025", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, xlsxContentType, rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Header().Get("Content-Disposition"), "cmv-2-2025.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	header, err := f.GetCellValue("CMV", "B1")
	require.NoError(t, err)
	require.Equal(t, "2025-W03", header)

	require.Equal(t, http.StatusUnprocessableEntity, do(t, newRouter(svc, nil, nil), http.MethodGet, "/periods/export.xlsx", "").Code)
}

func TestHeavyRoutesAreRateLimited(t *testing.T) {
	svc := &stubService{exportFn: func(context.Context, int64, int) ([]cmv.Period, error) { return nil, nil }}
	router := newRouter(svc, nil, nil)
	var last int
	for i := 0; i <= heavyRateLimit; i++ {
		last = do(t, router, http.MethodGet, "/periods/export.xlsx?bar_id=2&year=2025", "", actorHeader, "bulk").Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}
