package cmvhttp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/barops/cmv/internal/cmv"
	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/platform/httpx"
	"github.com/barops/cmv/internal/shared"
	"github.com/barops/cmv/internal/txstore"
	"github.com/barops/cmv/jobs"
)

const (
	actorHeader       = "X-Actor"
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "cmv.recompute"
	replayedHeader    = "Idempotent-Replayed"
	xlsxContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// PeriodService is the reconciliation contract the handlers drive.
type PeriodService interface {
	List(ctx context.Context, filter cmv.ListFilter) ([]cmv.Period, shared.Pagination, error)
	Get(ctx context.Context, id int64) (cmv.Period, error)
	CurrentRange() isoweek.Range
	CurrentWeek(ctx context.Context, barID int64) (cmv.Period, error)
	Recompute(ctx context.Context, in cmv.RecomputeInput) (cmv.Period, error)
	RecomputeAll(ctx context.Context, in cmv.RecomputeAllInput) (cmv.BatchReport, error)
	CreateMissingWeeksThrough(ctx context.Context, barID int64, year, target int) ([]cmv.Period, error)
	UpdateManual(ctx context.Context, id int64, upd cmv.ManualUpdate) (cmv.Period, error)
	DeleteByID(ctx context.Context, id int64, actor string) error
	Explain(ctx context.Context, id int64, field string) (cmv.Explanation, error)
	Export(ctx context.Context, barID int64, year int) ([]cmv.Period, error)
	Tolerance() decimal.Decimal
	ClassifyGap(p cmv.Period) cmv.GapClass
}

// TaskEnqueuer schedules recomputes on the worker.
type TaskEnqueuer interface {
	EnqueueRecomputeWeek(ctx context.Context, payload jobs.RecomputeWeekPayload) (*asynq.TaskInfo, error)
	EnqueueRecomputeYear(ctx context.Context, payload jobs.RecomputeYearPayload) (*asynq.TaskInfo, error)
}

// IdempotencyStore deduplicates asynchronous recompute requests.
type IdempotencyStore interface {
	Claim(ctx context.Context, key, module, fingerprint string) (shared.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, key, module string, response []byte) error
	Release(ctx context.Context, key, module string) error
}

// Handler serves the reconciliation JSON API.
type Handler struct {
	logger   *slog.Logger
	service  PeriodService
	tasks    TaskEnqueuer
	idem     IdempotencyStore
	validate *validator.Validate
}

// NewHandler builds the handler. tasks and idem may be nil, which disables
// asynchronous recomputes and request deduplication respectively.
func NewHandler(logger *slog.Logger, service PeriodService, tasks TaskEnqueuer, idem IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, tasks: tasks, idem: idem, validate: validate}
}

type periodResponse struct {
	cmv.Period
	GapClass cmv.GapClass `json:"gap_class"`
}

func (h *Handler) present(p cmv.Period) periodResponse {
	return periodResponse{Period: p, GapClass: h.service.ClassifyGap(p)}
}

func (h *Handler) presentAll(periods []cmv.Period) []periodResponse {
	out := make([]periodResponse, len(periods))
	for i, p := range periods {
		out[i] = h.present(p)
	}
	return out
}

type listResponse struct {
	Items      []periodResponse  `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter cmv.ListFilter
	var err error
	if filter.BarID, err = queryInt64(q.Get("bar_id")); err != nil {
		h.fail(w, "list periods", fieldErr("bar_id", err))
		return
	}
	ints := []struct {
		name   string
		target *int
	}{
		{"year", &filter.Year},
		{"week", &filter.Week},
		{"page", &filter.Page},
		{"per_page", &filter.PerPage},
	}
	for _, p := range ints {
		if *p.target, err = queryInt(q.Get(p.name)); err != nil {
			h.fail(w, "list periods", fieldErr(p.name, err))
			return
		}
	}
	filter.Status = cmv.Status(strings.TrimSpace(q.Get("status")))

	items, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list periods", err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: h.presentAll(items), Pagination: page})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.present(p))
}

type currentWeekResponse struct {
	Year      int             `json:"year"`
	Week      int             `json:"week_number"`
	DateStart time.Time       `json:"date_start"`
	DateEnd   time.Time       `json:"date_end"`
	Period    *periodResponse `json:"period,omitempty"`
}

func (h *Handler) handleCurrentWeek(w http.ResponseWriter, r *http.Request) {
	rng := h.service.CurrentRange()
	resp := currentWeekResponse{Year: rng.Year, Week: rng.Week, DateStart: rng.Start, DateEnd: rng.End}
	barID, err := queryInt64(r.URL.Query().Get("bar_id"))
	if err != nil {
		h.fail(w, "current week", fieldErr("bar_id", err))
		return
	}
	if barID != 0 {
		p, err := h.service.CurrentWeek(r.Context(), barID)
		if err != nil {
			h.fail(w, "current week", err)
			return
		}
		pr := h.present(p)
		resp.Period = &pr
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type recomputeRequest struct {
	BarID          int64 `json:"bar_id" validate:"required,gt=0"`
	Year           int   `json:"year" validate:"required,gte=1,lte=9999"`
	Week           int   `json:"week" validate:"omitempty,gte=1,lte=53"`
	All            bool  `json:"all"`
	PreserveManual *bool `json:"preserve_manual"`
}

func (req recomputeRequest) preserve() bool {
	return req.PreserveManual == nil || *req.PreserveManual
}

// fingerprint identifies the work a request asks for, independent of body
// formatting and of who sends it.
func (req recomputeRequest) fingerprint() string {
	canonical := fmt.Sprintf("%d|%d|%d|%t|%t", req.BarID, req.Year, req.Week, req.All, req.preserve())
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

type weekOutcomeResponse struct {
	Week   int             `json:"week_number"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Period *periodResponse `json:"period,omitempty"`
}

type batchResponse struct {
	ID        string                `json:"id,omitempty"`
	BarID     int64                 `json:"bar_id"`
	Year      int                   `json:"year"`
	Results   []weekOutcomeResponse `json:"results"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Duration  string                `json:"duration,omitempty"`
}

type enqueuedResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
	Type   string `json:"type"`
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if !h.decode(w, r, "recompute", &req) {
		return
	}
	switch {
	case req.All && req.Week != 0:
		h.fail(w, "recompute", &httpx.FieldError{Field: "week", Reason: "cannot be combined with all"})
		return
	case !req.All && req.Week == 0:
		h.fail(w, "recompute", &httpx.FieldError{Field: "week", Reason: "required unless all is set"})
		return
	}
	actor := actorFrom(r)

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.enqueueRecompute(w, r, req, actor)
		return
	}

	if req.All {
		report, err := h.service.RecomputeAll(r.Context(), cmv.RecomputeAllInput{
			BarID: req.BarID, Year: req.Year, PreserveManual: req.preserve(), Actor: actor,
		})
		if err != nil {
			h.fail(w, "recompute all", err)
			return
		}
		resp := batchResponse{
			ID: report.ID, BarID: report.BarID, Year: report.Year,
			Succeeded: report.Succeeded, Failed: report.Failed, Duration: report.Duration,
			Results: make([]weekOutcomeResponse, len(report.Results)),
		}
		for i, out := range report.Results {
			resp.Results[i] = weekOutcomeResponse{Week: out.Week, OK: out.OK, Error: out.Error}
			if out.Period != nil {
				pr := h.present(*out.Period)
				resp.Results[i].Period = &pr
			}
		}
		httpx.JSON(w, http.StatusOK, resp)
		return
	}

	p, err := h.service.Recompute(r.Context(), cmv.RecomputeInput{
		BarID: req.BarID, Year: req.Year, Week: req.Week, PreserveManual: req.preserve(), Actor: actor,
	})
	if err != nil {
		h.fail(w, "recompute", err)
		return
	}
	pr := h.present(p)
	httpx.JSON(w, http.StatusOK, weekOutcomeResponse{Week: p.Week, OK: true, Period: &pr})
}

func (h *Handler) enqueueRecompute(w http.ResponseWriter, r *http.Request, req recomputeRequest, actor string) {
	if h.tasks == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "asynchronous recompute is not configured")
		return
	}
	if req.Week != 0 {
		if err := isoweek.Validate(req.Year, req.Week); err != nil {
			h.fail(w, "enqueue recompute", err)
			return
		}
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	claimed := false
	if key != "" && h.idem != nil {
		rec, ok, err := h.idem.Claim(r.Context(), key, idempotencyModule, req.fingerprint())
		if err != nil {
			h.fail(w, "enqueue recompute", err)
			return
		}
		if !ok {
			h.replay(w, rec, req.fingerprint())
			return
		}
		claimed = true
	}

	var (
		info *asynq.TaskInfo
		err  error
	)
	if req.All {
		info, err = h.tasks.EnqueueRecomputeYear(r.Context(), jobs.RecomputeYearPayload{
			BarID: req.BarID, Year: req.Year, ResetManual: !req.preserve(), Actor: actor,
		})
	} else {
		info, err = h.tasks.EnqueueRecomputeWeek(r.Context(), jobs.RecomputeWeekPayload{
			BarID: req.BarID, Year: req.Year, Week: req.Week, ResetManual: !req.preserve(), Actor: actor,
		})
	}
	if err != nil {
		if claimed {
			if relErr := h.idem.Release(r.Context(), key, idempotencyModule); relErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", relErr))
			}
		}
		h.fail(w, "enqueue recompute", fmt.Errorf("%w: %w", httpx.ErrUpstream, err))
		return
	}
	resp := enqueuedResponse{TaskID: info.ID, Queue: info.Queue, Type: info.Type}
	if claimed {
		body, _ := json.Marshal(resp)
		if err := h.idem.Complete(r.Context(), key, idempotencyModule, body); err != nil {
			h.logger.Warn("record idempotent response", slog.String("task_id", info.ID), slog.Any("error", err))
		}
	}
	h.logger.Info("cmv recompute enqueued",
		slog.Int64("bar_id", req.BarID), slog.Int("year", req.Year), slog.Int("week", req.Week),
		slog.String("task_id", info.ID))
	httpx.JSON(w, http.StatusAccepted, resp)
}

// replay answers a repeated Idempotency-Key with the first response.
func (h *Handler) replay(w http.ResponseWriter, rec shared.IdempotencyRecord, fingerprint string) {
	body, err := rec.Replay(fingerprint)
	if err != nil {
		h.fail(w, "enqueue recompute", err)
		return
	}
	var resp enqueuedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		h.fail(w, "enqueue recompute", fmt.Errorf("decode stored response: %w", err))
		return
	}
	w.Header().Set(replayedHeader, "true")
	httpx.JSON(w, http.StatusAccepted, resp)
}

type createMissingRequest struct {
	BarID       int64 `json:"bar_id" validate:"required,gt=0"`
	Year        int   `json:"year" validate:"omitempty,gte=1,lte=9999"`
	ThroughWeek int   `json:"through_week" validate:"required,gte=1,lte=53"`
}

type createMissingResponse struct {
	Created []periodResponse `json:"created"`
	Count   int              `json:"count"`
}

func (h *Handler) handleCreateMissing(w http.ResponseWriter, r *http.Request) {
	var req createMissingRequest
	if !h.decode(w, r, "create missing weeks", &req) {
		return
	}
	if req.Year == 0 {
		req.Year = h.service.CurrentRange().Year
	}
	created, err := h.service.CreateMissingWeeksThrough(r.Context(), req.BarID, req.Year, req.ThroughWeek)
	if err != nil {
		h.fail(w, "create missing weeks", err)
		return
	}
	httpx.JSON(w, http.StatusOK, createMissingResponse{Created: h.presentAll(created), Count: len(created)})
}

type updateRequest struct {
	Fields      map[string]*decimal.Decimal `json:"fields"`
	Status      *string                     `json:"status"`
	Responsible *string                     `json:"responsible" validate:"omitempty,max=120"`
	Notes       *string                     `json:"notes" validate:"omitempty,max=4000"`
	Version     *int                        `json:"version" validate:"omitempty,gte=1"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !h.decode(w, r, "update period", &req) {
		return
	}
	upd := cmv.ManualUpdate{
		Fields:      req.Fields,
		Responsible: req.Responsible,
		Notes:       req.Notes,
		Version:     req.Version,
		Actor:       actorFrom(r),
	}
	if req.Status != nil {
		st := cmv.Status(strings.TrimSpace(*req.Status))
		upd.Status = &st
	}
	p, err := h.service.UpdateManual(r.Context(), id, upd)
	if err != nil {
		h.fail(w, "update period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.present(p))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteByID(r.Context(), id, actorFrom(r)); err != nil {
		h.fail(w, "delete period", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExplain(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	field := strings.TrimSpace(r.URL.Query().Get("field"))
	if field == "" {
		h.fail(w, "explain", &httpx.FieldError{Field: "field", Reason: "required"})
		return
	}
	ex, err := h.service.Explain(r.Context(), id, field)
	if err != nil {
		h.fail(w, "explain", err)
		return
	}
	if !ex.Reconciled {
		h.logger.Warn("cmv drill-down does not match stored value",
			slog.Int64("period_id", id), slog.String("field", field),
			slog.String("total", ex.Total.String()), slog.String("record_value", ex.RecordValue.String()))
	}
	httpx.JSON(w, http.StatusOK, ex)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	barID, err := queryInt64(q.Get("bar_id"))
	if err != nil || barID <= 0 {
		h.fail(w, "export", &httpx.FieldError{Field: "bar_id", Reason: "must be a positive integer"})
		return
	}
	year, err := queryInt(q.Get("year"))
	if err != nil {
		h.fail(w, "export", fieldErr("year", err))
		return
	}
	if year == 0 {
		year = h.service.CurrentRange().Year
	}
	periods, err := h.service.Export(r.Context(), barID, year)
	if err != nil {
		h.fail(w, "export", err)
		return
	}
	var buf bytes.Buffer
	if err := cmv.WriteWorkbook(&buf, periods, h.service.Tolerance()); err != nil {
		h.fail(w, "render workbook", err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"cmv-%d-%d.xlsx\"", barID, year))
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("write workbook", slog.Any("error", err))
	}
}

func (h *Handler) periodID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, "parse period id", &httpx.FieldError{Field: "id", Reason: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		var fe *httpx.FieldError
		if !errors.As(err, &fe) {
			err = fmt.Errorf("%w: malformed body: %v", httpx.ErrValidation, err)
		}
		h.fail(w, op, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			err = &httpx.FieldError{Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag() + " rule"}
		}
		h.fail(w, op, err)
		return false
	}
	return true
}

// fail maps domain errors onto the httpx taxonomy and writes the problem.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	mapped := translate(err)
	switch {
	case errors.Is(mapped, httpx.ErrUpstream):
		h.logger.Error(op, slog.Any("error", err))
	case isClientError(mapped):
		h.logger.Debug(op, slog.Any("error", err))
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func translate(err error) error {
	var ve *cmv.ValidationError
	switch {
	case errors.As(err, &ve):
		return &httpx.FieldError{Field: ve.Field, Reason: ve.Reason}
	case errors.Is(err, cmv.ErrPeriodNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, cmv.ErrConcurrentModification):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return fmt.Errorf("%w: %w", httpx.ErrDuplicate, err)
	case errors.Is(err, shared.ErrIdempotencyInFlight):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, cmv.ErrInvalidPeriod),
		errors.Is(err, cmv.ErrUnknownField),
		errors.Is(err, cmv.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	case errors.Is(err, txstore.ErrUpstreamQuery):
		return fmt.Errorf("%w: %w", httpx.ErrUpstream, err)
	}
	return err
}

func isClientError(err error) bool {
	var fe *httpx.FieldError
	return errors.As(err, &fe) ||
		errors.Is(err, httpx.ErrNotFound) ||
		errors.Is(err, httpx.ErrConflict) ||
		errors.Is(err, httpx.ErrDuplicate) ||
		errors.Is(err, httpx.ErrValidation)
}

func fieldErr(field string, err error) error {
	return &httpx.FieldError{Field: field, Reason: err.Error()}
}

var errNotInteger = errors.New("must be an integer")

func queryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errNotInteger
	}
	return v, nil
}

func queryInt64(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errNotInteger
	}
	return v, nil
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return actor
	}
	return "api"
}
