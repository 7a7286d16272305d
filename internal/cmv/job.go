package cmv

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/barops/cmv/internal/isoweek"
	jobmetrics "github.com/barops/cmv/internal/jobs"
	"github.com/barops/cmv/jobs"
)

// RecomputeJob processes week and year recompute tasks.
type RecomputeJob struct {
	manager *Manager
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewRecomputeJob constructs a job handler.
func NewRecomputeJob(manager *Manager, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecomputeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecomputeJob{manager: manager, logger: logger, metrics: metrics}
}

// Handlers registers the job with the worker.
func (j *RecomputeJob) Handlers() []jobs.TaskHandler {
	return []jobs.TaskHandler{
		{Type: jobs.TaskCMVRecomputeWeek, Handler: j.HandleWeek},
		{Type: jobs.TaskCMVRecomputeYear, Handler: j.HandleYear},
	}
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) || errors.Is(err, ErrValidation)
}

// HandleWeek fulfils the asynq.HandlerFunc contract.
func (j *RecomputeJob) HandleWeek(ctx context.Context, task *asynq.Task) (resultErr error) {
	var payload jobs.RecomputeWeekPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BarID <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(jobs.TaskCMVRecomputeWeek)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	p, err := j.manager.Recompute(ctx, RecomputeInput{
		BarID:          payload.BarID,
		Year:           payload.Year,
		Week:           payload.Week,
		PreserveManual: payload.PreserveManual(),
		Actor:          actorOr(payload.Actor, "job"),
	})
	if err != nil {
		j.metrics.AddRecomputes(payload.BarID, 0, 1)
		j.logger.Error("cmv recompute week", slog.Int64("bar_id", payload.BarID), slog.Int("year", payload.Year), slog.Int("week", payload.Week), slog.Any("error", err))
		if permanent(err) {
			return errors.Join(err, asynq.SkipRetry)
		}
		return err
	}
	j.metrics.AddRecomputes(payload.BarID, 1, 0)
	j.metrics.AddGap(payload.BarID, string(j.manager.ClassifyGap(p)))
	return nil
}

// HandleYear recomputes a whole bar-year. Individual week failures are
// logged and counted but do not fail the task.
func (j *RecomputeJob) HandleYear(ctx context.Context, task *asynq.Task) (resultErr error) {
	var payload jobs.RecomputeYearPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BarID <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(jobs.TaskCMVRecomputeYear)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	report, err := j.manager.RecomputeAll(ctx, RecomputeAllInput{
		BarID:          payload.BarID,
		Year:           payload.Year,
		PreserveManual: payload.PreserveManual(),
		Actor:          actorOr(payload.Actor, "job"),
	})
	if err != nil {
		if permanent(err) {
			return errors.Join(err, asynq.SkipRetry)
		}
		return err
	}
	j.metrics.AddRecomputes(payload.BarID, report.Succeeded, report.Failed)
	for _, out := range report.Results {
		if out.Period != nil {
			j.metrics.AddGap(payload.BarID, string(j.manager.ClassifyGap(*out.Period)))
		}
	}
	return nil
}

// CurrentWeekJob refreshes the running ISO week of each bar on a schedule.
type CurrentWeekJob struct {
	manager *Manager
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewCurrentWeekJob constructs the scheduled handler.
func NewCurrentWeekJob(manager *Manager, logger *slog.Logger, metrics *jobmetrics.Metrics) *CurrentWeekJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CurrentWeekJob{manager: manager, logger: logger.With(slog.String("job", jobs.TaskCMVRecomputeCurrent)), metrics: metrics}
}

// Handle recomputes the current week, and optionally the previous one, for
// every configured bar. It fails only when no bar-week succeeded.
func (j *CurrentWeekJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	var payload jobs.RecomputeCurrentPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.metrics.Track(jobs.TaskCMVRecomputeCurrent)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	bars := payload.BarIDs
	if len(bars) == 0 {
		var err error
		if bars, err = j.manager.BarIDs(ctx); err != nil {
			return err
		}
	}
	if len(bars) == 0 {
		j.logger.Info("no bars to recompute")
		return nil
	}

	current := j.manager.CurrentRange()
	weeks := []isoweek.Range{current}
	if payload.IncludePrevious {
		weeks = append(weeks, current.Previous())
	}

	var ok, failed int
	var lastErr error
	for _, bar := range bars {
		for _, rng := range weeks {
			p, err := j.manager.Recompute(ctx, RecomputeInput{BarID: bar, Year: rng.Year, Week: rng.Week, PreserveManual: true, Actor: "scheduler"})
			if err != nil {
				failed++
				lastErr = err
				j.metrics.AddRecomputes(bar, 0, 1)
				j.logger.Error("cmv scheduled recompute", slog.Int64("bar_id", bar), slog.String("week", rng.String()), slog.Any("error", err))
				continue
			}
			ok++
			j.metrics.AddRecomputes(bar, 1, 0)
			class := j.manager.ClassifyGap(p)
			j.metrics.AddGap(bar, string(class))
			if class == GapOutOfTolerance {
				j.logger.Warn("cmv gap out of tolerance", slog.String("period", p.Key()), slog.String("gap_pct", p.GapPct.String()))
			}
		}
	}
	j.logger.Info("cmv scheduled recompute finished", slog.Int("ok", ok), slog.Int("failed", failed))
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}
