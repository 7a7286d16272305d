package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCMV carries reconciliation recomputes.
	QueueCMV = "cmv"

	// TaskCMVRecomputeWeek recomputes a single bar-week.
	TaskCMVRecomputeWeek = "cmv:recompute_week"
	// TaskCMVRecomputeYear recomputes every stored week of a bar-year.
	TaskCMVRecomputeYear = "cmv:recompute_year"
	// TaskCMVRecomputeCurrent refreshes the running week of every bar.
	TaskCMVRecomputeCurrent = "cmv:recompute_current"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "platform:idempotency_cleanup"
)

// RecomputeWeekPayload identifies a bar-week to recompute. ResetManual
// discards reviewer overrides; omitted means keep them.
type RecomputeWeekPayload struct {
	BarID       int64  `json:"bar_id"`
	Year        int    `json:"year"`
	Week        int    `json:"week_number"`
	ResetManual bool   `json:"reset_manual,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// PreserveManual reports whether reviewer overrides survive the recompute.
func (p RecomputeWeekPayload) PreserveManual() bool { return !p.ResetManual }

// RecomputeYearPayload identifies a bar-year to recompute.
type RecomputeYearPayload struct {
	BarID       int64  `json:"bar_id"`
	Year        int    `json:"year"`
	ResetManual bool   `json:"reset_manual,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// PreserveManual reports whether reviewer overrides survive the recompute.
func (p RecomputeYearPayload) PreserveManual() bool { return !p.ResetManual }

// RecomputeCurrentPayload drives the scheduled refresh. Empty BarIDs means
// every bar with stored periods.
type RecomputeCurrentPayload struct {
	BarIDs          []int64 `json:"bar_ids,omitempty"`
	IncludePrevious bool    `json:"include_previous"`
}

// IdempotencyCleanupPayload sets the key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// Retention returns the configured window, defaulting to a week.
func (p IdempotencyCleanupPayload) Retention() time.Duration {
	if p.RetentionHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

func newTask(taskType string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data, opts...), nil
}

// NewRecomputeWeekTask constructs an Asynq task.
func NewRecomputeWeekTask(payload RecomputeWeekPayload) (*asynq.Task, error) {
	return newTask(TaskCMVRecomputeWeek, payload, asynq.Queue(QueueCMV), asynq.MaxRetry(5))
}

// NewRecomputeYearTask constructs an Asynq task.
func NewRecomputeYearTask(payload RecomputeYearPayload) (*asynq.Task, error) {
	return newTask(TaskCMVRecomputeYear, payload, asynq.Queue(QueueCMV), asynq.MaxRetry(2), asynq.Timeout(10*time.Minute))
}

// NewRecomputeCurrentTask constructs the scheduled task.
func NewRecomputeCurrentTask(payload RecomputeCurrentPayload) (*asynq.Task, error) {
	return newTask(TaskCMVRecomputeCurrent, payload, asynq.Queue(QueueCMV), asynq.MaxRetry(3))
}

// NewIdempotencyCleanupTask constructs the scheduled cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, payload, asynq.Queue(QueueDefault))
}
