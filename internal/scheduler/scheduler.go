// Package scheduler sweeps due tasks and injects them into the group queue
// so task runs serialize with live user conversations.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// RunTaskFunc executes one task prompt in the target workspace and returns
// the surfaced result plus any new session handle. Supplied by the router.
type RunTaskFunc func(ctx context.Context, task store.ScheduledTask, prompt, sessionID string) (result, newSessionID string, err error)

// Scheduler owns the periodic due-task sweep.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Queue
	run      RunTaskFunc
	interval time.Duration
	now      func() time.Time
}

// New builds a scheduler sweeping at the given interval.
func New(st *store.Store, q *queue.Queue, run RunTaskFunc, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{store: st, queue: q, run: run, interval: interval, now: time.Now}
}

// Start sweeps until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep finds due tasks and enqueues one job per task.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueTasks(store.FormatTime(now))
	if err != nil {
		slog.Error("due task query failed", "error", err)
		return
	}
	for _, task := range due {
		group, err := s.store.GroupByFolder(task.GroupFolder)
		if err != nil {
			slog.Error("task group lookup failed", "task_id", task.ID, "error", err)
			continue
		}
		if group == nil {
			slog.Warn("task owner folder not registered, skipping", "task_id", task.ID, "folder", task.GroupFolder)
			continue
		}
		task := task
		s.queue.Enqueue(task.GroupFolder, func(ctx context.Context) {
			s.execute(ctx, task)
		})
	}
}

func (s *Scheduler) execute(ctx context.Context, task store.ScheduledTask) {
	ctx, span := otel.Tracer("nanoclaw/scheduler").Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("folder", task.GroupFolder),
			attribute.String("schedule_type", task.ScheduleType),
		))
	defer span.End()

	prompt := "Execute scheduled task: " + task.Prompt

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		var err error
		sessionID, err = s.store.GetSession(task.GroupFolder)
		if err != nil {
			slog.Warn("session lookup failed, running isolated", "task_id", task.ID, "error", err)
		}
	}

	started := s.now()
	result, newSessionID, runErr := s.run(ctx, task, prompt, sessionID)
	finished := s.now()

	logStatus := "success"
	logError := ""
	if runErr != nil {
		logStatus = "error"
		logError = runErr.Error()
	}
	if err := s.store.LogTaskRun(store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      store.FormatTime(started),
		DurationMS: finished.Sub(started).Milliseconds(),
		Status:     logStatus,
		Result:     result,
		Error:      logError,
	}); err != nil {
		slog.Error("task run log write failed", "task_id", task.ID, "error", err)
	}

	if newSessionID != "" && task.ContextMode == store.ContextGroup {
		if err := s.store.SetSession(task.GroupFolder, newSessionID); err != nil {
			slog.Error("task session persist failed", "task_id", task.ID, "error", err)
		}
	}

	s.writeBack(task, result, runErr, finished)
}

// writeBack computes next_run and updates the task row. A task deleted or
// cancelled mid-run drops the update; the run log above already recorded
// the execution.
func (s *Scheduler) writeBack(task store.ScheduledTask, result string, runErr error, now time.Time) {
	nextRun, completed, err := NextAfter(task.ScheduleType, task.ScheduleValue, now)
	if err != nil {
		slog.Warn("schedule expression invalid, pausing task", "task_id", task.ID, "error", err)
		if perr := s.store.PauseTaskWithError(task.ID, err.Error()); perr != nil && perr != store.ErrTaskNotFound {
			slog.Error("task pause failed", "task_id", task.ID, "error", perr)
		}
		return
	}

	status := store.TaskActive
	if completed {
		status = store.TaskCompleted
	}
	lastResult := result
	if runErr != nil {
		lastResult = runErr.Error()
	}
	err = s.store.UpdateTaskAfterRun(task.ID, nextRun, store.FormatTime(now), lastResult, status)
	if err == store.ErrTaskNotFound {
		slog.Debug("task removed mid-run, dropping result", "task_id", task.ID)
		return
	}
	if err != nil {
		slog.Error("task update failed", "task_id", task.ID, "error", err)
	}
}
