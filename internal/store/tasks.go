package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task ID does not exist.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		nullable(t.NextRun), nullable(t.LastRun), nullable(t.LastResult), t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks owned by folder, or all tasks when folder is empty.
func (s *Store) ListTasks(folder string) ([]ScheduledTask, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if folder == "" {
		rows, err = s.db.Query(taskSelect + ` ORDER BY created_at ASC`)
	} else {
		rows, err = s.db.Query(taskSelect+` WHERE group_folder = ? ORDER BY created_at ASC`, folder)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`, TaskActive, now)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// SetTaskStatus transitions a task between active/paused/completed.
func (s *Store) SetTaskStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateTaskAfterRun writes back the outcome of one execution. Returns
// ErrTaskNotFound when the task was deleted mid-run, in which case the
// caller drops the update but still keeps the run log.
func (s *Store) UpdateTaskAfterRun(id, nextRun, lastRun, lastResult, status string) error {
	res, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?, status = ?
		WHERE id = ?`,
		nullable(nextRun), nullable(lastRun), nullable(lastResult), status, id)
	if err != nil {
		return fmt.Errorf("update task %s after run: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// PauseTaskWithError parks a task and records why in last_result. Used for
// unparseable cron expressions and negative intervals.
func (s *Store) PauseTaskWithError(id, reason string) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks SET status = ?, next_run = NULL, last_result = ? WHERE id = ?`,
		TaskPaused, reason, id)
	if err != nil {
		return fmt.Errorf("pause task %s: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task permanently. Run logs are kept.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// LogTaskRun appends one execution record.
func (s *Store) LogTaskRun(l TaskRunLog) error {
	_, err := s.db.Exec(`
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt, l.DurationMS, l.Status, nullable(l.Result), nullable(l.Error))
	if err != nil {
		return fmt.Errorf("log task run %s: %w", l.TaskID, err)
	}
	return nil
}

// TaskRuns returns the most recent run logs for a task, newest first.
func (s *Store) TaskRuns(taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task runs %s: %w", taskID, err)
	}
	defer rows.Close()

	var logs []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var result, errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.RunAt, &l.DurationMS, &l.Status, &result, &errMsg); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		l.Result = derefNull(result)
		l.Error = derefNull(errMsg)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

const taskSelect = `
	SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	       next_run, last_run, last_result, status, created_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun, lastResult sql.NullString
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &nextRun, &lastRun, &lastResult, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.NextRun = derefNull(nextRun)
	t.LastRun = derefNull(lastRun)
	t.LastResult = derefNull(lastResult)
	return &t, nil
}
