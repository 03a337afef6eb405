package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var errUnknownTask = errors.New("scheduled task not found")

type ScheduledTask struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Cron          string          `json:"cron"`
	ActionType    string          `json:"action_type"`
	ActionPayload json.RawMessage `json:"action_payload"`
	Tier          string          `json:"tier"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     string          `json:"last_run_at,omitempty"`
	NextRunAt     string          `json:"next_run_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

// loadScheduledTasks registers every enabled task with the cron runner at
// startup. A row whose expression no longer parses is skipped with a
// warning rather than failing boot.
func (a *App) loadScheduledTasks() error {
	tasks, err := a.listScheduledTasks(context.Background())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if err := a.scheduleTask(task.ID, task.Cron); err != nil {
			a.logger.Warn("skipping unschedulable task", "task_id", task.ID, "cron", task.Cron, "error", err)
		}
	}
	return nil
}

// scheduleTask registers (or re-registers) the cron entry for a task and
// stamps its next_run_at. The fire callback re-reads the row so a delete or
// disable that races an imminent tick wins.
func (a *App) scheduleTask(taskID, spec string) error {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", spec, err)
	}

	a.cronMu.Lock()
	if entryID, ok := a.cronEntries[taskID]; ok {
		a.cron.Remove(entryID)
	}
	entryID := a.cron.Schedule(schedule, cron.FuncJob(func() {
		a.fireScheduledTask(taskID)
	}))
	a.cronEntries[taskID] = entryID
	a.cronMu.Unlock()

	next := schedule.Next(time.Now().UTC()).Format(time.RFC3339Nano)
	if _, err := a.db.Exec(`UPDATE scheduled_tasks SET next_run_at = ? WHERE id = ?`, next, taskID); err != nil {
		a.logger.Error("stamp next_run_at failed", "task_id", taskID, "error", err)
	}
	return nil
}

func (a *App) unscheduleTask(taskID string) {
	a.cronMu.Lock()
	if entryID, ok := a.cronEntries[taskID]; ok {
		a.cron.Remove(entryID)
		delete(a.cronEntries, taskID)
	}
	a.cronMu.Unlock()
}

// fireScheduledTask runs when a cron entry ticks. The row is the source of
// truth: a task deleted or disabled between scheduling and firing proposes
// nothing.
func (a *App) fireScheduledTask(taskID string) {
	ctx := context.Background()
	task, err := a.loadScheduledTask(ctx, taskID)
	if errors.Is(err, errUnknownTask) {
		a.unscheduleTask(taskID)
		return
	}
	if err != nil {
		a.logger.Error("load scheduled task failed", "task_id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}
	a.runTask(ctx, task, "schedule")

	if schedule, err := cronParser.Parse(task.Cron); err == nil {
		next := schedule.Next(time.Now().UTC()).Format(time.RFC3339Nano)
		if _, err := a.db.Exec(`UPDATE scheduled_tasks SET next_run_at = ? WHERE id = ?`, next, taskID); err != nil {
			a.logger.Error("stamp next_run_at failed", "task_id", taskID, "error", err)
		}
	}
}

// runTaskNow fires a task immediately, outside its schedule. It stamps
// last_run_at but leaves next_run_at alone: an out-of-band run does not move
// the schedule.
func (a *App) runTaskNow(ctx context.Context, taskID string) error {
	task, err := a.loadScheduledTask(ctx, taskID)
	if err != nil {
		return err
	}
	a.runTask(ctx, task, "schedule")
	return nil
}

func (a *App) runTask(ctx context.Context, task ScheduledTask, origin string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := a.db.Exec(`UPDATE scheduled_tasks SET last_run_at = ? WHERE id = ?`, now, task.ID); err != nil {
		a.logger.Error("stamp last_run_at failed", "task_id", task.ID, "error", err)
	}

	result, err := a.Propose(ctx, ProposeInput{
		Type:        task.ActionType,
		Tier:        task.Tier,
		Title:       task.Name,
		Description: "scheduled task " + task.Name,
		Payload:     task.ActionPayload,
		Origin:      origin,
	})
	if err != nil {
		a.logger.Error("scheduled task proposal failed", "task_id", task.ID, "error", err)
		return
	}
	a.logger.Info("scheduled task fired", "task_id", task.ID, "action_id", result.Action.ID, "status", result.Status)
}

func (a *App) createScheduledTask(ctx context.Context, task ScheduledTask) (ScheduledTask, error) {
	if _, err := cronParser.Parse(task.Cron); err != nil {
		return ScheduledTask{}, fmt.Errorf("parse cron %q: %w", task.Cron, err)
	}
	task.ID = newID("task")
	task.Tier = normalizeTier(task.Tier)
	task.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if len(task.ActionPayload) == 0 {
		task.ActionPayload = json.RawMessage(`{}`)
	}
	enabled := 0
	if task.Enabled {
		enabled = 1
	}
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks(id, name, cron, action_type, action_payload, tier, enabled, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Cron, task.ActionType, string(task.ActionPayload), task.Tier, enabled, task.CreatedAt); err != nil {
		return ScheduledTask{}, fmt.Errorf("insert scheduled task: %w", err)
	}
	if task.Enabled {
		if err := a.scheduleTask(task.ID, task.Cron); err != nil {
			return ScheduledTask{}, err
		}
	}
	a.insertAudit("task_created", task.ID, fmt.Sprintf(`{"name":%q,"cron":%q}`, task.Name, task.Cron))
	return a.loadScheduledTask(ctx, task.ID)
}

// updateScheduledTask patches the given fields. A cron change on an enabled
// task re-registers the timer; everything else leaves the schedule alone.
func (a *App) updateScheduledTask(ctx context.Context, taskID string, patch TaskPatch) (ScheduledTask, error) {
	task, err := a.loadScheduledTask(ctx, taskID)
	if err != nil {
		return ScheduledTask{}, err
	}

	cronChanged := false
	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Cron != nil && *patch.Cron != task.Cron {
		if _, err := cronParser.Parse(*patch.Cron); err != nil {
			return ScheduledTask{}, fmt.Errorf("parse cron %q: %w", *patch.Cron, err)
		}
		task.Cron = *patch.Cron
		cronChanged = true
	}
	if patch.ActionType != nil {
		task.ActionType = *patch.ActionType
	}
	if patch.ActionPayload != nil {
		task.ActionPayload = patch.ActionPayload
	}
	if patch.Tier != nil {
		task.Tier = normalizeTier(*patch.Tier)
	}

	if _, err := a.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET name = ?, cron = ?, action_type = ?, action_payload = ?, tier = ?
		WHERE id = ?
	`, task.Name, task.Cron, task.ActionType, string(task.ActionPayload), task.Tier, taskID); err != nil {
		return ScheduledTask{}, err
	}
	if cronChanged && task.Enabled {
		if err := a.scheduleTask(taskID, task.Cron); err != nil {
			return ScheduledTask{}, err
		}
	}
	a.insertAudit("task_updated", taskID, "{}")
	return a.loadScheduledTask(ctx, taskID)
}

type TaskPatch struct {
	Name          *string         `json:"name"`
	Cron          *string         `json:"cron"`
	ActionType    *string         `json:"action_type"`
	ActionPayload json.RawMessage `json:"action_payload"`
	Tier          *string         `json:"tier"`
}

// setTaskEnabled flips a task on or off, registering or removing its cron
// entry to match.
func (a *App) setTaskEnabled(ctx context.Context, taskID string, enabled bool) error {
	task, err := a.loadScheduledTask(ctx, taskID)
	if err != nil {
		return err
	}
	val := 0
	if enabled {
		val = 1
	}
	if _, err := a.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled = ? WHERE id = ?`, val, taskID); err != nil {
		return err
	}
	if enabled {
		if err := a.scheduleTask(taskID, task.Cron); err != nil {
			return err
		}
		a.insertAudit("task_enabled", taskID, "{}")
	} else {
		a.unscheduleTask(taskID)
		a.insertAudit("task_disabled", taskID, "{}")
	}
	return nil
}

// deleteScheduledTask removes the row first, then the cron entry. A tick
// that slips between the two finds no row and does nothing.
func (a *App) deleteScheduledTask(ctx context.Context, taskID string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, taskID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errUnknownTask
	}
	a.unscheduleTask(taskID)
	a.insertAudit("task_deleted", taskID, "{}")
	return nil
}

func (a *App) loadScheduledTask(ctx context.Context, taskID string) (ScheduledTask, error) {
	var task ScheduledTask
	var payload string
	var enabled int
	err := a.db.QueryRowContext(ctx, `
		SELECT id, name, cron, action_type, action_payload, tier, enabled, last_run_at, next_run_at, created_at
		FROM scheduled_tasks WHERE id = ?
	`, taskID).Scan(
		&task.ID, &task.Name, &task.Cron, &task.ActionType, &payload,
		&task.Tier, &enabled, &task.LastRunAt, &task.NextRunAt, &task.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, errUnknownTask
	}
	if err != nil {
		return ScheduledTask{}, err
	}
	task.ActionPayload = json.RawMessage(payload)
	task.Enabled = enabled != 0
	return task, nil
}

func (a *App) listScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, name, cron, action_type, action_payload, tier, enabled, last_run_at, next_run_at, created_at
		FROM scheduled_tasks
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]ScheduledTask, 0)
	for rows.Next() {
		var task ScheduledTask
		var payload string
		var enabled int
		if err := rows.Scan(
			&task.ID, &task.Name, &task.Cron, &task.ActionType, &payload,
			&task.Tier, &enabled, &task.LastRunAt, &task.NextRunAt, &task.CreatedAt,
		); err != nil {
			return nil, err
		}
		task.ActionPayload = json.RawMessage(payload)
		task.Enabled = enabled != 0
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
