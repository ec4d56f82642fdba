package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/GopiR17/backstage-prod/pkg/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// taskRow mirrors the tasks table; spec and secrets stay serialized text at
// the storage boundary.
type taskRow struct {
	ID              string         `db:"id"`
	Spec            string         `db:"spec"`
	Status          string         `db:"status"`
	LastHeartbeatAt *time.Time     `db:"last_heartbeat_at"`
	CreatedAt       time.Time      `db:"created_at"`
	CreatedBy       sql.NullString `db:"created_by"`
	Secrets         sql.NullString `db:"secrets"`
}

// toTask converts a row, validating JSON payloads. A payload that fails to
// parse is fatal for that record only and is reported with the task id.
func (r taskRow) toTask(includeSecrets bool) (models.Task, error) {
	if !json.Valid([]byte(r.Spec)) {
		return models.Task{}, errors.Wrapf(storage.ErrCorrupted, "failed to parse spec of task %q", r.ID)
	}
	t := models.Task{
		ID:              r.ID,
		Spec:            json.RawMessage(r.Spec),
		Status:          models.TaskStatus(r.Status),
		CreatedBy:       r.CreatedBy.String,
		LastHeartbeatAt: r.LastHeartbeatAt,
		CreatedAt:       r.CreatedAt,
	}
	if includeSecrets && r.Secrets.Valid {
		if !json.Valid([]byte(r.Secrets.String)) {
			return models.Task{}, errors.Wrapf(storage.ErrCorrupted, "failed to parse secrets of task %q", r.ID)
		}
		t.Secrets = json.RawMessage(r.Secrets.String)
	}
	return t, nil
}

// CreateTask inserts a new task with status "open" and returns its generated ID.
func (s *PostgresStore) CreateTask(spec, secrets json.RawMessage, createdBy string) (string, error) {
	taskID := uuid.NewString()
	var secretsArg interface{}
	if secrets != nil {
		secretsArg = string(secrets)
	}
	var createdByArg interface{}
	if createdBy != "" {
		createdByArg = createdBy
	}
	_, err := s.db.Exec(
		"INSERT INTO tasks (id, spec, status, created_by, secrets, created_at) VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)",
		taskID, string(spec), models.OpenTaskStatus, createdByArg, secretsArg)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return taskID, nil
}

// ListTasks returns all tasks newest first, optionally filtered by creator.
// Secrets are never included in listings.
func (s *PostgresStore) ListTasks(createdBy string) ([]models.Task, error) {
	rows := []taskRow{}
	var err error
	if createdBy != "" {
		err = s.db.Select(&rows, "SELECT * FROM tasks WHERE created_by = $1 ORDER BY created_at DESC", createdBy)
	} else {
		err = s.db.Select(&rows, "SELECT * FROM tasks ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := []models.Task{}
	for _, r := range rows {
		t, err := r.toTask(false)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTask retrieves a task by ID, including secrets while still present.
func (s *PostgresStore) GetTask(taskID string) (models.Task, error) {
	var row taskRow
	err := s.db.Get(&row, "SELECT * FROM tasks WHERE id = $1", taskID)
	if err == sql.ErrNoRows {
		return models.Task{}, errors.Wrapf(storage.ErrNotFound, "no task with id %q", taskID)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return row.toTask(true)
}

// ClaimTask transitions the oldest open task to "processing". The select and
// the guarded update run in one transaction; if the conditional update affects
// zero rows another claimer won the race and (nil, nil) is returned. Secrets
// are erased in the same transaction, but the pre-claim values are handed to
// the winner exactly once.
func (s *PostgresStore) ClaimTask() (t *models.Task, err error) {
	if _, ok := s.db.(*sqlx.DB); ok {
		txStore, err := s.Begin()
		if err != nil {
			return nil, err
		}
		task, err := txStore.ClaimTask()
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				return nil, fmt.Errorf("rollback failed: %v (claim error: %w)", rollbackErr, err)
			}
			return nil, err
		}
		if err := txStore.Commit(); err != nil {
			return nil, err
		}
		return task, nil
	}

	var row taskRow
	err = s.db.Get(&row, "SELECT * FROM tasks WHERE status = $1 ORDER BY created_at ASC LIMIT 1", models.OpenTaskStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	res, err := s.db.Exec(
		"UPDATE tasks SET status = $1, last_heartbeat_at = CURRENT_TIMESTAMP, secrets = NULL WHERE id = $2 AND status = $3",
		models.ProcessingTaskStatus, row.ID, models.OpenTaskStatus)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", row.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// another claimer won the race on this row
		return nil, nil
	}

	task, err := row.toTask(true)
	if err != nil {
		return nil, err
	}
	task.Status = models.ProcessingTaskStatus
	return &task, nil
}

// HeartbeatTask refreshes last_heartbeat_at, guarded by the "processing"
// status so a zombie worker cannot touch a task that has moved on.
func (s *PostgresStore) HeartbeatTask(taskID string) error {
	res, err := s.db.Exec(
		"UPDATE tasks SET last_heartbeat_at = CURRENT_TIMESTAMP WHERE id = $1 AND status = $2",
		taskID, models.ProcessingTaskStatus)
	if err != nil {
		return fmt.Errorf("heartbeat task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(storage.ErrConflict, "no processing task with id %q", taskID)
	}
	return nil
}

// ListStaleTasks returns IDs of processing tasks whose heartbeat is older than
// the timeout. Read-only; requeue/fail policy belongs to the caller.
func (s *PostgresStore) ListStaleTasks(timeout time.Duration) ([]string, error) {
	ids := []string{}
	err := s.db.Select(&ids,
		"SELECT id FROM tasks WHERE status = $1 AND last_heartbeat_at <= CURRENT_TIMESTAMP - $2 * INTERVAL '1 second'",
		models.ProcessingTaskStatus, timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return ids, nil
}

// CompleteTask verifies the task is processing, updates its status and appends
// the completion event, all in one transaction.
func (s *PostgresStore) CompleteTask(taskID string, status models.TaskStatus, eventBody json.RawMessage) error {
	if status != models.CompletedTaskStatus && status != models.FailedTaskStatus {
		return errors.Errorf("invalid completion status %q for task %q", status, taskID)
	}

	if _, ok := s.db.(*sqlx.DB); ok {
		txStore, err := s.Begin()
		if err != nil {
			return err
		}
		if err := txStore.CompleteTask(taskID, status, eventBody); err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				return fmt.Errorf("rollback failed: %v (complete error: %w)", rollbackErr, err)
			}
			return err
		}
		return txStore.Commit()
	}

	var row taskRow
	err := s.db.Get(&row, "SELECT * FROM tasks WHERE id = $1", taskID)
	if err == sql.ErrNoRows {
		return errors.Wrapf(storage.ErrNotFound, "no task with id %q", taskID)
	}
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if models.TaskStatus(row.Status) != models.ProcessingTaskStatus {
		return errors.Wrapf(storage.ErrConflict,
			"refusing to update status of task %q to %q as it is currently %q, expected %q",
			taskID, status, row.Status, models.ProcessingTaskStatus)
	}

	res, err := s.db.Exec("UPDATE tasks SET status = $1 WHERE id = $2 AND status = $3",
		status, taskID, models.ProcessingTaskStatus)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return errors.Wrapf(storage.ErrConflict, "failed to update status to %q for task %q", status, taskID)
	}

	_, err = s.db.Exec(
		"INSERT INTO task_events (task_id, event_type, body, created_at) VALUES ($1, $2, $3, CURRENT_TIMESTAMP)",
		taskID, models.CompletionEventType, string(eventBody))
	if err != nil {
		return fmt.Errorf("append completion event for task %s: %w", taskID, err)
	}
	return nil
}

// EmitLogEvent appends a log event without checking or mutating task status,
// so trailing diagnostics after completion are allowed.
func (s *PostgresStore) EmitLogEvent(taskID string, body json.RawMessage) error {
	_, err := s.db.Exec(
		"INSERT INTO task_events (task_id, event_type, body, created_at) VALUES ($1, $2, $3, CURRENT_TIMESTAMP)",
		taskID, models.LogEventType, string(body))
	if err != nil {
		return fmt.Errorf("emit log event for task %s: %w", taskID, err)
	}
	return nil
}

type eventRow struct {
	ID        int64     `db:"id"`
	TaskID    string    `db:"task_id"`
	Body      string    `db:"body"`
	EventType string    `db:"event_type"`
	CreatedAt time.Time `db:"created_at"`
}

// ListEvents returns a task's events in ascending sequence order. With a
// cursor, the completion event is included even when its sequence is at or
// before the cursor, so a poller that started early never misses it.
func (s *PostgresStore) ListEvents(taskID string, after *int64) ([]models.TaskEvent, error) {
	rows := []eventRow{}
	var err error
	if after != nil {
		err = s.db.Select(&rows,
			"SELECT * FROM task_events WHERE task_id = $1 AND (id > $2 OR event_type = $3) ORDER BY id ASC",
			taskID, *after, models.CompletionEventType)
	} else {
		err = s.db.Select(&rows, "SELECT * FROM task_events WHERE task_id = $1 ORDER BY id ASC", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}

	events := []models.TaskEvent{}
	for _, r := range rows {
		if !json.Valid([]byte(r.Body)) {
			return nil, errors.Wrapf(storage.ErrCorrupted,
				"failed to parse body of event id=%d for task %q", r.ID, taskID)
		}
		events = append(events, models.TaskEvent{
			ID:        r.ID,
			TaskID:    r.TaskID,
			Type:      models.TaskEventType(r.EventType),
			Body:      json.RawMessage(r.Body),
			CreatedAt: r.CreatedAt,
		})
	}
	return events, nil
}
