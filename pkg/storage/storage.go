package storage

import (
	"encoding/json"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the requested task has no row.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a status precondition failed, e.g. a
	// heartbeat or completion against a task that is not processing.
	ErrConflict = errors.New("status conflict")
	// ErrCorrupted is returned when a stored JSON payload fails to parse.
	// Fatal for that single record only, never for the whole store.
	ErrCorrupted = errors.New("corrupted record")
)

// Store defines the task queue storage operations. All coordination between
// concurrent workers is delegated to the backing store's transactional
// guarantees; no operation holds a lock across multiple round trips.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// CreateTask inserts a fresh task with status "open" and returns its ID.
	CreateTask(spec, secrets json.RawMessage, createdBy string) (string, error)
	// ListTasks returns all tasks, newest first, optionally filtered by
	// creator. Secrets are never included in listings.
	ListTasks(createdBy string) ([]models.Task, error)
	// GetTask returns the full task state, including secrets while present.
	GetTask(taskID string) (models.Task, error)

	// ClaimTask atomically transitions one open task to processing, erasing
	// its secrets in the same transaction. The returned task carries the
	// pre-claim secrets so the winning worker sees them exactly once.
	// Returns (nil, nil) when no open task exists or the claim race was lost.
	ClaimTask() (*models.Task, error)
	// HeartbeatTask refreshes last_heartbeat_at; ErrConflict unless the task
	// is currently processing.
	HeartbeatTask(taskID string) error
	// ListStaleTasks returns IDs of processing tasks whose heartbeat is older
	// than the timeout. Detection only; remediation belongs to the caller.
	ListStaleTasks(timeout time.Duration) ([]string, error)
	// CompleteTask atomically flips a processing task to completed or failed
	// and appends the single completion event.
	CompleteTask(taskID string, status models.TaskStatus, eventBody json.RawMessage) error

	// EmitLogEvent appends a log event; valid in any task status.
	EmitLogEvent(taskID string, body json.RawMessage) error
	// ListEvents returns events in ascending sequence order. With a cursor,
	// events after it are returned plus, unconditionally, the completion
	// event, so a polling client can never miss the terminal event.
	ListEvents(taskID string, after *int64) ([]models.TaskEvent, error)
}
