package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/GopiR17/backstage-prod/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the task queue services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaskService exposes the task queue lifecycle over a Store. Claim, heartbeat
// and completion races are resolved by the store's transactional guarantees;
// the service adds input validation and logging.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// CreateTask inserts a new open task and returns its generated ID.
func (ts *TaskService) CreateTask(spec, secrets json.RawMessage, createdBy string) (taskID string, err error) {
	if len(spec) == 0 {
		return "", errors.New("task spec cannot be empty")
	}
	if !json.Valid(spec) {
		return "", errors.New("task spec must be valid JSON")
	}
	if secrets != nil && !json.Valid(secrets) {
		return "", errors.New("task secrets must be valid JSON")
	}

	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for CreateTask: %v", err)
		return "", fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			ts.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	taskID, err = txStore.CreateTask(spec, secrets, createdBy)
	if err != nil {
		ts.logger.Errorf("Failed to create task: %v", err)
		return "", err
	}
	ts.logger.Infof("Created task %s", taskID)
	return taskID, nil
}

// ListTasks returns all tasks newest first, optionally filtered by creator.
func (ts *TaskService) ListTasks(createdBy string) ([]models.Task, error) {
	return ts.store.ListTasks(createdBy)
}

// GetTask returns the full task state.
func (ts *TaskService) GetTask(taskID string) (models.Task, error) {
	return ts.store.GetTask(taskID)
}

// ClaimTask attempts to take ownership of one open task. Returns (nil, nil)
// when there is nothing to claim this attempt; retry policy is the caller's.
func (ts *TaskService) ClaimTask() (*models.Task, error) {
	task, err := ts.store.ClaimTask()
	if err != nil {
		ts.logger.Errorf("Failed to claim task: %v", err)
		return nil, err
	}
	if task != nil {
		ts.logger.Infof("Claimed task %s", task.ID)
	}
	return task, nil
}

// HeartbeatTask signals the owning worker is still alive.
func (ts *TaskService) HeartbeatTask(taskID string) error {
	return ts.store.HeartbeatTask(taskID)
}

// ListStaleTasks returns IDs of processing tasks with an expired heartbeat.
func (ts *TaskService) ListStaleTasks(timeout time.Duration) ([]string, error) {
	return ts.store.ListStaleTasks(timeout)
}

// CompleteTask terminates a processing task as completed or failed, recording
// the completion event atomically with the status flip.
func (ts *TaskService) CompleteTask(taskID string, status models.TaskStatus, eventBody json.RawMessage) error {
	if status != models.CompletedTaskStatus && status != models.FailedTaskStatus {
		return errors.Errorf("invalid completion status %q; must be %q or %q",
			status, models.CompletedTaskStatus, models.FailedTaskStatus)
	}
	if eventBody == nil {
		eventBody = json.RawMessage(`{}`)
	}
	if err := ts.store.CompleteTask(taskID, status, eventBody); err != nil {
		ts.logger.Errorf("Failed to complete task %s as %s: %v", taskID, status, err)
		return err
	}
	ts.logger.Infof("Completed task %s with status %s", taskID, status)
	return nil
}

// EmitLog appends a log line to a task's event log.
func (ts *TaskService) EmitLog(taskID, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	return ts.store.EmitLogEvent(taskID, body)
}

// EmitLogEvent appends an arbitrary log event body.
func (ts *TaskService) EmitLogEvent(taskID string, body json.RawMessage) error {
	if !json.Valid(body) {
		return errors.New("event body must be valid JSON")
	}
	return ts.store.EmitLogEvent(taskID, body)
}

// ListEvents returns a task's events after the given cursor, terminal event
// always included.
func (ts *TaskService) ListEvents(taskID string, after *int64) ([]models.TaskEvent, error) {
	if _, err := ts.store.GetTask(taskID); err != nil {
		return nil, err
	}
	return ts.store.ListEvents(taskID, after)
}
