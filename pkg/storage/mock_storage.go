package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory state. Transactions are not
// isolated: Begin returns the same instance and Commit/Rollback are no-ops,
// but every operation keeps the store's atomicity guarantees under a mutex,
// so claim races and status guards behave like the real store.
type mockStore struct {
	mu      sync.Mutex
	tasks   []models.Task
	events  []models.TaskEvent
	nextSeq int64
}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) CreateTask(spec, secrets json.RawMessage, createdBy string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := models.Task{
		ID:        uuid.NewString(),
		Spec:      append(json.RawMessage(nil), spec...),
		Status:    models.OpenTaskStatus,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	if secrets != nil {
		t.Secrets = append(json.RawMessage(nil), secrets...)
	}
	m.tasks = append(m.tasks, t)
	return t.ID, nil
}

func (m *mockStore) ListTasks(createdBy string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []models.Task{}
	for i := len(m.tasks) - 1; i >= 0; i-- {
		t := m.tasks[i]
		if createdBy != "" && t.CreatedBy != createdBy {
			continue
		}
		t.Secrets = nil
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (m *mockStore) GetTask(taskID string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return models.Task{}, errors.Wrapf(ErrNotFound, "no task with id %q", taskID)
}

func (m *mockStore) ClaimTask() (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := -1
	for i, t := range m.tasks {
		if t.Status != models.OpenTaskStatus {
			continue
		}
		if oldest == -1 || t.CreatedAt.Before(m.tasks[oldest].CreatedAt) {
			oldest = i
		}
	}
	if oldest == -1 {
		return nil, nil
	}
	secrets := m.tasks[oldest].Secrets
	now := time.Now()
	m.tasks[oldest].Status = models.ProcessingTaskStatus
	m.tasks[oldest].LastHeartbeatAt = &now
	m.tasks[oldest].Secrets = nil

	claimed := m.tasks[oldest]
	claimed.Secrets = secrets
	return &claimed, nil
}

func (m *mockStore) HeartbeatTask(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != taskID {
			continue
		}
		if t.Status != models.ProcessingTaskStatus {
			return errors.Wrapf(ErrConflict, "no processing task with id %q", taskID)
		}
		now := time.Now()
		m.tasks[i].LastHeartbeatAt = &now
		return nil
	}
	return errors.Wrapf(ErrConflict, "no processing task with id %q", taskID)
}

func (m *mockStore) ListStaleTasks(timeout time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	var ids []string
	for _, t := range m.tasks {
		if t.Status == models.ProcessingTaskStatus && t.LastHeartbeatAt != nil && !t.LastHeartbeatAt.After(cutoff) {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (m *mockStore) CompleteTask(taskID string, status models.TaskStatus, eventBody json.RawMessage) error {
	if status != models.CompletedTaskStatus && status != models.FailedTaskStatus {
		return errors.Errorf("invalid completion status %q for task %q", status, taskID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != taskID {
			continue
		}
		if t.Status != models.ProcessingTaskStatus {
			return errors.Wrapf(ErrConflict, "refusing to complete task %q as %q: current status is %q, expected %q",
				taskID, status, t.Status, models.ProcessingTaskStatus)
		}
		m.tasks[i].Status = status
		m.appendEventLocked(taskID, models.CompletionEventType, eventBody)
		return nil
	}
	return errors.Wrapf(ErrNotFound, "no task with id %q", taskID)
}

func (m *mockStore) EmitLogEvent(taskID string, body json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(taskID, models.LogEventType, body)
	return nil
}

func (m *mockStore) appendEventLocked(taskID string, typ models.TaskEventType, body json.RawMessage) {
	m.nextSeq++
	m.events = append(m.events, models.TaskEvent{
		ID:        m.nextSeq,
		TaskID:    taskID,
		Type:      typ,
		Body:      append(json.RawMessage(nil), body...),
		CreatedAt: time.Now(),
	})
}

func (m *mockStore) ListEvents(taskID string, after *int64) ([]models.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := []models.TaskEvent{}
	for _, e := range m.events {
		if e.TaskID != taskID {
			continue
		}
		if after != nil && e.ID <= *after && e.Type != models.CompletionEventType {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
