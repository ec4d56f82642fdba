package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/GopiR17/backstage-prod/pkg/service"
	"github.com/GopiR17/backstage-prod/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func waitForStatus(t *testing.T, svc *service.TaskService, taskID string, status models.TaskStatus) models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := svc.GetTask(taskID)
		assert.NoError(t, err)
		if task.Status == status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, status)
	return models.Task{}
}

func TestWorker(t *testing.T) {
	spec := json.RawMessage(`{"steps":["fetch"]}`)

	newWorker := func(handler service.TaskHandler) (*service.TaskService, *service.Worker) {
		svc := service.NewTaskService(storage.NewMockStore(), logger{})
		w := service.NewWorker(svc, handler, logger{}, service.WorkerConfig{
			PollInterval:      10 * time.Millisecond,
			HeartbeatInterval: 10 * time.Millisecond,
		})
		return svc, w
	}

	t.Run("CompletesSuccessfulTask", func(t *testing.T) {
		handled := make(chan string, 1)
		svc, w := newWorker(func(ctx context.Context, task models.Task, logf func(string)) (json.RawMessage, error) {
			logf("step 1 done")
			handled <- task.ID
			return json.RawMessage(`{"result":"ok"}`), nil
		})

		id, err := svc.CreateTask(spec, json.RawMessage(`{"token":"abc"}`), "")
		assert.NoError(t, err)

		w.Start(context.Background())
		defer w.Stop()

		assert.Equal(t, id, <-handled)
		task := waitForStatus(t, svc, id, models.CompletedTaskStatus)
		assert.Nil(t, task.Secrets)

		events, err := svc.ListEvents(id, nil)
		assert.NoError(t, err)
		assert.Len(t, events, 2)
		assert.Equal(t, models.LogEventType, events[0].Type)
		assert.JSONEq(t, `{"message":"step 1 done"}`, string(events[0].Body))
		assert.Equal(t, models.CompletionEventType, events[1].Type)
		assert.JSONEq(t, `{"result":"ok"}`, string(events[1].Body))
	})

	t.Run("FailsTaskOnHandlerError", func(t *testing.T) {
		svc, w := newWorker(func(ctx context.Context, task models.Task, logf func(string)) (json.RawMessage, error) {
			return nil, assert.AnError
		})

		id, err := svc.CreateTask(spec, nil, "")
		assert.NoError(t, err)

		w.Start(context.Background())
		defer w.Stop()

		waitForStatus(t, svc, id, models.FailedTaskStatus)
		events, err := svc.ListEvents(id, nil)
		assert.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Equal(t, models.CompletionEventType, events[0].Type)
		assert.Contains(t, string(events[0].Body), assert.AnError.Error())
	})

	t.Run("FailsTaskOnHandlerPanic", func(t *testing.T) {
		svc, w := newWorker(func(ctx context.Context, task models.Task, logf func(string)) (json.RawMessage, error) {
			panic("template exploded")
		})

		id, err := svc.CreateTask(spec, nil, "")
		assert.NoError(t, err)

		w.Start(context.Background())
		defer w.Stop()

		waitForStatus(t, svc, id, models.FailedTaskStatus)
		events, err := svc.ListEvents(id, nil)
		assert.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Contains(t, string(events[0].Body), "template exploded")
	})

	t.Run("HeartbeatsWhileRunning", func(t *testing.T) {
		release := make(chan struct{})
		svc, w := newWorker(func(ctx context.Context, task models.Task, logf func(string)) (json.RawMessage, error) {
			<-release
			return nil, nil
		})

		id, err := svc.CreateTask(spec, nil, "")
		assert.NoError(t, err)

		w.Start(context.Background())
		defer w.Stop()

		task := waitForStatus(t, svc, id, models.ProcessingTaskStatus)
		first := *task.LastHeartbeatAt

		// the heartbeat ticker must advance the timestamp while the handler runs
		assert.Eventually(t, func() bool {
			task, err := svc.GetTask(id)
			assert.NoError(t, err)
			return task.LastHeartbeatAt.After(first)
		}, 2*time.Second, 10*time.Millisecond)

		close(release)
		waitForStatus(t, svc, id, models.CompletedTaskStatus)
	})

	t.Run("DrainsMultipleTasks", func(t *testing.T) {
		svc, w := newWorker(func(ctx context.Context, task models.Task, logf func(string)) (json.RawMessage, error) {
			return nil, nil
		})

		var ids []string
		for i := 0; i < 5; i++ {
			id, err := svc.CreateTask(spec, nil, "")
			assert.NoError(t, err)
			ids = append(ids, id)
		}

		w.Start(context.Background())
		for _, id := range ids {
			waitForStatus(t, svc, id, models.CompletedTaskStatus)
		}
		w.Stop()
	})
}
