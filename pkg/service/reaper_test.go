package service_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/GopiR17/backstage-prod/pkg/service"
	"github.com/GopiR17/backstage-prod/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestStaleTaskReaper(t *testing.T) {
	spec := json.RawMessage(`{"steps":["fetch"]}`)

	t.Run("FailStalePolicy", func(t *testing.T) {
		svc := service.NewTaskService(storage.NewMockStore(), logger{})
		id, err := svc.CreateTask(spec, nil, "")
		assert.NoError(t, err)
		_, err = svc.ClaimTask()
		assert.NoError(t, err)

		reaper := service.NewStaleTaskReaper(svc, logger{}, service.ReaperConfig{
			Timeout:  time.Nanosecond,
			Interval: time.Hour, // scans driven manually
		})
		time.Sleep(time.Millisecond)
		reaper.ReapOnce()

		task, err := svc.GetTask(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, task.Status)

		events, err := svc.ListEvents(id, nil)
		assert.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Equal(t, models.CompletionEventType, events[0].Type)
		assert.Contains(t, string(events[0].Body), "no heartbeat received")
	})

	t.Run("FreshTasksUntouched", func(t *testing.T) {
		svc := service.NewTaskService(storage.NewMockStore(), logger{})
		id, err := svc.CreateTask(spec, nil, "")
		assert.NoError(t, err)
		_, err = svc.ClaimTask()
		assert.NoError(t, err)

		reaper := service.NewStaleTaskReaper(svc, logger{}, service.ReaperConfig{
			Timeout:  time.Hour,
			Interval: time.Hour,
		})
		reaper.ReapOnce()

		task, err := svc.GetTask(id)
		assert.NoError(t, err)
		assert.Equal(t, models.ProcessingTaskStatus, task.Status)
	})

	t.Run("PolicyConflictTolerated", func(t *testing.T) {
		svc := service.NewTaskService(storage.NewMockStore(), logger{})
		id, err := svc.CreateTask(spec, nil, "")
		assert.NoError(t, err)
		_, err = svc.ClaimTask()
		assert.NoError(t, err)

		// the owning worker finishes between detection and remediation
		policy := service.FailStalePolicy(svc, time.Nanosecond)
		assert.NoError(t, svc.CompleteTask(id, models.CompletedTaskStatus, json.RawMessage(`{}`)))
		assert.NoError(t, policy(id))

		task, err := svc.GetTask(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
	})

	t.Run("NotifyStalePolicy", func(t *testing.T) {
		svc := service.NewTaskService(storage.NewMockStore(), logger{})
		id, err := svc.CreateTask(spec, nil, "")
		assert.NoError(t, err)
		_, err = svc.ClaimTask()
		assert.NoError(t, err)

		reaper := service.NewStaleTaskReaper(svc, logger{}, service.ReaperConfig{
			Timeout:  time.Nanosecond,
			Interval: time.Hour,
			Policy:   service.NotifyStalePolicy(logger{}, time.Nanosecond),
		})
		time.Sleep(time.Millisecond)
		reaper.ReapOnce()

		// detection only, the task keeps processing
		task, err := svc.GetTask(id)
		assert.NoError(t, err)
		assert.Equal(t, models.ProcessingTaskStatus, task.Status)
	})
}
