package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
)

const (
	// DefaultPollInterval is how often an idle worker checks for open tasks.
	DefaultPollInterval = 1 * time.Second
	// DefaultHeartbeatInterval spaces the liveness updates of a running task.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultConcurrency bounds the number of tasks a worker runs at once.
	DefaultConcurrency = 4
)

// TaskHandler executes one claimed task. The logf callback appends log events
// to the task's event log. A nil error completes the task as "completed";
// a non-nil error completes it as "failed" with the error message recorded
// in the completion event.
type TaskHandler func(ctx context.Context, task models.Task, logf func(message string)) (json.RawMessage, error)

// WorkerConfig tunes the claim loop; zero values fall back to defaults.
type WorkerConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Concurrency       int
}

// Worker polls the store for open tasks, claims them one at a time, runs the
// handler, heartbeats while it runs, and records the terminal outcome. Many
// workers may run against the same store; the store's claim semantics
// guarantee each task is executed at most once.
type Worker struct {
	service *TaskService
	handler TaskHandler
	logger  Logger
	cfg     WorkerConfig

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorker(service *TaskService, handler TaskHandler, logger Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Worker{
		service: service,
		handler: handler,
		logger:  logger,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// Start launches the claim loop. It returns immediately; use Stop for a
// graceful shutdown that waits for in-flight tasks.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop cancels the claim loop and waits for in-flight tasks to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w.claimAvailable(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimAvailable claims open tasks until the store runs dry or all worker
// slots are busy.
func (w *Worker) claimAvailable(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w.sem <- struct{}{}:
		}

		task, err := w.service.ClaimTask()
		if err != nil {
			w.logger.Errorf("Failed to claim task: %v", err)
			<-w.sem
			return
		}
		if task == nil {
			<-w.sem
			return
		}

		w.wg.Add(1)
		go func(task models.Task) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.run(ctx, task)
		}(*task)
	}
}

func (w *Worker) run(ctx context.Context, task models.Task) {
	stopHeartbeat := make(chan struct{})
	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				if err := w.service.HeartbeatTask(task.ID); err != nil {
					// the task moved on, e.g. reaped while we were running
					w.logger.Errorf("Heartbeat for task %s rejected: %v", task.ID, err)
					return
				}
			}
		}
	}()

	logf := func(message string) {
		if err := w.service.EmitLog(task.ID, message); err != nil {
			w.logger.Errorf("Failed to emit log for task %s: %v", task.ID, err)
		}
	}

	output, handlerErr := w.runHandler(ctx, task, logf)
	close(stopHeartbeat)
	hbWg.Wait()

	if handlerErr != nil {
		body, _ := json.Marshal(map[string]string{"message": handlerErr.Error()})
		if err := w.service.CompleteTask(task.ID, models.FailedTaskStatus, body); err != nil {
			w.logger.Errorf("Failed to record failure of task %s: %v", task.ID, err)
		}
		return
	}
	if output == nil {
		output = json.RawMessage(`{}`)
	}
	if err := w.service.CompleteTask(task.ID, models.CompletedTaskStatus, output); err != nil {
		w.logger.Errorf("Failed to record completion of task %s: %v", task.ID, err)
	}
}

// runHandler isolates handler panics so a misbehaving task cannot take the
// whole worker down.
func (w *Worker) runHandler(ctx context.Context, task models.Task, logf func(string)) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, task, logf)
}
