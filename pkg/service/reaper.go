package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/GopiR17/backstage-prod/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// DefaultStaleTimeout marks a processing task stale when its heartbeat
	// is older than this.
	DefaultStaleTimeout = 30 * time.Second
	// DefaultReapInterval spaces the reaper's scans.
	DefaultReapInterval = 10 * time.Second
)

// StalePolicy decides what happens to one stale task. The store only detects
// staleness; remediation varies by deployment and lives here.
type StalePolicy func(taskID string) error

// FailStalePolicy completes a stale task as failed with a timeout message.
// A Conflict is tolerated: it means the owning worker finished (or another
// reaper acted) between detection and remediation.
func FailStalePolicy(ts *TaskService, timeout time.Duration) StalePolicy {
	return func(taskID string) error {
		body, err := json.Marshal(map[string]string{
			"message": fmt.Sprintf("task timed out: no heartbeat received in %s", timeout),
		})
		if err != nil {
			return err
		}
		if err := ts.CompleteTask(taskID, models.FailedTaskStatus, body); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return nil
			}
			return err
		}
		return nil
	}
}

// NotifyStalePolicy only logs stale tasks, leaving remediation to operators.
func NotifyStalePolicy(logger Logger, timeout time.Duration) StalePolicy {
	return func(taskID string) error {
		logger.Errorf("Task %s is stale: no heartbeat received in %s", taskID, timeout)
		return nil
	}
}

// StaleTaskReaper periodically scans for processing tasks whose heartbeat has
// expired and applies the configured policy to each.
type StaleTaskReaper struct {
	service  *TaskService
	logger   Logger
	policy   StalePolicy
	timeout  time.Duration
	interval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// ReaperConfig tunes the reaper; zero values fall back to defaults and a nil
// Policy defaults to FailStalePolicy.
type ReaperConfig struct {
	Timeout  time.Duration
	Interval time.Duration
	Policy   StalePolicy
}

func NewStaleTaskReaper(service *TaskService, logger Logger, cfg ReaperConfig) *StaleTaskReaper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStaleTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.Policy == nil {
		cfg.Policy = FailStalePolicy(service, cfg.Timeout)
	}
	return &StaleTaskReaper{
		service:  service,
		logger:   logger,
		policy:   cfg.Policy,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
	}
}

// Start launches the periodic scan. It returns immediately; use Stop to halt.
func (r *StaleTaskReaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReapOnce()
			}
		}
	}()
}

// Stop halts the scan loop.
func (r *StaleTaskReaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ReapOnce runs a single scan-and-remediate pass.
func (r *StaleTaskReaper) ReapOnce() {
	taskIDs, err := r.service.ListStaleTasks(r.timeout)
	if err != nil {
		r.logger.Errorf("Failed to list stale tasks: %v", err)
		return
	}
	for _, taskID := range taskIDs {
		r.logger.Infof("Reaping stale task %s", taskID)
		if err := r.policy(taskID); err != nil {
			r.logger.Errorf("Stale policy failed for task %s: %v", taskID, err)
		}
	}
}
