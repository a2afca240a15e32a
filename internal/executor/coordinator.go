// Package executor runs compiled plans through the external provisioning
// tool and tracks each attempt with an execution record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/terrachat-io/terrachat/internal/logging"
	"github.com/terrachat-io/terrachat/internal/plan"
)

// ErrConcurrentExecution reports that the same plan is already running.
var ErrConcurrentExecution = errors.New("an execution for this plan is already in progress")

// DefaultExecutionTimeout bounds one provisioning run.
const DefaultExecutionTimeout = 30 * time.Minute

// Coordinator enforces at-most-one running execution per plan ID and owns
// the lifecycle of every attempt.
type Coordinator struct {
	runner  Runner
	timeout time.Duration

	mu      sync.Mutex
	running map[string]*execution
}

type execution struct {
	cancel context.CancelFunc
	done   chan Record
}

// NewCoordinator builds a coordinator. A non-positive timeout falls back to
// DefaultExecutionTimeout.
func NewCoordinator(runner Runner, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	return &Coordinator{
		runner:  runner,
		timeout: timeout,
		running: make(map[string]*execution),
	}
}

// Running reports whether the plan has an execution in flight.
func (c *Coordinator) Running(planID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[planID]
	return ok
}

// Start launches an asynchronous execution. It returns a channel that
// delivers exactly one terminal record when the attempt finishes. A second
// Start for the same plan while one is in flight fails with
// ErrConcurrentExecution.
func (c *Coordinator) Start(ctx context.Context, p *plan.Plan, emit EventCallback) (<-chan Record, error) {
	c.mu.Lock()
	if _, ok := c.running[p.ID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConcurrentExecution, p.ID)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	ex := &execution{cancel: cancel, done: make(chan Record, 1)}
	c.running[p.ID] = ex
	c.mu.Unlock()

	record := Record{
		PlanID:       p.ID,
		Action:       p.Action,
		ResourceType: p.ResourceType,
		Status:       StatusRunning,
		StartedAt:    time.Now().UTC(),
	}
	logging.Info("execution started", "planId", p.ID, "action", p.Action, "resourceType", p.ResourceType)

	go func() {
		defer cancel()
		result, err := c.runner.Run(runCtx, p, emit)

		record.FinishedAt = time.Now().UTC()
		switch {
		case err == nil:
			record.Status = StatusSucceeded
			if result != nil {
				record.Outputs = result.Outputs
			}
		case runCtx.Err() == context.Canceled:
			// The subprocess has exited by the time Run returns; only now
			// is the cancellation terminal.
			record.Status = StatusFailed
			record.Cancelled = true
			record.LastError = "cancelled by user"
		case runCtx.Err() == context.DeadlineExceeded:
			record.Status = StatusFailed
			record.LastError = fmt.Sprintf("execution timeout after %s: %v", c.timeout, err)
		default:
			record.Status = StatusFailed
			record.LastError = err.Error()
		}
		logging.Info("execution finished", "planId", p.ID, "status", record.Status)

		c.mu.Lock()
		delete(c.running, p.ID)
		c.mu.Unlock()

		ex.done <- record
		close(ex.done)
	}()

	return ex.done, nil
}

// Cancel asks a running execution to stop. It returns false when nothing is
// running for the plan. The execution is not terminal until its record
// arrives on the channel returned by Start.
func (c *Coordinator) Cancel(planID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.running[planID]
	if !ok {
		return false
	}
	ex.cancel()
	return true
}
