// Package supervisor is the process-level lifecycle coordinator: it
// starts the service's long-lived background tasks (tick flusher, tick
// subscriber, reconciliation worker, tier classifier, tier loops) in a fixed
// order and stops them in reverse order on shutdown, each honoring its
// own cooperative stop signal within a bounded grace period. Grounded on
// the teacher's AddWorker/AddTickerWorker/stopCh/sync.Once pattern
// (infrastructure/service/base.go), reimplemented here as a standalone
// type since that file belongs to a marble-specific service wrapper we
// do not otherwise use (spec.md §5, §9 — "shared runtime").
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// Task is one named long-lived background job. Run blocks until ctx is
// cancelled and must return promptly after observing cancellation,
// finishing any in-flight unit of work first.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Supervisor runs a fixed, ordered set of Tasks, each in its own
// goroutine with its own derived context, and coordinates shutdown.
type Supervisor struct {
	logger      *logging.Logger
	gracePeriod time.Duration

	mu      sync.Mutex
	tasks   []Task
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New constructs a Supervisor. gracePeriod defaults to 30s (spec.md §5).
func New(logger *logging.Logger, gracePeriod time.Duration) *Supervisor {
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	return &Supervisor{logger: logger, gracePeriod: gracePeriod}
}

// Add registers a task. Tasks start in registration order and stop in
// reverse order; Add must be called before Start.
func (s *Supervisor) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start launches every registered task against a context derived from
// parent. Each task gets its own cancellable context so Stop can cancel
// tasks individually in reverse order.
func (s *Supervisor) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, t := range s.tasks {
		taskCtx, cancel := context.WithCancel(parent)
		s.cancels = append(s.cancels, cancel)

		task := t
		ctx := taskCtx
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.logger != nil {
				s.logger.Info(ctx, "background task starting", map[string]interface{}{"task": task.Name})
			}
			task.Run(ctx)
			if s.logger != nil {
				s.logger.Info(ctx, "background task stopped", map[string]interface{}{"task": task.Name})
			}
		}()
	}
}

// Stop cancels every task's context in reverse registration order and
// waits up to the configured grace period for all of them to drain. It
// returns false if the grace period elapsed before every task exited.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, len(s.cancels))
	copy(cancels, s.cancels)
	s.mu.Unlock()

	for i := len(cancels) - 1; i >= 0; i-- {
		cancels[i]()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(s.gracePeriod):
		if s.logger != nil {
			s.logger.Warn(context.Background(), "supervisor grace period elapsed with tasks still running", nil)
		}
		return false
	}
}
