// Package sched runs named periodic jobs. Each job ticks on its own
// interval; a tick arriving while the previous run is still going is
// skipped, so a slow or wedged job never stacks executions.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/util/metrics"
)

// Job is one periodic task. The context it receives is cancelled when the
// scheduler stops.
type Job func(ctx context.Context)

type job struct {
	name    string
	every   time.Duration
	fn      Job
	running atomic.Bool
}

// Scheduler owns a set of periodic jobs. Add jobs before Start; Stop cancels
// all job contexts and waits for in-flight runs to finish.
type Scheduler struct {
	log *logger.Logger

	mu      sync.Mutex
	jobs    []*job
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{log: logger.NewLogger("Sched")}
}

// Add registers a named job. Intervals of zero or less are rejected by
// ignoring the job, logged so a bad config is visible.
func (s *Scheduler) Add(name string, every time.Duration, fn Job) {
	if every <= 0 {
		s.log.Warnf("job %s has interval %v, not scheduling", name, every)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, every: every, fn: fn})
}

// Start launches one ticker goroutine per registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(runCtx, j)
	}
	s.log.Infof("started %d jobs", len(s.jobs))
}

// Stop cancels every job and waits for running executions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !j.running.CompareAndSwap(false, true) {
				metrics.RecordJobTickSkipped(j.name)
				s.log.Debugf("job %s still running, tick skipped", j.name)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				j.fn(ctx)
			}()
		}
	}
}
