// Package scheduler drives the per-task cooperative goroutines that invoke
// probes on their configured interval, isolating each task's failures and
// applying reconfiguration as a diff against the running set.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/probe"
	"github.com/macwilam/linksense/internal/task"
)

// Sink receives every sample produced by any task runner. A nil value from
// an Executor's Execute (the bandwidth "nothing to record this tick" case)
// is filtered out before reaching Sink.
type Sink func(sample any)

// Scheduler owns one taskRunner per active task, keyed by task name.
type Scheduler struct {
	mu      sync.Mutex
	runners map[string]*taskRunner
	deps    probe.Deps
	sink    Sink
	logger  netpipe.SLogger
	started time.Time
}

// New builds a Scheduler. Start must be called once with the initial task
// set before any reconfiguration.
func New(deps probe.Deps, logger netpipe.SLogger, sink Sink) *Scheduler {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	return &Scheduler{
		runners: make(map[string]*taskRunner),
		deps:    deps,
		sink:    sink,
		logger:  logger,
	}
}

// Start spawns one goroutine per spec, staggering startup across the set:
// the i-th task begins at now + (i/N) * min(schedule_seconds[i], 10s).
func (s *Scheduler) Start(specs []task.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = time.Now()
	n := len(specs)
	for i, spec := range specs {
		exec, err := probe.New(spec, s.deps)
		if err != nil {
			return fmt.Errorf("scheduler: build executor for %q: %w", spec.Name, err)
		}
		stagger := staggerOffset(i, n, spec.ScheduleSeconds)
		r := newTaskRunner(spec, exec, s.sink, s.logger)
		s.runners[spec.Name] = r
		r.start(stagger)
	}
	return nil
}

// staggerOffset computes (i/N) * min(scheduleSeconds, 10s) as a duration.
func staggerOffset(i, n, scheduleSeconds int) time.Duration {
	if n <= 1 {
		return 0
	}
	capSeconds := math.Min(float64(scheduleSeconds), 10)
	frac := float64(i) / float64(n)
	return time.Duration(frac * capSeconds * float64(time.Second))
}

// Reconfigure diff-applies a new task set: tasks no longer present are
// cancelled by name, new ones are spawned (staggered over the new set),
// and unchanged ones keep running with their current phase.
func (s *Scheduler) Reconfigure(specs []task.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]task.Spec, len(specs))
	for _, spec := range specs {
		want[spec.Name] = spec
	}

	for name, r := range s.runners {
		if _, ok := want[name]; !ok {
			r.stop()
			delete(s.runners, name)
		}
	}

	var toAdd []task.Spec
	for name, spec := range want {
		if _, ok := s.runners[name]; !ok {
			toAdd = append(toAdd, spec)
		}
	}

	n := len(toAdd)
	for i, spec := range toAdd {
		exec, err := probe.New(spec, s.deps)
		if err != nil {
			return fmt.Errorf("scheduler: build executor for %q: %w", spec.Name, err)
		}
		stagger := staggerOffset(i, n, spec.ScheduleSeconds)
		r := newTaskRunner(spec, exec, s.sink, s.logger)
		s.runners[spec.Name] = r
		r.start(stagger)
	}
	return nil
}

// Shutdown cancels every running task and waits for their goroutines to
// exit, implementing the "cancel in-flight probes" step of graceful
// shutdown; draining the raw buffer to the store is the caller's job once
// every runner goroutine has returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runners := make([]*taskRunner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*taskRunner)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, r := range runners {
			r.stop()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
