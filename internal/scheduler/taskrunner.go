package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/probe"
	"github.com/macwilam/linksense/internal/task"
)

// taskRunner drives one task's probe on its own ticker, isolated from every
// sibling task: a hang or panic here never starves another taskRunner.
type taskRunner struct {
	spec   task.Spec
	exec   probe.Executor
	sink   Sink
	logger netpipe.SLogger
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskRunner(spec task.Spec, exec probe.Executor, sink Sink, logger netpipe.SLogger) *taskRunner {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	return &taskRunner{spec: spec, exec: exec, sink: sink, logger: logger, done: make(chan struct{})}
}

func (r *taskRunner) start(stagger time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx, stagger)
}

func (r *taskRunner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *taskRunner) run(ctx context.Context, stagger time.Duration) {
	defer close(r.done)

	timer := time.NewTimer(stagger)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	r.tick(ctx)

	interval := time.Duration(r.spec.ScheduleSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick recovers from any panic escaping the probe, converting it into a
// failed sample so one misbehaving probe can never take down the scheduler.
func (r *taskRunner) tick(ctx context.Context) {
	now := time.Now()
	s := r.safeExecute(ctx, now)
	if s == nil {
		return
	}
	if r.sink != nil {
		r.sink(s)
	}
}

func (r *taskRunner) safeExecute(ctx context.Context, now time.Time) (result any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Info("probe panic recovered",
				slog.String("task", r.spec.Name),
				slog.Any("panic", rec))
			result = r.exec.Failed(now, fmt.Sprintf("panic: %v", rec))
		}
	}()
	return r.exec.Execute(ctx, now)
}
