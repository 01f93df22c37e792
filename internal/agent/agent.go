// Package agent wires together the scheduler, store, aggregator, uploader,
// and config-sync loop into the single long-running process described by
// agent.toml.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/macwilam/linksense/internal/aggregator"
	"github.com/macwilam/linksense/internal/config"
	"github.com/macwilam/linksense/internal/configsync"
	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/probe"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/scheduler"
	"github.com/macwilam/linksense/internal/store"
	"github.com/macwilam/linksense/internal/task"
	"github.com/macwilam/linksense/internal/uploader"
)

// Agent is one running agent process: configuration, scheduler, store, and
// (unless local_only) the uploader and config-sync loop.
type Agent struct {
	cfg       config.Agent
	tasksPath string
	logger    netpipe.SLogger

	store      *store.Store
	scheduler  *scheduler.Scheduler
	aggregator *aggregator.Aggregator
	sweeper    *store.RetentionSweeper
	syncer     *configsync.Syncer
	uploader   *uploader.Uploader

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New loads tasks.toml from cfg.ConfigDir and builds an Agent ready to Run.
func New(cfg config.Agent, logger netpipe.SLogger) (*Agent, error) {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tasksPath := filepath.Join(cfg.ConfigDir, "tasks.toml")
	data, err := os.ReadFile(tasksPath)
	if err != nil {
		return nil, fmt.Errorf("agent: read %s: %w", tasksPath, err)
	}
	specs, err := task.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	dbPath := filepath.Join(cfg.ConfigDir, "agent.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		tasksPath: tasksPath,
		logger:    logger,
		store:     st,
		stop:      make(chan struct{}),
	}

	a.aggregator = aggregator.New(st, cfg.MetricsFlushIntervalSecs, logger)
	a.sweeper = store.NewRetentionSweeper(st, cfg.RetentionDays, cfg.CleanupIntervalHours)

	deps := probe.Deps{NetConfig: netpipe.NewConfig(), Logger: logger, ServerURL: cfg.ServerURL, APIKey: cfg.APIKey, AgentID: cfg.AgentID}
	a.scheduler = scheduler.New(deps, logger, a.recordSample)

	if !cfg.LocalOnly {
		backupDir := filepath.Join(cfg.ConfigDir, "previous_configs")
		a.syncer = configsync.New(cfg.ServerURL, cfg.APIKey, cfg.AgentID, tasksPath, backupDir, nil, logger)
		a.uploader = uploader.New(cfg.ServerURL, cfg.APIKey, cfg.AgentID, st, a.syncer, cfg.RetentionDays, logger)
		a.aggregator.OnClose(func(kind task.Kind, _ string, agg any) {
			if err := a.uploader.Enqueue(kind, []any{agg}); err != nil {
				a.logger.Info("agent: failed to queue aggregate for upload", "error", err.Error())
			}
		})
	}

	if err := a.scheduler.Start(specs); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// recordSample is the scheduler.Sink: it buffers the raw sample in the
// store. Aggregation and upload happen later, on the aggregator's ticks.
func (a *Agent) recordSample(value any) {
	kind, taskName, timestamp, err := classify(value)
	if err != nil {
		a.logger.Info("agent: dropping sample of unrecognized type", "error", err.Error())
		return
	}
	if err := a.store.WriteRaw(kind, taskName, timestamp, value); err != nil {
		a.logger.Info("agent: failed to buffer raw sample", "error", err.Error())
	}
}

// Run starts the flush loop, retention sweeper, aggregator ticker, and (if
// not local_only) the uploader and config-sync tickers, then blocks until
// ctx is done and returns the result of Shutdown.
func (a *Agent) Run(ctx context.Context) error {
	flushInterval := time.Duration(a.cfg.MetricsFlushIntervalSecs) * time.Second
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.store.RunFlushLoop(flushInterval)
	}()

	if err := a.sweeper.Start(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.aggregator.Run(a.stop)
	}()

	if !a.cfg.LocalOnly {
		if err := a.syncer.RecoverOrphans(); err != nil {
			a.logger.Info("agent: recover orphaned config tempfiles failed", "error", err.Error())
		}
		if err := a.syncer.Register(ctx); err != nil {
			a.logger.Info("agent: initial config registration failed", "error", err.Error())
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.uploader.RunTicker(ctx, flushInterval, a.stop)
		}()

		const maxSyncInterval = 5 * time.Minute
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.syncer.RunTicker(ctx, maxSyncInterval, a.stop)
		}()
	}

	<-ctx.Done()
	return a.Shutdown(context.Background())
}

// Shutdown drains the raw buffer, cancels in-flight probes, stops the
// retention sweeper and aggregator/uploader/sync loops, and closes the
// store. Safe to call more than once.
func (a *Agent) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		close(a.stop)
		a.sweeper.Stop()
		shutdownErr = a.scheduler.Shutdown(ctx)
		// Close flushes the buffer and stops the flush-loop goroutine
		// (tracked by a.wg) by closing the store's own internal stop
		// channel; it must run before wg.Wait below or that wait would
		// block forever on a flush loop only Close can stop.
		if err := a.store.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		a.wg.Wait()
	})
	return shutdownErr
}

// classify extracts the (kind, task name, timestamp) triple every Raw*
// sample carries via its embedded sample.Base, without a large type switch
// living outside this package.
func classify(value any) (task.Kind, string, int64, error) {
	switch v := value.(type) {
	case *sample.RawPing:
		return task.KindPing, v.TaskName, v.Timestamp, nil
	case *sample.RawTCP:
		return task.KindTCP, v.TaskName, v.Timestamp, nil
	case *sample.RawTLS:
		return task.KindTLS, v.TaskName, v.Timestamp, nil
	case *sample.RawHTTPGet:
		return task.KindHTTPGet, v.TaskName, v.Timestamp, nil
	case *sample.RawHTTPContent:
		return task.KindHTTPContent, v.TaskName, v.Timestamp, nil
	case *sample.RawDNS:
		return task.KindDNS, v.TaskName, v.Timestamp, nil
	case *sample.RawBandwidth:
		return task.KindBandwidth, v.TaskName, v.Timestamp, nil
	case *sample.RawSQL:
		return task.KindSQL, v.TaskName, v.Timestamp, nil
	case *sample.RawSNMP:
		return task.KindSNMP, v.TaskName, v.Timestamp, nil
	default:
		return "", "", 0, fmt.Errorf("unknown sample type %T", value)
	}
}
