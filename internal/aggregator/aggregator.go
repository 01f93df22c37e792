// Package aggregator closes 60-second raw-sample windows into the
// Agg* summary rows the uploader ships to the server, with a per-(kind,
// task) watermark so re-running a tick is a no-op for buckets already
// closed.
package aggregator

import (
	"fmt"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/store"
	"github.com/macwilam/linksense/internal/task"
)

const windowSeconds = 60

// allKinds lists one entry per raw bucket. KindDNS and KindDNSDoH share a
// bucket (and aggregateKind's dispatch), so only KindDNS appears here —
// walking both would double-count every dns_doh row.
var allKinds = []task.Kind{
	task.KindPing, task.KindTCP, task.KindTLS, task.KindHTTPGet, task.KindHTTPContent,
	task.KindDNS, task.KindBandwidth, task.KindSQL, task.KindSNMP,
}

// OnCloseFunc is called once per freshly closed, non-empty bucket, after
// it has been durably written to the store — the upload path's hook.
type OnCloseFunc func(kind task.Kind, taskName string, agg any)

// Aggregator periodically closes finished buckets for every task name it
// finds in the store.
type Aggregator struct {
	store                *store.Store
	flushIntervalSeconds int
	logger               netpipe.SLogger
	onClose              OnCloseFunc
}

// New builds an Aggregator. flushIntervalSeconds is the raw-sample store's
// own flush cadence: a bucket is only closed once `now - bucket_end >=
// 2*flushIntervalSeconds`, so every raw sample that belongs to it has had
// two full flush cycles to land durably before the bucket is summarized.
func New(s *store.Store, flushIntervalSeconds int, logger netpipe.SLogger) *Aggregator {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	if flushIntervalSeconds <= 0 {
		flushIntervalSeconds = 30
	}
	return &Aggregator{store: s, flushIntervalSeconds: flushIntervalSeconds, logger: logger}
}

// OnClose registers a callback invoked after every bucket this Aggregator
// closes; typically wired to an uploader's Enqueue.
func (a *Aggregator) OnClose(fn OnCloseFunc) {
	a.onClose = fn
}

// Run ticks every windowSeconds until stop is closed. The caller is expected
// to run this as its own goroutine.
func (a *Aggregator) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(windowSeconds * time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if err := a.Tick(now); err != nil {
				a.logger.Info("aggregator tick failed", "error", err.Error())
			}
		case <-stop:
			return
		}
	}
}

// Tick closes every eligible bucket, for every (kind, task name) pair the
// store currently knows about, as of now.
func (a *Aggregator) Tick(now time.Time) error {
	lastEligibleStart := sample.Bucket(now.Unix()) - windowSeconds
	if now.Unix()-sample.Bucket(now.Unix()) < int64(2*a.flushIntervalSeconds) {
		// The just-closed bucket's raw samples may not have flushed yet.
		lastEligibleStart -= windowSeconds
	}

	for _, kind := range allKinds {
		names, err := a.store.TaskNames(kind)
		if err != nil {
			return fmt.Errorf("aggregator: list tasks for %s: %w", kind, err)
		}
		for _, name := range names {
			if err := a.closeBuckets(kind, name, lastEligibleStart); err != nil {
				return fmt.Errorf("aggregator: %s/%s: %w", kind, name, err)
			}
		}
	}
	return nil
}

// closeBuckets advances taskName's watermark up to lastEligibleStart,
// inclusive, writing one aggregate row per non-empty bucket along the way.
func (a *Aggregator) closeBuckets(kind task.Kind, taskName string, lastEligibleStart int64) error {
	watermark, err := a.store.Watermark(kind, taskName)
	if err != nil {
		return err
	}

	start := watermark + windowSeconds
	if watermark == 0 {
		// First run for this task: don't backfill from the epoch, start
		// from the newest eligible bucket.
		start = lastEligibleStart
	}

	for bucketStart := start; bucketStart <= lastEligibleStart; bucketStart += windowSeconds {
		if err := a.closeOneBucket(kind, taskName, bucketStart); err != nil {
			return err
		}
		if err := a.store.SetWatermark(kind, taskName, bucketStart); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) closeOneBucket(kind task.Kind, taskName string, bucketStart int64) error {
	agg, sampleCount, err := aggregateKind(a.store, kind, taskName, bucketStart, bucketStart+windowSeconds)
	if err != nil {
		return err
	}
	if sampleCount == 0 {
		return nil
	}
	if err := a.store.WriteAgg(kind, taskName, bucketStart, agg); err != nil {
		return err
	}
	if a.onClose != nil {
		a.onClose(kind, taskName, agg)
	}
	return nil
}
