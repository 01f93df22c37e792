package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
)

// RetentionSweeper deletes raw and aggregate rows older than retentionDays
// on a cleanupIntervalHours cadence, expressed as a robfig/cron "@every Nh"
// schedule.
type RetentionSweeper struct {
	store                *Store
	retentionDays        int
	cleanupIntervalHours int
	cron                 *cron.Cron
}

// NewRetentionSweeper builds a sweeper for store.
func NewRetentionSweeper(s *Store, retentionDays, cleanupIntervalHours int) *RetentionSweeper {
	if cleanupIntervalHours <= 0 {
		cleanupIntervalHours = 24
	}
	return &RetentionSweeper{store: s, retentionDays: retentionDays, cleanupIntervalHours: cleanupIntervalHours}
}

// Start schedules the sweep and performs one pass immediately so a
// long-running agent doesn't wait a full interval before its first cleanup.
func (r *RetentionSweeper) Start() error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %dh", r.cleanupIntervalHours)
	if _, err := r.cron.AddFunc(spec, func() { _ = r.Sweep(time.Now()) }); err != nil {
		return fmt.Errorf("store: schedule retention sweep: %w", err)
	}
	r.cron.Start()
	return r.Sweep(time.Now())
}

// Stop halts the cron schedule. Any in-flight sweep is allowed to finish.
func (r *RetentionSweeper) Stop() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// Sweep deletes every raw/agg row whose timestamp is older than
// retentionDays relative to now, across every bucket.
func (r *RetentionSweeper) Sweep(now time.Time) error {
	cutoff := now.Unix() - int64(r.retentionDays)*86400
	return r.store.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range rawBuckets {
			if err := sweepBucket(tx.Bucket([]byte(name)), cutoff); err != nil {
				return err
			}
		}
		for _, name := range aggBuckets {
			if err := sweepAggBucket(tx.Bucket([]byte(name)), cutoff); err != nil {
				return err
			}
		}
		return nil
	})
}

// sweepBucket deletes raw entries whose key-encoded timestamp is before
// cutoff. Keys are "task_name\x00timestamp"; the timestamp is the last 8
// bytes, big-endian.
func sweepBucket(b *bbolt.Bucket, cutoff int64) error {
	if b == nil {
		return nil
	}
	var toDelete [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) < 8 {
			continue
		}
		ts := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
		if ts < cutoff {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// sweepAggBucket mirrors sweepBucket for aggregate rows, which are keyed
// "task_name\x00period_start" the same way.
func sweepAggBucket(b *bbolt.Bucket, cutoff int64) error {
	return sweepBucket(b, cutoff)
}
