// Package metricstore is the server's landing zone for agent-uploaded
// aggregate windows: one bbolt bucket per probe kind, rows keyed by
// "agent_id\x00task_name\x00period_start" so per-agent, per-task queries
// are a contiguous cursor scan exactly like the agent-side store.
package metricstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"

	"github.com/macwilam/linksense/internal/task"
)

var buckets = map[task.Kind]string{
	task.KindPing:        "m_ping",
	task.KindTCP:         "m_tcp",
	task.KindTLS:         "m_tls",
	task.KindHTTPGet:     "m_httpget",
	task.KindHTTPContent: "m_httpcontent",
	task.KindDNS:         "m_dns",
	task.KindBandwidth:   "m_bandwidth",
	task.KindSQL:         "m_sql",
	task.KindSNMP:        "m_snmp",
}

func bucketName(kind task.Kind) (string, error) {
	if kind == task.KindDNSDoH {
		kind = task.KindDNS
	}
	name, ok := buckets[kind]
	if !ok {
		return "", fmt.Errorf("metricstore: unknown kind %q", kind)
	}
	return name, nil
}

// Store is the server's received-metrics sink.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the metrics database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metricstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metricstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowKey(agentID, taskName string, periodStart int64) []byte {
	key := make([]byte, len(agentID)+1+len(taskName)+1+8)
	n := copy(key, agentID)
	key[n] = 0
	n++
	n += copy(key[n:], taskName)
	key[n] = 0
	n++
	binary.BigEndian.PutUint64(key[n:], uint64(periodStart))
	return key
}

// Record is one received aggregate window, identified by the agent and
// task it came from.
type Record struct {
	AgentID     string
	TaskName    string
	PeriodStart int64
	ReceivedAt  int64
	Aggregate   json.RawMessage
}

// Put stores one aggregate window uploaded by agentID, stamped with the
// server's own receive time.
func (s *Store) Put(kind task.Kind, agentID, taskName string, periodStart int64, aggregate json.RawMessage, receivedAt time.Time) error {
	bucket, err := bucketName(kind)
	if err != nil {
		return err
	}
	rec := Record{AgentID: agentID, TaskName: taskName, PeriodStart: periodStart, ReceivedAt: receivedAt.Unix(), Aggregate: aggregate}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("metricstore: marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(rowKey(agentID, taskName, periodStart), value)
	})
}

// Scan calls fn for every record of kind belonging to agentID/taskName with
// startInclusive <= period_start < endExclusive, in period_start order.
func (s *Store) Scan(kind task.Kind, agentID, taskName string, startInclusive, endExclusive int64, fn func(Record) error) error {
	bucket, err := bucketName(kind)
	if err != nil {
		return err
	}
	prefix := append([]byte(agentID), 0)
	prefix = append(prefix, []byte(taskName)...)
	prefix = append(prefix, 0)
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if len(k) < len(prefix)+8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(k[len(prefix):]))
			if ts < startInclusive || ts >= endExclusive {
				continue
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("metricstore: unmarshal record: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i, c := range prefix {
		if k[i] != c {
			return false
		}
	}
	return true
}

// SweepOlderThan deletes every record across every bucket with received_at
// before cutoff, mirroring the agent-side store's retention sweep.
func (s *Store) SweepOlderThan(cutoff time.Time) error {
	cutoffUnix := cutoff.Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			b := tx.Bucket([]byte(name))
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if rec.ReceivedAt < cutoffUnix {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RetentionSweeper deletes received-metrics rows older than retentionDays
// on a cleanupIntervalHours cadence, expressed as a robfig/cron "@every Nh"
// schedule, mirroring the agent-side store's own RetentionSweeper.
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
// long-running server doesn't wait a full interval before its first cleanup.
func (r *RetentionSweeper) Start() error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %dh", r.cleanupIntervalHours)
	if _, err := r.cron.AddFunc(spec, func() { _ = r.sweep(time.Now()) }); err != nil {
		return fmt.Errorf("metricstore: schedule retention sweep: %w", err)
	}
	r.cron.Start()
	return r.sweep(time.Now())
}

// Stop halts the cron schedule. Any in-flight sweep is allowed to finish.
func (r *RetentionSweeper) Stop() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

func (r *RetentionSweeper) sweep(now time.Time) error {
	cutoff := now.Add(-time.Duration(r.retentionDays) * 24 * time.Hour)
	return r.store.SweepOlderThan(cutoff)
}
