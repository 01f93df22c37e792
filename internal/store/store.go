// Package store implements the agent's two-tier (raw/aggregate) metric
// store on top of bbolt: one bucket per probe kind, buffered writes flushed
// on a ticker, and byte-sortable keys so (task_name, timestamp) scans are
// native bucket cursor walks.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/macwilam/linksense/internal/task"
)

var rawBuckets = []string{
	"raw_ping", "raw_tcp", "raw_tls", "raw_httpget", "raw_httpcontent",
	"raw_dns", "raw_bandwidth", "raw_sql", "raw_snmp",
}

var aggBuckets = []string{
	"agg_ping", "agg_tcp", "agg_tls", "agg_httpget", "agg_httpcontent",
	"agg_dns", "agg_bandwidth", "agg_sql", "agg_snmp",
}

const watermarkBucket = "watermarks"
const pendingBucket = "pending"

// rawBucketName maps a probe kind to its raw bucket name.
func rawBucketName(kind task.Kind) (string, error) {
	switch kind {
	case task.KindPing:
		return "raw_ping", nil
	case task.KindTCP:
		return "raw_tcp", nil
	case task.KindTLS:
		return "raw_tls", nil
	case task.KindHTTPGet:
		return "raw_httpget", nil
	case task.KindHTTPContent:
		return "raw_httpcontent", nil
	case task.KindDNS, task.KindDNSDoH:
		return "raw_dns", nil
	case task.KindBandwidth:
		return "raw_bandwidth", nil
	case task.KindSQL:
		return "raw_sql", nil
	case task.KindSNMP:
		return "raw_snmp", nil
	default:
		return "", fmt.Errorf("store: unknown kind %q", kind)
	}
}

// AggBucketName maps a probe kind to its aggregate bucket name.
func AggBucketName(kind task.Kind) (string, error) {
	name, err := rawBucketName(kind)
	if err != nil {
		return "", err
	}
	return "agg" + name[3:], nil
}

// pendingRecord is one buffered raw write waiting for the next flush.
type pendingRecord struct {
	bucket string
	key    []byte
	value  []byte
}

// Store is the agent's durable metric store, backed by one bbolt file.
type Store struct {
	db *bbolt.DB

	mu      sync.Mutex
	buffer  []pendingRecord
	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	looping atomic.Bool
}

// Open opens (creating if needed) the bbolt file at path and ensures every
// bucket this store needs exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range rawBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		for _, name := range aggBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(watermarkBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(pendingBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	s := &Store{
		db:      db,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	return s, nil
}

// RawKey builds the byte-sortable "task_name\x00timestamp" key.
func RawKey(taskName string, timestamp int64) []byte {
	key := make([]byte, len(taskName)+1+8)
	copy(key, taskName)
	key[len(taskName)] = 0
	binary.BigEndian.PutUint64(key[len(taskName)+1:], uint64(timestamp))
	return key
}

// WriteRaw buffers one raw sample for the next flush. taskName and
// timestamp must match the fields embedded in sample.Base.
func (s *Store) WriteRaw(kind task.Kind, taskName string, timestamp int64, sample any) error {
	bucket, err := rawBucketName(kind)
	if err != nil {
		return err
	}
	value, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("store: marshal sample: %w", err)
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, pendingRecord{bucket: bucket, key: RawKey(taskName, timestamp), value: value})
	s.mu.Unlock()
	return nil
}

// Flush durably writes every buffered record in one bbolt transaction.
func (s *Store) Flush() error {
	s.mu.Lock()
	records := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, rec := range records {
			b := tx.Bucket([]byte(rec.bucket))
			if b == nil {
				return fmt.Errorf("store: unknown bucket %q", rec.bucket)
			}
			if err := b.Put(rec.key, rec.value); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunFlushLoop flushes every interval until Close is called.
// Call as `go s.RunFlushLoop(interval)`.
func (s *Store) RunFlushLoop(interval time.Duration) {
	s.looping.Store(true)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			_ = s.Flush()
		case <-s.flushCh:
			_ = s.Flush()
		case <-s.stopCh:
			_ = s.Flush()
			return
		}
	}
}

// RequestFlush asks the flush loop to flush soon, without waiting for the
// next tick.
func (s *Store) RequestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Close stops the flush loop (flushing once more first) and closes the
// underlying bbolt file.
func (s *Store) Close() error {
	if s.looping.Load() {
		close(s.stopCh)
		<-s.doneCh
	} else {
		_ = s.Flush()
	}
	return s.db.Close()
}

// DB exposes the underlying bbolt handle for the aggregator and retention
// sweep, which need direct bucket access this façade doesn't cover.
func (s *Store) DB() *bbolt.DB { return s.db }
