package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/macwilam/linksense/internal/task"
)

// ScanRaw calls fn for every raw sample of kind/taskName with
// startInclusive <= timestamp < endExclusive, in timestamp order.
// newValue must return a pointer to the kind's Raw* type; fn receives a
// freshly unmarshaled value each call.
func (s *Store) ScanRaw(kind task.Kind, taskName string, startInclusive, endExclusive int64, newValue func() any, fn func(value any, timestamp int64) error) error {
	bucket, err := rawBucketName(kind)
	if err != nil {
		return err
	}
	prefix := append([]byte(taskName), 0)
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if len(k) < len(prefix)+8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(k[len(prefix):]))
			if ts < startInclusive || ts >= endExclusive {
				continue
			}
			value := newValue()
			if err := json.Unmarshal(v, value); err != nil {
				return fmt.Errorf("store: unmarshal raw: %w", err)
			}
			if err := fn(value, ts); err != nil {
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
	for i, b := range prefix {
		if k[i] != b {
			return false
		}
	}
	return true
}

// WriteAgg persists one closed aggregate window, keyed the same way as raw
// rows ("task_name\x00period_start"), so a re-run with the same bucket
// simply overwrites an identical row (aggregation invariant: idempotent).
func (s *Store) WriteAgg(kind task.Kind, taskName string, periodStart int64, agg any) error {
	bucket, err := AggBucketName(kind)
	if err != nil {
		return err
	}
	value, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("store: marshal aggregate: %w", err)
	}
	key := RawKey(taskName, periodStart)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.Put(key, value)
	})
}

// watermarkKey identifies the per-(kind,task) aggregation watermark: the
// most recent bucket start that has already been closed and aggregated.
func watermarkKey(kind task.Kind, taskName string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s", kind, taskName))
}

// Watermark returns the last closed bucket start for (kind, taskName), or
// 0 if none has been aggregated yet.
func (s *Store) Watermark(kind task.Kind, taskName string) (int64, error) {
	var result int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(watermarkBucket))
		v := b.Get(watermarkKey(kind, taskName))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("store: malformed watermark for %s/%s", kind, taskName)
		}
		result = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return result, err
}

// SetWatermark records periodStart as the last closed bucket for
// (kind, taskName).
func (s *Store) SetWatermark(kind task.Kind, taskName string, periodStart int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(periodStart))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(watermarkBucket))
		return b.Put(watermarkKey(kind, taskName), buf)
	})
}

// TaskNames returns the distinct task names with at least one raw sample
// in kind's bucket, used by the aggregator to discover what to aggregate
// without requiring a separate task registry lookup.
func (s *Store) TaskNames(kind task.Kind) ([]string, error) {
	bucket, err := rawBucketName(kind)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			for i, c := range k {
				if c == 0 {
					seen[string(k[:i])] = struct{}{}
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names, nil
}
