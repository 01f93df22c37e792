package store

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// EnqueuePending durably queues one not-yet-uploaded batch, keyed by a
// monotonically increasing sequence number so FIFO order survives a
// restart. This is what lets aggregates "survive arbitrarily long server
// outages up to retention_days": the queue lives in the same bbolt file as
// the raw/agg data, not just in memory.
func (s *Store) EnqueuePending(payload []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, payload)
	})
}

// PendingItem is one queued upload batch.
type PendingItem struct {
	Key     []byte
	Payload []byte
}

// OldestPending returns up to limit queued batches in FIFO order, oldest
// first, without removing them.
func (s *Store) OldestPending(limit int) ([]PendingItem, error) {
	var items []PendingItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(items) < limit; k, v = c.Next() {
			items = append(items, PendingItem{Key: append([]byte(nil), k...), Payload: append([]byte(nil), v...)})
		}
		return nil
	})
	return items, err
}

// DeletePending removes a successfully uploaded batch from the queue.
func (s *Store) DeletePending(key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		return b.Delete(key)
	})
}

// PendingDepth reports how many batches are currently queued. The queue
// is bounded by retention elsewhere: the uploader drops batches whose
// envelope EnqueuedAt is older than retention_days.
func (s *Store) PendingDepth() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		return b.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return count, nil
}
