// Package registry tracks which agents have talked to the server: when
// they were first seen, when they last checked in, and a running count of
// metrics received from each, backed by the same bbolt-on-disk approach
// the agent side uses for its own store.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "agents"

// Registration is one agent's known state, keyed by agent ID.
type Registration struct {
	AgentID             string `json:"agent_id"`
	FirstSeen           int64  `json:"first_seen"`
	LastSeen            int64  `json:"last_seen"`
	LastConfigChecksum  string `json:"last_config_checksum"`
	TotalMetricsCount   int64  `json:"total_metrics_received"`
}

// Registry is the server's agent bookkeeping store.
type Registry struct {
	db *bbolt.DB
	mu sync.Mutex
	now func() time.Time
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: init bucket: %w", err)
	}
	return &Registry{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Touch records a check-in from agentID: creates a Registration on first
// sight (first_seen == last_seen) or updates last_seen and bumps the
// metrics counter by metricsDelta on subsequent calls.
func (r *Registry) Touch(agentID string, metricsDelta int64) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reg Registration
	now := r.now().Unix()
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get([]byte(agentID))
		if raw == nil {
			reg = Registration{AgentID: agentID, FirstSeen: now, LastSeen: now, TotalMetricsCount: metricsDelta}
		} else {
			if err := json.Unmarshal(raw, &reg); err != nil {
				return fmt.Errorf("registry: decode existing registration: %w", err)
			}
			reg.LastSeen = now
			reg.TotalMetricsCount += metricsDelta
		}
		encoded, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return b.Put([]byte(agentID), encoded)
	})
	return reg, err
}

// SetConfigChecksum records the checksum of the config currently applied
// to agentID, creating the registration if it doesn't exist yet.
func (r *Registry) SetConfigChecksum(agentID, checksum string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().Unix()
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var reg Registration
		raw := b.Get([]byte(agentID))
		if raw == nil {
			reg = Registration{AgentID: agentID, FirstSeen: now}
		} else if err := json.Unmarshal(raw, &reg); err != nil {
			return fmt.Errorf("registry: decode existing registration: %w", err)
		}
		reg.LastSeen = now
		reg.LastConfigChecksum = checksum
		encoded, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return b.Put([]byte(agentID), encoded)
	})
}

// Get returns the known Registration for agentID, or ok=false if the agent
// has never been seen.
func (r *Registry) Get(agentID string) (reg Registration, ok bool, err error) {
	err = r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketName)).Get([]byte(agentID))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &reg)
	})
	return reg, ok, err
}

// List returns every known Registration, ordered by agent ID.
func (r *Registry) List() ([]Registration, error) {
	var out []Registration
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(_, v []byte) error {
			var reg Registration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			out = append(out, reg)
			return nil
		})
	})
	return out, err
}
