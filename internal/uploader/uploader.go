// Package uploader ships closed aggregate windows to the coordinating
// server, piggybacking the agent's current config hash on every request so
// a 409 response can trigger a config-sync check without a separate poll.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/macwilam/linksense/internal/configsync"
	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/store"
	"github.com/macwilam/linksense/internal/task"
)

// envelope is one queued batch: every aggregate produced for one kind in
// one aggregation tick.
type envelope struct {
	Kind       task.Kind         `json:"kind"`
	EnqueuedAt int64             `json:"enqueued_at"`
	Aggregates []json.RawMessage `json:"aggregates"`
}

// Uploader drains newly produced aggregates to the server, retaining
// anything it can't deliver in the store's durable pending queue.
type Uploader struct {
	serverURL     string
	apiKey        string
	agentID       string
	store         *store.Store
	syncer        *configsync.Syncer
	client        *retryablehttp.Client
	logger        netpipe.SLogger
	retentionDays int
}

// New builds an Uploader. syncer is consulted on every 409 response.
func New(serverURL, apiKey, agentID string, s *store.Store, syncer *configsync.Syncer, retentionDays int, logger netpipe.SLogger) *Uploader {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.Logger = nil // structured slog logging replaces retryablehttp's own logger
	return &Uploader{
		serverURL:     serverURL,
		apiKey:        apiKey,
		agentID:       agentID,
		store:         s,
		syncer:        syncer,
		client:        client,
		logger:        logger,
		retentionDays: retentionDays,
	}
}

// Enqueue durably queues one kind's freshly closed aggregates for upload.
// It never blocks on the network: the actual POST happens in Flush.
func (u *Uploader) Enqueue(kind task.Kind, aggregates []any) error {
	raw := make([]json.RawMessage, 0, len(aggregates))
	for _, agg := range aggregates {
		data, err := json.Marshal(agg)
		if err != nil {
			return fmt.Errorf("uploader: marshal aggregate: %w", err)
		}
		raw = append(raw, data)
	}
	env := envelope{Kind: kind, EnqueuedAt: time.Now().Unix(), Aggregates: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("uploader: marshal envelope: %w", err)
	}
	return u.store.EnqueuePending(data)
}

// Flush attempts to deliver every queued batch, oldest first, stopping at
// the first batch that fails with a retryable (5xx/network) error so FIFO
// order is preserved across ticks.
func (u *Uploader) Flush(ctx context.Context) error {
	u.dropExpired()

	for {
		items, err := u.store.OldestPending(1)
		if err != nil {
			return fmt.Errorf("uploader: read pending queue: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		item := items[0]

		var env envelope
		if err := json.Unmarshal(item.Payload, &env); err != nil {
			u.logger.Info("uploader: dropping malformed queued batch", "error", err.Error())
			_ = u.store.DeletePending(item.Key)
			continue
		}

		outcome, err := u.send(ctx, item.Payload)
		if err != nil {
			// Network failure: retain and retry on the next cycle.
			return nil
		}

		switch {
		case outcome.accepted:
			_ = u.store.DeletePending(item.Key)
			if outcome.configStale && u.syncer != nil {
				if err := u.syncer.Check(ctx); err != nil {
					u.logger.Info("uploader: config sync after 409 failed", "error", err.Error())
				}
			}
		case outcome.clientError:
			u.logger.Info("uploader: server rejected batch, dropping", "kind", string(env.Kind), "status", outcome.status)
			_ = u.store.DeletePending(item.Key)
		default:
			// Server error: retain and retry on the next cycle.
			return nil
		}
	}
}

type sendOutcome struct {
	accepted    bool
	configStale bool
	clientError bool
	status      int
}

func (u *Uploader) send(ctx context.Context, payload []byte) (sendOutcome, error) {
	hash, err := u.syncer.CurrentHash()
	if err != nil {
		hash = ""
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.serverURL+"/api/v1/metrics", bytes.NewReader(payload))
	if err != nil {
		return sendOutcome{}, fmt.Errorf("uploader: build request: %w", err)
	}
	req.Header.Set("X-API-Key", u.apiKey)
	req.Header.Set("X-Agent-ID", u.agentID)
	req.Header.Set("X-Config-Hash", hash)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return sendOutcome{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return sendOutcome{accepted: true, status: resp.StatusCode}, nil
	case resp.StatusCode == http.StatusConflict:
		return sendOutcome{accepted: true, configStale: true, status: resp.StatusCode}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return sendOutcome{clientError: true, status: resp.StatusCode}, nil
	default:
		return sendOutcome{status: resp.StatusCode}, fmt.Errorf("uploader: server status %d", resp.StatusCode)
	}
}

// dropExpired removes queued batches older than retentionDays, the "oldest
// dropped past retention" bound on the pending queue.
func (u *Uploader) dropExpired() {
	cutoff := time.Now().Unix() - int64(u.retentionDays)*86400
	items, err := u.store.OldestPending(1000)
	if err != nil {
		return
	}
	for _, item := range items {
		var env envelope
		if err := json.Unmarshal(item.Payload, &env); err != nil {
			continue
		}
		if env.EnqueuedAt < cutoff {
			u.logger.Info("uploader: dropping batch past retention", "kind", string(env.Kind))
			_ = u.store.DeletePending(item.Key)
		}
	}
}

// RunTicker calls Flush every interval until stop is closed.
func (u *Uploader) RunTicker(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := u.Flush(ctx); err != nil {
				u.logger.Info("uploader: flush failed", "error", err.Error())
			}
		case <-stop:
			return
		}
	}
}
