// Package configsync keeps an agent's on-disk tasks.toml in step with the
// server's copy: a content hash identifies drift, and a mismatch triggers a
// fetch-validate-atomic-swap round trip with rollback on any failure.
package configsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/macwilam/linksense/internal/atomicfile"
	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/task"
)

// Hash returns the hex-encoded sha256 digest of the canonical re-encoding
// of specs, the same bytes configsync compares against the server.
func Hash(specs []task.Spec) (string, error) {
	data, err := task.Encode(specs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes raw tasks.toml bytes directly, used when the caller
// already has the file contents and doesn't need to round-trip them
// through Decode/Encode first.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// verifyResponse mirrors the JSON body of GET /config/verify.
type verifyResponse struct {
	ConfigData string `json:"config_data"`
	ConfigHash string `json:"config_hash"`
}

// uploadBody is the body configsync POSTs to /config/upload. Kind
// discriminates the two shapes the endpoint accepts: "error" (a failed
// sync attempt) or "config" (initial first-write-wins registration).
type uploadBody struct {
	Kind       string `json:"kind"`
	Error      string `json:"error,omitempty"`
	ConfigData string `json:"config_data,omitempty"`
}

// Syncer owns the agent's tasks.toml file and talks to the server's
// config-sync endpoints.
type Syncer struct {
	serverURL  string
	apiKey     string
	agentID    string
	tasksPath  string
	backupDir  string
	httpClient *http.Client
	logger     netpipe.SLogger

	readTasksFile func(path string) ([]byte, error)

	mu sync.Mutex
}

// New builds a Syncer for tasksPath, backing up swapped-out versions into
// backupDir.
func New(serverURL, apiKey, agentID, tasksPath, backupDir string, httpClient *http.Client, logger netpipe.SLogger) *Syncer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	return &Syncer{
		serverURL:     serverURL,
		apiKey:        apiKey,
		agentID:       agentID,
		tasksPath:     tasksPath,
		backupDir:     backupDir,
		httpClient:    httpClient,
		logger:        logger,
		readTasksFile: os.ReadFile,
	}
}

// RecoverOrphans cleans up any tempfile left behind by a swap interrupted
// mid-rename, called once at agent startup before the first Check.
func (s *Syncer) RecoverOrphans() error {
	return atomicfile.RecoverOrphans(filepath.Dir(s.tasksPath))
}

// CurrentHash reads and hashes the tasks file currently on disk.
func (s *Syncer) CurrentHash() (string, error) {
	data, err := s.readTasksFile(s.tasksPath)
	if err != nil {
		return "", fmt.Errorf("configsync: read %s: %w", s.tasksPath, err)
	}
	if _, err := task.Decode(data); err != nil {
		return "", fmt.Errorf("configsync: local tasks file is invalid: %w", err)
	}
	return HashBytes(data), nil
}

// Check is the single code path for "did the hash change": both the
// per-upload 409 trigger and the independent cadence ticker call this.
// It fetches the server's current config, and if the hash differs from
// what's on disk, validates and atomically swaps it in; if applying it
// fails, it leaves the old config in place and reports the error to the
// server.
func (s *Syncer) Check(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	localHash, err := s.CurrentHash()
	if err != nil {
		return err
	}

	resp, err := s.fetchVerify(ctx)
	if err != nil {
		return err
	}
	if resp.ConfigHash == localHash {
		return nil
	}

	if err := s.applyRemoteConfig(ctx, resp); err != nil {
		s.reportError(ctx, err)
		return err
	}
	s.logger.Info("configsync: applied new tasks.toml", "hash", resp.ConfigHash)
	return nil
}

func (s *Syncer) fetchVerify(ctx context.Context) (*verifyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+"/api/v1/config/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("configsync: build verify request: %w", err)
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("X-Agent-ID", s.agentID)

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("configsync: verify request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("configsync: verify returned status %d", httpResp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("configsync: decode verify response: %w", err)
	}
	return &out, nil
}

// applyRemoteConfig decompresses, validates, backs up the old file, and
// atomically swaps in the new one, rolling back if the post-write hash
// doesn't match what the server claimed.
func (s *Syncer) applyRemoteConfig(ctx context.Context, resp *verifyResponse) error {
	compressed, err := base64.StdEncoding.DecodeString(resp.ConfigData)
	if err != nil {
		return fmt.Errorf("configsync: decode base64 config_data: %w", err)
	}

	gz, err := kgzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("configsync: open gzip config_data: %w", err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("configsync: decompress config_data: %w", err)
	}

	specs, err := task.Decode(data)
	if err != nil {
		return fmt.Errorf("configsync: validate incoming tasks: %w", err)
	}
	if err := task.ValidateSet(specs); err != nil {
		return fmt.Errorf("configsync: validate incoming tasks: %w", err)
	}

	gotHash := HashBytes(data)
	if gotHash != resp.ConfigHash {
		return fmt.Errorf("configsync: config_data hash %s does not match advertised %s", gotHash, resp.ConfigHash)
	}

	previous, hadPrevious, err := s.backupCurrent()
	if err != nil {
		return fmt.Errorf("configsync: backup before swap: %w", err)
	}

	if err := atomicfile.Write(s.tasksPath, data, 0o644); err != nil {
		return fmt.Errorf("configsync: atomic swap: %w", err)
	}

	// Re-read and re-hash the file we just wrote; a mismatch here means
	// the rename raced with something else touching the path. Roll back
	// to the pre-swap contents so the agent keeps running a config it has
	// already validated, per the fetch-validate-atomic-swap-or-rollback
	// contract.
	postHash, err := s.CurrentHash()
	if err != nil || postHash != resp.ConfigHash {
		if hadPrevious {
			if restoreErr := atomicfile.Write(s.tasksPath, previous, 0o644); restoreErr != nil {
				return fmt.Errorf("configsync: post-swap hash mismatch, rollback failed: %w", restoreErr)
			}
		} else if removeErr := os.Remove(s.tasksPath); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("configsync: post-swap hash mismatch, rollback failed: %w", removeErr)
		}
		return fmt.Errorf("configsync: post-swap hash mismatch, rolled back to previous config")
	}
	return nil
}

// backupCurrent copies the tasks file about to be replaced into backupDir,
// named by the unix timestamp of the swap, per the "previous_configs/
// tasks_{unix_ts}.toml" on-disk layout, and returns its contents so the
// caller can restore them if the swap turns out to be bad.
func (s *Syncer) backupCurrent() ([]byte, bool, error) {
	data, err := os.ReadFile(s.tasksPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return nil, false, err
	}
	name := fmt.Sprintf("tasks_%d.toml", time.Now().Unix())
	if err := atomicfile.Write(filepath.Join(s.backupDir, name), data, 0o644); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// reportError POSTs a failure to apply the server's config to
// /config/upload. The failed hash is not remembered, so the next Check
// fetches the same config again and retries applying it.
func (s *Syncer) reportError(ctx context.Context, syncErr error) {
	body, err := json.Marshal(uploadBody{Kind: "error", Error: syncErr.Error()})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/v1/config/upload", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("X-Agent-ID", s.agentID)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Info("configsync: failed to report sync error", "error", err.Error())
		return
	}
	defer resp.Body.Close()
}

// Register uploads the agent's current tasks.toml for first-write-wins
// server-side registration, called once at agent startup.
func (s *Syncer) Register(ctx context.Context) error {
	data, err := os.ReadFile(s.tasksPath)
	if err != nil {
		return fmt.Errorf("configsync: read %s: %w", s.tasksPath, err)
	}
	body, err := json.Marshal(uploadBody{Kind: "config", ConfigData: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return fmt.Errorf("configsync: marshal registration body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/v1/config/upload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("X-Agent-ID", s.agentID)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("configsync: register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("configsync: register returned status %d", resp.StatusCode)
	}
	return nil
}

// RunTicker calls Check every interval until stop is closed, giving a
// periodic independent cadence in addition to the per-upload 409 trigger.
func (s *Syncer) RunTicker(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Check(ctx); err != nil {
				s.logger.Info("configsync: periodic check failed", "error", err.Error())
			}
		case <-stop:
			return
		}
	}
}
