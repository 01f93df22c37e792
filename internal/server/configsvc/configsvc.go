// Package configsvc is the server side of per-agent task-config
// distribution: it serves each agent's current tasks.toml (compressed and
// hashed) and accepts first-write-wins registration plus sync-error
// reports, one file per agent under a configured directory.
package configsvc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/macwilam/linksense/internal/atomicfile"
	"github.com/macwilam/linksense/internal/configsync"
	"github.com/macwilam/linksense/internal/server/registry"
	"github.com/macwilam/linksense/internal/task"
)

// ErrReport is one agent-reported config-sync failure.
type ErrReport struct {
	AgentID      string `json:"agent_id"`
	Timestamp    int64  `json:"timestamp"`
	ErrorMessage string `json:"error_message"`
	ReceivedAt   int64  `json:"received_at"`
}

// Service manages per-agent tasks.toml files on disk under dir, one file
// named "{agent_id}.toml" per registered agent.
type Service struct {
	dir  string
	reg  *registry.Registry
	now  func() time.Time
	mu   sync.Mutex
	errs []ErrReport
}

// New builds a Service rooted at dir, creating it if necessary.
func New(dir string, reg *registry.Registry) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("configsvc: create %s: %w", dir, err)
	}
	return &Service{dir: dir, reg: reg, now: time.Now}, nil
}

// path returns the on-disk path for agentID's config, rejecting any ID
// that isn't a task.ValidAgentID (no path separators, no traversal).
func (s *Service) path(agentID string) (string, error) {
	if !task.ValidAgentID(agentID) {
		return "", fmt.Errorf("configsvc: invalid agent id %q", agentID)
	}
	return filepath.Join(s.dir, agentID+".toml"), nil
}

// Verify returns the gzip-compressed, base64-encoded config blob and its
// sha256 hash for GET /config/verify, or ok=false if agentID has no
// config on file yet (404 case).
func (s *Service) Verify(agentID string) (configDataB64, configHash string, ok bool, err error) {
	p, err := s.path(agentID)
	if err != nil {
		return "", "", false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("configsvc: read %s: %w", p, err)
	}

	var buf bytes.Buffer
	gz := kgzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", "", false, fmt.Errorf("configsvc: gzip config: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", "", false, fmt.Errorf("configsvc: close gzip writer: %w", err)
	}

	hash := configsync.HashBytes(data)
	return base64.StdEncoding.EncodeToString(buf.Bytes()), hash, true, nil
}

// CurrentHash returns agentID's on-file config hash without the gzip
// round-trip Verify does, used to compare against an uploaded metric
// batch's X-Config-Hash header.
func (s *Service) CurrentHash(agentID string) (hash string, ok bool, err error) {
	p, err := s.path(agentID)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("configsvc: read %s: %w", p, err)
	}
	return configsync.HashBytes(data), true, nil
}

// RegisterIfAbsent implements first-write-wins registration: configData
// (raw tasks.toml bytes) is stored only if agentID has no config file yet.
// Returns stored=false if a config already existed and the upload was
// ignored.
func (s *Service) RegisterIfAbsent(agentID string, configData []byte) (stored bool, err error) {
	specs, err := task.Decode(configData)
	if err != nil {
		return false, fmt.Errorf("configsvc: decode uploaded config: %w", err)
	}
	if err := task.ValidateSet(specs); err != nil {
		return false, fmt.Errorf("configsvc: validate uploaded config: %w", err)
	}

	p, err := s.path(agentID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, statErr := os.Stat(p); statErr == nil {
		return false, nil
	} else if !os.IsNotExist(statErr) {
		return false, fmt.Errorf("configsvc: stat %s: %w", p, statErr)
	}

	if err := atomicfile.Write(p, configData, 0o644); err != nil {
		return false, fmt.Errorf("configsvc: write %s: %w", p, err)
	}
	if s.reg != nil {
		_ = s.reg.SetConfigChecksum(agentID, configsync.HashBytes(configData))
	}
	return true, nil
}

// ReportError records an agent's sync-failure report for operator
// visibility. Reports accumulate in memory; callers needing durability
// should pair this with their own logging sink.
func (s *Service) ReportError(agentID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ErrReport{
		AgentID:      agentID,
		Timestamp:    s.now().Unix(),
		ErrorMessage: message,
		ReceivedAt:   s.now().Unix(),
	})
}

// RecentErrors returns every ConfigErrorReport accumulated since startup,
// most recent last.
func (s *Service) RecentErrors() []ErrReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrReport, len(s.errs))
	copy(out, s.errs)
	return out
}

// Overwrite replaces agentID's config file unconditionally, used by the
// bulk reconfiguration engine which bypasses first-write-wins by design.
func (s *Service) Overwrite(agentID string, data []byte) error {
	p, err := s.path(agentID)
	if err != nil {
		return err
	}
	return atomicfile.Write(p, data, 0o644)
}

// Exists reports whether agentID already has a config file on disk.
func (s *Service) Exists(agentID string) (bool, error) {
	p, err := s.path(agentID)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(p)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, statErr
}

// Dir exposes the directory holding per-agent config files, used by
// the reconfiguration engine to enumerate "{agent_id}.toml" entries for
// the "ALL AGENTS" sentinel.
func (s *Service) Dir() string {
	return s.dir
}
