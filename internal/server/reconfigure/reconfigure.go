// Package reconfigure implements the server's bulk reconfiguration engine:
// it watches a drop directory for a paired agent_list.txt/tasks.toml, and
// when both land, validates them completely before mutating any agent's
// on-disk config, swapping each atomically and retaining a bounded backup
// trail.
package reconfigure

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/macwilam/linksense/internal/atomicfile"
	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/server/configsvc"
	"github.com/macwilam/linksense/internal/task"
)

const (
	allAgentsSentinel = "ALL AGENTS"
	maxBackups        = 10
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Engine drives the watch-validate-apply cycle against a configsvc.Service.
type Engine struct {
	watchDir string
	svc      *configsvc.Service
	logger   netpipe.SLogger
	cron     *cron.Cron
	now      func() time.Time
}

// New builds an Engine watching watchDir (conventionally
// "{agent_configs_dir}/../reconfigure") every checkIntervalSeconds.
func New(watchDir string, svc *configsvc.Service, checkIntervalSeconds int, logger netpipe.SLogger) *Engine {
	if logger == nil {
		logger = netpipe.DefaultSLogger()
	}
	return &Engine{watchDir: watchDir, svc: svc, logger: logger, now: time.Now}
}

// Start schedules the watch cycle and runs one pass immediately.
func (e *Engine) Start(checkIntervalSeconds int) error {
	if err := os.MkdirAll(e.watchDir, 0o755); err != nil {
		return fmt.Errorf("reconfigure: create watch dir: %w", err)
	}
	e.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", checkIntervalSeconds)
	if _, err := e.cron.AddFunc(spec, e.runCycle); err != nil {
		return fmt.Errorf("reconfigure: schedule watch: %w", err)
	}
	e.cron.Start()
	e.runCycle()
	return nil
}

// Stop halts the watch schedule.
func (e *Engine) Stop() {
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
}

func (e *Engine) agentListPath() string { return filepath.Join(e.watchDir, "agent_list.txt") }
func (e *Engine) tasksPath() string     { return filepath.Join(e.watchDir, "tasks.toml") }
func (e *Engine) errorPath() string     { return filepath.Join(e.watchDir, "error.txt") }

// runCycle is the full 7-step reconfiguration pass, swallowing its own
// error by writing error.txt rather than propagating, since it runs
// unattended on a cron schedule.
func (e *Engine) runCycle() {
	if err := e.RunOnce(); err != nil {
		e.logger.Info("reconfigure: cycle failed", "error", err.Error())
	}
}

type agentOutcome struct {
	agentID string
	err     error
}

// RunOnce executes one reconfiguration cycle if both trigger files are
// present, returning nil (a no-op) when they are not.
func (e *Engine) RunOnce() error {
	listPath, tasksPath := e.agentListPath(), e.tasksPath()
	if !fileExists(listPath) || !fileExists(tasksPath) {
		return nil
	}

	_ = os.Remove(e.errorPath())

	agentIDs, err := e.parseAgentList(listPath)
	if err != nil {
		return e.failPreflight(fmt.Errorf("parse agent_list.txt: %w", err))
	}

	tasksData, err := os.ReadFile(tasksPath)
	if err != nil {
		return e.failPreflight(fmt.Errorf("read tasks.toml: %w", err))
	}
	specs, err := task.Decode(tasksData)
	if err != nil {
		return e.failPreflight(fmt.Errorf("parse tasks.toml: %w", err))
	}
	if err := task.ValidateSet(specs); err != nil {
		return e.failPreflight(fmt.Errorf("validate tasks.toml: %w", err))
	}

	resolved, err := e.resolveAgents(agentIDs)
	if err != nil {
		return e.failPreflight(err)
	}

	outcomes := e.applyToAgents(resolved, tasksData)

	var failures []agentOutcome
	for _, o := range outcomes {
		if o.err != nil {
			failures = append(failures, o)
		}
	}
	if len(failures) > 0 {
		return e.failPartial(len(outcomes)-len(failures), failures, listPath, tasksPath)
	}

	_ = os.Remove(listPath)
	_ = os.Remove(tasksPath)
	e.logger.Info("reconfigure: cycle applied", "agent_count", len(outcomes))
	return nil
}

// parseAgentList returns the literal list of agent IDs named in the file,
// or nil (meaning "resolve via ALL AGENTS") for the sentinel line.
func (e *Engine) parseAgentList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var ids []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ids = append(ids, line)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("agent_list.txt is empty")
	}
	if len(ids) == 1 && ids[0] == allAgentsSentinel {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if !agentIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid agent id %q", id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", id)
		}
		seen[id] = struct{}{}
	}
	return ids, nil
}

// resolveAgents expands the ALL AGENTS sentinel (nil ids) into every
// {agent_id}.toml on disk, or confirms every explicit id already has one.
func (e *Engine) resolveAgents(ids []string) ([]string, error) {
	if ids == nil {
		entries, err := os.ReadDir(e.svc.Dir())
		if err != nil {
			return nil, fmt.Errorf("enumerate agent configs: %w", err)
		}
		var all []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
				continue
			}
			all = append(all, strings.TrimSuffix(entry.Name(), ".toml"))
		}
		sort.Strings(all)
		return all, nil
	}
	for _, id := range ids {
		exists, err := e.svc.Exists(id)
		if err != nil {
			return nil, fmt.Errorf("check agent %q: %w", id, err)
		}
		if !exists {
			return nil, fmt.Errorf("agent %q has no existing config", id)
		}
	}
	return ids, nil
}

// applyToAgents backs up and swaps each agent's config independently,
// continuing past per-agent failures so one bad agent doesn't block the
// rest of a bulk rollout.
func (e *Engine) applyToAgents(agentIDs []string, tasksData []byte) []agentOutcome {
	outcomes := make([]agentOutcome, 0, len(agentIDs))
	for _, id := range agentIDs {
		err := e.applyToOne(id, tasksData)
		outcomes = append(outcomes, agentOutcome{agentID: id, err: err})
	}
	return outcomes
}

func (e *Engine) applyToOne(agentID string, tasksData []byte) error {
	cfgPath := filepath.Join(e.svc.Dir(), agentID+".toml")
	if err := e.backupAndRotate(cfgPath, agentID); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := atomicfile.Write(cfgPath, tasksData, 0o644); err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	return nil
}

// backupAndRotate copies cfgPath aside as "{agent_id}.toml.backup.{ts}"
// and deletes the oldest backups beyond maxBackups. A missing cfgPath
// (agent never had a config) is not an error here — resolveAgents already
// guaranteed existence for explicit lists, and ALL AGENTS only enumerates
// files that exist.
func (e *Engine) backupAndRotate(cfgPath, agentID string) error {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	backupPath := fmt.Sprintf("%s.backup.%d", cfgPath, e.now().Unix())
	if err := atomicfile.Write(backupPath, data, 0o644); err != nil {
		return err
	}
	return e.pruneBackups(agentID)
}

func (e *Engine) pruneBackups(agentID string) error {
	entries, err := os.ReadDir(e.svc.Dir())
	if err != nil {
		return err
	}
	prefix := agentID + ".toml.backup."
	type backup struct {
		name string
		ts   int64
	}
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		tsStr := strings.TrimPrefix(entry.Name(), prefix)
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		backups = append(backups, backup{name: entry.Name(), ts: ts})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ts < backups[j].ts })
	for len(backups) > maxBackups {
		if err := os.Remove(filepath.Join(e.svc.Dir(), backups[0].name)); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

func (e *Engine) failPreflight(err error) error {
	msg := fmt.Sprintf("[%s] preflight validation failed: %s\n", e.now().Format(time.RFC3339), err.Error())
	_ = atomicfile.Write(e.errorPath(), []byte(msg), 0o644)
	return err
}

func (e *Engine) failPartial(successCount int, failures []agentOutcome, listPath, tasksPath string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] partial failure: %d succeeded, %d failed\n", e.now().Format(time.RFC3339), successCount, len(failures))
	for _, f := range failures {
		fmt.Fprintf(&b, "  %s: %s\n", f.agentID, f.err.Error())
	}
	_ = atomicfile.Write(e.errorPath(), []byte(b.String()), 0o644)
	return fmt.Errorf("reconfigure: %d agent(s) failed", len(failures))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
