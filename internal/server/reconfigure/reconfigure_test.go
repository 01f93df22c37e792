package reconfigure

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macwilam/linksense/internal/server/configsvc"
	"github.com/macwilam/linksense/internal/task"
)

func newFixture(t *testing.T) (*Engine, *configsvc.Service, string) {
	t.Helper()
	root := t.TempDir()
	configsDir := filepath.Join(root, "agent_configs")
	watchDir := filepath.Join(root, "reconfigure")
	svc, err := configsvc.New(configsDir, nil)
	require.NoError(t, err)
	e := New(watchDir, svc, 30, nil)
	require.NoError(t, os.MkdirAll(watchDir, 0o755))
	return e, svc, configsDir
}

func writeExistingAgent(t *testing.T, configsDir, agentID string) {
	t.Helper()
	specs := []task.Spec{{Name: "old", Type: task.KindPing, Host: "127.0.0.1", ScheduleSeconds: 60}}
	data, err := task.Encode(specs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(configsDir, agentID+".toml"), data, 0o644))
}

func newTasksTOML(t *testing.T) []byte {
	t.Helper()
	specs := []task.Spec{{Name: "new", Type: task.KindPing, Host: "1.1.1.1", ScheduleSeconds: 60}}
	data, err := task.Encode(specs)
	require.NoError(t, err)
	return data
}

func TestRunOnceNoOpWhenFilesAbsent(t *testing.T) {
	e, _, _ := newFixture(t)
	require.NoError(t, e.RunOnce())
}

func TestRunOnceAppliesToExplicitAgentList(t *testing.T) {
	e, svc, configsDir := newFixture(t)
	writeExistingAgent(t, configsDir, "agent1")

	require.NoError(t, os.WriteFile(e.agentListPath(), []byte("agent1\n"), 0o644))
	newData := newTasksTOML(t)
	require.NoError(t, os.WriteFile(e.tasksPath(), newData, 0o644))

	require.NoError(t, e.RunOnce())

	got, err := os.ReadFile(filepath.Join(configsDir, "agent1.toml"))
	require.NoError(t, err)
	assert.Equal(t, newData, got)

	assert.NoFileExists(t, e.agentListPath())
	assert.NoFileExists(t, e.tasksPath())
	assert.NoFileExists(t, e.errorPath())
	_ = svc
}

func TestRunOnceAllAgentsSentinelExpandsExisting(t *testing.T) {
	e, _, configsDir := newFixture(t)
	writeExistingAgent(t, configsDir, "agent1")
	writeExistingAgent(t, configsDir, "agent2")

	require.NoError(t, os.WriteFile(e.agentListPath(), []byte("ALL AGENTS\n"), 0o644))
	newData := newTasksTOML(t)
	require.NoError(t, os.WriteFile(e.tasksPath(), newData, 0o644))

	require.NoError(t, e.RunOnce())

	for _, id := range []string{"agent1", "agent2"} {
		got, err := os.ReadFile(filepath.Join(configsDir, id+".toml"))
		require.NoError(t, err)
		assert.Equal(t, newData, got)
	}
}

func TestRunOnceRejectsExplicitAgentWithoutExistingConfig(t *testing.T) {
	e, _, _ := newFixture(t)
	require.NoError(t, os.WriteFile(e.agentListPath(), []byte("ghost\n"), 0o644))
	require.NoError(t, os.WriteFile(e.tasksPath(), newTasksTOML(t), 0o644))

	err := e.RunOnce()
	assert.Error(t, err)
	assert.FileExists(t, e.errorPath())
	assert.FileExists(t, e.agentListPath())
	assert.FileExists(t, e.tasksPath())
}

func TestRunOnceRejectsDuplicateAgentIDs(t *testing.T) {
	e, _, configsDir := newFixture(t)
	writeExistingAgent(t, configsDir, "agent1")
	require.NoError(t, os.WriteFile(e.agentListPath(), []byte("agent1\nagent1\n"), 0o644))
	require.NoError(t, os.WriteFile(e.tasksPath(), newTasksTOML(t), 0o644))

	err := e.RunOnce()
	assert.Error(t, err)
	assert.FileExists(t, e.errorPath())
}

func TestRunOnceRejectsInvalidTasksToml(t *testing.T) {
	e, _, configsDir := newFixture(t)
	writeExistingAgent(t, configsDir, "agent1")
	require.NoError(t, os.WriteFile(e.agentListPath(), []byte("agent1\n"), 0o644))
	require.NoError(t, os.WriteFile(e.tasksPath(), []byte("not valid [["), 0o644))

	err := e.RunOnce()
	assert.Error(t, err)
	assert.FileExists(t, e.errorPath())
}

func TestBackupRetentionKeepsAtMostTen(t *testing.T) {
	e, _, configsDir := newFixture(t)
	writeExistingAgent(t, configsDir, "agent1")

	for i := 0; i < 12; i++ {
		ts := int64(1000 + i)
		e.now = func() time.Time { return time.Unix(ts, 0) }
		require.NoError(t, e.backupAndRotate(filepath.Join(configsDir, "agent1.toml"), "agent1"))
	}

	entries, err := os.ReadDir(configsDir)
	require.NoError(t, err)
	count := 0
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".toml" {
			count++
		}
	}
	assert.LessOrEqual(t, count, maxBackups)
}
