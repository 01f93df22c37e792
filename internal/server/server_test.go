package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macwilam/linksense/internal/config"
)

func newTestConfig(t *testing.T) config.Server {
	t.Helper()
	dir := t.TempDir()
	return config.Server{
		ListenAddr:                   "127.0.0.1:0",
		APIKey:                       "testkey",
		RetentionDays:                7,
		AgentConfigsDir:              filepath.Join(dir, "agent_configs"),
		DataDir:                      filepath.Join(dir, "data"),
		BandwidthTestSizeMB:          1,
		ReconfigureCheckIntervalSecs: 60,
		CleanupIntervalHours:         24,
	}
}

func TestNewBuildsServer(t *testing.T) {
	s, err := New(newTestConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestRunStartsAndShutsDownCleanly(t *testing.T) {
	s, err := New(newTestConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
