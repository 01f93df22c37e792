package uploader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macwilam/linksense/internal/configsync"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/store"
	"github.com/macwilam/linksense/internal/task"
)

func newFixture(t *testing.T, handler http.HandlerFunc) (*Uploader, *store.Store, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tasksPath := filepath.Join(dir, "tasks.toml")
	data, err := task.Encode([]task.Spec{{Name: "p1", Type: task.KindPing, Host: "example.com", ScheduleSeconds: 30}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tasksPath, data, 0o644))

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	syncer := configsync.New(server.URL, "key", "agent1", tasksPath, filepath.Join(dir, "previous_configs"), nil, nil)
	u := New(server.URL, "key", "agent1", s, syncer, 30, nil)
	return u, s, server
}

func TestFlushDeliversAndDequeues(t *testing.T) {
	var hits int32
	u, s, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, u.Enqueue(task.KindPing, []any{&sample.AggPing{}}))
	require.NoError(t, u.Flush(context.Background()))

	depth, err := s.PendingDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
	assert.Equal(t, int32(1), hits)
}

func TestFlushStopsOnServerError(t *testing.T) {
	u, s, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	u.client.RetryMax = 0

	require.NoError(t, u.Enqueue(task.KindPing, []any{&sample.AggPing{}}))
	require.NoError(t, u.Flush(context.Background()))

	depth, err := s.PendingDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestFlushDropsOnClientError(t *testing.T) {
	u, s, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	require.NoError(t, u.Enqueue(task.KindPing, []any{&sample.AggPing{}}))
	require.NoError(t, u.Flush(context.Background()))

	depth, err := s.PendingDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestFlushOnConflictTriggersConfigSync(t *testing.T) {
	var verifyHit int32
	u, s, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/config/verify" {
			atomic.AddInt32(&verifyHit, 1)
			_, _ = w.Write([]byte(`{"config_hash":"deadbeef"}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
	})

	require.NoError(t, u.Enqueue(task.KindPing, []any{&sample.AggPing{}}))
	require.NoError(t, u.Flush(context.Background()))

	depth, err := s.PendingDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&verifyHit))
}
