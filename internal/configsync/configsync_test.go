package configsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macwilam/linksense/internal/task"
)

func writeTasksFile(t *testing.T, dir string, specs []task.Spec) string {
	t.Helper()
	data, err := task.Encode(specs)
	require.NoError(t, err)
	path := filepath.Join(dir, "tasks.toml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func gzipBase64(t *testing.T, data []byte) string {
	t.Helper()
	var buf bytes.Buffer
	gz := kgzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

var samplePing = []task.Spec{{Name: "p1", Type: task.KindPing, Host: "example.com", ScheduleSeconds: 30}}
var sampleTwo = []task.Spec{
	{Name: "p1", Type: task.KindPing, Host: "example.com", ScheduleSeconds: 30},
	{Name: "t1", Type: task.KindTCP, Host: "example.com", Port: 443, ScheduleSeconds: 30},
}

func TestHashIsStableForSameSpecs(t *testing.T) {
	h1, err := Hash(samplePing)
	require.NoError(t, err)
	h2, err := Hash(samplePing)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCheckNoOpWhenHashMatches(t *testing.T) {
	dir := t.TempDir()
	path := writeTasksFile(t, dir, samplePing)
	localHash := HashBytes(mustRead(t, path))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{ConfigHash: localHash})
	}))
	defer server.Close()

	before := mustRead(t, path)
	s := New(server.URL, "key", "agent1", path, filepath.Join(dir, "previous_configs"), nil, nil)
	require.NoError(t, s.Check(context.Background()))

	assert.Equal(t, before, mustRead(t, path))
}

func TestCheckSwapsConfigOnHashMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTasksFile(t, dir, samplePing)

	newData, err := task.Encode(sampleTwo)
	require.NoError(t, err)
	newHash := HashBytes(newData)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{
			ConfigData: gzipBase64(t, newData),
			ConfigHash: newHash,
		})
	}))
	defer server.Close()

	s := New(server.URL, "key", "agent1", path, filepath.Join(dir, "previous_configs"), nil, nil)
	require.NoError(t, s.Check(context.Background()))

	gotHash := HashBytes(mustRead(t, path))
	assert.Equal(t, newHash, gotHash)

	backups, err := os.ReadDir(filepath.Join(dir, "previous_configs"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestCheckRejectsMismatchedAdvertisedHash(t *testing.T) {
	dir := t.TempDir()
	path := writeTasksFile(t, dir, samplePing)
	originalData := mustRead(t, path)

	newData, err := task.Encode(sampleTwo)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{
			ConfigData: gzipBase64(t, newData),
			ConfigHash: "not-the-real-hash",
		})
	}))
	defer server.Close()

	s := New(server.URL, "key", "agent1", path, filepath.Join(dir, "previous_configs"), nil, nil)
	err = s.Check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, originalData, mustRead(t, path))
}

func TestCheckRollsBackOnPostSwapHashMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTasksFile(t, dir, samplePing)
	originalData := mustRead(t, path)

	newData, err := task.Encode(sampleTwo)
	require.NoError(t, err)
	newHash := HashBytes(newData)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{
			ConfigData: gzipBase64(t, newData),
			ConfigHash: newHash,
		})
	}))
	defer server.Close()

	s := New(server.URL, "key", "agent1", path, filepath.Join(dir, "previous_configs"), nil, nil)

	// Pin CurrentHash's view of the file to the pre-swap bytes: the first
	// call (localHash in Check) is supposed to see this anyway, but the
	// second call (postHash in applyRemoteConfig, taken after the swap
	// already landed on disk) seeing stale bytes simulates a rename
	// racing with something else touching the path.
	s.readTasksFile = func(p string) ([]byte, error) {
		return originalData, nil
	}

	err = s.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled back")

	assert.Equal(t, originalData, mustRead(t, path))
}

func TestRecoverOrphansRemovesTempfiles(t *testing.T) {
	dir := t.TempDir()
	path := writeTasksFile(t, dir, samplePing)
	orphan := filepath.Join(dir, ".tmp-tasks.toml-leftover")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))

	s := New("http://unused", "key", "agent1", path, dir, nil, nil)
	require.NoError(t, s.RecoverOrphans())

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
