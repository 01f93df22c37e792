package aggregator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/store"
	"github.com/macwilam/linksense/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTickClosesBucketAndComputesStats(t *testing.T) {
	s := openTestStore(t)
	bucketStart := sample.Bucket(1_700_000_000)

	for i, latency := range []float64{10, 20, 30} {
		ts := bucketStart + int64(i)
		require.NoError(t, s.WriteRaw(task.KindPing, "p1", ts, &sample.RawPing{
			Base:      sample.Base{TaskName: "p1", Timestamp: ts, Success: true},
			LatencyMS: latency,
		}))
	}
	require.NoError(t, s.Flush())

	a := New(s, 30, nil)
	now := time.Unix(bucketStart+windowSeconds+2*30+1, 0)
	require.NoError(t, a.Tick(now))

	agg, count, scanErr := aggregateKind(s, task.KindPing, "p1", bucketStart, bucketStart+windowSeconds)
	require.NoError(t, scanErr)
	require.Equal(t, 3, count)
	got := agg.(*sample.AggPing)
	assert.Equal(t, 10.0, got.MinLatencyMS)
	assert.Equal(t, 30.0, got.MaxLatencyMS)
	assert.InDelta(t, 20.0, got.AvgLatencyMS, 0.0001)
	assert.Equal(t, 0.0, got.PacketLossPercent)

	watermark, err := s.Watermark(task.KindPing, "p1")
	require.NoError(t, err)
	assert.Equal(t, bucketStart, watermark)
}

func TestTickIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	bucketStart := sample.Bucket(1_700_000_000)
	require.NoError(t, s.WriteRaw(task.KindPing, "p1", bucketStart, &sample.RawPing{
		Base: sample.Base{TaskName: "p1", Timestamp: bucketStart, Success: true}, LatencyMS: 5,
	}))
	require.NoError(t, s.Flush())

	a := New(s, 30, nil)
	now := time.Unix(bucketStart+windowSeconds+2*30+1, 0)
	require.NoError(t, a.Tick(now))
	wm1, err := s.Watermark(task.KindPing, "p1")
	require.NoError(t, err)

	require.NoError(t, a.Tick(now))
	wm2, err := s.Watermark(task.KindPing, "p1")
	require.NoError(t, err)

	assert.Equal(t, wm1, wm2)
}

func TestTickSkipsBucketTooRecentForFlushInterval(t *testing.T) {
	s := openTestStore(t)
	bucketStart := sample.Bucket(1_700_000_000)
	require.NoError(t, s.WriteRaw(task.KindPing, "p1", bucketStart, &sample.RawPing{
		Base: sample.Base{TaskName: "p1", Timestamp: bucketStart, Success: true}, LatencyMS: 5,
	}))
	require.NoError(t, s.Flush())

	a := New(s, 30, nil)
	// Barely past bucket close, well under 2*flushInterval.
	now := time.Unix(bucketStart+windowSeconds+1, 0)
	require.NoError(t, a.Tick(now))

	wm, err := s.Watermark(task.KindPing, "p1")
	require.NoError(t, err)
	assert.Less(t, wm, bucketStart)
}

func TestAggregateHTTPGetTracksStatusDistribution(t *testing.T) {
	s := openTestStore(t)
	bucketStart := sample.Bucket(1_700_000_000)
	codes := []int{200, 200, 500}
	for i, code := range codes {
		ts := bucketStart + int64(i)
		require.NoError(t, s.WriteRaw(task.KindHTTPGet, "h1", ts, &sample.RawHTTPGet{
			Base:       sample.Base{TaskName: "h1", Timestamp: ts, Success: code < 500},
			StatusCode: code,
			TotalMS:    float64(code),
		}))
	}
	require.NoError(t, s.Flush())

	agg, count, err := aggregateKind(s, task.KindHTTPGet, "h1", bucketStart, bucketStart+windowSeconds)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	got := agg.(*sample.AggHTTPGet)
	assert.Equal(t, 2, got.StatusCodeDistribution[200])
	assert.Equal(t, 1, got.StatusCodeDistribution[500])
}

func TestAggregateSQLSkipsAvgValueWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	bucketStart := sample.Bucket(1_700_000_000)
	require.NoError(t, s.WriteRaw(task.KindSQL, "q1", bucketStart, &sample.RawSQL{
		Base: sample.Base{TaskName: "q1", Timestamp: bucketStart, Success: true}, QueryMS: 12,
	}))
	require.NoError(t, s.Flush())

	agg, count, err := aggregateKind(s, task.KindSQL, "q1", bucketStart, bucketStart+windowSeconds)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	got := agg.(*sample.AggSQL)
	assert.Nil(t, got.AvgValue)
	assert.InDelta(t, 12.0, got.AvgQueryMS, 0.0001)
}

func TestAggregateKindUnknown(t *testing.T) {
	s := openTestStore(t)
	_, _, err := aggregateKind(s, task.Kind("bogus"), "x", 0, 1)
	assert.Error(t, err)
}
