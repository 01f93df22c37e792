package bandwidth

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCoordinator(t *testing.T, size int64) *Coordinator {
	t.Helper()
	c := New(size)
	go c.Run()
	t.Cleanup(c.Stop)
	return c
}

func TestFirstRequesterProceedsImmediately(t *testing.T) {
	c := startCoordinator(t, 1024)
	d := c.Test(context.Background(), "agent1")
	assert.Equal(t, ActionProceed, d.Action)
	assert.Equal(t, int64(1024), d.DataSizeBytes)
}

func TestSecondRequesterIsDelayed(t *testing.T) {
	c := startCoordinator(t, 1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)

	d := c.Test(context.Background(), "agent2")
	assert.Equal(t, ActionDelay, d.Action)
	assert.Equal(t, 90, d.DelaySeconds) // position 1: 60 + 1*30
}

func TestSameAgentRepollingWhileActiveProceedsAgain(t *testing.T) {
	c := startCoordinator(t, 1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)
	d := c.Test(context.Background(), "agent1")
	assert.Equal(t, ActionProceed, d.Action)
}

func TestQueuePositionGrowsDelay(t *testing.T) {
	c := startCoordinator(t, 1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)

	d2 := c.Test(context.Background(), "agent2")
	d3 := c.Test(context.Background(), "agent3")
	assert.Equal(t, 90, d2.DelaySeconds)
	assert.Equal(t, 120, d3.DelaySeconds)
}

func TestDelayCapsAtFiveMinutes(t *testing.T) {
	c := startCoordinator(t, 1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)
	for i := 0; i < 20; i++ {
		c.Test(context.Background(), agentName(i))
	}
	d := c.Test(context.Background(), "late-agent")
	assert.Equal(t, 300, d.DelaySeconds)
}

func agentName(i int) string {
	return string(rune('a'+i)) + "-agent"
}

func TestReleasePromotesQueueHead(t *testing.T) {
	c := startCoordinator(t, 1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)
	require.Equal(t, ActionDelay, c.Test(context.Background(), "agent2").Action)

	c.Release("agent1")

	require.Eventually(t, func() bool {
		return c.Authorized(context.Background(), "agent2")
	}, time.Second, 10*time.Millisecond)
}

func TestAuthorizedFalseForNonActiveAgent(t *testing.T) {
	c := startCoordinator(t, 1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)
	assert.False(t, c.Authorized(context.Background(), "agent2"))
	assert.True(t, c.Authorized(context.Background(), "agent1"))
}

func TestStreamDownloadWritesExactByteCountAndReleases(t *testing.T) {
	c := startCoordinator(t, 200*1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)

	var buf bytes.Buffer
	err := c.StreamDownload(context.Background(), &buf, "agent1", 200*1024)
	require.NoError(t, err)
	assert.Equal(t, 200*1024, buf.Len())

	require.Eventually(t, func() bool {
		return c.Authorized(context.Background(), "agent2") == false && c.Test(context.Background(), "agent2").Action == ActionProceed
	}, time.Second, 10*time.Millisecond)
}

func TestStreamDownloadStopsOnContextCancel(t *testing.T) {
	c := startCoordinator(t, 10*1024*1024)
	require.Equal(t, ActionProceed, c.Test(context.Background(), "agent1").Action)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.StreamDownload(ctx, &bytes.Buffer{}, "agent1", 10*1024*1024)
	assert.Error(t, err)
}
