package probe

import (
	"net/netip"
	"testing"
	"time"

	"github.com/macwilam/linksense/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestOkBase(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	base := okBase(task.Spec{Name: "t1"}, now)
	assert.Equal(t, "t1", base.TaskName)
	assert.Equal(t, now.Unix(), base.Timestamp)
	assert.True(t, base.Success)
	assert.Empty(t, base.Error)
}

func TestFailedBaseDefaultsMessage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	base := failedBase(task.Spec{Name: "t1"}, now, "")
	assert.False(t, base.Success)
	assert.Equal(t, "unknown error", base.Error)
}

func TestFailedBaseKeepsMessage(t *testing.T) {
	base := failedBase(task.Spec{Name: "t1"}, time.Now(), "timeout")
	assert.Equal(t, "timeout", base.Error)
}

func TestAddrPort(t *testing.T) {
	addr := netip.MustParseAddr("127.0.0.1")
	ep := addrPort(addr, 443)
	assert.Equal(t, uint16(443), ep.Port())
}
