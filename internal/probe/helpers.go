package probe

import (
	"net/netip"
	"time"

	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

func addrPort(addr netip.Addr, port int) netip.AddrPort {
	return netip.AddrPortFrom(addr, uint16(port))
}

func msSince(t0 time.Time) float64 {
	return float64(time.Since(t0)) / float64(time.Millisecond)
}

func okBase(spec task.Spec, now time.Time) sample.Base {
	return sample.Base{TaskName: spec.Name, Timestamp: now.Unix(), Success: true}
}

func failedBase(spec task.Spec, now time.Time, errMsg string) sample.Base {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return sample.Base{TaskName: spec.Name, Timestamp: now.Unix(), Success: false, Error: errMsg}
}
