package probe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type pingExecutor struct {
	spec task.Spec
	deps Deps
}

func newPingExecutor(spec task.Spec, deps Deps) *pingExecutor {
	return &pingExecutor{spec: spec, deps: deps}
}

func (e *pingExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawPing{Base: failedBase(e.spec, now, errMsg)}
}

func (e *pingExecutor) Execute(ctx context.Context, now time.Time) any {
	ctx, cancel := deadline(ctx, e.spec)
	defer cancel()

	addr, err := resolveFirst(ctx, e.spec.Host)
	if err != nil {
		return e.Failed(now, sanitizeError(e.deps.NetConfig.ErrClassifier, err))
	}

	latencyMS, err := icmpEcho(ctx, addr)
	if err != nil {
		return e.Failed(now, sanitizeError(e.deps.NetConfig.ErrClassifier, err))
	}

	return &sample.RawPing{
		Base:       okBase(e.spec, now),
		LatencyMS:  latencyMS,
		ResolvedIP: addr.String(),
	}
}

// icmpEcho sends a single unprivileged ICMP echo request over a UDP-style
// ICMP socket and returns the round-trip latency in milliseconds. It relies
// on the kernel's ping socket support (net.ipv4.ping_group_range on Linux);
// no raw-socket capability is required.
func icmpEcho(ctx context.Context, addr netip.Addr) (float64, error) {
	id := os.Getpid() & 0xffff

	if addr.Is4() {
		return icmpEchoV4(ctx, addr, id)
	}
	return icmpEchoV6(ctx, addr, id)
}

func icmpEchoV4(ctx context.Context, addr netip.Addr, id int) (float64, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("ping: listen: %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("linksense")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	dst := &net.UDPAddr{IP: net.IP(addr.AsSlice())}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	t0 := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("ping: write: %w", err)
	}

	rb := make([]byte, 1500)
	n, _, err := conn.ReadFrom(rb)
	if err != nil {
		return 0, fmt.Errorf("ping: read: %w", err)
	}
	elapsed := msSince(t0)

	parsed, err := icmp.ParseMessage(1 /* ICMPv4 protocol number */, rb[:n])
	if err != nil {
		return 0, fmt.Errorf("ping: parse: %w", err)
	}
	if parsed.Type != ipv4.ICMPTypeEchoReply {
		return 0, fmt.Errorf("ping: unexpected reply type %v", parsed.Type)
	}
	return elapsed, nil
}

func icmpEchoV6(ctx context.Context, addr netip.Addr, id int) (float64, error) {
	conn, err := icmp.ListenPacket("udp6", "::")
	if err != nil {
		return 0, fmt.Errorf("ping: listen: %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("linksense")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	dst := &net.UDPAddr{IP: net.IP(addr.AsSlice())}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	t0 := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("ping: write: %w", err)
	}

	rb := make([]byte, 1500)
	n, _, err := conn.ReadFrom(rb)
	if err != nil {
		return 0, fmt.Errorf("ping: read: %w", err)
	}
	elapsed := msSince(t0)

	parsed, err := icmp.ParseMessage(58 /* ICMPv6 protocol number */, rb[:n])
	if err != nil {
		return 0, fmt.Errorf("ping: parse: %w", err)
	}
	if parsed.Type != ipv6.ICMPTypeEchoReply {
		return 0, fmt.Errorf("ping: unexpected reply type %v", parsed.Type)
	}
	return elapsed, nil
}
