package probe

import (
	"context"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

type tcpExecutor struct {
	spec task.Spec
	deps Deps
}

func newTCPExecutor(spec task.Spec, deps Deps) *tcpExecutor {
	return &tcpExecutor{spec: spec, deps: deps}
}

func (e *tcpExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawTCP{Base: failedBase(e.spec, now, errMsg)}
}

func (e *tcpExecutor) Execute(ctx context.Context, now time.Time) any {
	ctx, cancel := deadline(ctx, e.spec)
	defer cancel()

	addr, err := resolveFirst(ctx, e.spec.Host)
	if err != nil {
		return e.Failed(now, sanitizeError(e.deps.NetConfig.ErrClassifier, err))
	}
	endpoint := addrPort(addr, e.spec.Port)

	logger := e.deps.Logger
	cfg := e.deps.NetConfig

	epntOp := netpipe.NewEndpointFunc(endpoint)
	connectOp := netpipe.NewConnectFunc(cfg, "tcp", logger)
	cancelWatchOp := netpipe.NewCancelWatchFunc()
	pipe := netpipe.Compose3(epntOp, connectOp, cancelWatchOp)

	t0 := time.Now()
	conn, err := pipe.Call(ctx, netpipe.Unit{})
	connectMS := msSince(t0)
	if err != nil {
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, err))
	}
	defer conn.Close()

	return &sample.RawTCP{
		Base:       okBase(e.spec, now),
		ConnectMS:  connectMS,
		ResolvedIP: addr.String(),
	}
}
