package probe

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

type tlsExecutor struct {
	spec task.Spec
	deps Deps
}

func newTLSExecutor(spec task.Spec, deps Deps) *tlsExecutor {
	return &tlsExecutor{spec: spec, deps: deps}
}

func (e *tlsExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawTLS{Base: failedBase(e.spec, now, errMsg)}
}

func (e *tlsExecutor) Execute(ctx context.Context, now time.Time) any {
	ctx, cancel := deadline(ctx, e.spec)
	defer cancel()

	addr, err := resolveFirst(ctx, e.spec.Host)
	if err != nil {
		return e.Failed(now, sanitizeError(e.deps.NetConfig.ErrClassifier, err))
	}
	endpoint := addrPort(addr, e.spec.Port)

	cfg := e.deps.NetConfig
	logger := e.deps.Logger

	epntOp := netpipe.NewEndpointFunc(endpoint)
	connectOp := netpipe.NewConnectFunc(cfg, "tcp", logger)
	cancelWatchOp := netpipe.NewCancelWatchFunc()

	tlsConfig := &tls.Config{
		ServerName:         e.spec.Host,
		InsecureSkipVerify: !e.spec.VerifySSLOrDefault(),
	}
	tlsOp := netpipe.NewTLSHandshakeFunc(cfg, tlsConfig, logger)

	t0 := time.Now()
	connPipe := netpipe.Compose3(epntOp, connectOp, cancelWatchOp)
	conn, err := connPipe.Call(ctx, netpipe.Unit{})
	tcpMS := msSince(t0)
	if err != nil {
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, err))
	}

	t1 := time.Now()
	tconn, err := tlsOp.Call(ctx, conn)
	tlsMS := msSince(t1)
	if err != nil {
		// InsecureSkipVerify already disables certificate validation when
		// verify_ssl=false, so any error here is a genuine transport failure.
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, err))
	}
	defer tconn.Close()

	state := tconn.ConnectionState()
	cert := leafCertificate(state.PeerCertificates)
	daysLeft := certDaysUntilExpiry(cert, now)

	sslValid := true
	if e.spec.VerifySSLOrDefault() {
		sslValid = true // handshake would have failed above otherwise
	} else {
		sslValid = cert != nil && now.Before(cert.NotAfter) && now.After(cert.NotBefore)
	}

	return &sample.RawTLS{
		Base:                okBase(e.spec, now),
		TCPConnectMS:        tcpMS,
		TLSHandshakeMS:      tlsMS,
		CertDaysUntilExpiry: daysLeft,
		SSLValid:            sslValid,
		CipherSuite:         tls.CipherSuiteName(state.CipherSuite),
	}
}
