package probe

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

type httpGetExecutor struct {
	spec task.Spec
	deps Deps
}

func newHTTPGetExecutor(spec task.Spec, deps Deps) *httpGetExecutor {
	return &httpGetExecutor{spec: spec, deps: deps}
}

func (e *httpGetExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawHTTPGet{Base: failedBase(e.spec, now, errMsg)}
}

func (e *httpGetExecutor) Execute(ctx context.Context, now time.Time) any {
	ctx, cancel := deadline(ctx, e.spec)
	defer cancel()

	cfg := e.deps.NetConfig
	result, err := httpGetRoundTrip(ctx, e.spec.URL, cfg, e.deps.Logger)
	if err != nil {
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, err))
	}
	defer result.body.Close()

	n, readErr := io.Copy(io.Discard, result.body)
	downloadMS := msSince(result.firstByteAt)
	totalMS := msSince(result.start)
	if readErr != nil {
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, readErr))
	}

	return &sample.RawHTTPGet{
		Base:                okBase(e.spec, now),
		TCPMS:               result.tcpMS,
		TLSMS:               result.tlsMS,
		TTFBMS:              result.ttfbMS,
		DownloadMS:          downloadMS,
		TotalMS:             totalMS,
		StatusCode:          result.statusCode,
		BodyBytes:           n,
		CertDaysUntilExpiry: result.certDays,
	}
}

// httpRoundTripResult carries the phase timings shared by the plain GET and
// content-matching probes, which differ only in what they do with the body.
type httpRoundTripResult struct {
	start       time.Time
	firstByteAt time.Time
	tcpMS       float64
	tlsMS       float64
	ttfbMS      float64
	certDays    int
	statusCode  int
	body        io.ReadCloser
	header      http.Header
}

// httpGetRoundTrip resolves rawURL, dials (TLS if https), and issues a GET,
// returning the response with phase timings already measured through
// response headers. The caller owns the returned body.
func httpGetRoundTrip(ctx context.Context, rawURL string, cfg *netpipe.Config, logger netpipe.SLogger) (*httpRoundTripResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	port := u.Port()
	useTLS := u.Scheme == "https"
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "80"
		}
	}
	portNum, err := parsePort(port)
	if err != nil {
		return nil, err
	}

	addr, err := resolveFirst(ctx, host)
	if err != nil {
		return nil, err
	}
	endpoint := addrPort(addr, portNum)

	epntOp := netpipe.NewEndpointFunc(endpoint)
	connectOp := netpipe.NewConnectFunc(cfg, "tcp", logger)
	cancelWatchOp := netpipe.NewCancelWatchFunc()

	start := time.Now()

	var httpConn *netpipe.HTTPConn
	var tcpMS, tlsMS float64
	var certDays int

	if useTLS {
		tlsConfig := &tls.Config{ServerName: host, NextProtos: []string{"h2", "http/1.1"}}
		tlsHandshakeOp := netpipe.NewTLSHandshakeFunc(cfg, tlsConfig, logger)
		httpConnOp := netpipe.NewHTTPConnFuncTLS(cfg, logger)

		connPipe := netpipe.Compose3(epntOp, connectOp, cancelWatchOp)
		t0 := time.Now()
		conn, err := connPipe.Call(ctx, netpipe.Unit{})
		tcpMS = msSince(t0)
		if err != nil {
			return nil, err
		}
		t1 := time.Now()
		tconn, err := tlsHandshakeOp.Call(ctx, conn)
		tlsMS = msSince(t1)
		if err != nil {
			return nil, err
		}
		certDays = certDaysUntilExpiry(leafCertificate(tconn.ConnectionState().PeerCertificates), time.Now())
		httpConn, err = httpConnOp.Call(ctx, tconn)
		if err != nil {
			return nil, err
		}
	} else {
		httpConnOp := netpipe.NewHTTPConnFuncPlain(cfg, logger)
		connPipe := netpipe.Compose3(epntOp, connectOp, cancelWatchOp)
		t0 := time.Now()
		conn, err := connPipe.Call(ctx, netpipe.Unit{})
		tcpMS = msSince(t0)
		if err != nil {
			return nil, err
		}
		httpConn, err = httpConnOp.Call(ctx, conn)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		httpConn.Close()
		return nil, err
	}

	t2 := time.Now()
	resp, err := httpConn.RoundTrip(req)
	ttfbMS := msSince(t2)
	if err != nil {
		httpConn.Close()
		return nil, err
	}

	body := &closeBothReader{ReadCloser: resp.Body, also: httpConn}
	return &httpRoundTripResult{
		start:       start,
		firstByteAt: time.Now(),
		tcpMS:       tcpMS,
		tlsMS:       tlsMS,
		ttfbMS:      ttfbMS,
		certDays:    certDays,
		statusCode:  resp.StatusCode,
		body:        body,
		header:      resp.Header,
	}, nil
}

// closeBothReader closes the response body and the underlying HTTPConn
// together, since [netpipe.HTTPConn] owns the raw connection.
type closeBothReader struct {
	io.ReadCloser
	also io.Closer
}

func (c *closeBothReader) Close() error {
	err := c.ReadCloser.Close()
	if cerr := c.also.Close(); err == nil {
		err = cerr
	}
	return err
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errInvalidPort
	}
	var n int
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0, &url.Error{Op: "port", URL: s, Err: errInvalidPort}
		}
		n = n*10 + int(ch-'0')
	}
	return n, nil
}

var errInvalidPort = httpPortError("invalid port")

type httpPortError string

func (e httpPortError) Error() string { return string(e) }
