package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

type bandwidthExecutor struct {
	spec task.Spec
	deps Deps
}

func newBandwidthExecutor(spec task.Spec, deps Deps) *bandwidthExecutor {
	return &bandwidthExecutor{spec: spec, deps: deps}
}

func (e *bandwidthExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawBandwidth{Base: failedBase(e.spec, now, errMsg)}
}

type bandwidthTestRequest struct {
	AgentID string `json:"agent_id"`
}

type bandwidthTestResponse struct {
	Action        string `json:"action"`
	DataSizeBytes int64  `json:"data_size_bytes"`
	DelaySeconds  int    `json:"delay_seconds"`
}

// Execute performs the two-step coordination handshake: a short POST asking
// permission, then (if granted) a GET that streams the sized payload. A
// "delay" response is not a failure and yields no sample at all; the caller
// must treat a nil return as "nothing to record this tick".
func (e *bandwidthExecutor) Execute(ctx context.Context, now time.Time) any {
	if e.deps.ServerURL == "" {
		return e.Failed(now, "bandwidth test requires a configured server")
	}

	permissionTimeout := time.Duration(e.spec.EffectiveTimeoutSeconds()) * time.Second
	if permissionTimeout > 10*time.Second {
		permissionTimeout = 10 * time.Second
	}
	permCtx, cancel := context.WithTimeout(ctx, permissionTimeout)
	defer cancel()

	resp, err := e.requestPermission(permCtx)
	if err != nil {
		return e.Failed(now, err.Error())
	}

	switch resp.Action {
	case "delay":
		return nil
	case "proceed":
		// fall through
	default:
		return e.Failed(now, fmt.Sprintf("bandwidth: unknown action %q", resp.Action))
	}

	downloadCtx, downloadCancel := deadline(ctx, e.spec)
	defer downloadCancel()

	t0 := time.Now()
	bytesRead, err := e.download(downloadCtx)
	elapsed := time.Since(t0).Seconds()
	if err != nil {
		return e.Failed(now, err.Error())
	}

	mbps := 0.0
	if elapsed > 0 {
		mbps = (float64(bytesRead) * 8) / (elapsed * 1_000_000)
	}

	return &sample.RawBandwidth{
		Base:            okBase(e.spec, now),
		Bytes:           bytesRead,
		DurationSeconds: elapsed,
		MbPS:            mbps,
	}
}

func (e *bandwidthExecutor) requestPermission(ctx context.Context) (*bandwidthTestResponse, error) {
	body, err := json.Marshal(bandwidthTestRequest{AgentID: e.deps.AgentID})
	if err != nil {
		return nil, err
	}
	targetURL := e.deps.ServerURL + "/api/v1/bandwidth_test"

	httpConn, err := bandwidthDial(ctx, targetURL, e.deps.NetConfig, e.deps.Logger)
	if err != nil {
		return nil, err
	}
	defer httpConn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", e.deps.APIKey)
	req.Header.Set("X-Agent-ID", e.deps.AgentID)

	httpResp, err := httpConn.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bandwidth: permission request returned status %d", httpResp.StatusCode)
	}

	var parsed bandwidthTestResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("bandwidth: decode permission response: %w", err)
	}
	return &parsed, nil
}

func (e *bandwidthExecutor) download(ctx context.Context) (int64, error) {
	targetURL := fmt.Sprintf("%s/api/v1/bandwidth_download?agent_id=%s", e.deps.ServerURL, e.deps.AgentID)

	httpConn, err := bandwidthDial(ctx, targetURL, e.deps.NetConfig, e.deps.Logger)
	if err != nil {
		return 0, err
	}
	defer httpConn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-API-Key", e.deps.APIKey)
	req.Header.Set("X-Agent-ID", e.deps.AgentID)

	httpResp, err := httpConn.RoundTrip(req)
	if err != nil {
		return 0, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bandwidth: download returned status %d", httpResp.StatusCode)
	}
	return io.Copy(io.Discard, httpResp.Body)
}

// bandwidthDial builds the transport for one bandwidth-coordinator request:
// resolve, dial, wrap the connection with [netpipe.ObserveConnFunc] so every
// read/write against the coordinator is logged the same way a probe's own
// connections are, then upgrade to an HTTP round tripper. The coordination
// handshake is short-lived and non-idempotent, so it bypasses a pooling HTTP
// client entirely and drives the connection by hand.
func bandwidthDial(ctx context.Context, rawURL string, cfg *netpipe.Config, logger netpipe.SLogger) (*netpipe.HTTPConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	useTLS := u.Scheme == "https"
	port := u.Port()
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
	observeOp := netpipe.NewObserveConnFunc(cfg, logger)

	connPipe := netpipe.Compose4(epntOp, connectOp, cancelWatchOp, observeOp)
	conn, err := connPipe.Call(ctx, netpipe.Unit{})
	if err != nil {
		return nil, err
	}

	if !useTLS {
		return netpipe.NewHTTPConnFuncPlain(cfg, logger).Call(ctx, conn)
	}

	tlsConfig := &tls.Config{ServerName: host, NextProtos: []string{"h2", "http/1.1"}}
	tconn, err := netpipe.NewTLSHandshakeFunc(cfg, tlsConfig, logger).Call(ctx, conn)
	if err != nil {
		return nil, err
	}
	return netpipe.NewHTTPConnFuncTLS(cfg, logger).Call(ctx, tconn)
}
