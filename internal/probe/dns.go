package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
	"github.com/miekg/dns"
)

type dnsExecutor struct {
	spec task.Spec
	deps Deps
}

func newDNSExecutor(spec task.Spec, deps Deps) *dnsExecutor {
	return &dnsExecutor{spec: spec, deps: deps}
}

func (e *dnsExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawDNS{Base: failedBase(e.spec, now, errMsg)}
}

func (e *dnsExecutor) Execute(ctx context.Context, now time.Time) any {
	ctx, cancel := deadline(ctx, e.spec)
	defer cancel()

	cfg := e.deps.NetConfig
	logger := e.deps.Logger

	qtype, err := dnsRecordType(e.spec.RecordType)
	if err != nil {
		return e.Failed(now, err.Error())
	}
	query := dnscodec.NewQuery(e.spec.Host, qtype)

	t0 := time.Now()
	records, err := e.exchange(ctx, cfg, logger, query)
	queryMS := msSince(t0)
	if err != nil {
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, err))
	}

	resolvedIP := ""
	if len(records) > 0 {
		resolvedIP = records[0]
	}
	correct := e.spec.ExpectedIP == "" || slices.Contains(records, e.spec.ExpectedIP)

	return &sample.RawDNS{
		Base:              okBase(e.spec, now),
		QueryMS:           queryMS,
		Records:           records,
		ResolvedIP:        resolvedIP,
		CorrectResolution: correct,
	}
}

// exchange resolves the DNS server endpoint and performs the query using the
// exchange transport selected by the task kind (plain UDP for "dns",
// DNS-over-HTTPS for "dns_doh").
func (e *dnsExecutor) exchange(ctx context.Context, cfg *netpipe.Config, logger netpipe.SLogger, query *dnscodec.Query) ([]string, error) {
	if e.spec.Type == task.KindDNSDoH {
		return e.exchangeDoH(ctx, cfg, logger, query)
	}
	return e.exchangeUDP(ctx, cfg, logger, query)
}

func (e *dnsExecutor) exchangeUDP(ctx context.Context, cfg *netpipe.Config, logger netpipe.SLogger, query *dnscodec.Query) ([]string, error) {
	addr, err := resolveFirst(ctx, e.spec.Server)
	if err != nil {
		return nil, err
	}
	endpoint := netip.AddrPortFrom(addr, 53)

	epntOp := netpipe.NewEndpointFunc(endpoint)
	connectOp := netpipe.NewConnectFunc(cfg, "udp", logger)
	cancelWatchOp := netpipe.NewCancelWatchFunc()
	wrapOp := netpipe.NewDNSOverUDPConnFunc(cfg, logger)

	pipe := netpipe.Compose4(epntOp, connectOp, cancelWatchOp, wrapOp)
	conn, err := pipe.Call(ctx, netpipe.Unit{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	return extractRecords(resp, query.Type)
}

func (e *dnsExecutor) exchangeDoH(ctx context.Context, cfg *netpipe.Config, logger netpipe.SLogger, query *dnscodec.Query) ([]string, error) {
	host := e.spec.Server
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, err
		}
		host = parsed.Hostname()
	}

	addr, err := resolveFirst(ctx, host)
	if err != nil {
		return nil, err
	}
	endpoint := netip.AddrPortFrom(addr, 443)

	epntOp := netpipe.NewEndpointFunc(endpoint)
	connectOp := netpipe.NewConnectFunc(cfg, "tcp", logger)
	cancelWatchOp := netpipe.NewCancelWatchFunc()
	tlsConfig := &tls.Config{ServerName: host, NextProtos: []string{"h2", "http/1.1"}}
	tlsHandshakeOp := netpipe.NewTLSHandshakeFunc(cfg, tlsConfig, logger)
	httpConnOp := netpipe.NewHTTPConnFuncTLS(cfg, logger)
	wrapOp := netpipe.NewDNSOverHTTPSConnFunc(cfg, e.spec.Server, logger)

	pipe := netpipe.Compose6(epntOp, connectOp, cancelWatchOp, tlsHandshakeOp, httpConnOp, wrapOp)
	conn, err := pipe.Call(ctx, netpipe.Unit{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	return extractRecords(resp, query.Type)
}

func dnsRecordType(recordType string) (uint16, error) {
	switch strings.ToUpper(recordType) {
	case "A":
		return dns.TypeA, nil
	case "AAAA":
		return dns.TypeAAAA, nil
	default:
		return 0, fmt.Errorf("probe: unsupported dns record_type %q", recordType)
	}
}

func extractRecords(resp *dnscodec.Response, qtype uint16) ([]string, error) {
	switch qtype {
	case dns.TypeA:
		return resp.RecordsA()
	case dns.TypeAAAA:
		return resp.RecordsAAAA()
	default:
		return nil, fmt.Errorf("probe: unsupported dns record_type %d", qtype)
	}
}
