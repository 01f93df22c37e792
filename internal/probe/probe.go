// Package probe implements the per-kind probe executors dispatched by the
// scheduler. Every kind shares the same [Executor] contract: one invocation
// yields at most one kind-specific raw sample, never an error, with
// failures folded into the sample itself. The bandwidth kind yields nil
// when the coordinator tells it to wait.
package probe

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/macwilam/linksense/internal/netpipe"
	"github.com/macwilam/linksense/internal/task"
)

// Executor runs one probe kind.
type Executor interface {
	// Execute performs one probe invocation against ctx's deadline and
	// returns a kind-specific *sample.Raw* value, or nil when there is no
	// sample to record (bandwidth told to wait). It never returns an error;
	// probe-level failures are recorded as Success=false within the sample.
	Execute(ctx context.Context, now time.Time) any

	// Failed builds a failed sample of this executor's kind, used by the
	// scheduler when a probe invocation times out or panics.
	Failed(now time.Time, errMsg string) any
}

// Deps are the shared dependencies every executor is built from.
type Deps struct {
	NetConfig *netpipe.Config
	Logger    netpipe.SLogger
	// ServerURL and APIKey are used by the bandwidth executor to reach the
	// coordinator; empty in local-only mode (the bandwidth kind is then
	// always a no-op failure, since it has nothing to coordinate with).
	ServerURL string
	APIKey    string
	AgentID   string
}

// New builds the Executor for spec. spec must already have passed
// [task.Spec.Validate].
func New(spec task.Spec, deps Deps) (Executor, error) {
	switch spec.Type {
	case task.KindPing:
		return newPingExecutor(spec, deps), nil
	case task.KindTCP:
		return newTCPExecutor(spec, deps), nil
	case task.KindTLS:
		return newTLSExecutor(spec, deps), nil
	case task.KindHTTPGet:
		return newHTTPGetExecutor(spec, deps), nil
	case task.KindHTTPContent:
		return newHTTPContentExecutor(spec, deps)
	case task.KindDNS, task.KindDNSDoH:
		return newDNSExecutor(spec, deps), nil
	case task.KindBandwidth:
		return newBandwidthExecutor(spec, deps), nil
	case task.KindSQL:
		return newSQLExecutor(spec, deps), nil
	case task.KindSNMP:
		return newSNMPExecutor(spec, deps), nil
	default:
		return nil, fmt.Errorf("probe: unknown kind %q", spec.Type)
	}
}

// deadline returns the hard per-invocation timeout context for spec, equal
// to its effective timeout_seconds.
func deadline(ctx context.Context, spec task.Spec) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(spec.EffectiveTimeoutSeconds())*time.Second)
}

// sanitizeError renders err as short, safe-to-persist text, classified via
// netpipe's error classifier when available.
func sanitizeError(classifier netpipe.ErrClassifier, err error) string {
	if err == nil {
		return ""
	}
	class := ""
	if classifier != nil {
		class = classifier.Classify(err)
	}
	msg := err.Error()
	// Only surrounding whitespace is trimmed; the message text is kept as is.
	msg = strings.TrimSpace(msg)
	if class != "" && class != "unknown" {
		return fmt.Sprintf("%s: %s", class, msg)
	}
	return msg
}

// certDaysUntilExpiry computes days-until-expiry (negative when expired) as
// floor((not_after - now) / 86400).
func certDaysUntilExpiry(cert *x509.Certificate, now time.Time) int {
	if cert == nil {
		return 0
	}
	delta := cert.NotAfter.Unix() - now.Unix()
	return int(floorDiv(delta, 86400))
}

// floorDiv is integer division rounding toward negative infinity, unlike
// Go's built-in truncating "/".
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// leafCertificate returns the leaf server certificate from a verified or
// unverified chain, or nil.
func leafCertificate(chain []*x509.Certificate) *x509.Certificate {
	if len(chain) == 0 {
		return nil
	}
	return chain[0]
}
