package probe

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/macwilam/linksense/internal/sample"
	"github.com/macwilam/linksense/internal/task"
)

const httpContentMaxBodyBytes = 100 << 20 // 100 MB hard cap

type httpContentExecutor struct {
	spec  task.Spec
	deps  Deps
	regex *regexp.Regexp
}

// newHTTPContentExecutor pre-compiles the content regex so a malformed
// pattern fails at scheduling time instead of on every tick. [task.Spec.Validate]
// already checks this during config sync; this is a second, independent
// defense for specs constructed directly.
func newHTTPContentExecutor(spec task.Spec, deps Deps) (*httpContentExecutor, error) {
	re, err := regexp.Compile(spec.Regex)
	if err != nil {
		return nil, fmt.Errorf("probe: invalid regex for task %q: %w", spec.Name, err)
	}
	return &httpContentExecutor{spec: spec, deps: deps, regex: re}, nil
}

func (e *httpContentExecutor) Failed(now time.Time, errMsg string) any {
	return &sample.RawHTTPContent{Base: failedBase(e.spec, now, errMsg)}
}

func (e *httpContentExecutor) Execute(ctx context.Context, now time.Time) any {
	ctx, cancel := deadline(ctx, e.spec)
	defer cancel()

	cfg := e.deps.NetConfig
	result, err := httpGetRoundTrip(ctx, e.spec.URL, cfg, e.deps.Logger)
	if err != nil {
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, err))
	}
	defer result.body.Close()

	if cl := result.header.Get("Content-Length"); cl != "" {
		if n := parseContentLength(cl); n > httpContentMaxBodyBytes {
			return e.Failed(now, fmt.Sprintf("body exceeds %d byte cap (Content-Length: %d)", httpContentMaxBodyBytes, n))
		}
	}

	limited := io.LimitReader(result.body, httpContentMaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	totalMS := msSince(result.start)
	if err != nil {
		return e.Failed(now, sanitizeError(cfg.ErrClassifier, err))
	}
	if len(body) > httpContentMaxBodyBytes {
		return e.Failed(now, fmt.Sprintf("body exceeds %d byte cap", httpContentMaxBodyBytes))
	}

	return &sample.RawHTTPContent{
		Base:       okBase(e.spec, now),
		TotalMS:    totalMS,
		BodyBytes:  int64(len(body)),
		RegexMatch: e.regex.Match(body),
	}
}

func parseContentLength(s string) int64 {
	var n int64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int64(ch-'0')
	}
	return n
}
