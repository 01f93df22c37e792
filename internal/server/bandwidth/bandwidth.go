// Package bandwidth implements the server's single-owner bandwidth-test
// coordinator: at most one agent downloads the test payload at a time,
// everyone else gets a fair FIFO position and an actionable retry delay.
package bandwidth

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	activeTimeout   = 120 * time.Second
	queueEvictAfter = 300 * time.Second
	chunkSize       = 64 * 1024
)

// Action is the coordinator's verdict for one /bandwidth_test request.
type Action string

const (
	ActionProceed Action = "proceed"
	ActionDelay   Action = "delay"
)

// Decision is the coordinator's response to /bandwidth_test.
type Decision struct {
	Action        Action
	DataSizeBytes int64
	DelaySeconds  int
}

type queuedAgent struct {
	agentID   string
	enqueued  time.Time
}

type activeAgent struct {
	agentID string
	started time.Time
}

// request/response pairs exchanged with the actor goroutine.
type testRequest struct {
	agentID string
	now     time.Time
	reply   chan Decision
}

type downloadRequest struct {
	agentID string
	now     time.Time
	reply   chan bool // true if agentID is the active agent
}

type releaseRequest struct {
	agentID string
}

// Coordinator runs as a single actor goroutine owning all bandwidth-test
// state, so "cleanup-then-decide" is trivially atomic: one message is
// processed start to finish before the next is read.
type Coordinator struct {
	testSizeBytes int64
	now           func() time.Time

	testCh     chan testRequest
	downloadCh chan downloadRequest
	releaseCh  chan releaseRequest
	stop       chan struct{}
	done       chan struct{}
	running    atomic.Bool
}

// New builds a Coordinator that hands out dataSizeBytes-sized test
// payloads. Call Run to start the actor goroutine.
func New(dataSizeBytes int64) *Coordinator {
	return &Coordinator{
		testSizeBytes: dataSizeBytes,
		now:           time.Now,
		testCh:        make(chan testRequest),
		downloadCh:    make(chan downloadRequest),
		releaseCh:     make(chan releaseRequest),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run processes requests until Stop is called. Must be started as its own
// goroutine before any Test/Download/Release call.
func (c *Coordinator) Run() {
	c.running.Store(true)
	defer close(c.done)

	var active *activeAgent
	var queue []queuedAgent

	cleanup := func(now time.Time) {
		if active != nil && now.Sub(active.started) > activeTimeout {
			active = nil
		}
		kept := queue[:0]
		for _, q := range queue {
			if now.Sub(q.enqueued) <= queueEvictAfter {
				kept = append(kept, q)
			}
		}
		queue = kept
		if active == nil && len(queue) > 0 {
			head := queue[0]
			queue = queue[1:]
			active = &activeAgent{agentID: head.agentID, started: now}
		}
	}

	positionOf := func(agentID string) int {
		for i, q := range queue {
			if q.agentID == agentID {
				return i + 1
			}
		}
		return -1
	}

	delayFor := func(position int) int {
		d := 60 + position*30
		if d > 300 {
			d = 300
		}
		return d
	}

	for {
		select {
		case req := <-c.testCh:
			cleanup(req.now)
			switch {
			case active != nil && active.agentID == req.agentID:
				req.reply <- Decision{Action: ActionProceed, DataSizeBytes: c.testSizeBytes}
			case active == nil:
				active = &activeAgent{agentID: req.agentID, started: req.now}
				req.reply <- Decision{Action: ActionProceed, DataSizeBytes: c.testSizeBytes}
			default:
				pos := positionOf(req.agentID)
				if pos == -1 {
					queue = append(queue, queuedAgent{agentID: req.agentID, enqueued: req.now})
					pos = len(queue)
				}
				req.reply <- Decision{Action: ActionDelay, DelaySeconds: delayFor(pos)}
			}

		case req := <-c.downloadCh:
			cleanup(req.now)
			req.reply <- active != nil && active.agentID == req.agentID

		case req := <-c.releaseCh:
			if active != nil && active.agentID == req.agentID {
				active = nil
				cleanup(c.now())
			}

		case <-c.stop:
			return
		}
	}
}

// Stop halts the actor goroutine and waits for it to exit. A no-op if Run
// was never started.
func (c *Coordinator) Stop() {
	if !c.running.Load() {
		return
	}
	close(c.stop)
	<-c.done
}

// Test handles one POST /bandwidth_test request.
func (c *Coordinator) Test(ctx context.Context, agentID string) Decision {
	reply := make(chan Decision, 1)
	req := testRequest{agentID: agentID, now: c.now(), reply: reply}
	select {
	case c.testCh <- req:
	case <-ctx.Done():
		return Decision{Action: ActionDelay, DelaySeconds: 60}
	}
	select {
	case d := <-reply:
		return d
	case <-ctx.Done():
		return Decision{Action: ActionDelay, DelaySeconds: 60}
	}
}

// Authorized reports whether agentID currently holds the active download
// slot, performing the same cleanup pass a proceed decision would.
func (c *Coordinator) Authorized(ctx context.Context, agentID string) bool {
	reply := make(chan bool, 1)
	req := downloadRequest{agentID: agentID, now: c.now(), reply: reply}
	select {
	case c.downloadCh <- req:
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Release gives up agentID's active slot, called on stream end or client
// disconnect. Non-blocking: the actor drains releaseCh on its own loop.
func (c *Coordinator) Release(agentID string) {
	go func() { c.releaseCh <- releaseRequest{agentID: agentID} }()
}

// StreamDownload writes dataSizeBytes of zero-filled content in chunkSize
// chunks to w, releasing the slot on completion or on ctx cancellation
// (client disconnect). No coordinator lock is held while streaming.
func (c *Coordinator) StreamDownload(ctx context.Context, w io.Writer, agentID string, dataSizeBytes int64) error {
	defer c.Release(agentID)

	if rw, ok := w.(http.ResponseWriter); ok {
		rw.Header().Set("Content-Encoding", "identity")
	}

	chunk := make([]byte, chunkSize)
	var written int64
	for written < dataSizeBytes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n := chunkSize
		if remaining := dataSizeBytes - written; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := w.Write(chunk[:n]); err != nil {
			return err
		}
		written += int64(n)
	}
	return nil
}
