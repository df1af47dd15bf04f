package sockio

import (
	"context"
	"fmt"
	"time"
)

type jobKind int

const (
	jobRecv jobKind = iota
	jobSend
)

func (k jobKind) String() string {
	if k == jobSend {
		return "send"
	}
	return "recv"
}

// job is one queued send or receive of an AsyncSocket.
type job struct {
	kind jobKind
	ctx  context.Context
	stop context.CancelFunc

	pkt  *Packet
	dst  []byte   // receive destination
	peer SockAddr // send destination on datagram sockets
	cb   Callback

	// started is set once wire bytes of the message moved. A started
	// stream job cannot be abandoned without corrupting the framing.
	started bool
}

// newJob derives the job context from ctx, applying timeout when ctx has
// no earlier deadline.
func newJob(ctx context.Context, kind jobKind, timeout time.Duration, cb Callback) *job {
	if ctx == nil {
		ctx = context.Background()
	}

	j := &job{kind: kind, cb: cb}
	if deadline, ok := ctx.Deadline(); timeout > 0 && (!ok || time.Until(deadline) > timeout) {
		j.ctx, j.stop = context.WithTimeout(ctx, timeout)
	} else {
		j.ctx, j.stop = context.WithCancel(ctx)
	}
	return j
}

// expired returns the error a job ends with when its context is done.
func (j *job) expired() error {
	if j.ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(j.ctx))
}

// completion is a callback invocation collected while locks are held and
// run after they are released.
type completion func()

// finish releases the job's context and returns its callback invocation.
func (j *job) finish(res Result, m *Metrics) completion {
	j.stop()
	m.job(j.kind.String(), res.Err)
	if j.cb == nil {
		return nil
	}
	cb := j.cb
	return func() { cb(res) }
}

func runCompletions(cs []completion) {
	for _, c := range cs {
		if c != nil {
			c()
		}
	}
}
