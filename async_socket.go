package sockio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type asyncState int

const (
	stateNone asyncState = iota
	stateConnecting
	stateAccepting
)

// AsyncSocket is a non-blocking socket driven by a Reactor.
//
// Operations enqueue a job and return immediately. The reactor's poller
// goroutine advances the jobs and runs the callbacks, so callbacks must be
// short and must not call Reactor.Close. Jobs of one direction complete in
// the order they were enqueued; sends and receives progress independently.
type AsyncSocket struct {
	*socketBase

	reactor *Reactor
	id      uint64

	// stepMu is held by the poller while it advances the socket, so Close
	// can wait for an in-progress step.
	stepMu sync.Mutex

	mu          sync.Mutex
	state       asyncState
	connectAddr SockAddr
	connectCb   Callback
	acceptCb    AcceptCallback
	recvQ       queue[*job]
	sendQ       queue[*job]
	inbound     *Packet // message being received or not yet fully handed out
	broken      error
	closed      bool
}

// NewAsyncSocket opens a socket of the given family and type, switches it
// to non-blocking mode and registers it with r. The socket uses r's platform
// and metrics unless options set its own.
func NewAsyncSocket(r *Reactor, family Family, typ Type, opts ...SocketOption) (*AsyncSocket, error) {
	o := newSocketOptions(opts)
	r.inherit(&o)

	base, err := newSocketBase(family, typ, o)
	if err != nil {
		return nil, err
	}
	return attachAsyncSocket(r, base)
}

func attachAsyncSocket(r *Reactor, base *socketBase) (*AsyncSocket, error) {
	if err := base.SetBlocking(false); err != nil {
		_ = base.Close()
		return nil, err
	}

	s := &AsyncSocket{socketBase: base, reactor: r}
	if err := r.register(s); err != nil {
		_ = base.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the identifier of the socket within its reactor.
func (s *AsyncSocket) ID() uint64 { return s.id }

// Reactor returns the reactor driving the socket.
func (s *AsyncSocket) Reactor() *Reactor { return s.reactor }

func (s *AsyncSocket) usableLocked() error {
	if s.closed {
		return ErrSocketClosed
	}
	if s.broken != nil {
		return fmt.Errorf("socket broken: %w", s.broken)
	}
	return nil
}

// Connect starts a non-blocking connect to addr. cb receives the outcome
// once the poller sees the handle turn writable.
func (s *AsyncSocket) Connect(addr SockAddr, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.state != stateNone {
		return ErrBusy
	}

	err := s.withHandle(func(h Handle) error {
		return s.platform.Connect(h, addr)
	})
	if err != nil && !errors.Is(err, ErrInProgress) && !errors.Is(err, ErrWouldBlock) && !errors.Is(err, ErrInterrupted) {
		return err
	}

	s.state = stateConnecting
	s.connectAddr = addr
	s.connectCb = cb
	s.logger.Debug("connect started", "addr", addr)
	s.reactor.wakeup()
	return nil
}

// Accept waits for one connection on a listening socket. cb receives it
// wrapped in a new AsyncSocket on the same reactor.
func (s *AsyncSocket) Accept(cb AcceptCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.state != stateNone {
		return ErrBusy
	}

	s.state = stateAccepting
	s.acceptCb = cb
	s.reactor.wakeup()
	return nil
}

// RecvBytes queues a receive of the next message into p and returns 0.
// cb receives the number of bytes copied. Bytes of a message larger than p
// are served to the next receive.
func (s *AsyncSocket) RecvBytes(p []byte, cb Callback) (int, error) {
	return 0, s.RecvBytesContext(context.Background(), p, cb)
}

// RecvBytesFrom is RecvBytes; the sender is reported in Result.Peer.
func (s *AsyncSocket) RecvBytesFrom(p []byte, cb Callback) (int, SockAddr, error) {
	return 0, SockAddr{}, s.RecvBytesContext(context.Background(), p, cb)
}

// RecvBytesContext queues a receive that is cancelled when ctx ends.
func (s *AsyncSocket) RecvBytesContext(ctx context.Context, p []byte, cb Callback) error {
	j := newJob(ctx, jobRecv, s.opts.jobTimeout, cb)
	j.dst = p
	return s.enqueue(j)
}

// SendBytes queues p as one message and returns 0. cb receives the number
// of content bytes sent. p is copied before SendBytes returns.
func (s *AsyncSocket) SendBytes(p []byte, cb Callback) (int, error) {
	return 0, s.SendBytesToContext(context.Background(), p, SockAddr{}, cb)
}

// SendBytesTo queues p as one message to addr.
func (s *AsyncSocket) SendBytesTo(p []byte, addr SockAddr, cb Callback) (int, error) {
	return 0, s.SendBytesToContext(context.Background(), p, addr, cb)
}

// SendBytesContext queues a send that is cancelled when ctx ends before
// any of it reached the wire.
func (s *AsyncSocket) SendBytesContext(ctx context.Context, p []byte, cb Callback) error {
	return s.SendBytesToContext(ctx, p, SockAddr{}, cb)
}

// SendBytesToContext queues a send of p to addr bound to ctx.
func (s *AsyncSocket) SendBytesToContext(ctx context.Context, p []byte, addr SockAddr, cb Callback) error {
	if len(p) > s.opts.maxContent {
		return fmt.Errorf("%w: %d > %d", ErrOversizedMessage, len(p), s.opts.maxContent)
	}

	pkt, err := NewPacketFrom(p, peerPtr(addr))
	if err != nil {
		return err
	}

	j := newJob(ctx, jobSend, s.opts.jobTimeout, cb)
	j.pkt = pkt
	j.peer = addr
	return s.enqueue(j)
}

func (s *AsyncSocket) enqueue(j *job) error {
	s.mu.Lock()
	err := s.usableLocked()
	if err == nil && j.kind == jobRecv && s.disconnected.Load() && s.inbound == nil {
		err = ErrPeerClosed
	}
	if err != nil {
		s.mu.Unlock()
		j.stop()
		return err
	}

	if j.kind == jobRecv {
		s.recvQ.push(j)
	} else {
		s.sendQ.push(j)
	}
	s.mu.Unlock()

	s.reactor.wakeup()
	return nil
}

// Pending returns the number of queued receive and send jobs.
func (s *AsyncSocket) Pending() (recv, send int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvQ.Len(), s.sendQ.Len()
}

// Close unregisters the socket, waits for an in-progress poller step, fails
// every pending job and the pending connect or accept with ErrCancelled and
// releases the handle.
func (s *AsyncSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.reactor.unregister(s.id)

	s.stepMu.Lock()
	s.mu.Lock()
	out := s.failAllLocked(ErrCancelled)
	s.inbound = nil
	s.mu.Unlock()
	s.stepMu.Unlock()

	err := s.socketBase.Close()
	runCompletions(out)
	return err
}

// interest reports what the poller should wait for. urgent is set when the
// socket has work that needs no readiness, such as a buffered message or an
// expired job. ok is false for sockets that take no more work.
func (s *AsyncSocket) interest() (h Handle, events PollEvent, urgent, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.broken != nil {
		return InvalidHandle, 0, false, false
	}

	if s.recvQ.Len() > 0 {
		if s.inbound != nil && s.inbound.IsReceiveComplete() {
			urgent = true
		} else {
			events |= PollIn
		}
	}
	if s.sendQ.Len() > 0 {
		events |= PollOut
	}
	switch s.state {
	case stateConnecting:
		events |= PollOut
	case stateAccepting:
		events |= PollIn
	}

	if !urgent {
		urgent = hasExpired(&s.recvQ) || hasExpired(&s.sendQ)
	}

	s.socketBase.mu.RLock()
	h = s.handle
	s.socketBase.mu.RUnlock()
	return h, events, urgent, h != InvalidHandle
}

func hasExpired(q *queue[*job]) bool {
	for i := 0; i < q.Len(); i++ {
		if q.buf[(q.head+i)%len(q.buf)].expired() != nil {
			return true
		}
	}
	return false
}

// step advances the socket by one poller pass given the readiness reported
// for its handle. The callbacks to run are returned, not run.
func (s *AsyncSocket) step(revents PollEvent) []completion {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	s.mu.Lock()
	if s.closed || s.broken != nil {
		s.mu.Unlock()
		return nil
	}
	out := s.expireLocked()
	broken := s.broken != nil
	s.mu.Unlock()
	if broken {
		return out
	}

	out = append(out, s.stepConnect(revents)...)
	out = append(out, s.stepAccept(revents)...)
	out = append(out, s.stepRecv(revents)...)
	out = append(out, s.stepSend(revents)...)
	return out
}

// expireLocked fails jobs whose context ended. A stream send that already
// put bytes on the wire cannot be withdrawn, so its expiry breaks the socket.
// Receives own no framing state; the message in flight stays with the socket.
func (s *AsyncSocket) expireLocked() []completion {
	if head, ok := s.sendQ.peek(); ok && head.started && s.typ == TypeStream {
		if err := head.expired(); err != nil {
			return s.breakLocked(err)
		}
	}

	var out []completion
	for _, q := range []*queue[*job]{&s.recvQ, &s.sendQ} {
		for _, j := range q.removeFunc(func(j *job) bool { return j.expired() != nil }) {
			out = append(out, j.finish(Result{Peer: j.peer, Err: j.expired()}, s.metrics))
		}
	}
	return out
}

func (s *AsyncSocket) stepConnect(revents PollEvent) []completion {
	s.mu.Lock()
	if s.state != stateConnecting || revents&(PollOut|PollErr|PollHup) == 0 {
		s.mu.Unlock()
		return nil
	}
	addr, cb := s.connectAddr, s.connectCb
	s.state = stateNone
	s.connectCb = nil
	s.mu.Unlock()

	err := s.withHandle(s.platform.SocketError)
	s.metrics.job("connect", err)
	if err != nil {
		s.logger.Debug("connect failed", "addr", addr, "error", err)
	} else {
		s.logger.Debug("connected", "addr", addr)
	}

	if cb == nil {
		return nil
	}
	return []completion{func() { cb(Result{Peer: addr, Err: err}) }}
}

func (s *AsyncSocket) stepAccept(revents PollEvent) []completion {
	s.mu.Lock()
	accepting := s.state == stateAccepting
	s.mu.Unlock()
	if !accepting || revents&(PollIn|PollErr|PollHup) == 0 {
		return nil
	}

	var (
		h    Handle
		addr SockAddr
	)
	err := s.withHandle(func(lh Handle) error {
		var err error
		h, addr, err = s.platform.Accept(lh)
		return err
	})
	if errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted) {
		return nil
	}

	s.mu.Lock()
	cb := s.acceptCb
	s.state = stateNone
	s.acceptCb = nil
	s.mu.Unlock()

	var peer *AsyncSocket
	if err == nil {
		peer, err = attachAsyncSocket(s.reactor, adoptSocketBase(h, s.family, s.typ, s.acceptedOptions()))
	}
	s.metrics.job("accept", err)

	if cb == nil {
		if peer != nil {
			_ = peer.Close()
		}
		return nil
	}
	if err != nil {
		return []completion{func() { cb(nil, SockAddr{}, err) }}
	}
	s.logger.Debug("accepted connection", "remote_addr", addr)
	return []completion{func() { cb(peer, addr, nil) }}
}

func (s *AsyncSocket) stepRecv(revents PollEvent) []completion {
	s.mu.Lock()
	if s.recvQ.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.inbound == nil {
		s.inbound = s.newRecvPacket()
	}
	pkt := s.inbound
	s.mu.Unlock()

	if !pkt.IsReceiveComplete() {
		if revents&(PollIn|PollErr|PollHup) == 0 {
			return nil
		}
		if _, err := pkt.Receive(s); err != nil {
			return s.recvFailed(err)
		}
		if !pkt.IsReceiveComplete() {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, _ := s.recvQ.pop()
	n := pkt.Read(j.dst)
	if pkt.IsReadComplete() {
		s.inbound = nil
	}
	return []completion{j.finish(Result{N: n, Peer: pkt.Peer()}, s.metrics)}
}

func (s *AsyncSocket) recvFailed(err error) []completion {
	switch {
	case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrInterrupted):
		return nil
	case errors.Is(err, ErrMalformedDatagram):
		s.logger.Warn("dropped malformed datagram", "error", err)
		s.metrics.protocolError("malformed_datagram")
		return nil
	case errors.Is(err, ErrOversizedMessage), errors.Is(err, ErrProtocol):
		s.logger.Warn("stream desynchronized, closing connection", "error", err)
		s.metrics.protocolError(protocolErrorKind(err))
		s.mu.Lock()
		out := s.breakLocked(err)
		s.mu.Unlock()
		if errors.Is(err, ErrPeerClosed) {
			out = append(out, s.markPeerClosed())
		}
		return out
	case errors.Is(err, ErrPeerClosed):
		s.mu.Lock()
		var out []completion
		for _, j := range s.recvQ.drain() {
			out = append(out, j.finish(Result{Err: ErrPeerClosed}, s.metrics))
		}
		s.inbound = nil
		s.mu.Unlock()
		return append(out, s.markPeerClosed())
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.typ == TypeStream {
			return s.breakLocked(err)
		}
		j, _ := s.recvQ.pop()
		return []completion{j.finish(Result{Err: err}, s.metrics)}
	}
}

func (s *AsyncSocket) stepSend(revents PollEvent) []completion {
	s.mu.Lock()
	j, ok := s.sendQ.peek()
	s.mu.Unlock()
	if !ok || revents&(PollOut|PollErr|PollHup) == 0 {
		return nil
	}

	n, err := j.pkt.Send(s)
	if n > 0 {
		j.started = true
	}

	switch {
	case err == nil:
		if !j.pkt.IsSendComplete() {
			return nil
		}
		s.mu.Lock()
		s.sendQ.pop()
		s.mu.Unlock()
		return []completion{j.finish(Result{N: j.pkt.ContentSize(), Peer: j.peer}, s.metrics)}
	case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrInterrupted):
		return nil
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.typ == TypeStream {
			return s.breakLocked(err)
		}
		s.sendQ.pop()
		return []completion{j.finish(Result{Peer: j.peer, Err: err}, s.metrics)}
	}
}

// breakLocked puts the socket out of service after an unrecoverable error:
// every job and the pending connect or accept fail with err, the connection
// is shut down and later operations are refused.
func (s *AsyncSocket) breakLocked(err error) []completion {
	if s.broken != nil {
		return nil
	}
	s.broken = err
	s.logger.Warn("socket broken", "error", err)

	out := s.failAllLocked(err)
	s.inbound = nil
	_ = s.Shutdown(ShutdownBoth)
	return out
}

func (s *AsyncSocket) failAllLocked(err error) []completion {
	var out []completion
	for _, j := range s.recvQ.drain() {
		out = append(out, j.finish(Result{Err: err}, s.metrics))
	}
	for _, j := range s.sendQ.drain() {
		out = append(out, j.finish(Result{Peer: j.peer, Err: err}, s.metrics))
	}

	switch s.state {
	case stateConnecting:
		if cb, addr := s.connectCb, s.connectAddr; cb != nil {
			out = append(out, func() { cb(Result{Peer: addr, Err: err}) })
		}
	case stateAccepting:
		if cb := s.acceptCb; cb != nil {
			out = append(out, func() { cb(nil, SockAddr{}, err) })
		}
	}
	s.state = stateNone
	s.connectCb = nil
	s.acceptCb = nil
	return out
}
