package sockio

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type ackKey struct {
	peer     SockAddr
	seq      uint16
	fragment uint16
}

// ReliableEndpoint delivers whole messages over a datagram socket.
//
// Messages are split into reliable packets. Every fragment is sent
// stop-and-wait: it is retransmitted until the peer acknowledges it or the
// retry budget is spent. Received fragments are acknowledged, reassembled
// and handed to the message callback once complete.
type ReliableEndpoint struct {
	sock    *SyncSocket
	addr    SockAddr
	opts    reliableOptions
	logger  Logger
	metrics *Metrics
	reasm   *Reassembler

	sendMu sync.Mutex

	mu      sync.Mutex
	seq     map[SockAddr]uint16
	waiters map[ackKey]chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewReliableEndpoint opens a datagram socket bound to local.
func NewReliableEndpoint(local SockAddr, opts ...ReliableOption) (*ReliableEndpoint, error) {
	var o reliableOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkReliableOptions(&o); err != nil {
		return nil, err
	}

	sock, err := NewSyncSocket(local.Family(), TypeDatagram, o.socket...)
	if err != nil {
		return nil, err
	}
	bound, err := sock.Bind(local)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	return &ReliableEndpoint{
		sock:    sock,
		addr:    bound,
		opts:    o,
		logger:  withFields(sock.logger, "endpoint", bound.String()),
		metrics: sock.metrics,
		reasm:   NewReassembler(o.reassemblyTimeout),
		seq:     make(map[SockAddr]uint16),
		waiters: make(map[ackKey]chan struct{}),
	}, nil
}

// Addr returns the bound local address.
func (e *ReliableEndpoint) Addr() SockAddr { return e.addr }

// Start runs the receive loop on its own goroutine until Close.
func (e *ReliableEndpoint) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.Run(child)
	})

	e.mu.Lock()
	e.cancel = cancel
	e.group = group
	e.mu.Unlock()
}

// Run receives datagrams until ctx is done: it acknowledges data
// fragments, reassembles messages, wakes senders waiting for
// acknowledgements and drops expired partial messages.
func (e *ReliableEndpoint) Run(ctx context.Context) error {
	e.logger.Info("reliable endpoint started")
	defer e.logger.Info("reliable endpoint stopped")

	scratch := make([]byte, ReliableMaxBuffer)
	lastExpire := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastExpire) >= e.opts.reassemblyTimeout {
			if n := e.reasm.Expire(); n > 0 {
				e.logger.Debug("dropped incomplete messages", "count", n)
			}
			lastExpire = time.Now()
		}

		ready, err := e.sock.ready(PollIn, e.opts.retransmitInterval)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSocketClosed) {
				return nil
			}
			if errors.Is(err, ErrInterrupted) {
				continue
			}
			return err
		}
		if !ready {
			continue
		}

		pkt := NewReliableReceiver()
		pkt.useScratch(scratch)
		_, err = pkt.Receive(e.sock)
		switch {
		case err == nil:
			e.handle(pkt)
		case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrInterrupted):
		case errors.Is(err, ErrMalformedDatagram):
			e.logger.Warn("dropped malformed datagram", "error", err)
			e.metrics.protocolError("malformed_datagram")
		case errors.Is(err, ErrSocketClosed):
			return nil
		default:
			// Unconnected datagram sockets may report errors caused by an
			// earlier send to an unreachable peer.
			e.logger.Warn("receive failed", "error", err)
		}
	}
}

func (e *ReliableEndpoint) handle(pkt *ReliablePacket) {
	h := pkt.Header()
	peer := pkt.Peer()

	if h.IsAck() {
		e.signal(ackKey{peer: peer, seq: h.Sequence, fragment: h.Fragment})
		return
	}

	// Retransmits of delivered fragments are acknowledged again, since the
	// first acknowledgement may have been lost.
	if _, err := newAck(h, peer).Send(e.sock); err != nil {
		e.logger.Debug("acknowledgement failed", "peer", peer, "seq", h.Sequence, "error", err)
	}

	msg, err := e.reasm.Add(pkt)
	switch {
	case errors.Is(err, ErrStaleSequence):
		e.logger.Debug("duplicate fragment", "peer", peer, "seq", h.Sequence, "fragment", h.Fragment)
		return
	case err != nil:
		e.logger.Warn("dropped fragment", "peer", peer, "error", err)
		e.metrics.protocolError("bad_fragment")
		return
	case msg == nil:
		return
	}

	e.metrics.messageReassembled()
	e.opts.onMessage(msg, peer)
}

func (e *ReliableEndpoint) signal(key ackKey) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ch, ok := e.waiters[key]; ok {
		close(ch)
		delete(e.waiters, key)
	}
}

func (e *ReliableEndpoint) nextSeq(peer SockAddr) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, ok := e.seq[peer]
	if !ok {
		// A random start usually lands outside the receiver's StaleWindow,
		// where a restarted sender is taken for a new stream.
		seq = uint16(rand.Uint32())
	}
	seq++
	e.seq[peer] = seq
	return seq
}

// Send delivers msg to peer and returns once every fragment was
// acknowledged. Sends are serialized so sequences reach a peer in order.
// It fails with ErrRetriesExhausted when a fragment is never acknowledged.
func (e *ReliableEndpoint) Send(ctx context.Context, peer SockAddr, msg []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	seq := e.nextSeq(peer)
	fragments, err := Fragment(msg, seq, &peer)
	if err != nil {
		return err
	}

	for _, f := range fragments {
		if err := e.sendFragment(ctx, peer, f); err != nil {
			return err
		}
	}
	e.logger.Debug("message delivered", "peer", peer, "seq", seq, "fragments", len(fragments))
	return nil
}

func (e *ReliableEndpoint) sendFragment(ctx context.Context, peer SockAddr, f *ReliablePacket) error {
	h := f.Header()
	key := ackKey{peer: peer, seq: h.Sequence, fragment: h.Fragment}
	acked := make(chan struct{})

	e.mu.Lock()
	e.waiters[key] = acked
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, key)
		e.mu.Unlock()
	}()

	wire := f.Marshal()
	timer := time.NewTimer(e.opts.retransmitInterval)
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			e.metrics.retransmit()
		}
		if _, err := e.sock.RawSend(wire, &peer); err != nil && !errors.Is(err, ErrWouldBlock) {
			return err
		}

		select {
		case <-acked:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if attempt >= e.opts.maxRetries {
			return fmt.Errorf("%w: seq %d fragment %d to %v", ErrRetriesExhausted, h.Sequence, h.Fragment, peer)
		}
		timer.Reset(e.opts.retransmitInterval)
	}
}

// Close stops a loop started by Start and closes the socket.
func (e *ReliableEndpoint) Close() error {
	e.mu.Lock()
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := e.sock.Close()
	if group != nil {
		if werr := group.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
