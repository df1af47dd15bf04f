package sockio

import (
	"errors"
	"fmt"
	"sync"
)

// SyncSocket is a blocking socket. Every operation completes or fails
// before returning, on the calling goroutine.
//
// Receives and sends are serialized separately, so one goroutine may
// receive while another sends.
type SyncSocket struct {
	*socketBase

	recvMu  sync.Mutex
	pending *Packet // received message not yet fully handed out

	sendMu sync.Mutex
}

// NewSyncSocket opens a blocking socket of the given family and type.
func NewSyncSocket(family Family, typ Type, opts ...SocketOption) (*SyncSocket, error) {
	base, err := newSocketBase(family, typ, newSocketOptions(opts))
	if err != nil {
		return nil, err
	}
	return &SyncSocket{socketBase: base}, nil
}

// wait blocks until the handle is ready for events. The wait is sliced by
// the poll interval so a concurrent Close ends it.
func (s *SyncSocket) wait(events PollEvent) error {
	for {
		ok, err := s.ready(events, s.opts.pollInterval)
		if errors.Is(err, ErrInterrupted) {
			continue
		}
		if err != nil || ok {
			return err
		}
	}
}

// Connect connects to addr and blocks until the connection is established.
// cb, if not nil, receives the same outcome before Connect returns.
func (s *SyncSocket) Connect(addr SockAddr, cb Callback) error {
	err := s.withHandle(func(h Handle) error {
		return s.platform.Connect(h, addr)
	})
	if errors.Is(err, ErrInterrupted) || errors.Is(err, ErrInProgress) || errors.Is(err, ErrWouldBlock) {
		// The connect continues in the background; its outcome becomes the
		// pending socket error once the handle turns writable.
		if err = s.wait(PollOut); err == nil {
			err = s.withHandle(s.platform.SocketError)
		}
	}

	if err != nil {
		s.logger.Debug("connect failed", "addr", addr, "error", err)
	} else {
		s.logger.Debug("connected", "addr", addr)
	}

	if cb != nil {
		cb(Result{Peer: addr, Err: err})
	}
	return err
}

// Accept blocks until a connection arrives and passes it to cb.
func (s *SyncSocket) Accept(cb AcceptCallback) error {
	peer, addr, err := s.AcceptSocket()
	if cb != nil {
		if err != nil {
			cb(nil, SockAddr{}, err)
		} else {
			cb(peer, addr, nil)
		}
	}
	return err
}

// AcceptSocket blocks until a connection arrives and returns it as a
// SyncSocket sharing this socket's family, type and options.
func (s *SyncSocket) AcceptSocket() (*SyncSocket, SockAddr, error) {
	for {
		var (
			h    Handle
			addr SockAddr
		)
		err := s.withHandle(func(lh Handle) error {
			var err error
			h, addr, err = s.platform.Accept(lh)
			return err
		})

		switch {
		case err == nil:
			peer := &SyncSocket{socketBase: adoptSocketBase(h, s.family, s.typ, s.acceptedOptions())}
			s.logger.Debug("accepted connection", "remote_addr", addr)
			return peer, addr, nil
		case errors.Is(err, ErrInterrupted):
			continue
		case errors.Is(err, ErrWouldBlock):
			if err := s.wait(PollIn); err != nil {
				return nil, SockAddr{}, err
			}
		default:
			return nil, SockAddr{}, err
		}
	}
}

// RecvBytes blocks until a message is available and copies up to len(p)
// bytes of it into p. The rest of a larger message is returned by the
// following calls before a new message is read.
func (s *SyncSocket) RecvBytes(p []byte, cb Callback) (int, error) {
	n, _, err := s.RecvBytesFrom(p, cb)
	return n, err
}

// RecvBytesFrom is RecvBytes that also returns the sender, which is
// meaningful on datagram sockets.
func (s *SyncSocket) RecvBytesFrom(p []byte, cb Callback) (int, SockAddr, error) {
	s.recvMu.Lock()
	n, from, err := s.recv(p)
	s.recvMu.Unlock()

	if cb != nil {
		cb(Result{N: n, Peer: from, Err: err})
	}
	return n, from, err
}

func (s *SyncSocket) recv(p []byte) (int, SockAddr, error) {
	if s.pending == nil {
		pkt := s.newRecvPacket()
		if err := s.receivePacket(pkt); err != nil {
			return 0, SockAddr{}, err
		}
		s.pending = pkt
	}

	pkt := s.pending
	n := pkt.Read(p)
	if pkt.IsReadComplete() {
		s.pending = nil
	}
	return n, pkt.Peer(), nil
}

// receivePacket loops the packet receive primitive until a whole message
// arrived. A corrupted stream closes the connection, since the framing
// cannot be recovered. Malformed datagrams are dropped.
func (s *SyncSocket) receivePacket(pkt *Packet) error {
	for !pkt.IsReceiveComplete() {
		_, err := pkt.Receive(s)
		switch {
		case err == nil, errors.Is(err, ErrInterrupted):
		case errors.Is(err, ErrWouldBlock):
			if err := s.wait(PollIn); err != nil {
				return err
			}
		case errors.Is(err, ErrMalformedDatagram):
			s.logger.Warn("dropped malformed datagram", "error", err)
			s.metrics.protocolError("malformed_datagram")
		case errors.Is(err, ErrOversizedMessage), errors.Is(err, ErrProtocol):
			s.logger.Warn("stream desynchronized, closing connection", "error", err)
			s.metrics.protocolError(protocolErrorKind(err))
			_ = s.Close()
			if errors.Is(err, ErrPeerClosed) {
				s.firePeerClosed()
			}
			return err
		case errors.Is(err, ErrPeerClosed):
			if s.closing.Load() || s.readShut.Load() {
				// Woken by a local Close or Shutdown, not by the peer.
				return ErrSocketClosed
			}
			s.firePeerClosed()
			return err
		default:
			return err
		}
	}
	return nil
}

// SendBytes sends p as one message and blocks until it was handed to the
// platform completely.
func (s *SyncSocket) SendBytes(p []byte, cb Callback) (int, error) {
	return s.SendBytesTo(p, SockAddr{}, cb)
}

// SendBytesTo sends p as one message to addr. A zero addr uses the
// connected peer.
func (s *SyncSocket) SendBytesTo(p []byte, addr SockAddr, cb Callback) (int, error) {
	n, err := s.send(p, addr)
	if cb != nil {
		cb(Result{N: n, Peer: addr, Err: err})
	}
	return n, err
}

func (s *SyncSocket) send(p []byte, addr SockAddr) (int, error) {
	if len(p) > s.opts.maxContent {
		return 0, fmt.Errorf("%w: %d > %d", ErrOversizedMessage, len(p), s.opts.maxContent)
	}

	pkt, err := NewPacketFrom(p, peerPtr(addr))
	if err != nil {
		return 0, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for !pkt.IsSendComplete() {
		_, err := pkt.Send(s)
		switch {
		case err == nil, errors.Is(err, ErrInterrupted):
		case errors.Is(err, ErrWouldBlock):
			if err := s.wait(PollOut); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
	return len(p), nil
}

func (s *SyncSocket) firePeerClosed() {
	if hook := s.markPeerClosed(); hook != nil {
		hook()
	}
}

func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrOversizedMessage):
		return "oversized_header"
	case errors.Is(err, ErrMalformedDatagram):
		return "malformed_datagram"
	default:
		return "truncated_frame"
	}
}
