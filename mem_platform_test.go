package sockio

import (
	"sync"
	"time"
)

// memSock is one handle of a memPlatform.
type memSock struct {
	typ   Type
	local SockAddr
	peer  *memSock // stream counterpart or connected datagram peer

	inbox     []byte
	datagrams []memDatagram
	eof       bool // peer closed the stream

	sent []byte // every byte accepted by SendTo, in order

	nonblocking bool
	listening   bool
	backlog     []*memSock
	connecting  bool
	connectErr  error
	closed      bool
	readShut    bool
	writeShut   bool

	// recvChunk and sendChunk cap the bytes moved per call; zero means no cap.
	recvChunk int
	sendChunk int
	// sendBlocked makes every send return ErrWouldBlock.
	sendBlocked bool
	// recvErr is returned by the next receive.
	recvErr error
}

type memDatagram struct {
	data []byte
	from SockAddr
}

// memPlatform is a scripted, in-memory Platform for deterministic tests of
// partial transfers, would-block handling and queue ordering.
type memPlatform struct {
	mu      sync.Mutex
	next    Handle
	socks   map[Handle]*memSock
	polls   int
	nextErr error // returned by the next Socket call
}

func newMemPlatform() *memPlatform {
	return &memPlatform{next: 3, socks: make(map[Handle]*memSock)}
}

// with runs fn on the socket of h under the platform lock.
func (p *memPlatform) with(h Handle, fn func(s *memSock)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.socks[h])
}

// feed appends bytes a remote peer sent on a stream handle.
func (p *memPlatform) feed(h Handle, b []byte) {
	p.with(h, func(s *memSock) { s.inbox = append(s.inbox, b...) })
}

// feedDatagram queues a datagram from addr on a datagram handle.
func (p *memPlatform) feedDatagram(h Handle, b []byte, from SockAddr) {
	p.with(h, func(s *memSock) {
		s.datagrams = append(s.datagrams, memDatagram{data: append([]byte(nil), b...), from: from})
	})
}

// hangUp makes the remote side of a stream close.
func (p *memPlatform) hangUp(h Handle) {
	p.with(h, func(s *memSock) { s.eof = true })
}

// sentBytes returns every byte sent on h.
func (p *memPlatform) sentBytes(h Handle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.socks[h].sent...)
}

// pair opens two connected stream handles.
func (p *memPlatform) pair() (Handle, Handle) {
	a, _ := p.Socket(FamilyIPv4, TypeStream)
	b, _ := p.Socket(FamilyIPv4, TypeStream)
	p.link(a, b)
	return a, b
}

// link connects two existing handles to each other.
func (p *memPlatform) link(a, b Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.socks[a].peer = p.socks[b]
	p.socks[b].peer = p.socks[a]
}

func (p *memPlatform) Socket(family Family, typ Type) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextErr != nil {
		err := p.nextErr
		p.nextErr = nil
		return InvalidHandle, err
	}

	h := p.next
	p.next++
	p.socks[h] = &memSock{typ: typ, local: Any(family, 0)}
	return h, nil
}

func (p *memPlatform) Close(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.socks[h]
	if !ok || s.closed {
		return ErrSocketClosed
	}
	s.closed = true
	if s.peer != nil && s.typ == TypeStream {
		s.peer.eof = true
	}
	return nil
}

func (p *memPlatform) Bind(h Handle, addr SockAddr) error {
	p.with(h, func(s *memSock) {
		if addr.Port() == 0 {
			addr = addr.WithPort(uint16(40000 + h))
		}
		s.local = addr
	})
	return nil
}

func (p *memPlatform) Listen(h Handle, backlog int) error {
	p.with(h, func(s *memSock) { s.listening = true })
	return nil
}

// enqueueConn makes a connection available to Accept on listener and
// returns the handle of the remote end.
func (p *memPlatform) enqueueConn(listener Handle) Handle {
	remote, _ := p.Socket(FamilyIPv4, TypeStream)
	p.mu.Lock()
	defer p.mu.Unlock()

	accepted := &memSock{typ: TypeStream, local: p.socks[listener].local}
	accepted.peer = p.socks[remote]
	p.socks[remote].peer = accepted
	p.socks[listener].backlog = append(p.socks[listener].backlog, accepted)
	return remote
}

func (p *memPlatform) Accept(h Handle) (Handle, SockAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.socks[h]
	if len(s.backlog) == 0 {
		return InvalidHandle, SockAddr{}, ErrWouldBlock
	}
	conn := s.backlog[0]
	s.backlog = s.backlog[1:]

	nh := p.next
	p.next++
	p.socks[nh] = conn
	return nh, SockAddr4([4]byte{10, 0, 0, 1}, 5000), nil
}

func (p *memPlatform) Connect(h Handle, addr SockAddr) error {
	p.with(h, func(s *memSock) { s.connecting = true })
	return ErrInProgress
}

// resolveConnect finishes a pending connect with err.
func (p *memPlatform) resolveConnect(h Handle, err error) {
	p.with(h, func(s *memSock) {
		s.connecting = false
		s.connectErr = err
	})
}

func (p *memPlatform) SendTo(h Handle, b []byte, addr *SockAddr) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.socks[h]
	if s.writeShut {
		return 0, ErrProtocol
	}
	if s.sendBlocked {
		return 0, ErrWouldBlock
	}

	if s.typ == TypeDatagram {
		s.sent = append(s.sent, b...)
		if s.peer != nil {
			s.peer.datagrams = append(s.peer.datagrams, memDatagram{data: append([]byte(nil), b...), from: s.local})
		}
		return len(b), nil
	}

	n := len(b)
	if s.sendChunk > 0 && n > s.sendChunk {
		n = s.sendChunk
	}
	s.sent = append(s.sent, b[:n]...)
	if s.peer != nil {
		s.peer.inbox = append(s.peer.inbox, b[:n]...)
	}
	return n, nil
}

func (p *memPlatform) RecvFrom(h Handle, b []byte) (int, SockAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.socks[h]
	if s.recvErr != nil {
		err := s.recvErr
		s.recvErr = nil
		return 0, SockAddr{}, err
	}

	if s.typ == TypeDatagram {
		if len(s.datagrams) == 0 {
			if s.readShut {
				return 0, SockAddr{}, nil
			}
			return 0, SockAddr{}, ErrWouldBlock
		}
		d := s.datagrams[0]
		s.datagrams = s.datagrams[1:]
		return copy(b, d.data), d.from, nil
	}

	if len(s.inbox) == 0 {
		if s.eof || s.readShut {
			return 0, SockAddr{}, nil
		}
		return 0, SockAddr{}, ErrWouldBlock
	}

	n := len(b)
	if s.recvChunk > 0 && n > s.recvChunk {
		n = s.recvChunk
	}
	n = copy(b[:n], s.inbox)
	s.inbox = s.inbox[n:]
	return n, SockAddr{}, nil
}

func (p *memPlatform) SetNonblock(h Handle, nonblocking bool) error {
	p.with(h, func(s *memSock) { s.nonblocking = nonblocking })
	return nil
}

func (p *memPlatform) IsNonblock(h Handle) (bool, error) {
	var nb bool
	p.with(h, func(s *memSock) { nb = s.nonblocking })
	return nb, nil
}

func (p *memPlatform) SetReuseAddr(h Handle, enable bool) error { return nil }

// Poll reports readiness without waiting. A non-ready poll with a positive
// timeout sleeps briefly so blocking loops do not spin.
func (p *memPlatform) Poll(fds []PollFD, timeout time.Duration) (int, error) {
	p.mu.Lock()
	p.polls++
	ready := 0
	for i := range fds {
		fds[i].Revents = 0
		s, ok := p.socks[fds[i].Handle]
		if !ok || s.closed {
			continue
		}
		if fds[i].Events&PollIn != 0 && (len(s.inbox) > 0 || len(s.datagrams) > 0 || len(s.backlog) > 0 || s.eof || s.readShut) {
			fds[i].Revents |= PollIn
		}
		if fds[i].Events&PollOut != 0 && !s.sendBlocked && !s.connecting {
			fds[i].Revents |= PollOut
		}
		if fds[i].Revents != 0 {
			ready++
		}
	}
	p.mu.Unlock()

	if ready == 0 && timeout > 0 {
		time.Sleep(time.Millisecond)
	}
	return ready, nil
}

func (p *memPlatform) Shutdown(h Handle, how ShutdownHow) error {
	p.with(h, func(s *memSock) {
		if how != ShutdownWrite {
			s.readShut = true
		}
		if how != ShutdownRead {
			s.writeShut = true
			if s.peer != nil && s.typ == TypeStream {
				s.peer.eof = true
			}
		}
	})
	return nil
}

func (p *memPlatform) SockName(h Handle) (SockAddr, error) {
	var addr SockAddr
	p.with(h, func(s *memSock) { addr = s.local })
	return addr, nil
}

func (p *memPlatform) PeerName(h Handle) (SockAddr, error) {
	var addr SockAddr
	p.with(h, func(s *memSock) {
		if s.peer != nil {
			addr = s.peer.local
		}
	})
	return addr, nil
}

func (p *memPlatform) SocketError(h Handle) error {
	var err error
	p.with(h, func(s *memSock) {
		err = s.connectErr
		s.connectErr = nil
	})
	return err
}
