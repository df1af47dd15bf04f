package sockio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Socket is the operation contract shared by SyncSocket and AsyncSocket.
//
// A SyncSocket completes every operation before returning and passes the
// same outcome to the callback, if any. An AsyncSocket returns at once and
// reports the outcome later through the callback, on its reactor's poller
// goroutine. When an AsyncSocket operation returns an error the callback is
// never invoked.
type Socket interface {
	RawTransport

	Family() Family

	Connect(addr SockAddr, cb Callback) error
	Accept(cb AcceptCallback) error

	// RecvBytes receives up to len(p) bytes of the next framed message.
	// Bytes of a larger message are kept for the next receive.
	RecvBytes(p []byte, cb Callback) (int, error)
	// RecvBytesFrom is RecvBytes that also reports the sender.
	RecvBytesFrom(p []byte, cb Callback) (int, SockAddr, error)
	// SendBytes sends p as one framed message.
	SendBytes(p []byte, cb Callback) (int, error)
	// SendBytesTo sends p as one framed message to addr.
	SendBytesTo(p []byte, addr SockAddr, cb Callback) (int, error)

	Bind(addr SockAddr) (SockAddr, error)
	Listen(backlog int) error
	SetBlocking(blocking bool) error
	IsBlocking() (bool, error)
	SetReuseAddr(enable bool) error
	Shutdown(how ShutdownHow) error
	Close() error

	IsOpen() bool
	LocalAddr() (SockAddr, error)
	PeerAddr() (SockAddr, error)
	CanRecv() bool
	CanSend() bool
}

// socketBase owns one platform handle.
//
// Every platform call runs under the read lock with a valid handle. Close
// marks the socket closing so new calls fail with ErrSocketClosed, shuts the
// handle down to wake blocked callers, then takes the write lock so the
// descriptor is released only after in-flight calls returned.
type socketBase struct {
	mu       sync.RWMutex
	handle   Handle
	closing  atomic.Bool
	readShut atomic.Bool // receives were shut down locally

	family   Family
	typ      Type
	platform Platform
	opts     socketOptions
	logger   Logger
	metrics  *Metrics

	disconnected atomic.Bool
	hook         atomic.Pointer[func()]

	// scratch is the datagram receive buffer, owned by the receive path.
	scratch []byte
}

func newSocketBase(family Family, typ Type, opts socketOptions) (*socketBase, error) {
	if opts.platform == nil {
		opts.platform = DefaultPlatform()
	}

	h, err := opts.platform.Socket(family, typ)
	if err != nil {
		return nil, err
	}
	return adoptSocketBase(h, family, typ, opts), nil
}

// adoptSocketBase wraps an already open handle, such as an accepted one.
func adoptSocketBase(h Handle, family Family, typ Type, opts socketOptions) *socketBase {
	if opts.platform == nil {
		opts.platform = DefaultPlatform()
	}
	if typ == TypeDatagram && opts.maxContent > MaxDatagramContentSize {
		opts.maxContent = MaxDatagramContentSize
	}
	s := &socketBase{
		handle:   h,
		family:   family,
		typ:      typ,
		platform: opts.platform,
		opts:     opts,
		logger:   withFields(opts.logger, "handle", int(h), "type", typ.String()),
		metrics:  opts.metrics,
	}
	if opts.onDisconnect != nil {
		s.SetDisconnectHook(opts.onDisconnect)
	}
	return s
}

// newRecvPacket returns an empty packet for the next message. Datagram
// packets share the socket's scratch buffer; the caller must hold the
// receive side.
func (s *socketBase) newRecvPacket() *Packet {
	pkt := NewPacket(s.opts.maxContent)
	if s.typ == TypeDatagram {
		if s.scratch == nil {
			s.scratch = make([]byte, HeaderSize+s.opts.maxContent)
		}
		pkt.useScratch(s.scratch)
	}
	return pkt
}

// acceptedOptions returns the options an accepted connection inherits.
func (s *socketBase) acceptedOptions() socketOptions {
	opts := s.opts
	opts.onDisconnect = nil
	return opts
}

// withHandle runs fn with the open handle under the read lock.
func (s *socketBase) withHandle(fn func(h Handle) error) error {
	if s.closing.Load() {
		return ErrSocketClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.handle == InvalidHandle {
		return ErrSocketClosed
	}
	return fn(s.handle)
}

// Family returns the address family.
func (s *socketBase) Family() Family { return s.family }

// Type returns the socket type.
func (s *socketBase) Type() Type { return s.typ }

// IsOpen reports whether the socket holds a valid handle.
func (s *socketBase) IsOpen() bool {
	if s.closing.Load() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle != InvalidHandle
}

// Bind binds the socket to addr. A zero port asks the platform for a free
// one. The address actually bound is returned.
func (s *socketBase) Bind(addr SockAddr) (SockAddr, error) {
	var bound SockAddr
	err := s.withHandle(func(h Handle) error {
		if err := s.platform.Bind(h, addr); err != nil {
			return err
		}
		local, err := s.platform.SockName(h)
		if err != nil {
			return err
		}
		bound = local
		return nil
	})
	if err != nil {
		return SockAddr{}, err
	}

	s.logger.Debug("socket bound", "addr", bound)
	return bound, nil
}

// Listen marks a stream socket as accepting connections.
func (s *socketBase) Listen(backlog int) error {
	return s.withHandle(func(h Handle) error {
		return s.platform.Listen(h, backlog)
	})
}

// SetBlocking switches the handle between blocking and non-blocking mode.
func (s *socketBase) SetBlocking(blocking bool) error {
	return s.withHandle(func(h Handle) error {
		return s.platform.SetNonblock(h, !blocking)
	})
}

// IsBlocking reports whether the handle is in blocking mode.
func (s *socketBase) IsBlocking() (bool, error) {
	var nonblocking bool
	err := s.withHandle(func(h Handle) error {
		var err error
		nonblocking, err = s.platform.IsNonblock(h)
		return err
	})
	return !nonblocking, err
}

// SetReuseAddr toggles address reuse. Call it before Bind.
func (s *socketBase) SetReuseAddr(enable bool) error {
	return s.withHandle(func(h Handle) error {
		return s.platform.SetReuseAddr(h, enable)
	})
}

// Shutdown disables one or both directions of the connection.
func (s *socketBase) Shutdown(how ShutdownHow) error {
	return s.withHandle(func(h Handle) error {
		if err := s.platform.Shutdown(h, how); err != nil {
			return err
		}
		if how != ShutdownWrite {
			s.readShut.Store(true)
		}
		return nil
	})
}

// Close releases the handle. It is safe to call more than once.
func (s *socketBase) Close() error {
	if s.closing.Swap(true) {
		return nil
	}

	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == InvalidHandle {
		return nil
	}

	// Errors are expected here, for example on a socket that never connected.
	_ = s.platform.Shutdown(h, ShutdownBoth)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.platform.Close(s.handle)
	s.handle = InvalidHandle
	s.logger.Debug("socket closed")
	return err
}

// LocalAddr returns the address the socket is bound to.
func (s *socketBase) LocalAddr() (SockAddr, error) {
	var addr SockAddr
	err := s.withHandle(func(h Handle) error {
		var err error
		addr, err = s.platform.SockName(h)
		return err
	})
	return addr, err
}

// PeerAddr returns the address of the connected peer.
func (s *socketBase) PeerAddr() (SockAddr, error) {
	var addr SockAddr
	err := s.withHandle(func(h Handle) error {
		var err error
		addr, err = s.platform.PeerName(h)
		return err
	})
	return addr, err
}

// CanRecv reports whether a receive would make progress right now.
func (s *socketBase) CanRecv() bool {
	ok, _ := s.ready(PollIn, 0)
	return ok
}

// CanSend reports whether a send would make progress right now.
func (s *socketBase) CanSend() bool {
	ok, _ := s.ready(PollOut, 0)
	return ok
}

// ready polls the handle for events for at most timeout. Error and hang-up
// conditions count as ready so the following call reports them.
func (s *socketBase) ready(events PollEvent, timeout time.Duration) (bool, error) {
	var revents PollEvent
	err := s.withHandle(func(h Handle) error {
		fds := []PollFD{{Handle: h, Events: events}}
		if _, err := s.platform.Poll(fds, timeout); err != nil {
			return err
		}
		revents = fds[0].Revents
		return nil
	})
	if err != nil {
		return false, err
	}
	return revents&(events|PollErr|PollHup) != 0, nil
}

// RawSend makes a single unframed send attempt.
func (s *socketBase) RawSend(p []byte, peer *SockAddr) (int, error) {
	var n int
	err := s.withHandle(func(h Handle) error {
		var err error
		n, err = s.platform.SendTo(h, p, peer)
		return err
	})
	s.metrics.sent(s.typ, n)
	return n, err
}

// RawRecv makes a single unframed receive attempt.
func (s *socketBase) RawRecv(p []byte) (int, SockAddr, error) {
	var (
		n    int
		from SockAddr
	)
	err := s.withHandle(func(h Handle) error {
		var err error
		n, from, err = s.platform.RecvFrom(h, p)
		return err
	})
	s.metrics.received(s.typ, n)
	return n, from, err
}

// SetDisconnectHook replaces the function called once when a stream peer
// closes the connection. Accepted sockets start without a hook.
func (s *socketBase) SetDisconnectHook(fn func()) {
	s.hook.Store(&fn)
}

// markPeerClosed records that the peer closed the connection. The first
// call returns the disconnect hook invocation, later calls return nil.
func (s *socketBase) markPeerClosed() completion {
	if s.disconnected.Swap(true) {
		return nil
	}
	s.logger.Info("connection closed by peer")

	fn := s.hook.Load()
	if fn == nil || *fn == nil {
		return nil
	}
	return *fn
}

// peerPtr returns nil for the zero address, meaning the connected peer.
func peerPtr(addr SockAddr) *SockAddr {
	if addr.IsZero() {
		return nil
	}
	return &addr
}
