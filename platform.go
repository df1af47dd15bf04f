package sockio

import "time"

// Handle is a platform socket descriptor.
type Handle int

// InvalidHandle marks a closed or never-opened socket.
const InvalidHandle Handle = -1

// ShutdownHow selects which direction of a connection to shut down.
type ShutdownHow int

const (
	// ShutdownRead disables further receives.
	ShutdownRead ShutdownHow = iota
	// ShutdownWrite disables further sends.
	ShutdownWrite
	// ShutdownBoth disables both directions.
	ShutdownBoth
)

// PollEvent is a readiness bit set used with Platform.Poll.
type PollEvent int16

const (
	// PollIn reports readable data or a pending connection.
	PollIn PollEvent = 1 << iota
	// PollOut reports that a send would not block, or a connect resolved.
	PollOut
	// PollErr reports an error condition.
	PollErr
	// PollHup reports a hang-up.
	PollHup
)

// PollFD is one entry of a readiness poll.
type PollFD struct {
	Handle  Handle
	Events  PollEvent
	Revents PollEvent
}

// Platform is the raw socket call surface consumed by this package.
//
// Implementations translate "operation would block" into ErrWouldBlock,
// a started non-blocking connect into ErrInProgress and signal
// interruptions into ErrInterrupted. Any other error is a hard failure.
type Platform interface {
	Socket(family Family, typ Type) (Handle, error)
	Close(h Handle) error
	Bind(h Handle, addr SockAddr) error
	Listen(h Handle, backlog int) error
	Accept(h Handle) (Handle, SockAddr, error)
	Connect(h Handle, addr SockAddr) error
	// SendTo sends p to addr, or on the connected peer when addr is nil.
	SendTo(h Handle, p []byte, addr *SockAddr) (int, error)
	// RecvFrom receives into p. A zero count with a nil error on a stream
	// socket means the peer closed the connection.
	RecvFrom(h Handle, p []byte) (int, SockAddr, error)
	SetNonblock(h Handle, nonblocking bool) error
	IsNonblock(h Handle) (bool, error)
	SetReuseAddr(h Handle, enable bool) error
	// Poll waits up to timeout for readiness; a negative timeout waits
	// forever and zero returns immediately.
	Poll(fds []PollFD, timeout time.Duration) (int, error)
	Shutdown(h Handle, how ShutdownHow) error
	SockName(h Handle) (SockAddr, error)
	PeerName(h Handle) (SockAddr, error)
	// SocketError returns and clears the pending error of h, used to
	// resolve a non-blocking connect.
	SocketError(h Handle) error
}

// DefaultPlatform returns the operating system's socket implementation.
func DefaultPlatform() Platform {
	return osPlatform{}
}
