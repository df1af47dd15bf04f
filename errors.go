package sockio

import "errors"

// Transient and peer-state errors.
var (
	// ErrWouldBlock is returned when a non-blocking operation cannot make
	// progress right now. It is not a failure: retry on the next tick.
	ErrWouldBlock = errors.New("operation would block")
	// ErrInProgress is returned by a non-blocking connect that has started
	// but not yet resolved.
	ErrInProgress = errors.New("operation in progress")
	// ErrInterrupted is returned when a blocking call was interrupted by a
	// signal before it transferred anything.
	ErrInterrupted = errors.New("operation interrupted")
	// ErrPeerClosed is returned when a stream receive yields zero bytes.
	ErrPeerClosed = errors.New("connection closed by peer")
)

// Socket lifecycle errors.
var (
	// ErrSocketClosed is returned when operating on a closed socket.
	ErrSocketClosed = errors.New("socket closed")
	// ErrCancelled is delivered to pending callbacks when their socket is
	// closed before the operation completes.
	ErrCancelled = errors.New("operation cancelled")
	// ErrBusy is returned when a connect or accept is already pending.
	ErrBusy = errors.New("socket busy")
	// ErrNotDatagram is returned when a datagram-only operation is used on a
	// stream socket.
	ErrNotDatagram = errors.New("socket is not a datagram socket")
	// ErrUnsupported is returned by platforms without socket support.
	ErrUnsupported = errors.New("operation not supported on this platform")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
)

// Framing and protocol errors.
var (
	// ErrOversizedMessage is returned when a message, or a received length
	// header, exceeds the configured maximum content size.
	ErrOversizedMessage = errors.New("message too large")
	// ErrProtocol is returned when the framing of a stream is corrupted, for
	// example a connection closed in the middle of a header.
	ErrProtocol = errors.New("protocol desynchronization")
	// ErrMalformedDatagram is returned when a datagram does not carry a valid
	// frame. The datagram is dropped.
	ErrMalformedDatagram = errors.New("malformed datagram")
	// ErrMustFragment is returned when content exceeds what a single reliable
	// packet can carry.
	ErrMustFragment = errors.New("content must be fragmented")
	// ErrStaleSequence is returned for fragments of a message that was
	// already delivered.
	ErrStaleSequence = errors.New("stale sequence")
	// ErrBadFragment is returned for fragments that cannot belong to a valid
	// message.
	ErrBadFragment = errors.New("invalid fragment")
	// ErrRetriesExhausted is returned when a reliable send gave up waiting
	// for an acknowledgement.
	ErrRetriesExhausted = errors.New("retransmission limit reached")
)

// Result reports the outcome of a socket operation to its callback.
type Result struct {
	// N is the number of content bytes transferred.
	N int
	// Peer is the remote address for datagram receives.
	Peer SockAddr
	// Err is nil on success.
	Err error
}

// Callback receives the result of a send, receive or connect.
type Callback func(Result)

// AcceptCallback receives an accepted peer socket and its address.
type AcceptCallback func(peer Socket, addr SockAddr, err error)
