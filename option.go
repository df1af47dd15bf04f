package sockio

import (
	"time"

	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	// defaultPollInterval bounds a single readiness wait of a blocking socket,
	// so Close is noticed even while nothing arrives.
	defaultPollInterval = 100 * time.Millisecond
	// defaultTickRate is the maximum number of reactor passes per second.
	defaultTickRate = 1000
	// defaultPollTimeout bounds the readiness poll of one reactor pass.
	defaultPollTimeout = 10 * time.Millisecond
	// defaultBacklog is the listen backlog of a Server.
	defaultBacklog = 128
	// defaultRetransmitInterval is how long a reliable fragment waits for
	// its acknowledgement before being sent again.
	defaultRetransmitInterval = 200 * time.Millisecond
	// defaultMaxRetries is the number of retransmissions before giving up.
	defaultMaxRetries = 10
)

// socketOptions holds the configuration shared by SyncSocket and AsyncSocket.
type socketOptions struct {
	platform Platform
	logger   Logger
	metrics  *Metrics

	maxContent   int           // largest message accepted or sent
	pollInterval time.Duration // readiness wait slice of a blocking socket
	jobTimeout   time.Duration // default deadline of an asynchronous job

	onDisconnect func()
}

// SocketOption configures a SyncSocket or an AsyncSocket.
type SocketOption func(*socketOptions)

func newSocketOptions(opts []SocketOption) socketOptions {
	var o socketOptions
	for _, opt := range opts {
		opt(&o)
	}
	checkSocketOptions(&o)
	return o
}

// checkSocketOptions fills in defaults. The platform is left nil so an
// AsyncSocket can inherit the platform of its reactor.
func checkSocketOptions(o *socketOptions) {
	if o.maxContent <= 0 || o.maxContent > MaxContentSize {
		o.maxContent = MaxContentSize
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
}

// PlatformOption returns a SocketOption that sets the platform socket
// implementation. Defaults to DefaultPlatform, or to the reactor's platform
// for asynchronous sockets.
func PlatformOption(p Platform) SocketOption {
	return func(o *socketOptions) {
		o.platform = p
	}
}

// LoggerOption returns a SocketOption that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) SocketOption {
	return func(o *socketOptions) {
		o.logger = logger
	}
}

// MetricsOption returns a SocketOption that records traffic in m.
func MetricsOption(m *Metrics) SocketOption {
	return func(o *socketOptions) {
		o.metrics = m
	}
}

// MaxContentOption returns a SocketOption that sets the largest message
// content, in bytes, the socket sends or accepts. Received headers
// declaring more are treated as protocol violations.
func MaxContentOption(size int) SocketOption {
	return func(o *socketOptions) {
		o.maxContent = size
	}
}

// PollIntervalOption returns a SocketOption that sets how long a blocking
// socket waits for readiness before re-checking whether it was closed.
func PollIntervalOption(d time.Duration) SocketOption {
	return func(o *socketOptions) {
		o.pollInterval = d
	}
}

// JobTimeoutOption returns a SocketOption that gives every asynchronous
// send and receive a deadline, unless the job's context has an earlier one.
// Zero disables the default deadline.
func JobTimeoutOption(d time.Duration) SocketOption {
	return func(o *socketOptions) {
		o.jobTimeout = d
	}
}

// DisconnectHookOption returns a SocketOption that sets the function called
// once when a stream peer closes the connection.
func DisconnectHookOption(fn func()) SocketOption {
	return func(o *socketOptions) {
		o.onDisconnect = fn
	}
}

// reactorOptions holds the configuration of a Reactor.
type reactorOptions struct {
	platform Platform
	logger   Logger
	metrics  *Metrics

	tickRate    int
	pollTimeout time.Duration
	manualTick  bool
}

// ReactorOption configures a Reactor.
type ReactorOption func(*reactorOptions)

func checkReactorOptions(o *reactorOptions) {
	if o.platform == nil {
		o.platform = DefaultPlatform()
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.tickRate <= 0 {
		o.tickRate = defaultTickRate
	}
	if o.pollTimeout < 0 {
		o.pollTimeout = 0
	} else if o.pollTimeout == 0 {
		o.pollTimeout = defaultPollTimeout
	}
}

// ReactorPlatformOption sets the platform used for readiness polls and
// inherited by sockets registered without their own.
func ReactorPlatformOption(p Platform) ReactorOption {
	return func(o *reactorOptions) {
		o.platform = p
	}
}

// ReactorLoggerOption sets the logger of the reactor.
func ReactorLoggerOption(logger Logger) ReactorOption {
	return func(o *reactorOptions) {
		o.logger = logger
	}
}

// ReactorMetricsOption records ticks and registry size in m. Sockets
// registered without their own metrics inherit m.
func ReactorMetricsOption(m *Metrics) ReactorOption {
	return func(o *reactorOptions) {
		o.metrics = m
	}
}

// TickRateOption caps the number of poller passes per second.
func TickRateOption(perSecond int) ReactorOption {
	return func(o *reactorOptions) {
		o.tickRate = perSecond
	}
}

// PollTimeoutOption bounds how long one pass waits for readiness.
func PollTimeoutOption(d time.Duration) ReactorOption {
	return func(o *reactorOptions) {
		o.pollTimeout = d
	}
}

// ManualTickOption disables the background poller. Progress is made only
// by calling Reactor.Tick.
func ManualTickOption() ReactorOption {
	return func(o *reactorOptions) {
		o.manualTick = true
	}
}

// clientOptions holds the configuration of an AsyncClient.
type clientOptions struct {
	socket []SocketOption

	onMessage    func(data []byte, from SockAddr)
	onDisconnect func()

	maxPacket int
	rateLimit rate.Limit
	burst     int
}

// ClientOption configures an AsyncClient.
type ClientOption func(*clientOptions)

func checkClientOptions(o *clientOptions) error {
	if o.onMessage == nil {
		return ErrInvalidOnMessage
	}
	if o.maxPacket <= 0 || o.maxPacket > MaxContentSize {
		o.maxPacket = MaxContentSize
	}
	if o.onDisconnect == nil {
		o.onDisconnect = func() {}
	}
	if o.rateLimit > 0 && o.burst <= 0 {
		o.burst = 1
	}
	return nil
}

// OnMessageOption sets the receive callback. It is required and runs on the
// client's receive goroutine; data is only valid until it returns.
func OnMessageOption(fn func(data []byte, from SockAddr)) ClientOption {
	return func(o *clientOptions) {
		o.onMessage = fn
	}
}

// OnDisconnectOption sets the callback run once when the peer closes the
// connection or the receive loop fails.
func OnDisconnectOption(fn func()) ClientOption {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// MaxPacketOption sets the receive buffer size of the client.
func MaxPacketOption(size int) ClientOption {
	return func(o *clientOptions) {
		o.maxPacket = size
	}
}

// ReceiveRateOption limits how many messages per second are handed to the
// receive callback. Zero means unlimited.
func ReceiveRateOption(limit rate.Limit, burst int) ClientOption {
	return func(o *clientOptions) {
		o.rateLimit = limit
		o.burst = burst
	}
}

// ClientSocketOption passes options through to the client's socket.
func ClientSocketOption(opts ...SocketOption) ClientOption {
	return func(o *clientOptions) {
		o.socket = append(o.socket, opts...)
	}
}

// reliableOptions holds the configuration of a ReliableEndpoint.
type reliableOptions struct {
	socket []SocketOption

	onMessage func(msg []byte, from SockAddr)

	retransmitInterval time.Duration
	maxRetries         int
	reassemblyTimeout  time.Duration
}

// ReliableOption configures a ReliableEndpoint.
type ReliableOption func(*reliableOptions)

func checkReliableOptions(o *reliableOptions) error {
	if o.onMessage == nil {
		return ErrInvalidOnMessage
	}
	if o.retransmitInterval <= 0 {
		o.retransmitInterval = defaultRetransmitInterval
	}
	if o.maxRetries <= 0 {
		o.maxRetries = defaultMaxRetries
	}
	if o.reassemblyTimeout <= 0 {
		o.reassemblyTimeout = DefaultReassemblyTimeout
	}
	return nil
}

// OnReliableMessageOption sets the callback receiving every reassembled
// message. It is required.
func OnReliableMessageOption(fn func(msg []byte, from SockAddr)) ReliableOption {
	return func(o *reliableOptions) {
		o.onMessage = fn
	}
}

// RetransmitIntervalOption sets how long a fragment waits for its
// acknowledgement before it is sent again.
func RetransmitIntervalOption(d time.Duration) ReliableOption {
	return func(o *reliableOptions) {
		o.retransmitInterval = d
	}
}

// MaxRetriesOption sets how many times a fragment is retransmitted before
// Send gives up with ErrRetriesExhausted.
func MaxRetriesOption(n int) ReliableOption {
	return func(o *reliableOptions) {
		o.maxRetries = n
	}
}

// ReassemblyTimeoutOption sets how long incomplete messages are kept.
func ReassemblyTimeoutOption(d time.Duration) ReliableOption {
	return func(o *reliableOptions) {
		o.reassemblyTimeout = d
	}
}

// ReliableSocketOption passes options through to the endpoint's socket.
func ReliableSocketOption(opts ...SocketOption) ReliableOption {
	return func(o *reliableOptions) {
		o.socket = append(o.socket, opts...)
	}
}
