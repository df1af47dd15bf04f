package sockio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// AsyncClient dedicates one goroutine to a connection. The goroutine
// blocks receiving whole messages and hands each to the message callback,
// so callbacks run on the client's own goroutine rather than a shared
// poller.
//
// The receive loop ends when the peer closes the connection, after the
// disconnect callback ran once, or when the client is closed.
type AsyncClient struct {
	id      uuid.UUID
	sock    *SyncSocket
	opts    clientOptions
	logger  Logger
	limiter *rate.Limiter

	sendMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group

	closed       atomic.Bool
	disconnected atomic.Bool
}

// NewAsyncClient opens a socket for a client. Call Connect, or Bind and
// Start for an unconnected datagram client.
func NewAsyncClient(family Family, typ Type, opts ...ClientOption) (*AsyncClient, error) {
	o, err := newClientOptions(opts)
	if err != nil {
		return nil, err
	}

	sock, err := NewSyncSocket(family, typ, o.socket...)
	if err != nil {
		return nil, err
	}
	return newAsyncClient(sock, o), nil
}

// NewAsyncClientFromSocket adopts a connected socket, for example one
// returned by AcceptSocket, and starts receiving at once.
func NewAsyncClientFromSocket(ctx context.Context, sock *SyncSocket, opts ...ClientOption) (*AsyncClient, error) {
	o, err := newClientOptions(opts)
	if err != nil {
		return nil, err
	}

	c := newAsyncClient(sock, o)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newClientOptions(opts []ClientOption) (clientOptions, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o, checkClientOptions(&o)
}

func newAsyncClient(sock *SyncSocket, o clientOptions) *AsyncClient {
	id := uuid.New()
	c := &AsyncClient{
		id:     id,
		sock:   sock,
		opts:   o,
		logger: withFields(sock.logger, "client_id", id.String()),
	}
	if o.rateLimit > 0 {
		c.limiter = rate.NewLimiter(o.rateLimit, o.burst)
	}
	return c
}

// ID returns the identifier of the client, used in its log records.
func (c *AsyncClient) ID() uuid.UUID { return c.id }

// Socket returns the underlying socket.
func (c *AsyncClient) Socket() *SyncSocket { return c.sock }

// Bind binds the client socket, for datagram clients receiving without a
// connection.
func (c *AsyncClient) Bind(addr SockAddr) (SockAddr, error) {
	return c.sock.Bind(addr)
}

// Connect connects to addr and starts the receive goroutine.
func (c *AsyncClient) Connect(ctx context.Context, addr SockAddr) error {
	if err := c.sock.Connect(addr, nil); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Start starts the receive goroutine. It runs until ctx is done, the peer
// disconnects or Close is called.
func (c *AsyncClient) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrSocketClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.group != nil {
		return ErrBusy
	}

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	// A receive blocked on a silent peer is woken by shutting the read side.
	stop := context.AfterFunc(child, func() {
		_ = c.sock.Shutdown(ShutdownRead)
	})
	group.Go(func() error {
		defer stop()
		return c.loop(child)
	})
	c.group = group

	c.logger.Info("client started", "max_packet", c.opts.maxPacket, "rate_limit", float64(c.opts.rateLimit))
	return nil
}

func (c *AsyncClient) loop(ctx context.Context) error {
	buf := make([]byte, c.opts.maxPacket)

	for {
		n, from, err := c.sock.RecvBytesFrom(buf, nil)

		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			c.opts.onMessage(buf[:n], from)
		case errors.Is(err, ErrWouldBlock):
		case errors.Is(err, ErrPeerClosed):
			c.logger.Info("peer disconnected")
			c.disconnect()
			return nil
		case errors.Is(err, ErrSocketClosed):
			return nil
		default:
			c.logger.Warn("receive failed", "error", err)
			c.disconnect()
			return err
		}
	}
}

func (c *AsyncClient) disconnect() {
	if c.disconnected.Swap(true) {
		return
	}
	c.opts.onDisconnect()
}

// Send sends p as one message to the connected peer. Sends from several
// goroutines are serialized.
func (c *AsyncClient) Send(p []byte) (int, error) {
	return c.SendTo(p, SockAddr{})
}

// SendTo sends p as one message to addr.
func (c *AsyncClient) SendTo(p []byte, addr SockAddr) (int, error) {
	if c.closed.Load() {
		return 0, ErrSocketClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sock.SendBytesTo(p, addr, nil)
}

// Wait blocks until the receive goroutine ended and returns its error.
func (c *AsyncClient) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()

	if group == nil {
		return nil
	}
	return group.Wait()
}

// Close stops the receive goroutine and closes the socket. Closing the
// socket wakes a blocked receive; the goroutine is waited for, never
// abandoned. Safe to call multiple times.
func (c *AsyncClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.sock.Close()

	if werr := c.Wait(); werr != nil && err == nil {
		err = werr
	}
	c.logger.Info("client closed")
	return err
}
