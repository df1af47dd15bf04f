package sockio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler is the interface for handling accepted stream connections.
type Handler interface {
	// Handle is called for each new connection on its own goroutine.
	// The implementation owns the socket and must close it.
	Handle(sock *SyncSocket)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(sock *SyncSocket)

// Handle calls f(sock).
func (f HandlerFunc) Handle(sock *SyncSocket) { f(sock) }

// Server accepts stream connections and dispatches them to a Handler.
type Server struct {
	listener        *SyncSocket
	addr            SockAddr
	logger          Logger
	shutdownTimeout time.Duration
	acceptTimeout   time.Duration
	backlog         int
	socketOpts      []SocketOption

	mu        sync.Mutex
	shutdown  bool
	done      chan struct{} // closed by Close, bypassing any shutdown timeout
	closeOnce sync.Once
	watchers  sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server keeps accepting for up to this
// duration before closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerAcceptTimeoutOption bounds how long Serve waits for a connection
// before checking for shutdown again.
func ServerAcceptTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.acceptTimeout = timeout
	}
}

// ServerBacklogOption sets the listen backlog.
func ServerBacklogOption(backlog int) ServerOption {
	return func(s *Server) {
		s.backlog = backlog
	}
}

// ServerSocketOption sets options for the listener. Accepted sockets
// inherit them.
func ServerSocketOption(opts ...SocketOption) ServerOption {
	return func(s *Server) {
		s.socketOpts = append(s.socketOpts, opts...)
	}
}

// NewServer creates a stream server listening on addr. A zero port selects
// a free one; Addr reports it.
func NewServer(addr SockAddr, opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:        slog.Default(),
		acceptTimeout: defaultPollInterval,
		backlog:       defaultBacklog,
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	listener, err := NewSyncSocket(addr.Family(), TypeStream, append([]SocketOption{LoggerOption(s.logger)}, s.socketOpts...)...)
	if err != nil {
		return nil, err
	}
	if err := listener.SetReuseAddr(true); err != nil {
		_ = listener.Close()
		return nil, err
	}
	bound, err := listener.Bind(addr)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	if err := listener.Listen(s.backlog); err != nil {
		_ = listener.Close()
		return nil, err
	}

	s.listener = listener
	s.addr = bound
	return s, nil
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Serve starts accepting connections and dispatching them to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// If ServerShutdownTimeoutOption is set, the server keeps accepting for up
// to that duration after cancellation. Call Close() to bypass the timeout.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.addr)

	// Start a goroutine to handle context cancellation. It ends with Close
	// even if ctx is never canceled.
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()

		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			timer := time.NewTimer(s.shutdownTimeout)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.done:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
	}()

	for {
		if s.isShutdown() {
			s.logger.Info("server stopped", "addr", s.addr)
			return ctx.Err()
		}

		ready, err := s.listener.ready(PollIn, s.acceptTimeout)
		if err == nil && !ready {
			continue
		}

		var sock *SyncSocket
		if err == nil {
			sock, _, err = s.listener.AcceptSocket()
		}
		if err != nil {
			if s.isShutdown() || errors.Is(err, ErrSocketClosed) {
				s.logger.Info("server stopped", "addr", s.addr)
				return ctx.Err()
			}
			if errors.Is(err, ErrInterrupted) {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		remote, _ := sock.PeerAddr()
		s.logger.Debug("accepted connection", "remote_addr", remote)
		go handler.Handle(sock)
	}
}

// Close stops the server by closing the listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	s.closeOnce.Do(func() { close(s.done) })

	return s.listener.Close()
}

// Addr returns the address the server listens on.
func (s *Server) Addr() SockAddr {
	return s.addr
}
