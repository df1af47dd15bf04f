package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/Zereker/sockio"
)

// Server echoes every framed message back to its sender.
type Server struct {
	sync.RWMutex
	clients map[uuid.UUID]*sockio.AsyncClient
}

func newHandler() *Server {
	return &Server{clients: make(map[uuid.UUID]*sockio.AsyncClient)}
}

func (s *Server) Handle(sock *sockio.SyncSocket) {
	// Echo
	onMessage := sockio.OnMessageOption(func(data []byte, _ sockio.SockAddr) {
		if _, err := sock.SendBytes(data, nil); err != nil {
			slog.Error("echo failed", "error", err)
		}
	})

	done := make(chan struct{})
	onDisconnect := sockio.OnDisconnectOption(func() {
		close(done)
	})

	client, err := sockio.NewAsyncClientFromSocket(context.Background(), sock, onMessage, onDisconnect)
	if err != nil {
		slog.Error("failed to adopt connection", "error", err)
		_ = sock.Close()
		return
	}

	s.addClient(client)
	<-done
	s.deleteClient(client.ID())
	_ = client.Close()
}

func (s *Server) addClient(c *sockio.AsyncClient) {
	s.Lock()
	defer s.Unlock()

	peer, _ := c.Socket().PeerAddr()
	slog.Info("add new client", "id", c.ID(), "addr", peer)
	s.clients[c.ID()] = c
}

func (s *Server) deleteClient(id uuid.UUID) {
	s.Lock()
	defer s.Unlock()

	delete(s.clients, id)
}

func main() {
	addr, err := sockio.ParseSockAddr("127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	server, err := sockio.NewServer(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", server.Addr())
	if err := server.Serve(ctx, newHandler()); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
	_ = server.Close()
}
