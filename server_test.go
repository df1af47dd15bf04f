package sockio

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockHandler implements Handler interface for testing
type mockHandler struct {
	mu       sync.Mutex
	socks    []*SyncSocket
	handleCh chan *SyncSocket
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		socks:    make([]*SyncSocket, 0),
		handleCh: make(chan *SyncSocket, 10),
	}
}

func (h *mockHandler) Handle(sock *SyncSocket) {
	h.mu.Lock()
	h.socks = append(h.socks, sock)
	h.mu.Unlock()

	select {
	case h.handleCh <- sock:
	default:
	}
}

func (h *mockHandler) getSocks() []*SyncSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.socks
}

func newLoopbackServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	server, err := NewServer(Loopback(FamilyIPv4, 0), append([]ServerOption{ServerAcceptTimeoutOption(10 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

func dial(t *testing.T, addr SockAddr) *SyncSocket {
	t.Helper()

	sock, err := NewSyncSocket(addr.Family(), TypeStream, PollIntervalOption(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSyncSocket failed: %v", err)
	}
	if err := sock.Connect(addr, nil); err != nil {
		_ = sock.Close()
		t.Fatalf("connect failed: %v", err)
	}
	return sock
}

func TestNewServer(t *testing.T) {
	server := newLoopbackServer(t)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.Addr().Port() == 0 {
		t.Error("Addr did not report the chosen port")
	}
}

func TestNewServer_OccupiedAddr(t *testing.T) {
	server1 := newLoopbackServer(t)
	defer server1.Close()

	// A listening port cannot be bound again even with address reuse.
	_, err := NewServer(server1.Addr())
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	server := newLoopbackServer(t)

	err := server.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if server.listener.IsOpen() {
		t.Error("listener still open after close")
	}
	if _, _, err := server.listener.AcceptSocket(); err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Serve(t *testing.T) {
	server := newLoopbackServer(t)
	defer server.Close()

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	client := dial(t, server.Addr())
	defer client.Close()

	// Wait for handler to receive the connection
	select {
	case sock := <-handler.handleCh:
		if sock == nil {
			t.Fatal("handler received nil socket")
		}

		if _, err := client.SendBytes([]byte("ping"), nil); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		buf := make([]byte, 16)
		n, err := sock.RecvBytes(buf, nil)
		if err != nil {
			t.Fatalf("recv failed: %v", err)
		}
		if string(buf[:n]) != "ping" {
			t.Errorf("received %q, want ping", buf[:n])
		}
		sock.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	// Cancel context to stop server
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := newLoopbackServer(t)
	defer server.Close()

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start serving in goroutine
	go server.Serve(ctx, handler)

	// Connect multiple clients
	numClients := 5
	clients := make([]*SyncSocket, numClients)
	for i := 0; i < numClients; i++ {
		clients[i] = dial(t, server.Addr())
	}

	// Wait for all handlers to receive connections
	for i := 0; i < numClients; i++ {
		select {
		case sock := <-handler.handleCh:
			if sock == nil {
				t.Errorf("handler %d received nil socket", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for handler %d", i)
		}
	}

	// Close all client connections
	for _, sock := range clients {
		sock.Close()
	}

	// Verify handler received all connections
	socks := handler.getSocks()
	if len(socks) != numClients {
		t.Errorf("handler received %d connections, want %d", len(socks), numClients)
	}

	// Close handler connections
	for _, sock := range socks {
		sock.Close()
	}
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server := newLoopbackServer(t)
	defer server.Close()

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	// Cancel context
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_ShutdownTimeout_BypassedByClose(t *testing.T) {
	server := newLoopbackServer(t, ServerShutdownTimeoutOption(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newMockHandler())
	}()

	cancel()
	time.Sleep(20 * time.Millisecond)

	// Still accepting during the grace period.
	client := dial(t, server.Addr())
	client.Close()

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not bypass the shutdown timeout")
	}
}

func TestServer_Close_StopsContextWatcher(t *testing.T) {
	server := newLoopbackServer(t)

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), newMockHandler())
	}()
	time.Sleep(20 * time.Millisecond)

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil from Serve, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	stopped := make(chan struct{})
	go func() {
		server.watchers.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("context watcher still running after Close")
	}
}

func TestHandlerFunc(t *testing.T) {
	var got *SyncSocket
	want := &SyncSocket{}
	HandlerFunc(func(sock *SyncSocket) { got = sock }).Handle(want)

	if got != want {
		t.Error("HandlerFunc did not forward the socket")
	}
}
