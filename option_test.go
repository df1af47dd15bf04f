package sockio

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestSocketOptions_Defaults(t *testing.T) {
	opts := newSocketOptions(nil)

	if opts.maxContent != MaxContentSize {
		t.Errorf("maxContent = %d, want %d", opts.maxContent, MaxContentSize)
	}
	if opts.pollInterval != defaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", opts.pollInterval, defaultPollInterval)
	}
	if opts.logger != slog.Default() {
		t.Error("logger is not slog.Default()")
	}
	if opts.platform != nil {
		t.Error("platform should stay unset so it can be inherited")
	}
	if opts.jobTimeout != 0 {
		t.Errorf("jobTimeout = %v, want 0", opts.jobTimeout)
	}
}

func TestMaxContentOption(t *testing.T) {
	opts := newSocketOptions([]SocketOption{MaxContentOption(4096)})
	if opts.maxContent != 4096 {
		t.Errorf("maxContent = %d, want 4096", opts.maxContent)
	}

	// Out of range values fall back to the frame limit.
	opts = newSocketOptions([]SocketOption{MaxContentOption(MaxContentSize + 1)})
	if opts.maxContent != MaxContentSize {
		t.Errorf("maxContent = %d, want %d", opts.maxContent, MaxContentSize)
	}
}

func TestPollIntervalOption(t *testing.T) {
	opts := newSocketOptions([]SocketOption{PollIntervalOption(5 * time.Millisecond)})
	if opts.pollInterval != 5*time.Millisecond {
		t.Errorf("pollInterval = %v, want 5ms", opts.pollInterval)
	}
}

func TestJobTimeoutOption(t *testing.T) {
	opts := newSocketOptions([]SocketOption{JobTimeoutOption(time.Second)})
	if opts.jobTimeout != time.Second {
		t.Errorf("jobTimeout = %v, want 1s", opts.jobTimeout)
	}
}

func TestLoggerOption(t *testing.T) {
	logger := &mockLogger{}
	opt := LoggerOption(logger)

	var opts socketOptions
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestPlatformAndMetricsOption(t *testing.T) {
	p := newMemPlatform()
	m := &Metrics{}
	opts := newSocketOptions([]SocketOption{PlatformOption(p), MetricsOption(m)})

	if opts.platform != p {
		t.Error("platform not set")
	}
	if opts.metrics != m {
		t.Error("metrics not set")
	}
}

func TestDisconnectHookOption(t *testing.T) {
	called := false
	opts := newSocketOptions([]SocketOption{DisconnectHookOption(func() { called = true })})

	if opts.onDisconnect == nil {
		t.Fatal("onDisconnect is nil")
	}
	opts.onDisconnect()
	if !called {
		t.Error("onDisconnect callback not called")
	}
}

func TestReactorOptions_Defaults(t *testing.T) {
	var opts reactorOptions
	checkReactorOptions(&opts)

	if opts.platform == nil {
		t.Error("platform is nil")
	}
	if opts.tickRate != defaultTickRate {
		t.Errorf("tickRate = %d, want %d", opts.tickRate, defaultTickRate)
	}
	if opts.pollTimeout != defaultPollTimeout {
		t.Errorf("pollTimeout = %v, want %v", opts.pollTimeout, defaultPollTimeout)
	}
	if opts.manualTick {
		t.Error("manualTick should default to false")
	}
}

func TestReactorOptions_MultipleOptions(t *testing.T) {
	p := newMemPlatform()
	logger := &mockLogger{}

	var opts reactorOptions
	for _, opt := range []ReactorOption{
		ReactorPlatformOption(p),
		ReactorLoggerOption(logger),
		TickRateOption(50),
		PollTimeoutOption(time.Millisecond),
		ManualTickOption(),
	} {
		opt(&opts)
	}
	checkReactorOptions(&opts)

	if opts.platform != p {
		t.Error("platform not set")
	}
	if opts.logger != logger {
		t.Error("logger not set")
	}
	if opts.tickRate != 50 {
		t.Errorf("tickRate = %d, want 50", opts.tickRate)
	}
	if opts.pollTimeout != time.Millisecond {
		t.Errorf("pollTimeout = %v, want 1ms", opts.pollTimeout)
	}
	if !opts.manualTick {
		t.Error("manualTick not set")
	}
}

func TestClientOptions_RequireOnMessage(t *testing.T) {
	var opts clientOptions
	if err := checkClientOptions(&opts); !errors.Is(err, ErrInvalidOnMessage) {
		t.Errorf("err = %v, want ErrInvalidOnMessage", err)
	}
}

func TestClientOptions_Defaults(t *testing.T) {
	called := false
	var opts clientOptions
	for _, opt := range []ClientOption{
		OnMessageOption(func([]byte, SockAddr) { called = true }),
		ReceiveRateOption(rate.Limit(10), 0),
	} {
		opt(&opts)
	}

	if err := checkClientOptions(&opts); err != nil {
		t.Fatalf("checkClientOptions failed: %v", err)
	}
	if opts.maxPacket != MaxContentSize {
		t.Errorf("maxPacket = %d, want %d", opts.maxPacket, MaxContentSize)
	}
	if opts.burst != 1 {
		t.Errorf("burst = %d, want 1", opts.burst)
	}
	if opts.onDisconnect == nil {
		t.Error("onDisconnect should default to a no-op")
	}

	opts.onMessage(nil, SockAddr{})
	if !called {
		t.Error("onMessage callback not called")
	}
}

func TestClientSocketOption_Accumulates(t *testing.T) {
	var opts clientOptions
	ClientSocketOption(MaxContentOption(10))(&opts)
	ClientSocketOption(PollIntervalOption(time.Millisecond))(&opts)

	if len(opts.socket) != 2 {
		t.Errorf("socket options = %d, want 2", len(opts.socket))
	}
}

func TestReliableOptions(t *testing.T) {
	var opts reliableOptions
	if err := checkReliableOptions(&opts); !errors.Is(err, ErrInvalidOnMessage) {
		t.Errorf("err = %v, want ErrInvalidOnMessage", err)
	}

	opts = reliableOptions{}
	OnReliableMessageOption(func([]byte, SockAddr) {})(&opts)
	MaxRetriesOption(3)(&opts)
	if err := checkReliableOptions(&opts); err != nil {
		t.Fatalf("checkReliableOptions failed: %v", err)
	}

	if opts.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", opts.maxRetries)
	}
	if opts.retransmitInterval != defaultRetransmitInterval {
		t.Errorf("retransmitInterval = %v, want %v", opts.retransmitInterval, defaultRetransmitInterval)
	}
	if opts.reassemblyTimeout != DefaultReassemblyTimeout {
		t.Errorf("reassemblyTimeout = %v, want %v", opts.reassemblyTimeout, DefaultReassemblyTimeout)
	}
}
