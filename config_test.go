package sockio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
reactor:
  tickRate: 500
  pollTimeout: 5ms
socket:
  maxContent: 4096
  pollInterval: 20ms
  jobTimeout: 2s
client:
  maxPacket: 1024
  rateLimit: 100
  burst: 10
reliable:
  retransmitInterval: 50ms
  maxRetries: 3
  reassemblyTimeout: 1s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sockio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	loader, err := LoadConfig(writeConfig(t, testConfig), &mockLogger{})
	require.NoError(t, err)

	cfg := loader.Config()
	assert.Equal(t, ReactorConfig{TickRate: 500, PollTimeout: 5 * time.Millisecond}, cfg.Reactor)
	assert.Equal(t, SocketConfig{MaxContent: 4096, PollInterval: 20 * time.Millisecond, JobTimeout: 2 * time.Second}, cfg.Socket)
	assert.Equal(t, ClientConfig{MaxPacket: 1024, RateLimit: 100, Burst: 10}, cfg.Client)
	assert.Equal(t, ReliableConfig{RetransmitInterval: 50 * time.Millisecond, MaxRetries: 3, ReassemblyTimeout: time.Second}, cfg.Reliable)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SOCKIO_SOCKET_MAXCONTENT", "512")

	loader, err := LoadConfig(writeConfig(t, testConfig), nil)
	require.NoError(t, err)
	assert.Equal(t, 512, loader.Config().Socket.MaxContent)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "socket:\n  maxContent: 70000\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket: maxContent")

	_, err = LoadConfig(writeConfig(t, "reliable:\n  maxRetries: -1\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reliable: maxRetries")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "zero value", cfg: Config{}},
		{name: "negative tick rate", cfg: Config{Reactor: ReactorConfig{TickRate: -1}}, want: "reactor: tickRate"},
		{name: "negative poll timeout", cfg: Config{Reactor: ReactorConfig{PollTimeout: -1}}, want: "reactor: pollTimeout"},
		{name: "negative poll interval", cfg: Config{Socket: SocketConfig{PollInterval: -1}}, want: "socket: pollInterval"},
		{name: "negative job timeout", cfg: Config{Socket: SocketConfig{JobTimeout: -1}}, want: "socket: jobTimeout"},
		{name: "max packet too large", cfg: Config{Client: ClientConfig{MaxPacket: MaxContentSize + 1}}, want: "client: maxPacket"},
		{name: "negative rate", cfg: Config{Client: ClientConfig{RateLimit: -1}}, want: "client: rateLimit"},
		{name: "negative burst", cfg: Config{Client: ClientConfig{Burst: -1}}, want: "client: burst"},
		{name: "negative retransmit interval", cfg: Config{Reliable: ReliableConfig{RetransmitInterval: -1}}, want: "reliable: retransmitInterval"},
		{name: "negative reassembly timeout", cfg: Config{Reliable: ReliableConfig{ReassemblyTimeout: -1}}, want: "reliable: reassemblyTimeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Options(t *testing.T) {
	loader, err := LoadConfig(writeConfig(t, testConfig), nil)
	require.NoError(t, err)
	cfg := loader.Config()

	so := newSocketOptions(cfg.Socket.Options())
	assert.Equal(t, 4096, so.maxContent)
	assert.Equal(t, 20*time.Millisecond, so.pollInterval)
	assert.Equal(t, 2*time.Second, so.jobTimeout)

	var ro reactorOptions
	for _, opt := range cfg.Reactor.Options() {
		opt(&ro)
	}
	assert.Equal(t, 500, ro.tickRate)
	assert.Equal(t, 5*time.Millisecond, ro.pollTimeout)

	var co clientOptions
	for _, opt := range cfg.Client.Options() {
		opt(&co)
	}
	assert.Equal(t, 1024, co.maxPacket)
	assert.Equal(t, 10, co.burst)

	var lo reliableOptions
	for _, opt := range cfg.Reliable.Options() {
		opt(&lo)
	}
	assert.Equal(t, 50*time.Millisecond, lo.retransmitInterval)
	assert.Equal(t, 3, lo.maxRetries)
	assert.Equal(t, time.Second, lo.reassemblyTimeout)

	assert.Empty(t, (&Config{}).Socket.Options())
	assert.Empty(t, (&Config{}).Client.Options())
}

func TestConfigLoader_Watch(t *testing.T) {
	path := writeConfig(t, testConfig)
	logger := &mockLogger{}
	loader, err := LoadConfig(path, logger)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	loader.OnChange(func(old, updated *Config) {
		changed <- updated
	})
	loader.Watch()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("socket:\n  maxContent: 2048\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 2048, cfg.Socket.MaxContent)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}
	assert.Equal(t, 2048, loader.Config().Socket.MaxContent)
}

func TestConfigLoader_ReloadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, testConfig)
	logger := &mockLogger{}
	loader, err := LoadConfig(path, logger)
	require.NoError(t, err)

	called := false
	loader.OnChange(func(old, updated *Config) { called = true })

	require.NoError(t, os.WriteFile(path, []byte("socket:\n  maxContent: -5\n"), 0o600))
	loader.reload(path)

	assert.False(t, called)
	assert.Equal(t, 4096, loader.Config().Socket.MaxContent)
	assert.True(t, logger.logged("config reload rejected"))
}
