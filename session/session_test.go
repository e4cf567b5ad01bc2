package session

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidagent/queue"
	"rfidagent/reader"
)

func validReaderConfig() reader.Config {
	return reader.Config{Type: "mock"}
}

func validQueueConfig() queue.Config {
	return queue.Config{Host: "localhost", Inbound: "terminal_1", Outbound: "scan_results"}
}

func validIdentity() Identity {
	return Identity{TerminalID: "term-1", ShopID: "shop-1", AuthToken: "tok"}
}

func TestNewRejectsIncompleteIdentity(t *testing.T) {
	_, err := New(Identity{TerminalID: "term-1"}, validReaderConfig(), validQueueConfig())
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(validIdentity(), reader.Config{Type: "laser"}, validQueueConfig())
	assert.Error(t, err)

	_, err = New(validIdentity(), reader.Config{Type: "serial"}, validQueueConfig())
	assert.Error(t, err, "serial reader requires a device")

	_, err = New(validIdentity(), validReaderConfig(), queue.Config{Host: "localhost"})
	assert.Error(t, err)
}

func TestKeyboardReaderAcceptsDeviceIdentity(t *testing.T) {
	_, err := New(validIdentity(), reader.Config{Type: "keyboard"}, validQueueConfig())
	assert.Error(t, err, "keyboard reader needs a path or an identity")

	_, err = New(validIdentity(), reader.Config{Type: "keyboard", Vendor: "0xffff"}, validQueueConfig())
	assert.Error(t, err, "vendor alone is not enough to locate a device")

	_, err = New(validIdentity(), reader.Config{Type: "keyboard", Vendor: "0xffff", Product: "0x0035"}, validQueueConfig())
	assert.NoError(t, err)

	_, err = New(validIdentity(), reader.Config{Type: "keyboard", Device: "/dev/input/event3"}, validQueueConfig())
	assert.NoError(t, err)
}

func TestSwapRejectsInvalidAndKeepsOldConfig(t *testing.T) {
	s, err := New(validIdentity(), validReaderConfig(), validQueueConfig())
	require.NoError(t, err)

	err = s.Swap(reader.Config{Type: "serial"}, validQueueConfig())
	require.Error(t, err)
	assert.Equal(t, "mock", s.ReaderConfig().Type)

	newQueue := validQueueConfig()
	newQueue.Host = "broker.example"
	require.NoError(t, s.Swap(reader.Config{Type: "serial", Device: "/dev/ttyUSB0", Baud: 9600}, newQueue))
	assert.Equal(t, "/dev/ttyUSB0", s.ReaderConfig().Device)
	assert.Equal(t, "broker.example", s.QueueConfig().Host)
}

func TestIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	id := Identity{
		TerminalID:   "term-1",
		ShopID:       "shop-1",
		AuthToken:    "tok",
		ShopName:     "Main Street",
		TerminalName: "Front Desk",
		Queue:        "terminal_term-1",
		DeviceID:     "dev-1",
	}
	require.NoError(t, SaveIdentity(path, id))

	loaded, ok, err := LoadIdentity(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadIdentityMissingFile(t *testing.T) {
	_, ok, err := LoadIdentity(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadIdentityCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, _, err := LoadIdentity(path)
	assert.Error(t, err)
}

func TestWatchFiresOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	require.NoError(t, Watch(ctx, path, func() { fired.Add(1) }))

	// give the watcher a moment to install before rewriting
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o600))

	require.Eventually(t, func() bool { return fired.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}
