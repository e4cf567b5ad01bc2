// Package session holds the process-wide terminal state: the identity
// issued at registration plus the reader and queue configuration. The
// identity is immutable for the process lifetime; configuration may
// only be swapped during a resync, after the scan coordinator has been
// quiesced by the caller.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"rfidagent/queue"
	"rfidagent/reader"
)

// Identity is the terminal identity issued by the backend at
// registration.
type Identity struct {
	TerminalID   string `json:"terminal_id"`
	ShopID       string `json:"shop_id"`
	AuthToken    string `json:"auth_token"`
	ShopName     string `json:"shop_name,omitempty"`
	TerminalName string `json:"terminal_name,omitempty"`
	Queue        string `json:"queue,omitempty"` // inbound queue assigned by the backend
	DeviceID     string `json:"device_id,omitempty"`
}

// Session is the authenticated terminal context consumed by the
// reader, queue and scan components.
type Session struct {
	identity Identity

	mu     sync.RWMutex
	reader reader.Config
	queue  queue.Config
}

// New validates the identity and configuration and constructs the
// session. Structurally invalid configuration fails here, before the
// terminal is considered ready.
func New(id Identity, rc reader.Config, qc queue.Config) (*Session, error) {
	if id.TerminalID == "" || id.AuthToken == "" {
		return nil, errors.New("session: terminal identity incomplete")
	}
	if err := validateReader(rc); err != nil {
		return nil, err
	}
	if err := validateQueue(qc); err != nil {
		return nil, err
	}
	return &Session{identity: id, reader: rc, queue: qc}, nil
}

// Identity returns the immutable terminal identity.
func (s *Session) Identity() Identity { return s.identity }

// ReaderConfig returns the current reader configuration.
func (s *Session) ReaderConfig() reader.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader
}

// QueueConfig returns the current queue configuration.
func (s *Session) QueueConfig() queue.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// Swap replaces the reader and queue configuration during a resync.
// The caller must hold the scan coordinator quiesced. Invalid
// configuration is rejected and the old one kept.
func (s *Session) Swap(rc reader.Config, qc queue.Config) error {
	if err := validateReader(rc); err != nil {
		return err
	}
	if err := validateQueue(qc); err != nil {
		return err
	}

	s.mu.Lock()
	s.reader = rc
	s.queue = qc
	s.mu.Unlock()
	return nil
}

func validateReader(rc reader.Config) error {
	switch rc.Type {
	case "serial":
		if rc.Device == "" {
			return fmt.Errorf("session: reader device required for type %q", rc.Type)
		}
	case "keyboard":
		// the device path may be omitted when the wedge can be located
		// by its USB identity
		if rc.Device == "" && (rc.Vendor == "" || rc.Product == "") {
			return errors.New("session: keyboard reader needs a device path or vendor/product ids")
		}
	case "mock":
	default:
		return fmt.Errorf("session: unknown reader type %q", rc.Type)
	}
	return nil
}

func validateQueue(qc queue.Config) error {
	if qc.Host == "" {
		return errors.New("session: broker host missing")
	}
	if qc.Inbound == "" || qc.Outbound == "" {
		return errors.New("session: inbound and outbound queue names required")
	}
	return nil
}

// Dir returns the agent state directory, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	dir := filepath.Join(home, ".rfid-agent")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// CredentialsPath returns the identity file path inside the state dir.
func CredentialsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

// LoadIdentity reads a persisted identity. ok is false when no
// identity has been saved yet.
func LoadIdentity(path string) (id Identity, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, false, fmt.Errorf("decode credentials: %w", err)
	}
	return id, id.TerminalID != "", nil
}

// SaveIdentity writes the identity atomically so a crash mid-write
// never leaves a corrupt credentials file.
func SaveIdentity(path string, id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
