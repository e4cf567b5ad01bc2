package reader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by CardReader implementations.
var (
	ErrPortUnavailable = errors.New("reader: port unavailable")
	ErrTimeout         = errors.New("reader: scan window elapsed")
	ErrLinkLost        = errors.New("reader: link lost")
	ErrBusy            = errors.New("reader: scan already armed")
)

// CardReader is the interface for all card reader implementations.
// Arm puts the reader into a listening state and blocks until a card
// UID is read, the window elapses (ErrTimeout), the link fails
// (ErrLinkLost) or ctx is cancelled. The UID is an opaque uppercase
// hex string. Only one Arm call may be outstanding at a time; a
// concurrent call fails with ErrBusy.
type CardReader interface {
	Arm(ctx context.Context, window time.Duration) (string, error)
	Close() error
}

// Config holds common configuration for reader implementations.
type Config struct {
	Type   string `yaml:"type"`   // "serial", "keyboard", "mock"
	Device string `yaml:"device"` // e.g. "/dev/ttyUSB0", "/dev/input/event0"
	Baud   int    `yaml:"baud"`   // baud rate for serial devices

	// Keyboard-wedge device identity, used to locate the input device
	// when Device is empty. Hex, e.g. "0xffff" / "0x0035".
	Vendor  string `yaml:"vendor"`
	Product string `yaml:"product"`
}

// New creates a CardReader based on the provided configuration. A
// keyboard reader with no device path is located by its USB
// vendor/product identity, so the wedge keeps working when the kernel
// renumbers input devices across reboots.
func New(cfg Config) (CardReader, error) {
	switch cfg.Type {
	case "serial":
		return NewSerial(cfg.Device, cfg.Baud)
	case "keyboard":
		device := cfg.Device
		if device == "" {
			var err error
			device, err = findInputDevice(cfg.Vendor, cfg.Product)
			if err != nil {
				return nil, err
			}
		}
		return NewKeyboard(device)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown reader type %q", cfg.Type)
	}
}

// gate enforces the single outstanding Arm rule.
type gate chan struct{}

func newGate() gate { return make(gate, 1) }

func (g gate) acquire() error {
	select {
	case g <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

func (g gate) release() { <-g }
