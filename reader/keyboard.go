package reader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kenshaw/evdev"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Keyboard reads card UIDs from keyboard-wedge RFID readers that type
// the UID characters followed by Enter.
type Keyboard struct {
	device *evdev.Evdev
	gate   gate
	log    zerolog.Logger
}

// NewKeyboard opens the input device and grabs its events so scanned
// UIDs never reach other applications as keystrokes. The grab is best
// effort: on failure the reader still works, the keystrokes just leak.
func NewKeyboard(device string) (*Keyboard, error) {
	dev, err := evdev.OpenFile(device)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, device, err)
	}

	logger := log.With().Str("component", "reader").Str("device", device).Logger()
	if err := dev.Lock(); err != nil {
		logger.Warn().Err(err).Msg("could not grab input device, card digits will leak as keystrokes")
	}
	logger.Info().
		Str("name", dev.Name()).
		Uint16("vendor", uint16(dev.ID().Vendor)).
		Uint16("product", uint16(dev.ID().Product)).
		Msg("keyboard reader opened")

	return &Keyboard{device: dev, gate: newGate(), log: logger}, nil
}

// Arm implements CardReader.Arm for keyboard-wedge readers. Characters
// typed before arming are not buffered, so user keystrokes between
// scans never pollute a card UID.
func (k *Keyboard) Arm(ctx context.Context, window time.Duration) (string, error) {
	if err := k.gate.acquire(); err != nil {
		return "", err
	}
	defer k.gate.release()

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ch := k.device.Poll(ctx)
	var buf strings.Builder

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrTimeout
			}
			return "", ctx.Err()
		case event := <-ch:
			if event == nil {
				return "", ErrLinkLost
			}

			switch event.Type.(type) {
			case evdev.KeyType:
				if event.Value != 1 {
					continue
				}

				if event.Type == evdev.KeyEnter {
					if buf.Len() == 0 {
						continue
					}
					uid := strings.ToUpper(buf.String())
					k.log.Debug().Str("uid", uid).Msg("card read")
					return uid, nil
				}

				s := evdev.KeyType(event.Code).String()
				if len(s) == 1 && isAlnum(s[0]) {
					buf.WriteString(s)
				}
			}
		}
	}
}

// Close implements CardReader.Close.
func (k *Keyboard) Close() error {
	if k.device == nil {
		return nil
	}
	_ = k.device.Unlock()
	return k.device.Close()
}

// findInputDevice scans the input event devices for one matching the
// configured USB vendor and product ids.
func findInputDevice(vendor, product string) (string, error) {
	vid, err := parseHexID(vendor)
	if err != nil {
		return "", fmt.Errorf("reader vendor id: %w", err)
	}
	pid, err := parseHexID(product)
	if err != nil {
		return "", fmt.Errorf("reader product id: %w", err)
	}

	paths, err := filepath.Glob("/dev/input/event*")
	if err != nil {
		return "", err
	}

	for _, path := range paths {
		dev, err := evdev.OpenFile(path)
		if err != nil {
			continue
		}
		id := dev.ID()
		name := dev.Name()
		dev.Close()

		if id.Vendor == vid && id.Product == pid {
			log.Info().
				Str("component", "reader").
				Str("device", path).
				Str("name", name).
				Msg("matched input device by identity")
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no input device matches vendor %s product %s",
		ErrPortUnavailable, vendor, product)
}

// parseHexID parses a USB vendor or product id like "0xffff" or "FFFF".
func parseHexID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, fmt.Errorf("device id missing")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("bad device id %q", s)
	}
	return uint16(v), nil
}

func isAlnum(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	}
	return false
}
