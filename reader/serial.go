package reader

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"
)

// Serial reads card UIDs from RFID readers speaking the framed
// protocol described in frame.go over a serial line.
type Serial struct {
	port   *serial.Port
	device string
	gate   gate
	parser frameParser
	log    zerolog.Logger
}

// NewSerial opens the serial port. The short read timeout slices the
// blocking reads so Arm can honor its window and cancellation.
func NewSerial(device string, baud int) (*Serial, error) {
	if baud == 0 {
		baud = 9600
	}
	c := &serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: time.Second,
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, device, err)
	}

	return &Serial{
		port:   port,
		device: device,
		gate:   newGate(),
		log:    log.With().Str("component", "reader").Str("device", device).Logger(),
	}, nil
}

// Arm implements CardReader.Arm for serial readers.
func (s *Serial) Arm(ctx context.Context, window time.Duration) (string, error) {
	if err := s.gate.acquire(); err != nil {
		return "", err
	}
	defer s.gate.release()

	s.parser.reset()
	deadline := time.Now().Add(window)
	buf := make([]byte, 64)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		if !time.Now().Before(deadline) {
			return "", ErrTimeout
		}

		n, err := s.port.Read(buf)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("%w: %v", ErrLinkLost, err)
		}
		if n == 0 {
			continue
		}

		if uid := s.parser.feed(buf[:n]); uid != "" {
			s.log.Debug().Str("uid", uid).Msg("card frame decoded")
			return uid, nil
		}
	}
}

// Close implements CardReader.Close.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}
