// Package transport owns the serial handle used to reach the robot and
// extracts complete frames from the raw byte stream. It knows where frames
// start and end but nothing about what they mean.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/robotctl/internal/frame"
	"github.com/banshee-data/robotctl/internal/timeutil"
)

const (
	// DefaultPollInterval bounds each underlying Read so the receive deadline
	// is honoured even when the line is silent.
	DefaultPollInterval = 50 * time.Millisecond

	readChunkSize = 64
)

var (
	ErrTimeout        = errors.New("transport: receive timeout")
	ErrClosed         = errors.New("transport: session closed")
	ErrShortWrite     = errors.New("transport: short write to serial port")
	ErrNoControlLines = errors.New("transport: port has no modem control lines")
)

// Session is one open serial connection plus the scanner state needed to
// pull frames out of it. A Session is exclusively owned by one protocol
// engine and is not safe for concurrent use.
type Session struct {
	port  Port
	path  string
	opts  PortOptions
	clock timeutil.Clock

	pollInterval time.Duration
	readTimeout  time.Duration

	// pending holds bytes read from the port that have not been scanned yet,
	// including anything that arrived after the last returned frame.
	pending []byte
	closed  bool
}

// NewSession wraps an already open port. A nil clock means the real clock.
func NewSession(port Port, path string, opts PortOptions, clock timeutil.Clock) *Session {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Session{
		port:         port,
		path:         path,
		opts:         opts,
		clock:        clock,
		pollInterval: DefaultPollInterval,
	}
}

// Path returns the device path the session was opened on.
func (s *Session) Path() string { return s.path }

// Options returns the serial options the session was opened with.
func (s *Session) Options() PortOptions { return s.opts }

// IsOpen reports whether Close has not been called yet.
func (s *Session) IsOpen() bool { return s != nil && !s.closed }

// SetPollInterval changes the upper bound of a single underlying Read.
func (s *Session) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// SetReadTimeout configures the port's read timeout.
func (s *Session) SetReadTimeout(d time.Duration) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.port.SetReadTimeout(d); err != nil {
		return fmt.Errorf("transport: set read timeout on %s: %w", s.path, err)
	}
	s.readTimeout = d
	return nil
}

// Send writes one encoded frame to the port.
func (s *Session) Send(b []byte) error {
	if s.closed {
		return ErrClosed
	}
	n, err := s.port.Write(b)
	if err != nil {
		return fmt.Errorf("transport: write %s: %w", s.path, err)
	}
	if n != len(b) {
		return ErrShortWrite
	}
	return nil
}

// RecvFrame returns the next complete frame, start marker through end marker,
// received before timeout elapses.
//
// Bytes outside a frame are discarded until a start marker is seen. Inside a
// frame bytes accumulate until the end marker; if the accumulation grows past
// frame.MaxFrameSize it is dropped as corrupt and scanning resumes for the
// next start marker. Bytes that arrive after the end marker are kept for the
// next call.
func (s *Session) RecvFrame(timeout time.Duration) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	deadline := s.clock.Now().Add(timeout)
	chunk := make([]byte, readChunkSize)
	buf := make([]byte, 0, frame.MaxFrameSize+1)
	inFrame := false

	for {
		for len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]

			if !inFrame {
				if c == frame.StartMarker {
					inFrame = true
					buf = append(buf[:0], c)
				}
				continue
			}

			buf = append(buf, c)
			if c == frame.EndMarker {
				out := make([]byte, len(buf))
				copy(out, buf)
				return out, nil
			}
			if len(buf) > frame.MaxFrameSize {
				inFrame = false
				buf = buf[:0]
			}
		}

		remaining := s.clock.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		wait := min(s.pollInterval, remaining)
		if wait != s.readTimeout {
			if err := s.SetReadTimeout(wait); err != nil {
				return nil, err
			}
		}

		n, err := s.port.Read(chunk)
		if n > 0 {
			s.pending = append(s.pending, chunk[:n]...)
		}
		if err != nil {
			return nil, fmt.Errorf("transport: read %s: %w", s.path, err)
		}
	}
}

// ResetBuffers discards everything buffered in either direction, including
// bytes the scanner has read but not yet consumed.
func (s *Session) ResetBuffers() error {
	if s.closed {
		return ErrClosed
	}
	s.pending = nil
	return errors.Join(s.port.ResetInputBuffer(), s.port.ResetOutputBuffer())
}

// PulseReset deasserts and reasserts DTR with a pause in between, which
// reboots most Arduino-style boards. Ports without control lines return
// ErrNoControlLines; callers are expected to treat any error as non-fatal.
func (s *Session) PulseReset(pause time.Duration) error {
	if s.closed {
		return ErrClosed
	}
	cl, ok := s.port.(ControlLiner)
	if !ok {
		return ErrNoControlLines
	}
	if err := cl.SetDTR(false); err != nil {
		return fmt.Errorf("transport: deassert DTR: %w", err)
	}
	s.clock.Sleep(pause)
	if err := cl.SetDTR(true); err != nil {
		return fmt.Errorf("transport: assert DTR: %w", err)
	}
	return nil
}

// Close closes the underlying port. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	return s.port.Close()
}
