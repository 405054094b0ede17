package transport

import (
	"io"
	"time"
)

// Port is the minimal serial capability the protocol needs. go.bug.st/serial
// ports satisfy it directly; tests use TestablePort.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a single Read may block. A Read that
	// times out returns 0, nil.
	SetReadTimeout(timeout time.Duration) error

	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error

	// ResetOutputBuffer discards bytes written but not yet transmitted.
	ResetOutputBuffer() error
}

// ControlLiner is an optional Port capability for driving the DTR modem line,
// which resets most Arduino-style controllers.
type ControlLiner interface {
	SetDTR(dtr bool) error
}

// Opener opens a serial port at the specified path with the given options.
// This abstraction enables dependency injection of serial port creation.
type Opener func(path string, opts PortOptions) (Port, error)
