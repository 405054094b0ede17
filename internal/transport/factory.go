package transport

import (
	"fmt"

	"go.bug.st/serial"
)

var (
	_ Port         = serial.Port(nil)
	_ ControlLiner = serial.Port(nil)
)

// OpenSerial opens a real serial port at path using go.bug.st/serial. It
// satisfies Opener.
func OpenSerial(path string, opts PortOptions) (Port, error) {
	if path == "" {
		return nil, fmt.Errorf("transport: no serial port configured")
	}

	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial ports visible to the operating system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
