package transport

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when neither the caller nor a previous session
// supplies one.
const DefaultBaudRate = 9600

// PortOptions are the line settings for a serial port. Zero values mean
// 9600 baud, 8 data bits, 1 stop bit, no parity.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits int    `json:"data_bits" mapstructure:"data_bits"`
	StopBits int    `json:"stop_bits" mapstructure:"stop_bits"`
	Parity   string `json:"parity" mapstructure:"parity"`
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var parityAliases = map[string]string{
	"": "N", "NONE": "N", "N": "N",
	"EVEN": "E", "E": "E",
	"ODD": "O", "O": "O",
}

// Normalize fills in defaults and canonicalises parity to N, E or O.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}

	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}
	p, ok := parityAliases[strings.ToUpper(strings.TrimSpace(o.Parity))]
	if !ok {
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = p
	return o, nil
}

// Equal reports whether both describe the same line settings once defaults
// are applied. Invalid options are never equal.
func (o PortOptions) Equal(other PortOptions) bool {
	a, errA := o.Normalize()
	b, errB := other.Normalize()
	return errA == nil && errB == nil && a == b
}

// String formats the options the usual way, e.g. "9600 8N1".
func (o PortOptions) String() string {
	n, err := o.Normalize()
	if err != nil {
		return fmt.Sprintf("%d invalid", o.BaudRate)
	}
	return fmt.Sprintf("%d %d%s%d", n.BaudRate, n.DataBits, n.Parity, n.StopBits)
}

// SerialMode converts the options for serial.Open.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		Parity:   parities[n.Parity],
		StopBits: serial.OneStopBit,
	}
	if n.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}
