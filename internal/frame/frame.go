// Package frame implements the ASCII wire framing used to talk to the robot
// controller over a serial line.
//
// Frame structure:
//
//	^SS|CMD|PAYLOAD*CC$
//
// Where:
//   - SS = sequence number, 2 upper-case hex digits (00-FF, wraps)
//   - CMD = command token (PING, V, M, ... on requests; ACK or NACK on responses)
//   - CC = XOR of every byte between '^' and '*', 2 upper-case hex digits
//
// Known protocol limitations:
//   - '|' and '*' are not escaped. A payload containing '|' fails decoding with
//     ErrFieldCount; a payload ending in '*' followed by two hex digits is
//     ambiguous because the checksum separator is located from the end.
//   - XOR detects any single corrupted byte, but two bytes flipped at the same
//     bit position cancel out and pass the checksum.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// StartMarker opens every frame.
	StartMarker byte = '^'

	// EndMarker closes every frame.
	EndMarker byte = '$'

	// ChecksumSeparator splits the content from the checksum field.
	ChecksumSeparator byte = '*'

	// FieldSeparator splits seq, cmd and payload inside the content.
	FieldSeparator = "|"

	// MaxFrameSize bounds the number of bytes accumulated for one frame before
	// the receiver gives up on it and rescans for the next start marker.
	MaxFrameSize = 256
)

// Decode error kinds. Every error returned by Decode matches ErrDecode and
// exactly one of the kinds below via errors.Is.
var (
	ErrDecode     = errors.New("frame: decode failed")
	ErrFormat     = errors.New("bad format")
	ErrChecksum   = errors.New("checksum mismatch")
	ErrFieldCount = errors.New("bad field count")
	ErrSequence   = errors.New("bad sequence")
)

// DecodeError describes why a buffer was rejected.
type DecodeError struct {
	Kind   error
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame: %v: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() []error {
	return []error{e.Kind, ErrDecode}
}

func decodeErr(kind error, format string, args ...any) error {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Frame is one decoded protocol message.
type Frame struct {
	Seq      byte
	Cmd      string
	Payload  string
	Checksum byte
}

// String renders the frame content the way it appears between the markers,
// without the checksum.
func (f Frame) String() string {
	return content(f.Seq, f.Cmd, f.Payload)
}

// Checksum computes the XOR of all bytes in content.
func Checksum(content []byte) byte {
	var cs byte
	for _, b := range content {
		cs ^= b
	}
	return cs
}

func content(seq byte, cmd, payload string) string {
	return fmt.Sprintf("%02X%s%s%s%s", seq, FieldSeparator, cmd, FieldSeparator, payload)
}

// Encode builds a complete wire frame for the given sequence number, command
// token and payload. No escaping is applied (see package documentation).
func Encode(seq byte, cmd, payload string) []byte {
	c := content(seq, cmd, payload)
	cs := Checksum([]byte(c))

	out := make([]byte, 0, len(c)+5)
	out = append(out, StartMarker)
	out = append(out, c...)
	out = append(out, ChecksumSeparator)
	out = append(out, fmt.Sprintf("%02X", cs)...)
	out = append(out, EndMarker)
	return out
}

// Decode validates a complete buffer (start marker through end marker) and
// extracts its fields.
//
// The checksum separator is located by scanning from the end of the buffer,
// so a '*' inside the payload does not break decoding.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 2 || buf[0] != StartMarker || buf[len(buf)-1] != EndMarker {
		return Frame{}, decodeErr(ErrFormat, "missing start or end marker")
	}

	star := bytes.LastIndexByte(buf, ChecksumSeparator)
	if star < 0 {
		return Frame{}, decodeErr(ErrFormat, "no checksum separator")
	}

	body := buf[1:star]
	csField := buf[star+1 : len(buf)-1]
	if len(csField) != 2 {
		return Frame{}, decodeErr(ErrFormat, "checksum field is %d bytes, want 2", len(csField))
	}
	want, err := strconv.ParseUint(string(csField), 16, 8)
	if err != nil {
		return Frame{}, decodeErr(ErrFormat, "checksum field %q is not hex", csField)
	}

	if got := Checksum(body); got != byte(want) {
		return Frame{}, &ChecksumError{Got: got, Want: byte(want)}
	}

	for _, b := range body {
		if b > 0x7F {
			return Frame{}, decodeErr(ErrFormat, "content is not ASCII")
		}
	}

	parts := strings.Split(string(body), FieldSeparator)
	if len(parts) != 3 {
		return Frame{}, decodeErr(ErrFieldCount, "got %d fields, want 3", len(parts))
	}

	seq, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return Frame{}, decodeErr(ErrSequence, "%q is not a hex byte", parts[0])
	}

	return Frame{
		Seq:      byte(seq),
		Cmd:      parts[1],
		Payload:  parts[2],
		Checksum: byte(want),
	}, nil
}

// ChecksumError reports a checksum mismatch between the transmitted value and
// the one recomputed over the received content.
type ChecksumError struct {
	Got  byte
	Want byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("frame: %v: computed 0x%02X, frame carries 0x%02X", ErrChecksum, e.Got, e.Want)
}

func (e *ChecksumError) Unwrap() []error {
	return []error{ErrChecksum, ErrDecode}
}
