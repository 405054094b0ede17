package robot

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout matches every request that ran out of attempts.
	ErrTimeout = errors.New("robot: no valid response")

	// ErrNotConnected is returned when no open serial session is attached.
	ErrNotConnected = errors.New("robot: not connected")

	ErrSeqMismatch        = errors.New("robot: response sequence mismatch")
	ErrUnexpectedResponse = errors.New("robot: unexpected response command")
)

// NackError is a request the robot explicitly rejected. It is not retried.
type NackError struct {
	Cmd    string
	Seq    byte
	Reason string
}

func (e *NackError) Error() string {
	return fmt.Sprintf("robot: %s (seq %02X) rejected: NACK %s", e.Cmd, e.Seq, e.Reason)
}

// ExhaustedError reports a request that used every attempt without an ACK.
// Last holds the failure seen on the final attempt.
type ExhaustedError struct {
	Cmd      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("robot: no valid ACK for %s after %d tries", e.Cmd, e.Attempts)
	}
	return fmt.Sprintf("robot: no valid ACK for %s after %d tries: %v", e.Cmd, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrTimeout }

func (e *ExhaustedError) Unwrap() error { return e.Last }
