package transport

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/robotctl/internal/timeutil"
)

// ErrPortClosed is returned by TestablePort operations after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestablePort implements Port and ControlLiner with scripted behaviour for
// testing. Reads are served from a queue of chunks; when the queue is empty a
// Read behaves like a serial read timing out, advancing Clock by ReadTimeout
// (or sleeping for real when Clock is nil) and returning no data.
type TestablePort struct {
	mu sync.Mutex

	// Clock is advanced by ReadTimeout on every empty Read when set.
	Clock *timeutil.MockClock

	// Responder, when set, is called with every successful write and its
	// returned chunks are queued for reading. It lets a test act as the robot.
	Responder func(written []byte) [][]byte

	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ReadTimeout is the current read timeout.
	ReadTimeout time.Duration

	// ReadError is returned by the next Read call if set.
	ReadError error

	// WriteError is returned by the next Write call if set.
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	// CloseError is returned by Close if set.
	CloseError error

	// DTRError is returned by SetDTR if set.
	DTRError error

	// ResetError is returned by ResetInputBuffer if set.
	ResetError error

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	CloseCalls  int
	InputResets int
	OutResets   int
	DTRHistory  []bool

	reads [][]byte
}

// NewTestablePort creates a TestablePort driven by clock, which may be nil.
func NewTestablePort(clock *timeutil.MockClock) *TestablePort {
	return &TestablePort{
		Clock:       clock,
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read pops the next queued chunk, or simulates a read timeout.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++

	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		t.mu.Unlock()
		return 0, err
	}

	if len(t.reads) > 0 {
		chunk := t.reads[0]
		n := copy(p, chunk)
		if n < len(chunk) {
			t.reads[0] = chunk[n:]
		} else {
			t.reads = t.reads[1:]
		}
		t.mu.Unlock()
		return n, nil
	}

	wait := t.ReadTimeout
	clock := t.Clock
	t.mu.Unlock()

	if clock != nil {
		clock.Advance(wait)
	} else {
		time.Sleep(wait)
	}
	return 0, nil
}

// Write captures p and feeds it to Responder.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++

	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}

	n := len(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	t.WriteBuffer.Write(p[:n])
	responder := t.Responder
	t.mu.Unlock()

	if responder != nil {
		written := append([]byte(nil), p[:n]...)
		for _, chunk := range responder(written) {
			t.AddReadData(chunk)
		}
	}
	return n, nil
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.CloseCalls++
	t.Closed = true
	return t.CloseError
}

// SetReadTimeout records the timeout used for simulated empty reads.
func (t *TestablePort) SetReadTimeout(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = d
	return nil
}

// ResetInputBuffer drops every queued read chunk.
func (t *TestablePort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.InputResets++
	if t.ResetError != nil {
		return t.ResetError
	}
	t.reads = nil
	return nil
}

// ResetOutputBuffer counts the call.
func (t *TestablePort) ResetOutputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.OutResets++
	return nil
}

// SetDTR records the requested line state.
func (t *TestablePort) SetDTR(dtr bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.DTRError != nil {
		return t.DTRError
	}
	t.DTRHistory = append(t.DTRHistory, dtr)
	return nil
}

// AddReadData queues one chunk to be returned by a subsequent Read.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reads = append(t.reads, append([]byte(nil), data...))
}

// PendingReads returns the number of queued chunks not yet read.
func (t *TestablePort) PendingReads() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.reads)
}

// GetWrittenData returns all data written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// WithoutControlLines returns a Port view of t that does not implement
// ControlLiner, like a USB CDC device that exposes no modem lines.
func WithoutControlLines(t *TestablePort) Port {
	return struct{ Port }{t}
}

// MockOpener scripts the results of opening ports.
type MockOpener struct {
	mu sync.Mutex

	// Port is returned from Open when PortFunc is nil.
	Port Port

	// PortFunc, when set, builds the port for each call.
	PortFunc func(call int, path string, opts PortOptions) (Port, error)

	// Error is returned by Open if set.
	Error error

	// OpenCalls records all Open calls.
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockOpener creates a MockOpener that always returns port.
func NewMockOpener(port Port) *MockOpener {
	return &MockOpener{Port: port}
}

// Open returns the configured port or error. It has the Opener signature.
func (f *MockOpener) Open(path string, opts PortOptions) (Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})

	if f.Error != nil {
		return nil, f.Error
	}
	if f.PortFunc != nil {
		return f.PortFunc(len(f.OpenCalls), path, opts)
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockOpener) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
