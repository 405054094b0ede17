package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robotctl/internal/frame"
	"github.com/banshee-data/robotctl/internal/timeutil"
)

func newTestSession(t *testing.T) (*Session, *TestablePort, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	port := NewTestablePort(clock)
	return NewSession(port, "/dev/ttyTEST", PortOptions{}, clock), port, clock
}

func TestSession_SendWritesFrame(t *testing.T) {
	s, port, _ := newTestSession(t)

	buf := frame.Encode(1, "PING", "")
	require.NoError(t, s.Send(buf))
	assert.Equal(t, buf, port.GetWrittenData())
}

func TestSession_SendShortWrite(t *testing.T) {
	s, port, _ := newTestSession(t)
	port.ShortWrite = true

	err := s.Send([]byte("^01|PING|*11$"))
	assert.ErrorIs(t, err, ErrShortWrite)
}

func TestSession_SendWriteError(t *testing.T) {
	s, port, _ := newTestSession(t)
	ioErr := errors.New("device unplugged")
	port.WriteError = ioErr

	err := s.Send([]byte("x"))
	assert.ErrorIs(t, err, ioErr)
}

func TestSession_RecvFrame_DiscardsNoiseBeforeStart(t *testing.T) {
	s, port, _ := newTestSession(t)
	port.AddReadData([]byte("garbage\r\n$$^01|ACK|OK*"))
	port.AddReadData([]byte("4C$"))

	got, err := s.RecvFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "^01|ACK|OK*4C$", string(got))
}

func TestSession_RecvFrame_ByteAtATime(t *testing.T) {
	s, port, _ := newTestSession(t)
	want := frame.Encode(0x10, "ACK", "dist=42")
	for _, b := range want {
		port.AddReadData([]byte{b})
	}

	got, err := s.RecvFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSession_RecvFrame_KeepsBytesAfterEndMarker(t *testing.T) {
	s, port, _ := newTestSession(t)
	first := frame.Encode(1, "ACK", "A")
	second := frame.Encode(2, "ACK", "B")
	port.AddReadData(append(append([]byte(nil), first...), second...))

	got, err := s.RecvFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = s.RecvFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestSession_RecvFrame_StartMarkerInsideFrameIsKept(t *testing.T) {
	s, port, _ := newTestSession(t)
	port.AddReadData([]byte("^01|AC^02|ACK|*"))
	port.AddReadData([]byte("6A$"))

	got, err := s.RecvFrame(time.Second)
	require.NoError(t, err)
	// A '^' inside a frame is just a byte; the decoder rejects the result.
	assert.Equal(t, "^01|AC^02|ACK|*6A$", string(got))
}

func TestSession_RecvFrame_OversizeIsDropped(t *testing.T) {
	s, port, _ := newTestSession(t)
	junk := make([]byte, frame.MaxFrameSize+10)
	junk[0] = frame.StartMarker
	for i := 1; i < len(junk); i++ {
		junk[i] = 'x'
	}
	want := frame.Encode(3, "ACK", "")
	port.AddReadData(junk)
	port.AddReadData(want)

	got, err := s.RecvFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSession_RecvFrame_Timeout(t *testing.T) {
	s, port, clock := newTestSession(t)
	start := clock.Now()
	port.AddReadData([]byte("^01|ACK|no end marker"))

	_, err := s.RecvFrame(600 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	elapsed := clock.Since(start)
	assert.GreaterOrEqual(t, elapsed, 600*time.Millisecond)
	assert.Less(t, elapsed, 700*time.Millisecond)
	assert.LessOrEqual(t, port.ReadTimeout, DefaultPollInterval)
}

func TestSession_RecvFrame_PollBoundedByRemaining(t *testing.T) {
	s, port, _ := newTestSession(t)

	_, err := s.RecvFrame(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 20*time.Millisecond, port.ReadTimeout)
}

func TestSession_RecvFrame_ReadError(t *testing.T) {
	s, port, _ := newTestSession(t)
	ioErr := errors.New("framing error")
	port.ReadError = ioErr

	_, err := s.RecvFrame(time.Second)
	assert.ErrorIs(t, err, ioErr)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestSession_ResetBuffersDropsRetainedBytes(t *testing.T) {
	s, port, _ := newTestSession(t)
	port.AddReadData(append(frame.Encode(1, "ACK", ""), frame.Encode(2, "ACK", "stale")...))

	_, err := s.RecvFrame(time.Second)
	require.NoError(t, err)

	require.NoError(t, s.ResetBuffers())
	assert.Equal(t, 1, port.InputResets)
	assert.Equal(t, 1, port.OutResets)

	_, err = s.RecvFrame(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSession_ResetBuffersJoinsErrors(t *testing.T) {
	s, port, _ := newTestSession(t)
	resetErr := errors.New("ioctl failed")
	port.ResetError = resetErr

	err := s.ResetBuffers()
	assert.ErrorIs(t, err, resetErr)
	assert.Equal(t, 1, port.OutResets, "output reset should still run")
}

func TestSession_PulseReset(t *testing.T) {
	s, port, clock := newTestSession(t)

	require.NoError(t, s.PulseReset(50*time.Millisecond))
	assert.Equal(t, []bool{false, true}, port.DTRHistory)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, clock.Sleeps())
}

func TestSession_PulseResetWithoutControlLines(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	port := NewTestablePort(clock)
	s := NewSession(WithoutControlLines(port), "/dev/ttyACM0", PortOptions{}, clock)

	assert.ErrorIs(t, s.PulseReset(50*time.Millisecond), ErrNoControlLines)
	assert.Empty(t, port.DTRHistory)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, port, _ := newTestSession(t)
	require.True(t, s.IsOpen())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.IsOpen())
	assert.Equal(t, 1, port.CloseCalls)

	assert.ErrorIs(t, s.Send([]byte("x")), ErrClosed)
	_, err := s.RecvFrame(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.ResetBuffers(), ErrClosed)
	assert.ErrorIs(t, s.SetReadTimeout(time.Second), ErrClosed)
}

func TestSession_Accessors(t *testing.T) {
	s, port, _ := newTestSession(t)
	assert.Equal(t, "/dev/ttyTEST", s.Path())
	assert.Equal(t, PortOptions{}, s.Options())

	require.NoError(t, s.SetReadTimeout(time.Second))
	assert.Equal(t, time.Second, port.ReadTimeout)

	var nilSession *Session
	assert.False(t, nilSession.IsOpen())
}

func TestMockOpener(t *testing.T) {
	port := NewTestablePort(nil)
	opener := NewMockOpener(port)
	assert.Nil(t, opener.LastCall())

	got, err := opener.Open("/dev/ttyUSB0", PortOptions{BaudRate: 57600})
	require.NoError(t, err)
	assert.Same(t, port, got)
	require.NotNil(t, opener.LastCall())
	assert.Equal(t, "/dev/ttyUSB0", opener.LastCall().Path)
	assert.Equal(t, 57600, opener.LastCall().Opts.BaudRate)

	opener.Error = errors.New("busy")
	_, err = opener.Open("/dev/ttyUSB0", PortOptions{})
	assert.Error(t, err)
	assert.Len(t, opener.OpenCalls, 2)

	var _ Opener = opener.Open
}
