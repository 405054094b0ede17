// Package robot implements the request/response protocol spoken by the robot
// controller and the supervisor that keeps the serial link to it usable.
//
// Client is the protocol engine: it sends one framed request at a time and
// waits for the matching ACK or NACK, retrying with exponential backoff.
// Link wraps a Client with the serial session it talks over and serializes
// access for concurrent callers.
package robot

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/robotctl/internal/frame"
	"github.com/banshee-data/robotctl/internal/metrics"
	"github.com/banshee-data/robotctl/internal/monitoring"
	"github.com/banshee-data/robotctl/internal/timeutil"
	"github.com/banshee-data/robotctl/internal/transport"
)

const (
	DefaultBaseTimeout = 600 * time.Millisecond
	DefaultMaxRetries  = 3
)

// Transport is the part of a serial session the engine needs.
// *transport.Session satisfies it.
type Transport interface {
	Send(frame []byte) error
	RecvFrame(timeout time.Duration) ([]byte, error)
}

// Recorder receives every frame the engine sends and every frame it decodes.
// The engine never reads the record back.
type Recorder interface {
	RecordOutgoing(text string, raw []byte, seq int)
	RecordIncoming(text string, raw []byte, seq int)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutgoing(string, []byte, int) {}
func (nopRecorder) RecordIncoming(string, []byte, int) {}

// Client is the protocol engine. It is not safe for concurrent use and owns
// its Transport exclusively; use Link to share one between goroutines.
type Client struct {
	transport Transport
	recorder  Recorder
	clock     timeutil.Clock
	metrics   *metrics.LinkMetrics

	seq         byte
	baseTimeout time.Duration
	maxRetries  int
}

// Option configures a Client.
type Option func(*Client)

func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

func WithClock(clock timeutil.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithMetrics(m *metrics.LinkMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBaseTimeout sets the receive timeout of the first attempt.
func WithBaseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseTimeout = d
		}
	}
}

// WithMaxRetries caps the number of sends per request, including sends made
// after a BAD_CS NACK.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// NewClient creates an engine over t, which may be nil until SetTransport is
// called.
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		transport:   t,
		recorder:    nopRecorder{},
		clock:       timeutil.RealClock{},
		baseTimeout: DefaultBaseTimeout,
		maxRetries:  DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTransport replaces the transport used for subsequent requests. The
// sequence counter carries over.
func (c *Client) SetTransport(t Transport) { c.transport = t }

// SetBaseTimeout changes the first-attempt timeout and returns the previous
// value so callers can restore it.
func (c *Client) SetBaseTimeout(d time.Duration) time.Duration {
	prev := c.baseTimeout
	if d > 0 {
		c.baseTimeout = d
	}
	return prev
}

func (c *Client) BaseTimeout() time.Duration { return c.baseTimeout }
func (c *Client) MaxRetries() int            { return c.maxRetries }

// LastSeq returns the sequence number used by the most recent request.
func (c *Client) LastSeq() byte { return c.seq }

func (c *Client) nextSeq() byte {
	c.seq++
	return c.seq
}

// Request sends cmd with payload and returns the payload of the matching ACK.
//
// Each attempt sends the frame and waits up to the current backoff for a
// reply. A receive timeout or an undecodable reply doubles the backoff. A
// reply carrying another sequence number or an unknown command is dropped and
// the frame is resent at the same backoff. A NACK with reason BAD_CS restarts
// the exchange under a fresh sequence number with the backoff reset to base.
// Every one of these consumes an attempt from the same budget, so a request
// never sends more than MaxRetries frames. Any other NACK fails immediately
// with *NackError. Running out of attempts returns *ExhaustedError, which
// matches ErrTimeout. Transport errors other than a timeout end the request.
func (c *Client) Request(cmd, payload string) (string, error) {
	if c.transport == nil {
		return "", ErrNotConnected
	}

	start := c.clock.Now()
	seq := c.nextSeq()
	buf := frame.Encode(seq, cmd, payload)
	backoff := c.baseTimeout

	var last error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.transport.Send(buf); err != nil {
			c.metrics.ObserveRequest(cmd, metrics.OutcomeIOError, c.clock.Since(start))
			return "", fmt.Errorf("robot: send %s: %w", cmd, err)
		}
		c.metrics.FrameSent()
		c.recorder.RecordOutgoing(string(buf), buf, int(seq))

		raw, err := c.transport.RecvFrame(backoff)
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) {
				c.metrics.ObserveRequest(cmd, metrics.OutcomeIOError, c.clock.Since(start))
				return "", fmt.Errorf("robot: receive %s: %w", cmd, err)
			}
			monitoring.Logf("robot: %s seq %02X attempt %d/%d timed out after %v", cmd, seq, attempt, c.maxRetries, backoff)
			c.metrics.Retry(cmd, metrics.ReasonTimeout)
			last = err
			backoff *= 2
			continue
		}

		resp, err := frame.Decode(raw)
		if err != nil {
			monitoring.Logf("robot: %s seq %02X attempt %d/%d: %v", cmd, seq, attempt, c.maxRetries, err)
			c.metrics.Retry(cmd, metrics.ReasonDecode)
			last = err
			backoff *= 2
			continue
		}
		c.metrics.FrameReceived()
		c.recorder.RecordIncoming(resp.String(), raw, int(resp.Seq))

		if resp.Seq != seq {
			monitoring.Logf("robot: %s got seq %02X, want %02X; resending", cmd, resp.Seq, seq)
			c.metrics.Retry(cmd, metrics.ReasonSeq)
			last = fmt.Errorf("%w: got %02X, want %02X", ErrSeqMismatch, resp.Seq, seq)
			continue
		}

		switch resp.Cmd {
		case CmdACK:
			c.metrics.ObserveRequest(cmd, metrics.OutcomeACK, c.clock.Since(start))
			return resp.Payload, nil

		case CmdNACK:
			nack := &NackError{Cmd: cmd, Seq: seq, Reason: resp.Payload}
			if resp.Payload != NackBadChecksum {
				c.metrics.ObserveRequest(cmd, metrics.OutcomeNACK, c.clock.Since(start))
				return "", nack
			}
			seq = c.nextSeq()
			buf = frame.Encode(seq, cmd, payload)
			backoff = c.baseTimeout
			monitoring.Logf("robot: %s rejected with %s; restarting as seq %02X", cmd, NackBadChecksum, seq)
			c.metrics.Retry(cmd, metrics.ReasonBadCS)
			last = nack

		default:
			monitoring.Logf("robot: %s got unexpected response %q; resending", cmd, resp.Cmd)
			c.metrics.Retry(cmd, metrics.ReasonUnknown)
			last = fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.Cmd)
		}
	}

	c.metrics.ObserveRequest(cmd, metrics.OutcomeTimeout, c.clock.Since(start))
	return "", &ExhaustedError{Cmd: cmd, Attempts: c.maxRetries, Last: last}
}
