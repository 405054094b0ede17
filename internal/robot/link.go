package robot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/robotctl/internal/monitoring"
	"github.com/banshee-data/robotctl/internal/transport"
)

// ErrProbeFailed is recorded when a freshly opened port does not answer the
// liveness ping.
var ErrProbeFailed = errors.New("robot: no ACK after reopen")

// LinkConfig holds the link-level settings that do not change per call.
type LinkConfig struct {
	// Port and Options are used for the first connection and whenever a
	// reconnect has neither an override nor a previous session to reuse.
	Port    string
	Options transport.PortOptions

	// ProbeTimeout is the base timeout used by liveness pings.
	ProbeTimeout time.Duration

	// AliveMarker, when non-empty, is the ACK payload a liveness ping must
	// carry. Empty means any ACK counts.
	AliveMarker string

	// ResetPulse is how long DTR is held low to reboot the controller.
	ResetPulse time.Duration

	// SettleTime is the wait after opening for the controller to boot.
	SettleTime time.Duration
}

// DefaultLinkConfig returns the settings that suit an Arduino-class
// controller at 9600 baud.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Options:      transport.PortOptions{BaudRate: transport.DefaultBaudRate},
		ProbeTimeout: time.Second,
		ResetPulse:   50 * time.Millisecond,
		SettleTime:   2 * time.Second,
	}
}

// ReconnectOptions controls a single Reconnect call.
type ReconnectOptions struct {
	// Port and BaudRate override the previous session's values when set.
	Port     string
	BaudRate int

	MaxRetries  int
	BaseDelay   time.Duration
	OpenTimeout time.Duration

	// PingCheck requires a liveness ping to pass before a session counts as
	// usable, both for the fast path and after reopening.
	PingCheck bool
}

// DefaultReconnectOptions returns five attempts with a 0.5s doubling delay
// and the ping check enabled.
func DefaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{
		MaxRetries:  5,
		BaseDelay:   500 * time.Millisecond,
		OpenTimeout: time.Second,
		PingCheck:   true,
	}
}

func (o ReconnectOptions) withDefaults() ReconnectOptions {
	d := DefaultReconnectOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = d.OpenTimeout
	}
	return o
}

// Renderer is implemented by recorders that can print their history.
type Renderer interface {
	Render(format string) (string, error)
}

// LinkStatus is a snapshot of the link for display.
type LinkStatus struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port"`
	BaudRate  int    `json:"baud_rate"`
	LastSeq   int    `json:"last_seq"`
}

// Link owns a Client, the serial session it talks over and the means to
// reopen that session. Every method takes the link lock, so a Link may be
// shared between goroutines even though the Client may not.
type Link struct {
	mu      sync.Mutex
	cfg     LinkConfig
	client  *Client
	session *transport.Session
	opener  transport.Opener
}

// NewLink creates a disconnected link. The options configure the embedded
// Client; its clock, recorder and metrics are shared with the link.
func NewLink(cfg LinkConfig, opener transport.Opener, opts ...Option) *Link {
	def := DefaultLinkConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ResetPulse <= 0 {
		cfg.ResetPulse = def.ResetPulse
	}
	if cfg.SettleTime < 0 {
		cfg.SettleTime = 0
	}
	if opener == nil {
		opener = transport.OpenSerial
	}
	return &Link{
		cfg:    cfg,
		client: NewClient(nil, opts...),
		opener: opener,
	}
}

// Connect opens the configured port without a liveness check, as done once at
// startup. It is a single reconnect attempt.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok, err := l.reconnectLocked(ReconnectOptions{MaxRetries: 1, PingCheck: false})
	if !ok {
		return fmt.Errorf("robot: connect %s: %w", l.cfg.Port, err)
	}
	return nil
}

// Do runs fn against the engine while holding the link lock.
func (l *Link) Do(fn func(*Client) (string, error)) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.session.IsOpen() {
		return "", ErrNotConnected
	}
	return fn(l.client)
}

// Request sends one command over the link.
func (l *Link) Request(cmd, payload string) (string, error) {
	return l.Do(func(c *Client) (string, error) {
		return c.Request(cmd, payload)
	})
}

// IsLinkAlive pings the robot using timeout as the base receive timeout and
// reports whether it answered. It never returns an error: any failure,
// including a closed session, is reported as false.
func (l *Link) IsLinkAlive(timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isAliveLocked(timeout)
}

func (l *Link) isAliveLocked(timeout time.Duration) bool {
	alive := l.probeLocked(timeout)
	l.client.metrics.SetLinkAlive(alive)
	return alive
}

func (l *Link) probeLocked(timeout time.Duration) bool {
	if !l.session.IsOpen() {
		return false
	}
	if timeout <= 0 {
		timeout = l.cfg.ProbeTimeout
	}

	prev := l.client.SetBaseTimeout(timeout)
	defer l.client.SetBaseTimeout(prev)

	if err := l.session.ResetBuffers(); err != nil {
		monitoring.Logf("robot: liveness probe on %s: reset buffers: %v", l.session.Path(), err)
		return false
	}

	payload, err := l.client.Ping()
	if err != nil {
		monitoring.Logf("robot: liveness probe on %s failed: %v", l.session.Path(), err)
		return false
	}
	if l.cfg.AliveMarker != "" && payload != l.cfg.AliveMarker {
		monitoring.Logf("robot: liveness probe on %s: ACK payload %q, want %q", l.session.Path(), payload, l.cfg.AliveMarker)
		return false
	}
	return true
}

// Reconnect restores a usable session.
//
// An open session that passes the ping check (or any open session when the
// check is disabled) is kept as is. Otherwise the stale session is closed and
// up to opts.MaxRetries fresh opens are tried, sleeping BaseDelay*2^n before
// attempt n. Each attempt pulses DTR, waits for the controller to boot and
// flushes both directions before probing.
//
// The returned session is the current one, which is closed when ok is false.
// err holds the last failure and is nil when ok is true. Reconnect never
// panics on link errors; callers must check ok.
func (l *Link) Reconnect(opts ReconnectOptions) (*transport.Session, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok, err := l.reconnectLocked(opts)
	l.client.metrics.ObserveReconnect(ok)
	return sess, ok, err
}

func (l *Link) reconnectLocked(opts ReconnectOptions) (*transport.Session, bool, error) {
	opts = opts.withDefaults()
	clock := l.client.clock

	if l.session.IsOpen() {
		if !opts.PingCheck || l.isAliveLocked(l.cfg.ProbeTimeout) {
			return l.session, true, nil
		}
		if err := l.session.Close(); err != nil {
			monitoring.Logf("robot: closing stale session on %s: %v", l.session.Path(), err)
		}
	}

	path, portOpts := l.resolveTarget(opts)

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			clock.Sleep(opts.BaseDelay << attempt)
		}

		port, err := l.opener(path, portOpts)
		if err != nil {
			monitoring.Logf("robot: reconnect attempt %d/%d: %v", attempt+1, opts.MaxRetries, err)
			lastErr = err
			continue
		}

		sess := transport.NewSession(port, path, portOpts, clock)
		l.session = sess
		l.client.SetTransport(sess)

		if err := l.prepareLocked(sess, opts.OpenTimeout); err != nil {
			monitoring.Logf("robot: reconnect attempt %d/%d: %v", attempt+1, opts.MaxRetries, err)
			lastErr = err
			sess.Close()
			continue
		}

		if !opts.PingCheck || l.isAliveLocked(l.cfg.ProbeTimeout) {
			monitoring.Logf("robot: reconnected on %s (%s)", path, portOpts)
			return sess, true, nil
		}

		lastErr = ErrProbeFailed
		if err := sess.Close(); err != nil {
			monitoring.Logf("robot: closing unresponsive session on %s: %v", path, err)
		}
	}

	monitoring.Logf("robot: reconnect failed after %d attempts. Last error: %v", opts.MaxRetries, lastErr)
	return l.session, false, lastErr
}

func (l *Link) prepareLocked(sess *transport.Session, openTimeout time.Duration) error {
	if err := sess.SetReadTimeout(openTimeout); err != nil {
		return err
	}
	if err := sess.PulseReset(l.cfg.ResetPulse); err != nil {
		monitoring.Logf("robot: DTR reset on %s skipped: %v", sess.Path(), err)
	}
	l.client.clock.Sleep(l.cfg.SettleTime)
	return sess.ResetBuffers()
}

// resolveTarget picks the port and serial options: explicit overrides first,
// then the previous session, then the link configuration.
func (l *Link) resolveTarget(opts ReconnectOptions) (string, transport.PortOptions) {
	path := l.cfg.Port
	portOpts := l.cfg.Options
	if l.session != nil {
		path = l.session.Path()
		portOpts = l.session.Options()
	}

	if opts.Port != "" {
		path = opts.Port
	}
	if opts.BaudRate > 0 {
		portOpts.BaudRate = opts.BaudRate
	}
	if portOpts.BaudRate <= 0 {
		portOpts.BaudRate = transport.DefaultBaudRate
	}
	return path, portOpts
}

// History renders the communication log in format ("txt", "json" or "csv").
func (l *Link) History(format string) (string, error) {
	r, ok := l.client.recorder.(Renderer)
	if !ok {
		return "", errors.New("robot: recorder does not keep history")
	}
	return r.Render(format)
}

// Status returns a snapshot of the link state.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := LinkStatus{
		Connected: l.session.IsOpen(),
		Port:      l.cfg.Port,
		BaudRate:  l.cfg.Options.BaudRate,
		LastSeq:   int(l.client.LastSeq()),
	}
	if l.session != nil {
		st.Port = l.session.Path()
		st.BaudRate = l.session.Options().BaudRate
	}
	return st
}

// Close closes the current session, if any.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return nil
	}
	return l.session.Close()
}
