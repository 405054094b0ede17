// Package testutil provides shared test fixtures: an in-memory robot
// controller for transport.TestablePort and helpers for the debug routes.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/banshee-data/robotctl/internal/frame"
	"github.com/banshee-data/robotctl/internal/timeutil"
	"github.com/banshee-data/robotctl/internal/transport"
)

// ReplyFunc returns the response command and payload for a request frame.
type ReplyFunc func(req frame.Frame) (cmd, payload string)

// Firmware answers every well-formed request with ACK and "CMD=PAYLOAD"
// unless a reply override is registered for the command.
type Firmware struct {
	mu      sync.Mutex
	replies map[string]ReplyFunc
	silent  bool
	sent    []frame.Frame
}

func NewFirmware() *Firmware {
	return &Firmware{replies: make(map[string]ReplyFunc)}
}

// Reply overrides the response to cmd.
func (fw *Firmware) Reply(cmd string, fn ReplyFunc) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.replies[cmd] = fn
}

// Answer makes cmd always ACK with payload.
func (fw *Firmware) Answer(cmd, payload string) {
	fw.Reply(cmd, func(frame.Frame) (string, string) { return "ACK", payload })
}

// SetSilent stops the firmware from answering, as if the robot had hung.
func (fw *Firmware) SetSilent(silent bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.silent = silent
}

// Sent returns the decoded request frames seen so far, including those
// received while silent.
func (fw *Firmware) Sent() []frame.Frame {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]frame.Frame(nil), fw.sent...)
}

// Respond has the TestablePort.Responder signature.
func (fw *Firmware) Respond(written []byte) [][]byte {
	req, err := frame.Decode(written)
	if err != nil {
		return nil
	}

	fw.mu.Lock()
	fw.sent = append(fw.sent, req)
	silent := fw.silent
	reply := fw.replies[req.Cmd]
	fw.mu.Unlock()

	if silent {
		return nil
	}
	cmd, payload := "ACK", req.Cmd+"="+req.Payload
	if reply != nil {
		cmd, payload = reply(req)
	}
	return [][]byte{frame.Encode(req.Seq, cmd, payload)}
}

// Opener returns a MockOpener handing out a fresh TestablePort wired to fw on
// every open. clock may be nil for real time.
func (fw *Firmware) Opener(clock *timeutil.MockClock) *transport.MockOpener {
	opener := &transport.MockOpener{}
	opener.PortFunc = func(int, string, transport.PortOptions) (transport.Port, error) {
		p := transport.NewTestablePort(clock)
		p.Responder = fw.Respond
		return p, nil
	}
	return opener
}

// LocalRequest builds a request from a loopback address, which
// tsweb.AllowDebugAccess requires for /debug/ routes.
func LocalRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}
