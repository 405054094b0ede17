// Package commlog keeps an in-memory record of every frame exchanged with
// the robot and renders it for people and tools.
package commlog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/banshee-data/robotctl/internal/monitoring"
	"github.com/banshee-data/robotctl/internal/timeutil"
)

// TimeFormat is ISO 8601 in UTC with millisecond precision and a Z suffix.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Direction of a logged frame relative to this host.
type Direction string

const (
	TX Direction = "TX"
	RX Direction = "RX"
)

// ErrUnsupportedFormat is returned for unknown render formats and save
// extensions.
var ErrUnsupportedFormat = errors.New(`commlog: unsupported format, use "txt", "json" or "csv"`)

// Entry is one logged frame.
type Entry struct {
	Time      time.Time
	Direction Direction
	// Message is the frame text, or its hex encoding if it is not UTF-8.
	Message string
	// RawHex is the lower-case hex of the raw bytes, empty when none were
	// supplied.
	RawHex string
	Seq    *int
}

// Timestamp formats e.Time with TimeFormat.
func (e Entry) Timestamp() string {
	return e.Time.UTC().Format(TimeFormat)
}

// Sink receives a copy of every entry as it is recorded.
type Sink interface {
	Append(session string, e Entry) error
}

// Log is a thread-safe, append-only record of serial traffic. It satisfies
// the recorder and renderer interfaces of the robot package.
type Log struct {
	mu      sync.Mutex
	session string
	clock   timeutil.Clock
	entries []Entry
	sinks   []Sink
}

// New creates an empty log with a fresh session id. A nil clock means the
// real clock.
func New(clock timeutil.Clock) *Log {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Log{
		session: uuid.NewString(),
		clock:   clock,
	}
}

// Session returns the id that tags entries forwarded to sinks.
func (l *Log) Session() string { return l.session }

// AddSink registers s to receive every entry recorded from now on.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

func (l *Log) RecordOutgoing(text string, raw []byte, seq int) {
	l.Record(TX, text, raw, &seq)
}

func (l *Log) RecordIncoming(text string, raw []byte, seq int) {
	l.Record(RX, text, raw, &seq)
}

// Record appends an entry. raw and seq are optional.
func (l *Log) Record(dir Direction, message string, raw []byte, seq *int) {
	if !utf8.ValidString(message) {
		message = hex.EncodeToString([]byte(message))
	}
	e := Entry{
		Time:      l.clock.Now().UTC(),
		Direction: dir,
		Message:   message,
	}
	if raw != nil {
		e.RawHex = hex.EncodeToString(raw)
	}
	if seq != nil {
		s := *seq
		e.Seq = &s
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Append(l.session, e); err != nil {
			monitoring.Logf("commlog: sink append failed: %v", err)
		}
	}
}

// Entries returns a copy of all entries in recording order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops all entries. Sinks keep what they already received.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Render returns the whole log in format "txt", "json" (one JSON object per
// line) or "csv" (with header). Format names are case-insensitive.
func (l *Log) Render(format string) (string, error) {
	entries := l.Entries()
	var sb strings.Builder
	var err error

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "txt", "":
		err = writeText(&sb, entries)
	case "json":
		err = writeNDJSON(&sb, entries)
	case "csv":
		err = writeCSV(&sb, entries)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// String renders the log as text.
func (l *Log) String() string {
	s, _ := l.Render("txt")
	return s
}

// FormatForPath maps a file extension to a render format.
func FormatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return "txt", nil
	case ".json":
		return "json", nil
	case ".csv":
		return "csv", nil
	}
	return "", fmt.Errorf("%w: extension %q, use .txt, .json or .csv", ErrUnsupportedFormat, filepath.Ext(path))
}

// Save writes the log to path in the format implied by its extension.
func (l *Log) Save(path string) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	data, err := l.Render(format)
	if err != nil {
		return err
	}
	if format == "txt" && data != "" {
		data += "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("commlog: save %s: %w", path, err)
	}
	return nil
}
