// Package monitoring holds the process-wide diagnostic logger used by the
// link, engine and storage layers.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is a printf-style sink.
type LogFunc func(format string, v ...any)

var current atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes a diagnostic line through the current sink. It is safe to call
// from any goroutine, including while SetLogger runs.
func Logf(format string, v ...any) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the sink and returns the previous one. nil mutes output.
func SetLogger(f LogFunc) (prev LogFunc) {
	if f == nil {
		f = func(string, ...any) {}
	}
	if old := current.Swap(&f); old != nil {
		prev = *old
	}
	return prev
}
