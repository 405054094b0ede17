package commlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{"ts_utc", "direction", "message", "raw_hex", "seq"}

// record is the serialized shape of an Entry shared by the JSON and CSV
// renderers. Missing raw bytes and sequence numbers are null in JSON.
type record struct {
	TS        string  `json:"ts_utc"`
	Direction string  `json:"direction"`
	Message   string  `json:"message"`
	RawHex    *string `json:"raw_hex"`
	Seq       *int    `json:"seq"`
}

func toRecord(e Entry) record {
	r := record{
		TS:        e.Timestamp(),
		Direction: string(e.Direction),
		Message:   e.Message,
		Seq:       e.Seq,
	}
	if e.RawHex != "" {
		raw := e.RawHex
		r.RawHex = &raw
	}
	return r
}

// writeText writes one line per entry:
//
//	[2025-01-02T03:04:05.678Z] TX "^01|PING| *31$" raw=5e30... seq=1
func writeText(w io.StringWriter, entries []Entry) error {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		var sb strings.Builder
		fmt.Fprintf(&sb, "[%s] %s %q", e.Timestamp(), e.Direction, e.Message)
		if e.RawHex != "" {
			sb.WriteString(" raw=" + e.RawHex)
		}
		if e.Seq != nil {
			sb.WriteString(" seq=" + strconv.Itoa(*e.Seq))
		}
		lines = append(lines, sb.String())
	}
	_, err := w.WriteString(strings.Join(lines, "\n"))
	return err
}

func writeNDJSON(w io.Writer, entries []Entry) error {
	for i, e := range entries {
		b, err := json.Marshal(toRecord(e))
		if err != nil {
			return fmt.Errorf("commlog: encode entry %d: %w", i, err)
		}
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		seq := ""
		if e.Seq != nil {
			seq = strconv.Itoa(*e.Seq)
		}
		if err := cw.Write([]string{e.Timestamp(), string(e.Direction), e.Message, e.RawHex, seq}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseNDJSON reads entries rendered by the json format back.
func ParseNDJSON(r io.Reader) ([]Entry, error) {
	dec := json.NewDecoder(r)
	var out []Entry
	for dec.More() {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("commlog: decode entry %d: %w", len(out), err)
		}
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func fromRecord(rec record) (Entry, error) {
	ts, err := time.Parse(TimeFormat, rec.TS)
	if err != nil {
		return Entry{}, fmt.Errorf("commlog: bad timestamp %q: %w", rec.TS, err)
	}
	e := Entry{
		Time:      ts.UTC(),
		Direction: Direction(rec.Direction),
		Message:   rec.Message,
		Seq:       rec.Seq,
	}
	if rec.RawHex != nil {
		e.RawHex = *rec.RawHex
	}
	return e, nil
}
