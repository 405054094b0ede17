package commlog

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Stats summarises request round-trip times found in a log.
type Stats struct {
	TX       int           `json:"tx"`
	RX       int           `json:"rx"`
	Matched  int           `json:"matched"`
	Resends  int           `json:"resends"`
	Mean     time.Duration `json:"mean"`
	StdDev   time.Duration `json:"stddev"`
	P95      time.Duration `json:"p95"`
	Min      time.Duration `json:"min"`
	Max      time.Duration `json:"max"`
	Unpaired int           `json:"unpaired"`
}

// Stats pairs each RX entry with the latest earlier TX entry carrying the same
// sequence number and reports the distribution of those round trips. A TX
// that repeats the sequence of the TX before it counts as a resend.
func (l *Log) Stats() Stats {
	return ComputeStats(l.Entries())
}

// ComputeStats is Stats over an arbitrary entry slice.
func ComputeStats(entries []Entry) Stats {
	var st Stats
	lastTX := map[int]time.Time{}
	prevSeq := -1
	var rtts []float64

	for _, e := range entries {
		switch e.Direction {
		case TX:
			st.TX++
			if e.Seq == nil {
				continue
			}
			if *e.Seq == prevSeq {
				st.Resends++
			}
			prevSeq = *e.Seq
			lastTX[*e.Seq] = e.Time
		case RX:
			st.RX++
			if e.Seq == nil {
				st.Unpaired++
				continue
			}
			sent, ok := lastTX[*e.Seq]
			if !ok {
				st.Unpaired++
				continue
			}
			delete(lastTX, *e.Seq)
			rtts = append(rtts, float64(e.Time.Sub(sent)))
		}
	}

	st.Matched = len(rtts)
	if len(rtts) == 0 {
		return st
	}

	sort.Float64s(rtts)
	st.Mean = time.Duration(stat.Mean(rtts, nil))
	if len(rtts) > 1 {
		st.StdDev = time.Duration(stat.StdDev(rtts, nil))
	}
	st.P95 = time.Duration(stat.Quantile(0.95, stat.Empirical, rtts, nil))
	st.Min = time.Duration(rtts[0])
	st.Max = time.Duration(rtts[len(rtts)-1])
	return st
}
