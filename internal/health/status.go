package health

import (
	"time"

	"github.com/aether-proxy/aether-gateway/internal/apiformat"
)

// KeyStatus is the aggregated health view for one provider key across the
// formats it serves.
type KeyStatus struct {
	Score        float64    // Worst score across tracked formats, 1.0 untracked.
	Open         bool       // Any format breaker open.
	OpenFormats  []string   // Formats with an open breaker.
	NextProbeAt  *time.Time // Earliest pending probe among open formats.
	RequestCount int64
	SuccessCount int64
	ErrorCount   int64
	LastErrorAt  *time.Time
}

// Status aggregates the tracker state for a key over the given formats.
func (t *Tracker) Status(keyID uint64, formats []apiformat.Format) KeyStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	status := KeyStatus{Score: 1.0}
	for _, format := range formats {
		st, ok := t.states[stateKey{keyID: keyID, format: format}]
		if !ok {
			continue
		}
		if st.score < status.Score {
			status.Score = st.score
		}
		status.RequestCount += st.requestCount
		status.SuccessCount += st.successCount
		status.ErrorCount += st.errorCount
		if !st.lastErrorAt.IsZero() && (status.LastErrorAt == nil || st.lastErrorAt.After(*status.LastErrorAt)) {
			at := st.lastErrorAt
			status.LastErrorAt = &at
		}
		if st.open {
			status.Open = true
			status.OpenFormats = append(status.OpenFormats, string(format))
			t.healProbeScheduleLocked(st, now)
			if status.NextProbeAt == nil || st.nextProbeAt.Before(*status.NextProbeAt) {
				at := st.nextProbeAt
				status.NextProbeAt = &at
			}
		}
	}
	return status
}

// Overview summarizes the tracker for the admin health dashboard.
type Overview struct {
	TrackedPairs int   `json:"tracked_pairs"`
	OpenCircuits int   `json:"open_circuits"`
	TotalErrors  int64 `json:"total_errors"`
}

// Overview returns aggregate counts across every tracked (key, format) pair.
func (t *Tracker) Overview() Overview {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out Overview
	out.TrackedPairs = len(t.states)
	for _, st := range t.states {
		if st.open {
			out.OpenCircuits++
		}
		out.TotalErrors += st.errorCount
	}
	return out
}
