package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dshield/mcp-analytics/internal/errs"
)

// ErrorRecord is one entry in the error aggregator's bounded ring.
type ErrorRecord struct {
	Code      int       `json:"code"`
	Kind      errs.Kind `json:"kind"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorAggregator maintains a bounded ring of recent error records and
// windowed counts per kind, emitting a structured observability event
// exactly once per threshold crossing per window. This is one of the
// three pieces of process-lifetime global mutable state; constructed at
// startup, torn down (idempotently — Reset is safe to call twice) when
// the transport loop exits.
type ErrorAggregator struct {
	mu sync.Mutex

	ring     []ErrorRecord
	capacity int
	window   time.Duration

	warningThreshold  int
	criticalThreshold int

	// crossed tracks which (kind, windowStart, level) triples have
	// already fired, so a crossing only emits once per window.
	crossed map[string]bool
}

func NewErrorAggregator(capacity int, window time.Duration, warningThreshold, criticalThreshold int) *ErrorAggregator {
	if capacity <= 0 {
		capacity = 500
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ErrorAggregator{
		capacity:          capacity,
		window:            window,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
		crossed:           make(map[string]bool),
	}
}

// Record appends an error to the ring, trims it to capacity (dropping the
// oldest record first, matching the teacher's recentAnalyses trim idiom),
// and checks whether this kind has crossed a threshold in the current
// window.
func (a *ErrorAggregator) Record(rec ErrorRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	a.ring = append(a.ring, rec)
	if len(a.ring) > a.capacity {
		a.ring = a.ring[len(a.ring)-a.capacity:]
	}

	windowStart := rec.Timestamp.Truncate(a.window)
	count := a.countInWindow(rec.Kind, windowStart)

	for level, threshold := range map[string]int{"warning": a.warningThreshold, "critical": a.criticalThreshold} {
		if threshold <= 0 || count < threshold {
			continue
		}
		key := string(rec.Kind) + "|" + windowStart.String() + "|" + level
		if a.crossed[key] {
			continue
		}
		a.crossed[key] = true
		log.Warn().
			Str("kind", string(rec.Kind)).
			Str("level", level).
			Int("count", count).
			Time("window_start", windowStart).
			Msg("resilience: error-kind threshold crossed")
	}
}

func (a *ErrorAggregator) countInWindow(kind errs.Kind, windowStart time.Time) int {
	windowEnd := windowStart.Add(a.window)
	n := 0
	for _, r := range a.ring {
		if r.Kind == kind && !r.Timestamp.Before(windowStart) && r.Timestamp.Before(windowEnd) {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the current ring contents, most recent last.
func (a *ErrorAggregator) Snapshot() []ErrorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ErrorRecord, len(a.ring))
	copy(out, a.ring)
	return out
}

// Reset clears the ring and crossing bookkeeping. Idempotent.
func (a *ErrorAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = nil
	a.crossed = make(map[string]bool)
}
