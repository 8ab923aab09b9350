package monitor

import (
	"sort"
	"sync"
	"time"
)

// DegradedPosition is a position whose price could not be read for
// threshold consecutive sweeps.
type DegradedPosition struct {
	PositionID string    `json:"position_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Failures   int       `json:"consecutive_failures"`
	Since      time.Time `json:"since"`
	LastError  string    `json:"last_error"`
}

type failureState struct {
	DegradedPosition
	degraded bool
}

// failureTracker counts consecutive price failures per position.
type failureTracker struct {
	mu        sync.Mutex
	threshold int
	byID      map[string]*failureState
}

func newFailureTracker(threshold int) *failureTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &failureTracker{threshold: threshold, byID: make(map[string]*failureState)}
}

// fail records a failure and reports whether the position just became degraded.
func (t *failureTracker) fail(id, userID, symbol string, err error, at time.Time) (DegradedPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		st = &failureState{DegradedPosition: DegradedPosition{PositionID: id, UserID: userID, Symbol: symbol}}
		t.byID[id] = st
	}
	st.Failures++
	st.LastError = err.Error()
	if st.degraded || st.Failures < t.threshold {
		return st.DegradedPosition, false
	}
	st.degraded = true
	st.Since = at
	return st.DegradedPosition, true
}

// reset clears a position's failures and reports whether it had been degraded.
func (t *failureTracker) reset(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	return st.degraded
}

// retain forgets positions that are no longer monitored.
func (t *failureTracker) retain(ids map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.byID {
		if _, ok := ids[id]; !ok {
			delete(t.byID, id)
		}
	}
}

func (t *failureTracker) degraded() []DegradedPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []DegradedPosition
	for _, st := range t.byID {
		if st.degraded {
			out = append(out, st.DegradedPosition)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}
