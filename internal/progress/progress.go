// Package progress tracks completion percentage for running evaluations.
// Writes are fire-and-forget and monotonic per run; readers may observe
// stale values, which is fine because progress is never used for control
// flow.
package progress

import "sync"

// Update is one progress report for a run.
type Update struct {
	Percentage float64
	Message    string
}

// Tracker holds the latest progress per run ID. The zero value is not
// usable; call NewTracker.
type Tracker struct {
	// OnUpdate, if set, is invoked after each accepted report, e.g. to
	// mirror progress into the store. Errors are the callback's problem;
	// the tracker never blocks on delivery guarantees.
	OnUpdate func(id string, u Update)

	mu   sync.RWMutex
	runs map[string]Update
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]Update)}
}

// Report records progress for a run. Reports that would move the
// percentage backwards are dropped: the counter is monotonic within a run.
func (t *Tracker) Report(id string, percentage float64, message string) {
	t.mu.Lock()
	cur, ok := t.runs[id]
	if ok && percentage < cur.Percentage {
		t.mu.Unlock()
		return
	}
	u := Update{Percentage: percentage, Message: message}
	t.runs[id] = u
	t.mu.Unlock()

	if t.OnUpdate != nil {
		t.OnUpdate(id, u)
	}
}

// Get returns the latest progress for a run.
func (t *Tracker) Get(id string) (Update, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.runs[id]
	return u, ok
}

// Forget drops a finished run's progress.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, id)
}
