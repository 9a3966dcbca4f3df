package host

import (
	"sort"
	"sync"
	"time"

	"github.com/itohio/gotasknode/pkg/report"
)

// DefaultWindow is the default tracking window.
const DefaultWindow = 10 * time.Second

// Event is one observed report of a task.
type Event struct {
	Time time.Time
	OK   bool
}

// TaskStats summarizes the reports of one task.
type TaskStats struct {
	Name       string
	Total      int           // Reports since tracking started
	Errors     int           // Read error reports since tracking started
	InWindow   int           // Reports inside the window
	MeanPeriod time.Duration // Mean interval between reports inside the window
}

// Tracker keeps a time window of report events per task.
// Events older than the window are removed based on timestamp, not count.
type Tracker struct {
	window time.Duration

	mu     sync.RWMutex
	events map[string][]Event // FIFO per task, oldest first
	totals map[string]*TaskStats
}

// NewTracker creates a tracker. A zero window selects DefaultWindow.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window: window,
		events: make(map[string][]Event),
		totals: make(map[string]*TaskStats),
	}
}

// Add records l as observed at t.
func (tr *Tracker) Add(l report.Line, t time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	st, ok := tr.totals[l.Task]
	if !ok {
		st = &TaskStats{Name: l.Task}
		tr.totals[l.Task] = st
	}
	st.Total++
	if !l.OK {
		st.Errors++
	}

	events := append(tr.events[l.Task], Event{Time: t, OK: l.OK})

	cutoff := t.Add(-tr.window)
	cut := 0
	for cut < len(events) && events[cut].Time.Before(cutoff) {
		cut++
	}
	tr.events[l.Task] = events[cut:]
}

// Stats returns per task statistics sorted by task name.
func (tr *Tracker) Stats() []TaskStats {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	result := make([]TaskStats, 0, len(tr.totals))
	for name, st := range tr.totals {
		s := *st
		events := tr.events[name]
		s.InWindow = len(events)
		if len(events) > 1 {
			span := events[len(events)-1].Time.Sub(events[0].Time)
			s.MeanPeriod = span / time.Duration(len(events)-1)
		}
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Events returns the windowed events of a task, oldest first.
func (tr *Tracker) Events(task string) []Event {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return append([]Event(nil), tr.events[task]...)
}

// Reset clears all tracking data.
func (tr *Tracker) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = make(map[string][]Event)
	tr.totals = make(map[string]*TaskStats)
}
