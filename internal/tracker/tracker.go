// Package tracker accumulates download outcomes for one pool run.
package tracker

import (
	"maps"
	"sync"

	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
)

// Tracker collects one outcome per URL. Writers may call Record concurrently; the result set
// can only be read after Seal, so callers never observe a partial run.
type Tracker struct {
	mu       sync.Mutex
	results  entity.ResultSet
	recorded int
	sealed   bool
}

// New creates a Tracker sized for expected outcomes.
func New(expected int) *Tracker {
	return &Tracker{results: make(entity.ResultSet, max(expected, 0))}
}

// Record stores outcome under its URL. A later outcome for the same URL replaces the earlier one.
// Records after Seal are ignored.
func (t *Tracker) Record(outcome entity.DownloadOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return
	}

	t.results[outcome.URL] = outcome
	t.recorded++
}

// Recorded returns how many outcomes were recorded, duplicates included.
func (t *Tracker) Recorded() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.recorded
}

// Seal marks the run as drained.
func (t *Tracker) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sealed = true
}

// Snapshot returns a copy of the result set, or errs.ErrNotDrained before Seal.
func (t *Tracker) Snapshot() (entity.ResultSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sealed {
		return nil, errs.ErrNotDrained
	}

	return maps.Clone(t.results), nil
}
