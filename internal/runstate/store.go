// Package runstate holds the in-memory map of active runs (spec.md §4.2).
// It is the moral equivalent of the teacher's server.EventLog: a
// single-writer-per-key, multi-reader structure that the owning ingest
// session mutates and everything else (query surface, viewer connect,
// broadcasters) only snapshots.
package runstate

import (
	"sync"

	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/wire"
)

// Store is the process-wide map of run_id -> *Run for runs that are
// currently being ingested. A Run leaves the store exactly once, when its
// owning session drops it after it becomes terminal (spec.md §4.2).
type Store struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{runs: make(map[string]*Run)}
}

// Create registers a new active Run. Returns false if run_id is already
// present (caller is responsible for the index-side duplicate check too;
// spec.md invariant 1 requires uniqueness across both).
func (s *Store) Create(run model.Run) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return nil, false
	}
	r := newRun(run)
	s.runs[run.RunID] = r
	return r, true
}

// Get returns the active Run for run_id, if any.
func (s *Store) Get(runID string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	return r, ok
}

// Has reports whether run_id is currently active, without copying state.
func (s *Store) Has(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[runID]
	return ok
}

// Drop removes run_id from the active map. Called once by the owning
// session after the run becomes terminal (spec.md §4.2).
func (s *Store) Drop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// ActiveRunIDs returns a snapshot of all currently active run ids.
func (s *Store) ActiveRunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	return out
}

// Run is one active run's state: the canonical Run record, its test
// cases keyed both ways, its string table, and per-case subscribers.
// Only the owning ingest session may call the mutating methods; readers
// use RunRecord and the other read-only accessors.
type Run struct {
	mu sync.RWMutex

	run           model.Run
	byFullName    map[string]*TestCase
	byID          map[string]*TestCase
	StringTable   *wire.StringTable
}

func newRun(run model.Run) *Run {
	return &Run{
		run:         run,
		byFullName:  make(map[string]*TestCase),
		byID:        make(map[string]*TestCase),
		StringTable: wire.NewStringTable(),
	}
}

// TestCase pairs the canonical test-case record with its live subscriber
// set (spec.md §3 "Subscriber", §4.6).
type TestCase struct {
	mu          sync.Mutex
	TC          model.TestCase
	subscribers []*Subscriber
}

// Snapshot returns a read-only copy of the test case's canonical record.
func (tc *TestCase) Snapshot() model.TestCase {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.TC
}

// Subscribe registers sub to receive future broadcasts for this case.
// Called by the viewer's connect path (spec.md §4.6); the owning session
// never calls this.
func (tc *TestCase) Subscribe(sub *Subscriber) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.subscribers = append(tc.subscribers, sub)
}

// Unsubscribe removes sub. Called from the viewer's disconnect path.
func (tc *TestCase) Unsubscribe(sub *Subscriber) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i, s := range tc.subscribers {
		if s == sub {
			tc.subscribers = append(tc.subscribers[:i], tc.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends msg to every current subscriber. A subscriber whose send
// fails (buffer full) is dropped on this same pass — ingest never blocks
// on a slow or dead viewer (spec.md §4.6, invariant 9).
func (tc *TestCase) Publish(msg any) {
	tc.mu.Lock()
	subs := make([]*Subscriber, len(tc.subscribers))
	copy(subs, tc.subscribers)
	tc.mu.Unlock()

	var dead []*Subscriber
	for _, s := range subs {
		select {
		case s.Ch <- msg:
		default:
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}
	tc.mu.Lock()
	for _, d := range dead {
		for i, s := range tc.subscribers {
			if s == d {
				tc.subscribers = append(tc.subscribers[:i], tc.subscribers[i+1:]...)
				break
			}
		}
	}
	tc.mu.Unlock()
}
