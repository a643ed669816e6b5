// Package result implements the store that accumulates hierarchical
// outcome records from one or more producers. Within one process the
// store is shared across goroutines; across processes each child owns a
// private copy whose case records are merged back into the authoritative
// parent store by id.
package result

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/types"
)

// PauseInterval is how long consumers sleep between pause-flag polls.
const PauseInterval = 500 * time.Millisecond

// Store accumulates suite records and bench usage snapshots, and carries
// the coarse pause/abort flags observed by every consumer between test
// items.
type Store struct {
	mu           sync.Mutex
	suiteRecords []*types.SuiteRecord
	benchRecords []*bench.Record
	startedAt    time.Time
	stoppedAt    time.Time

	// Totals is the expected case count when known up front (queue
	// distribution); Drained counts records merged so far.
	Totals  int
	Drained atomic.Int64

	FailFast bool

	pause atomic.Bool
	abort atomic.Bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Pause asks all consumers of this store to stop scheduling new items.
// Cooperative: an item already executing is unaffected.
func (s *Store) Pause() { s.pause.Store(true) }

// Resume clears the pause flag.
func (s *Store) Resume() { s.pause.Store(false) }

// Abort asks all consumers to stop permanently. In-flight items run to
// completion.
func (s *Store) Abort() { s.abort.Store(true) }

func (s *Store) ShouldPause() bool { return s.pause.Load() }
func (s *Store) ShouldAbort() bool { return s.abort.Load() }

// MarkStarted records the run start once; later runners sharing the store
// keep the earliest timestamp.
func (s *Store) MarkStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		s.startedAt = time.Now().UTC()
	}
}

// MarkStopped records the run end.
func (s *Store) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedAt = time.Now().UTC()
}

// StartedAt returns the run start time, zero if the run never started.
func (s *Store) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Duration is the wall-clock span of the run, zero until finished.
func (s *Store) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() || s.stoppedAt.IsZero() {
		return 0
	}
	return s.stoppedAt.Sub(s.startedAt)
}

// AddSuiteRecord registers a top-level suite record tree.
func (s *Store) AddSuiteRecord(rec *types.SuiteRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suiteRecords = append(s.suiteRecords, rec)
}

// AddBenchRecord appends a resource usage snapshot.
func (s *Store) AddBenchRecord(rec *bench.Record) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.benchRecords = append(s.benchRecords, rec)
}

// SuiteRecords returns a snapshot of the top-level suite records.
func (s *Store) SuiteRecords() []*types.SuiteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.SuiteRecord, len(s.suiteRecords))
	copy(out, s.suiteRecords)
	return out
}

// BenchRecords returns a snapshot of the bench usage records.
func (s *Store) BenchRecords() []*bench.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*bench.Record, len(s.benchRecords))
	copy(out, s.benchRecords)
	return out
}

// CaseRecords flattens the record trees into an id-keyed map.
func (s *Store) CaseRecords() map[string]*types.CaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*types.CaseRecord)
	for _, rec := range s.suiteRecords {
		rec.Cases(out)
	}
	return out
}

// Statistics computes per-status counts by flattening the record trees.
func (s *Store) Statistics() types.Stats {
	stats := types.NewStats()
	for _, rec := range s.CaseRecords() {
		stats.Observe(rec)
	}
	return stats
}

// Update merges a rerun's outcome into this store. Records are matched by
// id; the prior failure trace is appended to the rerun-cause history. A
// FAILED or ERRONEOUS record that now PASSED is downgraded to WARNING
// when markAsWarning is set.
func (s *Store) Update(other *Store, markAsWarning bool) {
	oldRecords := s.CaseRecords()
	for id, newRec := range other.CaseRecords() {
		oldRec, ok := oldRecords[id]
		if !ok {
			continue
		}
		causes := oldRec.RerunCauses
		oldStatus := oldRec.Status

		switch oldStatus {
		case types.StatusFailed:
			if cp := oldRec.LastFailingCheckPoint(); cp != nil {
				causes = append(causes, cp.Error.String())
			} else if oldRec.Error != nil {
				causes = append(causes, oldRec.Error.String())
			}
		case types.StatusErroneous:
			if oldRec.Error != nil {
				causes = append(causes, oldRec.Error.String())
			}
		}

		oldRec.Merge(newRec)
		oldRec.RerunCauses = causes

		if markAsWarning && newRec.Status == types.StatusPassed &&
			(oldStatus == types.StatusFailed || oldStatus == types.StatusErroneous) {
			oldRec.Status = types.StatusWarning
		}
	}
}

// Extend appends another store's records, widening the run window to
// cover both.
func (s *Store) Extend(other *Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	s.suiteRecords = append(s.suiteRecords, other.suiteRecords...)
	s.benchRecords = append(s.benchRecords, other.benchRecords...)

	if !other.startedAt.IsZero() && (s.startedAt.IsZero() || other.startedAt.Before(s.startedAt)) {
		s.startedAt = other.startedAt
	}
	if other.stoppedAt.After(s.stoppedAt) {
		s.stoppedAt = other.stoppedAt
	}
}

// Snapshot is the serializable view of a store, used to report a child
// process's private store back over the control channel.
type Snapshot struct {
	SuiteRecords []*types.SuiteRecord `json:"suite_records"`
	BenchRecords []*bench.Record      `json:"bench_records,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	StoppedAt    *time.Time           `json:"stopped_at,omitempty"`
	Stats        types.Stats          `json:"stats"`
}

// Snapshot captures the current state for serialization.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{
		SuiteRecords: s.SuiteRecords(),
		BenchRecords: s.BenchRecords(),
		Stats:        s.Statistics(),
	}
	s.mu.Lock()
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		snap.StoppedAt = &t
	}
	s.mu.Unlock()
	return snap
}

// MarshalJSON serializes the snapshot form.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
