package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a node in a result tree: either a *CaseRecord or a
// *SuiteRecord. Exactly one record tree is produced per descriptor tree.
type Record interface {
	RecordID() string
	recordNode()
}

// CaseRecord is the outcome of one case. It is mutated only by the
// goroutine executing the case and becomes immutable once the owning
// runner finishes, except for controlled rerun merges.
type CaseRecord struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Path        string       `json:"path,omitempty"`
	Status      Status       `json:"status"`
	CheckPoints []CheckPoint `json:"checkpoints,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	StoppedAt   *time.Time   `json:"stopped_at,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
	RerunCauses []string     `json:"rerun_causes,omitempty"`
	BenchName   string       `json:"bench_name,omitempty"`
	BenchType   string       `json:"bench_type,omitempty"`
}

func (r *CaseRecord) RecordID() string { return r.ID }
func (r *CaseRecord) recordNode()      {}

// Duration is the wall-clock run time, zero until both timestamps are set.
func (r *CaseRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.StoppedAt == nil {
		return 0
	}
	return r.StoppedAt.Sub(*r.StartedAt)
}

// LastFailingCheckPoint returns the most recent checkpoint carrying an
// error, or nil.
func (r *CaseRecord) LastFailingCheckPoint() *CheckPoint {
	for i := len(r.CheckPoints) - 1; i >= 0; i-- {
		if r.CheckPoints[i].Error != nil {
			return &r.CheckPoints[i]
		}
	}
	return nil
}

// Merge overwrites this record with the outcome of a rerun, keeping the
// identity stable. Rerun-cause history is managed by the caller.
func (r *CaseRecord) Merge(other *CaseRecord) {
	causes := r.RerunCauses
	*r = *other
	r.RerunCauses = causes
}

func (r *CaseRecord) String() string {
	return fmt.Sprintf("<case-record id=%s status=%s>", r.ID, r.Status)
}

// SuiteRecord mirrors a suite descriptor 1:1 and holds the ordered child
// records.
type SuiteRecord struct {
	SuiteID string   `json:"suite_id"`
	Name    string   `json:"name,omitempty"`
	Path    string   `json:"path,omitempty"`
	Records []Record `json:"records"`
}

func (r *SuiteRecord) RecordID() string { return r.SuiteID }
func (r *SuiteRecord) recordNode()      {}

// Add appends a child record.
func (r *SuiteRecord) Add(child Record) {
	r.Records = append(r.Records, child)
}

// Cases collects every case record in the tree into an id-keyed map.
func (r *SuiteRecord) Cases(into map[string]*CaseRecord) {
	for _, child := range r.Records {
		switch c := child.(type) {
		case *CaseRecord:
			into[c.ID] = c
		case *SuiteRecord:
			c.Cases(into)
		}
	}
}

// Stats holds per-status case counts for one record tree.
type Stats struct {
	Totals int            `json:"totals"`
	Counts map[Status]int `json:"counts"`
}

// NewStats returns a zero-filled Stats.
func NewStats() Stats {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	return Stats{Counts: counts}
}

// Observe tallies one case record.
func (s *Stats) Observe(r *CaseRecord) {
	s.Counts[r.Status]++
	s.Totals++
}

// Count returns the tally for one status.
func (s Stats) Count(st Status) int { return s.Counts[st] }

// recordEnvelope is the wire form of a Record, discriminated by kind.
type recordEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// suiteRecordJSON avoids recursing through the interface-typed Records
// slice during (un)marshalling.
type suiteRecordJSON struct {
	SuiteID string           `json:"suite_id"`
	Name    string           `json:"name,omitempty"`
	Path    string           `json:"path,omitempty"`
	Records []recordEnvelope `json:"records"`
}

func (r *SuiteRecord) MarshalJSON() ([]byte, error) {
	out := suiteRecordJSON{SuiteID: r.SuiteID, Name: r.Name, Path: r.Path}
	out.Records = make([]recordEnvelope, 0, len(r.Records))
	for _, child := range r.Records {
		env, err := marshalRecord(child)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, env)
	}
	return json.Marshal(out)
}

func (r *SuiteRecord) UnmarshalJSON(data []byte) error {
	var in suiteRecordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.SuiteID, r.Name, r.Path = in.SuiteID, in.Name, in.Path
	r.Records = make([]Record, 0, len(in.Records))
	for _, env := range in.Records {
		child, err := unmarshalRecord(env)
		if err != nil {
			return err
		}
		r.Records = append(r.Records, child)
	}
	return nil
}

func marshalRecord(rec Record) (recordEnvelope, error) {
	var kind string
	switch rec.(type) {
	case *CaseRecord:
		kind = "case"
	case *SuiteRecord:
		kind = "suite"
	default:
		return recordEnvelope{}, fmt.Errorf("unknown record type %T", rec)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return recordEnvelope{}, err
	}
	return recordEnvelope{Kind: kind, Payload: payload}, nil
}

func unmarshalRecord(env recordEnvelope) (Record, error) {
	switch env.Kind {
	case "case":
		rec := new(CaseRecord)
		return rec, json.Unmarshal(env.Payload, rec)
	case "suite":
		rec := new(SuiteRecord)
		return rec, json.Unmarshal(env.Payload, rec)
	}
	return nil, fmt.Errorf("unknown record kind %q", env.Kind)
}
