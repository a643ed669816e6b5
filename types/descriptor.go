package types

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Kind discriminates the two descriptor shapes. The variant is decided
// once, at deserialization time, never by key-sniffing at use sites.
type Kind string

const (
	KindCase  Kind = "case"
	KindSuite Kind = "suite"
)

// Descriptor is a declarative test definition: either a single case or a
// suite of child descriptors. It is the unit that travels through work
// queues and broker messages.
type Descriptor struct {
	Kind Kind
	ID   string
	Name string
	Path string

	// Case fields.
	Params         map[string]any
	IsPrerequisite bool
	Rerun          *RerunPolicy

	// Suite fields.
	Tests []*Descriptor
	Flat  bool

	// Config carries execution configuration stripped from the top level
	// of a broker payload. Opaque to the engine.
	Config map[string]any
}

// caseJSON and suiteJSON are the wire shapes. A payload with a "tests"
// key is a suite, anything else is a case.
type caseJSON struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Path           string         `json:"path,omitempty"`
	Params         map[string]any `json:"parameters,omitempty"`
	IsPrerequisite bool           `json:"is_prerequisite,omitempty"`
	Rerun          *RerunPolicy   `json:"rerun,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

type suiteJSON struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name,omitempty"`
	Path   string            `json:"path,omitempty"`
	Tests  []json.RawMessage `json:"tests"`
	Flat   bool              `json:"flat,omitempty"`
	Config map[string]any    `json:"config,omitempty"`
}

func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("decoding descriptor: %w", err)
	}
	if _, isSuite := probe["tests"]; isSuite {
		var s suiteJSON
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding suite descriptor: %w", err)
		}
		d.Kind = KindSuite
		d.ID, d.Name, d.Path, d.Flat, d.Config = s.ID, s.Name, s.Path, s.Flat, s.Config
		if d.Name == "" {
			d.Name = "testsuite"
		}
		d.Tests = make([]*Descriptor, 0, len(s.Tests))
		for _, raw := range s.Tests {
			child := new(Descriptor)
			if err := child.UnmarshalJSON(raw); err != nil {
				return err
			}
			d.Tests = append(d.Tests, child)
		}
		return nil
	}
	var c caseJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("decoding case descriptor: %w", err)
	}
	d.Kind = KindCase
	d.ID, d.Name, d.Path = c.ID, c.Name, c.Path
	d.Params, d.IsPrerequisite, d.Rerun, d.Config = c.Params, c.IsPrerequisite, c.Rerun, c.Config
	return nil
}

func (d *Descriptor) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case KindSuite:
		tests := make([]json.RawMessage, 0, len(d.Tests))
		for _, child := range d.Tests {
			raw, err := json.Marshal(child)
			if err != nil {
				return nil, err
			}
			tests = append(tests, raw)
		}
		return json.Marshal(suiteJSON{
			ID: d.ID, Name: d.Name, Path: d.Path,
			Tests: tests, Flat: d.Flat, Config: d.Config,
		})
	default:
		return json.Marshal(caseJSON{
			ID: d.ID, Name: d.Name, Path: d.Path,
			Params: d.Params, IsPrerequisite: d.IsPrerequisite,
			Rerun: d.Rerun, Config: d.Config,
		})
	}
}

// CountCases returns the number of case descriptors in the tree.
func (d *Descriptor) CountCases() int {
	if d.Kind == KindCase {
		return 1
	}
	n := 0
	for _, child := range d.Tests {
		n += child.CountCases()
	}
	return n
}

// HasPrerequisite reports whether any direct child case is flagged as a
// prerequisite. Such a suite must be executed as one atomic unit.
func (d *Descriptor) HasPrerequisite() bool {
	for _, child := range d.Tests {
		if child.Kind == KindCase && child.IsPrerequisite {
			return true
		}
	}
	return false
}

// DisplayName returns the descriptor's name, falling back to the last two
// segments of its dotted path.
func (d *Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	parts := strings.Split(d.Path, ".")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], ".")
	}
	return d.Path
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("<%s id=%s name=%q path=%s>", d.Kind, d.ID, d.Name, d.Path)
}

// Ids are unique within one store's lifetime. When a descriptor arrives
// without one, it is assigned lazily from a monotonic per-process counter
// prefixed with the process name.
var (
	caseCounter  atomic.Int64
	suiteCounter atomic.Int64
	processName  = fmt.Sprintf("%s-%d", filepath.Base(os.Args[0]), os.Getpid())
)

// ProcessName identifies the current OS process in ids and progress
// messages.
func ProcessName() string {
	return processName
}

// NextCaseID returns a fresh case id.
func NextCaseID() string {
	return fmt.Sprintf("%s-tc-%d", processName, caseCounter.Add(1))
}

// NextSuiteID returns a fresh suite id.
func NextSuiteID() string {
	return fmt.Sprintf("%s-ts-%d", processName, suiteCounter.Add(1))
}

// AssignIDs walks the tree and fills in any missing ids. It returns the
// number of cases visited.
func (d *Descriptor) AssignIDs() int {
	if d.Kind == KindCase {
		if d.ID == "" {
			d.ID = NextCaseID()
		}
		return 1
	}
	if d.ID == "" {
		d.ID = NextSuiteID()
	}
	n := 0
	for _, child := range d.Tests {
		n += child.AssignIDs()
	}
	return n
}
