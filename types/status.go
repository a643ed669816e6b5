package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the terminal outcome of a single test case.
type Status int

const (
	StatusNotRun Status = iota
	StatusPassed
	StatusWarning
	StatusFailed
	StatusSkipped
	StatusErroneous
	StatusRejected
	StatusCanceled
)

var statusNames = map[Status]string{
	StatusNotRun:    "not_run",
	StatusPassed:    "passed",
	StatusWarning:   "warning",
	StatusFailed:    "failed",
	StatusSkipped:   "skipped",
	StatusErroneous: "erroneous",
	StatusRejected:  "rejected",
	StatusCanceled:  "canceled",
}

// AllStatuses lists every status in declaration order. Used when building
// zero-filled statistics maps.
var AllStatuses = []Status{
	StatusNotRun, StatusPassed, StatusWarning, StatusFailed,
	StatusSkipped, StatusErroneous, StatusRejected, StatusCanceled,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsTerminalFailure reports whether the status should trip fail-fast.
func (s Status) IsTerminalFailure() bool {
	return s == StatusFailed || s == StatusErroneous
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	// Accept both the string form and the legacy numeric form.
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		for st, n := range statusNames {
			if n == strings.ToLower(name) {
				*s = st
				return nil
			}
		}
		return fmt.Errorf("unknown status %q", name)
	}
	var num int
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = Status(num)
	return nil
}

// CheckPointStatus is the outcome of a single recorded assertion step.
type CheckPointStatus int

const (
	CheckPointPassed CheckPointStatus = iota
	CheckPointWarning
	CheckPointFailed
)

// CheckPoint records one assertion or step outcome inside a case. The
// case's overall status is derived from its checkpoints and any error.
type CheckPoint struct {
	Name   string           `json:"name"`
	Status CheckPointStatus `json:"status"`
	Error  *ErrorInfo       `json:"error,omitempty"`
}
