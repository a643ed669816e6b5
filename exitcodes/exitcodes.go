// Package exitcodes defines the standard exit codes used by testfleet.
package exitcodes

import (
	"github.com/testfleet/testfleet/types"
)

// Exit code constants used by testfleet. The process exit code reports
// the worst outcome observed across the whole run, so callers can gate
// pipelines on it without parsing output.
const (
	OK               = 0  // Every executed test passed
	TestsFailed      = 1  // One or more tests failed an assertion
	TestsErroneous   = 2  // One or more tests faulted outside assertions
	TestsWarning     = 3  // Tests passed with warnings or rerun demotions
	Interrupted      = 4  // The run was interrupted or aborted
	UnknownException = 5  // The engine itself faulted
	UsageError       = 6  // Invalid command line or configuration
	NoTestsCollected = 7  // Nothing to run
	AllTestsNotRun   = 8  // Tests were collected but none executed
	AllTestsSkipped  = 9  // Every collected test was skipped
)

// FromStats maps the final statistics of a run to its exit code, from
// worst outcome to best.
func FromStats(stats types.Stats) int {
	switch {
	case stats.Totals == 0:
		return NoTestsCollected
	case stats.Count(types.StatusFailed) > 0:
		return TestsFailed
	case stats.Count(types.StatusErroneous) > 0:
		return TestsErroneous
	case stats.Count(types.StatusWarning) > 0:
		return TestsWarning
	case stats.Count(types.StatusNotRun) == stats.Totals:
		return AllTestsNotRun
	case stats.Count(types.StatusSkipped) == stats.Totals:
		return AllTestsSkipped
	default:
		return OK
	}
}
