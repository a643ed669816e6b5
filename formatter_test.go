package testfleet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/types"
)

func TestPrintResultsTableRendersTree(t *testing.T) {
	store := result.NewStore()
	suite := &types.SuiteRecord{SuiteID: "ts-1", Name: "smoke"}
	suite.Add(&types.CaseRecord{ID: "tc-1", Name: "login", Status: types.StatusPassed})
	suite.Add(&types.CaseRecord{
		ID: "tc-2", Name: "checkout", Status: types.StatusFailed,
		Error: &types.ErrorInfo{Message: "expected 200, got 500"},
	})
	store.AddSuiteRecord(suite)

	var buf bytes.Buffer
	printResultsTable(&buf, "run-1", store)
	out := buf.String()

	assert.Contains(t, out, "smoke")
	assert.Contains(t, out, "login")
	assert.Contains(t, out, "checkout")
	assert.Contains(t, out, "expected 200, got 500")
	assert.Contains(t, out, "run-1")
}

func TestSummarizeStats(t *testing.T) {
	stats := types.NewStats()
	stats.Observe(&types.CaseRecord{Status: types.StatusPassed})
	stats.Observe(&types.CaseRecord{Status: types.StatusPassed})
	stats.Observe(&types.CaseRecord{Status: types.StatusFailed})

	assert.Equal(t, "total=3 passed=2 failed=1", summarizeStats(stats))
}

func TestResultLabel(t *testing.T) {
	empty := types.NewStats()
	assert.Equal(t, "empty", resultLabel(empty))

	pass := types.NewStats()
	pass.Observe(&types.CaseRecord{Status: types.StatusPassed})
	assert.Equal(t, "pass", resultLabel(pass))

	warn := types.NewStats()
	warn.Observe(&types.CaseRecord{Status: types.StatusWarning})
	assert.Equal(t, "warn", resultLabel(warn))

	fail := types.NewStats()
	fail.Observe(&types.CaseRecord{Status: types.StatusErroneous})
	assert.Equal(t, "fail", resultLabel(fail))
}
