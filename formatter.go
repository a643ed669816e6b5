package testfleet

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/types"
)

// printResultsTable renders the run's record trees as a console table,
// one row per suite and case, nested cases prefixed tree-style.
func printResultsTable(out io.Writer, runID string, store *result.Store) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(fmt.Sprintf("Test Results %s (%s)", runID, formatDuration(store.Duration())))

	t.AppendHeader(table.Row{
		"Type", "Name", "ID", "Duration", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Name", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "ID", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, suite := range store.SuiteRecords() {
		appendSuiteRows(t, suite, 0)
	}

	stats := store.Statistics()
	t.AppendFooter(table.Row{
		"Total", stats.Totals, "",
		fmt.Sprintf("passed %d", stats.Count(types.StatusPassed)),
		fmt.Sprintf("failed %d", stats.Count(types.StatusFailed)+stats.Count(types.StatusErroneous)),
		fmt.Sprintf("skipped %d", stats.Count(types.StatusSkipped)),
	})
	t.Render()
}

func appendSuiteRows(t table.Writer, suite *types.SuiteRecord, depth int) {
	t.AppendRow(table.Row{
		"Suite",
		indent(depth) + suite.Name,
		suite.SuiteID,
		"",
		"",
		"",
	})
	for i, child := range suite.Records {
		switch rec := child.(type) {
		case *types.SuiteRecord:
			appendSuiteRows(t, rec, depth+1)
		case *types.CaseRecord:
			prefix := "├─ "
			if i == len(suite.Records)-1 {
				prefix = "└─ "
			}
			t.AppendRow(table.Row{
				"Test",
				indent(depth) + prefix + rec.Name,
				rec.ID,
				formatDuration(rec.Duration()),
				statusCell(rec.Status),
				errorCell(rec),
			})
		}
	}
}

func indent(depth int) string {
	return strings.Repeat("  ", depth)
}

func statusCell(st types.Status) string {
	name := strings.ToUpper(st.String())
	switch st {
	case types.StatusPassed:
		return text.FgGreen.Sprint(name)
	case types.StatusFailed, types.StatusErroneous:
		return text.FgRed.Sprint(name)
	case types.StatusWarning:
		return text.FgYellow.Sprint(name)
	default:
		return name
	}
}

func errorCell(rec *types.CaseRecord) string {
	if rec.Error != nil {
		return rec.Error.Message
	}
	if cp := rec.LastFailingCheckPoint(); cp != nil && cp.Error != nil {
		return cp.Error.Message
	}
	return ""
}

// formatDuration rounds to milliseconds for display.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

// summarizeStats is the one-line run summary printed under the table.
func summarizeStats(stats types.Stats) string {
	parts := []string{fmt.Sprintf("total=%d", stats.Totals)}
	for _, st := range types.AllStatuses {
		if n := stats.Count(st); n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", st, n))
		}
	}
	return strings.Join(parts, " ")
}

// resultLabel is the coarse run outcome used as a metric label.
func resultLabel(stats types.Stats) string {
	switch {
	case stats.Totals == 0:
		return "empty"
	case stats.Count(types.StatusFailed) > 0 || stats.Count(types.StatusErroneous) > 0:
		return "fail"
	case stats.Count(types.StatusWarning) > 0:
		return "warn"
	default:
		return "pass"
	}
}
