package testfleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/exitcodes"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newRunOnceApp(t *testing.T, cfg *Config) *App {
	t.Helper()
	cfg.RunOnce = true
	cfg.Processes = 1
	cfg.Log = log.New()
	app, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)
	return app
}

func TestAppRunOncePassing(t *testing.T) {
	runner.Default.Case("app.happy.a", func(c *runner.CaseCtx) error {
		c.Checkpoint("ok", true)
		return nil
	})
	runner.Default.Case("app.happy.b", func(c *runner.CaseCtx) error {
		c.Checkpoint("ok", true)
		return nil
	})

	plan := writePlan(t, `{"name":"smoke","tests":[{"path":"app.happy.a"},{"path":"app.happy.b"}]}`)
	app := newRunOnceApp(t, &Config{TestFile: plan})

	require.NoError(t, app.Start(context.Background()))

	stats := app.Result().Statistics()
	assert.Equal(t, 2, stats.Totals)
	assert.Equal(t, 2, stats.Count(types.StatusPassed))
}

func TestAppRunOnceFailureCarriesExitCode(t *testing.T) {
	runner.Default.Case("app.sad.a", func(c *runner.CaseCtx) error {
		return runner.Failf("expected 2, got 3")
	})

	plan := writePlan(t, `[{"path":"app.sad.a"}]`)
	app := newRunOnceApp(t, &Config{TestFile: plan})

	err := app.Start(context.Background())
	require.Error(t, err)

	var outcome *OutcomeError
	require.True(t, errors.As(err, &outcome))
	assert.Equal(t, exitcodes.TestsFailed, outcome.Code)
	assert.Equal(t, exitcodes.TestsFailed, ExitCodeForError(err))
}

func TestAppRerunMarksRecoveredCaseAsWarning(t *testing.T) {
	attempts := 0
	runner.Default.Case("app.flaky.a", func(c *runner.CaseCtx) error {
		attempts++
		if attempts == 1 {
			return runner.Failf("flaky")
		}
		c.Checkpoint("ok", true)
		return nil
	})

	plan := writePlan(t, `[{"path":"app.flaky.a"}]`)
	app := newRunOnceApp(t, &Config{TestFile: plan, Rerun: 1, RerunAsWarning: true})

	err := app.Start(context.Background())
	require.Error(t, err)
	var outcome *OutcomeError
	require.True(t, errors.As(err, &outcome))
	assert.Equal(t, exitcodes.TestsWarning, outcome.Code)

	assert.Equal(t, 2, attempts)
	stats := app.Result().Statistics()
	assert.Equal(t, 1, stats.Count(types.StatusWarning))
	for _, rec := range app.Result().CaseRecords() {
		assert.NotEmpty(t, rec.RerunCauses)
	}
}

func TestAppMissingPlanIsRuntimeError(t *testing.T) {
	app := newRunOnceApp(t, &Config{TestFile: filepath.Join(t.TempDir(), "absent.json")})

	err := app.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Equal(t, exitcodes.UnknownException, ExitCodeForError(err))
}

func TestLoadPlanSingleAndArrayForms(t *testing.T) {
	single := writePlan(t, `{"path":"p.g.a"}`)
	batch, err := loadPlan(single)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, types.KindCase, batch[0].Kind)

	array := writePlan(t, `[{"path":"p.g.a"},{"name":"s","tests":[{"path":"p.g.b"}]}]`)
	batch, err = loadPlan(array)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, types.KindSuite, batch[1].Kind)
}
