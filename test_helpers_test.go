package claimflow

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carebill/claimflow/internal/storage"
)

// createTestApp creates a new App on a temporary SQLite database with
// background intervals tightened for tests.
func createTestApp(t *testing.T, opts ...Option) (*App, func()) {
	t.Helper()
	app, _, cleanup := createTestAppWithPath(t, opts...)
	return app, cleanup
}

// createTestAppWithPath also returns the database path so tests can
// simulate a restart by opening a second App on the same database.
func createTestAppWithPath(t *testing.T, opts ...Option) (*App, string, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "claimflow-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	require.NoError(t, tmpFile.Close())

	app := newTestAppOn(tmpPath, opts...)
	cleanup := func() {
		_ = app.Shutdown(context.Background())
		_ = os.Remove(tmpPath)
	}
	return app, tmpPath, cleanup
}

// newTestAppOn builds an App on an existing database file.
func newTestAppOn(dbPath string, opts ...Option) *App {
	allOpts := append([]Option{
		WithDatabase(dbPath),
		WithTimerCheckInterval(50 * time.Millisecond),
		WithResumptionInterval(100 * time.Millisecond),
		WithStaleLockInterval(200 * time.Millisecond),
		WithBufferWindow(2 * time.Second),
	}, opts...)
	return NewApp(allOpts...)
}

// waitForRunStatus polls until the run reaches the wanted status.
func waitForRunStatus(t *testing.T, app *App, runID string, want storage.RunStatus) *storage.Run {
	t.Helper()

	var run *storage.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = app.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 20*time.Millisecond,
		"run %s did not reach status %s", runID, want)
	return run
}
