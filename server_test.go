package claimflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebill/claimflow/internal/storage"
)

func TestHandlerEventIngestion(t *testing.T) {
	app, cleanup := createTestApp(t)
	defer cleanup()

	workflow := ackWorkflow("http-ack-flow", 0)
	RegisterWorkflow(app, workflow)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	runID, err := StartRun(ctx, app, workflow, "C-700")
	require.NoError(t, err)
	waitForRunStatus(t, app, runID, storage.StatusWaiting)

	body := `{
		"specversion": "1.0",
		"id": "evt-1",
		"source": "clearinghouse",
		"type": "payer.ack",
		"datacontenttype": "application/json",
		"data": {"claim_id": "C-700", "accepted": true}
	}`
	resp, err := http.Post(server.URL+"/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitForRunStatus(t, app, runID, storage.StatusCompleted)
}

func TestHandlerEventRequiresType(t *testing.T) {
	app, cleanup := createTestApp(t)
	defer cleanup()
	require.NoError(t, app.Start(context.Background()))
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/events", "application/json",
		strings.NewReader(`{"specversion":"1.0","id":"evt-2","source":"x"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerGetRun(t *testing.T) {
	app, cleanup := createTestApp(t)
	defer cleanup()

	workflow := DefineWorkflow("http-get-flow",
		func(rc *RunContext, _ struct{}) (string, error) { return "ok", nil })
	RegisterWorkflow(app, workflow)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	runID, err := StartRun(ctx, app, workflow, struct{}{})
	require.NoError(t, err)
	waitForRunStatus(t, app, runID, storage.StatusCompleted)

	resp, err := http.Get(server.URL + "/runs/" + runID)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run storage.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, storage.StatusCompleted, run.Status)

	missing, err := http.Get(server.URL + "/runs/no-such-run")
	require.NoError(t, err)
	defer func() { _ = missing.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHandlerCancelAndRetryConflicts(t *testing.T) {
	app, cleanup := createTestApp(t)
	defer cleanup()

	workflow := DefineWorkflow("http-conflict-flow",
		func(rc *RunContext, _ struct{}) (string, error) { return "ok", nil })
	RegisterWorkflow(app, workflow)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	runID, err := StartRun(ctx, app, workflow, struct{}{})
	require.NoError(t, err)
	waitForRunStatus(t, app, runID, storage.StatusCompleted)

	// Completed runs can be neither cancelled nor retried.
	resp, err := http.Post(server.URL+"/runs/"+runID+"/cancel", "application/json",
		strings.NewReader(`{"reason":"too late"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(server.URL+"/runs/"+runID+"/retry", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlerListRuns(t *testing.T) {
	app, cleanup := createTestApp(t)
	defer cleanup()

	workflow := DefineWorkflow("http-list-flow",
		func(rc *RunContext, _ struct{}) (string, error) { return "ok", nil })
	RegisterWorkflow(app, workflow)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	for i := 0; i < 3; i++ {
		runID, err := StartRun(ctx, app, workflow, struct{}{})
		require.NoError(t, err)
		waitForRunStatus(t, app, runID, storage.StatusCompleted)
	}

	resp, err := http.Get(server.URL + "/runs?limit=2&status=completed")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Runs          []storage.Run `json:"runs"`
		NextPageToken string        `json:"next_page_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Runs, 2)
	assert.NotEmpty(t, page.NextPageToken)

	bad, err := http.Get(server.URL + "/runs?limit=zero")
	require.NoError(t, err)
	defer func() { _ = bad.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHandlerHealthProbes(t *testing.T) {
	app, cleanup := createTestApp(t)
	defer cleanup()
	require.NoError(t, app.Start(context.Background()))
	server := httptest.NewServer(app.Handler())
	defer server.Close()

	live, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = live.Body.Close() }()
	assert.Equal(t, http.StatusOK, live.StatusCode)

	ready, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	defer func() { _ = ready.Body.Close() }()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}
