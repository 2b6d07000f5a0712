package claims

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebill/claimflow"
	"github.com/carebill/claimflow/internal/storage"
)

// waitForRemittanceRun polls for the single auto-posting run started by
// a trigger event and returns it once it reaches the wanted status.
func waitForRemittanceRun(t *testing.T, app *claimflow.App, want storage.RunStatus) *storage.Run {
	t.Helper()
	var run *storage.Run
	require.Eventually(t, func() bool {
		page, err := app.ListRuns(context.Background(), storage.ListRunsOptions{
			WorkflowFilter: WorkflowRemittance,
		})
		if err != nil || len(page.Runs) != 1 {
			return false
		}
		run = page.Runs[0]
		return run.Status == want
	}, 5*time.Second, 20*time.Millisecond,
		"no %s run of %s", want, WorkflowRemittance)
	return run
}

func TestRemittanceEventStartsPostingRun(t *testing.T) {
	claim := testClaim("C-2000")
	gateway := &fakeGateway{remittances: map[string]Remittance{
		"TXN-10": {RemittanceID: "R-10", ClaimID: "C-2000", PaidAmount: 15000},
	}}
	env := newTestEnv(t, gateway, newFakeClaimStore(claim))
	ctx := context.Background()

	// No lifecycle run is waiting on this claim: the announcement
	// starts a fresh auto-posting run that retrieves the detail.
	require.NoError(t, env.app.SubmitEvent(ctx, EventRemittanceArrived,
		mustJSON(t, RemittanceNotice{TransactionID: "TXN-10"})))

	run := waitForRemittanceRun(t, env.app, storage.StatusCompleted)
	result, err := claimflow.GetRunResult[PostingResult](ctx, env.app, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "R-10", result.Output.RemittanceID)
	assert.Equal(t, int64(15000), result.Output.PaidAmount)
	assert.False(t, result.Output.Underpaid)

	gateway.mu.Lock()
	retrieveCalls := gateway.retrieveCalls
	gateway.mu.Unlock()
	assert.Equal(t, 1, retrieveCalls, "the detail is retrieved exactly once")

	assert.Len(t, env.ledger.postings, 1)
	assert.Equal(t, []ClaimStatus{ClaimPaid}, env.claims.history("C-2000"))
}

func TestRemittanceEventUnderpaymentFlagsReview(t *testing.T) {
	claim := testClaim("C-2100")
	gateway := &fakeGateway{remittances: map[string]Remittance{
		"TXN-11": {RemittanceID: "R-11", ClaimID: "C-2100", PaidAmount: 5000},
	}}
	env := newTestEnv(t, gateway, newFakeClaimStore(claim))
	ctx := context.Background()

	require.NoError(t, env.app.SubmitEvent(ctx, EventRemittanceArrived,
		mustJSON(t, RemittanceNotice{TransactionID: "TXN-11"})))

	run := waitForRemittanceRun(t, env.app, storage.StatusCompleted)
	result, err := claimflow.GetRunResult[PostingResult](ctx, env.app, run.RunID)
	require.NoError(t, err)
	assert.True(t, result.Output.Underpaid)

	assert.Equal(t, []ClaimStatus{ClaimPartiallyPd}, env.claims.history("C-2100"))
	assert.Len(t, pendingByKind(t, env.app, storage.NotificationRunReview), 1)
}

func TestRemittanceEventMissingIdentifiersFailsRun(t *testing.T) {
	// The payer returns a transaction without remittance or claim IDs.
	gateway := &fakeGateway{remittances: map[string]Remittance{
		"TXN-12": {PaidAmount: 1000},
	}}
	env := newTestEnv(t, gateway, newFakeClaimStore())
	ctx := context.Background()

	require.NoError(t, env.app.SubmitEvent(ctx, EventRemittanceArrived,
		mustJSON(t, RemittanceNotice{TransactionID: "TXN-12"})))

	run := waitForRemittanceRun(t, env.app, storage.StatusFailed)
	assert.Contains(t, run.ErrorMessage, "missing identifiers")
	assert.Empty(t, env.ledger.postings)
}

func TestRemittanceEventMissingTransactionIDFailsRun(t *testing.T) {
	gateway := &fakeGateway{}
	env := newTestEnv(t, gateway, newFakeClaimStore())
	ctx := context.Background()

	require.NoError(t, env.app.SubmitEvent(ctx, EventRemittanceArrived,
		mustJSON(t, RemittanceNotice{})))

	run := waitForRemittanceRun(t, env.app, storage.StatusFailed)
	assert.Contains(t, run.ErrorMessage, "missing transaction id")

	gateway.mu.Lock()
	retrieveCalls := gateway.retrieveCalls
	gateway.mu.Unlock()
	assert.Zero(t, retrieveCalls, "nothing to retrieve without a transaction id")
}

func TestRemittanceArrivalDoesNotDisturbLifecycleRun(t *testing.T) {
	claim := testClaim("C-2200")
	gateway := &fakeGateway{remittances: map[string]Remittance{
		"TXN-13": {RemittanceID: "R-12", ClaimID: "C-2200", PaidAmount: 15000},
	}}
	env := newTestEnv(t, gateway, newFakeClaimStore(claim))
	ctx := context.Background()

	runID, err := claimflow.StartRun(ctx, env.app, env.service.LifecycleWorkflow(), claim)
	require.NoError(t, err)
	waitForStatus(t, env.app, runID, storage.StatusWaiting)
	require.NoError(t, env.app.SubmitEvent(ctx, EventClaimAck,
		mustJSON(t, Acknowledgement{ClaimID: "C-2200", Accepted: true})))
	waitForStatus(t, env.app, runID, storage.StatusWaiting)

	// The lifecycle run waits on its own remittance event name, so the
	// arrival event spawns an auto-posting run rather than racing it.
	require.NoError(t, env.app.SubmitEvent(ctx, EventRemittanceArrived,
		mustJSON(t, RemittanceNotice{TransactionID: "TXN-13"})))
	waitForRemittanceRun(t, env.app, storage.StatusCompleted)

	// The lifecycle run is still waiting on its correlated event.
	run, err := env.app.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaiting, run.Status)

	require.NoError(t, claimflow.CancelRun(ctx, env.app, runID, "posted out of band"))
}
