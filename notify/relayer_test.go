package notify

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebill/claimflow/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "claimflow-notify-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	require.NoError(t, tmpFile.Close())

	store, err := storage.NewSQLiteStore(tmpPath)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(tmpPath)
	})
	return store
}

var notificationClock = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func addNotification(t *testing.T, store *storage.SQLStore, id, kind string) {
	t.Helper()
	notificationClock = notificationClock.Add(time.Second)
	require.NoError(t, store.AddNotification(context.Background(), &storage.Notification{
		NotificationID: id,
		RunID:          "run-1",
		Kind:           kind,
		Payload:        []byte(`{"claim_id":"C-1"}`),
		CreatedAt:      notificationClock,
	}))
}

func TestRelayOnceDeliversPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addNotification(t, store, "n-1", storage.NotificationRunReview)
	addNotification(t, store, "n-2", storage.NotificationRunFailed)

	var sent []*storage.Notification
	relayer := NewRelayer(store, RelayerConfig{
		CustomSender: func(_ context.Context, n *storage.Notification) error {
			sent = append(sent, n)
			return nil
		},
	})

	relayer.RelayOnce(ctx)
	require.Len(t, sent, 2)
	assert.Equal(t, "n-1", sent[0].NotificationID, "oldest first")

	pending, err := store.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayRetriesUntilDead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addNotification(t, store, "n-1", storage.NotificationRunReview)

	attempts := 0
	relayer := NewRelayer(store, RelayerConfig{
		MaxAttempts: 3,
		CustomSender: func(context.Context, *storage.Notification) error {
			attempts++
			return fmt.Errorf("endpoint down")
		},
	})

	for i := 0; i < 3; i++ {
		relayer.RelayOnce(ctx)
	}
	assert.Equal(t, 3, attempts)

	// A fourth pass finds nothing: the notification is dead-lettered,
	// not retried forever.
	relayer.RelayOnce(ctx)
	assert.Equal(t, 3, attempts)

	pending, err := store.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayFailureKeepsNotificationPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addNotification(t, store, "n-1", storage.NotificationWaitExpiry)

	fail := true
	relayer := NewRelayer(store, RelayerConfig{
		MaxAttempts: 5,
		CustomSender: func(context.Context, *storage.Notification) error {
			if fail {
				return fmt.Errorf("endpoint down")
			}
			return nil
		},
	})

	relayer.RelayOnce(ctx)
	pending, err := store.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	fail = false
	relayer.RelayOnce(ctx)
	pending, err = store.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "delivery succeeds once the endpoint recovers")
}

func TestDefaultSenderRequiresTarget(t *testing.T) {
	store := newTestStore(t)
	relayer := NewRelayer(store, RelayerConfig{})

	err := relayer.defaultSender(context.Background(), &storage.Notification{
		NotificationID: "n-1",
		Kind:           storage.NotificationRunFailed,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target URL")
}
