// Package notify delivers review-queue notifications to an external
// CloudEvents endpoint. Notifications are written to the outbox in the
// same transaction as the state change that caused them; the relayer
// drains the outbox asynchronously.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/carebill/claimflow/internal/storage"
)

// Sender is a function that delivers one notification to an external
// system. The default implementation uses the CloudEvents HTTP client.
type Sender func(ctx context.Context, n *storage.Notification) error

// Relayer handles background delivery of pending notifications.
type Relayer struct {
	store        storage.Store
	sender       Sender
	targetURL    string
	source       string
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	logger       *slog.Logger

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// RelayerConfig configures the notification relayer.
type RelayerConfig struct {
	// TargetURL is the CloudEvents endpoint to send notifications to.
	TargetURL string
	// Source is the CloudEvents source attribute.
	Source string
	// PollInterval is how often to check for pending notifications.
	// Default: 1 second.
	PollInterval time.Duration
	// BatchSize is the maximum number of notifications per poll.
	// Default: 100.
	BatchSize int
	// MaxAttempts is the maximum number of delivery attempts.
	// Default: 5.
	MaxAttempts int
	// Logger for delivery errors. Default: slog.Default().
	Logger *slog.Logger
	// CustomSender is an optional custom sender. If nil, the default
	// CloudEvents HTTP sender is used.
	CustomSender Sender
}

// NewRelayer creates a new notification relayer.
func NewRelayer(s storage.Store, config RelayerConfig) *Relayer {
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.Source == "" {
		config.Source = "claimflow"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := &Relayer{
		store:        s,
		targetURL:    config.TargetURL,
		source:       config.Source,
		pollInterval: config.PollInterval,
		batchSize:    config.BatchSize,
		maxAttempts:  config.MaxAttempts,
		logger:       config.Logger,
		stopCh:       make(chan struct{}),
	}
	if config.CustomSender != nil {
		r.sender = config.CustomSender
	} else {
		r.sender = r.defaultSender
	}
	return r
}

// Start starts the background relayer.
func (r *Relayer) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the background relayer gracefully.
func (r *Relayer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Relayer) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

func (r *Relayer) processPending(ctx context.Context) {
	pending, err := r.store.PendingNotifications(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to read pending notifications", "error", err)
		return
	}

	for _, n := range pending {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		if err := r.sender(ctx, n); err != nil {
			r.logger.Warn("notification delivery failed",
				"notification_id", n.NotificationID, "run_id", n.RunID,
				"attempts", n.Attempts+1, "error", err)
			if markErr := r.store.MarkNotificationFailed(ctx, n.NotificationID, r.maxAttempts); markErr != nil {
				r.logger.Error("failed to record delivery failure",
					"notification_id", n.NotificationID, "error", markErr)
			}
			continue
		}
		if err := r.store.MarkNotificationSent(ctx, n.NotificationID); err != nil {
			r.logger.Error("failed to mark notification sent",
				"notification_id", n.NotificationID, "error", err)
		}
	}
}

// defaultSender delivers a notification as a CloudEvent over HTTP.
func (r *Relayer) defaultSender(ctx context.Context, n *storage.Notification) error {
	if r.targetURL == "" {
		return fmt.Errorf("target URL not configured")
	}

	ce := cloudevents.NewEvent()
	ce.SetID(n.NotificationID)
	ce.SetType("com.carebill.claimflow." + n.Kind)
	ce.SetSource(r.source)
	ce.SetSubject(n.RunID)
	ce.SetTime(n.CreatedAt)

	var data any
	if len(n.Payload) > 0 {
		if err := json.Unmarshal(n.Payload, &data); err != nil {
			return fmt.Errorf("failed to parse notification payload: %w", err)
		}
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return fmt.Errorf("failed to set event data: %w", err)
	}

	client, err := cloudevents.NewClientHTTP(
		cloudevents.WithTarget(r.targetURL),
	)
	if err != nil {
		return fmt.Errorf("failed to create CloudEvents client: %w", err)
	}

	result := client.Send(ctx, ce)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("failed to send notification: %w", result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("notification not acknowledged: %w", result)
	}
	return nil
}

// RelayOnce processes pending notifications once (useful for testing).
func (r *Relayer) RelayOnce(ctx context.Context) {
	r.processPending(ctx)
}
