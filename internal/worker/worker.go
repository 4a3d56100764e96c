// Package worker relays outbox records written by order transactions to the
// configured event publisher.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/manzil/internal/events"
	"github.com/dukerupert/manzil/internal/repository"
	"github.com/dukerupert/manzil/internal/telemetry"
)

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance
	WorkerID string

	// PollInterval is how often to check for pending records
	PollInterval time.Duration

	// BatchSize is the maximum number of records relayed per transaction
	BatchSize int32

	// MaxConcurrency is the maximum number of relay passes running at once.
	// Passes never see the same rows because pending records are locked
	// with SKIP LOCKED.
	MaxConcurrency int
}

// Worker drains the outbox table into a publisher.
type Worker struct {
	config    Config
	store     repository.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// NewWorker creates a new outbox relay worker
func NewWorker(
	store repository.Store,
	publisher events.Publisher,
	config Config,
	logger *slog.Logger,
) *Worker {
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("relay-%s", uuid.New().String()[:8])
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}

	return &Worker{
		config:    config,
		store:     store,
		publisher: publisher,
		logger:    logger.With("worker_id", config.WorkerID),
	}
}

// Start relays records until the context is cancelled. In-flight passes are
// allowed to finish before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting",
		"poll_interval", w.config.PollInterval,
		"batch_size", w.config.BatchSize,
		"max_concurrency", w.config.MaxConcurrency,
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, w.config.MaxConcurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			wg.Wait()
			return ctx.Err()

		case <-ticker.C:
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					w.drain(ctx)
				}()
			default:
				// At max concurrency, skip this poll
			}
		}
	}
}

// drain relays batches until one comes back short or fails.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.RelayOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("outbox relay failed", "error", err)
				telemetry.CaptureError(err, map[string]interface{}{"worker_id": w.config.WorkerID})
			}
			return
		}
		if n < int(w.config.BatchSize) {
			return
		}
	}
}

// RelayOnce publishes one batch of pending records and marks them sent in
// the same transaction. When publishing fails the transaction rolls back and
// the records are retried on a later pass, so delivery is at least once.
func (w *Worker) RelayOnce(ctx context.Context) (int, error) {
	ctx, finish := telemetry.StartSpan(ctx, "outbox.relay", w.config.WorkerID)
	defer finish()

	var relayed int
	err := w.store.ExecTx(ctx, func(q repository.Querier) error {
		pending, err := q.FetchPendingOutbox(ctx, w.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch outbox: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		msgs := make([]events.Message, len(pending))
		ids := make([]int64, len(pending))
		for i, rec := range pending {
			msgs[i] = events.Message{
				Topic:   rec.Topic,
				Key:     rec.Key,
				Payload: rec.Payload,
			}
			ids[i] = rec.ID
		}

		if err := w.publisher.Publish(ctx, msgs...); err != nil {
			if telemetry.Business != nil {
				telemetry.Business.OutboxFailed.Inc()
			}
			return fmt.Errorf("failed to publish %d records: %w", len(msgs), err)
		}

		if err := q.MarkOutboxSent(ctx, ids); err != nil {
			return fmt.Errorf("failed to mark outbox sent: %w", err)
		}
		relayed = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if relayed > 0 {
		if telemetry.Business != nil {
			telemetry.Business.OutboxRelayed.Add(float64(relayed))
			telemetry.Business.OutboxBatch.Observe(float64(relayed))
		}
		w.logger.Debug("outbox relayed", "count", relayed)
	}
	return relayed, nil
}
