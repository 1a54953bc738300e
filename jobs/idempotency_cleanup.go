package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/multierr"

	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

// DefaultIdempotencyRetention is how long keys survive when the task sets no age.
const DefaultIdempotencyRetention = 72 * time.Hour

// KeyCleaner removes idempotency keys older than a cutoff for one tenant.
type KeyCleaner interface {
	Cleanup(ctx context.Context, tenantID uuid.UUID, olderThan time.Duration) error
}

// IdempotencyCleanupJob expires idempotency keys tenant by tenant.
type IdempotencyCleanupJob struct {
	Tenants TenantLister
	Keys    KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(tenants TenantLister, keys KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Tenants: tenants, Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("idempotency cleanup payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.MaxAge <= 0 {
		payload.MaxAge = DefaultIdempotencyRetention
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)

	tenants, err := j.Tenants.ListActive(ctx)
	if err != nil {
		return tracker.End(fmt.Errorf("list tenants: %w", err))
	}
	var errs error
	for _, id := range tenants {
		if err := j.Keys.Cleanup(ctx, id, payload.MaxAge); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tenant %s: %w", id, err))
		}
	}
	if j.Logger != nil {
		j.Logger.Info("idempotency cleanup completed", slog.Int("tenants", len(tenants)), slog.Duration("max_age", payload.MaxAge))
	}
	return tracker.End(errs)
}
