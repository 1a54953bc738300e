package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

// LowStockJob reports positions that fell to their reorder point.
type LowStockJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockJob initialises the low-stock handler.
func NewLowStockJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockJob {
	return &LowStockJob{Logger: logger, Metrics: metrics}
}

// Handle logs and counts one alert.
func (j *LowStockJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LowStockPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("low stock payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "stock at reorder point",
		slog.String("tenant_id", payload.TenantID.String()),
		slog.String("item_id", payload.ItemID.String()),
		slog.String("location_id", payload.LocationID.String()),
		slog.String("quantity", payload.Quantity.String()),
		slog.String("available", payload.Available.String()),
		slog.String("reorder_point", payload.ReorderPoint.String()),
	)
	j.Metrics.IncLowStock()
	return nil
}
