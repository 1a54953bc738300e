package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAlerts carries low-stock alerts ahead of maintenance work.
	QueueAlerts = "alerts"

	// TaskLowStock reports a position at or below its reorder point.
	TaskLowStock = "inventory:low-stock"
	// TaskLedgerIntegrity scans every tenant for positions that disagree with the ledger.
	TaskLedgerIntegrity = "inventory:ledger-integrity"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LowStockPayload describes the position that crossed its reorder point.
type LowStockPayload struct {
	TenantID     uuid.UUID       `json:"tenant_id"`
	ItemID       uuid.UUID       `json:"item_id"`
	LocationID   uuid.UUID       `json:"location_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Available    decimal.Decimal `json:"available"`
	ReorderPoint decimal.Decimal `json:"reorder_point"`
}

// NewLowStockTask constructs a low-stock alert task.
func NewLowStockTask(payload LowStockPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStock, data, asynq.Queue(QueueAlerts), asynq.MaxRetry(5)), nil
}

// LedgerIntegrityPayload optionally narrows the scan to one tenant.
type LedgerIntegrityPayload struct {
	TenantID uuid.UUID `json:"tenant_id,omitempty"`
}

// NewLedgerIntegrityTask constructs the ledger integrity scan task.
func NewLedgerIntegrityTask(tenantID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerIntegrityPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets how long keys are kept.
type IdempotencyCleanupPayload struct {
	MaxAge time.Duration `json:"max_age"`
}

// NewIdempotencyCleanupTask constructs the idempotency cleanup task.
func NewIdempotencyCleanupTask(maxAge time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{MaxAge: maxAge})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
