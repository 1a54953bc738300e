package inventory

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Metrics counts ledger activity. It is a ChangeObserver.
type Metrics struct {
	movements  *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// NewMetrics registers the inventory collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_stock_movements_total",
		Help: "Stock movements appended to the ledger by movement type.",
	}, []string{"type"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_operation_rejections_total",
		Help: "Rejected fulfillment operations by operation and error class.",
	}, []string{"operation", "class"})
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(movements, rejections)
	return &Metrics{movements: movements, rejections: rejections}
}

// Committed implements ChangeObserver.
func (m *Metrics) Committed(_ context.Context, change Change) {
	if m == nil {
		return
	}
	for _, mv := range change.Movements {
		m.movements.WithLabelValues(string(mv.Type)).Inc()
	}
}

// Rejected counts a failed operation by error class.
func (m *Metrics) Rejected(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.rejections.WithLabelValues(operation, ErrorClass(err)).Inc()
}

// ErrorClass names the shared error class of err for labels and logs.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, shared.ErrInvariant):
		return "invariant"
	case errors.Is(err, shared.ErrConflict):
		return "conflict"
	case errors.Is(err, shared.ErrValidation):
		return "validation"
	case errors.Is(err, shared.ErrPrecondition):
		return "precondition"
	default:
		return "internal"
	}
}
