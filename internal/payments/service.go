package payments

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// RepositoryPort describes the persistence used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error
	GetPayment(ctx context.Context, tenantID, id uuid.UUID) (Payment, error)
	GetInvoice(ctx context.Context, tenantID uuid.UUID, ref InvoiceRef) (Invoice, error)
	ListInvoiceAllocations(ctx context.Context, tenantID uuid.UUID, ref InvoiceRef) ([]Allocation, error)
}

// AuditPort records audit entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// RejectionRecorder counts failed operations.
type RejectionRecorder interface {
	Rejected(operation string, err error)
}

// Service applies payments to invoices and reverses them.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	rejections  RejectionRecorder
	now         func() time.Time
}

// Config groups optional collaborators.
type Config struct {
	Audit       AuditPort
	Idempotency *shared.IdempotencyStore
	Rejections  RejectionRecorder
}

// NewService constructs a payment service.
func NewService(repo RepositoryPort, cfg Config) *Service {
	return &Service{
		repo:        repo,
		audit:       cfg.Audit,
		idempotency: cfg.Idempotency,
		rejections:  cfg.Rejections,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreatePaymentInput describes a payment and how it is split across invoices.
type CreatePaymentInput struct {
	TenantID       uuid.UUID
	Type           PaymentType
	Amount         decimal.Decimal
	Currency       string
	Method         string
	PaymentDate    time.Time
	Reference      string
	Notes          string
	Allocations    []AllocationInput
	ActorID        uuid.UUID
	IdempotencyKey string
}

// AllocationInput applies Amount to one invoice. An empty InvoiceType follows
// the payment type.
type AllocationInput struct {
	InvoiceType InvoiceType
	InvoiceID   uuid.UUID
	Amount      decimal.Decimal
}

// CreatePayment records a payment and applies every allocation in one
// transaction. The payment completes when its allocations consume it fully.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (Payment, error) {
	payment, refs, err := s.preparePayment(ctx, input)
	if err != nil {
		s.reject("create_payment", err)
		return Payment{}, err
	}

	err = s.idempotency.Guard(ctx, input.TenantID, input.IdempotencyKey, "payments.create", func() error {
		return s.repo.WithTx(ctx, input.TenantID, func(ctx context.Context, tx TxRepository) error {
			payment.Status = StatusPending
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}
			invoices, err := lockInvoices(ctx, tx, refs)
			if err != nil {
				return err
			}
			var errs error
			for i, alloc := range payment.Allocations {
				ref := InvoiceRef{Type: alloc.InvoiceType, ID: alloc.InvoiceID}
				inv := invoices[ref]
				if err := checkPayable(inv, payment.Currency); err != nil {
					errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: alloc.InvoiceID, Err: err})
					continue
				}
				updated, err := ApplyPayment(inv, alloc.Amount, s.now())
				if err != nil {
					errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: alloc.InvoiceID, Err: err})
					continue
				}
				invoices[ref] = updated
			}
			if errs != nil {
				return errs
			}
			for _, alloc := range payment.Allocations {
				if err := tx.InsertAllocation(ctx, alloc); err != nil {
					return err
				}
			}
			for _, ref := range refs {
				if err := tx.UpdateInvoice(ctx, invoices[ref]); err != nil {
					return err
				}
			}
			if payment.Allocated().Equal(payment.Amount) {
				payment.Status = StatusCompleted
				return tx.UpdatePayment(ctx, payment)
			}
			return nil
		})
	})
	if err != nil {
		s.reject("create_payment", err)
		return Payment{}, err
	}
	s.recordAudit(ctx, input.TenantID, input.ActorID, "payments:create", payment.ID, map[string]any{
		"number":      payment.Number,
		"amount":      payment.Amount.String(),
		"allocations": len(payment.Allocations),
		"status":      payment.Status,
	})
	return payment, nil
}

// preparePayment validates the request and checks every invoice against the
// committed state, so a bad request fails before any lock is taken.
func (s *Service) preparePayment(ctx context.Context, input CreatePaymentInput) (Payment, []InvoiceRef, error) {
	if input.TenantID == uuid.Nil {
		return Payment{}, nil, tenant.ErrMissingTenant
	}
	var errs error
	invoiceType, ok := input.Type.InvoiceType()
	if !ok {
		errs = multierr.Append(errs, ErrInvalidType)
	}
	switch {
	case !input.Amount.IsPositive():
		errs = multierr.Append(errs, ErrInvalidAmount)
	case !ValidAmount(input.Amount):
		errs = multierr.Append(errs, ErrAmountScale)
	}
	code, err := NormalizeCurrency(input.Currency)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	method := strings.TrimSpace(input.Method)
	if method == "" {
		errs = multierr.Append(errs, ErrMethodRequired)
	}

	date := input.PaymentDate
	if date.IsZero() {
		date = s.now()
	}
	payment := Payment{
		ID:          uuid.New(),
		Number:      documentNumber("PAY", date),
		Type:        input.Type,
		Amount:      input.Amount,
		Currency:    code,
		Method:      method,
		Status:      StatusPending,
		PaymentDate: date,
		Reference:   strings.TrimSpace(input.Reference),
		Notes:       strings.TrimSpace(input.Notes),
		CreatedBy:   uuid.NullUUID{UUID: input.ActorID, Valid: input.ActorID != uuid.Nil},
	}

	seen := make(map[InvoiceRef]struct{}, len(input.Allocations))
	var refs []InvoiceRef
	for i, in := range input.Allocations {
		ref := InvoiceRef{Type: in.InvoiceType, ID: in.InvoiceID}
		if ref.Type == "" {
			ref.Type = invoiceType
		}
		switch {
		case !in.Amount.IsPositive():
			errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: in.InvoiceID, Err: ErrInvalidAmount})
			continue
		case !ValidAmount(in.Amount):
			errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: in.InvoiceID, Err: ErrAmountScale})
			continue
		case ok && ref.Type != invoiceType:
			errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: in.InvoiceID, Err: ErrWrongInvoiceType})
			continue
		}
		if _, dup := seen[ref]; dup {
			errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: in.InvoiceID, Err: ErrDuplicateInvoice})
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
		payment.Allocations = append(payment.Allocations, Allocation{
			ID:          uuid.New(),
			PaymentID:   payment.ID,
			InvoiceType: ref.Type,
			InvoiceID:   ref.ID,
			Amount:      in.Amount,
			Active:      true,
			CreatedAt:   date,
		})
	}
	if errs != nil {
		return Payment{}, nil, errs
	}
	if allocated := payment.Allocated(); allocated.GreaterThan(payment.Amount) {
		return Payment{}, nil, fmt.Errorf("%w: allocated %s of %s", ErrOverAllocated, allocated, payment.Amount)
	}

	for i, alloc := range payment.Allocations {
		inv, err := s.repo.GetInvoice(ctx, input.TenantID, refs[i])
		if err != nil {
			errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: alloc.InvoiceID, Err: err})
			continue
		}
		if err := checkPayable(inv, payment.Currency); err != nil {
			errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: alloc.InvoiceID, Err: err})
			continue
		}
		if alloc.Amount.GreaterThan(inv.BalanceDue) {
			errs = multierr.Append(errs, &AllocationError{Index: i, InvoiceID: alloc.InvoiceID, Err: &BalanceError{
				InvoiceID: inv.ID, Number: inv.Number, Requested: alloc.Amount, BalanceDue: inv.BalanceDue,
			}})
		}
	}
	if errs != nil {
		return Payment{}, nil, errs
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return payment, refs, nil
}

func checkPayable(inv Invoice, currency string) error {
	if !inv.Payable() {
		return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotPayable, inv.Number, inv.Status)
	}
	if inv.Currency != currency {
		return fmt.Errorf("%w: invoice %s is in %s", ErrCurrencyMismatch, inv.Number, inv.Currency)
	}
	return nil
}

// lockInvoices locks refs in the given order and returns them by reference.
func lockInvoices(ctx context.Context, tx TxRepository, refs []InvoiceRef) (map[InvoiceRef]Invoice, error) {
	out := make(map[InvoiceRef]Invoice, len(refs))
	for _, ref := range refs {
		if _, ok := out[ref]; ok {
			continue
		}
		inv, err := tx.LockInvoice(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[ref] = inv
	}
	return out, nil
}

// CancelPayment reverses every active allocation of a payment and marks it
// cancelled. Reconciled payments must be reversed through a new payment.
func (s *Service) CancelPayment(ctx context.Context, tenantID, paymentID, actorID uuid.UUID, reason string) (Payment, error) {
	if tenantID == uuid.Nil {
		return Payment{}, tenant.ErrMissingTenant
	}
	var payment Payment
	err := s.repo.WithTx(ctx, tenantID, func(ctx context.Context, tx TxRepository) error {
		var err error
		if payment, err = tx.LockPayment(ctx, paymentID); err != nil {
			return err
		}
		switch {
		case payment.Status == StatusCancelled:
			return fmt.Errorf("%w: payment %s already cancelled", ErrNotCancellable, payment.Number)
		case payment.ReconciledAt != nil:
			return fmt.Errorf("%w: payment %s is reconciled", ErrNotCancellable, payment.Number)
		}

		var refs []InvoiceRef
		for _, a := range payment.Allocations {
			if a.Active {
				refs = append(refs, InvoiceRef{Type: a.InvoiceType, ID: a.InvoiceID})
			}
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
		invoices, err := lockInvoices(ctx, tx, refs)
		if err != nil {
			return err
		}
		for i := range payment.Allocations {
			a := &payment.Allocations[i]
			if !a.Active {
				continue
			}
			ref := InvoiceRef{Type: a.InvoiceType, ID: a.InvoiceID}
			updated, err := ApplyPayment(invoices[ref], a.Amount.Neg(), s.now())
			if err != nil {
				return err
			}
			invoices[ref] = updated
			a.Active = false
		}
		for _, ref := range refs {
			if err := tx.UpdateInvoice(ctx, invoices[ref]); err != nil {
				return err
			}
		}
		if err := tx.DeactivateAllocations(ctx, payment.ID); err != nil {
			return err
		}
		now := s.now()
		payment.Status = StatusCancelled
		payment.CancelReason = strings.TrimSpace(reason)
		payment.CancelledAt = &now
		return tx.UpdatePayment(ctx, payment)
	})
	if err != nil {
		s.reject("cancel_payment", err)
		return Payment{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "payments:cancel", payment.ID, map[string]any{
		"number": payment.Number,
		"reason": payment.CancelReason,
	})
	return payment, nil
}

// GetPayment returns a payment with its allocations.
func (s *Service) GetPayment(ctx context.Context, tenantID, id uuid.UUID) (Payment, error) {
	if tenantID == uuid.Nil {
		return Payment{}, tenant.ErrMissingTenant
	}
	return s.repo.GetPayment(ctx, tenantID, id)
}

// ListInvoiceAllocations returns every allocation ever made against an invoice.
func (s *Service) ListInvoiceAllocations(ctx context.Context, tenantID uuid.UUID, ref InvoiceRef) ([]Allocation, error) {
	if tenantID == uuid.Nil {
		return nil, tenant.ErrMissingTenant
	}
	return s.repo.ListInvoiceAllocations(ctx, tenantID, ref)
}

func (s *Service) reject(operation string, err error) {
	if s.rejections != nil {
		s.rejections.Rejected(operation, err)
	}
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID uuid.UUID, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "payment",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}

func documentNumber(prefix string, date time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, date.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
