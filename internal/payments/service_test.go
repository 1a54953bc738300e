package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

type memoryPaymentRepo struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	invoices map[uuid.UUID]map[InvoiceRef]Invoice
	payments map[uuid.UUID]map[uuid.UUID]Payment
}

type memoryPaymentTx struct {
	repo     *memoryPaymentRepo
	tenantID uuid.UUID
}

func newMemoryPaymentRepo() *memoryPaymentRepo {
	return &memoryPaymentRepo{
		invoices: make(map[uuid.UUID]map[InvoiceRef]Invoice),
		payments: make(map[uuid.UUID]map[uuid.UUID]Payment),
	}
}

func copyPayment(p Payment) Payment {
	p.Allocations = append([]Allocation(nil), p.Allocations...)
	return p
}

func (r *memoryPaymentRepo) addInvoice(tenantID uuid.UUID, typ InvoiceType, total int64, status InvoiceStatus) Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv := Invoice{
		ID:         uuid.New(),
		Type:       typ,
		Number:     "INV-" + uuid.NewString()[:6],
		Currency:   "USD",
		GrandTotal: decimal.NewFromInt(total),
		AmountPaid: decimal.Zero,
		BalanceDue: decimal.NewFromInt(total),
		Status:     status,
		DueDate:    time.Now().AddDate(0, 0, 30),
	}
	if r.invoices[tenantID] == nil {
		r.invoices[tenantID] = make(map[InvoiceRef]Invoice)
	}
	r.invoices[tenantID][inv.Ref()] = inv
	return inv
}

func (r *memoryPaymentRepo) invoice(tenantID uuid.UUID, inv Invoice) Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoices[tenantID][inv.Ref()]
}

func (r *memoryPaymentRepo) setReconciled(tenantID, paymentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.payments[tenantID][paymentID]
	now := time.Now()
	p.ReconciledAt = &now
	r.payments[tenantID][paymentID] = p
}

func (r *memoryPaymentRepo) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	if tenantID == uuid.Nil {
		return tenant.ErrMissingTenant
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	invoices := make(map[InvoiceRef]Invoice, len(r.invoices[tenantID]))
	for k, v := range r.invoices[tenantID] {
		invoices[k] = v
	}
	payments := make(map[uuid.UUID]Payment, len(r.payments[tenantID]))
	for k, v := range r.payments[tenantID] {
		payments[k] = copyPayment(v)
	}
	r.mu.Unlock()

	if err := fn(ctx, &memoryPaymentTx{repo: r, tenantID: tenantID}); err != nil {
		r.mu.Lock()
		r.invoices[tenantID] = invoices
		r.payments[tenantID] = payments
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryPaymentRepo) GetPayment(_ context.Context, tenantID, id uuid.UUID) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[tenantID][id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (r *memoryPaymentRepo) GetInvoice(_ context.Context, tenantID uuid.UUID, ref InvoiceRef) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[tenantID][ref]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (r *memoryPaymentRepo) ListInvoiceAllocations(_ context.Context, tenantID uuid.UUID, ref InvoiceRef) ([]Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Allocation
	for _, p := range r.payments[tenantID] {
		for _, a := range p.Allocations {
			if a.InvoiceType == ref.Type && a.InvoiceID == ref.ID {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (t *memoryPaymentTx) LockPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return t.repo.GetPayment(ctx, t.tenantID, id)
}

func (t *memoryPaymentTx) LockInvoice(ctx context.Context, ref InvoiceRef) (Invoice, error) {
	return t.repo.GetInvoice(ctx, t.tenantID, ref)
}

func (t *memoryPaymentTx) UpdateInvoice(_ context.Context, inv Invoice) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, ok := t.repo.invoices[t.tenantID][inv.Ref()]; !ok {
		return ErrInvoiceNotFound
	}
	if !inv.BalanceDue.Equal(inv.GrandTotal.Sub(inv.AmountPaid)) || inv.AmountPaid.IsNegative() {
		return shared.ErrInvariant
	}
	t.repo.invoices[t.tenantID][inv.Ref()] = inv
	return nil
}

func (t *memoryPaymentTx) InsertPayment(_ context.Context, p Payment) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if t.repo.payments[t.tenantID] == nil {
		t.repo.payments[t.tenantID] = make(map[uuid.UUID]Payment)
	}
	p.Allocations = nil
	t.repo.payments[t.tenantID][p.ID] = p
	return nil
}

func (t *memoryPaymentTx) UpdatePayment(_ context.Context, p Payment) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	stored, ok := t.repo.payments[t.tenantID][p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	stored.Status = p.Status
	stored.CancelReason = p.CancelReason
	stored.CancelledAt = p.CancelledAt
	t.repo.payments[t.tenantID][p.ID] = stored
	return nil
}

func (t *memoryPaymentTx) InsertAllocation(_ context.Context, a Allocation) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p, ok := t.repo.payments[t.tenantID][a.PaymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Allocations = append(p.Allocations, a)
	t.repo.payments[t.tenantID][a.PaymentID] = p
	return nil
}

func (t *memoryPaymentTx) DeactivateAllocations(_ context.Context, paymentID uuid.UUID) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p := t.repo.payments[t.tenantID][paymentID]
	for i := range p.Allocations {
		p.Allocations[i].Active = false
	}
	t.repo.payments[t.tenantID][paymentID] = p
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) Record(_ context.Context, log shared.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, log.Action)
	return nil
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func receivedPayment(tenantID uuid.UUID, amount int64, allocations ...AllocationInput) CreatePaymentInput {
	return CreatePaymentInput{
		TenantID:    tenantID,
		Type:        TypeReceived,
		Amount:      amt(amount),
		Currency:    "usd",
		Method:      "bank_transfer",
		Allocations: allocations,
	}
}

func to(inv Invoice, amount int64) AllocationInput {
	return AllocationInput{InvoiceID: inv.ID, Amount: amt(amount)}
}

// requireConsistent checks every invoice against the active allocations that target it.
func requireConsistent(t *testing.T, repo *memoryPaymentRepo, tenantID uuid.UUID) {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	paid := make(map[InvoiceRef]decimal.Decimal)
	for _, p := range repo.payments[tenantID] {
		for _, a := range p.Allocations {
			if a.Active {
				ref := InvoiceRef{Type: a.InvoiceType, ID: a.InvoiceID}
				paid[ref] = paid[ref].Add(a.Amount)
			}
		}
	}
	for ref, inv := range repo.invoices[tenantID] {
		require.True(t, inv.AmountPaid.Equal(paid[ref]), "invoice %s paid %s, allocations %s", inv.Number, inv.AmountPaid, paid[ref])
		require.True(t, inv.BalanceDue.Equal(inv.GrandTotal.Sub(inv.AmountPaid)))
	}
}

func TestPartialPaymentAndCancellation(t *testing.T) {
	repo := newMemoryPaymentRepo()
	audit := &fakeAudit{}
	svc := NewService(repo, Config{Audit: audit})
	ctx := context.Background()
	tenantID := uuid.New()
	inv := repo.addInvoice(tenantID, InvoiceSales, 1100, InvoiceSent)

	payment, err := svc.CreatePayment(ctx, receivedPayment(tenantID, 600, to(inv, 600)))
	require.NoError(t, err)
	require.Equal(t, "USD", payment.Currency)
	require.Equal(t, StatusCompleted, payment.Status)

	stored := repo.invoice(tenantID, inv)
	require.True(t, stored.AmountPaid.Equal(amt(600)))
	require.True(t, stored.BalanceDue.Equal(amt(500)))
	require.Equal(t, InvoicePartiallyPaid, stored.Status)
	requireConsistent(t, repo, tenantID)

	cancelled, err := svc.CancelPayment(ctx, tenantID, payment.ID, uuid.Nil, "entered twice")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "entered twice", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	stored = repo.invoice(tenantID, inv)
	require.True(t, stored.AmountPaid.IsZero())
	require.True(t, stored.BalanceDue.Equal(amt(1100)))
	require.Equal(t, InvoiceSent, stored.Status)
	requireConsistent(t, repo, tenantID)

	history, err := svc.ListInvoiceAllocations(ctx, tenantID, inv.Ref())
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].Active)

	_, err = svc.CancelPayment(ctx, tenantID, payment.ID, uuid.Nil, "")
	require.ErrorIs(t, err, ErrNotCancellable)
	require.Equal(t, []string{"payments:create", "payments:cancel"}, audit.actions)
}

func TestPaymentSplitAcrossInvoices(t *testing.T) {
	repo := newMemoryPaymentRepo()
	svc := NewService(repo, Config{})
	ctx := context.Background()
	tenantID := uuid.New()
	a := repo.addInvoice(tenantID, InvoiceSales, 300, InvoiceSent)
	b := repo.addInvoice(tenantID, InvoiceSales, 500, InvoiceOverdue)

	payment, err := svc.CreatePayment(ctx, receivedPayment(tenantID, 1000, to(a, 300), to(b, 200)))
	require.NoError(t, err)
	require.Equal(t, StatusPending, payment.Status, "200 of the payment is still unallocated")
	require.True(t, payment.Allocated().Equal(amt(500)))

	require.Equal(t, InvoicePaid, repo.invoice(tenantID, a).Status)
	require.Equal(t, InvoicePartiallyPaid, repo.invoice(tenantID, b).Status)
	requireConsistent(t, repo, tenantID)

	got, err := svc.GetPayment(ctx, tenantID, payment.ID)
	require.NoError(t, err)
	require.Len(t, got.Allocations, 2)

	_, err = svc.CancelPayment(ctx, tenantID, payment.ID, uuid.Nil, "")
	require.NoError(t, err)
	require.Equal(t, InvoiceSent, repo.invoice(tenantID, a).Status)
	require.True(t, repo.invoice(tenantID, b).BalanceDue.Equal(amt(500)))
	requireConsistent(t, repo, tenantID)
}

func TestPaymentWithoutAllocationsStaysPending(t *testing.T) {
	repo := newMemoryPaymentRepo()
	svc := NewService(repo, Config{})
	tenantID := uuid.New()

	payment, err := svc.CreatePayment(context.Background(), receivedPayment(tenantID, 50))
	require.NoError(t, err)
	require.Equal(t, StatusPending, payment.Status)
	require.Empty(t, payment.Allocations)
}

func TestCreatePaymentRejectsWholePayment(t *testing.T) {
	repo := newMemoryPaymentRepo()
	svc := NewService(repo, Config{})
	ctx := context.Background()
	tenantID := uuid.New()
	ok := repo.addInvoice(tenantID, InvoiceSales, 1000, InvoiceSent)
	small := repo.addInvoice(tenantID, InvoiceSales, 100, InvoiceSent)

	_, err := svc.CreatePayment(ctx, receivedPayment(tenantID, 500, to(ok, 300), to(small, 150)))
	require.ErrorIs(t, err, ErrExceedsBalance)
	require.True(t, shared.IsRetryable(err))

	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr))
	require.Equal(t, 1, allocErr.Index)

	require.True(t, repo.invoice(tenantID, ok).AmountPaid.IsZero())
	require.Empty(t, repo.payments[tenantID])
}

func TestCreatePaymentValidation(t *testing.T) {
	repo := newMemoryPaymentRepo()
	svc := NewService(repo, Config{})
	ctx := context.Background()
	tenantID := uuid.New()
	inv := repo.addInvoice(tenantID, InvoiceSales, 1000, InvoiceSent)
	purchase := repo.addInvoice(tenantID, InvoicePurchase, 1000, InvoiceSent)
	draft := repo.addInvoice(tenantID, InvoiceSales, 1000, InvoiceDraft)
	void := repo.addInvoice(tenantID, InvoiceSales, 1000, InvoiceVoid)

	cases := []struct {
		name   string
		mutate func(*CreatePaymentInput)
		want   error
	}{
		{"missing tenant", func(in *CreatePaymentInput) { in.TenantID = uuid.Nil }, tenant.ErrMissingTenant},
		{"zero amount", func(in *CreatePaymentInput) { in.Amount = decimal.Zero }, ErrInvalidAmount},
		{"unknown currency", func(in *CreatePaymentInput) { in.Currency = "ZZZ" }, ErrInvalidCurrency},
		{"unknown type", func(in *CreatePaymentInput) { in.Type = "REFUND" }, ErrInvalidType},
		{"missing method", func(in *CreatePaymentInput) { in.Method = " " }, ErrMethodRequired},
		{"sub-cent amount", func(in *CreatePaymentInput) { in.Amount = decimal.RequireFromString("100.005") }, ErrAmountScale},
		{"amount overflows column", func(in *CreatePaymentInput) { in.Amount = decimal.New(1, 16) }, ErrAmountScale},
		{"sub-cent allocation", func(in *CreatePaymentInput) {
			in.Allocations = []AllocationInput{{InvoiceID: inv.ID, Amount: decimal.RequireFromString("5.001")}}
		}, ErrAmountScale},
		{"negative allocation", func(in *CreatePaymentInput) { in.Allocations = []AllocationInput{to(inv, -5)} }, ErrInvalidAmount},
		{"duplicate invoice", func(in *CreatePaymentInput) { in.Allocations = []AllocationInput{to(inv, 5), to(inv, 5)} }, ErrDuplicateInvoice},
		{"over allocated", func(in *CreatePaymentInput) { in.Allocations = []AllocationInput{to(inv, 101)} }, ErrOverAllocated},
		{"wrong invoice type", func(in *CreatePaymentInput) {
			in.Allocations = []AllocationInput{{InvoiceType: InvoicePurchase, InvoiceID: purchase.ID, Amount: amt(5)}}
		}, ErrWrongInvoiceType},
		{"unknown invoice", func(in *CreatePaymentInput) { in.Allocations = []AllocationInput{{InvoiceID: uuid.New(), Amount: amt(5)}} }, ErrInvoiceNotFound},
		{"draft invoice", func(in *CreatePaymentInput) { in.Allocations = []AllocationInput{to(draft, 5)} }, ErrInvoiceNotPayable},
		{"void invoice", func(in *CreatePaymentInput) { in.Allocations = []AllocationInput{to(void, 5)} }, ErrInvoiceNotPayable},
		{"currency mismatch", func(in *CreatePaymentInput) {
			in.Currency = "EUR"
			in.Allocations = []AllocationInput{to(inv, 5)}
		}, ErrCurrencyMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := receivedPayment(tenantID, 100)
			tc.mutate(&in)
			_, err := svc.CreatePayment(ctx, in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Empty(t, repo.payments[tenantID])
	requireConsistent(t, repo, tenantID)
}

func TestPaymentsAreTenantScoped(t *testing.T) {
	repo := newMemoryPaymentRepo()
	svc := NewService(repo, Config{})
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	inv := repo.addInvoice(owner, InvoiceSales, 100, InvoiceSent)

	_, err := svc.CreatePayment(ctx, receivedPayment(other, 50, to(inv, 50)))
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	payment, err := svc.CreatePayment(ctx, receivedPayment(owner, 50, to(inv, 50)))
	require.NoError(t, err)
	_, err = svc.CancelPayment(ctx, other, payment.ID, uuid.Nil, "")
	require.ErrorIs(t, err, ErrPaymentNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.GetPayment(ctx, other, payment.ID)
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestReconciledPaymentCannotBeCancelled(t *testing.T) {
	repo := newMemoryPaymentRepo()
	svc := NewService(repo, Config{})
	ctx := context.Background()
	tenantID := uuid.New()
	inv := repo.addInvoice(tenantID, InvoicePurchase, 400, InvoiceSent)

	payment, err := svc.CreatePayment(ctx, CreatePaymentInput{
		TenantID:    tenantID,
		Type:        TypeMade,
		Amount:      amt(400),
		Currency:    "USD",
		Method:      "wire",
		Allocations: []AllocationInput{to(inv, 400)},
	})
	require.NoError(t, err)
	require.Equal(t, InvoicePaid, repo.invoice(tenantID, inv).Status)

	repo.setReconciled(tenantID, payment.ID)
	_, err = svc.CancelPayment(ctx, tenantID, payment.ID, uuid.Nil, "")
	require.ErrorIs(t, err, ErrNotCancellable)
	require.Equal(t, InvoicePaid, repo.invoice(tenantID, inv).Status)
}

// barrierRepo holds every invoice read until all callers have read, so
// concurrent payments pass the balance pre-check together.
type barrierRepo struct {
	*memoryPaymentRepo
	wg *sync.WaitGroup
}

func (b barrierRepo) GetInvoice(ctx context.Context, tenantID uuid.UUID, ref InvoiceRef) (Invoice, error) {
	inv, err := b.memoryPaymentRepo.GetInvoice(ctx, tenantID, ref)
	b.wg.Done()
	b.wg.Wait()
	return inv, err
}

func TestConcurrentPaymentsNeverOverpay(t *testing.T) {
	repo := newMemoryPaymentRepo()
	var barrier sync.WaitGroup
	barrier.Add(2)
	svc := NewService(barrierRepo{memoryPaymentRepo: repo, wg: &barrier}, Config{})
	tenantID := uuid.New()
	inv := repo.addInvoice(tenantID, InvoiceSales, 1000, InvoiceSent)

	results := make([]error, 2)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			_, results[i] = svc.CreatePayment(context.Background(), receivedPayment(tenantID, 600, to(inv, 600)))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var failures int
	for _, err := range results {
		if err != nil {
			failures++
			require.ErrorIs(t, err, ErrExceedsBalance)
		}
	}
	require.Equal(t, 1, failures)
	require.True(t, repo.invoice(tenantID, inv).AmountPaid.Equal(amt(600)))
	require.Len(t, repo.payments[tenantID], 1)
	requireConsistent(t, repo, tenantID)
}

func TestDeriveInvoiceStatus(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	base := Invoice{GrandTotal: amt(100), AmountPaid: decimal.Zero, BalanceDue: amt(100), Status: InvoiceSent, DueDate: now.AddDate(0, 0, 1)}

	cases := []struct {
		name   string
		mutate func(*Invoice)
		want   InvoiceStatus
	}{
		{"open", func(*Invoice) {}, InvoiceSent},
		{"due today", func(inv *Invoice) { inv.DueDate = now }, InvoiceSent},
		{"past due", func(inv *Invoice) { inv.DueDate = now.AddDate(0, 0, -1) }, InvoiceOverdue},
		{"partially paid", func(inv *Invoice) { inv.AmountPaid, inv.BalanceDue = amt(40), amt(60) }, InvoicePartiallyPaid},
		{"paid", func(inv *Invoice) { inv.AmountPaid, inv.BalanceDue = amt(100), decimal.Zero }, InvoicePaid},
		{"void stays void", func(inv *Invoice) { inv.Status = InvoiceVoid }, InvoiceVoid},
		{"draft stays draft", func(inv *Invoice) { inv.Status = InvoiceDraft }, InvoiceDraft},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := base
			tc.mutate(&inv)
			require.Equal(t, tc.want, DeriveInvoiceStatus(inv, now))
		})
	}
}

func TestApplyPaymentBounds(t *testing.T) {
	inv := Invoice{Number: "INV-1", GrandTotal: amt(100), AmountPaid: amt(30), BalanceDue: amt(70), Status: InvoicePartiallyPaid}

	_, err := ApplyPayment(inv, amt(71), time.Now())
	require.ErrorIs(t, err, ErrExceedsBalance)

	_, err = ApplyPayment(inv, amt(-31), time.Now())
	require.ErrorIs(t, err, ErrNegativePaid)

	paid, err := ApplyPayment(inv, amt(70), time.Now())
	require.NoError(t, err)
	require.True(t, paid.BalanceDue.IsZero())
	require.Equal(t, InvoicePaid, paid.Status)
}
