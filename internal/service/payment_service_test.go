package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/dto"
	"github.com/kranthikarthan/payments-engine/internal/outbox"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/saga"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
)

type svcTx struct{ pgx.Tx }

func (svcTx) Commit(ctx context.Context) error   { return nil }
func (svcTx) Rollback(ctx context.Context) error { return nil }

type svcDB struct{}

func (svcDB) Begin(ctx context.Context) (pgx.Tx, error) { return svcTx{}, nil }

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
	byExtRef map[string]*domain.Payment

	GetByExternalReferenceFunc func(ctx context.Context, externalRef string) (*domain.Payment, error)
	CreateFunc                 func(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
}

var _ repository.PaymentRepository = (*fakePaymentRepo)(nil)

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		payments: make(map[string]*domain.Payment),
		byExtRef: make(map[string]*domain.Payment),
	}
}

func (f *fakePaymentRepo) put(p *domain.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.PaymentID] = p
	if p.ExternalReference != "" {
		f.byExtRef[p.ExternalReference] = p
	}
}

func (f *fakePaymentRepo) CreateInTx(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	if f.CreateFunc != nil {
		return f.CreateFunc(ctx, tx, payment)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if payment.ExternalReference != "" {
		if _, exists := f.byExtRef[payment.ExternalReference]; exists {
			return domain.ErrDuplicatePayment
		}
	}
	cp := *payment
	f.payments[payment.PaymentID] = &cp
	if payment.ExternalReference != "" {
		f.byExtRef[payment.ExternalReference] = &cp
	}
	return nil
}

func (f *fakePaymentRepo) GetByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePaymentRepo) GetByExternalReference(ctx context.Context, externalRef string) (*domain.Payment, error) {
	if f.GetByExternalReferenceFunc != nil {
		return f.GetByExternalReferenceFunc(ctx, externalRef)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byExtRef[externalRef]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePaymentRepo) UpdateStatusInTx(ctx context.Context, tx pgx.Tx, paymentID string, status domain.PaymentStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[paymentID]; ok {
		p.Status = status
		p.StatusReason = reason
	}
	return nil
}

type fakeSagaRepo struct {
	mu    sync.Mutex
	sagas map[string]*domain.SagaInstance
}

var _ repository.SagaRepository = (*fakeSagaRepo)(nil)

func newFakeSagaRepo() *fakeSagaRepo {
	return &fakeSagaRepo{sagas: make(map[string]*domain.SagaInstance)}
}

func (f *fakeSagaRepo) CreateInTx(ctx context.Context, tx pgx.Tx, instance *domain.SagaInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *instance
	f.sagas[instance.SagaID] = &cp
	return nil
}

func (f *fakeSagaRepo) GetByID(ctx context.Context, sagaID string) (*domain.SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sagas[sagaID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSagaRepo) UpdateInTx(ctx context.Context, tx pgx.Tx, instance *domain.SagaInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *instance
	f.sagas[instance.SagaID] = &cp
	return nil
}

func (f *fakeSagaRepo) AppendTransitionInTx(ctx context.Context, tx pgx.Tx, transition *domain.SagaTransition) error {
	return nil
}

func (f *fakeSagaRepo) ClearSuspension(ctx context.Context, sagaID string, trigger domain.ResumeTrigger) (bool, error) {
	return false, nil
}

func (f *fakeSagaRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.SagaInstance, error) {
	return nil, nil
}

func (f *fakeSagaRepo) AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	return nil
}

func (f *fakeSagaRepo) RenewLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	return nil
}

func (f *fakeSagaRepo) ReleaseLease(ctx context.Context, sagaID, owner string) error { return nil }

func (f *fakeSagaRepo) ListDeadlineExceeded(ctx context.Context, now time.Time, limit int) ([]*domain.SagaInstance, error) {
	return nil, nil
}

type fakeEventLog struct {
	mu     sync.Mutex
	events []*domain.TransactionEvent
}

var _ repository.EventRepository = (*fakeEventLog)(nil)

func (f *fakeEventLog) AppendInTx(ctx context.Context, tx pgx.Tx, event *domain.TransactionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seq int64
	for _, e := range f.events {
		if e.SagaID == event.SagaID && e.Seq > seq {
			seq = e.Seq
		}
	}
	event.Seq = seq + 1
	cp := *event
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeEventLog) ListBySaga(ctx context.Context, sagaID string) ([]*domain.TransactionEvent, error) {
	return nil, nil
}

func (f *fakeEventLog) ListUnpublished(ctx context.Context, limit int) ([]*domain.TransactionEvent, error) {
	return nil, nil
}

func (f *fakeEventLog) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	return nil
}

func (f *fakeEventLog) RecordPublishFailure(ctx context.Context, eventID string, maxAttempts int) (bool, error) {
	return false, nil
}

type serviceFixture struct {
	svc      PaymentService
	payments *fakePaymentRepo
	sagas    *fakeSagaRepo
	events   *fakeEventLog
	clk      *clock.Fake
}

var serviceNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		payments: newFakePaymentRepo(),
		sagas:    newFakeSagaRepo(),
		events:   &fakeEventLog{},
		clk:      clock.NewFake(serviceNow),
	}
	engine := saga.NewEngine(saga.Deps{
		DB:       svcDB{},
		Payments: f.payments,
		Sagas:    f.sagas,
		Appender: outbox.NewAppender(f.events, f.clk),
		Clock:    f.clk,
	}, nil)
	f.svc = NewPaymentService(f.payments, f.sagas, engine, f.clk)
	return f
}

func serviceCtx() context.Context {
	return tenant.With(context.Background(), tenant.Context{TenantID: "tenant-1", BusinessUnitID: "bu-1"})
}

func submitReq() *dto.SubmitPaymentRequest {
	return &dto.SubmitPaymentRequest{
		CustomerID:       "cust-100",
		DebitAccountRef:  "CUR-001",
		CreditAccountRef: "CUR-002",
		Amount:           decimal.NewFromInt(250),
		Currency:         "ZAR",
		PaymentType:      "RTC",
	}
}

func TestSubmitPaymentAccepts(t *testing.T) {
	f := newServiceFixture()

	resp, err := f.svc.SubmitPayment(serviceCtx(), submitReq())
	require.NoError(t, err)
	require.NotEmpty(t, resp.PaymentID)
	assert.Equal(t, string(domain.PaymentStatusInitiated), resp.Status)
	assert.Equal(t, serviceNow, resp.CreatedAt)

	stored, err := f.payments.GetByID(serviceCtx(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", stored.TenantID)
	assert.Equal(t, "bu-1", stored.BusinessUnitID)

	instance, err := f.sagas.GetByID(serviceCtx(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusRunning, instance.Status)
	assert.Equal(t, int64(1), instance.LastEventSeq)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.EventPaymentInitiated, f.events.events[0].Type)
}

func TestSubmitPaymentRequiresTenantContext(t *testing.T) {
	f := newServiceFixture()

	_, err := f.svc.SubmitPayment(context.Background(), submitReq())
	assert.ErrorIs(t, err, domain.ErrMissingTenantContext)
}

func TestSubmitPaymentValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(req *dto.SubmitPaymentRequest)
		wantErr error
	}{
		{"zero amount", func(r *dto.SubmitPaymentRequest) { r.Amount = decimal.Zero }, domain.ErrInvalidAmount},
		{"negative amount", func(r *dto.SubmitPaymentRequest) { r.Amount = decimal.NewFromInt(-5) }, domain.ErrInvalidAmount},
		{"bad currency", func(r *dto.SubmitPaymentRequest) { r.Currency = "ZARR" }, domain.ErrInvalidCurrency},
		{"unknown payment type", func(r *dto.SubmitPaymentRequest) { r.PaymentType = "CHEQUE" }, domain.ErrInvalidPaymentType},
		{"missing customer", func(r *dto.SubmitPaymentRequest) { r.CustomerID = "" }, domain.ErrInvalidCustomer},
		{"missing account ref", func(r *dto.SubmitPaymentRequest) { r.DebitAccountRef = "" }, domain.ErrInvalidAccountRef},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture()
			req := submitReq()
			tt.mutate(req)

			_, err := f.svc.SubmitPayment(serviceCtx(), req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.sagas.sagas, "rejected submission must not start a saga")
		})
	}
}

func TestSubmitPaymentIdempotentReplay(t *testing.T) {
	f := newServiceFixture()

	req := submitReq()
	req.ExternalReference = "inv-2025-001"

	first, err := f.svc.SubmitPayment(serviceCtx(), req)
	require.NoError(t, err)

	second, err := f.svc.SubmitPayment(serviceCtx(), req)
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Len(t, f.sagas.sagas, 1, "replay must not start a second saga")
}

func TestSubmitPaymentDuplicateRace(t *testing.T) {
	f := newServiceFixture()

	winner := &domain.Payment{
		PaymentID:         "pay-winner",
		TenantID:          "tenant-1",
		ExternalReference: "inv-2025-001",
		Status:            domain.PaymentStatusInitiated,
	}

	// First lookup misses, the insert collides with a concurrent submit,
	// and the re-lookup finds the winner.
	lookups := 0
	f.payments.GetByExternalReferenceFunc = func(ctx context.Context, externalRef string) (*domain.Payment, error) {
		lookups++
		if lookups == 1 {
			return nil, domain.ErrPaymentNotFound
		}
		return winner, nil
	}
	f.payments.CreateFunc = func(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
		return domain.ErrDuplicatePayment
	}

	req := submitReq()
	req.ExternalReference = "inv-2025-001"

	resp, err := f.svc.SubmitPayment(serviceCtx(), req)
	require.NoError(t, err)
	assert.Equal(t, "pay-winner", resp.PaymentID)
	assert.Equal(t, 2, lookups)
}

func TestCancelPaymentNotFound(t *testing.T) {
	f := newServiceFixture()

	_, err := f.svc.CancelPayment(serviceCtx(), "pay-missing")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestCancelPaymentNotAllowedAfterClearingSubmit(t *testing.T) {
	f := newServiceFixture()

	resp, err := f.svc.SubmitPayment(serviceCtx(), submitReq())
	require.NoError(t, err)

	f.payments.UpdateStatusInTx(serviceCtx(), svcTx{}, resp.PaymentID, domain.PaymentStatusClearingSubmitted, "")

	_, err = f.svc.CancelPayment(serviceCtx(), resp.PaymentID)
	assert.ErrorIs(t, err, domain.ErrCancelNotAllowed)
}

func TestQueryStatusReturnsPaymentAndEventPosition(t *testing.T) {
	f := newServiceFixture()

	req := submitReq()
	req.ExternalReference = "inv-2025-002"
	resp, err := f.svc.SubmitPayment(serviceCtx(), req)
	require.NoError(t, err)

	status, err := f.svc.QueryStatus(serviceCtx(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, resp.PaymentID, status.PaymentID)
	assert.Equal(t, string(domain.PaymentStatusInitiated), status.Status)
	assert.Equal(t, "RTC", status.PaymentType)
	assert.Equal(t, "inv-2025-002", status.ExternalReference)
	assert.Equal(t, int64(1), status.LastEventSeq)
	assert.True(t, status.Amount.Equal(decimal.NewFromInt(250)))
}

func TestQueryStatusUnknownPayment(t *testing.T) {
	f := newServiceFixture()

	_, err := f.svc.QueryStatus(serviceCtx(), "pay-missing")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}
