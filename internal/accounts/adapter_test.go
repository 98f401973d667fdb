package accounts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/breaker"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

type MockBackendRepository struct {
	backends       []*domain.BackendSystem
	routes         []repository.PrefixRoute
	ListActiveFunc func(ctx context.Context) ([]*domain.BackendSystem, error)
}

func (m *MockBackendRepository) ListActive(ctx context.Context) ([]*domain.BackendSystem, error) {
	if m.ListActiveFunc != nil {
		return m.ListActiveFunc(ctx)
	}
	return m.backends, nil
}

func (m *MockBackendRepository) GetBySystemID(ctx context.Context, systemID string) (*domain.BackendSystem, error) {
	for _, b := range m.backends {
		if b.SystemID == systemID {
			return b, nil
		}
	}
	return nil, domain.ErrBackendNotFound
}

func (m *MockBackendRepository) ListPrefixRoutes(ctx context.Context) ([]repository.PrefixRoute, error) {
	return m.routes, nil
}

func (m *MockBackendRepository) Seed(ctx context.Context) error { return nil }

// fakeClient records every request it is asked to send.
type fakeClient struct {
	mu       sync.Mutex
	requests []*domain.AccountRequest
	DoFunc   func(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) (*domain.AccountResponse, error)
}

func (f *fakeClient) Do(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) (*domain.AccountResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.DoFunc != nil {
		return f.DoFunc(ctx, backend, req)
	}
	return &domain.AccountResponse{Status: domain.AccountStatusOK, HoldRef: "hold-" + req.PaymentID}, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeClient) lastRequest() *domain.AccountRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

type MockHoldRepository struct {
	mu    sync.Mutex
	holds map[string]*domain.FundsHold
}

func NewMockHoldRepository() *MockHoldRepository {
	return &MockHoldRepository{holds: make(map[string]*domain.FundsHold)}
}

func (m *MockHoldRepository) Create(ctx context.Context, hold *domain.FundsHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.holds[hold.HoldRef]; exists {
		return domain.ErrDuplicateHold
	}
	stored := *hold
	m.holds[hold.HoldRef] = &stored
	return nil
}

func (m *MockHoldRepository) GetByHoldRef(ctx context.Context, holdRef string) (*domain.FundsHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.holds[holdRef]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	cp := *hold
	return &cp, nil
}

func (m *MockHoldRepository) GetActiveByPaymentID(ctx context.Context, paymentID string) (*domain.FundsHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hold := range m.holds {
		if hold.PaymentID == paymentID && hold.Status == domain.HoldStatusActive {
			cp := *hold
			return &cp, nil
		}
	}
	return nil, domain.ErrHoldNotFound
}

func (m *MockHoldRepository) MarkCaptured(ctx context.Context, holdRef string) (bool, error) {
	return m.flip(holdRef, domain.HoldStatusCaptured)
}

func (m *MockHoldRepository) MarkReleased(ctx context.Context, holdRef string) (bool, error) {
	return m.flip(holdRef, domain.HoldStatusReleased)
}

func (m *MockHoldRepository) flip(holdRef string, to domain.HoldStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.holds[holdRef]
	if !ok {
		return false, domain.ErrHoldNotFound
	}
	if hold.Status != domain.HoldStatusActive {
		return false, nil
	}
	hold.Status = to
	return true, nil
}

type MockSnapshotCache struct {
	mu        sync.Mutex
	snapshots map[string]*domain.AccountSnapshot
	puts      int
}

func NewMockSnapshotCache() *MockSnapshotCache {
	return &MockSnapshotCache{snapshots: make(map[string]*domain.AccountSnapshot)}
}

func (m *MockSnapshotCache) Get(ctx context.Context, tenantID, accountRef string) (*domain.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[tenantID+"|"+accountRef]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (m *MockSnapshotCache) Put(ctx context.Context, snapshot *domain.AccountSnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snapshot
	m.snapshots[snapshot.TenantID+"|"+snapshot.AccountRef] = &cp
	m.puts++
	return nil
}

type MockQueuedMessageRepository struct {
	mu       sync.Mutex
	messages []*domain.QueuedMessage
}

func (m *MockQueuedMessageRepository) Create(ctx context.Context, msg *domain.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.IdempotencyKey == msg.IdempotencyKey {
			return nil
		}
	}
	stored := *msg
	m.messages = append(m.messages, &stored)
	return nil
}

func (m *MockQueuedMessageRepository) GetByID(ctx context.Context, messageID string) (*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.MessageID == messageID {
			return msg, nil
		}
	}
	return nil, domain.ErrQueuedMessageNotFound
}

func (m *MockQueuedMessageRepository) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.IdempotencyKey == idempotencyKey {
			return msg, nil
		}
	}
	return nil, domain.ErrQueuedMessageNotFound
}

func (m *MockQueuedMessageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	return nil, nil
}

func (m *MockQueuedMessageRepository) MarkProcessed(ctx context.Context, messageID string) error {
	return nil
}

func (m *MockQueuedMessageRepository) MarkFailed(ctx context.Context, messageID, lastError string, nextRetryAt time.Time) (domain.QueuedMessageStatus, error) {
	return domain.QueuedStatusRetry, nil
}

func (m *MockQueuedMessageRepository) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	return nil, nil
}

func (m *MockQueuedMessageRepository) Cancel(ctx context.Context, messageID string) (bool, error) {
	return false, nil
}

func (m *MockQueuedMessageRepository) queued() []*domain.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.QueuedMessage(nil), m.messages...)
}

type adapterFixture struct {
	adapter   *Adapter
	client    *fakeClient
	holds     *MockHoldRepository
	snapshots *MockSnapshotCache
	queued    *MockQueuedMessageRepository
	clk       *clock.Fake
}

var adapterNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func allOps() []domain.AccountOperation {
	return []domain.AccountOperation{
		domain.OpGetAccount, domain.OpPlaceHold, domain.OpCaptureHold,
		domain.OpReleaseHold, domain.OpCredit, domain.OpDebit,
	}
}

// newAdapterFixture wires an adapter over three fake backends: a full
// current-account core for CUR- refs, a credit-only loan core for LOAN-
// refs, and a core for FLK- refs whose timeout is too short for any call
// to survive.
func newAdapterFixture() *adapterFixture {
	f := &adapterFixture{
		client:    &fakeClient{},
		holds:     NewMockHoldRepository(),
		snapshots: NewMockSnapshotCache(),
		queued:    &MockQueuedMessageRepository{},
		clk:       clock.NewFake(adapterNow),
	}

	backends := &MockBackendRepository{
		backends: []*domain.BackendSystem{
			{SystemID: "core-current", BaseURL: "http://current", Capabilities: allOps(), Timeout: time.Second, Active: true},
			{SystemID: "core-loan", BaseURL: "http://loan", Capabilities: []domain.AccountOperation{domain.OpGetAccount, domain.OpCredit}, Timeout: time.Second, Active: true},
			{SystemID: "core-flaky", BaseURL: "http://flaky", Capabilities: allOps(), Timeout: time.Nanosecond, Active: true},
		},
		routes: []repository.PrefixRoute{
			{Prefix: "CUR-", SystemID: "core-current"},
			{Prefix: "LOAN-", SystemID: "core-loan"},
			{Prefix: "FLK-", SystemID: "core-flaky"},
		},
	}

	registry := NewRegistry(backends, time.Minute, f.clk)
	caller := resilience.NewCaller(breaker.NewManager(nil), &resilience.CallPolicy{
		Retry: &retry.Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	queue := resilience.NewQueue(f.queued, nil, f.clk)

	f.adapter = NewAdapter(registry, f.client, caller, queue, f.holds, f.snapshots, &AdapterConfig{
		SnapshotStaleness: 5 * time.Minute,
		HoldTTL:           30 * time.Minute,
	}, f.clk)
	return f
}

func tenantCtx() context.Context {
	return tenant.With(context.Background(), tenant.Context{TenantID: "tenant-1", BusinessUnitID: "bu-1"})
}

func TestCapabilityGateRejectsBeforeNetwork(t *testing.T) {
	f := newAdapterFixture()

	_, err := f.adapter.PlaceHold(tenantCtx(), HoldParams{
		PaymentID:  "pay-1",
		AccountRef: "LOAN-100",
		Amount:     decimal.NewFromInt(500),
		Currency:   "ZAR",
	})
	if !errors.Is(err, domain.ErrOperationNotSupported) {
		t.Fatalf("expected ErrOperationNotSupported, got %v", err)
	}
	if f.client.calls() != 0 {
		t.Errorf("capability rejection must not reach the backend, saw %d calls", f.client.calls())
	}
}

func TestGetAccountCachesSnapshot(t *testing.T) {
	f := newAdapterFixture()
	f.client.DoFunc = func(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) (*domain.AccountResponse, error) {
		return &domain.AccountResponse{
			Status: domain.AccountStatusOK,
			Account: &domain.AccountSnapshot{
				AccountType: "CURRENT",
				Status:      "OPEN",
				Balance:     decimal.NewFromInt(12000),
				Currency:    "ZAR",
			},
		}, nil
	}

	snap, err := f.adapter.GetAccount(tenantCtx(), "pay-1", "CUR-100")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if snap.AccountRef != "CUR-100" || snap.TenantID != "tenant-1" {
		t.Errorf("snapshot not stamped with ref and tenant: %+v", snap)
	}
	if !snap.FetchedAt.Equal(adapterNow) {
		t.Errorf("expected FetchedAt %v, got %v", adapterNow, snap.FetchedAt)
	}
	if f.snapshots.puts != 1 {
		t.Errorf("expected snapshot cached once, got %d puts", f.snapshots.puts)
	}
}

func TestGetAccountFallsBackToFreshSnapshot(t *testing.T) {
	f := newAdapterFixture()
	f.snapshots.Put(context.Background(), &domain.AccountSnapshot{
		AccountRef: "FLK-100",
		TenantID:   "tenant-1",
		Balance:    decimal.NewFromInt(900),
		Currency:   "ZAR",
		FetchedAt:  adapterNow.Add(-time.Minute),
	}, time.Minute)

	snap, err := f.adapter.GetAccount(tenantCtx(), "pay-1", "FLK-100")
	if err != nil {
		t.Fatalf("expected snapshot fallback, got %v", err)
	}
	if !snap.Balance.Equal(decimal.NewFromInt(900)) {
		t.Errorf("expected cached balance 900, got %s", snap.Balance)
	}
}

func TestGetAccountStaleSnapshotDoesNotServe(t *testing.T) {
	f := newAdapterFixture()
	f.snapshots.Put(context.Background(), &domain.AccountSnapshot{
		AccountRef: "FLK-100",
		TenantID:   "tenant-1",
		Balance:    decimal.NewFromInt(900),
		FetchedAt:  adapterNow.Add(-time.Hour),
	}, time.Minute)

	_, err := f.adapter.GetAccount(tenantCtx(), "pay-1", "FLK-100")
	if err == nil {
		t.Fatal("stale snapshot must not answer a read")
	}
	if _, ok := domain.IsServiceUnavailable(err); !ok {
		t.Errorf("expected ServiceUnavailable, got %v", err)
	}
}

func TestPlaceHoldRecordsHold(t *testing.T) {
	f := newAdapterFixture()

	hold, err := f.adapter.PlaceHold(tenantCtx(), HoldParams{
		PaymentID:      "pay-1",
		BusinessUnitID: "bu-1",
		AccountRef:     "CUR-100",
		Amount:         decimal.NewFromInt(5000),
		Currency:       "ZAR",
	})
	if err != nil {
		t.Fatalf("PlaceHold failed: %v", err)
	}
	if hold.HoldRef != "hold-pay-1" {
		t.Errorf("expected backend hold ref, got %s", hold.HoldRef)
	}
	if hold.Status != domain.HoldStatusActive {
		t.Errorf("expected ACTIVE hold, got %s", hold.Status)
	}
	if want := adapterNow.Add(30 * time.Minute); !hold.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, hold.ExpiresAt)
	}

	req := f.client.lastRequest()
	if req.IdempotencyKey != "pay-1:place_hold" {
		t.Errorf("unexpected idempotency key %s", req.IdempotencyKey)
	}
}

func TestPlaceHoldReplayReturnsOriginalHold(t *testing.T) {
	f := newAdapterFixture()
	params := HoldParams{
		PaymentID:  "pay-1",
		AccountRef: "CUR-100",
		Amount:     decimal.NewFromInt(5000),
		Currency:   "ZAR",
	}

	first, err := f.adapter.PlaceHold(tenantCtx(), params)
	if err != nil {
		t.Fatalf("PlaceHold failed: %v", err)
	}
	// The backend dedupes on the idempotency key and hands back the same
	// hold_ref; the adapter must surface the original record.
	second, err := f.adapter.PlaceHold(tenantCtx(), params)
	if err != nil {
		t.Fatalf("PlaceHold replay failed: %v", err)
	}
	if first.HoldRef != second.HoldRef {
		t.Errorf("replay returned a different hold: %s vs %s", first.HoldRef, second.HoldRef)
	}
}

func TestPlaceHoldInsufficientFundsNotRetried(t *testing.T) {
	f := newAdapterFixture()
	f.client.DoFunc = func(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) (*domain.AccountResponse, error) {
		return &domain.AccountResponse{Status: domain.AccountStatusInsufficientFunds}, nil
	}

	_, err := f.adapter.PlaceHold(tenantCtx(), HoldParams{
		PaymentID:  "pay-1",
		AccountRef: "CUR-100",
		Amount:     decimal.NewFromInt(999999),
		Currency:   "ZAR",
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if f.client.calls() != 1 {
		t.Errorf("business rejection must not be retried, saw %d calls", f.client.calls())
	}
}

func TestPlaceHoldDefersWhenBackendUnavailable(t *testing.T) {
	f := newAdapterFixture()

	_, err := f.adapter.PlaceHold(tenantCtx(), HoldParams{
		PaymentID:      "pay-1",
		BusinessUnitID: "bu-1",
		AccountRef:     "FLK-100",
		Amount:         decimal.NewFromInt(5000),
		Currency:       "ZAR",
	})
	if !IsDeferred(err) {
		t.Fatalf("expected deferred hold, got %v", err)
	}

	queued := f.queued.queued()
	if len(queued) != 1 {
		t.Fatalf("expected one queued message, got %d", len(queued))
	}
	msg := queued[0]
	if msg.IdempotencyKey != "pay-1:place_hold" {
		t.Errorf("unexpected idempotency key %s", msg.IdempotencyKey)
	}
	if msg.ServiceName != "core-flaky" {
		t.Errorf("expected message bound to core-flaky, got %s", msg.ServiceName)
	}
	if msg.CorrelationID != "pay-1" {
		t.Errorf("queued message must carry the payment as correlation, got %s", msg.CorrelationID)
	}
}

func TestCaptureHoldIdempotent(t *testing.T) {
	f := newAdapterFixture()
	f.holds.Create(context.Background(), &domain.FundsHold{
		HoldRef:    "hold-1",
		TenantID:   "tenant-1",
		PaymentID:  "pay-1",
		AccountRef: "CUR-100",
		Amount:     decimal.NewFromInt(100),
		Status:     domain.HoldStatusCaptured,
	})

	if err := f.adapter.CaptureHold(tenantCtx(), "pay-1", "hold-1"); err != nil {
		t.Fatalf("CaptureHold replay failed: %v", err)
	}
	if f.client.calls() != 0 {
		t.Errorf("captured hold must not hit the backend again, saw %d calls", f.client.calls())
	}
}

func TestReleaseHoldDefersWhenBackendUnavailable(t *testing.T) {
	f := newAdapterFixture()
	f.holds.Create(context.Background(), &domain.FundsHold{
		HoldRef:    "hold-1",
		TenantID:   "tenant-1",
		PaymentID:  "pay-1",
		AccountRef: "FLK-100",
		Amount:     decimal.NewFromInt(100),
		Status:     domain.HoldStatusActive,
	})

	err := f.adapter.ReleaseHold(tenantCtx(), "pay-1", "hold-1")
	if !IsDeferred(err) {
		t.Fatalf("expected deferred release, got %v", err)
	}

	queued := f.queued.queued()
	if len(queued) != 1 {
		t.Fatalf("expected one queued message, got %d", len(queued))
	}
	msg := queued[0]
	if msg.IdempotencyKey != "pay-1:release_hold" {
		t.Errorf("unexpected idempotency key %s", msg.IdempotencyKey)
	}
	if msg.ServiceName != "core-flaky" {
		t.Errorf("expected message bound to core-flaky, got %s", msg.ServiceName)
	}
	if msg.CorrelationID != "pay-1" {
		t.Errorf("queued message must carry the payment as correlation, got %s", msg.CorrelationID)
	}
	if msg.Headers["Idempotency-Key"] != "pay-1:release_hold" {
		t.Errorf("redrive headers must carry the idempotency key, got %v", msg.Headers)
	}
}

func TestReversalPostingGetsOwnIdempotencyKey(t *testing.T) {
	f := newAdapterFixture()
	f.client.DoFunc = func(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) (*domain.AccountResponse, error) {
		return &domain.AccountResponse{Status: domain.AccountStatusOK}, nil
	}

	err := f.adapter.Debit(tenantCtx(), PostingParams{
		PaymentID:  "pay-9",
		AccountRef: "CUR-100",
		Amount:     decimal.NewFromInt(700),
		Currency:   "ZAR",
		Reason:     "reversal",
	})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if got := f.client.lastRequest().IdempotencyKey; got != "pay-9:debit:reversal" {
		t.Errorf("reversal must not collide with the payment's own debit, key %s", got)
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	clk := clock.NewFake(adapterNow)
	backends := &MockBackendRepository{
		backends: []*domain.BackendSystem{
			{SystemID: "core-a", Capabilities: allOps(), Active: true},
			{SystemID: "core-b", Capabilities: allOps(), Active: true},
		},
		routes: []repository.PrefixRoute{
			{Prefix: "ACC-", SystemID: "core-a"},
			{Prefix: "ACC-SAV-", SystemID: "core-b"},
		},
	}
	registry := NewRegistry(backends, time.Minute, clk)

	backend, err := registry.Resolve(context.Background(), "ACC-SAV-001")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if backend.SystemID != "core-b" {
		t.Errorf("longest prefix should win, got %s", backend.SystemID)
	}

	if _, err := registry.Resolve(context.Background(), "XYZ-1"); !errors.Is(err, domain.ErrBackendNotFound) {
		t.Errorf("expected ErrBackendNotFound for unrouted ref, got %v", err)
	}
}

func TestRegistryServesStaleSnapshotOnReloadFailure(t *testing.T) {
	clk := clock.NewFake(adapterNow)
	backends := &MockBackendRepository{
		backends: []*domain.BackendSystem{{SystemID: "core-a", Capabilities: allOps(), Active: true}},
		routes:   []repository.PrefixRoute{{Prefix: "ACC-", SystemID: "core-a"}},
	}
	registry := NewRegistry(backends, time.Minute, clk)

	if _, err := registry.Resolve(context.Background(), "ACC-1"); err != nil {
		t.Fatalf("initial Resolve failed: %v", err)
	}

	backends.ListActiveFunc = func(ctx context.Context) ([]*domain.BackendSystem, error) {
		return nil, errors.New("registry db down")
	}
	clk.Advance(2 * time.Minute)

	backend, err := registry.Resolve(context.Background(), "ACC-1")
	if err != nil {
		t.Fatalf("stale snapshot should still serve: %v", err)
	}
	if backend.SystemID != "core-a" {
		t.Errorf("expected core-a from the stale snapshot, got %s", backend.SystemID)
	}
}
