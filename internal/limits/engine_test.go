package limits

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
)

// MockLimitRepository keeps reservations and counters in memory with the
// same all-or-nothing reserve semantics as the Postgres implementation.
type MockLimitRepository struct {
	mu           sync.Mutex
	policies     map[string]*domain.LimitPolicy
	counters     map[string]*domain.LimitCounter // customerID|bucket
	reservations map[string]*domain.LimitReservation

	GetPolicyFunc func(ctx context.Context, customerID string) (*domain.LimitPolicy, error)
	ReserveFunc   func(ctx context.Context, res *domain.LimitReservation, entries []repository.BucketReserve) error
}

func NewMockLimitRepository() *MockLimitRepository {
	return &MockLimitRepository{
		policies:     make(map[string]*domain.LimitPolicy),
		counters:     make(map[string]*domain.LimitCounter),
		reservations: make(map[string]*domain.LimitReservation),
	}
}

func counterKey(customerID, bucket string) string { return customerID + "|" + bucket }

func (m *MockLimitRepository) GetPolicy(ctx context.Context, customerID string) (*domain.LimitPolicy, error) {
	if m.GetPolicyFunc != nil {
		return m.GetPolicyFunc(ctx, customerID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[customerID], nil
}

func (m *MockLimitRepository) GetCounters(ctx context.Context, customerID string, buckets []string) (map[string]*domain.LimitCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*domain.LimitCounter)
	for _, b := range buckets {
		if c, ok := m.counters[counterKey(customerID, b)]; ok {
			cp := *c
			out[b] = &cp
		}
	}
	return out, nil
}

func (m *MockLimitRepository) Reserve(ctx context.Context, res *domain.LimitReservation, entries []repository.BucketReserve) error {
	if m.ReserveFunc != nil {
		return m.ReserveFunc(ctx, res, entries)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reservations[res.ReservationID]; exists {
		return domain.ErrDuplicateReservation
	}
	for _, r := range m.reservations {
		if r.PaymentID == res.PaymentID && r.Status == domain.ReservationStatusReserved {
			return domain.ErrDuplicateReservation
		}
	}

	sorted := make([]repository.BucketReserve, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bucket < sorted[j].Bucket })

	// Ceiling checks first so a failure leaves every bucket untouched
	for _, entry := range sorted {
		c := m.counters[counterKey(res.CustomerID, entry.Bucket)]
		used := decimal.Zero
		var usedCount int64
		if c != nil {
			used = c.UsedAmount
			usedCount = c.UsedCount
		}
		if entry.MaxAmount.Sign() > 0 && used.Add(entry.Amount).GreaterThan(entry.MaxAmount) {
			return domain.NewLimitExceeded(entry.Dimension)
		}
		if entry.MaxCount > 0 && usedCount+entry.Count > entry.MaxCount {
			return domain.NewLimitExceeded(entry.Dimension)
		}
	}

	for _, entry := range sorted {
		key := counterKey(res.CustomerID, entry.Bucket)
		c := m.counters[key]
		if c == nil {
			c = &domain.LimitCounter{
				TenantID:   res.TenantID,
				CustomerID: res.CustomerID,
				Bucket:     entry.Bucket,
			}
			m.counters[key] = c
		}
		c.UsedAmount = c.UsedAmount.Add(entry.Amount)
		c.UsedCount += entry.Count
		c.UpdatedAt = res.ReservedAt
	}

	stored := *res
	m.reservations[res.ReservationID] = &stored
	return nil
}

func (m *MockLimitRepository) GetReservation(ctx context.Context, reservationID string) (*domain.LimitReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

func (m *MockLimitRepository) GetActiveByPaymentID(ctx context.Context, paymentID string) (*domain.LimitReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range m.reservations {
		if res.PaymentID == paymentID && res.Status == domain.ReservationStatusReserved {
			cp := *res
			return &cp, nil
		}
	}
	return nil, domain.ErrReservationNotFound
}

func (m *MockLimitRepository) Consume(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return domain.ErrReservationNotFound
	}
	switch res.Status {
	case domain.ReservationStatusReserved:
		res.Status = domain.ReservationStatusConsumed
		return nil
	case domain.ReservationStatusConsumed:
		return nil
	default:
		return domain.ErrReservationNotActive
	}
}

func (m *MockLimitRepository) Release(ctx context.Context, reservationID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return false, domain.ErrReservationNotFound
	}
	if res.Status != domain.ReservationStatusReserved {
		return false, nil
	}
	m.restoreLocked(res, domain.ReservationStatusReleased, reason)
	return true, nil
}

func (m *MockLimitRepository) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*domain.LimitReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lapsed []*domain.LimitReservation
	for _, res := range m.reservations {
		if res.Status == domain.ReservationStatusReserved && !res.ExpiresAt.After(now) {
			lapsed = append(lapsed, res)
		}
	}
	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].ExpiresAt.Before(lapsed[j].ExpiresAt) })
	if len(lapsed) > limit {
		lapsed = lapsed[:limit]
	}
	out := make([]*domain.LimitReservation, 0, len(lapsed))
	for _, res := range lapsed {
		m.restoreLocked(res, domain.ReservationStatusExpired, "ttl lapsed")
		cp := *res
		out = append(out, &cp)
	}
	return out, nil
}

// restoreLocked mirrors the SQL capacity restore: bucket keys are
// recomputed from the reservation row itself.
func (m *MockLimitRepository) restoreLocked(res *domain.LimitReservation, to domain.ReservationStatus, reason string) {
	amountBuckets := []string{
		domain.DailyBucket(res.ReservedAt),
		domain.MonthlyBucket(res.ReservedAt),
		domain.TypeBucket(res.ReservedAt, res.PaymentType),
	}
	for _, b := range amountBuckets {
		if c := m.counters[counterKey(res.CustomerID, b)]; c != nil {
			c.UsedAmount = c.UsedAmount.Sub(res.Amount)
		}
	}
	if c := m.counters[counterKey(res.CustomerID, domain.CountBucket(res.ReservedAt))]; c != nil {
		c.UsedCount--
	}
	res.Status = to
	res.ReleaseReason = reason
}

func (m *MockLimitRepository) usedAmount(customerID, bucket string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.counters[counterKey(customerID, bucket)]; c != nil {
		return c.UsedAmount
	}
	return decimal.Zero
}

func (m *MockLimitRepository) usedCount(customerID, bucket string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.counters[counterKey(customerID, bucket)]; c != nil {
		return c.UsedCount
	}
	return 0
}

func (m *MockLimitRepository) setCounter(customerID, bucket string, amount decimal.Decimal, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterKey(customerID, bucket)] = &domain.LimitCounter{
		TenantID:   "tenant-alpha",
		CustomerID: customerID,
		Bucket:     bucket,
		UsedAmount: amount,
		UsedCount:  count,
	}
}

type limitFixture struct {
	engine *Engine
	repo   *MockLimitRepository
	clk    *clock.Fake
	now    time.Time
}

func newLimitFixture() *limitFixture {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	f := &limitFixture{
		repo: NewMockLimitRepository(),
		clk:  clock.NewFake(now),
		now:  now,
	}
	f.engine = NewEngine(f.repo, Defaults{}, 15*time.Minute, f.clk)
	return f
}

func (f *limitFixture) setPolicy(customerID string, policy *domain.LimitPolicy) {
	policy.CustomerID = customerID
	f.repo.policies[customerID] = policy
}

func limitCtx() context.Context {
	return tenant.With(context.Background(), tenant.Context{
		TenantID:       "tenant-alpha",
		BusinessUnitID: "bu-retail",
	})
}

func reserveParams(paymentID string, amount int64) ReserveParams {
	return ReserveParams{
		BusinessUnitID: "bu-retail",
		CustomerID:     "cust-100",
		PaymentID:      paymentID,
		Amount:         decimal.NewFromInt(amount),
		Currency:       "ZAR",
		PaymentType:    domain.PaymentTypeRTC,
	}
}

func standardPolicy() *domain.LimitPolicy {
	return &domain.LimitPolicy{
		TenantID:          "tenant-alpha",
		DailyLimit:        decimal.NewFromInt(1000),
		MonthlyLimit:      decimal.NewFromInt(5000),
		PerTransactionMax: decimal.NewFromInt(800),
		PerTypeDaily: map[domain.PaymentType]decimal.Decimal{
			domain.PaymentTypeRTC: decimal.NewFromInt(600),
		},
		DailyCountMax: 3,
	}
}

func TestEngine_Reserve_ClaimsAllDimensions(t *testing.T) {
	f := newLimitFixture()
	f.setPolicy("cust-100", standardPolicy())

	res, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 250))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if res.Status != domain.ReservationStatusReserved {
		t.Errorf("expected RESERVED, got %s", res.Status)
	}
	if res.TenantID != "tenant-alpha" {
		t.Errorf("expected tenant from context, got %s", res.TenantID)
	}
	if res.ReservationID == "" {
		t.Error("expected a generated reservation id")
	}
	if !res.ExpiresAt.Equal(f.now.Add(15 * time.Minute)) {
		t.Errorf("expected expiry at now+ttl, got %s", res.ExpiresAt)
	}

	amount := decimal.NewFromInt(250)
	if got := f.repo.usedAmount("cust-100", domain.DailyBucket(f.now)); !got.Equal(amount) {
		t.Errorf("daily bucket: expected 250 used, got %s", got)
	}
	if got := f.repo.usedAmount("cust-100", domain.MonthlyBucket(f.now)); !got.Equal(amount) {
		t.Errorf("monthly bucket: expected 250 used, got %s", got)
	}
	if got := f.repo.usedAmount("cust-100", domain.TypeBucket(f.now, domain.PaymentTypeRTC)); !got.Equal(amount) {
		t.Errorf("type bucket: expected 250 used, got %s", got)
	}
	if got := f.repo.usedCount("cust-100", domain.CountBucket(f.now)); got != 1 {
		t.Errorf("count bucket: expected 1 used, got %d", got)
	}
}

func TestEngine_Reserve_PerTransactionCeiling(t *testing.T) {
	f := newLimitFixture()
	f.setPolicy("cust-100", standardPolicy())

	_, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 900))
	dimension, ok := domain.IsLimitExceeded(err)
	if !ok {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if dimension != domain.LimitDimensionPerTransaction {
		t.Errorf("expected per_transaction, got %s", dimension)
	}
	// Per-transaction is checked before any bucket is touched
	if got := f.repo.usedCount("cust-100", domain.CountBucket(f.now)); got != 0 {
		t.Errorf("expected no counter movement, got count %d", got)
	}
}

func TestEngine_Reserve_DailyExhaustedLeavesBucketsUntouched(t *testing.T) {
	f := newLimitFixture()
	f.setPolicy("cust-100", standardPolicy())
	f.repo.setCounter("cust-100", domain.DailyBucket(f.now), decimal.NewFromInt(800), 0)

	_, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 300))
	dimension, ok := domain.IsLimitExceeded(err)
	if !ok {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if dimension != domain.LimitDimensionDaily {
		t.Errorf("expected daily, got %s", dimension)
	}
	if got := f.repo.usedAmount("cust-100", domain.DailyBucket(f.now)); !got.Equal(decimal.NewFromInt(800)) {
		t.Errorf("daily bucket moved on a failed reserve: %s", got)
	}
	if got := f.repo.usedAmount("cust-100", domain.MonthlyBucket(f.now)); !got.IsZero() {
		t.Errorf("monthly bucket moved on a failed reserve: %s", got)
	}
	if got := f.repo.usedCount("cust-100", domain.CountBucket(f.now)); got != 0 {
		t.Errorf("count bucket moved on a failed reserve: %d", got)
	}
}

func TestEngine_Reserve_DailyCountExhausted(t *testing.T) {
	f := newLimitFixture()
	f.setPolicy("cust-100", standardPolicy())
	f.repo.setCounter("cust-100", domain.CountBucket(f.now), decimal.Zero, 3)

	_, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 100))
	dimension, ok := domain.IsLimitExceeded(err)
	if !ok {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if dimension != domain.LimitDimensionDailyCount {
		t.Errorf("expected daily_count, got %s", dimension)
	}
}

func TestEngine_Reserve_ZeroLimitsAreUnenforced(t *testing.T) {
	f := newLimitFixture()
	// No policy row and zero engine defaults: every dimension open

	res, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 1000000))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.Status != domain.ReservationStatusReserved {
		t.Errorf("expected RESERVED, got %s", res.Status)
	}
}

func TestEngine_Reserve_EngineDefaultsApply(t *testing.T) {
	f := newLimitFixture()
	f.engine = NewEngine(f.repo, Defaults{Daily: decimal.NewFromInt(500)}, 15*time.Minute, f.clk)

	_, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 501))
	dimension, ok := domain.IsLimitExceeded(err)
	if !ok {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if dimension != domain.LimitDimensionDaily {
		t.Errorf("expected daily via defaults, got %s", dimension)
	}
}

func TestEngine_Reserve_Validation(t *testing.T) {
	f := newLimitFixture()

	_, err := f.engine.Reserve(context.Background(), reserveParams("pay-1", 100))
	if !errors.Is(err, domain.ErrMissingTenantContext) {
		t.Errorf("expected ErrMissingTenantContext, got %v", err)
	}

	_, err = f.engine.Reserve(limitCtx(), reserveParams("pay-1", 0))
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
}

func TestEngine_Reserve_DuplicatePayment(t *testing.T) {
	f := newLimitFixture()

	if _, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 100)); err != nil {
		t.Fatalf("first Reserve failed: %v", err)
	}
	_, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 100))
	if !errors.Is(err, domain.ErrDuplicateReservation) {
		t.Errorf("expected ErrDuplicateReservation, got %v", err)
	}
}

func TestEngine_Check(t *testing.T) {
	f := newLimitFixture()
	f.setPolicy("cust-100", standardPolicy())
	f.repo.setCounter("cust-100", domain.DailyBucket(f.now), decimal.NewFromInt(400), 0)
	f.repo.setCounter("cust-100", domain.CountBucket(f.now), decimal.Zero, 2)

	avail, err := f.engine.Check(limitCtx(), "cust-100", decimal.NewFromInt(100), domain.PaymentTypeRTC)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !avail.Sufficient {
		t.Errorf("expected sufficient, exceeded in %s", avail.ExceededIn)
	}
	if !avail.DailyAvailable.Equal(decimal.NewFromInt(600)) {
		t.Errorf("expected 600 daily available, got %s", avail.DailyAvailable)
	}
	if !avail.MonthlyAvailable.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected 5000 monthly available, got %s", avail.MonthlyAvailable)
	}
	if avail.CountRemaining != 1 {
		t.Errorf("expected 1 count remaining, got %d", avail.CountRemaining)
	}

	// Advisory only: the check must not claim capacity
	if got := f.repo.usedAmount("cust-100", domain.DailyBucket(f.now)); !got.Equal(decimal.NewFromInt(400)) {
		t.Errorf("check mutated the daily bucket: %s", got)
	}

	avail, err = f.engine.Check(limitCtx(), "cust-100", decimal.NewFromInt(700), domain.PaymentTypeRTC)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if avail.Sufficient {
		t.Error("expected insufficient for 700 against 600 remaining")
	}
	if avail.ExceededIn != domain.LimitDimensionDaily {
		t.Errorf("expected daily, got %s", avail.ExceededIn)
	}

	avail, err = f.engine.Check(limitCtx(), "cust-100", decimal.NewFromInt(900), domain.PaymentTypeRTC)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if avail.ExceededIn != domain.LimitDimensionPerTransaction {
		t.Errorf("expected per_transaction to win, got %s", avail.ExceededIn)
	}
}

func TestEngine_Consume(t *testing.T) {
	f := newLimitFixture()
	res, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 250))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if err := f.engine.Consume(limitCtx(), res.ReservationID); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	stored, _ := f.repo.GetReservation(limitCtx(), res.ReservationID)
	if stored.Status != domain.ReservationStatusConsumed {
		t.Errorf("expected CONSUMED, got %s", stored.Status)
	}
	// Consumed capacity stays spent
	if got := f.repo.usedAmount("cust-100", domain.DailyBucket(f.now)); !got.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected 250 still used after consume, got %s", got)
	}

	// Replay is a no-op
	if err := f.engine.Consume(limitCtx(), res.ReservationID); err != nil {
		t.Errorf("expected idempotent consume, got %v", err)
	}
}

func TestEngine_Consume_LapsedReservation(t *testing.T) {
	f := newLimitFixture()
	res, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 250))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	f.clk.Advance(16 * time.Minute)

	err = f.engine.Consume(limitCtx(), res.ReservationID)
	if !errors.Is(err, domain.ErrReservationNotActive) {
		t.Errorf("expected ErrReservationNotActive past the TTL, got %v", err)
	}
}

func TestEngine_Release(t *testing.T) {
	f := newLimitFixture()
	res, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 250))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if err := f.engine.Release(limitCtx(), res.ReservationID, "insufficient_funds"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	stored, _ := f.repo.GetReservation(limitCtx(), res.ReservationID)
	if stored.Status != domain.ReservationStatusReleased {
		t.Errorf("expected RELEASED, got %s", stored.Status)
	}
	if stored.ReleaseReason != "insufficient_funds" {
		t.Errorf("expected release reason recorded, got %q", stored.ReleaseReason)
	}
	if got := f.repo.usedAmount("cust-100", domain.DailyBucket(f.now)); !got.IsZero() {
		t.Errorf("expected capacity restored, got %s used", got)
	}
	if got := f.repo.usedCount("cust-100", domain.CountBucket(f.now)); got != 0 {
		t.Errorf("expected count restored, got %d", got)
	}

	// Releasing a terminal reservation is a no-op, not an error
	if err := f.engine.Release(limitCtx(), res.ReservationID, "replay"); err != nil {
		t.Errorf("expected replayed release to be a no-op, got %v", err)
	}
	stored, _ = f.repo.GetReservation(limitCtx(), res.ReservationID)
	if stored.ReleaseReason != "insufficient_funds" {
		t.Errorf("replay overwrote the release reason: %q", stored.ReleaseReason)
	}
}

func TestEngine_ReleaseByPayment(t *testing.T) {
	f := newLimitFixture()
	if _, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 250)); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if err := f.engine.ReleaseByPayment(limitCtx(), "pay-1", "saga_failed"); err != nil {
		t.Fatalf("ReleaseByPayment failed: %v", err)
	}
	if _, err := f.engine.ActiveReservation(limitCtx(), "pay-1"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Errorf("expected no active reservation after release, got %v", err)
	}

	// A payment that never reserved has nothing to release
	if err := f.engine.ReleaseByPayment(limitCtx(), "pay-unknown", "saga_failed"); err != nil {
		t.Errorf("expected nil for unknown payment, got %v", err)
	}
}

func TestEngine_SweepExpired(t *testing.T) {
	f := newLimitFixture()

	if _, err := f.engine.Reserve(limitCtx(), reserveParams("pay-1", 100)); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	f.clk.Advance(10 * time.Minute)
	if _, err := f.engine.Reserve(limitCtx(), reserveParams("pay-2", 200)); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// 16 minutes in: pay-1 lapsed at 15m, pay-2 has 9 minutes left
	f.clk.Advance(6 * time.Minute)

	expired, err := f.engine.SweepExpired(limitCtx(), 10)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired reservation, got %d", len(expired))
	}
	if expired[0].PaymentID != "pay-1" {
		t.Errorf("expected pay-1 to expire, got %s", expired[0].PaymentID)
	}
	if expired[0].Status != domain.ReservationStatusExpired {
		t.Errorf("expected EXPIRED, got %s", expired[0].Status)
	}

	// Only the expired reservation's capacity returns
	if got := f.repo.usedAmount("cust-100", domain.DailyBucket(f.now)); !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected 200 still used, got %s", got)
	}
	if got := f.repo.usedCount("cust-100", domain.CountBucket(f.now)); got != 1 {
		t.Errorf("expected 1 still counted, got %d", got)
	}

	// Second sweep finds nothing new
	expired, err = f.engine.SweepExpired(limitCtx(), 10)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expected empty second sweep, got %d", len(expired))
	}
}
