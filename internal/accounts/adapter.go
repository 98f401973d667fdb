package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/breaker"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

// DeferredError reports that a fund-affecting call could not complete
// inline and was queued for offline redrive. The owning saga suspends
// until the redrive completes.
type DeferredError struct {
	MessageID string
	Service   string
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("call to %s deferred to offline queue as %s", e.Service, e.MessageID)
}

// IsDeferred reports whether err carries a deferred call.
func IsDeferred(err error) bool {
	var de *DeferredError
	return errors.As(err, &de)
}

// AdapterConfig contains configuration for the account adapter
type AdapterConfig struct {
	// SnapshotStaleness bounds how old a cached snapshot may be and
	// still serve a GetAccount fallback
	SnapshotStaleness time.Duration
	// HoldTTL is the lifetime recorded on placed holds
	HoldTTL time.Duration
}

// DefaultAdapterConfig returns default configuration
func DefaultAdapterConfig() *AdapterConfig {
	return &AdapterConfig{
		SnapshotStaleness: 5 * time.Minute,
		HoldTTL:           30 * time.Minute,
	}
}

// HoldParams describes a funds hold placement.
type HoldParams struct {
	PaymentID      string
	BusinessUnitID string
	AccountRef     string
	Amount         decimal.Decimal
	Currency       string
}

// PostingParams describes a credit or debit posting.
type PostingParams struct {
	PaymentID  string
	AccountRef string
	Amount     decimal.Decimal
	Currency   string
	// Reason qualifies the posting ("payment", "reversal"). It joins the
	// idempotency key so a compensating credit never collides with the
	// payment's own credit on the same backend.
	Reason string
}

// Adapter is the uniform entry point for account operations.
type Adapter struct {
	registry  *Registry
	client    BackendClient
	caller    *resilience.Caller
	queue     *resilience.Queue
	holds     repository.HoldRepository
	snapshots repository.AccountSnapshotCache
	config    *AdapterConfig
	clk       clock.Clock
	log       *zap.Logger
}

// NewAdapter creates a new Adapter
func NewAdapter(
	registry *Registry,
	client BackendClient,
	caller *resilience.Caller,
	queue *resilience.Queue,
	holds repository.HoldRepository,
	snapshots repository.AccountSnapshotCache,
	config *AdapterConfig,
	clk clock.Clock,
) *Adapter {
	if config == nil {
		config = DefaultAdapterConfig()
	}
	return &Adapter{
		registry:  registry,
		client:    client,
		caller:    caller,
		queue:     queue,
		holds:     holds,
		snapshots: snapshots,
		config:    config,
		clk:       clk,
		log:       logger.Get(),
	}
}

// GetAccount fetches current account state. When the backend is
// unavailable, a cached snapshot within the staleness budget answers
// instead; fund-affecting operations never take this path.
func (a *Adapter) GetAccount(ctx context.Context, paymentID, accountRef string) (*domain.AccountSnapshot, error) {
	tc, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}

	backend, err := a.resolve(ctx, accountRef, domain.OpGetAccount)
	if err != nil {
		return nil, err
	}

	req := &domain.AccountRequest{
		Op:             domain.OpGetAccount,
		AccountRef:     accountRef,
		IdempotencyKey: idempotencyKey(paymentID, domain.OpGetAccount, ""),
		PaymentID:      paymentID,
	}

	var snapshot *domain.AccountSnapshot
	fallback := func(ctx context.Context, callErr error) error {
		if _, ok := domain.IsServiceUnavailable(callErr); !ok {
			return callErr
		}
		cached, cacheErr := a.snapshots.Get(ctx, tc.TenantID, accountRef)
		if cacheErr != nil || cached == nil {
			return callErr
		}
		if cached.Stale(a.clk.Now(), a.config.SnapshotStaleness) {
			return callErr
		}
		a.log.Warn("Serving account read from snapshot cache",
			zap.String("account_ref", accountRef),
			zap.String("backend", backend.SystemID),
		)
		snapshot = cached
		return nil
	}

	resp, err := a.call(ctx, backend, req, fallback)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		return snapshot, nil
	}

	if resp.Account == nil {
		return nil, fmt.Errorf("backend %s returned no account payload", backend.SystemID)
	}
	snapshot = resp.Account
	snapshot.AccountRef = accountRef
	snapshot.TenantID = tc.TenantID
	snapshot.FetchedAt = a.clk.Now()

	if err := a.snapshots.Put(ctx, snapshot, a.config.SnapshotStaleness); err != nil {
		a.log.Warn("Failed to cache account snapshot",
			zap.String("account_ref", accountRef),
			zap.Error(err),
		)
	}

	return snapshot, nil
}

// PlaceHold encumbers funds on the debit account. Unavailable backends
// defer to the offline queue: the saga suspends on the queued message and
// the redrive re-executes PlaceHold, where the backend's idempotency-key
// dedupe hands back the same hold_ref.
func (a *Adapter) PlaceHold(ctx context.Context, params HoldParams) (*domain.FundsHold, error) {
	tc, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}

	backend, err := a.resolve(ctx, params.AccountRef, domain.OpPlaceHold)
	if err != nil {
		return nil, err
	}

	req := &domain.AccountRequest{
		Op:             domain.OpPlaceHold,
		AccountRef:     params.AccountRef,
		Amount:         params.Amount,
		Currency:       params.Currency,
		IdempotencyKey: idempotencyKey(params.PaymentID, domain.OpPlaceHold, ""),
		PaymentID:      params.PaymentID,
	}

	resp, err := a.call(ctx, backend, req, a.deferFallback(ctx, backend, req))
	if err != nil {
		return nil, err
	}
	if resp.HoldRef == "" {
		return nil, fmt.Errorf("backend %s returned no hold_ref", backend.SystemID)
	}

	now := a.clk.Now()
	hold := &domain.FundsHold{
		HoldRef:        resp.HoldRef,
		TenantID:       tc.TenantID,
		BusinessUnitID: params.BusinessUnitID,
		PaymentID:      params.PaymentID,
		AccountRef:     params.AccountRef,
		Amount:         params.Amount,
		Currency:       params.Currency,
		Status:         domain.HoldStatusActive,
		ExpiresAt:      now.Add(a.config.HoldTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := a.holds.Create(ctx, hold); err != nil {
		// The backend deduped a replay and returned the original
		// hold_ref; our record already exists
		if errors.Is(err, domain.ErrDuplicateHold) {
			return a.holds.GetByHoldRef(ctx, resp.HoldRef)
		}
		return nil, err
	}

	return hold, nil
}

// CaptureHold converts a hold into a posted debit. Idempotent via the
// hold's own lifecycle; unavailable backends defer to the offline queue.
func (a *Adapter) CaptureHold(ctx context.Context, paymentID, holdRef string) error {
	hold, err := a.holds.GetByHoldRef(ctx, holdRef)
	if err != nil {
		return err
	}
	if hold.Status == domain.HoldStatusCaptured {
		return nil
	}

	backend, err := a.resolve(ctx, hold.AccountRef, domain.OpCaptureHold)
	if err != nil {
		return err
	}

	req := &domain.AccountRequest{
		Op:             domain.OpCaptureHold,
		AccountRef:     hold.AccountRef,
		HoldRef:        holdRef,
		IdempotencyKey: idempotencyKey(paymentID, domain.OpCaptureHold, ""),
		PaymentID:      paymentID,
	}

	if _, err := a.call(ctx, backend, req, a.deferFallback(ctx, backend, req)); err != nil {
		return err
	}

	if _, err := a.holds.MarkCaptured(ctx, holdRef); err != nil {
		return err
	}
	return nil
}

// ReleaseHold returns held funds. Releasing a hold the backend no longer
// knows is success: the money is already free.
func (a *Adapter) ReleaseHold(ctx context.Context, paymentID, holdRef string) error {
	hold, err := a.holds.GetByHoldRef(ctx, holdRef)
	if err != nil {
		return err
	}
	if hold.Status != domain.HoldStatusActive {
		return nil
	}

	backend, err := a.resolve(ctx, hold.AccountRef, domain.OpReleaseHold)
	if err != nil {
		return err
	}

	req := &domain.AccountRequest{
		Op:             domain.OpReleaseHold,
		AccountRef:     hold.AccountRef,
		HoldRef:        holdRef,
		IdempotencyKey: idempotencyKey(paymentID, domain.OpReleaseHold, ""),
		PaymentID:      paymentID,
	}

	_, err = a.call(ctx, backend, req, a.deferFallback(ctx, backend, req))
	if err != nil && !errors.Is(err, domain.ErrHoldNotFound) {
		return err
	}

	if _, err := a.holds.MarkReleased(ctx, holdRef); err != nil {
		return err
	}
	return nil
}

// Credit posts funds into an account
func (a *Adapter) Credit(ctx context.Context, params PostingParams) error {
	return a.post(ctx, domain.OpCredit, params)
}

// Debit posts funds out of an account
func (a *Adapter) Debit(ctx context.Context, params PostingParams) error {
	return a.post(ctx, domain.OpDebit, params)
}

func (a *Adapter) post(ctx context.Context, op domain.AccountOperation, params PostingParams) error {
	backend, err := a.resolve(ctx, params.AccountRef, op)
	if err != nil {
		return err
	}

	req := &domain.AccountRequest{
		Op:             op,
		AccountRef:     params.AccountRef,
		Amount:         params.Amount,
		Currency:       params.Currency,
		IdempotencyKey: idempotencyKey(params.PaymentID, op, params.Reason),
		Reason:         params.Reason,
		PaymentID:      params.PaymentID,
	}

	_, err = a.call(ctx, backend, req, a.deferFallback(ctx, backend, req))
	return err
}

// resolve finds the owning backend and applies the capability gate before
// any network activity
func (a *Adapter) resolve(ctx context.Context, accountRef string, op domain.AccountOperation) (*domain.BackendSystem, error) {
	backend, err := a.registry.Resolve(ctx, accountRef)
	if err != nil {
		return nil, err
	}
	if !backend.Supports(op) {
		return nil, domain.ErrOperationNotSupported
	}
	return backend, nil
}

// call runs one guarded backend operation
func (a *Adapter) call(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest, fallback resilience.Fallback) (*domain.AccountResponse, error) {
	var resp *domain.AccountResponse

	start := a.clk.Now()
	err := a.caller.Call(ctx, backend.SystemID, tenant.IDFrom(ctx), callPolicy(backend), func(ctx context.Context) error {
		r, callErr := a.client.Do(ctx, backend, req)
		if callErr != nil {
			return callErr
		}
		if respErr := responseError(r); respErr != nil {
			return respErr
		}
		resp = r
		return nil
	}, fallback)
	metrics.RecordBackendCall(ctx, backend.SystemID, string(req.Op), err == nil, a.clk.Now().Sub(start).Seconds())

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// deferFallback queues the request for offline redrive when the backend
// is unavailable. Only idempotent requests reach here; the queued record
// re-sends the exact payload with the same Idempotency-Key.
func (a *Adapter) deferFallback(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) resilience.Fallback {
	tc, err := tenant.From(ctx)
	if err != nil {
		return nil
	}

	return func(ctx context.Context, callErr error) error {
		if _, ok := domain.IsServiceUnavailable(callErr); !ok {
			return callErr
		}

		headers := map[string]string{
			"Content-Type":    "application/json",
			"Idempotency-Key": req.IdempotencyKey,
			"X-Tenant-ID":     tc.TenantID,
		}
		if tc.BusinessUnitID != "" {
			headers["X-Business-Unit-ID"] = tc.BusinessUnitID
		}

		msg, queueErr := a.queue.Enqueue(ctx, resilience.EnqueueParams{
			BusinessUnitID: tc.BusinessUnitID,
			ServiceName:    backend.SystemID,
			Endpoint:       Endpoint(backend.BaseURL, req.Op),
			Method:         "POST",
			Payload:        req,
			Headers:        headers,
			IdempotencyKey: req.IdempotencyKey,
			CorrelationID:  req.PaymentID,
		})
		if queueErr != nil {
			a.log.Error("Failed to queue deferred call",
				zap.String("backend", backend.SystemID),
				zap.String("payment_id", req.PaymentID),
				zap.Error(queueErr),
			)
			return callErr
		}

		return &DeferredError{MessageID: msg.MessageID, Service: backend.SystemID}
	}
}

// callPolicy translates the backend's registry row into a guard policy
func callPolicy(backend *domain.BackendSystem) *resilience.CallPolicy {
	return &resilience.CallPolicy{
		Timeout: backend.Timeout,
		Breaker: &breaker.Config{
			WindowSize:        uint32(backend.WindowSize),
			FailureThreshold:  backend.FailureThreshold,
			SlowCallThreshold: backend.SlowCallThreshold,
			SlowCallDuration:  backend.SlowCallDuration,
			WaitDuration:      backend.WaitDuration,
			MaxRequests:       3,
			SuccessThreshold:  2,
			IsFailure:         countsAgainstBreaker,
		},
	}
}

// countsAgainstBreaker keeps business outcomes from tripping circuits: a
// run of insufficient-funds rejections says nothing about backend health
func countsAgainstBreaker(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrAccountClosed),
		errors.Is(err, domain.ErrOperationNotSupported),
		errors.Is(err, domain.ErrHoldNotFound),
		errors.Is(err, domain.ErrInvalidAccountRef):
		return false
	}
	return true
}

// responseError classifies the uniform status codes. Business rejections
// are permanent so the retrier gives up immediately.
func responseError(resp *domain.AccountResponse) error {
	switch resp.Status {
	case domain.AccountStatusOK:
		return nil
	case domain.AccountStatusInsufficientFunds:
		return retry.Permanent(domain.ErrInsufficientFunds)
	case domain.AccountStatusAccountClosed:
		return retry.Permanent(domain.ErrAccountClosed)
	case domain.AccountStatusNotSupported:
		return retry.Permanent(domain.ErrOperationNotSupported)
	case domain.AccountStatusAccountNotFound:
		return retry.Permanent(domain.ErrInvalidAccountRef)
	case domain.AccountStatusHoldNotFound:
		return retry.Permanent(domain.ErrHoldNotFound)
	default:
		if resp.Error != "" {
			return fmt.Errorf("backend error: %s", resp.Error)
		}
		return fmt.Errorf("backend error: %s", resp.Status)
	}
}

// idempotencyKey derives the dedupe key backends see. The qualifier
// separates postings that share payment and operation, like a
// compensating reversal.
func idempotencyKey(paymentID string, op domain.AccountOperation, qualifier string) string {
	if qualifier == "" {
		return fmt.Sprintf("%s:%s", paymentID, op)
	}
	return fmt.Sprintf("%s:%s:%s", paymentID, op, qualifier)
}
