package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
)

// BackendClient sends one account operation to a backend. Implementations
// must be safe for concurrent use; tests inject fakes.
type BackendClient interface {
	Do(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) (*domain.AccountResponse, error)
}

// HTTPBackendClient implements BackendClient over the uniform backend
// HTTP contract: POST {base_url}/v1/accounts/{op} with a JSON body. The
// Idempotency-Key header carries the request's key so backends can dedupe
// redrives.
type HTTPBackendClient struct {
	client *http.Client
}

var _ BackendClient = (*HTTPBackendClient)(nil)

// NewHTTPBackendClient creates a new HTTPBackendClient. Per-call timeouts
// come from the backend's policy via context, so the embedded client has
// none of its own.
func NewHTTPBackendClient() *HTTPBackendClient {
	return &HTTPBackendClient{client: &http.Client{}}
}

// Endpoint returns the URL an operation posts to. The redrive worker
// rebuilds requests from queued records using the same layout.
func Endpoint(baseURL string, op domain.AccountOperation) string {
	return fmt.Sprintf("%s/v1/accounts/%s", baseURL, op)
}

// Do sends the operation and decodes the uniform response. Transport
// errors and 5xx replies return an error (retryable); a decoded response
// with a non-OK status is returned without error, classification is the
// adapter's job.
func (c *HTTPBackendClient) Do(ctx context.Context, backend *domain.BackendSystem, req *domain.AccountRequest) (*domain.AccountResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint(backend.BaseURL, req.Op), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build account request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if tc, err := tenant.From(ctx); err == nil {
		httpReq.Header.Set("X-Tenant-ID", tc.TenantID)
		if tc.BusinessUnitID != "" {
			httpReq.Header.Set("X-Business-Unit-ID", tc.BusinessUnitID)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend %s unreachable: %w", backend.SystemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("backend %s returned %d", backend.SystemID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}

	out := &domain.AccountResponse{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("backend %s sent malformed response: %w", backend.SystemID, err)
	}

	return out, nil
}
