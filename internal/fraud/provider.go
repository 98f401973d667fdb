package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
)

// ScoreRequest is the payment context sent to the scoring provider.
type ScoreRequest struct {
	PaymentID        string            `json:"payment_id"`
	TenantID         string            `json:"tenant_id"`
	BusinessUnitID   string            `json:"business_unit_id"`
	CustomerID       string            `json:"customer_id"`
	DebitAccountRef  string            `json:"debit_account_ref"`
	CreditAccountRef string            `json:"credit_account_ref"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	PaymentType      string            `json:"payment_type"`
	LocalInstrument  string            `json:"local_instrument,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ScoreResult carries the provider's normalized risk score.
type ScoreResult struct {
	Score    float64 `json:"score"`
	Provider string  `json:"provider,omitempty"`
}

// ScoreProvider returns a normalized fraud score in [0,1] for a payment.
// The engine guards calls with the resiliency chain; implementations only
// do the I/O.
type ScoreProvider interface {
	Score(ctx context.Context, req *ScoreRequest) (*ScoreResult, error)
}

// HTTPScoreProvider calls an external scoring service:
// POST {base_url}/v1/score with the payment context as JSON.
type HTTPScoreProvider struct {
	baseURL string
	client  *http.Client
}

var _ ScoreProvider = (*HTTPScoreProvider)(nil)

// NewHTTPScoreProvider creates a new HTTPScoreProvider. Per-call timeouts
// come from the engine's policy via context, so the embedded client has
// none of its own.
func NewHTTPScoreProvider(baseURL string) *HTTPScoreProvider {
	return &HTTPScoreProvider{baseURL: baseURL, client: &http.Client{}}
}

// Score sends the payment context and decodes the provider's reply.
func (p *HTTPScoreProvider) Score(ctx context.Context, req *ScoreRequest) (*ScoreResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", req.TenantID)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fraud scorer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fraud scorer returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read scorer response: %w", err)
	}

	out := &ScoreResult{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("fraud scorer sent malformed response: %w", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return nil, fmt.Errorf("fraud scorer sent out-of-range score %v", out.Score)
	}

	return out, nil
}
