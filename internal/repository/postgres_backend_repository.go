package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// PostgresBackendRepository implements BackendRepository using PostgreSQL
type PostgresBackendRepository struct {
	pool *pgxpool.Pool
}

var _ BackendRepository = (*PostgresBackendRepository)(nil)

// NewPostgresBackendRepository creates a new PostgresBackendRepository
func NewPostgresBackendRepository(pool *pgxpool.Pool) *PostgresBackendRepository {
	return &PostgresBackendRepository{pool: pool}
}

// ListActive returns all active backends
func (r *PostgresBackendRepository) ListActive(ctx context.Context) ([]*domain.BackendSystem, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.backend.list_active")
	defer span.End()

	rows, err := r.pool.Query(ctx, selectBackend+` WHERE active = TRUE ORDER BY system_id`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list backends: %w", err)
	}
	defer rows.Close()

	var backends []*domain.BackendSystem
	for rows.Next() {
		backend, err := scanBackend(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan backend: %w", err)
		}
		backends = append(backends, backend)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("error iterating backends: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(backends)))
	span.SetStatus(codes.Ok, "")
	return backends, nil
}

// GetBySystemID retrieves one active backend
func (r *PostgresBackendRepository) GetBySystemID(ctx context.Context, systemID string) (*domain.BackendSystem, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.backend.get_by_system_id")
	defer span.End()

	span.SetAttributes(attribute.String("system_id", systemID))

	row := r.pool.QueryRow(ctx, selectBackend+` WHERE system_id = $1 AND active = TRUE`, systemID)

	backend, err := scanBackend(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrBackendNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get backend: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return backend, nil
}

// ListPrefixRoutes returns every registered prefix route
func (r *PostgresBackendRepository) ListPrefixRoutes(ctx context.Context) ([]PrefixRoute, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.backend.list_prefix_routes")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT prefix, system_id FROM account_prefix_routes ORDER BY prefix`,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list prefix routes: %w", err)
	}
	defer rows.Close()

	var routes []PrefixRoute
	for rows.Next() {
		var route PrefixRoute
		if err := rows.Scan(&route.Prefix, &route.SystemID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan prefix route: %w", err)
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("error iterating prefix routes: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(routes)))
	span.SetStatus(codes.Ok, "")
	return routes, nil
}

// seededBackend pairs a registry row with its account-ref prefixes
type seededBackend struct {
	backend  domain.BackendSystem
	prefixes []string
}

// defaultBackends is the registry installed on first start. Capability
// matrices are deliberately uneven: loans take credits only, cards have no
// holds, the legacy deposits core is slow and gets a forgiving breaker.
func defaultBackends() []seededBackend {
	all := []domain.AccountOperation{
		domain.OpGetAccount, domain.OpPlaceHold, domain.OpCaptureHold,
		domain.OpReleaseHold, domain.OpCredit, domain.OpDebit,
	}
	return []seededBackend{
		{
			backend: domain.BackendSystem{
				SystemID: "current-core", Name: "Current Accounts Core",
				BaseURL: "http://current-core:8080", Capabilities: all,
				Timeout: 2 * time.Second, FailureThreshold: 0.5,
				SlowCallThreshold: 0.5, SlowCallDuration: time.Second,
				WindowSize: 20, WaitDuration: 30 * time.Second, Active: true,
			},
			prefixes: []string{"CUR-"},
		},
		{
			backend: domain.BackendSystem{
				SystemID: "savings-core", Name: "Savings Core",
				BaseURL: "http://savings-core:8080", Capabilities: all,
				Timeout: 2 * time.Second, FailureThreshold: 0.5,
				SlowCallThreshold: 0.5, SlowCallDuration: time.Second,
				WindowSize: 20, WaitDuration: 30 * time.Second, Active: true,
			},
			prefixes: []string{"SAV-"},
		},
		{
			backend: domain.BackendSystem{
				SystemID: "loans-core", Name: "Loan Servicing",
				BaseURL: "http://loans-core:8080",
				Capabilities: []domain.AccountOperation{
					domain.OpGetAccount, domain.OpCredit,
				},
				Timeout: 3 * time.Second, FailureThreshold: 0.5,
				SlowCallThreshold: 0.6, SlowCallDuration: 1500 * time.Millisecond,
				WindowSize: 20, WaitDuration: 60 * time.Second, Active: true,
			},
			prefixes: []string{"LON-"},
		},
		{
			backend: domain.BackendSystem{
				SystemID: "wallet-core", Name: "Wallet Platform",
				BaseURL: "http://wallet-core:8080", Capabilities: all,
				Timeout: time.Second, FailureThreshold: 0.4,
				SlowCallThreshold: 0.4, SlowCallDuration: 500 * time.Millisecond,
				WindowSize: 50, WaitDuration: 15 * time.Second, Active: true,
			},
			prefixes: []string{"WAL-"},
		},
		{
			backend: domain.BackendSystem{
				SystemID: "card-core", Name: "Card Management",
				BaseURL: "http://card-core:8080",
				Capabilities: []domain.AccountOperation{
					domain.OpGetAccount, domain.OpCredit, domain.OpDebit,
				},
				Timeout: 2 * time.Second, FailureThreshold: 0.5,
				SlowCallThreshold: 0.5, SlowCallDuration: time.Second,
				WindowSize: 20, WaitDuration: 30 * time.Second, Active: true,
			},
			prefixes: []string{"CRD-"},
		},
		{
			backend: domain.BackendSystem{
				SystemID: "legacy-deposits", Name: "Legacy Deposits Core",
				BaseURL: "http://legacy-deposits:8080", Capabilities: all,
				Timeout: 5 * time.Second, FailureThreshold: 0.7,
				SlowCallThreshold: 0.8, SlowCallDuration: 3 * time.Second,
				WindowSize: 10, WaitDuration: 120 * time.Second, Active: true,
			},
			prefixes: []string{"DEP-", "LEG-"},
		},
		{
			backend: domain.BackendSystem{
				SystemID: "treasury-core", Name: "Treasury & Nostro",
				BaseURL: "http://treasury-core:8080",
				Capabilities: []domain.AccountOperation{
					domain.OpGetAccount, domain.OpPlaceHold, domain.OpCaptureHold,
					domain.OpReleaseHold, domain.OpCredit, domain.OpDebit,
				},
				Timeout: 4 * time.Second, FailureThreshold: 0.5,
				SlowCallThreshold: 0.5, SlowCallDuration: 2 * time.Second,
				WindowSize: 20, WaitDuration: 60 * time.Second, Active: true,
			},
			prefixes: []string{"TRS-", "NST-"},
		},
		{
			backend: domain.BackendSystem{
				SystemID: "fx-core", Name: "FX Settlement",
				BaseURL: "http://fx-core:8080",
				Capabilities: []domain.AccountOperation{
					domain.OpGetAccount, domain.OpCredit, domain.OpDebit,
				},
				Timeout: 3 * time.Second, FailureThreshold: 0.5,
				SlowCallThreshold: 0.5, SlowCallDuration: 1500 * time.Millisecond,
				WindowSize: 20, WaitDuration: 45 * time.Second, Active: true,
			},
			prefixes: []string{"FX-"},
		},
	}
}

// Seed installs the default backend registry, leaving existing rows untouched
func (r *PostgresBackendRepository) Seed(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.backend.seed")
	defer span.End()

	insertBackend := `
		INSERT INTO backend_systems (
			system_id, name, base_url, capabilities, timeout_ms,
			failure_threshold, slow_call_threshold, slow_call_duration_ms,
			window_size, wait_duration_ms, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (system_id) DO NOTHING
	`
	insertPrefix := `
		INSERT INTO account_prefix_routes (prefix, system_id)
		VALUES ($1, $2)
		ON CONFLICT (prefix) DO NOTHING
	`

	for _, entry := range defaultBackends() {
		b := entry.backend
		caps := make([]string, len(b.Capabilities))
		for i, c := range b.Capabilities {
			caps[i] = string(c)
		}

		_, err := r.pool.Exec(ctx, insertBackend,
			b.SystemID,
			b.Name,
			b.BaseURL,
			strings.Join(caps, ","),
			b.Timeout.Milliseconds(),
			b.FailureThreshold,
			b.SlowCallThreshold,
			b.SlowCallDuration.Milliseconds(),
			b.WindowSize,
			b.WaitDuration.Milliseconds(),
			b.Active,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to seed backend %s: %w", b.SystemID, err)
		}

		for _, prefix := range entry.prefixes {
			if _, err := r.pool.Exec(ctx, insertPrefix, prefix, b.SystemID); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("failed to seed prefix %s: %w", prefix, err)
			}
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

const selectBackend = `
	SELECT
		system_id, name, base_url, capabilities, timeout_ms,
		failure_threshold, slow_call_threshold, slow_call_duration_ms,
		window_size, wait_duration_ms, active
	FROM backend_systems
`

func scanBackend(row pgx.Row) (*domain.BackendSystem, error) {
	backend := &domain.BackendSystem{}
	var (
		capabilities   string
		timeoutMs      int64
		slowCallMs     int64
		waitDurationMs int64
	)

	err := row.Scan(
		&backend.SystemID,
		&backend.Name,
		&backend.BaseURL,
		&capabilities,
		&timeoutMs,
		&backend.FailureThreshold,
		&backend.SlowCallThreshold,
		&slowCallMs,
		&backend.WindowSize,
		&waitDurationMs,
		&backend.Active,
	)
	if err != nil {
		return nil, err
	}

	backend.Timeout = time.Duration(timeoutMs) * time.Millisecond
	backend.SlowCallDuration = time.Duration(slowCallMs) * time.Millisecond
	backend.WaitDuration = time.Duration(waitDurationMs) * time.Millisecond

	if capabilities != "" {
		for _, c := range strings.Split(capabilities, ",") {
			backend.Capabilities = append(backend.Capabilities, domain.AccountOperation(strings.TrimSpace(c)))
		}
	}

	return backend, nil
}
