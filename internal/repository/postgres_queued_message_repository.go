package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// PostgresQueuedMessageRepository implements QueuedMessageRepository using PostgreSQL
type PostgresQueuedMessageRepository struct {
	pool *pgxpool.Pool
}

var _ QueuedMessageRepository = (*PostgresQueuedMessageRepository)(nil)

// NewPostgresQueuedMessageRepository creates a new PostgresQueuedMessageRepository
func NewPostgresQueuedMessageRepository(pool *pgxpool.Pool) *PostgresQueuedMessageRepository {
	return &PostgresQueuedMessageRepository{pool: pool}
}

// Create persists a new PENDING record
func (r *PostgresQueuedMessageRepository) Create(ctx context.Context, msg *domain.QueuedMessage) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.create")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("message_id", msg.MessageID),
		attribute.String("service_name", msg.ServiceName),
	)

	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO queued_messages (
			message_id, tenant_id, business_unit_id, service_name, endpoint,
			method, payload, headers, idempotency_key, correlation_id,
			status, retry_count, max_retries, next_retry_at, expires_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`

	_, err = r.pool.Exec(ctx, query,
		msg.MessageID,
		tc.TenantID,
		msg.BusinessUnitID,
		msg.ServiceName,
		msg.Endpoint,
		msg.Method,
		msg.Payload,
		headers,
		msg.IdempotencyKey,
		nullString(msg.CorrelationID),
		string(msg.Status),
		msg.RetryCount,
		msg.MaxRetries,
		msg.NextRetryAt,
		msg.ExpiresAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create queued message: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves a record by message ID
func (r *PostgresQueuedMessageRepository) GetByID(ctx context.Context, messageID string) (*domain.QueuedMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.get_by_id")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(attribute.String("message_id", messageID))

	row := r.pool.QueryRow(ctx,
		selectQueuedMessage+` WHERE tenant_id = $1 AND message_id = $2`,
		tc.TenantID, messageID,
	)

	msg, err := scanQueuedMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrQueuedMessageNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get queued message: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return msg, nil
}

// GetByIdempotencyKey finds an existing record for the key
func (r *PostgresQueuedMessageRepository) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.QueuedMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.get_by_idempotency_key")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	row := r.pool.QueryRow(ctx,
		selectQueuedMessage+` WHERE tenant_id = $1 AND idempotency_key = $2`,
		tc.TenantID, idempotencyKey,
	)

	msg, err := scanQueuedMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrQueuedMessageNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get queued message by idempotency key: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return msg, nil
}

// ClaimDue atomically flips due PENDING/RETRY rows to PROCESSING across
// all tenants
func (r *PostgresQueuedMessageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.claim_due")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	// Claim-and-flip in one statement so two workers never drive the
	// same message
	query := `
		WITH due AS (
			SELECT message_id
			FROM queued_messages
			WHERE status IN ('PENDING', 'RETRY')
			  AND next_retry_at <= $1
			  AND expires_at > $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queued_messages qm
		SET status = 'PROCESSING', updated_at = $1
		FROM due
		WHERE qm.message_id = due.message_id
		RETURNING qm.message_id, qm.tenant_id, qm.business_unit_id, qm.service_name,
		          qm.endpoint, qm.method, qm.payload, qm.headers, qm.idempotency_key,
		          qm.correlation_id, qm.status, qm.retry_count, qm.max_retries,
		          qm.last_error, qm.next_retry_at, qm.expires_at, qm.created_at, qm.updated_at
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to claim due messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectQueuedMessages(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(msgs)))
	span.SetStatus(codes.Ok, "")
	return msgs, nil
}

// MarkProcessed flips PROCESSING → PROCESSED
func (r *PostgresQueuedMessageRepository) MarkProcessed(ctx context.Context, messageID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.mark_processed")
	defer span.End()

	span.SetAttributes(attribute.String("message_id", messageID))

	result, err := r.pool.Exec(ctx, `
		UPDATE queued_messages
		SET status = 'PROCESSED', updated_at = NOW()
		WHERE message_id = $1 AND status = 'PROCESSING'
	`, messageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "not found or not processing")
		return domain.ErrQueuedMessageNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkFailed records the error and schedules the retry or finalizes as FAILED
func (r *PostgresQueuedMessageRepository) MarkFailed(ctx context.Context, messageID, lastError string, nextRetryAt time.Time) (domain.QueuedMessageStatus, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.mark_failed")
	defer span.End()

	span.SetAttributes(attribute.String("message_id", messageID))

	// retry_count increments here; FAILED when the budget is spent
	query := `
		UPDATE queued_messages
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    next_retry_at = $3,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'FAILED' ELSE 'RETRY' END,
		    updated_at = NOW()
		WHERE message_id = $1 AND status = 'PROCESSING'
		RETURNING status
	`

	var status string
	err := r.pool.QueryRow(ctx, query, messageID, lastError, nextRetryAt).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found or not processing")
			return "", domain.ErrQueuedMessageNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to mark message failed: %w", err)
	}

	span.SetAttributes(attribute.String("status", status))
	span.SetStatus(codes.Ok, "")
	return domain.QueuedMessageStatus(status), nil
}

// ExpireOverdue flips non-terminal rows past expires_at to EXPIRED
func (r *PostgresQueuedMessageRepository) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.expire_overdue")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	query := `
		WITH overdue AS (
			SELECT message_id
			FROM queued_messages
			WHERE status IN ('PENDING', 'PROCESSING', 'FAILED', 'RETRY')
			  AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queued_messages qm
		SET status = 'EXPIRED', updated_at = $1
		FROM overdue
		WHERE qm.message_id = overdue.message_id
		RETURNING qm.message_id, qm.tenant_id, qm.business_unit_id, qm.service_name,
		          qm.endpoint, qm.method, qm.payload, qm.headers, qm.idempotency_key,
		          qm.correlation_id, qm.status, qm.retry_count, qm.max_retries,
		          qm.last_error, qm.next_retry_at, qm.expires_at, qm.created_at, qm.updated_at
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to expire overdue messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collectQueuedMessages(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(msgs)))
	span.SetStatus(codes.Ok, "")
	return msgs, nil
}

// Cancel flips a non-terminal record to CANCELLED
func (r *PostgresQueuedMessageRepository) Cancel(ctx context.Context, messageID string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queued_message.cancel")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return false, err
	}

	span.SetAttributes(attribute.String("message_id", messageID))

	result, err := r.pool.Exec(ctx, `
		UPDATE queued_messages
		SET status = 'CANCELLED', updated_at = NOW()
		WHERE tenant_id = $1 AND message_id = $2
		  AND status NOT IN ('PROCESSED', 'EXPIRED', 'CANCELLED')
	`, tc.TenantID, messageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to cancel queued message: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM queued_messages WHERE tenant_id = $1 AND message_id = $2)`,
			tc.TenantID, messageID,
		).Scan(&exists)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, fmt.Errorf("failed to classify cancel: %w", err)
		}
		if !exists {
			span.SetStatus(codes.Error, "not found")
			return false, domain.ErrQueuedMessageNotFound
		}
		span.SetStatus(codes.Ok, "already terminal")
		return false, nil
	}

	span.SetStatus(codes.Ok, "")
	return true, nil
}

const selectQueuedMessage = `
	SELECT
		message_id, tenant_id, business_unit_id, service_name, endpoint,
		method, payload, headers, idempotency_key, correlation_id,
		status, retry_count, max_retries, last_error, next_retry_at,
		expires_at, created_at, updated_at
	FROM queued_messages
`

func scanQueuedMessage(row pgx.Row) (*domain.QueuedMessage, error) {
	msg := &domain.QueuedMessage{}
	var (
		headers       []byte
		correlationID *string
		status        string
		lastError     *string
	)

	err := row.Scan(
		&msg.MessageID,
		&msg.TenantID,
		&msg.BusinessUnitID,
		&msg.ServiceName,
		&msg.Endpoint,
		&msg.Method,
		&msg.Payload,
		&headers,
		&msg.IdempotencyKey,
		&correlationID,
		&status,
		&msg.RetryCount,
		&msg.MaxRetries,
		&lastError,
		&msg.NextRetryAt,
		&msg.ExpiresAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}
	if correlationID != nil {
		msg.CorrelationID = *correlationID
	}
	if lastError != nil {
		msg.LastError = *lastError
	}
	msg.Status = domain.QueuedMessageStatus(status)

	return msg, nil
}

func collectQueuedMessages(rows pgx.Rows) ([]*domain.QueuedMessage, error) {
	var msgs []*domain.QueuedMessage
	for rows.Next() {
		msg, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queued messages: %w", err)
	}
	return msgs, nil
}
