package repository

import (
	"context"
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

// PostgresEventRepository implements EventRepository using PostgreSQL
type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

var _ EventRepository = (*PostgresEventRepository)(nil)

// NewPostgresEventRepository creates a new PostgresEventRepository
func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

// AppendInTx assigns the next per-saga seq and inserts inside the caller's
// transaction. The per-saga single-writer lease keeps seq assignment free
// of contention; the unique (saga_id, seq) index is the safety net.
func (r *PostgresEventRepository) AppendInTx(ctx context.Context, tx pgx.Tx, event *domain.TransactionEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.event.append")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("saga_id", event.SagaID),
		attribute.String("event_type", event.Type),
	)

	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transaction_events WHERE saga_id = $1`,
		event.SagaID,
	).Scan(&event.Seq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to assign event seq: %w", err)
	}

	query := `
		INSERT INTO transaction_events (
			event_id, saga_id, seq, type, payload, occurred_at,
			correlation_id, causation_id, tenant_id, business_unit_id,
			publish_attempts, poison
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			0, FALSE
		)
	`

	_, err = tx.Exec(ctx, query,
		event.EventID,
		event.SagaID,
		event.Seq,
		event.Type,
		[]byte(event.Payload),
		event.OccurredAt,
		event.CorrelationID,
		nullString(event.CausationID),
		tc.TenantID,
		event.BusinessUnitID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to append event: %w", err)
	}

	span.SetAttributes(attribute.Int64("seq", event.Seq))
	span.SetStatus(codes.Ok, "")
	return nil
}

// ListBySaga returns all events for a saga in seq order
func (r *PostgresEventRepository) ListBySaga(ctx context.Context, sagaID string) ([]*domain.TransactionEvent, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.event.list_by_saga")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(attribute.String("saga_id", sagaID))

	query := selectEvent + ` WHERE tenant_id = $1 AND saga_id = $2 ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, query, tc.TenantID, sagaID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(events)))
	span.SetStatus(codes.Ok, "")
	return events, nil
}

// ListUnpublished returns publishable rows ordered (saga_id, seq)
func (r *PostgresEventRepository) ListUnpublished(ctx context.Context, limit int) ([]*domain.TransactionEvent, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.event.list_unpublished")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	query := selectEvent + `
		WHERE published_at IS NULL AND poison = FALSE
		ORDER BY saga_id, seq
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list unpublished events: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(events)))
	span.SetStatus(codes.Ok, "")
	return events, nil
}

// MarkPublished stamps a row as delivered
func (r *PostgresEventRepository) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.event.mark_published")
	defer span.End()

	span.SetAttributes(attribute.String("event_id", eventID))

	result, err := r.pool.Exec(ctx,
		`UPDATE transaction_events SET published_at = $2 WHERE event_id = $1 AND published_at IS NULL`,
		eventID, at,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark event published: %w", err)
	}

	// Zero rows means already published by a competing worker; at-least-once
	// makes that benign.
	span.SetAttributes(attribute.Bool("already_published", result.RowsAffected() == 0))
	span.SetStatus(codes.Ok, "")
	return nil
}

// RecordPublishFailure increments attempts and poisons past the cap
func (r *PostgresEventRepository) RecordPublishFailure(ctx context.Context, eventID string, maxAttempts int) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.event.record_publish_failure")
	defer span.End()

	span.SetAttributes(attribute.String("event_id", eventID))

	var attempts int
	var poison bool
	err := r.pool.QueryRow(ctx, `
		UPDATE transaction_events
		SET publish_attempts = publish_attempts + 1,
		    poison = (publish_attempts + 1 >= $2)
		WHERE event_id = $1 AND published_at IS NULL
		RETURNING publish_attempts, poison
	`, eventID, maxAttempts).Scan(&attempts, &poison)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "")
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to record publish failure: %w", err)
	}

	span.SetAttributes(
		attribute.Int("attempts", attempts),
		attribute.Bool("poison", poison),
	)
	span.SetStatus(codes.Ok, "")
	return poison, nil
}

const selectEvent = `
	SELECT
		event_id, saga_id, seq, type, payload, occurred_at,
		correlation_id, causation_id, tenant_id, business_unit_id,
		published_at, publish_attempts, poison
	FROM transaction_events
`

func scanEvent(row pgx.Row) (*domain.TransactionEvent, error) {
	event := &domain.TransactionEvent{}
	var (
		payload     []byte
		causationID *string
	)

	err := row.Scan(
		&event.EventID,
		&event.SagaID,
		&event.Seq,
		&event.Type,
		&payload,
		&event.OccurredAt,
		&event.CorrelationID,
		&causationID,
		&event.TenantID,
		&event.BusinessUnitID,
		&event.PublishedAt,
		&event.PublishAttempts,
		&event.Poison,
	)
	if err != nil {
		return nil, err
	}

	event.Payload = payload
	if causationID != nil {
		event.CausationID = *causationID
	}

	return event, nil
}

func collectEvents(rows pgx.Rows) ([]*domain.TransactionEvent, error) {
	var events []*domain.TransactionEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
