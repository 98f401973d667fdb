package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	pkgredis "github.com/kranthikarthan/payments-engine/pkg/redis"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// AccountSnapshotCache holds the last known backend account state. It
// serves reads only: GetAccount falls back to it within a staleness
// budget when the backend is down. Fund-affecting operations never touch
// it.
type AccountSnapshotCache interface {
	// Get returns the cached snapshot, or (nil, nil) on miss.
	Get(ctx context.Context, tenantID, accountRef string) (*domain.AccountSnapshot, error)

	// Put stores the snapshot with the given TTL.
	Put(ctx context.Context, snapshot *domain.AccountSnapshot, ttl time.Duration) error
}

// RedisAccountCache implements AccountSnapshotCache using Redis
type RedisAccountCache struct {
	client *pkgredis.Client
}

var _ AccountSnapshotCache = (*RedisAccountCache)(nil)

// NewRedisAccountCache creates a new RedisAccountCache
func NewRedisAccountCache(client *pkgredis.Client) *RedisAccountCache {
	return &RedisAccountCache{client: client}
}

// Get returns the cached snapshot
func (r *RedisAccountCache) Get(ctx context.Context, tenantID, accountRef string) (*domain.AccountSnapshot, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.account_cache.get")
	defer span.End()

	span.SetAttributes(attribute.String("account_ref", accountRef))

	snapshot := &domain.AccountSnapshot{}
	if err := r.client.GetJSON(ctx, snapshotKey(tenantID, accountRef), snapshot); err != nil {
		if errors.Is(err, pkgredis.Nil) {
			span.SetAttributes(attribute.Bool("hit", false))
			span.SetStatus(codes.Ok, "miss")
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read account snapshot: %w", err)
	}

	span.SetAttributes(attribute.Bool("hit", true))
	span.SetStatus(codes.Ok, "")
	return snapshot, nil
}

// Put stores the snapshot
func (r *RedisAccountCache) Put(ctx context.Context, snapshot *domain.AccountSnapshot, ttl time.Duration) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.account_cache.put")
	defer span.End()

	span.SetAttributes(attribute.String("account_ref", snapshot.AccountRef))

	if err := r.client.SetJSON(ctx, snapshotKey(snapshot.TenantID, snapshot.AccountRef), snapshot, ttl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write account snapshot: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func snapshotKey(tenantID, accountRef string) string {
	return fmt.Sprintf("account:snapshot:%s:%s", tenantID, accountRef)
}
