package projection

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-matching/internal/events"
)

// RedisProjection keeps the latest snapshot of each entity in a Redis
// hash plus a per-owner index set, so per-user views can refresh without
// polling Postgres. Updates are idempotent snapshots; replaying one is
// harmless.
type RedisProjection struct {
	client *redis.Client
}

func NewRedisProjection(addr, password string) *RedisProjection {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisProjection{client: c}
}

func NewRedisProjectionFromClient(c *redis.Client) *RedisProjection {
	return &RedisProjection{client: c}
}

func entityKey(t events.Transition) string {
	return "pickup:proj:" + t.EntityType + ":" + t.EntityID
}

func ownerKey(ownerID string) string { return "pickup:owner:" + ownerID }

// Apply stores the transition snapshot and indexes it under each owner.
func (p *RedisProjection) Apply(ctx context.Context, t events.Transition) error {
	values := map[string]interface{}{
		"status":     t.Status,
		"trip_id":    t.TripID,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range t.Fields {
		values["f:"+k] = v
	}
	if err := p.client.HSet(ctx, entityKey(t), values).Err(); err != nil {
		return err
	}
	for _, owner := range t.OwnerIDs {
		if owner == "" {
			continue
		}
		if err := p.client.SAdd(ctx, ownerKey(owner), entityKey(t)).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the stored fields for one entity.
func (p *RedisProjection) Snapshot(ctx context.Context, entityType, entityID string) (map[string]string, error) {
	return p.client.HGetAll(ctx, "pickup:proj:"+entityType+":"+entityID).Result()
}

// OwnerEntities lists the projection keys indexed for an owner.
func (p *RedisProjection) OwnerEntities(ctx context.Context, ownerID string) ([]string, error) {
	return p.client.SMembers(ctx, ownerKey(ownerID)).Result()
}

func (p *RedisProjection) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisProjection) Close() error { return p.client.Close() }
