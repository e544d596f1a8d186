package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup tracks processed event ids for one consumer. Seen only reads;
// callers Mark an event after its work succeeded, so a delivery that
// failed half-way stays unmarked and gets redelivered. Redis loss weakens
// dedup to at-least-once, which the handlers tolerate: errors read as
// "not seen" and marks are best effort.
type Dedup struct {
	R       *redis.Client
	Service string
}

func (d Dedup) Seen(ctx context.Context, eventID string) bool {
	n, err := d.R.Exists(ctx, d.key(eventID)).Result()
	return err == nil && n > 0
}

func (d Dedup) Mark(ctx context.Context, eventID string) {
	_ = d.R.Set(ctx, d.key(eventID), "1", TTLDedup).Err()
}

func (d Dedup) key(eventID string) string {
	return fmt.Sprintf(KeyDedup, d.Service, eventID)
}
