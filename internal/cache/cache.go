// Package cache provides the key/value cache used by the resolver and SSO client.
//
// Purpose:
//   Front channel, access and token lookups with a TTL cache. Values are stored
//   as JSON so any serializable record can be cached.
//
// Dependencies:
//   - github.com/redis/go-redis/v9: shared cache across gateway replicas
//
// Key Responsibilities:
//   - Get/Set/Has/Delete with per-entry TTL
//   - Treat a missing key as a miss, not an error
//   - In-process implementation for single-node deployments and tests
//
package cache

import (
	"context"
	"time"
)

// Cache is a TTL key/value store. Get decodes the stored value into dest and
// reports whether the key was present.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}
