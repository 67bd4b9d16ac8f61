package cache

import (
	"context"
	"time"
)

// Source loads a value on a cache miss.
type Source[T any] func(ctx context.Context) (T, error)

// ReadThrough returns the value cached at key, or loads it from source and
// writes it back with ttl. With useCache false the cached value is ignored
// but the fresh one is still stored. Source errors are returned and nothing
// is written.
func ReadThrough[T any](ctx context.Context, s Store, key string, ttl time.Duration, useCache bool, source Source[T]) (T, bool, error) {
	if useCache {
		if v, ok := GetJSON[T](ctx, s, key); ok {
			return v, true, nil
		}
	}
	v, err := source(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	SetJSON(ctx, s, key, v, ttl)
	return v, false, nil
}
