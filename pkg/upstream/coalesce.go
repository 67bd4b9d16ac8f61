package upstream

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coalesce runs fetch once for concurrent callers sharing key. The shared
// fetch is detached from every caller's cancellation and bounded by budget
// instead, so one caller giving up never fails the others. A caller whose own
// ctx ends stops waiting and gets ErrUnavailable wrapping ctx's error.
func Coalesce[T any](ctx context.Context, group *singleflight.Group, source, key string, budget time.Duration,
	fetch func(ctx context.Context) (T, error)) (T, error) {
	ch := group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()
		return fetch(fetchCtx)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, Unavailable(source, "stopped waiting for upstream", ctx.Err())
	}
}
