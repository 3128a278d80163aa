package batch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Collect processes items with at most workers goroutines and returns the
// results in input order. It cancels remaining work on the first error.
//
// The onProgress callback is called after each successful item is processed.
func Collect[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	process func(ctx context.Context, item T) (R, error),
	onProgress func(done int64, total int64),
) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}

	workers = normalizeWorkers(workers, len(items))
	total := int64(len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	out := make([]R, len(items))
	var done int64

	for i, item := range items {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			value, err := process(gctx, item)
			if err != nil {
				return err
			}
			out[i] = value
			n := atomic.AddInt64(&done, 1)
			if onProgress != nil {
				onProgress(n, total)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeWorkers ensures worker count is between 1 and item count.
func normalizeWorkers(workers, itemCount int) int {
	if workers < 1 {
		workers = 1
	}
	if workers > itemCount {
		workers = itemCount
	}
	return workers
}
