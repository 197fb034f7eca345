package sinks

import (
	"context"
	"sync"
	"sync/atomic"
)

// runWorkerPool applies fn to items using up to slots goroutines and sums the
// results. The bool reports whether ctx ended before all items were handed out.
func runWorkerPool[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) int) (int, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if slots <= 1 || len(items) <= 1 {
		total := 0
		for _, item := range items {
			if ctx.Err() != nil {
				return total, true
			}
			total += fn(ctx, item)
		}
		return total, false
	}
	if slots > len(items) {
		slots = len(items)
	}

	tasks := make(chan T)
	var (
		wg      sync.WaitGroup
		total   atomic.Int64
		aborted atomic.Bool
	)
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range tasks {
				total.Add(int64(fn(ctx, item)))
			}
		}()
	}

	for _, item := range items {
		if ctx.Err() != nil {
			aborted.Store(true)
			break
		}
		select {
		case tasks <- item:
		case <-ctx.Done():
			aborted.Store(true)
		}
		if aborted.Load() {
			break
		}
	}
	close(tasks)
	wg.Wait()
	return int(total.Load()), aborted.Load()
}
