// Package dispatcher fans independent units of work out to a fixed-size pool
// of goroutines and streams their results back to a single coordinator.
package dispatcher

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/landsat-ingest/internal/metrics"
)

// Dispatch is a running fan-out.
type Dispatch[R any] struct {
	results    chan R
	notStarted atomic.Int64
}

// Results yields one value per started item in completion order. The channel
// closes once every started item has finished.
func (d *Dispatch[R]) Results() <-chan R {
	return d.results
}

// NotStarted is the number of items never handed to a worker because the
// context ended first. It is final once Results is closed.
func (d *Dispatch[R]) NotStarted() int {
	return int(d.notStarted.Load())
}

// Run starts size workers over items. Items are fed through an unbuffered
// channel; feeding stops as soon as ctx is done. Items already handed to a
// worker run to completion with a context detached from ctx's cancellation.
// handle must report failures through its result; the pool has no error path.
func Run[T, R any](ctx context.Context, size int, items []T, handle func(context.Context, T) R) *Dispatch[R] {
	if size < 1 {
		size = 1
	}
	d := &Dispatch[R]{results: make(chan R, size)}
	tasks := make(chan T)
	unitCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for range size {
		g.Go(func() error {
			for item := range tasks {
				metrics.IncActiveWorkers()
				result := handle(unitCtx, item)
				metrics.DecActiveWorkers()
				d.results <- result
			}
			return nil
		})
	}

	go func() {
		fed := feed(ctx, tasks, items)
		close(tasks)
		d.notStarted.Store(int64(len(items) - fed))
		_ = g.Wait()
		close(d.results)
	}()
	return d
}

func feed[T any](ctx context.Context, tasks chan<- T, items []T) int {
	fed := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return fed
		}
		select {
		case tasks <- item:
			fed++
		case <-ctx.Done():
			return fed
		}
	}
	return fed
}
