package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies mapFunc to every element of seq with at most limit calls in
// flight and yields the results in completion order. Errors of mapFunc are
// yielded, they do not stop the others. Leaving the loop early or canceling
// ctx stops the remaining work; Map returns only after every worker ended.
//
//	for d, err := range parallel.Map(ctx, 4, slices.Values(input), f) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq[E], mapFunc func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	if limit < 1 {
		limit = 1
	}
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		mapped := make(chan result[D], limit)

		go func() {
			defer close(mapped)
			for entry := range seq {
				if gctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := mapFunc(gctx, entry)
					select {
					case <-gctx.Done():
					case mapped <- result[D]{d: d, e: err}:
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range mapped {
			if !yield(r.d, r.e) {
				cancel()
				for range mapped {
				}
				return
			}
		}
	}
}
