package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one unit of work (a page or an image).
// Exactly one of Value or Err is meaningful.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Strategy decides how many units of work run at the same time.
type Strategy struct {
	name  string
	limit int
}

// Parallel runs up to limit units at once; limit <= 0 means no bound.
func Parallel(limit int) Strategy {
	return Strategy{name: "parallel", limit: limit}
}

// Sequential runs units one after another in index order.
func Sequential() Strategy {
	return Strategy{name: "sequential", limit: 1}
}

// Name identifies the strategy in logs.
func (s Strategy) Name() string {
	if s.name == "" {
		return "sequential"
	}
	return s.name
}

// Limit is the maximum number of concurrent units, or -1 for no bound.
func (s Strategy) Limit() int {
	if s.name == "" {
		return 1
	}
	if s.limit <= 0 {
		return -1
	}
	return s.limit
}

// RunAll executes fn for every index in [0, n) according to the strategy.
// A failing unit never stops the others: its error is kept in its Result.
// Results are returned in index order. The returned error is only set when
// ctx was cancelled before all units completed.
func RunAll[T any](ctx context.Context, strategy Strategy, n int, fn func(ctx context.Context, index int) (T, error)) ([]Result[T], error) {
	results := make([]Result[T], n)
	if n == 0 {
		return results, nil
	}

	group := new(errgroup.Group)
	group.SetLimit(strategy.Limit())

	for i := 0; i < n; i++ {
		index := i
		group.Go(func() error {
			results[index].Index = index
			if err := ctx.Err(); err != nil {
				results[index].Err = err
				return nil
			}
			value, err := fn(ctx, index)
			results[index].Value = value
			results[index].Err = err
			return nil
		})
	}

	_ = group.Wait()
	return results, ctx.Err()
}
