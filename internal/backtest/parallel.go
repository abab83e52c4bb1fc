package backtest

import (
	"context"

	"github.com/yanun0323/errors"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/schema"
	"tradecore/internal/strategy"
)

// Job is one independent backtest. Jobs must not share a strategy value
// that keeps state; each run owns its book and risk state.
type Job struct {
	Name     string
	Config   Config
	Strategy strategy.Strategy
	Bars     []schema.Bar
}

// RunParallel runs jobs on up to workers goroutines and returns results in
// job order. The first failure cancels the remaining jobs.
func RunParallel(ctx context.Context, jobs []Job, workers int) ([]*Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	results := make([]*Result, len(jobs))
	for i, job := range jobs {
		g.Go(func() error {
			engine, err := NewEngine(job.Config, job.Strategy)
			if err != nil {
				return errors.Wrap(err, "build engine").With("job", job.Name)
			}
			res, err := engine.Run(ctx, job.Bars)
			if err != nil {
				return errors.Wrap(err, "run backtest").With("job", job.Name)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
