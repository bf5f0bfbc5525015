package campaign

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"rowhammer/experiment"
)

// Worker runs a share of a sweep on one board.
type Worker struct {
	Name string
	// Driver is configured by the caller, except for its Values.
	Driver *experiment.Driver
	Trial  experiment.TrialFunc
}

// Partition deals values round-robin into n shares.
func Partition(values []float64, n int) [][]float64 {
	shares := make([][]float64, n)
	for i, v := range values {
		shares[i%n] = append(shares[i%n], v)
	}
	return shares
}

// RunParallel partitions values over the workers, which run concurrently,
// and merges their results. Each driver logs under its worker name.
// Boards being disjoint, a failing worker does not
// stop the others; the first error is returned along with the merged result.
func RunParallel(ctx context.Context, values []float64, workers []Worker) (*experiment.Result, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("no worker")
	}
	shares := Partition(values, len(workers))
	results := make([]*experiment.Result, len(workers))

	var g errgroup.Group
	for i, w := range workers {
		w.Driver.Values = shares[i]
		if w.Driver.Board == "" {
			w.Driver.Board = w.Name
		}
		g.Go(func() error {
			res, err := w.Driver.Run(ctx, w.Trial)
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", w.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return Merge(results), err
}

// Merge combines results of the same kind into one, points sorted by value.
func Merge(results []*experiment.Result) *experiment.Result {
	var merged *experiment.Result
	for _, r := range results {
		if r == nil {
			continue
		}
		if merged == nil {
			merged = &experiment.Result{Kind: r.Kind, Unit: r.Unit, Repeats: r.Repeats, Started: r.Started, Complete: true}
		}
		if r.Started.Before(merged.Started) {
			merged.Started = r.Started
		}
		merged.Complete = merged.Complete && r.Complete
		merged.Points = append(merged.Points, r.Points...)
	}
	if merged != nil {
		slices.SortStableFunc(merged.Points, func(a, b experiment.Point) int { return cmp.Compare(a.Value, b.Value) })
	}
	return merged
}
