// Package pipeline provides the archive's bounded-parallelism work
// dispatcher. The original tool partitions work across a process pool and,
// within each process, a thread pool (n_procs x n_threads_per_proc). A Go
// process has no GIL to work around, so both levels collapse into a single
// worker pool sized P*T; the externally observable contract — degree of
// parallelism and fail-fast, all-or-nothing batch semantics — is preserved.
package pipeline

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/sync/errgroup"
)

// Options controls how many items pipeline.Run processes concurrently.
type Options struct {
	Processes int // mirrors n_procs in the original tool
	Threads   int // mirrors n_threads_per_proc in the original tool
}

// Concurrency is the effective number of goroutines Run uses: Processes*Threads.
func (o Options) Concurrency() int {
	c := o.Processes * o.Threads
	if c < 1 {
		return 1
	}
	return c
}

// DefaultOptions mirrors the original tool's defaults: n_procs =
// max(1, cpu_count/2), n_threads_per_proc = 4. CPU count is read through
// gopsutil so it reflects cgroup/container limits where available, falling
// back to runtime.NumCPU() when gopsutil cannot read host stats.
func DefaultOptions() Options {
	n := cpuCount()
	procs := n / 2
	if procs < 1 {
		procs = 1
	}
	return Options{Processes: procs, Threads: 4}
}

func cpuCount() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts < 1 {
		return runtime.NumCPU()
	}
	return counts
}

// Run applies fn to every item in items using up to opts.Concurrency()
// goroutines at once. Results are returned in the same order as items. If
// any call to fn returns an error, Run returns that error (the first one
// encountered) and no partial results; callers must treat a non-nil error
// as "nothing in this batch may be assumed stored".
func Run[T any, R any](items []T, opts Options, fn func(T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	limit := opts.Concurrency()
	if limit > len(items) {
		limit = len(items)
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(limit)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r, err := fn(item)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return results, nil
}

// RunEach is Run for fn with no result value, for side-effecting batch work
// like storing or restoring files.
func RunEach[T any](items []T, opts Options, fn func(T) error) error {
	_, err := Run(items, opts, func(item T) (struct{}, error) {
		return struct{}{}, fn(item)
	})
	return err
}
