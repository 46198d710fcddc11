// Package worker provides a bounded fan-out/fan-in pool for per-path file
// work. Snapshot capture uses it to read pre-images in parallel while
// keeping results in the caller's path order.
package worker

import (
	"runtime"
	"sync"
)

// Result pairs a processed value with the path it came from.
type Result[T any] struct {
	Index int
	Path  string
	Value T
	Err   error
}

// Pool runs a function over paths on a fixed number of goroutines.
type Pool[T any] struct {
	concurrency int
}

// NewPool creates a pool with the given concurrency.
// If concurrency <= 0, defaults to runtime.NumCPU().
func NewPool[T any](concurrency int) *Pool[T] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[T]{concurrency: concurrency}
}

// Concurrency returns the configured worker count.
func (p *Pool[T]) Concurrency() int {
	return p.concurrency
}

// Process applies fn to every path and returns results in input order.
// A failing path does not stop the others; callers inspect each Err.
func (p *Pool[T]) Process(paths []string, fn func(string) (T, error)) []Result[T] {
	if len(paths) == 0 {
		return nil
	}

	workers := p.concurrency
	if workers > len(paths) {
		workers = len(paths)
	}

	jobs := make(chan int, len(paths))
	results := make([]Result[T], len(paths))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				val, err := fn(paths[i])
				results[i] = Result[T]{Index: i, Path: paths[i], Value: val, Err: err}
			}
		}()
	}

	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// FirstError returns the error of the earliest failed result in input
// order, or nil.
func FirstError[T any](results []Result[T]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
