package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrRunnerShutdown is returned when a branch is submitted after Shutdown.
var ErrRunnerShutdown = errors.New("branch runner is shut down")

// BranchRunner caps the extra goroutines spawned for parallel step
// branches. A branch gets its own goroutine while a pool slot is free; once
// the pool is saturated the branch runs inline on the submitting goroutine.
// Submit therefore never waits for a slot, so a fan-out nested inside
// another branch cannot deadlock on capacity its own ancestor holds.
type BranchRunner struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// DefaultBranchConcurrency bounds extra branch goroutines per process.
const DefaultBranchConcurrency = 8

// NewBranchRunner creates a runner with the given max concurrency.
func NewBranchRunner(size int) *BranchRunner {
	if size <= 0 {
		size = DefaultBranchConcurrency
	}
	return &BranchRunner{
		sem: make(chan struct{}, size),
	}
}

// Submit runs fn and delivers its result to results. With a free slot the
// branch runs concurrently; with a full pool it runs inline before Submit
// returns.
func (r *BranchRunner) Submit(ctx context.Context, fn func(ctx context.Context) error, results chan<- error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerShutdown
	}
	select {
	case r.sem <- struct{}{}:
	default:
		r.mu.Unlock()
		results <- fn(ctx)
		return nil
	}
	// wg.Add happens under the lock so Shutdown's Wait cannot miss it.
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			<-r.sem
			r.wg.Done()
		}()
		results <- fn(ctx)
	}()

	return nil
}

// Shutdown prevents new submissions and waits for active branches.
func (r *BranchRunner) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
}
