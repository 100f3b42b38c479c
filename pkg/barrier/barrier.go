// Package barrier provides the counting barrier the coordinator uses to
// wait for every BackendState's Exec RPC to return, and an errgroup-based
// helper that fans Exec out across all backends concurrently.
package barrier

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// CountingBarrier trips once a configured count of signals have arrived.
// Signals go into a buffered channel; a goroutine started by
// NewCountingBarrier drains count of them and then closes done.
type CountingBarrier struct {
	done chan struct{}
	ch   chan struct{}
}

// NewCountingBarrier creates a barrier that trips after count signals.
func NewCountingBarrier(count int) *CountingBarrier {
	b := &CountingBarrier{
		done: make(chan struct{}),
		ch:   make(chan struct{}, count),
	}
	if count == 0 {
		close(b.done)
	}
	go b.run(count)
	return b
}

func (b *CountingBarrier) run(count int) {
	if count == 0 {
		return
	}
	for i := 0; i < count; i++ {
		<-b.ch
	}
	close(b.done)
}

// Notify signals the barrier once. Every Exec call must invoke this
// exactly once on every exit path, mirroring the original's
// NotifyBarrierOnExit RAII guard.
func (b *CountingBarrier) Notify() { b.ch <- struct{}{} }

// Wait blocks until the barrier trips or ctx is cancelled.
func (b *CountingBarrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecFunc is the signature of the per-backend work ExecAll fans out.
type ExecFunc func(ctx context.Context, backendIdx int) error

// ExecAll runs fn concurrently for each of n backends using
// errgroup.Group — the ecosystem's answer to "run N tasks concurrently,
// collect the first error, wait for all" and a direct upgrade on the
// original's barrier-then-join pattern. It returns the first non-nil
// error, if any, only after every invocation of fn has returned; fn
// itself is still responsible for notifying its own barrier on every
// exit path, exactly as the original BackendState::Exec does.
func ExecAll(ctx context.Context, n int, fn ExecFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		idx := i
		g.Go(func() error {
			return fn(gctx, idx)
		})
	}
	return g.Wait()
}
