package reportbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/meridian/pkg/types"
)

// FakeSubscriber is an in-memory Subscriber double: Deliver invokes the
// registered handler synchronously, letting coordinator tests drive
// exact report orderings and interleavings deterministically.
type FakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]Handler
	closed   bool
}

func NewFakeSubscriber() *FakeSubscriber {
	return &FakeSubscriber{handlers: make(map[string]Handler)}
}

func (f *FakeSubscriber) Subscribe(queryID types.QueryID, stateIdx int, handler Handler) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subject(queryID, stateIdx)
	f.handlers[key] = handler
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, key)
		return nil
	}, nil
}

// Deliver invokes the handler registered for (queryID, stateIdx) with
// report, as if it had arrived over NATS.
func (f *FakeSubscriber) Deliver(ctx context.Context, queryID types.QueryID, stateIdx int, report *Report) error {
	f.mu.Lock()
	handler, ok := f.handlers[subject(queryID, stateIdx)]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("reportbus: no subscriber for query %s state %d", queryID, stateIdx)
	}
	return handler(ctx, report)
}

func (f *FakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
