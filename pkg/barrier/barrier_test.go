package barrier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingBarrierTripsAfterAllNotify(t *testing.T) {
	b := NewCountingBarrier(3)
	for i := 0; i < 3; i++ {
		go b.Notify()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func TestCountingBarrierZeroCountAlreadyTripped(t *testing.T) {
	b := NewCountingBarrier(0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func TestCountingBarrierWaitRespectsContext(t *testing.T) {
	b := NewCountingBarrier(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	b.Notify()
}

func TestExecAllRunsEveryBackendAndCollectsFirstError(t *testing.T) {
	var count atomic.Int32
	want := errors.New("backend 2 failed")

	err := ExecAll(context.Background(), 5, func(ctx context.Context, idx int) error {
		count.Add(1)
		if idx == 2 {
			return want
		}
		return nil
	})

	assert.ErrorIs(t, err, want)
	assert.Equal(t, int32(5), count.Load())
}

func TestExecAllNoErrors(t *testing.T) {
	err := ExecAll(context.Background(), 4, func(ctx context.Context, idx int) error {
		return nil
	})
	assert.NoError(t, err)
}
