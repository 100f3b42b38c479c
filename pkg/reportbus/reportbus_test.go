package reportbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meridian/pkg/types"
)

func TestFakeSubscriberDeliversToHandler(t *testing.T) {
	f := NewFakeSubscriber()
	qid := types.NewQueryID()

	var got *Report
	unsub, err := f.Subscribe(qid, 2, func(ctx context.Context, r *Report) error {
		got = r
		return nil
	})
	require.NoError(t, err)

	want := &Report{StateIdx: 2, StatusOK: true}
	require.NoError(t, f.Deliver(context.Background(), qid, 2, want))
	assert.Same(t, want, got)

	require.NoError(t, unsub())
	assert.Error(t, f.Deliver(context.Background(), qid, 2, want))
}

func TestFakeSubscriberUnknownSubjectErrors(t *testing.T) {
	f := NewFakeSubscriber()
	err := f.Deliver(context.Background(), types.NewQueryID(), 0, &Report{})
	assert.Error(t, err)
}

func TestSubjectFormat(t *testing.T) {
	qid := types.NewQueryID()
	s := subject(qid, 3)
	assert.Contains(t, s, qid.String())
	assert.Contains(t, s, "report.3")
}
