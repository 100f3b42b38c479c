package rpcclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meridian/pkg/types"
)

func TestFakeBackendClientRecordsCalls(t *testing.T) {
	f := NewFakeBackendClient()
	qid := types.NewQueryID()

	_, err := f.ExecQueryFInstances(context.Background(), &ExecQueryFInstancesRequest{QueryID: qid})
	require.NoError(t, err)
	_, err = f.CancelQueryFInstances(context.Background(), &CancelQueryFInstancesRequest{QueryID: qid})
	require.NoError(t, err)
	_, err = f.PublishFilter(context.Background(), &PublishFilterRequest{DstQueryID: qid})
	require.NoError(t, err)

	exec, cancel, publish := f.CallCounts()
	assert.Equal(t, 1, exec)
	assert.Equal(t, 1, cancel)
	assert.Equal(t, 1, publish)
	assert.NoError(t, f.Close())
	assert.True(t, f.Closed)
}

func TestFakeBackendClientPropagatesConfiguredError(t *testing.T) {
	f := NewFakeBackendClient()
	want := errors.New("backend unreachable")
	f.ExecErr = want

	_, err := f.ExecQueryFInstances(context.Background(), &ExecQueryFInstancesRequest{})
	assert.ErrorIs(t, err, want)
}

func TestJSONCodecRoundTrips(t *testing.T) {
	c := jsonCodec{}
	req := &CancelQueryFInstancesRequest{ProtocolVersion: 1, QueryID: types.NewQueryID()}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	var got CancelQueryFInstancesRequest
	require.NoError(t, c.Unmarshal(data, &got))
	assert.Equal(t, req.QueryID, got.QueryID)
	assert.Equal(t, codecName, c.Name())
}
