package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/filter"
	"github.com/cuemby/meridian/pkg/profile"
	"github.com/cuemby/meridian/pkg/reportbus"
	"github.com/cuemby/meridian/pkg/rpcclient"
	"github.com/cuemby/meridian/pkg/types"
)

func threeInstanceParams(host types.Host) *types.BackendExecParams {
	params := &types.BackendExecParams{MinMemReservationBytes: 1024}
	for i := 0; i < 3; i++ {
		params.InstanceParams = append(params.InstanceParams, &types.FInstanceExecParams{
			FragmentIdx:            0,
			InstanceID:              types.NewInstanceID(),
			PerFragmentInstanceIdx: i,
			Host:                    host,
		})
	}
	return params
}

func newTestBackendState(t *testing.T, client rpcclient.BackendClient) (*BackendState, *types.BackendExecParams) {
	t.Helper()
	arena := profile.NewArena()
	fs := []*FragmentStats{NewFragmentStats(arena, 0, "F00")}
	plans := map[int]types.PlanFragment{0: {Idx: 0, DisplayName: "F00"}}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	bs := NewBackendState(0, filter.FilterModeGlobal, client, broker)
	params := threeInstanceParams("host1:1000")
	require.NoError(t, bs.Init(params, plans, filter.RoutingTable{}, fs, arena))
	return bs, params
}

func doneReport(stateIdx int, instanceID types.InstanceID, ok bool, msg string) *reportbus.Report {
	return &reportbus.Report{
		StateIdx: stateIdx,
		StatusOK: true,
		Instances: []reportbus.InstanceReport{
			{InstanceID: instanceID, StatusOK: ok, StatusMsg: msg, Done: true, CurrentState: types.ExecStateFinished},
		},
	}
}

func TestHappyPathAllInstancesDoneOK(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)

	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	summary := NewExecSummary()
	for _, inst := range params.InstanceParams {
		done := bs.ApplyExecStatusReport(context.Background(), doneReport(0, inst.InstanceID, true, ""), summary)
		_ = done
	}

	assert.True(t, bs.IsDone())
	assert.True(t, bs.GetStatus().IsOK())
	assert.Equal(t, 0, bs.NumRemainingInstances())
}

func TestInstanceFailureBecomesRootCause(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	summary := NewExecSummary()
	failing := params.InstanceParams[1].InstanceID
	bs.ApplyExecStatusReport(context.Background(), doneReport(0, failing, false, "IO_ERROR"), summary)

	for _, inst := range params.InstanceParams {
		if inst.InstanceID == failing {
			continue
		}
		bs.ApplyExecStatusReport(context.Background(), doneReport(0, inst.InstanceID, true, ""), summary)
	}

	assert.True(t, bs.IsDone())
	assert.True(t, bs.GetStatus().IsError())
	id, isFragFailure := bs.FailedInstanceID()
	assert.Equal(t, failing.String(), id)
	assert.True(t, isFragFailure)
}

func TestCancelRacesReportErrorWins(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	summary := NewExecSummary()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bs.Cancel(context.Background(), types.NewQueryID())
	}()
	go func() {
		defer wg.Done()
		bs.ApplyExecStatusReport(context.Background(), doneReport(0, params.InstanceParams[0].InstanceID, false, "OOM"), summary)
	}()
	wg.Wait()

	assert.True(t, bs.GetStatus().IsError())
}

func TestCancelIsIdempotent(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, _ := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	qid := types.NewQueryID()
	first := bs.Cancel(context.Background(), qid)
	second := bs.Cancel(context.Background(), qid)
	assert.True(t, first)
	// The first Cancel latched Cancelled, so the second short-circuits
	// without attempting an RPC.
	assert.False(t, second)
	assert.True(t, bs.GetStatus().IsCancelled())
}

func TestDuplicateDoneReportIsNoop(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	summary := NewExecSummary()
	inst := params.InstanceParams[0].InstanceID
	bs.ApplyExecStatusReport(context.Background(), doneReport(0, inst, true, ""), summary)
	before := bs.NumRemainingInstances()
	bs.ApplyExecStatusReport(context.Background(), doneReport(0, inst, true, ""), summary)
	after := bs.NumRemainingInstances()

	assert.Equal(t, before, after)
}

func TestExecRPCFailureLatchesStatusAndStillTripsBarrier(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	client.ExecResp = &rpcclient.ExecQueryFInstancesResponse{StatusOK: false, StatusMsg: "connection refused"}
	bs, _ := newTestBackendState(t, client)

	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	assert.True(t, bs.GetStatus().IsError())
}

func TestIsDoneNeverRevertsToFalse(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	summary := NewExecSummary()
	for _, inst := range params.InstanceParams {
		bs.ApplyExecStatusReport(context.Background(), doneReport(0, inst.InstanceID, true, ""), summary)
		if bs.IsDone() {
			break
		}
	}
	require.True(t, bs.IsDone())
	// A late duplicate report must not flip IsDone back to false.
	bs.ApplyExecStatusReport(context.Background(), doneReport(0, params.InstanceParams[0].InstanceID, true, ""), summary)
	assert.True(t, bs.IsDone())
}

func TestPublishFilterNoopWhenDone(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	summary := NewExecSummary()
	for _, inst := range params.InstanceParams {
		bs.ApplyExecStatusReport(context.Background(), doneReport(0, inst.InstanceID, true, ""), summary)
	}
	require.True(t, bs.IsDone())

	bs.PublishFilter(context.Background(), &rpcclient.PublishFilterRequest{DstFragmentIdx: 0})
	_, _, publish := client.CallCounts()
	assert.Equal(t, 0, publish)
}

func TestPublishFilterSkipsUnhostedFragment(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, _ := newTestBackendState(t, client)
	bs.PublishFilter(context.Background(), &rpcclient.PublishFilterRequest{DstFragmentIdx: 99})
	_, _, publish := client.CallCounts()
	assert.Equal(t, 0, publish)
}

func TestComputeResourceUtilizationReadsInstanceTopLevelCounters(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	// CPU time and peak-memory are counters on the instance's own
	// top-level profile, not on a scan-node child; bytes-read lives on a
	// child scan node.
	delta := profile.ProfileDelta{
		Counters: []profile.CounterDelta{
			{Name: profile.TotalThreadsUserTime, Unit: "TIME_NS", Value: 2_000_000_000},
			{Name: profile.TotalThreadsSysTime, Unit: "TIME_NS", Value: 500_000_000},
			{Name: profile.PerHostPeakMemCounter, Unit: "BYTES", Value: 4096},
		},
		Children: []profile.ProfileDelta{
			{
				PlanNodeID: 7,
				Counters: []profile.CounterDelta{
					{Name: profile.BytesReadCounter, Unit: "BYTES", Value: 1024},
				},
			},
		},
	}
	raw, err := encodeDeltaForTest(delta)
	require.NoError(t, err)

	summary := NewExecSummary()
	report := &reportbus.Report{
		Instances: []reportbus.InstanceReport{
			{InstanceID: params.InstanceParams[0].InstanceID, StatusOK: true, ProfileDelta: raw},
		},
	}
	bs.ApplyExecStatusReport(context.Background(), report, summary)

	ru := bs.ComputeResourceUtilization()
	assert.Equal(t, int64(2_000_000_000), ru.CPUUserNs)
	assert.Equal(t, int64(500_000_000), ru.CPUSysNs)
	assert.Equal(t, int64(4096), ru.PeakPerHostMemUsed)
	assert.Equal(t, int64(1024), ru.BytesRead)
}

func TestUpdateExecStatsPushesCompletionTimeAndRate(t *testing.T) {
	client := rpcclient.NewFakeBackendClient()
	bs, params := newTestBackendState(t, client)
	bar := barrierOfOne(t)
	bs.Exec(context.Background(), types.NewQueryID(), nil, bar)
	require.NoError(t, bar.Wait(context.Background()))

	summary := NewExecSummary()
	for _, inst := range params.InstanceParams {
		bs.ApplyExecStatusReport(context.Background(), doneReport(0, inst.InstanceID, true, ""), summary)
	}
	require.True(t, bs.IsDone())

	bs.UpdateExecStats()

	fs := bs.fragmentStats[0]
	assert.Equal(t, int64(3), fs.completionTimes.N())
	assert.Equal(t, int64(3), fs.rates.N())
}
