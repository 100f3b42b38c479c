package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/filter"
	"github.com/cuemby/meridian/pkg/reportbus"
	"github.com/cuemby/meridian/pkg/rpcclient"
	"github.com/cuemby/meridian/pkg/types"
)

func TestCoordinatorRunHappyPath(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := reportbus.NewFakeSubscriber()

	instanceA := types.NewInstanceID()
	instanceB := types.NewInstanceID()
	plan := []*types.BackendExecParams{
		{
			InstanceParams: []*types.FInstanceExecParams{
				{FragmentIdx: 0, InstanceID: instanceA, PerFragmentInstanceIdx: 0, Host: "host1:1000"},
			},
		},
		{
			InstanceParams: []*types.FInstanceExecParams{
				{FragmentIdx: 0, InstanceID: instanceB, PerFragmentInstanceIdx: 1, Host: "host2:1000"},
			},
		},
	}
	fragmentPlans := map[int]types.PlanFragment{0: {Idx: 0, DisplayName: "F00"}}

	clients := map[types.Host]*rpcclient.FakeBackendClient{}
	newClient := func(host types.Host) (rpcclient.BackendClient, error) {
		c := rpcclient.NewFakeBackendClient()
		clients[host] = c
		return c, nil
	}

	coord, err := NewCoordinator(types.NewQueryID(), plan, fragmentPlans, filter.RoutingTable{}, filter.FilterModeOff, newClient, sub, broker)
	require.NoError(t, err)
	defer coord.Close()

	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background(), nil) }()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, sub.Deliver(context.Background(), coord.QueryID, 0, &reportbus.Report{
		StatusOK: true,
		Instances: []reportbus.InstanceReport{
			{InstanceID: instanceA, StatusOK: true, Done: true, CurrentState: types.ExecStateFinished},
		},
	}))
	require.NoError(t, sub.Deliver(context.Background(), coord.QueryID, 1, &reportbus.Report{
		StatusOK: true,
		Instances: []reportbus.InstanceReport{
			{InstanceID: instanceB, StatusOK: true, Done: true, CurrentState: types.ExecStateFinished},
		},
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator.Run did not complete")
	}

	for _, bs := range coord.Backends() {
		assert.True(t, bs.IsDone())
		assert.True(t, bs.GetStatus().IsOK())
	}
}
