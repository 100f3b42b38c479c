package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meridian/pkg/coordinator"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/filter"
	"github.com/cuemby/meridian/pkg/reportbus"
	"github.com/cuemby/meridian/pkg/rpcclient"
	"github.com/cuemby/meridian/pkg/types"
)

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	instanceA := types.NewInstanceID()
	plan := []*types.BackendExecParams{
		{InstanceParams: []*types.FInstanceExecParams{
			{FragmentIdx: 0, InstanceID: instanceA, PerFragmentInstanceIdx: 0, Host: "host1:1000"},
		}},
	}
	fragmentPlans := map[int]types.PlanFragment{0: {Idx: 0, DisplayName: "F00"}}
	newClient := func(types.Host) (rpcclient.BackendClient, error) { return rpcclient.NewFakeBackendClient(), nil }

	coord, err := coordinator.NewCoordinator(types.NewQueryID(), plan, fragmentPlans, filter.RoutingTable{}, filter.FilterModeOff, newClient, reportbus.NewFakeSubscriber(), broker)
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return coord
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(func(string) (*coordinator.Coordinator, bool) { return nil, false })
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
}

func TestBackendsHandlerUnknownQuery(t *testing.T) {
	s := NewServer(func(string) (*coordinator.Coordinator, bool) { return nil, false })
	req := httptest.NewRequest(http.MethodGet, "/queries/missing/backends", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackendsHandlerReturnsSnapshot(t *testing.T) {
	coord := newTestCoordinator(t)
	s := NewServer(func(id string) (*coordinator.Coordinator, bool) {
		if id == coord.QueryID.String() {
			return coord, true
		}
		return nil, false
	})

	req := httptest.NewRequest(http.MethodGet, "/queries/"+coord.QueryID.String()+"/backends", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	backends, ok := payload["backends"].([]any)
	require.True(t, ok)
	assert.Len(t, backends, 1)
}
