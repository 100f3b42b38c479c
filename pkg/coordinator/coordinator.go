package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meridian/pkg/barrier"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/filter"
	"github.com/cuemby/meridian/pkg/profile"
	"github.com/cuemby/meridian/pkg/reportbus"
	"github.com/cuemby/meridian/pkg/rpcclient"
	"github.com/cuemby/meridian/pkg/types"
)

// reportPollInterval bounds how often Run checks for a failed backend
// between reports; query-level deadlines are enforced by the caller's
// ctx, not this layer.
const reportPollInterval = 50 * time.Millisecond

// Coordinator is the thin composition root tying one query's
// BackendStates, FragmentStats, and shared ExecSummary together: Init
// all backends, Exec them concurrently behind a CountingBarrier, apply
// reports until every backend is done, then UpdateExecStats /
// AddExecStats.
type Coordinator struct {
	QueryID types.QueryID

	backends      []*BackendState
	fragmentStats []*FragmentStats
	summary       *ExecSummary
	arena         *profile.Arena

	subscriber reportbus.Subscriber
	broker     *events.Broker
}

// NewCoordinator builds a Coordinator for one query: one BackendState
// per element of plan, one FragmentStats per entry of fragmentPlans.
func NewCoordinator(
	queryID types.QueryID,
	plan []*types.BackendExecParams,
	fragmentPlans map[int]types.PlanFragment,
	routingTable filter.RoutingTable,
	filterMode filter.FilterMode,
	newClient func(types.Host) (rpcclient.BackendClient, error),
	subscriber reportbus.Subscriber,
	broker *events.Broker,
) (*Coordinator, error) {
	arena := profile.NewArena()

	numFragments := 0
	for idx := range fragmentPlans {
		if idx+1 > numFragments {
			numFragments = idx + 1
		}
	}
	fragmentStats := make([]*FragmentStats, numFragments)
	for idx, fp := range fragmentPlans {
		fragmentStats[idx] = NewFragmentStats(arena, idx, fp.DisplayName)
	}

	c := &Coordinator{
		QueryID:       queryID,
		fragmentStats: fragmentStats,
		summary:       NewExecSummary(),
		arena:         arena,
		subscriber:    subscriber,
		broker:        broker,
	}

	for i, params := range plan {
		client, err := newClient(params.InstanceParams[0].Host)
		if err != nil {
			return nil, fmt.Errorf("coordinator: dial backend %d: %w", i, err)
		}
		bs := NewBackendState(i, filterMode, client, broker)
		if err := bs.Init(params, fragmentPlans, routingTable, fragmentStats, arena); err != nil {
			return nil, fmt.Errorf("coordinator: init backend %d: %w", i, err)
		}
		c.backends = append(c.backends, bs)
	}

	return c, nil
}

// Run executes the query end to end: subscribe each BackendState to its
// report subject, start every Exec in its own goroutine and wait on a
// CountingBarrier for all of them, then block until every backend is
// done or ctx is cancelled, finally folding exec stats into every
// FragmentStats.
func (c *Coordinator) Run(ctx context.Context, debugOpts *types.DebugOptions) error {
	for i, bs := range c.backends {
		unsub, err := c.subscriber.Subscribe(c.QueryID, i, func(ctx context.Context, r *reportbus.Report) error {
			bs.ApplyExecStatusReport(ctx, r, c.summary)
			return nil
		})
		if err != nil {
			return fmt.Errorf("coordinator: subscribe backend %d: %w", i, err)
		}
		defer unsub()
	}

	bar := barrier.NewCountingBarrier(len(c.backends))
	for _, bs := range c.backends {
		go bs.Exec(ctx, c.QueryID, debugOpts, bar)
	}
	if err := bar.Wait(ctx); err != nil {
		return fmt.Errorf("coordinator: waiting for Exec fan-out: %w", err)
	}

	ticker := time.NewTicker(reportPollInterval)
	defer ticker.Stop()
	for !c.allDone() {
		select {
		case <-ctx.Done():
			c.cancelAll(context.Background())
			return ctx.Err()
		case <-ticker.C:
			if err := c.checkFailureAndCancel(ctx); err != nil {
				return err
			}
		}
	}

	for _, bs := range c.backends {
		bs.UpdateExecStats()
	}
	for _, fs := range c.fragmentStats {
		if fs != nil {
			fs.AddExecStats()
		}
	}
	return nil
}

func (c *Coordinator) allDone() bool {
	for _, bs := range c.backends {
		if !bs.IsDone() {
			return false
		}
	}
	return true
}

// checkFailureAndCancel implements the failure propagation rule: a
// non-OK status on any BackendState triggers Cancel on all the others.
func (c *Coordinator) checkFailureAndCancel(ctx context.Context) error {
	for _, bs := range c.backends {
		st := bs.GetStatus()
		if st.IsError() {
			c.cancelAll(ctx)
			return fmt.Errorf("coordinator: query failed: %w", st)
		}
	}
	return nil
}

func (c *Coordinator) cancelAll(ctx context.Context) {
	for _, bs := range c.backends {
		bs.Cancel(ctx, c.QueryID)
	}
}

// Backends returns the coordinator's BackendStates, for debug
// rendering.
func (c *Coordinator) Backends() []*BackendState { return c.backends }

// Close releases the arena backing every profile this coordinator
// allocated.
func (c *Coordinator) Close() {
	c.arena.Release()
}
