// Package filter implements the coordinator-side runtime-filter
// pruning performed while building a StartQuery RPC payload.
// Routing-table construction itself is out of scope — this package only
// consumes the lookup structure the aggregator built once per query.
package filter

import (
	"github.com/cuemby/meridian/pkg/types"
)

// FilterID identifies one runtime filter within a query.
type FilterID int32

// FilterMode mirrors TRuntimeFilterMode: whether runtime filters are
// disabled, local-only, or fully distributed for this query.
type FilterMode int

const (
	FilterModeOff FilterMode = iota
	FilterModeLocal
	FilterModeGlobal
)

// FilterState describes one filter's routing: which fragment-instance
// indexes produce it, and whether it is a broadcast join filter. Prune
// drops a filter whose source set lacks the instance, broadcast or not.
type FilterState struct {
	SrcFragmentInstanceIdxs map[int]struct{}
	IsBroadcastJoin         bool
}

// RoutingTable maps a filter id to its routing state. A filter absent
// from the table was dropped during routing-table construction (e.g. it
// had no viable targets) and must never be forwarded to a backend.
type RoutingTable map[FilterID]FilterState

// Prune returns the subset of node's runtime filters that this
// instance must still carry after coordinator-side pruning: a filter
// survives only if it is present in table AND lists instanceIdx as one
// of its sources. Filters are sent to either all of their targets or
// none, so no target-side check is needed here.
//
// Prune asserts mtDopZero: the algorithm was never generalized to
// multi-threaded instances, and a caller that violates the precondition
// has a bug this assertion is meant to surface immediately rather than
// silently mis-prune filters.
func Prune(node types.PlanNode, instanceIdx int, table RoutingTable, mode FilterMode, mtDopZero bool) []types.RuntimeFilterDesc {
	if mode == FilterModeOff {
		return node.RuntimeFilters
	}
	if !mtDopZero {
		panic("filter.Prune: mt_dop must be 0; multi-threaded instances are not supported by this pruning algorithm")
	}
	if !node.IsHashJoin {
		return node.RuntimeFilters
	}

	required := make([]types.RuntimeFilterDesc, 0, len(node.RuntimeFilters))
	for _, desc := range node.RuntimeFilters {
		state, ok := table[FilterID(desc.FilterID)]
		if !ok {
			// Dropped during routing-table construction.
			continue
		}
		if _, isSource := state.SrcFragmentInstanceIdxs[instanceIdx]; !isSource {
			// Not produced by this instance.
			continue
		}
		required = append(required, desc)
	}
	return required
}
