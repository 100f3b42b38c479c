// Package types holds the wire/domain types shared across meridian's
// coordinator packages: query and instance identifiers, the planner's
// per-backend assignment records, and the plan-tree fragments needed to
// build a StartQuery RPC. None of these are produced here — the planner
// and filter-routing-table builder own that — but the coordinator
// consumes them directly, so they live in their own package rather than
// pkg/coordinator to avoid an import cycle with pkg/rpcclient.
package types

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// QueryID identifies a single query for its entire lifetime.
type QueryID uuid.UUID

// NewQueryID generates a fresh random QueryID.
func NewQueryID() QueryID { return QueryID(uuid.New()) }

func (q QueryID) String() string { return uuid.UUID(q).String() }

// InstanceID identifies one fragment instance within a query.
type InstanceID uuid.UUID

// NewInstanceID generates a fresh random InstanceID.
func NewInstanceID() InstanceID { return InstanceID(uuid.New()) }

func (i InstanceID) String() string { return uuid.UUID(i).String() }

// Host is a "host:port" network address. All instances of a single
// BackendState share one Host.
type Host string

// Addr resolves the host string to a net.Addr; pkg/rpcclient dials the
// resolved address.
func (h Host) Addr() (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", string(h))
}

func (h Host) String() string { return string(h) }

// ScanRangeKind distinguishes the scan-range variants that carry a byte
// length usable for split-size accounting from ones that don't.
type ScanRangeKind string

const (
	ScanRangeFileSplit ScanRangeKind = "file_split"
	ScanRangeOther     ScanRangeKind = "other"
)

// ScanRangeParams is one scan range assigned to a plan node on an instance.
type ScanRangeParams struct {
	Kind   ScanRangeKind
	Length int64 // valid only when Kind == ScanRangeFileSplit
}

// RuntimeFilterDesc describes one runtime filter attached to a hash-join
// plan node, as carried in the plan before coordinator-side pruning.
type RuntimeFilterDesc struct {
	FilterID    int32
	IsBroadcast bool
}

// PlanNode is one node of a fragment's plan tree. Only the fields the
// coordinator needs to build and prune RPC payloads are modeled; the
// planner's full node representation lives outside this module's scope.
type PlanNode struct {
	ID             int32
	IsHashJoin     bool
	RuntimeFilters []RuntimeFilterDesc
}

// InvalidPlanNodeID is the sentinel used by profile children that do not
// correspond to an exec node (mirrors Impala's
// g_ImpalaInternalService_constants.INVALID_PLAN_NODE_ID).
const InvalidPlanNodeID int32 = -1

// PlanFragment is a contiguous piece of the query plan, instantiated as
// one or more fragment instances across backends.
type PlanFragment struct {
	Idx         int
	DisplayName string
	Nodes       []PlanNode
}

// DebugOptions optionally injects a debug action into one targeted
// instance's exec context; Enabled=false is the common case.
type DebugOptions struct {
	Enabled     bool
	InstanceIdx int // -1 means "every instance", matching the C++ convention
	Action      string
}

// ExecStateEnum mirrors Impala's FInstanceExecStatePB.
type ExecStateEnum string

const (
	ExecStateWaitingForExec    ExecStateEnum = "WAITING_FOR_EXEC"
	ExecStateWaitingForPrepare ExecStateEnum = "WAITING_FOR_PREPARE"
	ExecStateProducingData    ExecStateEnum = "PRODUCING_DATA"
	ExecStateFinished          ExecStateEnum = "FINISHED"
)

// FInstanceExecParams is the planner's per-instance assignment record,
// immutable once constructed.
type FInstanceExecParams struct {
	FragmentIdx            int
	InstanceID              InstanceID
	PerFragmentInstanceIdx int
	SenderID                int
	Host                    Host
	PerNodeScanRanges       map[int32][]ScanRangeParams
}

// BackendExecParams is the planner's description of everything one
// backend must run for a query: a set of instances, all sharing Host,
// plus the memory-reservation numbers the backend needs up front.
type BackendExecParams struct {
	InstanceParams                   []*FInstanceExecParams
	MinMemReservationBytes            int64
	InitialMemReservationTotalClaims int64
}

// firstHost returns the host of the first instance in params. Callers must
// only invoke this after validating the BackendExecParams is non-empty.
func (p *BackendExecParams) firstHost() Host {
	return p.InstanceParams[0].Host
}

// ValidateSingleHost returns an error if instances in p don't all share
// one host, the precondition BackendState.Init relies on.
func (p *BackendExecParams) ValidateSingleHost() error {
	if len(p.InstanceParams) == 0 {
		return fmt.Errorf("types: BackendExecParams has no instances")
	}
	host := p.firstHost()
	for _, inst := range p.InstanceParams {
		if inst.Host != host {
			return fmt.Errorf("types: instance %s has host %q, want %q", inst.InstanceID, inst.Host, host)
		}
	}
	return nil
}
