// Package rpcclient sketches the outbound RPC transport BackendState
// invokes — out of scope per the specification ("we only specify the
// operations invoked") but kept minimal and swappable so the coordinator
// package can be exercised end to end.
//
// Wire messages are plain Go structs rather than generated protobuf
// types: the retrieval pack carries no .proto/codegen step for this
// service, so grpcBackendClient issues conn.Invoke calls against fixed
// method paths using a package-registered JSON codec (codec.go).
// grpc-go supports arbitrary codecs; this keeps the transport on the
// teacher's real google.golang.org/grpc dependency without inventing a
// protobuf schema this module doesn't own.
package rpcclient

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/cuemby/meridian/pkg/types"
)

// FragmentCtx carries one fragment's plan tree and destination map, one
// per distinct fragment hosted on the target backend.
type FragmentCtx struct {
	Fragment     types.PlanFragment
	Destinations []types.Host
}

// InstanceCtx carries one fragment instance's exec context.
type InstanceCtx struct {
	FragmentIdx            int
	InstanceID              types.InstanceID
	PerFragmentInstanceIdx int
	PerNodeScanRanges       map[int32][]types.ScanRangeParams
	PerExchNumSenders       map[int32]int
	SenderID                int
	DebugOptions            *types.DebugOptions
}

// ExecQueryFInstancesRequest is the StartQuery RPC payload (spec §6).
type ExecQueryFInstancesRequest struct {
	ProtocolVersion                  int32
	QueryID                           types.QueryID
	CoordStateIdx                     int
	MinMemReservationBytes            int64
	InitialMemReservationTotalClaims int64
	FragmentCtxs                      []FragmentCtx
	InstanceCtxs                      []InstanceCtx
	SentAt                            *timestamppb.Timestamp
}

// ExecQueryFInstancesResponse carries the backend's overall status.
type ExecQueryFInstancesResponse struct {
	StatusOK  bool
	StatusMsg string
}

// CancelQueryFInstancesRequest is the CancelQuery RPC payload.
type CancelQueryFInstancesRequest struct {
	ProtocolVersion int32
	QueryID         types.QueryID
}

// CancelQueryFInstancesResponse may indicate instance-not-found, which
// the caller ignores (spec §6: "response may indicate instance-not-found
// which is ignored").
type CancelQueryFInstancesResponse struct {
	StatusOK        bool
	StatusMsg       string
	InstanceMissing bool
}

// PublishFilterRequest is the full filter-publication payload addressed
// to (dst_query_id, dst_fragment_idx).
type PublishFilterRequest struct {
	DstQueryID     types.QueryID
	DstFragmentIdx int
	FilterID       int32
	FilterData     []byte
	PublishedAt    *timestamppb.Timestamp
}

// PublishFilterResponse is the (empty) PublishFilter RPC reply.
type PublishFilterResponse struct{}

// BackendClient is the set of RPCs BackendState invokes against one
// backend host. A real implementation dials over gRPC
// (grpcBackendClient); FakeBackendClient backs unit tests.
type BackendClient interface {
	ExecQueryFInstances(ctx context.Context, req *ExecQueryFInstancesRequest) (*ExecQueryFInstancesResponse, error)
	CancelQueryFInstances(ctx context.Context, req *CancelQueryFInstancesRequest) (*CancelQueryFInstancesResponse, error)
	PublishFilter(ctx context.Context, req *PublishFilterRequest) (*PublishFilterResponse, error)
	Close() error
}

func now() *timestamppb.Timestamp {
	return timestamppb.New(time.Now())
}
