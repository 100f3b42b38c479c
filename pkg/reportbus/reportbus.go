// Package reportbus models the inbound channel over which
// ApplyExecStatusReport calls "arrive on arbitrary threads" (spec §5).
// The concrete transport is NATS core pub/sub: each backend publishes
// progress reports to subject query.<query_id>.report.<state_idx>, and
// the coordinator subscribes once per BackendState. NATS dispatches each
// subscription callback on its own goroutine, a natural realization of
// "arbitrary threads" without inventing a thread pool this module
// doesn't need.
package reportbus

import (
	"context"
	"fmt"

	"github.com/cuemby/meridian/pkg/types"
)

// InstanceReport is one fragment instance's slice of an inbound status
// report (spec §6: "per-instance list of {fragment_instance_id, status,
// done, current_state enum, profile delta}").
type InstanceReport struct {
	InstanceID   types.InstanceID
	StatusOK     bool
	StatusMsg    string
	Done         bool
	CurrentState types.ExecStateEnum
	ProfileDelta []byte // JSON-encoded profile.ProfileDelta, decoded by pkg/coordinator
}

// ErrorLogEntry is one (category -> count+sample) entry from a report's
// optional error_log.
type ErrorLogEntry struct {
	Category string
	Count    int
	Sample   string
}

// Report is one ApplyExecStatusReport payload.
type Report struct {
	StateIdx  int
	StatusOK  bool
	StatusMsg string
	ErrorLog  []ErrorLogEntry
	Instances []InstanceReport
}

// Handler processes one inbound Report. Coordinator.Run registers a
// Handler per BackendState that calls its ApplyExecStatusReport.
type Handler func(ctx context.Context, r *Report) error

// Subscriber decouples pkg/coordinator from NATS specifically so unit
// tests can drive reports without a broker running.
type Subscriber interface {
	// Subscribe registers handler for every report addressed to
	// (queryID, stateIdx) and returns an unsubscribe func.
	Subscribe(queryID types.QueryID, stateIdx int, handler Handler) (func() error, error)
	Close() error
}

func subject(queryID types.QueryID, stateIdx int) string {
	return fmt.Sprintf("query.%s.report.%d", queryID, stateIdx)
}
