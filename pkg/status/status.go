// Package status implements the sticky status latch used throughout
// meridian's coordinator: a query-scoped error currency built on
// google.golang.org/grpc/status so RPC-transport errors and
// instance-reported errors share one representation end to end.
package status

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Status wraps a *status.Status plus the attribution needed to report
// which instance or host first caused a non-OK status.
type Status struct {
	grpc       *status.Status
	InstanceID string // empty unless this status came from a specific instance
	Host       string // empty unless this status came from a specific host
}

// OK is the zero-value-equivalent "no error" status.
var OK = Status{grpc: status.New(codes.OK, "")}

// New builds a Status from a grpc code and message.
func New(code codes.Code, msg string) Status {
	return Status{grpc: status.New(code, msg)}
}

// Errorf builds an Error-class status (codes.Internal) with a formatted
// message, mirroring Impala's Status::Expected for RPC/transport failures
// that are recorded but never treated as a crash-worthy bug.
func Errorf(format string, args ...any) Status {
	return Status{grpc: status.Newf(codes.Internal, format, args...)}
}

// Cancelled constructs the Cancelled sentinel status, as latched by
// BackendState.Cancel.
func Cancelled(msg string) Status {
	return Status{grpc: status.New(codes.Canceled, msg)}
}

// FromError wraps a generic Go error as an Internal-class Status. If err
// already carries a grpc status, that status is preserved.
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	if s, ok := status.FromError(err); ok {
		return Status{grpc: s}
	}
	return Errorf("%s", err.Error())
}

// IsOK reports whether the status represents success.
func (s Status) IsOK() bool { return s.grpc == nil || s.grpc.Code() == codes.OK }

// IsCancelled reports whether the status is the Cancelled sentinel.
func (s Status) IsCancelled() bool { return !s.IsOK() && s.grpc.Code() == codes.Canceled }

// IsError reports whether the status is a non-OK, non-Cancelled error —
// i.e. it has a genuine root cause.
func (s Status) IsError() bool { return !s.IsOK() && !s.IsCancelled() }

// Code returns the underlying grpc code.
func (s Status) Code() codes.Code {
	if s.grpc == nil {
		return codes.OK
	}
	return s.grpc.Code()
}

// Message returns the underlying status message.
func (s Status) Message() string {
	if s.grpc == nil {
		return ""
	}
	return s.grpc.Message()
}

// Error implements the error interface so a non-OK Status can be
// returned and checked with errors.As/Is like any other Go error.
func (s Status) Error() string {
	if s.IsOK() {
		return "OK"
	}
	if s.InstanceID != "" {
		return fmt.Sprintf("%s (instance=%s)", s.Message(), s.InstanceID)
	}
	if s.Host != "" {
		return fmt.Sprintf("%s (host=%s)", s.Message(), s.Host)
	}
	return s.Message()
}

// rank orders statuses for the monotonicity law OK < Cancelled < Error.
func rank(s Status) int {
	switch {
	case s.IsOK():
		return 0
	case s.IsCancelled():
		return 1
	default:
		return 2
	}
}

// Merge implements the sticky-latch overwrite rule from spec §4.1.3/§9:
// an incoming status only replaces cur when incoming outranks cur
// (OK < Cancelled < Error), so a real error is never overwritten by a
// later OK or Cancelled, while a Cancelled latch can still be superseded
// by a genuine error. Ties keep cur (first-writer wins).
func Merge(cur, incoming Status) Status {
	if rank(incoming) > rank(cur) {
		return incoming
	}
	return cur
}

// MergeDetail implements Cancel()'s "keep first error, append details"
// rule: it never changes which status is authoritative (cur always
// wins unless cur is OK), it only appends incoming's message as extra
// detail, used after a failed cancel-RPC attempt so the failure reason is
// visible without masking a prior latched error.
func MergeDetail(cur, incoming Status) Status {
	if incoming.IsOK() {
		return cur
	}
	if cur.IsOK() {
		return incoming
	}
	return Status{
		grpc:       status.New(cur.Code(), cur.Message()+"; "+incoming.Message()),
		InstanceID: cur.InstanceID,
		Host:       cur.Host,
	}
}

// FromInstance attaches instance attribution to a status reported by a
// specific fragment instance. ApplyExecStatusReport does not use it: it
// puts the instance id in the message and records failed_instance_id on
// the BackendState.
func FromInstance(s Status, instanceID string) Status {
	s.InstanceID = instanceID
	return s
}
