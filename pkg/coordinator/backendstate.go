// Package coordinator implements the per-backend coordination state
// machine: BackendState owns one worker's portion of a query, fans out
// the start RPC, accumulates asynchronous progress reports, drives
// cancellation, and publishes runtime filters, all under concurrent
// access from multiple goroutines. InstanceStats and FragmentStats
// cooperate with it to track per-instance and per-fragment statistics.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/barrier"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/filter"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/profile"
	"github.com/cuemby/meridian/pkg/reportbus"
	"github.com/cuemby/meridian/pkg/rpcclient"
	"github.com/cuemby/meridian/pkg/status"
	"github.com/cuemby/meridian/pkg/types"
)

// ErrorLogEntry aggregates one error category's count and a sample
// message, merged additively across reports from every instance.
type ErrorLogEntry struct {
	Count  int
	Sample string
}

// BackendState owns the lifecycle of one backend's portion of a query:
// one mutex (lock) protects every mutable field here, including every
// InstanceStats this BackendState owns — InstanceStats has no
// independent lock.
type BackendState struct {
	StateIdx   int
	ExecParams *types.BackendExecParams
	host       types.Host // immutable after Init; read without lock

	filterMode     filter.FilterMode
	routingTable   filter.RoutingTable
	fragmentPlans  map[int]types.PlanFragment
	fragmentStats  []*FragmentStats

	client rpcclient.BackendClient
	broker *events.Broker

	mu                    sync.Mutex
	fragments             map[int]struct{}
	instanceStatsMap      map[types.InstanceID]*InstanceStats
	instanceOrder         []types.InstanceID
	numRemainingInstances int
	st                    status.Status
	failedInstanceID      string
	isFragmentFailure     bool
	rpcSent               bool
	rpcLatency            time.Duration
	lastReportTimeMs      int64
	errorLog              map[string]ErrorLogEntry
	initialized           bool
}

// NewBackendState constructs an uninitialized BackendState; Init must
// run exactly once before any other operation.
func NewBackendState(stateIdx int, filterMode filter.FilterMode, client rpcclient.BackendClient, broker *events.Broker) *BackendState {
	return &BackendState{
		StateIdx:         stateIdx,
		filterMode:       filterMode,
		client:           client,
		broker:           broker,
		instanceStatsMap: make(map[types.InstanceID]*InstanceStats),
		errorLog:         make(map[string]ErrorLogEntry),
		st:               status.OK,
	}
}

// Init populates host from the first instance, validates every instance
// shares it, registers fragment indices, and creates one InstanceStats
// per assigned instance registered under its fragment's root profile.
func (b *BackendState) Init(execParams *types.BackendExecParams, fragmentPlans map[int]types.PlanFragment, routingTable filter.RoutingTable, fragmentStats []*FragmentStats, arena *profile.Arena) error {
	if b.initialized {
		return fmt.Errorf("coordinator: BackendState %d already initialized", b.StateIdx)
	}
	if err := execParams.ValidateSingleHost(); err != nil {
		return err
	}

	b.ExecParams = execParams
	b.host = execParams.InstanceParams[0].Host
	b.fragmentPlans = fragmentPlans
	b.routingTable = routingTable
	b.fragmentStats = fragmentStats

	b.mu.Lock()
	defer b.mu.Unlock()

	b.fragments = make(map[int]struct{})
	for _, inst := range execParams.InstanceParams {
		b.fragments[inst.FragmentIdx] = struct{}{}
		fs := fragmentStats[inst.FragmentIdx]
		is := NewInstanceStats(inst, b.host, fs)
		b.instanceStatsMap[inst.InstanceID] = is
		b.instanceOrder = append(b.instanceOrder, inst.InstanceID)
	}
	b.numRemainingInstances = len(execParams.InstanceParams)
	b.initialized = true
	return nil
}

// Host returns the backend's network address. Safe without the lock:
// immutable after Init.
func (b *BackendState) Host() types.Host { return b.host }

// Exec sends the start-query RPC and records the outcome, decrementing
// the barrier on every exit path. Serializes the RPC
// under lock — intentional, guarding against a report arriving before
// Exec finishes bookkeeping.
func (b *BackendState) Exec(ctx context.Context, queryID types.QueryID, debugOpts *types.DebugOptions, bar *barrier.CountingBarrier) {
	defer bar.Notify()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.BackendRPCLatency, "exec")
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	req := b.buildExecRequest(queryID, debugOpts)

	start := time.Now()
	resp, err := b.client.ExecQueryFInstances(ctx, req)
	b.rpcLatency = time.Since(start)
	b.rpcSent = true

	if err != nil {
		b.st = status.Merge(b.st, status.Errorf("exec rpc to %s failed: %v", b.host, err))
		metrics.BackendStatusErrors.WithLabelValues("exec_rpc_error").Inc()
		b.broker.Publish(&events.Event{Type: events.EventBackendExecFailed, Host: string(b.host), StateIdx: b.StateIdx, Message: err.Error()})
		return
	}
	if !resp.StatusOK {
		b.st = status.Merge(b.st, status.Errorf("backend %s rejected start: %s", b.host, resp.StatusMsg))
		metrics.BackendStatusErrors.WithLabelValues("exec_rejected").Inc()
		b.broker.Publish(&events.Event{Type: events.EventBackendExecFailed, Host: string(b.host), StateIdx: b.StateIdx, Message: resp.StatusMsg})
		return
	}

	for _, id := range b.instanceOrder {
		b.instanceStatsMap[id].StartStopwatch()
	}
}

// buildExecRequest constructs the StartQuery payload: one fragment
// context per distinct fragment hosted here (with filter pruning
// applied to every hash-join node) and one instance context per
// instance. Callers must hold b.mu.
func (b *BackendState) buildExecRequest(queryID types.QueryID, debugOpts *types.DebugOptions) *rpcclient.ExecQueryFInstancesRequest {
	req := &rpcclient.ExecQueryFInstancesRequest{
		ProtocolVersion:                   1,
		QueryID:                           queryID,
		CoordStateIdx:                     b.StateIdx,
		MinMemReservationBytes:            b.ExecParams.MinMemReservationBytes,
		InitialMemReservationTotalClaims: b.ExecParams.InitialMemReservationTotalClaims,
	}

	// mt_dop==0 (asserted inside filter.Prune) means exactly one instance
	// per fragment per backend, so one instance unambiguously supplies
	// the source-index used to prune that fragment's plan tree.
	instanceForFragment := make(map[int]*types.FInstanceExecParams, len(b.fragments))
	for _, inst := range b.ExecParams.InstanceParams {
		instanceForFragment[inst.FragmentIdx] = inst
	}

	for fragIdx := range b.fragments {
		plan := b.fragmentPlans[fragIdx]
		inst := instanceForFragment[fragIdx]

		pruned := plan
		pruned.Nodes = make([]types.PlanNode, len(plan.Nodes))
		for i, node := range plan.Nodes {
			prunedNode := node
			if node.IsHashJoin {
				prunedNode.RuntimeFilters = filter.Prune(node, inst.PerFragmentInstanceIdx, b.routingTable, b.filterMode, true)
			}
			pruned.Nodes[i] = prunedNode
		}
		req.FragmentCtxs = append(req.FragmentCtxs, rpcclient.FragmentCtx{Fragment: pruned})
	}

	for _, inst := range b.ExecParams.InstanceParams {
		ctx := rpcclient.InstanceCtx{
			FragmentIdx:            inst.FragmentIdx,
			InstanceID:              inst.InstanceID,
			PerFragmentInstanceIdx: inst.PerFragmentInstanceIdx,
			PerNodeScanRanges:       inst.PerNodeScanRanges,
			SenderID:                inst.SenderID,
		}
		if debugOpts != nil && (debugOpts.InstanceIdx == -1 || debugOpts.InstanceIdx == inst.PerFragmentInstanceIdx) {
			ctx.DebugOptions = debugOpts
		}
		req.InstanceCtxs = append(req.InstanceCtxs, ctx)
	}

	return req
}

// ApplyExecStatusReport applies one inbound report under the documented
// lock order (ExecSummary.lock -> BackendState.lock) and returns
// IsDone().
func (b *BackendState) ApplyExecStatusReport(ctx context.Context, report *reportbus.Report, summary *ExecSummary) bool {
	summary.Lock()
	defer summary.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// A Cancelled latch does not stop report processing: a genuine error
	// reported after Cancel still replaces it (overwrite rule below).
	if b.numRemainingInstances == 0 || b.st.IsError() {
		return false
	}

	for i := range report.Instances {
		ir := &report.Instances[i]
		is, ok := b.instanceStatsMap[ir.InstanceID]
		if !ok || is.Done {
			continue
		}

		is.Update(ir, summary)

		if !ir.StatusOK {
			incoming := status.Errorf("instance %s: %s", ir.InstanceID, ir.StatusMsg)
			if b.st.IsOK() || b.st.IsCancelled() {
				b.st = incoming
				b.failedInstanceID = ir.InstanceID.String()
				b.isFragmentFailure = true
				metrics.BackendStatusErrors.WithLabelValues("instance_error").Inc()
			}
		}

		if ir.Done {
			is.Done = true
			b.numRemainingInstances--
			b.broker.Publish(&events.Event{Type: events.EventInstanceDone, Host: string(b.host), StateIdx: b.StateIdx, Message: ir.InstanceID.String()})
		}
	}

	if !report.StatusOK {
		incoming := status.Errorf("backend %s: %s", b.host, report.StatusMsg)
		if b.st.IsOK() || b.st.IsCancelled() {
			b.st = incoming
		}
	}

	for _, e := range report.ErrorLog {
		b.mergeErrorLogLocked(e.Category, e.Count, e.Sample)
	}

	b.lastReportTimeMs = time.Now().UnixMilli()

	if b.isDoneLocked() {
		b.broker.Publish(&events.Event{Type: events.EventBackendDone, Host: string(b.host), StateIdx: b.StateIdx})
	}
	return b.isDoneLocked()
}

// Cancel is idempotent best-effort cancellation. Returns
// true iff a cancel RPC attempt was made.
func (b *BackendState) Cancel(ctx context.Context, queryID types.QueryID) bool {
	b.mu.Lock()
	if !b.rpcSent || b.isDoneLocked() {
		b.mu.Unlock()
		return false
	}
	if b.st.IsOK() {
		b.st = status.Cancelled("cancelled by coordinator")
		b.broker.Publish(&events.Event{Type: events.EventBackendCancelled, Host: string(b.host), StateIdx: b.StateIdx})
	}
	b.mu.Unlock()

	const maxAttempts = 3
	var last status.Status = status.OK
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req := &rpcclient.CancelQueryFInstancesRequest{ProtocolVersion: 1, QueryID: queryID}
		resp, err := b.client.CancelQueryFInstances(ctx, req)
		if err != nil {
			last = status.MergeDetail(last, status.Errorf("cancel attempt %d: %v", attempt+1, err))
			metrics.CancelAttempts.WithLabelValues("transport_error").Inc()
			continue
		}
		if !resp.StatusOK && !resp.InstanceMissing {
			last = status.MergeDetail(last, status.Errorf("cancel attempt %d: %s", attempt+1, resp.StatusMsg))
			metrics.CancelAttempts.WithLabelValues("rejected").Inc()
			continue
		}
		metrics.CancelAttempts.WithLabelValues("ok").Inc()
		break
	}

	if !last.IsOK() {
		b.mu.Lock()
		b.st = status.MergeDetail(b.st, last)
		b.mu.Unlock()
	}

	return true
}

// PublishFilter is a no-op if IsDone or this host doesn't hold the
// destination fragment; otherwise a best-effort RPC whose failure only
// logs a warning.
func (b *BackendState) PublishFilter(ctx context.Context, req *rpcclient.PublishFilterRequest) {
	b.mu.Lock()
	done := b.isDoneLocked()
	_, hasFragment := b.fragments[req.DstFragmentIdx]
	b.mu.Unlock()

	if done || !hasFragment {
		return
	}

	timer := metrics.NewTimer()
	_, err := b.client.PublishFilter(ctx, req)
	timer.ObserveDurationVec(metrics.BackendRPCLatency, "publish_filter")
	if err != nil {
		log.Logger.Warn().Err(err).Str("backend_host", string(b.host)).Int("state_idx", b.StateIdx).Msg("publish filter failed")
		metrics.FilterPublishFailures.Inc()
		b.broker.Publish(&events.Event{Type: events.EventFilterPublishFailed, Host: string(b.host), StateIdx: b.StateIdx, Message: err.Error()})
		return
	}
	b.broker.Publish(&events.Event{Type: events.EventFilterPublished, Host: string(b.host), StateIdx: b.StateIdx})
}

// IsDone reports whether this BackendState is terminal: every instance
// done, or status non-OK.
func (b *BackendState) IsDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isDoneLocked()
}

func (b *BackendState) isDoneLocked() bool {
	return b.numRemainingInstances == 0 || !b.st.IsOK()
}

// GetStatus returns a thread-safe snapshot of the sticky status latch.
func (b *BackendState) GetStatus() status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// NumRemainingInstances returns the current value of the monotonic
// counter.
func (b *BackendState) NumRemainingInstances() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numRemainingInstances
}

// FailedInstanceID returns the instance id that caused a fragment
// failure, if any.
func (b *BackendState) FailedInstanceID() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failedInstanceID, b.isFragmentFailure
}

// ResourceUtilization is the sum/peak produced by
// ComputeResourceUtilization.
type ResourceUtilization struct {
	CPUUserNs          int64
	CPUSysNs           int64
	BytesRead          int64
	PeakPerHostMemUsed int64
}

// ComputeResourceUtilization sums per-instance CPU user/sys time and
// bytes read, and takes a per-host peak-memory maximum (the per-host
// counter is identical on every instance, so taking it from each and
// merging with max is safe).
func (b *BackendState) ComputeResourceUtilization() ResourceUtilization {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.computeResourceUtilizationLocked()
}

func (b *BackendState) mergeErrorLogLocked(category string, count int, sample string) {
	entry := b.errorLog[category]
	entry.Count += count
	if entry.Sample == "" {
		entry.Sample = sample
	}
	b.errorLog[category] = entry
}

// MergeErrorLog merges additional categorized errors into error_log.
func (b *BackendState) MergeErrorLog(category string, count int, sample string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mergeErrorLogLocked(category, count, sample)
}

// LogFirstInProgress locks each BackendState in turn and logs the first
// not-done one, never holding more than one lock at a time.
func LogFirstInProgress(states []*BackendState, logf func(stateIdx int, host types.Host)) {
	for _, b := range states {
		b.mu.Lock()
		done := b.isDoneLocked()
		host := b.host
		idx := b.StateIdx
		b.mu.Unlock()
		if !done {
			logf(idx, host)
			return
		}
	}
}

// UpdateExecStats folds every InstanceStats owned by this BackendState
// into its owning FragmentStats once this BackendState is terminal,
// pushing each instance's profile, completion time, and split-size-
// derived throughput rate into its owning FragmentStats for aggregation
// (mirrors coordinator-backend-state.cc's UpdateExecStats, which feeds
// stopwatch_.ElapsedTime() and a total_split_size_-derived rate per
// instance into the fragment's completion_times_/rates_).
func (b *BackendState) UpdateExecStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.ExecParams.InstanceParams {
		is := b.instanceStatsMap[inst.InstanceID]
		fs := b.fragmentStats[inst.FragmentIdx]
		fs.avgProfile.UpdateAverage(is.Profile)

		elapsed := is.Elapsed()
		completionTimeNs := float64(elapsed.Nanoseconds())
		var rateBytesPerSec float64
		if secs := elapsed.Seconds(); secs > 0 {
			rateBytesPerSec = float64(is.TotalSplitSizeBytes) / secs
		}
		fs.AddInstanceExecStats(completionTimeNs, rateBytesPerSec)
	}
}

// ToJson emits the backend-level debug object with the exact field names
// the debug UI expects.
func (b *BackendState) ToJson() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	ru := b.computeResourceUtilizationLocked()
	return map[string]any{
		"num_instances":                   len(b.instanceOrder),
		"done":                            b.isDoneLocked(),
		"peak_per_host_mem_consumption":   ru.PeakPerHostMemUsed,
		"bytes_read":                      ru.BytesRead,
		"cpu_user_s":                      float64(ru.CPUUserNs) / 1e9,
		"cpu_sys_s":                       float64(ru.CPUSysNs) / 1e9,
		"host":                            string(b.host),
		"rpc_latency":                     b.rpcLatency.Milliseconds(),
		"time_since_last_heard_from":      timeSinceMs(b.lastReportTimeMs),
		"status":                          b.st.Message(),
		"num_remaining_instances":         b.numRemainingInstances,
	}
}

func (b *BackendState) computeResourceUtilizationLocked() ResourceUtilization {
	var ru ResourceUtilization
	for _, id := range b.instanceOrder {
		is := b.instanceStatsMap[id]

		// CPU time and per-host peak memory are counters on the
		// instance's own top-level profile, not the scan-node children
		// (mirrors coordinator-backend-state.cc's entry.second->profile_
		// reads).
		ru.CPUUserNs += valueOrZero(is.Profile.GetCounter(profile.TotalThreadsUserTime))
		ru.CPUSysNs += valueOrZero(is.Profile.GetCounter(profile.TotalThreadsSysTime))
		if peak := valueOrZero(is.Profile.GetCounter(profile.PerHostPeakMemCounter)); peak > ru.PeakPerHostMemUsed {
			ru.PeakPerHostMemUsed = peak
		}

		for _, child := range is.Profile.GetAllChildren() {
			ru.BytesRead += valueOrZero(child.GetCounter(profile.BytesReadCounter))
		}
	}
	return ru
}

// InstanceStatsToJson emits one object per instance.
func (b *BackendState) InstanceStatsToJson() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]map[string]any, 0, len(b.instanceOrder))
	for _, id := range b.instanceOrder {
		out = append(out, b.instanceStatsMap[id].ToJSON(b.st))
	}
	return out
}
