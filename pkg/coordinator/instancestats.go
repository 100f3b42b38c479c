package coordinator

import (
	"fmt"
	"time"

	"github.com/cuemby/meridian/pkg/profile"
	"github.com/cuemby/meridian/pkg/reportbus"
	"github.com/cuemby/meridian/pkg/status"
	"github.com/cuemby/meridian/pkg/types"
)

// scanNodeCounters is the pair of weak-reference counters InitCounters
// captures per scan plan node: scan-ranges-complete and bytes-read.
type scanNodeCounters struct {
	scanRangesComplete *profile.Counter
	bytesRead          *profile.Counter
}

// InstanceStats tracks one fragment instance's bookkeeping on its owning
// BackendState. It has no lock of its own: every mutator runs under the
// enclosing BackendState's lock: every mutator runs while the
// BackendState that owns it holds its own lock.
type InstanceStats struct {
	ExecParams *types.FInstanceExecParams

	Profile        *profile.Profile
	Done           bool
	ProfileCreated bool
	CurrentState   types.ExecStateEnum

	stopwatchStart time.Time
	stopwatchElapsed time.Duration
	stopwatchRunning bool

	TotalSplitSizeBytes int64

	scanNodeCounters     map[int32]*scanNodeCounters
	totalRangesComplete  int64

	LastReportTimeMs int64
	FirstUpdateAt    time.Time
}

// NewInstanceStats constructs the stats record for one instance,
// registering its profile as a child of the owning fragment's root
// profile and folding its split size into FragmentStats' bytes_assigned
// accumulator.
func NewInstanceStats(params *types.FInstanceExecParams, host types.Host, fs *FragmentStats) *InstanceStats {
	p := profile.NewProfile(fmt.Sprintf("Instance %s (host=%s)", params.InstanceID, host), profile.InvalidPlanNodeID)
	fs.RootProfile().AddChild(p)

	var totalSplit int64
	for _, ranges := range params.PerNodeScanRanges {
		for _, r := range ranges {
			if r.Kind == types.ScanRangeFileSplit {
				totalSplit += r.Length
			}
		}
	}
	fs.AddInstance(totalSplit)

	return &InstanceStats{
		ExecParams:          params,
		Profile:             p,
		CurrentState:        types.ExecStateWaitingForExec,
		TotalSplitSizeBytes: totalSplit,
		scanNodeCounters:    make(map[int32]*scanNodeCounters),
	}
}

// StartStopwatch begins the elapsed-time clock once Exec's RPC returns
// success.
func (s *InstanceStats) StartStopwatch() {
	if !s.stopwatchRunning {
		s.stopwatchStart = time.Now()
		s.stopwatchRunning = true
	}
}

func (s *InstanceStats) stopStopwatch() {
	if s.stopwatchRunning {
		s.stopwatchElapsed += time.Since(s.stopwatchStart)
		s.stopwatchRunning = false
	}
}

// Elapsed returns the stopwatch's accumulated duration.
func (s *InstanceStats) Elapsed() time.Duration {
	if s.stopwatchRunning {
		return s.stopwatchElapsed + time.Since(s.stopwatchStart)
	}
	return s.stopwatchElapsed
}

// InitCounters walks the profile's children once, on the first Update,
// and captures the scan-ranges-complete / bytes-read counters of every
// child representing an execution node.
func (s *InstanceStats) InitCounters() {
	for _, child := range s.Profile.GetAllChildren() {
		if child.PlanNodeID == profile.InvalidPlanNodeID {
			continue
		}
		s.scanNodeCounters[child.PlanNodeID] = &scanNodeCounters{
			scanRangesComplete: child.GetCounter(profile.ScanRangesCompleteCounter),
			bytesRead:          child.GetCounter(profile.BytesReadCounter),
		}
	}
}

// Update applies one instance's slice of an inbound status report,
// implementing each step of the update sequence in order. progressDelta
// is the number of scan ranges completed since the last call, for the
// caller to push to a query-wide progress updater (step 6); it
// is returned rather than pushed here since this package owns no such
// updater.
//
// The caller must hold summary's lock for the duration of this call,
// per the documented ExecSummary-then-BackendState lock order.
func (s *InstanceStats) Update(report *reportbus.InstanceReport, summary *ExecSummary) (progressDelta int64) {
	// 1. Stamp last_report_time_ms.
	s.LastReportTimeMs = time.Now().UnixMilli()
	if s.FirstUpdateAt.IsZero() {
		s.FirstUpdateAt = time.Now()
	}

	// 2. If report marks done, stop the stopwatch.
	if report.Done {
		s.stopStopwatch()
	}

	// 3. Merge the incoming profile delta; run InitCounters on the first
	// update only.
	firstUpdate := !s.ProfileCreated
	if len(report.ProfileDelta) > 0 {
		s.Profile.Update(decodeProfileDelta(report.ProfileDelta))
	}
	if firstUpdate {
		s.InitCounters()
		s.ProfileCreated = true
	}

	// 4. Recompute per-node time-in-profile.
	s.Profile.ComputeTimeInProfile()
	for _, child := range s.Profile.GetAllChildren() {
		child.ComputeTimeInProfile()
	}

	// 5. For each child profile representing a plan node, write the
	// latest cardinality/memory/latency into the ExecSummary row for
	// that plan-node-id, in the per_fragment_instance_idx slot.
	for _, child := range s.Profile.GetAllChildren() {
		if child.PlanNodeID == profile.InvalidPlanNodeID {
			continue
		}
		rows := InstanceExecStats{
			Cardinality: valueOrZero(child.GetCounter(profile.RowsReturnedCounter)),
			MemoryUsed:  valueOrZero(child.GetCounter(profile.PeakMemoryUsageCounter)),
			LatencyNs:   child.LocalTime(),
		}
		summary.WriteInstanceStats(child.PlanNodeID, s.ExecParams.PerFragmentInstanceIdx, rows)
	}

	// 6. Sum current scan-ranges-complete counters, push the delta since
	// total_ranges_complete, replace total_ranges_complete with the new
	// total.
	var newTotal int64
	for _, c := range s.scanNodeCounters {
		if c.scanRangesComplete != nil {
			newTotal += c.scanRangesComplete.Value()
		}
	}
	progressDelta = newTotal - s.totalRangesComplete
	s.totalRangesComplete = newTotal

	// 7. Record current_state.
	s.CurrentState = report.CurrentState

	return progressDelta
}

func valueOrZero(c *profile.Counter) int64 {
	if c == nil {
		return 0
	}
	return c.Value()
}

// decodeProfileDelta decodes a JSON-encoded profile delta carried in an
// InstanceReport; a delta that fails to decode is treated as empty.
func decodeProfileDelta(raw []byte) profile.ProfileDelta {
	var delta profile.ProfileDelta
	if err := decodeJSON(raw, &delta); err != nil {
		return profile.ProfileDelta{}
	}
	return delta
}

// ToJSON renders this instance's debug row, one element of
// BackendState.InstanceStatsToJson's array.
func (s *InstanceStats) ToJSON(overallStatus status.Status) map[string]any {
	return map[string]any{
		"instance_id":                  s.ExecParams.InstanceID.String(),
		"done":                         s.Done,
		"current_state":                string(s.CurrentState),
		"fragment_name":                s.Profile.Name,
		"first_status_update_received": !s.FirstUpdateAt.IsZero(),
		"time_since_last_heard_from": timeSinceMs(s.LastReportTimeMs),
	}
}

func timeSinceMs(lastMs int64) int64 {
	if lastMs == 0 {
		return 0
	}
	return time.Now().UnixMilli() - lastMs
}
