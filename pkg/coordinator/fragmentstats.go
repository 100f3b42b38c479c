package coordinator

import (
	"fmt"

	"github.com/cuemby/meridian/pkg/profile"
)

// FragmentStats aggregates statistics across every instance of one
// fragment, regardless of which backend hosts it. Written only in
// single-threaded phases: Init's child-profile registration runs before
// any concurrent Exec/report traffic, and AddSplitStats/AddExecStats run
// after the coordinator's barrier has tripped — so its streaming
// accumulators need no lock of their own.
type FragmentStats struct {
	fragmentIdx int

	avgProfile  *profile.Profile
	rootProfile *profile.Profile

	bytesAssigned   *profile.StreamingStat
	completionTimes *profile.StreamingStat
	rates           *profile.StreamingStat

	numInstances int
}

// NewFragmentStats builds the stats accumulator for one fragment, with
// its profile subtrees owned by arena.
func NewFragmentStats(arena *profile.Arena, fragmentIdx int, displayName string) *FragmentStats {
	return &FragmentStats{
		fragmentIdx:     fragmentIdx,
		avgProfile:      arena.New(fmt.Sprintf("Averaged Fragment %s", displayName), profile.InvalidPlanNodeID),
		rootProfile:     arena.New(fmt.Sprintf("Fragment %s", displayName), profile.InvalidPlanNodeID),
		bytesAssigned:   profile.NewStreamingStat(),
		completionTimes: profile.NewStreamingStat(),
		rates:           profile.NewStreamingStat(),
	}
}

// RootProfile is the parent every InstanceStats profile registers under
// at construction time.
func (f *FragmentStats) RootProfile() *profile.Profile { return f.rootProfile }

// AddInstance records that one more instance of this fragment now
// exists and folds its assigned split size into the bytes_assigned
// accumulator. Called once per InstanceStats at construction (§4.2
// "Construction").
func (f *FragmentStats) AddInstance(splitSizeBytes int64) {
	f.numInstances++
	f.bytesAssigned.Push(float64(splitSizeBytes))
}

// AddSplitStats attaches a human-readable min/max/mean/stddev summary
// of bytes_assigned to avg_profile. Run once, after Init of all
// BackendStates.
func (f *FragmentStats) AddSplitStats() {
	f.avgProfile.AddInfoString("split sizes", formatStat(f.bytesAssigned))
}

// AddInstanceExecStats folds one terminal instance's completion time and
// split-size-derived throughput rate into the completion_times/rates
// accumulators. Called once per InstanceStats from
// BackendState.UpdateExecStats, mirroring the original's
// Coordinator::BackendState::UpdateExecStats pushing
// stopwatch_.ElapsedTime() and a total_split_size_-derived rate per
// instance.
func (f *FragmentStats) AddInstanceExecStats(completionTimeNs, rateBytesPerSec float64) {
	f.completionTimes.Push(completionTimeNs)
	f.rates.Push(rateBytesPerSec)
}

// AddExecStats sorts root_profile's children by total time and attaches
// completion-time/rate/num-instances summaries built from whatever was
// already folded in via AddInstanceExecStats. Run once, after query
// completion — specifically after every BackendState is terminal, which
// structurally rules out any race between per-instance profile updates
// and this sort.
func (f *FragmentStats) AddExecStats() {
	f.rootProfile.SortChildrenByTotalTime()

	// "completion times"/"execution rates": plural labels even though
	// each info string summarizes the whole distribution in one line.
	f.avgProfile.AddInfoString("completion times", formatStat(f.completionTimes))
	f.avgProfile.AddInfoString("execution rates", formatStat(f.rates))
	f.avgProfile.AddInfoString("num instances", fmt.Sprintf("%d", f.numInstances))
}

func formatStat(s *profile.StreamingStat) string {
	if s.N() == 0 {
		return "N/A"
	}
	return fmt.Sprintf("min=%.2f max=%.2f mean=%.2f stddev=%.2f (%d samples)",
		s.Min(), s.Max(), s.Mean(), s.Stddev(), s.N())
}

// NumInstances returns the number of instances aggregated so far.
func (f *FragmentStats) NumInstances() int { return f.numInstances }
