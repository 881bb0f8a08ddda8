package queue

import "sort"

// Rollup is the synthetic tracking record for a combined integration commit.
// The constituent pull requests stay in Approved; the rollup itself is what
// occupies the integration branch.
type Rollup struct {
	Nums     []int
	MergeSHA string
	BuildURL string
	Revision int
	Builds   BuildSet
}

// Includes reports whether num is part of the rollup.
func (r *Rollup) Includes(num int) bool {
	for _, n := range r.Nums {
		if n == num {
			return true
		}
	}
	return false
}

// Model is the per-repository registry of tracked pull requests.
// It is owned by the repository's supervisor and must not be shared.
type Model struct {
	Repo string

	pulls  map[int]*PullState
	rollup *Rollup
}

// NewModel creates an empty model for one repository.
func NewModel(repo string) *Model {
	return &Model{
		Repo:  repo,
		pulls: make(map[int]*PullState),
	}
}

// Pull returns the tracked state for num, or nil.
func (m *Model) Pull(num int) *PullState {
	return m.pulls[num]
}

// Upsert inserts or replaces a pull request record.
func (m *Model) Upsert(p *PullState) {
	m.pulls[p.Num] = p
}

// Ensure returns the tracked state for num, creating it if needed.
func (m *Model) Ensure(num int) *PullState {
	if p, ok := m.pulls[num]; ok {
		return p
	}
	p := NewPullState(m.Repo, num)
	m.pulls[num] = p
	return p
}

// Remove drops a pull request from the model.
func (m *Model) Remove(num int) {
	delete(m.pulls, num)
}

// Len returns the number of tracked pull requests.
func (m *Model) Len() int {
	return len(m.pulls)
}

// All returns every tracked pull request, ordered by number.
func (m *Model) All() []*PullState {
	out := make([]*PullState, 0, len(m.pulls))
	for _, p := range m.pulls {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// Testing returns the pull request currently on the integration branch, or nil.
// At most one pull request per repository is ever in Testing.
func (m *Model) Testing() *PullState {
	for _, p := range m.pulls {
		if p.Status == StatusTesting {
			return p
		}
	}
	return nil
}

// ActiveRollup returns the in-flight rollup, or nil.
func (m *Model) ActiveRollup() *Rollup {
	return m.rollup
}

// SetRollup installs the in-flight rollup record.
func (m *Model) SetRollup(r *Rollup) {
	m.rollup = r
}

// ClearRollup drops the in-flight rollup record.
func (m *Model) ClearRollup() {
	m.rollup = nil
}

// Less orders two pull requests for scheduling: try builds first, then higher
// priority, then single pull requests before rollup candidates, then lower
// number. The ordering is total, so scheduling is deterministic.
func Less(a, b *PullState) bool {
	if a.Try != b.Try {
		return a.Try
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Rollup != b.Rollup {
		return b.Rollup
	}
	return a.Num < b.Num
}

// Sorted returns the scheduling view: every tracked pull request in the
// order the scheduler considers them.
func (m *Model) Sorted() []*PullState {
	out := make([]*PullState, 0, len(m.pulls))
	for _, p := range m.pulls {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// TryCandidates returns pull requests eligible for a try build, in order.
// Try builds bypass the merge queue and do not require approval.
func (m *Model) TryCandidates() []*PullState {
	var out []*PullState
	for _, p := range m.Sorted() {
		if p.Try && p.Mergeable != MergeableNo &&
			(p.Status == StatusPending || p.Status == StatusApproved) {
			out = append(out, p)
		}
	}
	return out
}

// MergeCandidates returns approved non-try pull requests, in order.
func (m *Model) MergeCandidates() []*PullState {
	var out []*PullState
	for _, p := range m.Sorted() {
		if !p.Try && p.Approved() {
			out = append(out, p)
		}
	}
	return out
}
