// Package queue holds the in-memory model of tracked pull requests for one
// repository: their scheduling state, build results and the ordering the
// scheduler picks from. All access is single-threaded per repository; the
// owning supervisor is the only writer.
package queue

// Status represents where a pull request sits in the merge-queue lifecycle.
// It is persisted as this string at the store boundary.
type Status string

const (
	// StatusPending means the pull request is tracked but not approved.
	StatusPending Status = "pending"
	// StatusApproved means the pull request is approved and eligible to be picked.
	StatusApproved Status = "approved"
	// StatusTesting means the pull request is on the integration branch with CI running.
	StatusTesting Status = "testing"
	// StatusSuccess means CI passed on the current integration SHA.
	StatusSuccess Status = "success"
	// StatusFailure means CI failed; a command is required to retry.
	StatusFailure Status = "failure"
	// StatusError means the host refused a merge or push, or a precondition broke.
	StatusError Status = "error"
)

// Mergeable is the host's cached "can this merge cleanly?" hint.
type Mergeable string

const (
	MergeableYes     Mergeable = "yes"
	MergeableNo      Mergeable = "no"
	MergeableUnknown Mergeable = "unknown"
)

// Verdict is a single builder's result for one integration commit.
type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
)

// BuildResult records one builder's verdict for an integration SHA.
type BuildResult struct {
	Builder  string
	Verdict  Verdict
	URL      string
	MergeSHA string
}

// BuildSet tracks per-builder results for one integration commit.
// A pull request (or rollup) is green only when every required builder
// reports success for the same integration SHA.
type BuildSet map[string]*BuildResult

// NewBuildSet initializes pending results for the given builders.
func NewBuildSet(builders []string) BuildSet {
	bs := make(BuildSet, len(builders))
	for _, b := range builders {
		bs[b] = &BuildResult{Builder: b, Verdict: VerdictPending}
	}
	return bs
}

// Set records a builder verdict. Results for unknown builders are rejected.
func (bs BuildSet) Set(builder string, verdict Verdict, url, mergeSHA string) bool {
	res, ok := bs[builder]
	if !ok {
		return false
	}
	res.Verdict = verdict
	res.URL = url
	res.MergeSHA = mergeSHA
	return true
}

// AllGreen reports whether every builder has succeeded for mergeSHA.
// An empty set is never green.
func (bs BuildSet) AllGreen(mergeSHA string) bool {
	if len(bs) == 0 {
		return false
	}
	for _, res := range bs {
		if res.Verdict != VerdictSuccess || res.MergeSHA != mergeSHA {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any builder has failed for mergeSHA.
func (bs BuildSet) AnyFailed(mergeSHA string) bool {
	for _, res := range bs {
		if res.Verdict == VerdictFailure && res.MergeSHA == mergeSHA {
			return true
		}
	}
	return false
}

// FirstURL returns a build URL from the set, preferring failed builds.
func (bs BuildSet) FirstURL() string {
	var url string
	for _, res := range bs {
		if res.URL == "" {
			continue
		}
		if res.Verdict == VerdictFailure {
			return res.URL
		}
		url = res.URL
	}
	return url
}

// PullState is the tracked unit of work: one pull request and all of its
// transient scheduling fields.
type PullState struct {
	Repo       string // repository label from configuration
	Num        int
	Title      string
	Body       string
	HeadSHA    string
	HeadRef    string
	BaseRef    string
	Assignee   string
	Author     string
	ApprovedBy string // empty when unapproved
	Delegate   string // user granted approval authority for this PR, if any
	Priority   int
	Rollup     bool
	Try        bool
	Mergeable  Mergeable
	Status     Status
	MergeSHA   string // integration SHA of the commit Homu built, if any
	BuildURL   string

	// Revision increments whenever the head or integration SHA changes,
	// so stale async callbacks can be recognized and dropped.
	Revision int

	Builds BuildSet
}

// NewPullState creates a tracked pull request in its initial state.
func NewPullState(repo string, num int) *PullState {
	return &PullState{
		Repo:      repo,
		Num:       num,
		Status:    StatusPending,
		Mergeable: MergeableUnknown,
		Builds:    BuildSet{},
	}
}

// HeadAdvanced resets a pull request after its head ref moved to a new SHA.
// Approval, integration state and build results are all invalidated.
func (p *PullState) HeadAdvanced(headSHA string) {
	p.HeadSHA = headSHA
	p.ApprovedBy = ""
	p.Status = StatusPending
	p.MergeSHA = ""
	p.BuildURL = ""
	p.Try = false
	p.Mergeable = MergeableUnknown
	p.Builds = BuildSet{}
	p.Revision++
}

// ResetBuild clears integration state without touching approval.
func (p *PullState) ResetBuild() {
	p.MergeSHA = ""
	p.BuildURL = ""
	p.Builds = BuildSet{}
	p.Revision++
}

// Approved reports whether the pull request can enter the merge queue.
func (p *PullState) Approved() bool {
	return p.Status == StatusApproved && p.ApprovedBy != "" && p.Mergeable != MergeableNo
}
