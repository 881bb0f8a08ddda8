package scheduler

import (
	"context"
	"strings"
	"testing"

	"github.com/homu-dev/homu/internal/config"
	"github.com/homu-dev/homu/internal/host"
	"github.com/homu-dev/homu/internal/queue"
	"github.com/homu-dev/homu/internal/store"
	"github.com/homu-dev/homu/internal/testutil"
)

func testRepo() *config.Repo {
	return &config.Repo{
		Label:        "demo",
		Owner:        "octo",
		Name:         "repo",
		Reviewers:    []string{"alice"},
		Builders:     []string{"linux64"},
		TestBranch:   "auto",
		MasterBranch: "master",
		TryBranch:    "try",
		RollupCap:    8,
	}
}

func newScheduler(t *testing.T, repo *config.Repo) (*Scheduler, *testutil.Host, *store.Store) {
	t.Helper()
	st, err := store.NewFromPath(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fake := testutil.NewHost()
	return New(repo, fake, st), fake, st
}

func approved(m *queue.Model, num int, headSHA string) *queue.PullState {
	p := m.Ensure(num)
	p.HeadSHA = headSHA
	p.HeadRef = "feature"
	p.Title = "title"
	p.ApprovedBy = "alice"
	p.Status = queue.StatusApproved
	p.Mergeable = queue.MergeableYes
	return p
}

func TestTickLaunchesApprovedPull(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 7, "head7")

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if p.Status != queue.StatusTesting {
		t.Fatalf("status = %v, want testing", p.Status)
	}
	if p.MergeSHA == "" {
		t.Fatal("merge SHA not recorded")
	}
	if fake.Branches["auto"] != p.MergeSHA {
		t.Errorf("auto branch = %q, want %q", fake.Branches["auto"], p.MergeSHA)
	}
	if got := fake.LastComment(7); !strings.Contains(got, ":hourglass:") {
		t.Errorf("comment = %q, want hourglass", got)
	}
}

func TestTickNoopWhileTesting(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	busy := approved(m, 1, "head1")
	busy.Status = queue.StatusTesting
	busy.MergeSHA = "merge-busy"
	approved(m, 2, "head2")

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if p := m.Pull(2); p.Status != queue.StatusApproved {
		t.Errorf("pull 2 status = %v, want approved", p.Status)
	}
	if len(fake.CommentLog) != 0 {
		t.Errorf("unexpected comments: %v", fake.CommentLog)
	}
}

func TestTickOrdering(t *testing.T) {
	s, _, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	low := approved(m, 1, "head1")
	low.Priority = 1
	high := approved(m, 2, "head2")
	high.Priority = 5

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if high.Status != queue.StatusTesting {
		t.Errorf("high-priority pull not picked: %v", high.Status)
	}
	if low.Status != queue.StatusApproved {
		t.Errorf("low-priority pull status = %v, want approved", low.Status)
	}
}

func TestTickTryWinsOverQueue(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	approved(m, 1, "head1")
	try := m.Ensure(2)
	try.HeadSHA = "head2"
	try.Try = true
	try.Mergeable = queue.MergeableYes

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if try.Status != queue.StatusTesting {
		t.Fatalf("try status = %v, want testing", try.Status)
	}
	if fake.Branches["try"] != try.MergeSHA {
		t.Errorf("try branch = %q, want %q", fake.Branches["try"], try.MergeSHA)
	}
	if p := m.Pull(1); p.Status != queue.StatusApproved {
		t.Errorf("queued pull status = %v, want approved", p.Status)
	}
}

func TestTickMergeConflict(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 3, "head3")
	fake.MergeErr["head3"] = host.ErrMergeConflict

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if p.Status != queue.StatusError {
		t.Fatalf("status = %v, want error", p.Status)
	}
	if got := fake.LastComment(3); got != ":lock: Merge conflict" {
		t.Errorf("comment = %q", got)
	}
}

func launchOne(t *testing.T, s *Scheduler, m *queue.Model, p *queue.PullState) {
	t.Helper()
	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if p.Status != queue.StatusTesting {
		t.Fatalf("launch did not reach testing: %v", p.Status)
	}
}

func TestBuildSuccessFastForwards(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 7, "head7")
	launchOne(t, s, m, p)

	applied, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictSuccess, "https://ci/1", p.MergeSHA)
	if err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if !applied {
		t.Fatal("result not applied")
	}
	if p.Status != queue.StatusSuccess {
		t.Errorf("status = %v, want success", p.Status)
	}
	if fake.Branches["master"] != p.MergeSHA {
		t.Errorf("master = %q, want %q", fake.Branches["master"], p.MergeSHA)
	}
	if got := fake.LastComment(7); !strings.Contains(got, ":sunny:") {
		t.Errorf("comment = %q, want sunny", got)
	}
}

func TestBuildFailure(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 7, "head7")
	launchOne(t, s, m, p)

	if _, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictFailure, "https://ci/fail", p.MergeSHA); err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if p.Status != queue.StatusFailure {
		t.Errorf("status = %v, want failure", p.Status)
	}
	if p.BuildURL != "https://ci/fail" {
		t.Errorf("build URL = %q", p.BuildURL)
	}
	if fake.Branches["master"] == p.MergeSHA {
		t.Error("master advanced on failure")
	}
	if got := fake.LastComment(7); !strings.Contains(got, ":broken_heart:") {
		t.Errorf("comment = %q, want broken_heart", got)
	}
}

func TestStaleResultDropped(t *testing.T) {
	s, _, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 7, "head7")
	launchOne(t, s, m, p)

	applied, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictFailure, "https://ci/old", "stale-merge-sha")
	if err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if applied {
		t.Fatal("stale result was applied")
	}
	if p.Status != queue.StatusTesting {
		t.Errorf("status = %v, want testing", p.Status)
	}
}

func TestUnknownBuilderDropped(t *testing.T) {
	s, _, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 7, "head7")
	launchOne(t, s, m, p)

	applied, err := s.ApplyBuildResult(context.Background(), m, "windows",
		queue.VerdictSuccess, "", p.MergeSHA)
	if err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if applied {
		t.Fatal("unknown builder result was applied")
	}
}

func TestMasterMovedRequeues(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 7, "head7")
	launchOne(t, s, m, p)
	fake.FastForwardErr = host.ErrNotFastForward

	if _, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictSuccess, "https://ci/1", p.MergeSHA); err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if p.Status != queue.StatusApproved {
		t.Errorf("status = %v, want approved", p.Status)
	}
	if p.MergeSHA != "" {
		t.Errorf("merge SHA not cleared: %q", p.MergeSHA)
	}
}

func TestTrySuccessReverts(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := approved(m, 4, "head4")
	p.Try = true
	launchOne(t, s, m, p)

	if _, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictSuccess, "https://ci/try", p.MergeSHA); err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if p.Status != queue.StatusApproved {
		t.Errorf("status = %v, want approved", p.Status)
	}
	if p.Try {
		t.Error("try flag not consumed")
	}
	if fake.Branches["master"] == "merge001" {
		t.Error("try build must not merge")
	}
	if got := fake.LastComment(4); !strings.Contains(got, "Try build successful") {
		t.Errorf("comment = %q", got)
	}
}

func TestTryFailureRevertsToPending(t *testing.T) {
	s, _, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	p := m.Ensure(4)
	p.HeadSHA = "head4"
	p.Try = true
	p.Mergeable = queue.MergeableYes
	launchOne(t, s, m, p)

	if _, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictFailure, "https://ci/try", p.MergeSHA); err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if p.Status != queue.StatusPending {
		t.Errorf("status = %v, want pending", p.Status)
	}
}

func TestRollupAssemblyAndSuccess(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	for i := 1; i <= 3; i++ {
		p := approved(m, i, "head"+string(rune('0'+i)))
		p.Rollup = true
	}

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r := m.ActiveRollup()
	if r == nil {
		t.Fatal("no active rollup")
	}
	if len(r.Nums) != 3 {
		t.Fatalf("rollup nums = %v, want 3 pulls", r.Nums)
	}
	for _, num := range r.Nums {
		if m.Pull(num).Status != queue.StatusApproved {
			t.Errorf("pull %d left approved state", num)
		}
	}

	if _, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictSuccess, "https://ci/rollup", r.MergeSHA); err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if m.ActiveRollup() != nil {
		t.Error("rollup not cleared")
	}
	if fake.Branches["master"] != r.MergeSHA {
		t.Errorf("master = %q, want %q", fake.Branches["master"], r.MergeSHA)
	}
	for _, num := range r.Nums {
		if m.Pull(num).Status != queue.StatusSuccess {
			t.Errorf("pull %d status = %v, want success", num, m.Pull(num).Status)
		}
	}
}

func TestRollupCap(t *testing.T) {
	repo := testRepo()
	repo.RollupCap = 2
	s, _, _ := newScheduler(t, repo)
	m := queue.NewModel("demo")
	for i := 1; i <= 4; i++ {
		p := approved(m, i, "head"+string(rune('0'+i)))
		p.Rollup = true
	}

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r := m.ActiveRollup()
	if r == nil || len(r.Nums) != 2 {
		t.Fatalf("rollup = %+v, want 2 pulls", r)
	}
}

func TestRollupSingleWinsOverRollup(t *testing.T) {
	s, _, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	roll := approved(m, 1, "head1")
	roll.Rollup = true
	single := approved(m, 2, "head2")

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if single.Status != queue.StatusTesting {
		t.Errorf("single status = %v, want testing", single.Status)
	}
	if m.ActiveRollup() != nil {
		t.Error("rollup started ahead of single pull")
	}
}

func TestRollupConflictKicksConstituent(t *testing.T) {
	s, fake, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	for i := 1; i <= 3; i++ {
		p := approved(m, i, "head"+string(rune('0'+i)))
		p.Rollup = true
	}
	fake.MergeErr["head2"] = host.ErrMergeConflict

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r := m.ActiveRollup()
	if r == nil || len(r.Nums) != 2 {
		t.Fatalf("rollup = %+v, want pulls 1 and 3", r)
	}
	if m.Pull(2).Status != queue.StatusError {
		t.Errorf("conflicted pull status = %v, want error", m.Pull(2).Status)
	}
	if got := fake.LastComment(2); got != ":lock: Merge conflict" {
		t.Errorf("comment = %q", got)
	}
}

func TestRollupTriggerTargetsLastMergedHead(t *testing.T) {
	s, fake, st := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	for i := 1; i <= 3; i++ {
		p := approved(m, i, "head"+string(rune('0'+i)))
		p.Rollup = true
	}
	fake.MergeErr["head3"] = host.ErrMergeConflict

	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r := m.ActiveRollup()
	if r == nil || len(r.Nums) != 2 {
		t.Fatalf("rollup = %+v, want pulls 1 and 2", r)
	}

	trig, err := st.LookupTrigger(r.MergeSHA)
	if err != nil {
		t.Fatalf("LookupTrigger: %v", err)
	}
	if trig == nil {
		t.Fatal("no trigger recorded for rollup merge")
	}
	// Pull 3 was kicked out; the trigger must point at the head that actually
	// produced the merge commit.
	if trig.TargetSHA != "head2" {
		t.Errorf("trigger target = %q, want head2", trig.TargetSHA)
	}
}

func TestRollupFailureBlamesAll(t *testing.T) {
	s, _, _ := newScheduler(t, testRepo())
	m := queue.NewModel("demo")
	for i := 1; i <= 3; i++ {
		p := approved(m, i, "head"+string(rune('0'+i)))
		p.Rollup = true
	}
	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r := m.ActiveRollup()

	if _, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictFailure, "https://ci/rollup", r.MergeSHA); err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if m.Pull(i).Status != queue.StatusFailure {
			t.Errorf("pull %d status = %v, want failure", i, m.Pull(i).Status)
		}
	}
}

func TestRollupFailureBisects(t *testing.T) {
	repo := testRepo()
	repo.RollupBisect = true
	s, _, _ := newScheduler(t, repo)
	m := queue.NewModel("demo")
	for i := 1; i <= 3; i++ {
		p := approved(m, i, "head"+string(rune('0'+i)))
		p.Rollup = true
	}
	if err := s.Tick(context.Background(), m); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r := m.ActiveRollup()

	if _, err := s.ApplyBuildResult(context.Background(), m, "linux64",
		queue.VerdictFailure, "https://ci/rollup", r.MergeSHA); err != nil {
		t.Fatalf("ApplyBuildResult: %v", err)
	}
	if m.Pull(1).Status != queue.StatusFailure {
		t.Errorf("first constituent status = %v, want failure", m.Pull(1).Status)
	}
	for i := 2; i <= 3; i++ {
		if m.Pull(i).Status != queue.StatusApproved {
			t.Errorf("pull %d status = %v, want approved", i, m.Pull(i).Status)
		}
	}
}
