// Package scheduler decides which pull request (or rollup) occupies the
// integration branch next, launches the speculative merge build, and applies
// build results: fast-forwarding the protected branch on success, attributing
// failures, and reverting try builds.
//
// The scheduler never runs concurrently for one repository; the owning
// supervisor calls it from its event loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/homu-dev/homu/internal/config"
	"github.com/homu-dev/homu/internal/host"
	"github.com/homu-dev/homu/internal/logging"
	"github.com/homu-dev/homu/internal/queue"
	"github.com/homu-dev/homu/internal/store"
)

// Scheduler drives the integration branch for one repository.
type Scheduler struct {
	repo  *config.Repo
	host  host.Client
	store *store.Store
	log   *slog.Logger
}

// New creates a scheduler for one repository.
func New(repo *config.Repo, hostClient host.Client, st *store.Store) *Scheduler {
	return &Scheduler{
		repo:  repo,
		host:  hostClient,
		store: st,
		log:   logging.WithComponent("scheduler").With("repo", repo.Label),
	}
}

// Tick examines the model and launches at most one build. It is a no-op when
// something already occupies the integration branch. Try candidates always
// win over the merge queue.
func (s *Scheduler) Tick(ctx context.Context, m *queue.Model) error {
	if m.Testing() != nil || m.ActiveRollup() != nil {
		return nil
	}

	if tries := m.TryCandidates(); len(tries) > 0 {
		return s.startTry(ctx, m, tries[0])
	}

	candidates := m.MergeCandidates()
	if len(candidates) == 0 {
		return nil
	}

	head := candidates[0]
	if head.Rollup {
		return s.startRollup(ctx, m, candidates)
	}
	return s.startSingle(ctx, m, head)
}

// mergeMessage is the commit message for a speculative merge commit.
func mergeMessage(p *queue.PullState) string {
	approver := p.ApprovedBy
	if approver == "" {
		approver = "<try>"
	}
	return fmt.Sprintf("Auto merge of #%d - %s, r=%s\n\n%s\n\n%s",
		p.Num, p.HeadRef, approver, p.Title, p.Body)
}

// createMerge resets branch to the protected branch tip and merges headSHA
// into it, returning the merge commit.
func (s *Scheduler) createMerge(ctx context.Context, branch string, p *queue.PullState) (string, error) {
	baseSHA, err := s.host.BranchSHA(ctx, s.repo.MasterBranch)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", s.repo.MasterBranch, err)
	}
	if err := s.host.PushBranch(ctx, branch, baseSHA, true); err != nil {
		return "", fmt.Errorf("failed to reset %s: %w", branch, err)
	}
	return s.host.CreateMerge(ctx, branch, p.HeadSHA, mergeMessage(p))
}

// startSingle puts one approved pull request on the integration branch.
func (s *Scheduler) startSingle(ctx context.Context, m *queue.Model, p *queue.PullState) error {
	mergeSHA, err := s.createMerge(ctx, s.repo.TestBranch, p)
	if err != nil {
		return s.launchFailed(ctx, p, err)
	}
	return s.beginTesting(ctx, p, s.repo.TestBranch, mergeSHA)
}

// startTry puts a try candidate on the try branch. Try builds never merge;
// their result only reports back to the pull request.
func (s *Scheduler) startTry(ctx context.Context, m *queue.Model, p *queue.PullState) error {
	mergeSHA, err := s.createMerge(ctx, s.repo.TryBranch, p)
	if err != nil {
		return s.launchFailed(ctx, p, err)
	}
	return s.beginTesting(ctx, p, s.repo.TryBranch, mergeSHA)
}

// beginTesting records the launched build and announces it.
func (s *Scheduler) beginTesting(ctx context.Context, p *queue.PullState, branch, mergeSHA string) error {
	if err := s.store.RecordTrigger(branch, mergeSHA, p.HeadSHA); err != nil {
		return fmt.Errorf("failed to record build trigger: %w", err)
	}

	p.Status = queue.StatusTesting
	p.MergeSHA = mergeSHA
	p.BuildURL = ""
	p.Builds = queue.NewBuildSet(s.repo.Builders)
	p.Revision++
	if err := s.store.UpsertPull(p); err != nil {
		return fmt.Errorf("failed to persist pull state: %w", err)
	}
	if err := s.store.ClearBuilds(p.Repo, p.Num); err != nil {
		return fmt.Errorf("failed to clear stale build results: %w", err)
	}

	s.log.Info("build started",
		"pull", p.Num, "branch", branch, "merge_sha", mergeSHA, "try", p.Try)

	desc := fmt.Sprintf("Testing candidate %s", shortSHA(mergeSHA))
	if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusPending, desc, ""); err != nil {
		s.log.Warn("failed to set pending status", "pull", p.Num, "error", err)
	}
	body := fmt.Sprintf(":hourglass: Testing commit %s with merge %s...",
		shortSHA(p.HeadSHA), shortSHA(mergeSHA))
	if err := s.host.PostComment(ctx, p.Num, body); err != nil {
		s.log.Warn("failed to post testing comment", "pull", p.Num, "error", err)
	}
	return nil
}

// startRollup combines the contiguous rollup-flagged prefix of candidates
// into one integration commit, up to the configured cap. A constituent that
// conflicts is kicked out with an error and the rest proceed.
func (s *Scheduler) startRollup(ctx context.Context, m *queue.Model, candidates []*queue.PullState) error {
	var batch []*queue.PullState
	for _, p := range candidates {
		if !p.Rollup || len(batch) >= s.repo.RollupCap {
			break
		}
		batch = append(batch, p)
	}

	baseSHA, err := s.host.BranchSHA(ctx, s.repo.MasterBranch)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", s.repo.MasterBranch, err)
	}
	if err := s.host.PushBranch(ctx, s.repo.TestBranch, baseSHA, true); err != nil {
		return fmt.Errorf("failed to reset %s: %w", s.repo.TestBranch, err)
	}

	var (
		nums     []int
		mergeSHA string
		lastHead string
	)
	for _, p := range batch {
		sha, err := s.host.CreateMerge(ctx, s.repo.TestBranch, p.HeadSHA, mergeMessage(p))
		if err != nil {
			if kickErr := s.launchFailed(ctx, p, err); kickErr != nil {
				return kickErr
			}
			continue
		}
		nums = append(nums, p.Num)
		mergeSHA = sha
		lastHead = p.HeadSHA
	}
	if len(nums) == 0 {
		// Every constituent conflicted; the next tick picks fresh candidates.
		return nil
	}

	// lastHead belongs to the constituent that produced mergeSHA; kicked
	// constituents must not show up in the trigger provenance.
	if err := s.store.RecordTrigger(s.repo.TestBranch, mergeSHA, lastHead); err != nil {
		return fmt.Errorf("failed to record build trigger: %w", err)
	}

	rollup := &queue.Rollup{
		Nums:     nums,
		MergeSHA: mergeSHA,
		Builds:   queue.NewBuildSet(s.repo.Builders),
	}
	m.SetRollup(rollup)

	s.log.Info("rollup started", "pulls", nums, "merge_sha", mergeSHA)

	for _, num := range nums {
		p := m.Pull(num)
		if p == nil {
			continue
		}
		desc := fmt.Sprintf("Testing rollup candidate %s", shortSHA(mergeSHA))
		if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusPending, desc, ""); err != nil {
			s.log.Warn("failed to set pending status", "pull", num, "error", err)
		}
		body := fmt.Sprintf(":hourglass: Testing commit %s with rollup merge %s...",
			shortSHA(p.HeadSHA), shortSHA(mergeSHA))
		if err := s.host.PostComment(ctx, num, body); err != nil {
			s.log.Warn("failed to post testing comment", "pull", num, "error", err)
		}
	}
	return nil
}

// launchFailed handles a failed build launch: merge conflicts and host
// refusals park the pull request in Error; anything else is surfaced so the
// supervisor can retry on the next tick.
func (s *Scheduler) launchFailed(ctx context.Context, p *queue.PullState, err error) error {
	var body string
	switch {
	case errors.Is(err, host.ErrMergeConflict) || host.IsRefusal(err):
		if errors.Is(err, host.ErrMergeConflict) {
			body = ":lock: Merge conflict"
		} else {
			body = fmt.Sprintf(":x: Failed to create merge commit: %v", err)
		}
	default:
		return fmt.Errorf("failed to launch build for #%d: %w", p.Num, err)
	}

	p.Status = queue.StatusError
	p.ResetBuild()
	if perr := s.store.UpsertPull(p); perr != nil {
		return fmt.Errorf("failed to persist pull state: %w", perr)
	}

	s.log.Warn("build launch failed", "pull", p.Num, "error", err)

	if serr := s.host.SetStatus(ctx, p.HeadSHA, host.StatusError, "Merge failed", ""); serr != nil {
		s.log.Warn("failed to set error status", "pull", p.Num, "error", serr)
	}
	if cerr := s.host.PostComment(ctx, p.Num, body); cerr != nil {
		s.log.Warn("failed to post error comment", "pull", p.Num, "error", cerr)
	}
	return nil
}

// ApplyBuildResult routes one authenticated builder verdict to whatever the
// result belongs to. Results whose integration SHA matches nothing tracked
// are stale and dropped; the return value reports whether anything changed.
func (s *Scheduler) ApplyBuildResult(ctx context.Context, m *queue.Model, builder string, verdict queue.Verdict, url, mergeSHA string) (bool, error) {
	if r := m.ActiveRollup(); r != nil && r.MergeSHA == mergeSHA {
		return s.applyRollupResult(ctx, m, r, builder, verdict, url)
	}

	p := m.Testing()
	if p == nil || p.MergeSHA != mergeSHA {
		s.log.Debug("dropping stale build result",
			"builder", builder, "merge_sha", mergeSHA)
		return false, nil
	}
	if !p.Builds.Set(builder, verdict, url, mergeSHA) {
		s.log.Debug("dropping result from unknown builder",
			"builder", builder, "pull", p.Num)
		return false, nil
	}
	if err := s.store.RecordBuild(p.Repo, p.Num, builder, verdict, url, mergeSHA); err != nil {
		return false, fmt.Errorf("failed to persist build result: %w", err)
	}

	switch {
	case p.Builds.AnyFailed(mergeSHA):
		return true, s.buildFailed(ctx, p)
	case p.Builds.AllGreen(mergeSHA):
		return true, s.buildSucceeded(ctx, m, p)
	}
	return true, s.store.UpsertPull(p)
}

// buildSucceeded finishes a green build: try builds revert and report, merge
// builds fast-forward the protected branch.
func (s *Scheduler) buildSucceeded(ctx context.Context, m *queue.Model, p *queue.PullState) error {
	url := p.Builds.FirstURL()
	p.BuildURL = url

	if p.Try {
		s.revertTry(p)
		if err := s.store.UpsertPull(p); err != nil {
			return fmt.Errorf("failed to persist pull state: %w", err)
		}
		s.log.Info("try build succeeded", "pull", p.Num)
		if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusSuccess, "Try build successful", url); err != nil {
			s.log.Warn("failed to set success status", "pull", p.Num, "error", err)
		}
		body := fmt.Sprintf(":sunny: Try build successful - [build](%s)", url)
		if err := s.host.PostComment(ctx, p.Num, body); err != nil {
			s.log.Warn("failed to post try comment", "pull", p.Num, "error", err)
		}
		return nil
	}

	if err := s.host.FastForward(ctx, s.repo.MasterBranch, p.MergeSHA); err != nil {
		if errors.Is(err, host.ErrNotFastForward) {
			return s.masterMoved(ctx, p)
		}
		return fmt.Errorf("failed to fast-forward %s: %w", s.repo.MasterBranch, err)
	}

	p.Status = queue.StatusSuccess
	if err := s.store.UpsertPull(p); err != nil {
		return fmt.Errorf("failed to persist pull state: %w", err)
	}
	s.log.Info("merged", "pull", p.Num, "merge_sha", p.MergeSHA)

	if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusSuccess, "Test successful", url); err != nil {
		s.log.Warn("failed to set success status", "pull", p.Num, "error", err)
	}
	body := fmt.Sprintf(":sunny: Test successful - [build](%s)\nApproved by: %s\nPushing %s to %s...",
		url, p.ApprovedBy, shortSHA(p.MergeSHA), s.repo.MasterBranch)
	if err := s.host.PostComment(ctx, p.Num, body); err != nil {
		s.log.Warn("failed to post success comment", "pull", p.Num, "error", err)
	}
	return nil
}

// masterMoved handles a protected branch that advanced while we were testing.
// The candidate goes back to the queue and is rebuilt on a later tick.
func (s *Scheduler) masterMoved(ctx context.Context, p *queue.PullState) error {
	p.Status = queue.StatusApproved
	p.ResetBuild()
	if err := s.store.UpsertPull(p); err != nil {
		return fmt.Errorf("failed to persist pull state: %w", err)
	}
	if err := s.store.ClearBuilds(p.Repo, p.Num); err != nil {
		return fmt.Errorf("failed to clear build results: %w", err)
	}
	s.log.Warn("protected branch moved during test", "pull", p.Num)
	body := fmt.Sprintf(":scream_cat: %s moved underneath us, retrying...", s.repo.MasterBranch)
	if err := s.host.PostComment(ctx, p.Num, body); err != nil {
		s.log.Warn("failed to post retry comment", "pull", p.Num, "error", err)
	}
	return nil
}

// buildFailed parks a red build in Failure with the failing build's URL.
func (s *Scheduler) buildFailed(ctx context.Context, p *queue.PullState) error {
	url := p.Builds.FirstURL()
	p.BuildURL = url

	if p.Try {
		s.revertTry(p)
		if err := s.store.UpsertPull(p); err != nil {
			return fmt.Errorf("failed to persist pull state: %w", err)
		}
		s.log.Info("try build failed", "pull", p.Num)
		if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusFailure, "Try build failed", url); err != nil {
			s.log.Warn("failed to set failure status", "pull", p.Num, "error", err)
		}
		body := fmt.Sprintf(":broken_heart: Try build failed - [build](%s)", url)
		if err := s.host.PostComment(ctx, p.Num, body); err != nil {
			s.log.Warn("failed to post try comment", "pull", p.Num, "error", err)
		}
		return nil
	}

	p.Status = queue.StatusFailure
	if err := s.store.UpsertPull(p); err != nil {
		return fmt.Errorf("failed to persist pull state: %w", err)
	}
	s.log.Info("build failed", "pull", p.Num)

	if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusFailure, "Test failed", url); err != nil {
		s.log.Warn("failed to set failure status", "pull", p.Num, "error", err)
	}
	body := fmt.Sprintf(":broken_heart: Test failed - [build](%s)", url)
	if err := s.host.PostComment(ctx, p.Num, body); err != nil {
		s.log.Warn("failed to post failure comment", "pull", p.Num, "error", err)
	}
	return nil
}

// revertTry puts a finished try candidate back where it was: Approved if the
// approval survives, Pending otherwise. The try flag is consumed.
func (s *Scheduler) revertTry(p *queue.PullState) {
	p.Try = false
	p.MergeSHA = ""
	p.Builds = queue.BuildSet{}
	p.Revision++
	if p.ApprovedBy != "" && p.Mergeable != queue.MergeableNo {
		p.Status = queue.StatusApproved
	} else {
		p.Status = queue.StatusPending
	}
}

// applyRollupResult routes a builder verdict to the active rollup.
func (s *Scheduler) applyRollupResult(ctx context.Context, m *queue.Model, r *queue.Rollup, builder string, verdict queue.Verdict, url string) (bool, error) {
	if !r.Builds.Set(builder, verdict, url, r.MergeSHA) {
		s.log.Debug("dropping result from unknown builder", "builder", builder)
		return false, nil
	}

	switch {
	case r.Builds.AnyFailed(r.MergeSHA):
		return true, s.rollupFailed(ctx, m, r)
	case r.Builds.AllGreen(r.MergeSHA):
		return true, s.rollupSucceeded(ctx, m, r)
	}
	return true, nil
}

// rollupSucceeded fast-forwards the protected branch over the whole batch.
func (s *Scheduler) rollupSucceeded(ctx context.Context, m *queue.Model, r *queue.Rollup) error {
	url := r.Builds.FirstURL()

	if err := s.host.FastForward(ctx, s.repo.MasterBranch, r.MergeSHA); err != nil {
		if errors.Is(err, host.ErrNotFastForward) {
			// Constituents stayed Approved; drop the rollup and rebuild.
			m.ClearRollup()
			s.log.Warn("protected branch moved during rollup test", "pulls", r.Nums)
			return nil
		}
		return fmt.Errorf("failed to fast-forward %s: %w", s.repo.MasterBranch, err)
	}

	m.ClearRollup()
	s.log.Info("rollup merged", "pulls", r.Nums, "merge_sha", r.MergeSHA)

	for _, num := range r.Nums {
		p := m.Pull(num)
		if p == nil {
			continue
		}
		p.Status = queue.StatusSuccess
		p.MergeSHA = r.MergeSHA
		p.BuildURL = url
		if err := s.store.UpsertPull(p); err != nil {
			return fmt.Errorf("failed to persist pull state: %w", err)
		}
		if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusSuccess, "Test successful", url); err != nil {
			s.log.Warn("failed to set success status", "pull", num, "error", err)
		}
		body := fmt.Sprintf(":sunny: Test successful - [build](%s)\nApproved by: %s\nPushing %s to %s...",
			url, p.ApprovedBy, shortSHA(r.MergeSHA), s.repo.MasterBranch)
		if err := s.host.PostComment(ctx, num, body); err != nil {
			s.log.Warn("failed to post success comment", "pull", num, "error", err)
		}
	}
	return nil
}

// rollupFailed attributes a red rollup. With bisection enabled only the first
// constituent takes the blame and the rest go back to the queue; otherwise
// the whole batch fails.
func (s *Scheduler) rollupFailed(ctx context.Context, m *queue.Model, r *queue.Rollup) error {
	url := r.Builds.FirstURL()
	m.ClearRollup()
	s.log.Info("rollup build failed", "pulls", r.Nums, "bisect", s.repo.RollupBisect)

	for i, num := range r.Nums {
		p := m.Pull(num)
		if p == nil {
			continue
		}
		blamed := !s.repo.RollupBisect || i == 0
		if !blamed {
			// Stays Approved and gets another chance outside this batch.
			continue
		}
		p.Status = queue.StatusFailure
		p.BuildURL = url
		if err := s.store.UpsertPull(p); err != nil {
			return fmt.Errorf("failed to persist pull state: %w", err)
		}
		if err := s.host.SetStatus(ctx, p.HeadSHA, host.StatusFailure, "Test failed", url); err != nil {
			s.log.Warn("failed to set failure status", "pull", num, "error", err)
		}
		body := fmt.Sprintf(":broken_heart: Test failed in rollup - [build](%s)", url)
		if err := s.host.PostComment(ctx, num, body); err != nil {
			s.log.Warn("failed to post failure comment", "pull", num, "error", err)
		}
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
