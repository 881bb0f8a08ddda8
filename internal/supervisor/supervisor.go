// Package supervisor runs one goroutine per repository that owns that
// repository's queue model. Every mutation flows through its bounded event
// queue, so the model needs no locks: webhook intake, CI callbacks and
// housekeeping all enqueue events and the supervisor applies them in order,
// running the scheduler after each one.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/homu-dev/homu/internal/config"
	"github.com/homu-dev/homu/internal/host"
	"github.com/homu-dev/homu/internal/logging"
	"github.com/homu-dev/homu/internal/queue"
	"github.com/homu-dev/homu/internal/scheduler"
	"github.com/homu-dev/homu/internal/store"
)

const (
	// eventQueueDepth bounds the per-repository event queue. A full queue
	// pushes back on the webhook intake rather than dropping events.
	eventQueueDepth = 256

	// staleAfter is how long a pull request may sit untouched before startup
	// synchronization stops tracking it.
	staleAfter = 60 * 24 * time.Hour

	// mergeableRetryDelay is how long a probe waits before asking the host
	// again when the mergeability hint is still being computed.
	mergeableRetryDelay = 5 * time.Second
)

// Supervisor owns the queue model for one repository.
type Supervisor struct {
	repo    *config.Repo
	trigger string
	botUser string
	host    host.Client
	store   *store.Store
	sched   *scheduler.Scheduler
	model   *queue.Model

	events    chan Event
	snapshots chan chan []queue.PullState

	// notify, when set, is called after every handled event. The dashboard
	// uses it to push fresh snapshots to websocket clients.
	notify func()

	log *slog.Logger
}

// New creates a supervisor for one repository. Run must be called before
// events are enqueued.
func New(repo *config.Repo, trigger string, hostClient host.Client, st *store.Store) *Supervisor {
	return &Supervisor{
		repo:      repo,
		trigger:   trigger,
		botUser:   strings.TrimPrefix(trigger, "@"),
		host:      hostClient,
		store:     st,
		sched:     scheduler.New(repo, hostClient, st),
		model:     queue.NewModel(repo.Label),
		events:    make(chan Event, eventQueueDepth),
		snapshots: make(chan chan []queue.PullState),
		log:       logging.WithComponent("supervisor").With("repo", repo.Label),
	}
}

// SetNotify installs the change callback. Must be called before Run.
func (s *Supervisor) SetNotify(fn func()) { s.notify = fn }

// Repo returns the repository this supervisor serves.
func (s *Supervisor) Repo() *config.Repo { return s.repo }

// Enqueue delivers an event to the supervisor. It blocks when the queue is
// full, so backpressure propagates to the caller.
func (s *Supervisor) Enqueue(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of every tracked pull request, ordered by number.
// The copy is taken inside the event loop, so it is always consistent.
func (s *Supervisor) Snapshot(ctx context.Context) ([]queue.PullState, error) {
	reply := make(chan []queue.PullState, 1)
	select {
	case s.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run rehydrates state from the store, synchronizes against the host, and
// then processes events until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate %s: %w", s.repo.Label, err)
	}
	if err := s.synchronize(ctx); err != nil {
		s.log.Warn("startup synchronization failed", "error", err)
	}
	s.tick(ctx)

	s.log.Info("supervisor started", "tracked", s.model.Len())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ctx, ev)
			s.tick(ctx)
			if s.notify != nil {
				s.notify()
			}
		case reply := <-s.snapshots:
			reply <- s.snapshot()
		}
	}
}

// tick runs the scheduler, logging instead of crashing on transient trouble;
// the next event tries again.
func (s *Supervisor) tick(ctx context.Context) {
	if err := s.sched.Tick(ctx, s.model); err != nil {
		s.log.Error("scheduler tick failed", "error", err)
	}
}

func (s *Supervisor) snapshot() []queue.PullState {
	all := s.model.All()
	out := make([]queue.PullState, 0, len(all))
	for _, p := range all {
		out = append(out, *p)
	}
	return out
}

// rehydrate loads persisted pull state and recovers anything left mid-test:
// a pull request stored as Testing whose merge commit no longer sits on the
// integration branch was interrupted by a restart and goes back to the queue.
func (s *Supervisor) rehydrate(ctx context.Context) error {
	pulls, err := s.store.LoadRepo(s.repo.Label)
	if err != nil {
		return err
	}
	for _, p := range pulls {
		s.model.Upsert(p)
	}

	for _, p := range s.model.All() {
		if p.Status != queue.StatusTesting {
			continue
		}
		branch := s.repo.TestBranch
		if p.Try {
			branch = s.repo.TryBranch
		}
		tip, err := s.host.BranchSHA(ctx, branch)
		if err == nil && tip == p.MergeSHA {
			continue // build is still live, wait for its verdicts
		}
		s.log.Warn("recovering interrupted test", "pull", p.Num, "merge_sha", p.MergeSHA)
		s.revertToQueue(p)
		if err := s.store.UpsertPull(p); err != nil {
			return err
		}
	}
	return nil
}

// revertToQueue clears integration state and puts the pull request back where
// its approval allows.
func (s *Supervisor) revertToQueue(p *queue.PullState) {
	p.ResetBuild()
	if p.ApprovedBy != "" && p.Mergeable != queue.MergeableNo {
		p.Status = queue.StatusApproved
	} else {
		p.Status = queue.StatusPending
	}
}

// synchronize reconciles the model against the host: new open pull requests
// are tracked (their comment history replayed for commands), tracked pull
// requests that closed are dropped, and moved heads are picked up.
func (s *Supervisor) synchronize(ctx context.Context) error {
	open, err := s.host.ListOpenPulls(ctx)
	if err != nil {
		return err
	}

	seen := make(map[int]bool, len(open))
	for _, pull := range open {
		if time.Since(pull.UpdatedAt) > staleAfter {
			continue
		}
		seen[pull.Num] = true

		p := s.model.Pull(pull.Num)
		if p == nil {
			p = s.trackPull(pull)
			if err := s.replayComments(ctx, p); err != nil {
				s.log.Warn("failed to replay comments", "pull", p.Num, "error", err)
			}
		} else if p.HeadSHA != pull.HeadSHA {
			p.HeadAdvanced(pull.HeadSHA)
			if err := s.store.ClearBuilds(p.Repo, p.Num); err != nil {
				return err
			}
		} else {
			p.Title = pull.Title
			p.Body = pull.Body
			p.Assignee = pull.Assignee
		}
		if err := s.store.UpsertPull(p); err != nil {
			return err
		}
		if p.Mergeable == queue.MergeableUnknown {
			s.probeMergeability(ctx, p.Num, p.Revision)
		}
	}

	for _, p := range s.model.All() {
		if seen[p.Num] {
			continue
		}
		s.log.Info("dropping closed pull", "pull", p.Num)
		s.dropPull(ctx, p.Num)
	}
	return nil
}

// trackPull inserts a fresh PullState built from the host's view.
func (s *Supervisor) trackPull(pull *host.Pull) *queue.PullState {
	p := queue.NewPullState(s.repo.Label, pull.Num)
	p.Title = pull.Title
	p.Body = pull.Body
	p.HeadSHA = pull.HeadSHA
	p.HeadRef = pull.HeadRef
	p.BaseRef = pull.BaseRef
	p.Assignee = pull.Assignee
	p.Author = pull.Author
	p.Mergeable = pull.Mergeable
	s.model.Upsert(p)
	return p
}

// replayComments re-applies command history for a pull request discovered
// during synchronization. Replay never posts replies or reports bad commands;
// only the surviving state matters.
func (s *Supervisor) replayComments(ctx context.Context, p *queue.PullState) error {
	comments, err := s.host.ListComments(ctx, p.Num)
	if err != nil {
		return err
	}
	for _, c := range comments {
		s.applyComment(ctx, p, c.Author, c.Body, false)
	}
	return nil
}

// dropPull removes a pull request from the model and the store. An active
// rollup containing it is abandoned; its other constituents stay approved.
func (s *Supervisor) dropPull(ctx context.Context, num int) {
	if r := s.model.ActiveRollup(); r != nil && r.Includes(num) {
		s.log.Info("abandoning rollup", "pulls", r.Nums, "cause", num)
		s.model.ClearRollup()
	}
	s.model.Remove(num)
	if err := s.store.DeletePull(s.repo.Label, num); err != nil {
		s.log.Error("failed to delete pull", "pull", num, "error", err)
	}
}

// handle applies one event to the model.
func (s *Supervisor) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPullOpened:
		s.handleOpened(ctx, ev.Pull)
	case EventPullClosed:
		s.dropPull(ctx, ev.Num)
	case EventPullSynchronized:
		s.handleSynchronized(ctx, ev.Num, ev.SHA)
	case EventComment:
		s.handleComment(ctx, ev)
	case EventPush:
		s.handlePush(ctx, ev)
	case EventBuildStatus:
		if _, err := s.sched.ApplyBuildResult(ctx, s.model, ev.Builder, ev.Verdict, ev.URL, ev.MergeSHA); err != nil {
			s.log.Error("failed to apply build result", "builder", ev.Builder, "error", err)
		}
	case EventMergeable:
		s.handleMergeable(ctx, ev)
	case EventSync:
		if err := s.synchronize(ctx); err != nil {
			s.log.Warn("synchronization failed", "error", err)
		}
	default:
		s.log.Warn("unknown event kind", "kind", ev.Kind)
	}
}

func (s *Supervisor) handleOpened(ctx context.Context, pull *host.Pull) {
	if pull == nil {
		return
	}
	p := s.trackPull(pull)
	if err := s.store.UpsertPull(p); err != nil {
		s.log.Error("failed to persist pull", "pull", p.Num, "error", err)
	}
	s.log.Info("tracking pull", "pull", p.Num, "head", p.HeadSHA)
	if p.Mergeable == queue.MergeableUnknown {
		s.probeMergeability(ctx, p.Num, p.Revision)
	}
}

// handleSynchronized resets a pull request whose head moved. Everything keyed
// to the old head (approval, builds, the revision) is invalidated, so any
// in-flight callback for the old integration SHA lands on the floor.
func (s *Supervisor) handleSynchronized(ctx context.Context, num int, headSHA string) {
	p := s.model.Pull(num)
	if p == nil || p.HeadSHA == headSHA {
		return
	}
	if r := s.model.ActiveRollup(); r != nil && r.Includes(num) {
		s.log.Info("abandoning rollup", "pulls", r.Nums, "cause", num)
		s.model.ClearRollup()
	}
	p.HeadAdvanced(headSHA)
	if err := s.store.UpsertPull(p); err != nil {
		s.log.Error("failed to persist pull", "pull", num, "error", err)
	}
	if err := s.store.ClearBuilds(p.Repo, num); err != nil {
		s.log.Error("failed to clear build results", "pull", num, "error", err)
	}
	if err := s.store.SetMergeable(p.Repo, num, queue.MergeableUnknown); err != nil {
		s.log.Error("failed to reset mergeability", "pull", num, "error", err)
	}
	s.probeMergeability(ctx, num, p.Revision)
}

func (s *Supervisor) handleComment(ctx context.Context, ev Event) {
	if ev.Commenter == s.botUser {
		return
	}
	p := s.model.Pull(ev.Num)
	if p == nil {
		return
	}
	s.applyComment(ctx, p, ev.Commenter, ev.Body, true)
}

// handlePush reacts to branch movement. A push to the protected branch
// invalidates every mergeability hint; a push to an integration branch is
// checked against recorded build triggers so duplicate or foreign pushes are
// recognized.
func (s *Supervisor) handlePush(ctx context.Context, ev Event) {
	switch ev.Branch {
	case s.repo.MasterBranch:
		for _, p := range s.model.All() {
			if p.Mergeable == queue.MergeableUnknown {
				continue
			}
			p.Mergeable = queue.MergeableUnknown
			if err := s.store.SetMergeable(p.Repo, p.Num, queue.MergeableUnknown); err != nil {
				s.log.Error("failed to reset mergeability", "pull", p.Num, "error", err)
			}
			s.probeMergeability(ctx, p.Num, p.Revision)
		}
	case s.repo.TestBranch, s.repo.TryBranch:
		count, err := s.store.IncrementTriggerCount(ev.SHA)
		if err != nil {
			s.log.Warn("push to integration branch without a recorded trigger",
				"branch", ev.Branch, "sha", ev.SHA)
			return
		}
		if count > 1 {
			s.log.Debug("duplicate trigger push", "branch", ev.Branch, "sha", ev.SHA, "count", count)
		}
	}
}

// handleMergeable applies a probe result. The revision check drops probes
// that raced with a head move.
func (s *Supervisor) handleMergeable(ctx context.Context, ev Event) {
	p := s.model.Pull(ev.Num)
	if p == nil || p.Revision != ev.Revision {
		return
	}
	if p.Mergeable == ev.Mergeable {
		return
	}
	p.Mergeable = ev.Mergeable
	if err := s.store.SetMergeable(p.Repo, p.Num, ev.Mergeable); err != nil {
		s.log.Error("failed to persist mergeability", "pull", p.Num, "error", err)
	}
	if ev.Mergeable == queue.MergeableNo && p.ApprovedBy != "" {
		body := ":x: The latest upstream changes made this pull request " +
			"unmergeable. Please resolve the merge conflicts."
		if err := s.host.PostComment(ctx, p.Num, body); err != nil {
			s.log.Warn("failed to post unmergeable comment", "pull", p.Num, "error", err)
		}
	}
}

// probeMergeability asks the host whether the pull request still merges
// cleanly. The host computes the hint lazily, so an unknown answer is retried
// once after a short delay. The result comes back through the event queue.
func (s *Supervisor) probeMergeability(ctx context.Context, num, revision int) {
	go func() {
		for attempt := 0; attempt < 2; attempt++ {
			pull, err := s.host.GetPull(ctx, num)
			if err != nil {
				s.log.Warn("mergeability probe failed", "pull", num, "error", err)
				return
			}
			if pull.Mergeable == queue.MergeableUnknown && attempt == 0 {
				select {
				case <-time.After(mergeableRetryDelay):
				case <-ctx.Done():
					return
				}
				continue
			}
			_ = s.Enqueue(ctx, Event{
				Kind:      EventMergeable,
				Num:       num,
				Mergeable: pull.Mergeable,
				Revision:  revision,
			})
			return
		}
	}()
}
