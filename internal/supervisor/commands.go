package supervisor

import (
	"context"
	"fmt"

	"github.com/homu-dev/homu/internal/parser"
	"github.com/homu-dev/homu/internal/queue"
)

// applyComment parses one comment and applies every authorized command to the
// pull request. In realtime mode the supervisor answers bad or unauthorized
// commands with a single reply; during history replay it stays silent and
// only the surviving state matters.
func (s *Supervisor) applyComment(ctx context.Context, p *queue.PullState, commenter, body string, realtime bool) {
	cmds, bad := parser.Parse(body, s.trigger, commenter)

	if realtime && len(bad) > 0 {
		reply := fmt.Sprintf(":question: Could not parse `%s`: %s.", bad[0].Token, bad[0].Reason)
		s.reply(ctx, p.Num, reply)
		return
	}

	replied := false
	for _, cmd := range cmds {
		if !s.authorized(p, commenter, cmd) {
			if realtime && !replied {
				s.reply(ctx, p.Num, fmt.Sprintf(":key: Insufficient privileges: `%s` is not in the reviewer list.", commenter))
				replied = true
			}
			continue
		}
		s.applyCommand(ctx, p, cmd, realtime)
	}
}

// authorized checks a command against the repository's reviewer and admin
// lists and any active delegation. Admins may do everything; force and
// delegation management are admin-only.
func (s *Supervisor) authorized(p *queue.PullState, user string, cmd parser.Command) bool {
	if s.repo.IsAdmin(user) {
		return true
	}
	switch cmd.Action {
	case parser.ActionForce, parser.ActionDelegate, parser.ActionUndelegate:
		return false
	case parser.ActionApprove, parser.ActionUnapprove, parser.ActionTry,
		parser.ActionUntry, parser.ActionRollup, parser.ActionUnrollup,
		parser.ActionRetry:
		return s.repo.IsReviewer(user) || (p.Delegate != "" && p.Delegate == user)
	default:
		return s.repo.IsReviewer(user)
	}
}

// applyCommand performs one mutation and persists it.
func (s *Supervisor) applyCommand(ctx context.Context, p *queue.PullState, cmd parser.Command, realtime bool) {
	switch cmd.Action {
	case parser.ActionApprove:
		s.applyApprove(ctx, p, cmd, realtime)

	case parser.ActionUnapprove:
		p.ApprovedBy = ""
		// An unapproved pull request must never land; abort any test in flight.
		if p.Status == queue.StatusTesting {
			s.revertToQueue(p)
		}
		if p.Status == queue.StatusApproved {
			p.Status = queue.StatusPending
		}
		s.persist(p)

	case parser.ActionPriority:
		p.Priority = cmd.Priority
		s.persist(p)

	case parser.ActionTry:
		if p.Status == queue.StatusTesting {
			return
		}
		// try and rollup are mutually exclusive on one pull request.
		if p.Rollup {
			if realtime {
				s.reply(ctx, p.Num, ":question: Cannot `try` a rollup candidate. Clear the flag with `rollup-` first.")
			}
			return
		}
		p.Try = true
		s.persist(p)
	case parser.ActionUntry:
		p.Try = false
		s.persist(p)

	case parser.ActionRollup:
		if p.Try {
			if realtime {
				s.reply(ctx, p.Num, ":question: Cannot `rollup` a try candidate. Clear the flag with `try-` first.")
			}
			return
		}
		p.Rollup = true
		s.persist(p)
	case parser.ActionUnrollup:
		p.Rollup = false
		s.persist(p)

	case parser.ActionRetry:
		if p.Status != queue.StatusFailure && p.Status != queue.StatusError {
			return
		}
		s.revertToQueue(p)
		s.persist(p)
		if err := s.store.ClearBuilds(p.Repo, p.Num); err != nil {
			s.log.Error("failed to clear build results", "pull", p.Num, "error", err)
		}

	case parser.ActionForce:
		if p.Status != queue.StatusTesting {
			return
		}
		if realtime {
			s.reply(ctx, p.Num, ":zap: Test interrupted by administrator.")
		}
		s.revertToQueue(p)
		s.persist(p)
		if err := s.store.ClearBuilds(p.Repo, p.Num); err != nil {
			s.log.Error("failed to clear build results", "pull", p.Num, "error", err)
		}

	case parser.ActionClean:
		p.MergeSHA = ""
		p.Mergeable = queue.MergeableUnknown
		s.persist(p)
		if err := s.store.SetMergeable(p.Repo, p.Num, queue.MergeableUnknown); err != nil {
			s.log.Error("failed to reset mergeability", "pull", p.Num, "error", err)
		}
		s.probeMergeability(ctx, p.Num, p.Revision)

	case parser.ActionDelegate:
		target := cmd.Delegate
		if target == "" {
			target = p.Author
		}
		p.Delegate = target
		s.persist(p)
		if realtime {
			s.reply(ctx, p.Num, fmt.Sprintf(":v: `%s` can now approve this pull request.", target))
		}
	case parser.ActionUndelegate:
		p.Delegate = ""
		s.persist(p)
	}
}

// applyApprove handles r+ and r=USER. An approval pinned to a SHA only takes
// effect when the SHA still prefixes the current head; anything else is
// answered once and changes nothing.
func (s *Supervisor) applyApprove(ctx context.Context, p *queue.PullState, cmd parser.Command, realtime bool) {
	if cmd.SHA != "" && !parser.SHAMatches(cmd.SHA, p.HeadSHA) {
		if realtime {
			s.reply(ctx, p.Num, fmt.Sprintf(
				":question: `%s` is not a valid commit SHA. Please try again with `%.7s`.",
				cmd.SHA, p.HeadSHA))
		}
		return
	}
	if p.Mergeable == queue.MergeableNo && realtime {
		s.reply(ctx, p.Num, ":x: This pull request is unmergeable. Please resolve the merge conflicts.")
		return
	}

	p.ApprovedBy = cmd.Approver
	if p.Status != queue.StatusTesting {
		p.Status = queue.StatusApproved
	}
	s.persist(p)

	if realtime {
		s.reply(ctx, p.Num, fmt.Sprintf(
			":pushpin: Commit %.7s has been approved by `%s`.", p.HeadSHA, cmd.Approver))
	}
}

func (s *Supervisor) persist(p *queue.PullState) {
	if err := s.store.UpsertPull(p); err != nil {
		s.log.Error("failed to persist pull", "pull", p.Num, "error", err)
	}
}

func (s *Supervisor) reply(ctx context.Context, num int, body string) {
	if err := s.host.PostComment(ctx, num, body); err != nil {
		s.log.Warn("failed to post reply", "pull", num, "error", err)
	}
}
