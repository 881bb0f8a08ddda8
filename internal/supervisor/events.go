package supervisor

import (
	"github.com/homu-dev/homu/internal/host"
	"github.com/homu-dev/homu/internal/queue"
)

// EventKind discriminates supervisor events.
type EventKind string

const (
	// EventPullOpened means the host reported a new or reopened pull request.
	EventPullOpened EventKind = "pull_opened"
	// EventPullClosed means the pull request was closed or merged on the host.
	EventPullClosed EventKind = "pull_closed"
	// EventPullSynchronized means the head ref moved to a new commit.
	EventPullSynchronized EventKind = "pull_synchronized"
	// EventComment is a new issue comment, possibly carrying commands.
	EventComment EventKind = "comment"
	// EventPush is a push to any branch of the repository.
	EventPush EventKind = "push"
	// EventBuildStatus is one authenticated builder verdict from a CI provider.
	EventBuildStatus EventKind = "build_status"
	// EventMergeable is the result of an asynchronous mergeability probe.
	EventMergeable EventKind = "mergeable"
	// EventSync requests a full resynchronization against the host.
	EventSync EventKind = "sync"
)

// Event is one unit of work for a repository supervisor. Which fields are
// meaningful depends on Kind; everything else is zero.
type Event struct {
	Kind EventKind

	// Num is the pull request number (all pull-scoped kinds).
	Num int
	// Pull carries the host's view for pull_opened.
	Pull *host.Pull

	// Commenter and Body carry the comment for EventComment.
	Commenter string
	Body      string

	// Branch and SHA describe a push; SHA is also the new head for
	// pull_synchronized.
	Branch string
	SHA    string

	// Builder, Verdict, URL and MergeSHA carry a build status.
	Builder  string
	Verdict  queue.Verdict
	URL      string
	MergeSHA string

	// Mergeable and Revision carry a probe result; the revision pins the
	// result to the head it was probed for, so stale probes are dropped.
	Mergeable queue.Mergeable
	Revision  int
}
