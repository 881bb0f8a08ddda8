// Package host defines the narrow capability interface Homu needs from a
// code-hosting platform. The merge queue never talks to the host API
// directly; everything goes through Client so tests can substitute a fake.
package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/homu-dev/homu/internal/queue"
)

// Pull is the host's view of one pull request.
type Pull struct {
	Num       int
	Title     string
	Body      string
	HeadSHA   string
	HeadRef   string
	BaseRef   string
	Assignee  string
	Author    string
	Mergeable queue.Mergeable
	State     string // "open" or "closed"
	Merged    bool
	UpdatedAt time.Time
}

// Comment is one issue comment on a pull request.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// StatusState is a commit status posted back to the host.
type StatusState string

const (
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
	StatusError   StatusState = "error"
)

// Client is the capability surface to the code host for one repository.
// Every call is bounded by its context; implementations must not retry
// past the deadline.
type Client interface {
	// GetPull fetches the current state of one pull request.
	GetPull(ctx context.Context, num int) (*Pull, error)
	// ListOpenPulls lists open pull requests for startup synchronization.
	ListOpenPulls(ctx context.Context) ([]*Pull, error)
	// ListComments lists issue comments on a pull request, oldest first.
	ListComments(ctx context.Context, num int) ([]*Comment, error)
	// PostComment posts an issue comment.
	PostComment(ctx context.Context, num int, body string) error
	// BranchSHA resolves a branch name to its tip commit.
	BranchSHA(ctx context.Context, branch string) (string, error)
	// PushBranch sets a branch to the given commit, creating it if needed.
	// With force, the branch is moved even when the update is not a
	// fast-forward.
	PushBranch(ctx context.Context, branch, sha string, force bool) error
	// CreateMerge asks the host to merge head into branch with the given
	// commit message and returns the merge commit's SHA. A merge conflict
	// is reported as ErrMergeConflict.
	CreateMerge(ctx context.Context, branch, headSHA, message string) (string, error)
	// FastForward advances a branch to sha without force. The host rejects
	// the update when it is not a fast-forward.
	FastForward(ctx context.Context, branch, sha string) error
	// SetStatus posts a commit status (context "homu") on the given SHA.
	SetStatus(ctx context.Context, sha string, state StatusState, description, url string) error
}

// ErrMergeConflict is returned by CreateMerge when the head cannot be merged
// cleanly into the integration branch.
var ErrMergeConflict = errors.New("merge conflict")

// ErrNotFastForward is returned by FastForward when the protected branch
// moved underneath us.
var ErrNotFastForward = errors.New("not a fast-forward")

// Error is a failed host API call.
type Error struct {
	StatusCode int // zero for transport-level failures
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("host request failed: %s", e.Message)
	}
	return fmt.Sprintf("host returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth retrying: network errors,
// rate limiting, or a 5xx from the host.
func (e *Error) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTransient reports whether err represents a retryable host failure.
func IsTransient(err error) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Transient()
	}
	return false
}

// IsRefusal reports whether err is a permanent host-side rejection (4xx),
// such as branch protection or permissions.
func IsRefusal(err error) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500 && he.StatusCode != 429
	}
	return false
}
