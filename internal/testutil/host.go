package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/homu-dev/homu/internal/host"
)

// Host is an in-memory host.Client for tests. Branches, pull requests and
// comments live in maps; merges produce deterministic synthetic SHAs.
type Host struct {
	mu sync.Mutex

	// Pulls is the host's view, keyed by number.
	Pulls map[int]*host.Pull
	// Branches maps branch name to tip SHA.
	Branches map[string]string
	// CommentLog records every posted comment as "num:body".
	CommentLog []string
	// Statuses records every posted status as "sha:state:description".
	Statuses []string
	// Comments holds per-pull comment histories served by ListComments.
	Comments map[int][]*host.Comment

	// MergeErr, when set, is returned by CreateMerge for the listed head SHAs.
	MergeErr map[string]error
	// FastForwardErr, when set, is returned by the next FastForward call.
	FastForwardErr error

	mergeSeq int
}

var _ host.Client = (*Host)(nil)

// NewHost creates an empty fake host with a master branch at "master000".
func NewHost() *Host {
	return &Host{
		Pulls:    make(map[int]*host.Pull),
		Branches: map[string]string{"master": "master000"},
		Comments: make(map[int][]*host.Comment),
		MergeErr: make(map[string]error),
	}
}

func (h *Host) GetPull(ctx context.Context, num int) (*host.Pull, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.Pulls[num]
	if !ok {
		return nil, &host.Error{StatusCode: 404, Message: "no such pull"}
	}
	cp := *p
	return &cp, nil
}

func (h *Host) ListOpenPulls(ctx context.Context) ([]*host.Pull, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*host.Pull
	for _, p := range h.Pulls {
		if p.State == "open" {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (h *Host) ListComments(ctx context.Context, num int) ([]*host.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*host.Comment(nil), h.Comments[num]...), nil
}

func (h *Host) PostComment(ctx context.Context, num int, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CommentLog = append(h.CommentLog, fmt.Sprintf("%d:%s", num, body))
	return nil
}

func (h *Host) BranchSHA(ctx context.Context, branch string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sha, ok := h.Branches[branch]
	if !ok {
		return "", &host.Error{StatusCode: 404, Message: "no such branch"}
	}
	return sha, nil
}

func (h *Host) PushBranch(ctx context.Context, branch, sha string, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Branches[branch] = sha
	return nil
}

func (h *Host) CreateMerge(ctx context.Context, branch, headSHA, message string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.MergeErr[headSHA]; ok {
		return "", err
	}
	h.mergeSeq++
	sha := fmt.Sprintf("merge%03d", h.mergeSeq)
	h.Branches[branch] = sha
	return sha, nil
}

func (h *Host) FastForward(ctx context.Context, branch, sha string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FastForwardErr != nil {
		err := h.FastForwardErr
		h.FastForwardErr = nil
		return err
	}
	h.Branches[branch] = sha
	return nil
}

func (h *Host) SetStatus(ctx context.Context, sha string, state host.StatusState, description, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Statuses = append(h.Statuses, fmt.Sprintf("%s:%s:%s", sha, state, description))
	return nil
}

// Branch returns the tip SHA of branch under the lock.
func (h *Host) Branch(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Branches[name]
}

// CommentCount returns how many comments have been posted.
func (h *Host) CommentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.CommentLog)
}

// LastComment returns the most recent comment posted to num, or "".
func (h *Host) LastComment(num int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := fmt.Sprintf("%d:", num)
	for i := len(h.CommentLog) - 1; i >= 0; i-- {
		if len(h.CommentLog[i]) > len(prefix) && h.CommentLog[i][:len(prefix)] == prefix {
			return h.CommentLog[i][len(prefix):]
		}
	}
	return ""
}
