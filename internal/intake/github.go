package intake

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	hostgithub "github.com/homu-dev/homu/internal/host/github"
	"github.com/homu-dev/homu/internal/supervisor"
)

// repoEnvelope is the minimal shape needed to route a webhook before its
// signature can be checked: the secret is per-repository.
type repoEnvelope struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGitHub authenticates and dispatches one host webhook. The delivery id
// makes redelivered webhooks idempotent.
func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var env repoEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	repo := s.cfg.RepoByFullName(env.Repository.FullName)
	if repo == nil {
		http.Error(w, "unknown repository", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature")
	}
	if err := gogithub.ValidateSignature(sig, body, []byte(repo.Secret)); err != nil {
		s.log.Warn("webhook signature rejected", "repo", repo.FullName())
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var key string
	if delivery := r.Header.Get("X-GitHub-Delivery"); delivery != "" {
		key = "github:" + delivery
		fresh, err := s.store.MarkDelivery(key)
		if err != nil {
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		if !fresh {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	sup := s.mgr.Supervisor(repo.FullName())
	if sup == nil {
		http.Error(w, "unknown repository", http.StatusBadRequest)
		return
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "pull_request":
		s.dispatchPullRequest(w, r, sup, key, body)
	case "issue_comment":
		s.dispatchComment(w, r, sup, key, body)
	case "push":
		s.dispatchPush(w, r, sup, key, body)
	case "ping":
		w.WriteHeader(http.StatusOK)
	default:
		// Authentic but uninteresting; acknowledge so the host stops retrying.
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) dispatchPullRequest(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor, key string, body []byte) {
	var ev gogithub.PullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	num := ev.GetPullRequest().GetNumber()

	var sev supervisor.Event
	switch ev.GetAction() {
	case "opened", "reopened":
		sev = supervisor.Event{
			Kind: supervisor.EventPullOpened,
			Num:  num,
			Pull: hostgithub.ConvertPull(ev.GetPullRequest()),
		}
	case "closed":
		sev = supervisor.Event{Kind: supervisor.EventPullClosed, Num: num}
	case "synchronize":
		sev = supervisor.Event{
			Kind: supervisor.EventPullSynchronized,
			Num:  num,
			SHA:  ev.GetPullRequest().GetHead().GetSHA(),
		}
	default:
		w.WriteHeader(http.StatusOK)
		return
	}
	s.enqueue(w, r, sup, key, sev)
}

func (s *Server) dispatchComment(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor, key string, body []byte) {
	var ev gogithub.IssueCommentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if ev.GetAction() != "created" || !ev.GetIssue().IsPullRequest() {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.enqueue(w, r, sup, key, supervisor.Event{
		Kind:      supervisor.EventComment,
		Num:       ev.GetIssue().GetNumber(),
		Commenter: ev.GetComment().GetUser().GetLogin(),
		Body:      ev.GetComment().GetBody(),
	})
}

func (s *Server) dispatchPush(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor, key string, body []byte) {
	var ev gogithub.PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	branch := strings.TrimPrefix(ev.GetRef(), "refs/heads/")
	if branch == ev.GetRef() {
		// Tag or other ref; nothing scheduling cares about.
		w.WriteHeader(http.StatusOK)
		return
	}
	s.enqueue(w, r, sup, key, supervisor.Event{
		Kind:   supervisor.EventPush,
		Branch: branch,
		SHA:    ev.GetAfter(),
	})
}

// enqueue delivers the event, blocking on a full supervisor queue so the
// sender sees backpressure instead of silent loss. An event that never made
// it onto the queue releases its delivery marker: the sender retries with
// the same id and the retry must not be treated as a duplicate.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor, key string, ev supervisor.Event) {
	if err := sup.Enqueue(r.Context(), ev); err != nil {
		if key != "" {
			if derr := s.store.ForgetDelivery(key); derr != nil {
				s.log.Error("failed to release delivery marker", "key", key, "error", derr)
			}
		}
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
