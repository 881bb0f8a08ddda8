// Package github implements the host capability interface on the GitHub API
// using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"
	"golang.org/x/time/rate"

	"github.com/homu-dev/homu/internal/host"
	"github.com/homu-dev/homu/internal/queue"
)

// statusContext is the commit-status context Homu posts under.
const statusContext = "homu"

// defaultRequestTimeout caps every API request. Supervisors call the host
// from their event loops, so a stalled request must not hang forever.
const defaultRequestTimeout = 30 * time.Second

// Compile-time interface check.
var _ host.Client = (*Client)(nil)

// Client is a host.Client bound to one repository. Calls are rate limited by
// a per-repository token bucket and retried with bounded backoff.
type Client struct {
	gh      *gogithub.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	retry   RetryOptions
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit overrides the default per-repository request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryOptions overrides the default retry behavior.
func WithRetryOptions(opts RetryOptions) Option {
	return func(c *Client) {
		c.retry = opts
	}
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New creates a Client for owner/repo authenticated with token. baseURL
// overrides the API endpoint for GitHub Enterprise; empty means github.com.
func New(token, baseURL, owner, repo string, opts ...Option) (*Client, error) {
	c := &Client{
		owner:   owner,
		repo:    repo,
		limiter: rate.NewLimiter(rate.Limit(2), 10),
		retry:   DefaultRetryOptions(),
		timeout: defaultRequestTimeout,
		log:     slog.Default().With("component", "host", "repo", owner+"/"+repo),
	}
	for _, opt := range opts {
		opt(c)
	}

	httpClient := &http.Client{
		Transport: &tokenTransport{token: token},
		Timeout:   c.timeout,
	}
	gh := gogithub.NewClient(httpClient)

	if baseURL != "" {
		trimmed := strings.TrimSuffix(baseURL, "/")
		var err error
		gh.BaseURL, err = gh.BaseURL.Parse(trimmed + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", baseURL, err)
		}
	}
	c.gh = gh
	return c, nil
}

// tokenTransport adds an Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// wrapErr converts a go-github error into a *host.Error so callers can
// classify transient failures and refusals uniformly.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var er *gogithub.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return &host.Error{StatusCode: er.Response.StatusCode, Message: er.Message}
	}
	var rl *gogithub.RateLimitError
	if errors.As(err, &rl) {
		return &host.Error{StatusCode: http.StatusTooManyRequests, Message: rl.Message}
	}
	var ab *gogithub.AbuseRateLimitError
	if errors.As(err, &ab) {
		return &host.Error{StatusCode: http.StatusTooManyRequests, Message: ab.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Transport-level failure: no HTTP status.
	return &host.Error{Message: err.Error()}
}

// ConvertPull maps the API's pull request to the host-neutral view. The
// webhook intake reuses it when decoding pull_request events.
func ConvertPull(pr *gogithub.PullRequest) *host.Pull {
	p := &host.Pull{
		Num:       pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		HeadSHA:   pr.GetHead().GetSHA(),
		HeadRef:   pr.GetHead().GetRef(),
		BaseRef:   pr.GetBase().GetRef(),
		Assignee:  pr.GetAssignee().GetLogin(),
		Author:    pr.GetUser().GetLogin(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		UpdatedAt: pr.GetUpdatedAt().Time,
	}
	switch {
	case pr.Mergeable == nil:
		p.Mergeable = queue.MergeableUnknown
	case *pr.Mergeable:
		p.Mergeable = queue.MergeableYes
	default:
		p.Mergeable = queue.MergeableNo
	}
	return p
}

// GetPull fetches the current state of one pull request.
func (c *Client) GetPull(ctx context.Context, num int) (*host.Pull, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(ctx, c.retry, func() (*host.Pull, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, num)
		if err != nil {
			return nil, wrapErr(err)
		}
		return ConvertPull(pr), nil
	})
}

// ListOpenPulls lists every open pull request, following pagination.
func (c *Client) ListOpenPulls(ctx context.Context) ([]*host.Pull, error) {
	var out []*host.Pull
	opts := &gogithub.PullRequestListOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, resp, err := withRetry2(ctx, c.retry, func() ([]*gogithub.PullRequest, *gogithub.Response, error) {
			prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
			return prs, resp, wrapErr(err)
		})
		if err != nil {
			return nil, err
		}
		for _, pr := range page {
			out = append(out, ConvertPull(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ListComments lists issue comments on a pull request, oldest first.
func (c *Client) ListComments(ctx context.Context, num int) ([]*host.Comment, error) {
	var out []*host.Comment
	opts := &gogithub.IssueListCommentsOptions{
		Sort:        gogithub.Ptr("created"),
		Direction:   gogithub.Ptr("asc"),
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, resp, err := withRetry2(ctx, c.retry, func() ([]*gogithub.IssueComment, *gogithub.Response, error) {
			comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, num, opts)
			return comments, resp, wrapErr(err)
		})
		if err != nil {
			return nil, err
		}
		for _, ic := range page {
			out = append(out, &host.Comment{
				Author:    ic.GetUser().GetLogin(),
				Body:      ic.GetBody(),
				CreatedAt: ic.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// PostComment posts an issue comment on a pull request.
func (c *Client) PostComment(ctx context.Context, num int, body string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return withRetryVoid(ctx, c.retry, func() error {
		_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, num, &gogithub.IssueComment{
			Body: gogithub.Ptr(body),
		})
		return wrapErr(err)
	})
}

// BranchSHA resolves a branch name to its tip commit.
func (c *Client) BranchSHA(ctx context.Context, branch string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return withRetry(ctx, c.retry, func() (string, error) {
		ref, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "heads/"+branch)
		if err != nil {
			return "", wrapErr(err)
		}
		return ref.GetObject().GetSHA(), nil
	})
}

// PushBranch sets a branch to the given commit, creating it if needed.
func (c *Client) PushBranch(ctx context.Context, branch, sha string, force bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return withRetryVoid(ctx, c.retry, func() error {
		_, _, err := c.gh.Git.UpdateRef(ctx, c.owner, c.repo, "heads/"+branch, gogithub.UpdateRef{
			SHA:   sha,
			Force: gogithub.Ptr(force),
		})
		if err == nil {
			return nil
		}
		werr := wrapErr(err)
		var he *host.Error
		if errors.As(werr, &he) && (he.StatusCode == http.StatusNotFound || he.StatusCode == http.StatusUnprocessableEntity) {
			// The branch may not exist yet.
			_, _, cerr := c.gh.Git.CreateRef(ctx, c.owner, c.repo, gogithub.CreateRef{
				Ref: "refs/heads/" + branch,
				SHA: sha,
			})
			if cerr == nil {
				return nil
			}
			return wrapErr(cerr)
		}
		return werr
	})
}

// CreateMerge merges headSHA into branch with the given commit message and
// returns the SHA of the merge commit the host produced.
func (c *Client) CreateMerge(ctx context.Context, branch, headSHA, message string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return withRetry(ctx, c.retry, func() (string, error) {
		commit, _, err := c.gh.Repositories.Merge(ctx, c.owner, c.repo, &gogithub.RepositoryMergeRequest{
			Base:          gogithub.Ptr(branch),
			Head:          gogithub.Ptr(headSHA),
			CommitMessage: gogithub.Ptr(message),
		})
		if err != nil {
			werr := wrapErr(err)
			var he *host.Error
			if errors.As(werr, &he) && he.StatusCode == http.StatusConflict {
				return "", host.ErrMergeConflict
			}
			return "", werr
		}
		return commit.GetSHA(), nil
	})
}

// FastForward advances a branch to sha without force.
func (c *Client) FastForward(ctx context.Context, branch, sha string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return withRetryVoid(ctx, c.retry, func() error {
		_, _, err := c.gh.Git.UpdateRef(ctx, c.owner, c.repo, "heads/"+branch, gogithub.UpdateRef{SHA: sha})
		if err == nil {
			return nil
		}
		werr := wrapErr(err)
		var he *host.Error
		if errors.As(werr, &he) && he.StatusCode == http.StatusUnprocessableEntity {
			return host.ErrNotFastForward
		}
		return werr
	})
}

// SetStatus posts a commit status on the given SHA under the homu context.
func (c *Client) SetStatus(ctx context.Context, sha string, state host.StatusState, description, url string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	status := gogithub.RepoStatus{
		State:       gogithub.Ptr(string(state)),
		Description: gogithub.Ptr(description),
		Context:     gogithub.Ptr(statusContext),
	}
	if url != "" {
		status.TargetURL = gogithub.Ptr(url)
	}
	return withRetryVoid(ctx, c.retry, func() error {
		_, _, err := c.gh.Repositories.CreateStatus(ctx, c.owner, c.repo, sha, status)
		return wrapErr(err)
	})
}
