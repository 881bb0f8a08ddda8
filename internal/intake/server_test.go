package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homu-dev/homu/internal/config"
	"github.com/homu-dev/homu/internal/host"
	"github.com/homu-dev/homu/internal/queue"
	"github.com/homu-dev/homu/internal/store"
	"github.com/homu-dev/homu/internal/supervisor"
	"github.com/homu-dev/homu/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Trigger: "@homu",
		GitHub:  config.GitHub{AccessToken: testutil.FakeGitHubToken},
		Server:  config.Server{Host: "127.0.0.1", Port: 0},
		Repos: map[string]*config.Repo{
			"demo": {
				Label:        "demo",
				Owner:        "octo",
				Name:         "repo",
				Reviewers:    []string{"alice"},
				Builders:     []string{"linux64"},
				Secret:       testutil.FakeWebhookSecret,
				TestBranch:   "auto",
				MasterBranch: "master",
				TryBranch:    "try",
				RollupCap:    8,
				Buildbot: &config.Buildbot{
					Secret:   testutil.FakeBuildbotSecret,
					Builders: []string{"linux64"},
				},
			},
		},
	}
}

type fixture struct {
	srv  *Server
	mgr  *supervisor.Manager
	fake *testutil.Host
	ts   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewFromPath(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	fake := testutil.NewHost()
	mgr := supervisor.NewManager(cfg, st, map[string]host.Client{"octo/repo": fake})
	srv := NewServer(cfg, mgr, st)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(ctx)
	go srv.broadcaster(ctx)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, mgr: mgr, fake: fake, ts: ts}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) postGitHub(t *testing.T, event, delivery string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/github", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", sign(testutil.FakeWebhookSecret, []byte(body)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	return resp
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) pull(t *testing.T, num int) *queue.PullState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := f.mgr.Supervisor("octo/repo").Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for i := range snap {
		if snap[i].Num == num {
			return &snap[i]
		}
	}
	return nil
}

const openedPayload = `{
	"action": "opened",
	"repository": {"full_name": "octo/repo"},
	"pull_request": {
		"number": 7,
		"title": "add feature",
		"state": "open",
		"mergeable": true,
		"user": {"login": "bob"},
		"head": {"sha": "abcd1110000", "ref": "feature"},
		"base": {"ref": "master"}
	}
}`

func commentPayload(body string) string {
	return fmt.Sprintf(`{
		"action": "created",
		"repository": {"full_name": "octo/repo"},
		"issue": {"number": 7, "pull_request": {"url": "https://api.example/pulls/7"}},
		"comment": {"user": {"login": "alice"}, "body": %q}
	}`, body)
}

func TestGitHubWebhookBadSignature(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/github", strings.NewReader(openedPayload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if f.pull(t, 7) != nil {
		t.Fatal("unauthenticated webhook mutated state")
	}
}

func TestGitHubWebhookUnknownRepo(t *testing.T) {
	f := newFixture(t)

	body := `{"repository": {"full_name": "other/repo"}}`
	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign(testutil.FakeWebhookSecret, []byte(body)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGitHubWebhookTracksAndApproves(t *testing.T) {
	f := newFixture(t)

	if resp := f.postGitHub(t, "pull_request", "d1", openedPayload); resp.StatusCode != http.StatusOK {
		t.Fatalf("opened: status %d", resp.StatusCode)
	}
	waitFor(t, "pull tracked", func() bool { return f.pull(t, 7) != nil })

	if resp := f.postGitHub(t, "issue_comment", "d2", commentPayload("@homu r+")); resp.StatusCode != http.StatusOK {
		t.Fatalf("comment: status %d", resp.StatusCode)
	}
	waitFor(t, "testing state", func() bool {
		p := f.pull(t, 7)
		return p != nil && p.Status == queue.StatusTesting
	})
}

func TestGitHubWebhookDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.postGitHub(t, "pull_request", "d1", openedPayload)
	waitFor(t, "pull tracked", func() bool { return f.pull(t, 7) != nil })

	f.postGitHub(t, "issue_comment", "d2", commentPayload("@homu r+"))
	waitFor(t, "approval", func() bool {
		p := f.pull(t, 7)
		return p != nil && p.ApprovedBy == "alice"
	})

	// Redelivery of the same delivery id must be acknowledged but not applied:
	// no second pushpin comment appears.
	before := f.fake.CommentCount()
	if resp := f.postGitHub(t, "issue_comment", "d2", commentPayload("@homu r+")); resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate: status %d", resp.StatusCode)
	}
	time.Sleep(100 * time.Millisecond)
	if got := f.fake.CommentCount(); got != before {
		t.Fatalf("duplicate delivery posted comments: %d -> %d", before, got)
	}
}

// A delivery aborted by backpressure must not be remembered: the sender's
// retry of the same id carries the only copy of the event.
func TestGitHubWebhookRetryAfterBackpressure(t *testing.T) {
	st, err := store.NewFromPath(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	fake := testutil.NewHost()
	mgr := supervisor.NewManager(cfg, st, map[string]host.Client{"octo/repo": fake})
	srv := NewServer(cfg, mgr, st)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	f := &fixture{srv: srv, mgr: mgr, fake: fake, ts: ts}

	// The supervisor is not draining yet. Queue the pull first, then fill the
	// rest of the queue so the comment delivery cannot be accepted.
	sup := mgr.Supervisor("octo/repo")
	if err := sup.Enqueue(context.Background(), supervisor.Event{
		Kind: supervisor.EventPullOpened,
		Num:  7,
		Pull: &host.Pull{
			Num: 7, Title: "add feature", HeadSHA: "abcd1110000",
			HeadRef: "feature", BaseRef: "master", Author: "bob",
			State: "open", Mergeable: queue.MergeableYes,
		},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 1024; i++ {
		fillCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := sup.Enqueue(fillCtx, supervisor.Event{Kind: supervisor.EventPush, Branch: "feature"})
		cancel()
		if err != nil {
			break
		}
	}

	// The comment delivery blocks on the full queue until the client gives up.
	body := commentPayload("@homu r+")
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/github", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-GitHub-Delivery", "d9")
	req.Header.Set("X-Hub-Signature-256", sign(testutil.FakeWebhookSecret, []byte(body)))
	impatient := &http.Client{Timeout: 300 * time.Millisecond}
	if resp, err := impatient.Do(req); err == nil {
		resp.Body.Close()
	}

	// Start draining; the redelivered id must be applied, not dropped as a
	// duplicate of the aborted attempt.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(ctx)

	waitFor(t, "approval after redelivery", func() bool {
		f.postGitHub(t, "issue_comment", "d9", commentPayload("@homu r+"))
		p := f.pull(t, 7)
		return p != nil && p.ApprovedBy == "alice"
	})
}

func TestBuildbotCallbackCompletesMerge(t *testing.T) {
	f := newFixture(t)
	f.postGitHub(t, "pull_request", "d1", openedPayload)
	waitFor(t, "pull tracked", func() bool { return f.pull(t, 7) != nil })
	f.postGitHub(t, "issue_comment", "d2", commentPayload("@homu r+"))

	var mergeSHA string
	waitFor(t, "testing state", func() bool {
		p := f.pull(t, 7)
		if p != nil && p.Status == queue.StatusTesting {
			mergeSHA = p.MergeSHA
			return true
		}
		return false
	})

	form := url.Values{}
	form.Set("secret", testutil.FakeBuildbotSecret)
	form.Set("packets", fmt.Sprintf(`[{"event": "buildFinished", "repo": "octo/repo",
		"builder": "linux64", "sha": %q, "result": 0, "url": "https://bb/1"}]`, mergeSHA))
	resp, err := http.PostForm(f.ts.URL+"/buildbot", form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("buildbot: status %d", resp.StatusCode)
	}

	waitFor(t, "merge", func() bool {
		p := f.pull(t, 7)
		return p != nil && p.Status == queue.StatusSuccess
	})
	if got := f.fake.Branch("master"); got != mergeSHA {
		t.Fatalf("master = %q, want %q", got, mergeSHA)
	}
}

func TestBuildbotBadSecretRejected(t *testing.T) {
	f := newFixture(t)

	form := url.Values{}
	form.Set("secret", "wrong")
	form.Set("packets", `[{"event": "buildFinished", "repo": "octo/repo",
		"builder": "linux64", "sha": "abc", "result": 0, "url": ""}]`)
	resp, err := http.PostForm(f.ts.URL+"/buildbot", form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.postGitHub(t, "pull_request", "d1", openedPayload)
	waitFor(t, "pull tracked", func() bool { return f.pull(t, 7) != nil })

	resp, err := http.Get(f.ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func (f *fixture) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketGreetsThenStreams(t *testing.T) {
	f := newFixture(t)
	f.postGitHub(t, "pull_request", "d1", openedPayload)
	waitFor(t, "pull tracked", func() bool { return f.pull(t, 7) != nil })

	conn := f.dialWS(t)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var snap map[string][]pullView
	if err := json.Unmarshal(first, &snap); err != nil {
		t.Fatalf("greeting payload: %v", err)
	}
	if len(snap["demo"]) != 1 || snap["demo"][0].Num != 7 {
		t.Fatalf("greeting snapshot = %+v", snap)
	}

	f.postGitHub(t, "issue_comment", "d2", commentPayload("@homu r+"))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		if err := json.Unmarshal(msg, &snap); err != nil {
			t.Fatalf("broadcast payload: %v", err)
		}
		if len(snap["demo"]) == 1 && snap["demo"][0].ApprovedBy == "alice" {
			return
		}
	}
}

// Clients that connect while broadcasts are in flight must still receive an
// intact greeting: the hub may not write to a connection before it has one.
func TestWebsocketConnectDuringBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.postGitHub(t, "pull_request", "d1", openedPayload)
	waitFor(t, "pull tracked", func() bool { return f.pull(t, 7) != nil })

	pushPayload := `{"ref": "refs/heads/feature", "after": "feed1234567",
		"repository": {"full_name": "octo/repo"}}`
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/github", strings.NewReader(pushPayload))
			if err != nil {
				return
			}
			req.Header.Set("X-GitHub-Event", "push")
			req.Header.Set("X-GitHub-Delivery", fmt.Sprintf("push-%d", i))
			req.Header.Set("X-Hub-Signature-256", sign(testutil.FakeWebhookSecret, []byte(pushPayload)))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
		}
	}()

	for i := 0; i < 20; i++ {
		conn := f.dialWS(t)
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("connection %d greeting: %v", i, err)
		}
		conn.Close()
	}
	close(stop)
	wg.Wait()
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
