package ci

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/homu-dev/homu/internal/queue"
)

// Signed handles CI services whose callbacks carry an HMAC inside the JSON
// body (jenkins, solano). The payload looks like:
//
//	{"repo": "owner/name", "sha": "<merge sha>", "builder": "jenkins",
//	 "state": "success", "url": "https://...", "signature": "<hmac>"}
//
// signature is the hex HMAC-SHA256 of "repo:sha:builder:state:url" keyed by
// the per-repository shared secret.
type Signed struct {
	name string
	// secrets maps repository full name to its shared secret.
	secrets map[string]string
}

// NewJenkins creates the jenkins provider.
func NewJenkins(secrets map[string]string) *Signed {
	return &Signed{name: "jenkins", secrets: secrets}
}

// NewSolano creates the solano provider.
func NewSolano(secrets map[string]string) *Signed {
	return &Signed{name: "solano", secrets: secrets}
}

// Name implements Provider.
func (s *Signed) Name() string { return s.name }

type signedPayload struct {
	Repo      string `json:"repo"`
	SHA       string `json:"sha"`
	Builder   string `json:"builder"`
	State     string `json:"state"`
	URL       string `json:"url"`
	Signature string `json:"signature"`
}

// SignPayload computes the signature a callback must carry. Exported for
// tests and for operators wiring up jobs.
func SignPayload(secret, repo, sha, builder, state, url string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{repo, sha, builder, state, url}, ":")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate implements Provider.
func (s *Signed) Authenticate(r *http.Request, body []byte) ([]StatusEvent, error) {
	var payload signedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrAuthFailed
	}

	secret, ok := s.secrets[payload.Repo]
	if !ok {
		return nil, ErrAuthFailed
	}
	want := SignPayload(secret, payload.Repo, payload.SHA, payload.Builder, payload.State, payload.URL)
	if !hmac.Equal([]byte(payload.Signature), []byte(want)) {
		return nil, ErrAuthFailed
	}

	builder := payload.Builder
	if builder == "" {
		builder = s.name
	}

	var verdict queue.Verdict
	switch payload.State {
	case "success":
		verdict = queue.VerdictSuccess
	case "failure", "error", "aborted":
		verdict = queue.VerdictFailure
	case "started", "pending":
		verdict = queue.VerdictPending
	default:
		return nil, ErrIgnored
	}

	return []StatusEvent{{
		Repo:    payload.Repo,
		SHA:     payload.SHA,
		Builder: builder,
		Verdict: verdict,
		URL:     payload.URL,
	}}, nil
}
