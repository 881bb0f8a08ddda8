package ci

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/homu-dev/homu/internal/queue"
)

// Travis handles travis status pushes. Travis authenticates with a token:
// the Authorization header carries SHA-256(repo slug + token).
type Travis struct {
	// tokens maps repository full name to its travis token.
	tokens map[string]string
}

// NewTravis creates a travis provider for the given repo → token map.
func NewTravis(tokens map[string]string) *Travis {
	return &Travis{tokens: tokens}
}

// Name implements Provider.
func (t *Travis) Name() string { return "travis" }

func travisDigest(fullName, token string) string {
	digest := sha256.Sum256([]byte(fullName + token))
	return hex.EncodeToString(digest[:])
}

type travisPayload struct {
	Repository struct {
		OwnerName string `json:"owner_name"`
		Name      string `json:"name"`
	} `json:"repository"`
	Commit   string `json:"commit"`
	State    string `json:"state"`
	BuildURL string `json:"build_url"`
}

// Authenticate implements Provider.
func (t *Travis) Authenticate(r *http.Request, body []byte) ([]StatusEvent, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, ErrAuthFailed
	}
	var payload travisPayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		return nil, ErrAuthFailed
	}

	fullName := payload.Repository.OwnerName + "/" + payload.Repository.Name
	token, ok := t.tokens[fullName]
	if !ok {
		return nil, ErrAuthFailed
	}

	want := travisDigest(fullName, token)
	if !hmac.Equal([]byte(r.Header.Get("Authorization")), []byte(want)) {
		return nil, ErrAuthFailed
	}

	var verdict queue.Verdict
	switch payload.State {
	case "passed":
		verdict = queue.VerdictSuccess
	case "failed", "errored", "canceled":
		verdict = queue.VerdictFailure
	case "started":
		verdict = queue.VerdictPending
	default:
		return nil, ErrIgnored
	}

	return []StatusEvent{{
		Repo:    fullName,
		SHA:     payload.Commit,
		Builder: "travis",
		Verdict: verdict,
		URL:     payload.BuildURL,
	}}, nil
}
