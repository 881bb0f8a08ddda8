package ci

import (
	"crypto/hmac"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/homu-dev/homu/internal/queue"
)

// Buildbot handles buildbot status pushes. Buildbot cannot sign payloads, so
// each callback carries the repository's shared secret as a form field.
//
// The request is form-encoded with two fields:
//
//	secret   the per-repository shared secret
//	packets  a JSON array of build events
//
// Each packet looks like:
//
//	{"event": "buildFinished", "repo": "owner/name", "builder": "linux64",
//	 "sha": "<merge sha>", "result": 0, "url": "https://..."}
//
// result follows buildbot's convention: 0 success, anything else failure.
// A "buildStarted" event records the build URL without a verdict.
type Buildbot struct {
	// secrets maps repository full name to its buildbot shared secret.
	secrets map[string]string
}

// NewBuildbot creates a buildbot provider for the given repo → secret map.
func NewBuildbot(secrets map[string]string) *Buildbot {
	return &Buildbot{secrets: secrets}
}

// Name implements Provider.
func (b *Buildbot) Name() string { return "buildbot" }

type buildbotPacket struct {
	Event   string `json:"event"`
	Repo    string `json:"repo"`
	Builder string `json:"builder"`
	SHA     string `json:"sha"`
	Result  int    `json:"result"`
	URL     string `json:"url"`
}

// Authenticate implements Provider.
func (b *Buildbot) Authenticate(r *http.Request, body []byte) ([]StatusEvent, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, ErrAuthFailed
	}

	var packets []buildbotPacket
	if err := json.Unmarshal([]byte(form.Get("packets")), &packets); err != nil {
		return nil, ErrAuthFailed
	}

	secret := form.Get("secret")
	var events []StatusEvent
	for _, pkt := range packets {
		want, ok := b.secrets[pkt.Repo]
		if !ok || !hmac.Equal([]byte(secret), []byte(want)) {
			return nil, ErrAuthFailed
		}

		switch pkt.Event {
		case "buildStarted":
			events = append(events, StatusEvent{
				Repo:    pkt.Repo,
				SHA:     pkt.SHA,
				Builder: pkt.Builder,
				Verdict: queue.VerdictPending,
				URL:     pkt.URL,
			})
		case "buildFinished":
			verdict := queue.VerdictFailure
			if pkt.Result == 0 {
				verdict = queue.VerdictSuccess
			}
			events = append(events, StatusEvent{
				Repo:    pkt.Repo,
				SHA:     pkt.SHA,
				Builder: pkt.Builder,
				Verdict: verdict,
				URL:     pkt.URL,
			})
		}
	}
	if len(events) == 0 {
		return nil, ErrIgnored
	}
	return events, nil
}
