// Package ci authenticates build-status callbacks from CI providers and
// normalizes them into status events. Providers that sign their payloads
// verify an HMAC; the rest carry a shared secret in the request itself.
package ci

import (
	"errors"
	"net/http"

	"github.com/homu-dev/homu/internal/queue"
)

// StatusEvent is one authenticated build-status report from a CI provider.
type StatusEvent struct {
	// Repo is the repository full name ("owner/name") the CI reported.
	Repo string
	// SHA is the commit the build ran against (the integration SHA).
	SHA string
	// Builder is the name matched against the repository's required builders.
	Builder string
	Verdict queue.Verdict
	URL     string
}

// ErrAuthFailed means the callback could not be authenticated. The intake
// answers 400 and nothing else happens; secret material is never logged.
var ErrAuthFailed = errors.New("ci: authentication failed")

// ErrIgnored means the payload was authentic but carries no status Homu
// cares about (for example a queued notification).
var ErrIgnored = errors.New("ci: event ignored")

// Provider authenticates callbacks for one CI service across all configured
// repositories.
type Provider interface {
	// Name is the provider identifier used in URL paths and builder names.
	Name() string
	// Authenticate verifies the callback and extracts its status events.
	// It returns ErrAuthFailed when the secret or signature does not match.
	Authenticate(r *http.Request, body []byte) ([]StatusEvent, error)
}
