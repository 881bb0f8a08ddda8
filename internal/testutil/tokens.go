// Package testutil provides testing utilities shared across Homu packages.
package testutil

// Safe test credentials that won't trigger GitHub's push protection.
// These are intentionally simple and obviously fake to avoid secret scanning.
const (
	// FakeGitHubToken is a safe test token for GitHub API authentication.
	FakeGitHubToken = "test-github-token"

	// FakeWebhookSecret is a safe shared secret for webhook HMAC tests.
	FakeWebhookSecret = "test-webhook-secret"

	// FakeBuildbotSecret is a safe shared secret for buildbot callback tests.
	FakeBuildbotSecret = "test-buildbot-secret"

	// FakeTravisToken is a safe token for travis callback tests.
	FakeTravisToken = "test-travis-token"

	// FakeCISecret is a safe shared secret for HMAC-signed CI callbacks.
	FakeCISecret = "test-ci-secret"
)
