package intake

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/homu-dev/homu/internal/ci"
	"github.com/homu-dev/homu/internal/supervisor"
)

// handleCI returns the handler for one CI provider's callback endpoint.
// Providers authenticate their own payloads; intake routes the resulting
// status events to the right supervisor. A deterministic delivery key makes
// CI retries idempotent even though most providers send no delivery id.
func (s *Server) handleCI(name string) http.HandlerFunc {
	provider := s.providers[name]
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		events, err := provider.Authenticate(r, body)
		if err != nil {
			if errors.Is(err, ci.ErrIgnored) {
				w.WriteHeader(http.StatusOK)
				return
			}
			s.log.Warn("ci callback rejected", "provider", name)
			http.Error(w, "authentication failed", http.StatusBadRequest)
			return
		}

		for _, ev := range events {
			sup := s.mgr.Supervisor(ev.Repo)
			if sup == nil {
				s.log.Warn("ci callback for unknown repository", "provider", name, "repo", ev.Repo)
				continue
			}

			key := fmt.Sprintf("%s:%s:%s:%s", name, ev.SHA, ev.Builder, ev.Verdict)
			fresh, err := s.store.MarkDelivery(key)
			if err != nil {
				http.Error(w, "storage failure", http.StatusInternalServerError)
				return
			}
			if !fresh {
				continue
			}

			sev := supervisor.Event{
				Kind:     supervisor.EventBuildStatus,
				Builder:  ev.Builder,
				Verdict:  ev.Verdict,
				URL:      ev.URL,
				MergeSHA: ev.SHA,
			}
			if err := sup.Enqueue(r.Context(), sev); err != nil {
				// Release the marker so the provider's retry is processed.
				if derr := s.store.ForgetDelivery(key); derr != nil {
					s.log.Error("failed to release delivery marker", "key", key, "error", derr)
				}
				http.Error(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
