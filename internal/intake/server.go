// Package intake is the HTTP surface: it authenticates webhooks from the
// code host and the CI providers, translates them into supervisor events,
// and serves the queue dashboard over JSON and websocket.
//
// Intake never mutates queue state itself. Authentication failures answer
// 400 with no state change and no logging of secret material; a full
// supervisor queue blocks the request, pushing backpressure to the sender.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/homu-dev/homu/internal/ci"
	"github.com/homu-dev/homu/internal/config"
	"github.com/homu-dev/homu/internal/logging"
	"github.com/homu-dev/homu/internal/store"
	"github.com/homu-dev/homu/internal/supervisor"
)

// maxBodySize bounds webhook payloads.
const maxBodySize = 10 << 20

// Server is the webhook intake and dashboard listener.
type Server struct {
	cfg       *config.Config
	mgr       *supervisor.Manager
	store     *store.Store
	providers map[string]ci.Provider
	router    *mux.Router
	hub       *hub

	// wakeups coalesces supervisor change notifications for the broadcaster.
	wakeups chan struct{}

	log *slog.Logger
}

// NewServer wires routes and CI providers from the configuration and hooks
// every supervisor's change notification to the websocket hub.
func NewServer(cfg *config.Config, mgr *supervisor.Manager, st *store.Store) *Server {
	s := &Server{
		cfg:       cfg,
		mgr:       mgr,
		store:     st,
		providers: buildProviders(cfg),
		router:    mux.NewRouter(),
		hub:       newHub(),
		wakeups:   make(chan struct{}, 1),
		log:       logging.WithComponent("intake"),
	}

	mgr.Each(func(sup *supervisor.Supervisor) {
		sup.SetNotify(s.wake)
	})

	s.router.HandleFunc("/github", s.handleGitHub).Methods(http.MethodPost)
	for name := range s.providers {
		s.router.HandleFunc("/"+name, s.handleCI(name)).Methods(http.MethodPost)
	}
	s.router.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Use(s.requestID)

	return s
}

// buildProviders assembles the CI provider registry from every repository's
// bindings. Providers with no configured repository are not routed at all.
func buildProviders(cfg *config.Config) map[string]ci.Provider {
	buildbot := make(map[string]string)
	travis := make(map[string]string)
	jenkins := make(map[string]string)
	solano := make(map[string]string)
	for _, repo := range cfg.Repos {
		full := repo.FullName()
		if repo.Buildbot != nil {
			buildbot[full] = repo.Buildbot.Secret
		}
		if repo.Travis != nil {
			travis[full] = repo.Travis.Token
		}
		if repo.Jenkins != nil {
			jenkins[full] = repo.Jenkins.Secret
		}
		if repo.Solano != nil {
			solano[full] = repo.Solano.Secret
		}
	}

	providers := make(map[string]ci.Provider)
	if len(buildbot) > 0 {
		providers["buildbot"] = ci.NewBuildbot(buildbot)
	}
	if len(travis) > 0 {
		providers["travis"] = ci.NewTravis(travis)
	}
	if len(jenkins) > 0 {
		providers["jenkins"] = ci.NewJenkins(jenkins)
	}
	if len(solano) > 0 {
		providers["solano"] = ci.NewSolano(solano)
	}
	return providers
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcaster(ctx)

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.hub.closeAll()
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// wake is called from supervisor event loops. It only pokes the broadcaster;
// taking a snapshot here would deadlock against the calling loop.
func (s *Server) wake() {
	select {
	case s.wakeups <- struct{}{}:
	default:
	}
}

// broadcaster pushes fresh queue snapshots to websocket clients whenever a
// supervisor reports a change. Bursts coalesce into one snapshot.
func (s *Server) broadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeups:
		}
		if s.hub.empty() {
			continue
		}
		payload, err := s.snapshotJSON(ctx)
		if err != nil {
			s.log.Warn("failed to build snapshot", "error", err)
			continue
		}
		s.hub.broadcast(payload)
	}
}

// requestID tags every request with an id for log correlation.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-GitHub-Delivery")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.ContextWithDeliveryID(r.Context(), id)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "delivery_id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}
