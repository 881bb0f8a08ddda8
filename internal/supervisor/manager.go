package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/homu-dev/homu/internal/config"
	"github.com/homu-dev/homu/internal/host"
	"github.com/homu-dev/homu/internal/logging"
	"github.com/homu-dev/homu/internal/store"
)

// retentionWindow is how long build triggers and webhook delivery markers are
// kept before housekeeping purges them.
const retentionWindow = 7 * 24 * time.Hour

// Manager runs one supervisor per configured repository plus the shared
// housekeeping schedule: periodic resynchronization and store pruning.
type Manager struct {
	cfg         *config.Config
	store       *store.Store
	supervisors map[string]*Supervisor // keyed by "owner/name"
	cron        *cron.Cron
	log         *slog.Logger
}

// NewManager wires a supervisor for every configured repository. hosts maps
// repository full names to their host clients.
func NewManager(cfg *config.Config, st *store.Store, hosts map[string]host.Client) *Manager {
	m := &Manager{
		cfg:         cfg,
		store:       st,
		supervisors: make(map[string]*Supervisor, len(cfg.Repos)),
		cron:        cron.New(),
		log:         logging.WithComponent("manager"),
	}
	for _, repo := range cfg.Repos {
		m.supervisors[repo.FullName()] = New(repo, cfg.Trigger, hosts[repo.FullName()], st)
	}
	return m
}

// Supervisor returns the supervisor for "owner/name", or nil.
func (m *Manager) Supervisor(fullName string) *Supervisor {
	return m.supervisors[fullName]
}

// Each calls fn for every supervisor.
func (m *Manager) Each(fn func(*Supervisor)) {
	for _, s := range m.supervisors {
		fn(s)
	}
}

// Run starts every supervisor and the housekeeping schedule, and blocks until
// the context is canceled or a supervisor fails.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range m.supervisors {
		g.Go(func() error { return s.Run(ctx) })
	}

	// Hourly resync papers over any webhook the host failed to deliver;
	// daily pruning keeps the provenance tables from growing forever.
	m.cron.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {
		m.enqueueSync(ctx)
	}))
	m.cron.Schedule(cron.Every(24*time.Hour), cron.FuncJob(func() {
		m.prune()
	}))
	m.cron.Start()
	defer m.cron.Stop()

	return g.Wait()
}

func (m *Manager) enqueueSync(ctx context.Context) {
	for name, s := range m.supervisors {
		if err := s.Enqueue(ctx, Event{Kind: EventSync}); err != nil {
			m.log.Warn("failed to schedule sync", "repo", name, "error", err)
		}
	}
}

func (m *Manager) prune() {
	if n, err := m.store.PurgeTriggers(retentionWindow); err != nil {
		m.log.Warn("failed to purge build triggers", "error", err)
	} else if n > 0 {
		m.log.Info("purged build triggers", "count", n)
	}
	if n, err := m.store.PurgeDeliveries(retentionWindow); err != nil {
		m.log.Warn("failed to purge delivery markers", "error", err)
	} else if n > 0 {
		m.log.Info("purged delivery markers", "count", n)
	}
}
