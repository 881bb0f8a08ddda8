package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/homu-dev/homu/internal/config"
	"github.com/homu-dev/homu/internal/host"
	hostgithub "github.com/homu-dev/homu/internal/host/github"
	"github.com/homu-dev/homu/internal/intake"
	"github.com/homu-dev/homu/internal/logging"
	"github.com/homu-dev/homu/internal/store"
	"github.com/homu-dev/homu/internal/supervisor"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "homu",
		Short: "Merge queue bot for GitHub repositories",
		Long: `Homu serializes approved pull requests into a queue, tests each one
in the exact form it will land, and fast-forwards the protected branch
only when CI passes.`,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		dbYMLPath  string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the merge queue service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, dbYMLPath, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cfg.toml", "path to the TOML configuration")
	cmd.Flags().StringVar(&dbYMLPath, "database-config", "database.yml", "optional database settings file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("homu %s\n", version)
		},
	}
}

func serve(configPath, dbYMLPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.LoadDatabase(dbYMLPath); err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return err
	}
	log := logging.WithComponent("main")

	st, err := store.NewFromPath(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	hosts := make(map[string]host.Client, len(cfg.Repos))
	for _, repo := range cfg.Repos {
		client, err := hostgithub.New(cfg.GitHub.AccessToken, cfg.GitHub.BaseURL, repo.Owner, repo.Name)
		if err != nil {
			return fmt.Errorf("failed to create host client for %s: %w", repo.FullName(), err)
		}
		hosts[repo.FullName()] = client
	}

	mgr := supervisor.NewManager(cfg, st, hosts)
	srv := intake.NewServer(cfg, mgr, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting", "version", version, "repos", len(cfg.Repos))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("shut down cleanly")
		return nil
	}
	return err
}
