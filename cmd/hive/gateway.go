package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soomehta/hive/internal/bee"
	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/intent"
	"github.com/soomehta/hive/internal/llm"
	"github.com/soomehta/hive/internal/natsbus"
	"github.com/soomehta/hive/internal/queue"
	"github.com/soomehta/hive/internal/scheduler"
	"github.com/soomehta/hive/internal/store"
	"github.com/soomehta/hive/internal/swarm"
	"github.com/soomehta/hive/internal/vault"
	"github.com/soomehta/hive/internal/web"
)

func newGatewayCmd() *cobra.Command {
	var (
		seedOrgs []string
		workers  int
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the hive gateway: bus, workers, scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, seedOrgs, workers)
		},
	}
	cmd.Flags().StringSliceVar(&seedOrgs, "seed-org", nil, "seed system bee templates for these orgs on startup")
	cmd.Flags().IntVar(&workers, "workers", 4, "sessions executed concurrently by this process")
	return cmd
}

func runGateway(ctx context.Context, seedOrgs []string, workers int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(cfg.Log.NewLogger())
	slog.Info("starting hive gateway", "version", version)

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	catalog := bee.NewCatalog(db, cfg.Bees)
	for _, org := range seedOrgs {
		if err := catalog.SeedSystemTemplates(org); err != nil {
			return fmt.Errorf("seed templates for %s: %w", org, err)
		}
		slog.Info("system templates seeded", "org", org)
	}

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		if v, err = vault.New(cfg.Vault.Passphrase); err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	} else {
		slog.Warn("vault passphrase not set, secrets disabled")
	}

	apiKey, err := v.Resolve(db, cfg.LLM.APIKey)
	if err != nil {
		return fmt.Errorf("resolve llm api key: %w", err)
	}
	llmCfg := cfg.LLM
	llmCfg.APIKey = apiKey
	model, err := llm.NewGemini(ctx, llmCfg)
	if err != nil {
		return fmt.Errorf("init llm: %w", err)
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	jobs, err := queue.New(ctx, client.JetStream(), cfg.Queue)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	exec := swarm.NewExecutor(db, catalog, model, client, cfg.Swarm)
	svc := swarm.NewService(db, catalog, intent.New(model), jobs, client, cfg.Swarm)
	sched := scheduler.New(db, jobs, client, cfg.Scheduler)
	worker := queue.NewWorker(jobs, exec, db, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	// HTTP API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, svc, catalog, v, client, cfg.Web, version)
		g.Go(func() error { return srv.Start(gctx) })
	}

	err = g.Wait()
	slog.Info("hive gateway stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore() (*store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, cfg, nil
}
