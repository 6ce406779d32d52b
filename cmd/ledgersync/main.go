package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pulsebet/ledgersync/internal/config"
	"github.com/pulsebet/ledgersync/internal/credentials"
	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/feed"
	"github.com/pulsebet/ledgersync/internal/infrastructure/db"
	httpserver "github.com/pulsebet/ledgersync/internal/interfaces/http"
	"github.com/pulsebet/ledgersync/internal/ledgerapi"
	"github.com/pulsebet/ledgersync/internal/metrics"
	"github.com/pulsebet/ledgersync/internal/reconcile"
	"github.com/pulsebet/ledgersync/internal/scheduler"
	"github.com/pulsebet/ledgersync/internal/session"
)

const (
	appName = "ledgersync"
	version = "v1.2.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Balance and ledger-history reconciliation engine",
		Version: version,
		Long: `ledgersync keeps the partner portal's local store eventually consistent
with the external gaming ledger: cursor-based history ingestion, balance
snapshots and poll-driven session expiry, per tenant, on two staggered loops.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/ledgersync.yaml", "path to config file")

	var tenantIDs []int64
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), tenantIDs)
		},
	}
	runCmd.Flags().Int64SliceVar(&tenantIDs, "tenants", nil, "tenant ids to reconcile (default: all top-level tenants)")

	var syncTenant int64
	var syncKind string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation tick for a tenant and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), syncTenant, domain.SyncKind(syncKind))
		},
	}
	syncCmd.Flags().Int64Var(&syncTenant, "tenant", 0, "tenant id (required)")
	syncCmd.Flags().StringVar(&syncKind, "kind", "history", "loop kind: balance or history")
	syncCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(runCmd, syncCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// engine bundles everything the commands share.
type engine struct {
	cfg      config.Config
	manager  *db.Manager
	client   *ledgerapi.Client
	sched    *scheduler.Scheduler
	registry *prometheus.Registry
}

func buildEngine(cfg config.Config) (*engine, error) {
	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return nil, err
	}
	repos := manager.Repository()

	var publisher feed.Publisher
	if cfg.Redis.Enabled {
		publisher, err = feed.NewRedisPublisher(cfg.Redis)
		if err != nil {
			manager.Close()
			return nil, err
		}
	} else {
		publisher = feed.NewNopPublisher()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	client := ledgerapi.NewClient(cfg.Ledger)
	resolver := credentials.NewResolver(repos.Tenants, cfg.Sync.MaxCredDepth)
	sessions := session.NewMonitor(cfg.Session.PollExpiryThreshold)

	balances := reconcile.NewBalanceReconciler(repos, resolver, client, sessions, publisher, m)
	history := reconcile.NewHistoryReconciler(repos, resolver, client, cfg.Ledger.PageSize, m)

	sched := scheduler.New(cfg.Sync, scheduler.RealClock(), balances, history, repos, m)

	return &engine{
		cfg:      cfg,
		manager:  manager,
		client:   client,
		sched:    sched,
		registry: registry,
	}, nil
}

func runDaemon(ctx context.Context, tenantIDs []int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.manager.Close()

	if len(tenantIDs) == 0 {
		tops, err := eng.manager.Repository().Tenants.ListTopLevel(ctx)
		if err != nil {
			return err
		}
		for _, t := range tops {
			tenantIDs = append(tenantIDs, t.ID)
		}
	}
	if len(tenantIDs) == 0 {
		return fmt.Errorf("no tenants to reconcile")
	}

	log.Info().Str("version", version).Ints64("tenants", tenantIDs).
		Dur("balance_interval", cfg.Sync.BalanceInterval).
		Dur("history_interval", cfg.Sync.HistoryInterval).
		Msg("reconciliation engine starting")

	server := httpserver.NewServer(cfg.HTTP.ListenAddr, eng.sched, eng.manager, eng.client.BreakerState, eng.registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	eng.sched.Start(ctx, tenantIDs)

	if err := <-errCh; err != nil {
		return err
	}
	log.Info().Msg("reconciliation engine stopped")
	return nil
}

func runOnce(ctx context.Context, tenantID int64, kind domain.SyncKind) error {
	if kind != domain.SyncBalance && kind != domain.SyncHistory {
		return fmt.Errorf("kind must be balance or history, got %q", kind)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.manager.Close()

	outcome := eng.sched.ForceSync(ctx, tenantID, kind)
	log.Info().Int64("tenant", tenantID).Str("kind", string(kind)).
		Str("outcome", string(outcome)).Msg("one-shot sync finished")
	if outcome == scheduler.OutcomeError {
		return fmt.Errorf("sync failed for tenant %d", tenantID)
	}
	return nil
}

func applyLogLevel(level string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
}
