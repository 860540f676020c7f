package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/store/sqlite"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:               "credit-ledger",
		Short:             "Customer credit ledger and payment allocation service",
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ledger.yaml in ., ./config, /etc/credit-ledger)")
	pf.String("db", "", "SQLite database path")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	mustBind(a.v, "database.path", pf.Lookup("db"))
	mustBind(a.v, "log.level", pf.Lookup("log-level"))

	root.AddCommand(a.serveCmd(), a.reconcileCmd(), a.migrateCmd())
	return root
}

func (a *app) load(*cobra.Command, []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// =============================================================================
// SERVE
// =============================================================================

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  a.runServe,
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	cmd.Flags().Duration("reconcile-interval", 0, "run reconciliation on this interval (0 disables)")
	mustBind(a.v, "server.addr", cmd.Flags().Lookup("addr"))
	mustBind(a.v, "reconcile.interval", cmd.Flags().Lookup("reconcile-interval"))
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := api.NewMetrics()
	store, err := a.openStore(ctx, metrics)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger := a.newLedger(store)
	handler := api.NewHandler(ledger, metrics, store, a.logger)
	handler.Scheduler.Interval = a.cfg.Reconcile.Interval
	handler.Scheduler.OnStartup = a.cfg.Reconcile.OnStartup
	handler.Scheduler.Start()
	defer handler.Scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Limiter:     api.NewPaymentLimiter(a.cfg.RateLimit.PaymentsPerSecond, a.cfg.RateLimit.Burst),
	})

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	handler.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// RECONCILE
// =============================================================================

func (a *app) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute every customer balance from open invoices",
		Long: `Recompute every customer's balance as the sum of balance_due over their
pending and partial invoices, and overwrite balances that are off by more
than 0.01. Invoices are never modified. Safe to run while the server is up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := a.newLedger(store).Reconcile(ctx)
			if report != nil {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "checked %d customers, corrected %d\n", report.Checked, report.Corrected)
				for _, c := range report.Corrections {
					fmt.Fprintf(out, "  customer %d: %s -> %s\n",
						c.CustomerID, credit.FormatMoney(c.Previous), credit.FormatMoney(c.Computed))
				}
			}
			return err
		},
	}
}

// =============================================================================
// MIGRATE
// =============================================================================

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrator := func(fn func(cmd *cobra.Command, m *sqlite.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			store, err := sqlite.Connect(cmd.Context(), a.cfg.Database.Store(), a.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			m, err := store.Migrator()
			if err != nil {
				return err
			}
			return fn(cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withMigrator(func(_ *cobra.Command, m *sqlite.Migrator) error {
				return m.Up()
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration (destroys all ledger data)",
			RunE: withMigrator(func(_ *cobra.Command, m *sqlite.Migrator) error {
				return m.Down()
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: withMigrator(func(cmd *cobra.Command, m *sqlite.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			}),
		},
	)
	return cmd
}

// =============================================================================
// HELPERS
// =============================================================================

func (a *app) openStore(ctx context.Context, metrics *api.Metrics) (*sqlite.Store, error) {
	cfg := a.cfg.Database.Store()
	if metrics != nil {
		cfg.OnBusyRetry = metrics.BusyRetry
	}
	store, err := sqlite.Open(ctx, cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (a *app) newLedger(store *sqlite.Store) *credit.Ledger {
	return credit.NewLedger(store,
		credit.WithLogger(a.logger.Named("ledger")),
		credit.WithTargetPolicy(a.cfg.Ledger.TargetPolicy))
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
