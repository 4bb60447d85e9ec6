package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/export"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs once the root pre-run has loaded
// configuration.
type cli struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "kansoku",
		Short: "Monitoring for LLM and PDF processing pipelines",
		Long: `kansoku serves a read-only monitoring dashboard over HTTP and exports
experiment runs kept by the configured tracking backend.

Configuration is read from KANSOKU_* environment variables and an optional
.env file in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.load()
		},
	}
	root.AddCommand(c.serveCmd(), c.exportCmd(), c.tokenCmd(), versionCmd())
	return root
}

func (c *cli) load() error {
	// Non-fatal; production won't have one.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	c.logger = newLogger(cfg.LogLevel)
	slog.SetDefault(c.logger)
	return nil
}

// newLogger builds the JSON process logger. Unknown levels fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func (c *cli) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and the dashboard server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != 0 {
				c.cfg.Port = port
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (overrides KANSOKU_PORT)")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	cfg, logger := c.cfg, c.logger
	logger.Info("kansoku starting", "version", version, "port", cfg.Port, "tracking_backend", cfg.TrackingBackend)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Environment: cfg.Environment,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	opts := []kansoku.Option{kansoku.WithConfig(cfg), kansoku.WithLogger(logger)}
	if backend != nil {
		opts = append(opts, kansoku.WithBackend(backend))
	}
	if cfg.AlertRulesFile != "" {
		rules, err := config.LoadRules(cfg.AlertRulesFile)
		if err != nil {
			return err
		}
		opts = append(opts, kansoku.WithAlertRules(rules))
		logger.Info("alert rules loaded", "path", cfg.AlertRulesFile, "rules", len(rules))
	}
	mon, err := kansoku.New(opts...)
	if err != nil {
		return err
	}

	var jwtMgr *auth.JWTManager
	if cfg.DashboardJWTSecret != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.DashboardJWTSecret, cfg.DashboardTokenTTL)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("dashboard auth: disabled (no KANSOKU_DASHBOARD_JWT_SECRET)")
	}

	srv := server.New(server.ServerConfig{
		Source:       mon,
		Logger:       logger,
		JWTMgr:       jwtMgr,
		Gatherer:     mon.Gatherer(),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	g, gctx := errgroup.WithContext(ctx)
	mon.Start(gctx)
	g.Go(srv.Start)
	if cfg.AlertRulesFile != "" {
		g.Go(func() error {
			return config.WatchRules(gctx, cfg.AlertRulesFile, logger, mon.SetAlertRules)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("kansoku shutting down")

		// Each phase gets its own budget so a slow drain doesn't starve the next.
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		return mon.Close(closeCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("kansoku stopped")
	return nil
}

// openBackend selects the tracking backend named by the config. A nil
// backend means tracking is disabled. The returned func releases it.
//
// Auto mode prefers MLflow when its tracking server answers, then falls back
// to the local SQLite store.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (experiment.Backend, func(), error) {
	nop := func() {}
	switch cfg.TrackingBackend {
	case config.BackendNoop:
		logger.Info("tracking backend: noop (experiment tracking disabled)")
		return nil, nop, nil

	case config.BackendMLflow:
		logger.Info("tracking backend: mlflow", "uri", cfg.MLflowTrackingURI, "experiment", cfg.MLflowExperiment)
		return experiment.NewMLflowBackend(cfg.MLflowTrackingURI, cfg.MLflowExperiment), nop, nil

	case config.BackendPostgres:
		db, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, nop, err
		}
		logger.Info("tracking backend: postgres")
		return db, db.Close, nil

	case config.BackendSQLite:
		return openSQLiteBackend(ctx, cfg, logger)

	default:
		mlflow := experiment.NewMLflowBackend(cfg.MLflowTrackingURI, cfg.MLflowExperiment)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.TrackingTimeout)
		err := mlflow.Ping(pingCtx)
		cancel()
		if err == nil {
			logger.Info("tracking backend: mlflow (auto-detected)", "uri", cfg.MLflowTrackingURI, "experiment", cfg.MLflowExperiment)
			return mlflow, nop, nil
		}
		logger.Info("mlflow unreachable, using sqlite", "uri", cfg.MLflowTrackingURI, "error", err)
		return openSQLiteBackend(ctx, cfg, logger)
	}
}

func openSQLiteBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (experiment.Backend, func(), error) {
	s, err := openSQLite(ctx, cfg, logger)
	if err != nil {
		return nil, func() {}, err
	}
	logger.Info("tracking backend: sqlite", "path", cfg.SQLitePath)
	return s, func() { _ = s.Close() }, nil
}

func openPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, migrations.Postgres()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

func openSQLite(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.SQLite, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create sqlite directory: %w", err)
		}
	}
	s, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	if err := s.RunMigrations(ctx, migrations.SQLite()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return s, nil
}

// openStore opens a backend that can list its runs. MLflow keeps runs on
// its own server, so every mode other than postgres reads the SQLite store.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (experiment.RunLister, func(), error) {
	if cfg.TrackingBackend == config.BackendPostgres {
		db, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
	s, err := openSQLite(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func (c *cli) exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored experiment runs to JSON or CSV",
		Long: `export reads every run from the tracking store and writes it to --out.
The format follows the file extension (.json or .csv). Without --out a
timestamped JSON file is written to KANSOKU_EXPORT_DIR.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, n, err := exportRuns(cmd.Context(), c.cfg, c.logger, out, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d runs to %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (.json or .csv)")
	return cmd
}

func exportRuns(ctx context.Context, cfg config.Config, logger *slog.Logger, path string, now time.Time) (string, int, error) {
	if cfg.TrackingBackend == config.BackendMLflow || cfg.TrackingBackend == config.BackendNoop {
		return "", 0, fmt.Errorf("export: tracking backend %q has no local run store", cfg.TrackingBackend)
	}
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return "", 0, err
	}
	defer closeStore()

	runs, err := store.ListRuns(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("export: list runs: %w", err)
	}
	if path == "" {
		name := fmt.Sprintf("experiment_data_%s.json", now.UTC().Format("20060102_150405"))
		path = filepath.Join(cfg.ExportDir, name)
	}
	if err := export.Experiments(path, export.ExperimentData{ExportedAt: now.UTC(), Runs: runs}); err != nil {
		return "", 0, err
	}
	logger.Info("experiment runs exported", "path", path, "runs", len(runs))
	return path, len(runs), nil
}

func (c *cli) tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token [viewer]",
		Short: "Issue a bearer token for the dashboard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.DashboardJWTSecret == "" {
				return errors.New("token: KANSOKU_DASHBOARD_JWT_SECRET is not set")
			}
			viewer := "dashboard"
			if len(args) == 1 {
				viewer = args[0]
			}
			mgr, err := auth.NewJWTManager(c.cfg.DashboardJWTSecret, c.cfg.DashboardTokenTTL)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			token, expiresAt, err := mgr.IssueToken(viewer)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kansoku %s\n", version)
		},
	}
}
