package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/workersyncd/internal/activation"
	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/git"
	"github.com/schaermu/workersyncd/internal/report"
	"github.com/schaermu/workersyncd/internal/retention"
	"github.com/schaermu/workersyncd/internal/scheduler"
	"github.com/schaermu/workersyncd/internal/supervisor"
	reconcile "github.com/schaermu/workersyncd/internal/sync"
	"github.com/schaermu/workersyncd/internal/webhook"
)

// shutdownTimeout bounds how long serve waits for in-flight cycles on exit
const shutdownTimeout = 2 * time.Minute

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	jsonOut   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "workersyncd",
	Short: "Keep a worker's working copy in sync with Git and back up its state",
	Long: `workersyncd keeps the git working copy of a long-running generation worker
in step with its remote, restarting the worker when critical files change, and
captures bounded backups of its configuration, images, logs and service state.

It can run single cycles (sync, backup) or as a long-running daemon (serve)
that schedules both cycles and exposes status, metrics and a GitHub webhook.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation cycle",
	Long: `Sync stashes local changes, fetches and pulls the configured branch,
restarts the worker if critical paths changed, restores the stash and pushes
the local changes back as an auto-sync commit.

The cycle report is written to the state directory. Git and service failures
are recorded in the report and do not change the exit code.`,
	RunE: runSync,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture one backup and apply retention",
	Long: `Backup copies configuration files, recent images, log tails and service
health and stats into the backup directory, prunes each bucket to its retention
limit and publishes the result to the repository.`,
	RunE: runBackup,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the status server",
	Long: `Serve runs the sync and backup cycles on their configured intervals and
starts an HTTP server with manual triggers, status, metrics and an optional
GitHub push webhook. A sync cycle runs immediately at startup.

The listener is taken from systemd socket activation when available.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last sync and backup records",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("workersyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/workersyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	statusCmd.Flags().BoolVar(&jsonOut, "json", false, "print the records as JSON")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// app holds the components shared by all commands
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	git        git.Client
	supervisor *supervisor.Client
	sink       *report.Sink
	worktree   *sync.Mutex
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	return &app{
		cfg:        cfg,
		logger:     logger,
		git:        git.NewShellClient(cfg.Repo.Dir, cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, cfg.Repo.Timeout),
		supervisor: supervisor.New(cfg.Service, logger),
		sink:       report.NewSink(cfg.Paths.StateDir),
		worktree:   &sync.Mutex{},
	}
}

func (a *app) reconciler(dryRun bool) (*reconcile.Reconciler, error) {
	return reconcile.NewReconciler(a.cfg, a.git, a.supervisor, a.sink, a.worktree, a.logger, dryRun)
}

func (a *app) store() *retention.Store {
	return retention.NewStore(a.cfg, a.git, a.supervisor, a.sink, a.worktree, a.logger)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rec, err := newApp(cfg, logger).reconciler(dryRun)
	if err != nil {
		return err
	}

	rep, err := rec.Run(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	if rep.Outcome != report.Completed {
		logger.Warn("sync did not complete cleanly", "outcome", string(rep.Outcome), "errors", len(rep.Errors))
	}
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	summary, err := newApp(cfg, logger).store().Capture(ctx)
	if err != nil {
		logger.Error("backup failed", "error", err)
		return err
	}
	if summary.Outcome != report.Completed {
		logger.Warn("backup did not complete cleanly", "outcome", string(summary.Outcome), "errors", len(summary.Errors))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a := newApp(cfg, logger)
	sched, err := a.scheduler()
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, sched, a.sink, logger)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen(cfg.Serve.ListenAddr, "workersyncd")
	if err != nil {
		return err
	}
	logger.Info("status server listener ready", "addr", ln.Addr().String(), "socket_activated", activated)

	var initial []scheduler.Kind
	if cfg.SyncEnabled() {
		initial = append(initial, scheduler.KindSync)
	}
	sched.Start(initial...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping scheduler, waiting for running cycles")
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := sched.Stop(stopCtx); err != nil {
			return fmt.Errorf("scheduler did not stop cleanly: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// scheduler registers the enabled cycles
func (a *app) scheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.logger)

	if a.cfg.SyncEnabled() {
		rec, err := a.reconciler(false)
		if err != nil {
			return nil, err
		}
		err = sched.Register(scheduler.KindSync, a.cfg.Schedule.SyncInterval, func(ctx context.Context) error {
			_, err := rec.Run(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if a.cfg.BackupEnabled() {
		store := a.store()
		err := sched.Register(scheduler.KindBackup, a.cfg.Schedule.BackupInterval, func(ctx context.Context) error {
			_, err := store.Capture(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return sched, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return printStatus(cmd.OutOrStdout(), report.NewSink(cfg.Paths.StateDir), jsonOut)
}

func printStatus(w io.Writer, sink *report.Sink, asJSON bool) error {
	lastSync, err := sink.LastSync()
	if err != nil && !report.IsNoRecord(err) {
		return err
	}
	lastBackup, err := sink.LastBackup()
	if err != nil && !report.IsNoRecord(err) {
		return err
	}

	if asJSON {
		return writeStatusJSON(w, lastSync, lastBackup)
	}
	writeStatusText(w, lastSync, lastBackup)
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "workersyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.Dir,
		"remote", cfg.Repo.Remote,
		"branch", cfg.Repo.Branch,
		"auth", cfg.AuthMethod(),
		"state_dir", cfg.Paths.StateDir,
		"backup_dir", cfg.Paths.BackupDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
