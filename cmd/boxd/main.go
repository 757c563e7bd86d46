// Command boxd serves disposable browser containers over HTTP.
//
// Usage:
//
//	boxd serve [--config path]
//	boxd cleanup [--config path]
//	boxd profiles [--config path]
//
// Sessions are created with POST /v1/sessions and proxied at /p/{id}/.
// Configuration lives in ~/.boxd/config.yaml, overridable with BOXD_*
// environment variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoobzio/boxd"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "boxd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "boxd",
		Short:         "Ephemeral browser container broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.boxd/config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newCleanupCmd(&configPath),
		newProfilesCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session broker daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Force-remove orphaned session containers and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := boxd.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			runner := &boxd.DockerRunner{}
			if err := runner.Ping(cmd.Context()); err != nil {
				return err
			}

			d := boxd.NewDispatcher(boxd.DispatcherConfig{
				Runner: runner,
				Logger: logger,
			})
			reclaimed, err := d.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d container(s)\n", reclaimed)
			return nil
		},
	}
}

func newProfilesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List discovered launch profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := boxd.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			dir, err := profilesDir(cfg)
			if err != nil {
				return err
			}
			profiles, err := boxd.DiscoverAllProfiles(dir)
			if err != nil {
				return err
			}
			for _, p := range profiles {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.Name, p.Config.Image)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the boxd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := boxd.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	runner := &boxd.DockerRunner{}
	if err := runner.Ping(ctx); err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	profDir, err := profilesDir(cfg)
	if err != nil {
		return err
	}

	dispatcher := boxd.NewDispatcher(boxd.DispatcherConfig{
		Runner:        runner,
		Store:         store,
		Logger:        logger,
		MaxSessions:   cfg.Session.MaxSessions,
		Image:         cfg.Runtime.Image,
		ContainerPort: cfg.Runtime.ContainerPort,
		ShmSize:       cfg.Runtime.ShmSize,
		DefaultTTL:    cfg.Session.DefaultTTL(),
		StopGrace:     cfg.Runtime.StopGrace(),
		AwaitTimeout:  cfg.Runtime.AwaitTimeout(),
		AwaitInterval: cfg.Runtime.AwaitInterval(),
		SweepInterval: cfg.Session.SweepInterval(),
		ProfilesDir:   profDir,
	})

	// Startup reconciliation: re-derive sessions from the mirror, then
	// sweep containers a previous process left behind.
	if err := dispatcher.Restore(ctx); err != nil {
		return err
	}
	if _, err := dispatcher.Cleanup(ctx); err != nil {
		logger.Warn("startup orphan sweep failed", "error", err)
	}
	dispatcher.StartSweep()

	go consumeEvents(dispatcher, logger)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           boxd.NewServer(dispatcher, runner, cfg.Session, profDir, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	dispatcher.Shutdown(shutdownCtx)
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}
	return nil
}

// openStore opens the durable session mirror, creating ~/.boxd as needed.
// A path of "off" disables durability.
func openStore(cfg boxd.Config, logger *slog.Logger) (boxd.Store, error) {
	path := cfg.Store.Path
	if path == "off" {
		return nil, nil
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir := filepath.Join(home, ".boxd")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		path = filepath.Join(dir, "sessions.db")
	}
	return boxd.OpenStore(path, logger)
}

func profilesDir(cfg boxd.Config) (string, error) {
	if cfg.Runtime.ProfilesDir != "" {
		return cfg.Runtime.ProfilesDir, nil
	}
	return boxd.DefaultProfilesDir()
}

// consumeEvents drains the dispatcher's event stream into the log until
// the channel closes at shutdown.
func consumeEvents(d *boxd.Dispatcher, logger *slog.Logger) {
	for event := range d.Events() {
		switch event.Type {
		case boxd.EventError:
			logger.Warn("lifecycle error", "session", event.Session, "error", event.Data)
		case boxd.EventSweepCompleted:
			if event.Count > 0 {
				logger.Info("event", "type", event.Type.String(), "count", event.Count)
			}
		default:
			logger.Debug("event", "type", event.Type.String(), "session", event.Session)
		}
	}
}

func newLogger(cfg boxd.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
