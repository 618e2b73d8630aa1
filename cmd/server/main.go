package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/denwilliams/go-device-sync/pkg/config"
	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/logging"
	"github.com/denwilliams/go-device-sync/pkg/mqtt"
	"github.com/denwilliams/go-device-sync/pkg/state"
	"github.com/denwilliams/go-device-sync/pkg/strategy"
	"github.com/denwilliams/go-device-sync/pkg/topics"
	"github.com/denwilliams/go-device-sync/pkg/web"
)

var (
	// Build-time variables
	version   = "dev"
	buildDate = "unknown"
)

const (
	appName         = "Device Sync"
	shutdownTimeout = 30 * time.Second
)

type Application struct {
	configPath   string
	config       *config.Config
	logger       *zap.Logger
	stateManager *state.Manager
	ackEngine    *strategy.Engine
	multiplexer  *topics.Multiplexer
	mqttClient   *mqtt.Client
	tracker      *devicesync.Tracker
	webServer    *web.Server
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "device-sync",
		Short:         "Publishes device commands over MQTT and tracks their acknowledgement",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApplication(configPath)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Cleanup()

			return app.Run(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Path to configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (built %s)\n", appName, version, buildDate)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			manager, err := state.NewManager(cfg.Database, logger)
			if err != nil {
				return err
			}
			logger.Info("Migrations completed successfully")
			return manager.Close()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshots [kind/id...]",
		Short: "List the persisted device sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]devicesync.Key, 0, len(args))
			for _, arg := range args {
				key, err := devicesync.ParseKey(arg)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			manager, err := state.NewManager(cfg.Database, zap.NewNop())
			if err != nil {
				return err
			}
			defer manager.Close()

			snapshots, err := manager.LoadSnapshots()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), snapshotTable(filterSnapshots(snapshots, keys)))
			return nil
		},
	})

	return cmd
}

// filterSnapshots keeps the snapshots of keys, or all of them when keys is empty.
func filterSnapshots(snapshots []devicesync.Snapshot, keys []devicesync.Key) []devicesync.Snapshot {
	if len(keys) == 0 {
		return snapshots
	}

	wanted := make(map[devicesync.Key]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}

	result := make([]devicesync.Snapshot, 0, len(keys))
	for _, s := range snapshots {
		if wanted[s.Key] {
			result = append(result, s)
		}
	}
	return result
}

func snapshotTable(snapshots []devicesync.Snapshot) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("DEVICE", "STATE", "GENERATION", "UPDATED", "LAST COMMAND")
	for _, s := range snapshots {
		table.AddRow(s.Key.String(), s.State, s.Generation, s.UpdatedAt.Format(time.RFC3339), s.LastCommand)
	}
	return table
}

func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger.Info("Starting "+appName, zap.String("version", version), zap.String("config", configPath))

	app := &Application{
		configPath: configPath,
		config:     cfg,
		logger:     logger,
	}

	if err := app.initializeComponents(); err != nil {
		app.Cleanup()
		return nil, err
	}

	return app, nil
}

func (a *Application) initializeComponents() error {
	var err error

	a.stateManager, err = state.NewManager(a.config.Database, a.logger)
	if err != nil {
		return err
	}

	a.ackEngine, err = strategy.NewEngineFromConfig(ackRules(a.config.Sync), a.logger)
	if err != nil {
		return err
	}

	a.mqttClient = mqtt.NewClient(a.config.MQTT, a.logger)
	a.multiplexer = topics.NewMultiplexer(a.mqttClient, a.logger)
	a.mqttClient.SetTopicManager(a.multiplexer)
	a.mqttClient.SetOnConnect(a.multiplexer.Resubscribe)

	a.tracker = devicesync.NewTracker(devicesync.Options{
		Publisher:  a.mqttClient,
		Listeners:  a.multiplexer,
		Topics:     topics.NewTopicBuilder(a.config.Topics.Root),
		Matcher:    a.ackEngine,
		Snapshots:  a.stateManager,
		AckTimeout: a.config.Sync.AckTimeout,
		Logger:     a.logger,
	})

	a.webServer = web.NewServer(a.config, web.Dependencies{
		Tracker:       a.tracker,
		Subscriptions: a.multiplexer,
		AckRules:      a.ackEngine,
		Connection:    a.mqttClient,
		DatabaseType:  a.stateManager.Type(),
		Version:       version,
	}, a.logger)

	a.logger.Info("All components initialized")
	return nil
}

// restore reloads persisted device state. Devices still waiting for an ack
// need the broker, so their presence opens the connection early.
func (a *Application) restore(ctx context.Context) {
	snapshots, err := a.stateManager.LoadSnapshots()
	if err != nil {
		a.logger.Warn("Failed to load device snapshots", zap.Error(err))
		return
	}

	a.tracker.Restore(snapshots)

	for _, s := range snapshots {
		if s.State == devicesync.StateSyncing {
			go func() {
				if err := a.mqttClient.EnsureConnected(ctx); err != nil {
					a.logger.Warn("Broker not reachable yet", zap.Error(err))
				}
			}()
			return
		}
	}
}

// Run blocks until ctx is cancelled or a component fails.
func (a *Application) Run(ctx context.Context) error {
	a.restore(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.stateManager.Run(ctx)
	})

	g.Go(func() error {
		return a.webServer.Start()
	})

	g.Go(func() error {
		if err := config.Watch(ctx, a.configPath, a.logger, a.applyConfig); err != nil {
			a.logger.Warn("Configuration reload disabled", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down")
		a.shutdown()
		return nil
	})

	a.logger.Info("Application started")
	err := g.Wait()
	a.logger.Info("Application shutdown complete")
	return err
}

// applyConfig hot-swaps the ack rules. Every other section needs a restart.
func (a *Application) applyConfig(cfg *config.Config) {
	if err := a.ackEngine.Reload(ackRules(cfg.Sync)); err != nil {
		a.logger.Error("Failed to reload ack rules", zap.Error(err))
	}
}

func ackRules(cfg config.SyncConfig) strategy.RuleSet {
	return strategy.RuleSet{
		AckToken:      cfg.AckToken,
		Scripts:       cfg.AckScripts,
		ScriptTimeout: cfg.AckScriptTimeout,
	}
}

func (a *Application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.webServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Error shutting down web server", zap.Error(err))
	}

	a.tracker.Close()
	a.mqttClient.Close()
}

func (a *Application) Cleanup() {
	if a.stateManager != nil {
		if err := a.stateManager.Close(); err != nil {
			a.logger.Error("Error closing state manager", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
