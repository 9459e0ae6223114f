package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gsignond/gsignond-go/internal/acm"
	"github.com/gsignond/gsignond-go/internal/config"
	"github.com/gsignond/gsignond-go/internal/daemon"
	"github.com/gsignond/gsignond-go/internal/plugin/discovery"
	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/plugin/sign"
	"github.com/gsignond/gsignond-go/internal/storage/metadatadb"
	"github.com/gsignond/gsignond-go/internal/storage/secretdb"
	"github.com/gsignond/gsignond-go/internal/storage/storagemgr"
	"github.com/gsignond/gsignond-go/internal/uibroker"
	"github.com/gsignond/gsignond-go/internal/uibroker/stdioagent"
)

const reapInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	var uiHelperPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until signalled to stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString(configFlagName)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, uiHelperPath)
		},
	}
	cmd.Flags().StringVar(&uiHelperPath, "ui-helper", "", "path to the external UI helper binary")
	return cmd
}

// serve wires every long-lived collaborator spec.md §2's control-flow
// table names into one Daemon and runs it until ctx is cancelled by a
// termination signal.
func serve(parentCtx context.Context, cfg *config.Config, uiHelperPath string) error {
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	storage, err := buildStorageManager(cfg)
	if err != nil {
		return fmt.Errorf("build storage manager: %w", err)
	}
	if err := storage.InitializeStorage(); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	location, err := storage.MountFilesystem()
	if err != nil {
		return fmt.Errorf("mount filesystem: %w", err)
	}

	metaDB, err := metadatadb.Open(filepath.Join(location, cfg.Storage.MetadataDBFilename))
	if err != nil {
		return fmt.Errorf("open metadata db: %w", err)
	}
	secretDB, err := secretdb.Open(filepath.Join(location, cfg.Storage.SecretDBFilename))
	if err != nil {
		return fmt.Errorf("open secret db: %w", err)
	}

	acmMgr := acm.New()

	signingKey, err := sign.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate capability signing key: %w", err)
	}

	pluginConfig, err := json.Marshal(pluginBootConfig{RuntimeDir: os.TempDir()})
	if err != nil {
		return fmt.Errorf("marshal plugin config: %w", err)
	}

	paths, err := discovery.ScanPluginsDir(cfg.General.PluginsDir)
	if err != nil {
		return fmt.Errorf("scan plugins dir: %w", err)
	}
	disc, err := discovery.Discover(ctx, paths, pluginConfig, signingKey, logger)
	if err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}
	for method := range disc.Methods {
		logger.Info("registered method plugin", "method", method)
	}

	starter := discovery.VerifyingStarter(disc.Locator, pluginConfig, disc.Manifests, &signingKey.PublicKey)
	pluginFactory := factory.New(starter, cfg.General.PluginTimeout, logger)

	var agent uibroker.Agent
	var helper *stdioagent.Agent
	if uiHelperPath != "" {
		helper = stdioagent.New(uiHelperPath, logger)
		agent = helper
	}
	broker := uibroker.New(agent, logger)
	if helper != nil {
		helper.SetCallbacks(broker.Finish, broker.Refresh)
		defer func() { _ = helper.Close() }()
	}

	runDaemon(ctx, logger, daemonConfig{
		cfg: cfg, acm: acmMgr, metaDB: metaDB, secretDB: secretDB,
		storage: storage, factory: pluginFactory, broker: broker, methods: disc.Methods,
	})
	return nil
}

type pluginBootConfig struct {
	RuntimeDir string `json:"runtime_dir"`
}

type daemonConfig struct {
	cfg      *config.Config
	acm      *acm.Manager
	metaDB   *metadatadb.DB
	secretDB *secretdb.DB
	storage  storagemgr.Manager
	factory  *factory.Factory
	broker   *uibroker.Broker
	methods  map[string][]string
}

func runDaemon(ctx context.Context, logger *slog.Logger, d daemonConfig) {
	dmn := daemon.New(daemon.Config{
		ACM:             d.acm,
		MetaDB:          d.metaDB,
		SecretDB:        d.secretDB,
		Storage:         d.storage,
		Factory:         d.factory,
		Broker:          d.broker,
		Methods:         d.methods,
		IdentityTimeout: d.cfg.ObjectTimeouts.IdentityTimeout,
		DaemonTimeout:   d.cfg.ObjectTimeouts.DaemonTimeout,
		Logger:          logger,
	})

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	logger.Info("gsignond started", "methods", len(d.methods))
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := dmn.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", "error", err)
			}
			return
		case <-ticker.C:
			n := dmn.ReapIdentities()
			if n > 0 {
				logger.Debug("reaped idle identities", "count", n)
			}
			if dmn.Idle() {
				logger.Info("daemon idle past DaemonTimeout, exiting")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := dmn.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown error", "error", err)
				}
				cancel()
				return
			}
		}
	}
}

func buildStorageManager(cfg *config.Config) (storagemgr.Manager, error) {
	location := cfg.General.SecureDir
	if location == "" {
		var err error
		location, err = storagemgr.DefaultLocation(cfg.General.StoragePath)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.General.Extension {
	case "secure-age":
		return storagemgr.NewSecure(location, cfg.Storage.SecretDBFilename, cfg.Storage.FileEncryptionKey, cfg.Storage.FileEncryptionSalt)
	default:
		return storagemgr.NewPlain(location), nil
	}
}

