package app

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/queryforge/queryforge/pkg/api"
	"github.com/queryforge/queryforge/pkg/config"
	"github.com/queryforge/queryforge/pkg/datasets"
	"github.com/queryforge/queryforge/pkg/logger"
	"github.com/queryforge/queryforge/pkg/sandbox/pool"
	"github.com/queryforge/queryforge/pkg/sandbox/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox daemon",
	Long:  "Start the HTTP API, the backend health checks, and the session manager, then serve until interrupted.",
	RunE:  serveCmdFunc,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the configuration file")
	serveCmd.Flags().String("address", "", "HTTP listen address (overrides the configuration)")
	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Re-initialize so --debug and config-file settings take effect.
	logger.Initialize()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := datasets.Open(cfg.DatasetPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Cross-process session recovery needs the metadata store; without
	// it sessions die with this process.
	var metadata session.Store
	if cfg.SessionRedisAddr != "" {
		metadata, err = session.NewRedisStore(ctx, cfg.SessionRedisAddr)
		if err != nil {
			logger.Warnf("session metadata store unavailable, sessions will not survive restarts: %v", err)
			metadata = nil
		}
	}

	endpoints := cfg.Endpoints()
	manager := session.NewManager(endpoints, metadata)
	p := pool.New(endpoints, manager)
	p.Start(ctx)
	defer p.Stop()

	server := api.NewServer(cfg.Address, p, store)
	return server.Serve(ctx)
}
