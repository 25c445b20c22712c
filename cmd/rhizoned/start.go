package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/servalmesh/rhizome/internal/config"
	"github.com/servalmesh/rhizome/internal/node"
	"github.com/servalmesh/rhizome/internal/telemetry"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the rhizome node",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().String("log-level", "development", "log level: development or production")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger, err := telemetry.NewLogger(logLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !filepath.IsAbs(cfg.Store.DBPath) {
		cfg.Store.DBPath = filepath.Join(homeDir, cfg.Store.DBPath)
	}

	// Hardware link transports (serial radios) are opened by the
	// deployment environment, not this CLI; a nil transport here leaves
	// the link subsystem disabled, same as an empty cfg.Link.Device.
	n, err := node.New(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	fmt.Printf("rhizome node %q started, control surface on %s. Press Ctrl+C to stop.\n", cfg.Moniker, cfg.RPC.HTTPAddr)

	<-ctx.Done()
	fmt.Println("\nshutdown signal received...")

	return n.Stop()
}

// loadConfig reads path as a TOML config, falling back to defaults if
// the file does not exist (init writes one, so this covers a home
// directory that init was never run on).
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := config.DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
