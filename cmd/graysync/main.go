// Gray Logic Sync - device synchronisation engine
//
// graysync keeps a local device registry in step with external IoT
// platforms (Golioth, AWS IoT Core, Azure IoT Hub, MQTT brokers and signed
// webhooks). It runs the sync queue, the auto-sync scheduler, conflict
// detection and the notification fan-out behind one REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/nerrad567/gray-logic-sync/migrations"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "graysync",
		Short:         "Device synchronisation engine for IoT platforms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"configuration file (default $GRAYSYNC_CONFIG or "+defaultConfigPath+")")

	load := func() (*config.Config, string, error) {
		path := getConfigPath(configPath)
		if err := config.LoadDotEnv(); err != nil {
			return nil, path, err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("loading config: %w", err)
		}
		return cfg, path, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newPruneLogsCmd(load),
		newSyncNowCmd(load),
		newTokenCmd(load),
		newVersionCmd(),
	)
	return root
}

// configLoader loads and validates the configuration, returning the path used.
type configLoader func() (*config.Config, string, error)

// getConfigPath returns the configuration file path.
// The --config flag wins, then GRAYSYNC_CONFIG, then the default.
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv("GRAYSYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
