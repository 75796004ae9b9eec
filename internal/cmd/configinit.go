package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
	"github.com/spf13/viper"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long:  "Write the default configuration to rpcsentinel.yaml (or the given path).",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "rpcsentinel.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		defaults := viper.New()
		config.SetDefaults(defaults)
		cfg, err := config.Load(defaults)
		if err != nil {
			return err
		}

		rendered, err := renderConfigYAML(cfg)
		if err != nil {
			return err
		}

		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
		}

		if err := os.WriteFile(path, rendered, 0o644); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

// renderConfigYAML marshals the config with a usage header.
func renderConfigYAML(cfg *config.Config) ([]byte, error) {
	header := []byte(`# rpcsentinel configuration.
# Every key can be overridden with an RPCSENTINEL_-prefixed environment
# variable, e.g. RPCSENTINEL_SERVER.PORT=9545.

`)

	doc := map[string]any{
		"server": map[string]any{
			"host":             cfg.Server.Host,
			"port":             cfg.Server.Port,
			"shutdown_timeout": cfg.Server.ShutdownTimeout.String(),
		},
		"endpoints": []string{
			"https://eth.example.com/rpc",
			"https://backup.example.com/rpc",
		},
		"rate_limit": map[string]any{
			"detection_threshold": cfg.RateLimit.DetectionThreshold,
			"min_cooldown":        cfg.RateLimit.MinCooldown.String(),
			"max_cooldown":        cfg.RateLimit.MaxCooldown.String(),
			"backoff_multiplier":  cfg.RateLimit.BackoffMultiplier,
			"history_window_size": cfg.RateLimit.HistoryWindowSize,
		},
		"worker": map[string]any{
			"request_timeout":       cfg.Worker.RequestTimeout.String(),
			"max_queue_size":        cfg.Worker.MaxQueueSize,
			"health_check_interval": cfg.Worker.HealthCheckInterval.String(),
			"error_threshold":       cfg.Worker.ErrorThreshold,
		},
		"router": map[string]any{
			"max_hold_time": cfg.Router.MaxHoldTime.String(),
		},
		"store": map[string]any{
			"driver": cfg.Store.Driver,
			"path":   cfg.Store.Path,
		},
		"logging": map[string]any{
			"level": cfg.Logging.Level,
		},
		"metrics": map[string]any{
			"enabled": cfg.Metrics.Enabled,
		},
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	return append(header, body...), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
}
