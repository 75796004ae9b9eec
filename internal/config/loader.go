package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// SetDefaults registers every recognized option with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8545)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("endpoints", []string{})

	v.SetDefault("rate_limit.detection_threshold", 0.5)
	v.SetDefault("rate_limit.min_cooldown", "60s")
	v.SetDefault("rate_limit.max_cooldown", "300s")
	v.SetDefault("rate_limit.backoff_multiplier", 2.0)
	v.SetDefault("rate_limit.history_window_size", 20)

	v.SetDefault("worker.request_timeout", "30s")
	v.SetDefault("worker.max_queue_size", 1000)
	v.SetDefault("worker.health_check_interval", "30s")
	v.SetDefault("worker.error_threshold", 3)

	v.SetDefault("router.max_hold_time", "120s")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "./data/statistics.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)
}

// Load decodes the viper state into a typed Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Store.HistoryWindowSize = cfg.RateLimit.HistoryWindowSize

	return cfg, nil
}
