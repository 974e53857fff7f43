// Package config loads the engine bootstrap settings from defaults, an
// optional YAML file and environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/riptide-engine/riptide/internal/configstore"
)

// EngineSettings tunes the runtime plumbing around the trading pipeline.
type EngineSettings struct {
	LogLevel   string        `yaml:"log_level"`
	StateDir   string        `yaml:"state_dir"`
	WarmupWait time.Duration `yaml:"warmup_wait"`
	RetainFor  time.Duration `yaml:"retain_for"`
	// StrategyScripts is a directory of JavaScript strategies loaded at
	// startup. Empty disables script loading.
	StrategyScripts string `yaml:"strategy_scripts"`
}

// TelemetrySettings configures the OTLP metrics exporter. An empty endpoint
// leaves telemetry on the no-op provider.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings is the full bootstrap tree. Trading carries the initial
// configuration document handed to the config store; runtime changes to it go
// through the store, not this file.
type Settings struct {
	Engine    EngineSettings       `yaml:"engine"`
	Telemetry TelemetrySettings    `yaml:"telemetry"`
	Trading   configstore.Document `yaml:"trading"`
}

// Default returns the settings used when no configuration file exists.
func Default() Settings {
	return Settings{
		Engine: EngineSettings{
			LogLevel:   "info",
			StateDir:   "state",
			WarmupWait: 30 * time.Second,
			RetainFor:  60 * time.Second,
		},
		Telemetry: TelemetrySettings{
			ServiceName: "riptide-engine",
		},
		Trading: configstore.Default(),
	}
}

// Load reads settings from path on top of the defaults and applies
// environment overrides last. A missing file is not an error; the second
// return reports whether the file was read.
func Load(path string) (Settings, bool, error) {
	cfg := Default()

	loaded := false
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Settings{}, false, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("config: parse %s: %w", path, err)
			}
			loaded = true
		}
	}

	applyEnv(&cfg)

	if err := cfg.Trading.Validate(nil); err != nil {
		return Settings{}, loaded, fmt.Errorf("config: trading section: %w", err)
	}
	return cfg, loaded, nil
}

func applyEnv(cfg *Settings) {
	if v := envValue("RIPTIDE_LOG_LEVEL"); v != "" {
		cfg.Engine.LogLevel = strings.ToLower(v)
	}
	if v := envValue("RIPTIDE_STATE_DIR"); v != "" {
		cfg.Engine.StateDir = v
	}
	if v := envValue("RIPTIDE_STRATEGY_SCRIPTS"); v != "" {
		cfg.Engine.StrategyScripts = v
	}
	if v := envValue("RIPTIDE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := envValue("RIPTIDE_SERVICE_NAME"); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	if v := envValue("RIPTIDE_TRADING_MODE"); v != "" {
		cfg.Trading.Trading.Mode = configstore.TradingMode(strings.ToLower(v))
	}
	if v := envValue("BINANCE_API_KEY"); v != "" {
		cfg.Trading.Binance.APIKey = v
	}
	if v := envValue("BINANCE_API_SECRET"); v != "" {
		cfg.Trading.Binance.APISecret = v
	}
	if v := envValue("RIPTIDE_WARMUP_WAIT"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Engine.WarmupWait = dur
		}
	}
	if v := envValue("RIPTIDE_RETAIN_FOR"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Engine.RetainFor = dur
		}
	}
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
