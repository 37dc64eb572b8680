// Package config loads relay's configuration the way teranos-QNTX's am
// package loads its own: a viper instance bound to environment variables
// under a fixed prefix, layered over an optional config file, unmarshaled
// into a typed struct cached behind a package-level singleton.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

// BrokerConfig addresses the shared Redis broker.
type BrokerConfig struct {
	Addr string `mapstructure:"addr"`
}

// WorkerConfig holds the defaults a worker boots with absent explicit
// per-instance overrides (spec.md §6: worker id, rate limit, home queue and
// drain timeout are all individually overridable via env vars).
type WorkerConfig struct {
	ID                 string        `mapstructure:"id"`
	HomeQueue          string        `mapstructure:"home_queue"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	MaxRetries         int           `mapstructure:"max_retries"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	EncryptionKey      string        `mapstructure:"encryption_key"`
}

// HealthConfig mirrors health.Config's tunables so an operator can retarget
// the Health Monitor's cycle and thresholds without a code change.
type HealthConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	StuckThreshold  time.Duration `mapstructure:"stuck_threshold"`
	DLQScanN        int64         `mapstructure:"dlq_scan_n"`
	MaxDLQRetries   int           `mapstructure:"max_dlq_retries"`
	HistoryCapacity int           `mapstructure:"history_capacity"`
}

// DispatcherConfig holds the Selector/Balancer tunables: the default
// ranking strategy and the fixed bonuses §4.7/§D apply on top of the base
// score.
type DispatcherConfig struct {
	Strategy              string        `mapstructure:"strategy"`
	ZoneBonus             float64       `mapstructure:"zone_bonus"`
	CostBonus             float64       `mapstructure:"cost_bonus"`
	SpeedBonus            float64       `mapstructure:"speed_bonus"`
	BalanceInterval       time.Duration `mapstructure:"balance_interval"`
	MigrationCapPerCycle  int           `mapstructure:"migration_cap_per_cycle"`
	MigrationCapPerWorker int           `mapstructure:"migration_cap_per_worker"`
}

// Config is the fully assembled configuration for one relay process,
// whether it runs a worker, the control-plane CLI, or both.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Health     HealthConfig     `mapstructure:"health"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	LogLevel   string           `mapstructure:"log_level"`
	LogJSON    bool             `mapstructure:"log_json"`
}

// SetDefaults installs every default value this package relies on absent
// an env var or config file override.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.addr", "localhost:6379")

	v.SetDefault("worker.max_concurrency", 5)
	v.SetDefault("worker.rate_limit_per_minute", 60)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.drain_timeout", 30*time.Second)
	v.SetDefault("worker.default_timeout", 5*time.Minute)

	v.SetDefault("health.check_interval", 5*time.Second)
	v.SetDefault("health.stuck_threshold", time.Hour)
	v.SetDefault("health.dlq_scan_n", 50)
	v.SetDefault("health.max_dlq_retries", 3)
	v.SetDefault("health.history_capacity", 1000)

	v.SetDefault("dispatcher.strategy", "top_score")
	v.SetDefault("dispatcher.zone_bonus", 5.0)
	v.SetDefault("dispatcher.cost_bonus", 3.0)
	v.SetDefault("dispatcher.speed_bonus", 3.0)
	v.SetDefault("dispatcher.balance_interval", 30*time.Second)
	v.SetDefault("dispatcher.migration_cap_per_cycle", 10)
	v.SetDefault("dispatcher.migration_cap_per_worker", 5)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// BindEnvVars explicitly binds the env vars spec.md §6 calls out by name,
// so they resolve even though their config keys live under a nested
// section that AutomaticEnv's key replacer alone would reach only via the
// RELAY_WORKER_* form.
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("broker.addr", "RELAY_BROKER_URL")
	_ = v.BindEnv("worker.id", "RELAY_WORKER_ID")
	_ = v.BindEnv("worker.rate_limit_per_minute", "RELAY_RATE_LIMIT")
	_ = v.BindEnv("worker.home_queue", "RELAY_HOME_QUEUE")
	_ = v.BindEnv("worker.drain_timeout", "RELAY_DRAIN_TIMEOUT")
	_ = v.BindEnv("worker.encryption_key", "RELAY_ENCRYPTION_KEY")
}

var (
	mu     sync.Mutex
	global *Config
)

// Load returns the cached singleton, building it on first use: SetDefaults,
// then an optional file at RELAY_CONFIG_FILE (or ./relay.toml if present),
// then RELAY_-prefixed env vars, in ascending precedence.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return global, nil
	}

	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("relay")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnvVars(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	global = cfg
	return global, nil
}

// Reset clears the cached singleton so the next Load call rebuilds it from
// scratch; tests call this between cases that set different env vars.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	global = nil
}
