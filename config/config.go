// Package config loads service configuration from a file, LEDGER_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/store/sqlite"
)

// EnvPrefix prefixes every environment override, e.g. LEDGER_DATABASE_PATH.
const EnvPrefix = "LEDGER"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Reconcile ReconcileConfig
	RateLimit RateLimitConfig
	Log       logging.Config
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

type DatabaseConfig struct {
	Path                 string
	PoolSize             int
	BusyTimeout          time.Duration
	RetryInitialInterval time.Duration
	RetryMultiplier      float64
	RetryMaxAttempts     int
}

// Store converts to the adapter's config.
func (d DatabaseConfig) Store() sqlite.Config {
	return sqlite.Config{
		Path:        d.Path,
		PoolSize:    d.PoolSize,
		BusyTimeout: d.BusyTimeout,
		Retry: sqlite.RetryConfig{
			InitialInterval: d.RetryInitialInterval,
			Multiplier:      d.RetryMultiplier,
			MaxAttempts:     d.RetryMaxAttempts,
		},
	}
}

type LedgerConfig struct {
	TargetPolicy credit.TargetPolicy
}

// ReconcileConfig drives the background job. Interval 0 disables it.
type ReconcileConfig struct {
	Interval  time.Duration
	OnStartup bool
}

// RateLimitConfig bounds payment requests per client. Zero disables it.
type RateLimitConfig struct {
	PaymentsPerSecond float64
	Burst             int
}

// NewViper returns a viper instance with defaults, config file search paths
// and environment binding in place.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.path", "./data/ledger.db")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("database.retry.multiplier", 2.0)
	v.SetDefault("database.retry.max_attempts", 5)

	v.SetDefault("ledger.target_policy", string(credit.TargetExact))

	v.SetDefault("reconcile.interval", time.Duration(0))
	v.SetDefault("reconcile.on_startup", false)

	v.SetDefault("ratelimit.payments_per_second", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	def := logging.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.output", def.Output)

	v.SetConfigName("ledger")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/credit-ledger")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. A non-empty file must exist; otherwise the
// search paths are tried and a missing file is fine.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			CORSOrigins:     v.GetStringSlice("server.cors_origins"),
		},
		Database: DatabaseConfig{
			Path:                 v.GetString("database.path"),
			PoolSize:             v.GetInt("database.pool_size"),
			BusyTimeout:          v.GetDuration("database.busy_timeout"),
			RetryInitialInterval: v.GetDuration("database.retry.initial_interval"),
			RetryMultiplier:      v.GetFloat64("database.retry.multiplier"),
			RetryMaxAttempts:     v.GetInt("database.retry.max_attempts"),
		},
		Ledger: LedgerConfig{
			TargetPolicy: credit.TargetPolicy(strings.ToLower(v.GetString("ledger.target_policy"))),
		},
		Reconcile: ReconcileConfig{
			Interval:  v.GetDuration("reconcile.interval"),
			OnStartup: v.GetBool("reconcile.on_startup"),
		},
		RateLimit: RateLimitConfig{
			PaymentsPerSecond: v.GetFloat64("ratelimit.payments_per_second"),
			Burst:             v.GetInt("ratelimit.burst"),
		},
		Log: logging.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.PoolSize < 1 {
		errs = append(errs, errors.New("database.pool_size must be at least 1"))
	}
	if c.Database.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("database.retry.max_attempts must be at least 1"))
	}
	if c.Database.RetryMultiplier < 1 {
		errs = append(errs, errors.New("database.retry.multiplier must be at least 1"))
	}
	if !c.Ledger.TargetPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("ledger.target_policy %q must be %q or %q",
			c.Ledger.TargetPolicy, credit.TargetExact, credit.TargetUpTo))
	}
	if c.Reconcile.Interval < 0 {
		errs = append(errs, errors.New("reconcile.interval cannot be negative"))
	}
	if c.RateLimit.PaymentsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values cannot be negative"))
	}
	return errors.Join(errs...)
}
