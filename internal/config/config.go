// Package config loads relay-authz settings: built-in defaults, overlaid by
// config.toml, overlaid by RELAY_AUTHZ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tokligence/relay-authz/internal/authz"
	"github.com/tokligence/relay-authz/internal/event"
	"github.com/tokligence/relay-authz/internal/hooks"
	"github.com/tokligence/relay-authz/internal/ledger"
)

const (
	// DefaultFile is read from the working directory when no path is given.
	DefaultFile = "config.toml"
	// EnvPrefix prefixes every environment override, e.g.
	// RELAY_AUTHZ_COST_PER_EVENT=5.
	EnvPrefix = "RELAY_AUTHZ"

	DefaultAdmissionMessage = "Your public key has been admitted to the relay."
	// DefaultAdmission is the minimum balance, in msat, to publish.
	DefaultAdmission int64 = 1000
)

// Config is the full service configuration.
type Config struct {
	Info    InfoConfig    `mapstructure:"info"`
	Cost    CostConfig    `mapstructure:"cost"`
	Payment PaymentConfig `mapstructure:"payment"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Server  ServerConfig  `mapstructure:"server"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Hooks   hooks.Config  `mapstructure:"hooks"`
	Log     LogConfig     `mapstructure:"log"`

	// Source is the file the values came from; empty when only defaults apply.
	Source string `mapstructure:"-"`
	// Warnings collects non-fatal problems met while loading.
	Warnings []string `mapstructure:"-"`
}

// InfoConfig identifies the relay and the keys the admission policy trusts.
type InfoConfig struct {
	RelayURL             string   `mapstructure:"relay_url"`
	NostrKey             string   `mapstructure:"nostr_key"`
	ZapperKey            string   `mapstructure:"zapper_key"`
	Denylist             []string `mapstructure:"denylist"`
	TrustedKeys          []string `mapstructure:"trusted_keys"`
	AdmissionMessage     string   `mapstructure:"admission_message"`
	BalanceNotifications bool     `mapstructure:"balance_notifications"`
}

// CostConfig holds prices in millisatoshis.
type CostConfig struct {
	Admission int64 `mapstructure:"admission"`
	PerEvent  int64 `mapstructure:"per_event"`
}

// PaymentConfig controls how payment ingestion failures affect the verdict.
type PaymentConfig struct {
	FailurePolicy string `mapstructure:"failure_policy"`
}

// LedgerConfig selects and tunes the balance store.
type LedgerConfig struct {
	Backend                string `mapstructure:"backend"` // sqlite | postgres | memory
	Path                   string `mapstructure:"path"`
	DSN                    string `mapstructure:"dsn"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes"`
	ConnMaxIdleMinutes     int    `mapstructure:"conn_max_idle_minutes"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	GRPCAddress     string        `mapstructure:"grpc_address"`
	AdminAddress    string        `mapstructure:"admin_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NotifyConfig sizes the direct-message queue and its circuit breaker.
type NotifyConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	Workers         int           `mapstructure:"workers"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// LogConfig sets the zap level and an optional file sink.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Ledger backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("info.relay_url", "")
	v.SetDefault("info.nostr_key", "")
	v.SetDefault("info.zapper_key", "")
	v.SetDefault("info.denylist", []string{})
	v.SetDefault("info.trusted_keys", []string{})
	v.SetDefault("info.admission_message", DefaultAdmissionMessage)
	v.SetDefault("info.balance_notifications", false)

	v.SetDefault("cost.admission", DefaultAdmission)
	v.SetDefault("cost.per_event", 0)

	v.SetDefault("payment.failure_policy", string(authz.FailOpen))

	v.SetDefault("ledger.backend", BackendSQLite)
	v.SetDefault("ledger.path", "relay-authz.db")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.max_open_conns", 0)
	v.SetDefault("ledger.max_idle_conns", 0)
	v.SetDefault("ledger.conn_max_lifetime_minutes", 0)
	v.SetDefault("ledger.conn_max_idle_minutes", 0)

	v.SetDefault("server.grpc_address", "[::1]:50051")
	v.SetDefault("server.admin_address", "127.0.0.1:8089")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.workers", 1)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.breaker_failures", 5)
	v.SetDefault("notify.breaker_cooldown", 30*time.Second)

	v.SetDefault("hooks.enabled", false)
	v.SetDefault("hooks.script_path", "")
	v.SetDefault("hooks.script_args", []string{})
	v.SetDefault("hooks.env", []string{})
	v.SetDefault("hooks.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Default returns the configuration used when no file is present.
func Default() Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (DefaultFile when empty). A missing or unreadable file is
// not fatal: the defaults apply and a warning is recorded. Values that are
// present but invalid are an error.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultFile
	}
	v := newViper()
	v.SetConfigFile(path)

	var warnings []string
	source := path
	if err := v.ReadInConfig(); err != nil {
		source = ""
		if errors.Is(err, os.ErrNotExist) {
			warnings = append(warnings, fmt.Sprintf("config file %s not found, using defaults", path))
		} else {
			warnings = append(warnings, fmt.Sprintf("config file %s unreadable, using defaults: %v", path, err))
			// a half-parsed file must not leak partial values
			v = newViper()
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Source = source
	cfg.Warnings = append(warnings, cfg.Warnings...)
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// normalize rewrites every key to lowercase hex so lookups compare equal to
// authors decoded off the wire.
func (c *Config) normalize() error {
	var err error
	if c.Info.ZapperKey != "" {
		if c.Info.ZapperKey, err = event.NormalizePrincipal(c.Info.ZapperKey); err != nil {
			return fmt.Errorf("info.zapper_key: %w", err)
		}
	}
	if c.Info.NostrKey != "" {
		if c.Info.NostrKey, err = event.NormalizeSecret(c.Info.NostrKey); err != nil {
			return fmt.Errorf("info.nostr_key: %w", err)
		}
	}
	if c.Info.Denylist, err = normalizeList("info.denylist", c.Info.Denylist); err != nil {
		return err
	}
	if c.Info.TrustedKeys, err = normalizeList("info.trusted_keys", c.Info.TrustedKeys); err != nil {
		return err
	}
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	c.Payment.FailurePolicy = strings.ToLower(strings.TrimSpace(c.Payment.FailurePolicy))
	return nil
}

func normalizeList(field string, keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		n, err := event.NormalizePrincipal(k)
		if err != nil {
			return nil, fmt.Errorf("%s: %q: %w", field, k, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Ledger.Path) == "" {
			return errors.New("ledger.path required for sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			return errors.New("ledger.dsn required for postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("ledger.backend %q: want sqlite, postgres or memory", c.Ledger.Backend)
	}
	if _, err := authz.ParseFailurePolicy(c.Payment.FailurePolicy); err != nil {
		return err
	}
	if c.Cost.Admission < 0 || c.Cost.PerEvent < 0 {
		return errors.New("cost: admission and per_event must not be negative")
	}
	if strings.TrimSpace(c.Server.GRPCAddress) == "" {
		return errors.New("server.grpc_address required")
	}
	for name, d := range map[string]time.Duration{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"notify.timeout":          c.Notify.Timeout,
		"notify.breaker_cooldown": c.Notify.BreakerCooldown,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Notify.QueueSize < 0 || c.Notify.Workers < 0 {
		return errors.New("notify: queue_size and workers must not be negative")
	}
	return c.Hooks.Validate()
}

// Policy builds the admission policy.
func (c Config) Policy() authz.Policy {
	// Validate has already accepted the value
	fp, _ := authz.ParseFailurePolicy(c.Payment.FailurePolicy)
	return authz.Policy{
		Trusted:       c.Info.TrustedKeys,
		Denylist:      c.Info.Denylist,
		Zapper:        c.Info.ZapperKey,
		Cost:          ledger.Cost{Admission: c.Cost.Admission, PerEvent: c.Cost.PerEvent},
		FailurePolicy: fp,
	}
}

// NotifierConfigured reports whether direct messages can be delivered
// through a relay rather than only logged.
func (c Config) NotifierConfigured() bool {
	return strings.TrimSpace(c.Info.RelayURL) != "" && c.Info.NostrKey != ""
}
