package hooks

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the [hooks] section of the relay config.
//
// Env holds KEY=VALUE entries rather than a table so variable names keep
// their case through the config loader, which folds map keys to lowercase.
type Config struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled"`
	ScriptPath string        `mapstructure:"script_path" json:"script_path"`
	ScriptArgs []string      `mapstructure:"script_args" json:"script_args"`
	Env        []string      `mapstructure:"env" json:"env"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
}

// EnvMap parses Env into variable overrides. Later entries win.
func (c Config) EnvMap() (map[string]string, error) {
	if len(c.Env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(c.Env))
	for _, entry := range c.Env {
		key, val, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("hooks: env entry %q must be KEY=VALUE", entry)
		}
		out[key] = val
	}
	return out, nil
}

// Validate reports every problem with an enabled hook section at once.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.ScriptPath == "" {
		errs = append(errs, errors.New("hooks: script_path required when enabled"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("hooks: timeout must not be negative"))
	}
	if _, err := c.EnvMap(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ScriptHandler returns the handler that pipes ledger events to ScriptPath,
// or nil when hooks are disabled.
func (c Config) ScriptHandler() (Handler, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	env, _ := c.EnvMap()
	return NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     env,
		Timeout: c.Timeout,
	}), nil
}
