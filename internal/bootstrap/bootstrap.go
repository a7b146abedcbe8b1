// Package bootstrap scaffolds a starter config.toml.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/relay-authz/internal/config"
	"github.com/tokligence/relay-authz/internal/event"
)

// InitOptions configures the generated file. Admission is written as given,
// so zero yields a relay that admits any known account.
type InitOptions struct {
	Root       string
	RelayURL   string
	ZapperKey  string
	Admission  int64
	PerEvent   int64
	LedgerPath string
	Force      bool
}

// Init writes <Root>/config.toml and returns its path.
func Init(opts InitOptions) (string, error) {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return "", err
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(opts.Root, config.DefaultFile)
	if err := writeFile(path, configTemplate(opts), opts.Force); err != nil {
		return "", err
	}
	return path, nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = "relay-authz.db"
	}
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	// the file may later hold the service secret key
	return os.WriteFile(path, []byte(contents), 0o600)
}

func configTemplate(opts InitOptions) string {
	zapper := opts.ZapperKey
	if zapper != "" {
		zapper, _ = event.NormalizePrincipal(zapper)
	}
	return fmt.Sprintf(`# relay-authz configuration
# Every key can be overridden with RELAY_AUTHZ_<SECTION>_<KEY>.

[info]
relay_url = %q
# service secret key (hex or nsec) used to sign direct messages
nostr_key = ""
zapper_key = %q
denylist = []
trusted_keys = []
admission_message = %q
balance_notifications = false

[cost]
admission = %d
per_event = %d

[payment]
# open admits the payment event even when crediting fails, closed denies it
failure_policy = "open"

[ledger]
backend = "sqlite"
path = %q
dsn = ""

[server]
grpc_address = "[::1]:50051"
# empty disables the admin HTTP API
admin_address = "127.0.0.1:8089"
shutdown_timeout = "10s"

[notify]
queue_size = 1024
workers = 1
timeout = "10s"
breaker_failures = 5
breaker_cooldown = "30s"

[hooks]
enabled = false
script_path = ""
# KEY=VALUE pairs passed to the script, e.g. ["API_TOKEN=secret"]
env = []

[log]
level = "info"
# dash disables file output
file = "-"
`, opts.RelayURL, zapper, config.DefaultAdmissionMessage, opts.Admission, opts.PerEvent, opts.LedgerPath)
}

// Validate checks options without touching the filesystem.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if u := strings.TrimSpace(opts.RelayURL); u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return errors.New("relay url must start with ws:// or wss://")
	}
	if opts.ZapperKey != "" {
		if _, err := event.NormalizePrincipal(opts.ZapperKey); err != nil {
			return fmt.Errorf("zapper key: %w", err)
		}
	}
	if opts.Admission < 0 || opts.PerEvent < 0 {
		return errors.New("costs must not be negative")
	}
	return nil
}
