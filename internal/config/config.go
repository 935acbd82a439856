package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ServerDef describes one host in the fixed four-server fleet.
type ServerDef struct {
	Name string
	Host string
}

// Config holds all control-plane configuration, loaded once from
// environment variables at startup. Nothing downstream reaches for an
// ambient global; every engine and handler receives what it needs at
// construction time.
type Config struct {
	// Mode selects the runtime mode: "api" or "reconciler".
	Mode string `env:"CODEB_MODE" envDefault:"api"`

	// Server
	Host string `env:"CODEB_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"CODEB_PORT" envDefault:"8080"`

	// Persistence root. Registries, logs, units, and proxy configs all
	// live under this directory.
	BaseDir string `env:"CODEB_BASE_DIR" envDefault:"/var/lib/codeb"`

	// ProxySitesDir is where rendered Caddy site configs are written.
	ProxySitesDir string `env:"CODEB_PROXY_SITES_DIR" envDefault:"/etc/caddy/sites"`

	BaseDomain string `env:"CODEB_BASE_DOMAIN" envDefault:"codeb.dev"`

	// ImageOrg resolves the default image reference ghcr.io/{org}/{project}:{version}.
	ImageOrg string `env:"CODEB_IMAGE_ORG" envDefault:"codeb"`

	// Fleet is the fixed named set of servers the executor may target,
	// encoded as "name=host,name=host,...".
	Fleet string `env:"CODEB_FLEET" envDefault:"app=127.0.0.1"`

	// LocalServerName identifies which fleet member is "this host": a
	// command targeting it never transits the remote transport.
	LocalServerName string `env:"CODEB_LOCAL_SERVER" envDefault:"app"`

	// AppServer and ProxyServer name the fleet members (from Fleet above)
	// that run the application units and the Caddy reverse proxy.
	AppServer   string `env:"CODEB_APP_SERVER" envDefault:"app"`
	ProxyServer string `env:"CODEB_PROXY_SERVER" envDefault:"app"`

	// SSH transport for non-local fleet members.
	SSHUser           string `env:"CODEB_SSH_USER" envDefault:"codeb"`
	SSHKeyPath        string `env:"CODEB_SSH_KEY_PATH" envDefault:"/etc/codeb/id_ed25519"`
	SSHKnownHostsPath string `env:"CODEB_SSH_KNOWN_HOSTS" envDefault:"/etc/codeb/known_hosts"`

	// MaxConcurrentPerServer bounds the executor's per-target-server
	// concurrent command count.
	MaxConcurrentPerServer int `env:"CODEB_MAX_CONCURRENT_PER_SERVER" envDefault:"8"`

	// Timeouts, seconds, matching spec §5 defaults.
	DeployTimeoutSeconds   int `env:"CODEB_DEPLOY_TIMEOUT_SECONDS" envDefault:"240"`
	PromoteTimeoutSeconds  int `env:"CODEB_PROMOTE_TIMEOUT_SECONDS" envDefault:"30"`
	RollbackTimeoutSeconds int `env:"CODEB_ROLLBACK_TIMEOUT_SECONDS" envDefault:"30"`
	CleanupTimeoutSeconds  int `env:"CODEB_CLEANUP_TIMEOUT_SECONDS" envDefault:"60"`
	LockWaitSeconds        int `env:"CODEB_LOCK_WAIT_SECONDS" envDefault:"120"`

	// DefaultGracePeriodHours is the default grace window (48h, with a
	// 1-168h team-configurable override).
	DefaultGracePeriodHours int `env:"CODEB_DEFAULT_GRACE_PERIOD_HOURS" envDefault:"48"`

	// CleanupScanIntervalSeconds controls the periodic cleanup scan in reconciler mode.
	CleanupScanIntervalSeconds int `env:"CODEB_CLEANUP_SCAN_INTERVAL_SECONDS" envDefault:"900"`

	// Redis backs the per-(project,environment) distributed lock and the
	// reconcile divergence pub/sub channel.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Slack (optional — without a bot token the notifier's Slack side is a
	// noop; a team's notification_webhook is posted to independently).
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`
	SlackChannel  string `env:"SLACK_CHANNEL" envDefault:"#deploys"`

	// DevMode is loaded from CODEB_DEV_MODE; no component reads it, so it
	// changes no behaviour.
	DevMode bool `env:"CODEB_DEV_MODE" envDefault:"false"`

	// BootstrapOwnerToken seeds the very first owner token on an empty
	// teams registry.
	BootstrapOwnerToken string `env:"CODEB_BOOTSTRAP_OWNER_TOKEN"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Servers parses the Fleet string into name→host pairs.
func (c *Config) Servers() ([]ServerDef, error) {
	parts := strings.Split(c.Fleet, ",")
	defs := make([]ServerDef, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("invalid fleet entry %q, want name=host", p)
		}
		defs = append(defs, ServerDef{Name: kv[0], Host: kv[1]})
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("fleet configuration is empty")
	}
	return defs, nil
}
