package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all runtime configuration, loaded once from the environment
// by the composition root and passed to components explicitly. There is no
// package-level instance; every component receives the values it needs.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8700"`
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/termgate"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// PolicyPath points at the YAML security policy (whitelist, deny rules,
	// rate ceilings, ban ladder). Empty means the built-in default policy.
	PolicyPath string `envconfig:"POLICY_PATH" default:""`

	// Audit settings
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" default:""`
	AuditQueueDepth    int    `envconfig:"AUDIT_QUEUE_DEPTH" default:"256"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// Session ceilings and lifecycle
	MaxSessions          int           `envconfig:"MAX_SESSIONS" default:"32"`
	MaxSessionsPerClient int           `envconfig:"MAX_SESSIONS_PER_CLIENT" default:"4"`
	SessionIdleTimeout   time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	DestroyGracePeriod   time.Duration `envconfig:"DESTROY_GRACE_PERIOD" default:"5s"`
	OutputBufferSize     int           `envconfig:"OUTPUT_BUFFER_SIZE" default:"262144"`

	// ClientStateTTL is how long a client's security state is kept after its
	// last message once it has no sessions and no active ban.
	ClientStateTTL time.Duration `envconfig:"CLIENT_STATE_TTL" default:"1h"`
}

// Load reads settings from TERMGATE_* environment variables.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("TERMGATE", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if s.AuditDBPath == "" {
		s.AuditDBPath = s.DataPath + "/audit.db"
	}
	return s, nil
}
