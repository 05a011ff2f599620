package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8100"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	APIToken     string `envconfig:"API_TOKEN" default:""`

	// AuthDisabled turns off the bearer-token check entirely. For local
	// development only; the server logs a warning when it is set.
	AuthDisabled bool `envconfig:"AUTH_DISABLED" default:"false"`

	// TLSEnabled serves the API over TLS with a self-signed certificate,
	// generated on first boot and persisted in settings. TLSHosts lists the
	// names and addresses the certificate covers; changing it regenerates
	// the certificate.
	TLSEnabled bool     `envconfig:"TLS_ENABLED" default:"false"`
	TLSHosts   []string `envconfig:"TLS_HOSTS" default:"localhost"`

	// Connection pool settings. Read once at startup; changing them does not
	// resize connections that are already open.
	MaxPoolSize              int           `envconfig:"MAX_POOL_SIZE" default:"10"`
	MaxConcurrentConnections int           `envconfig:"MAX_CONCURRENT_CONNECTIONS" default:"5"`
	ConnectionTimeout        time.Duration `envconfig:"CONNECTION_TIMEOUT" default:"30s"`
	CommandTimeout           time.Duration `envconfig:"COMMAND_TIMEOUT" default:"5m"`
	KeepAliveInterval        time.Duration `envconfig:"KEEP_ALIVE_INTERVAL" default:"30s"`
	HealthCheckInterval      time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
	MaxReconnectAttempts     int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"5"`
	PoolWaitPolicy           string        `envconfig:"POOL_WAIT_POLICY" default:"block"` // block | fail_fast

	// Plan generation service (optional). When unset, only template-based
	// plans are available.
	PlannerURL   string `envconfig:"PLANNER_URL" default:""`
	PlannerToken string `envconfig:"PLANNER_TOKEN" default:""`

	// Sandbox dry-run targets
	SandboxImage  string `envconfig:"SANDBOX_IMAGE" default:"lscr.io/linuxserver/openssh-server:latest"`
	SandboxMemory string `envconfig:"SANDBOX_MEMORY" default:"256m"`

	// Task history retention for the nightly prune job
	TaskRetentionDays int `envconfig:"TASK_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("VESSEL", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "vessel.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "vessel.log")
	}
}
