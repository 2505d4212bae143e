// Package config provides configuration management for the outpost agent.
// It supports loading configuration from environment variables, a JSON
// config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/driftworks/outpost/internal/common/logger"
)

// DefaultConfigDir is where the agent looks for config.json when no
// explicit path is given.
const DefaultConfigDir = "/etc/outpost"

// Config holds all configuration sections for the agent.
type Config struct {
	Orchestrator OrchestratorConfig   `mapstructure:"orchestrator" json:"orchestrator"`
	Server       ServerConfig         `mapstructure:"server" json:"server"`
	Agent        AgentConfig          `mapstructure:"agent" json:"agent"`
	Events       EventsConfig         `mapstructure:"events" json:"events"`
	Logging      logger.LoggingConfig `mapstructure:"logging" json:"logging"`
}

// OrchestratorConfig holds connectivity settings toward the orchestrator.
type OrchestratorConfig struct {
	// URL is the orchestrator address the operator configured.
	URL string `mapstructure:"url" json:"url"`

	// BackendURL is the backend address discovered during the handshake.
	// Persisted so a restarted agent can reconnect without re-discovery.
	BackendURL string `mapstructure:"backendUrl" json:"backendUrl"`

	// HeartbeatInterval is how often heartbeat/status are reported, in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval" json:"heartbeatInterval"`

	// PollInterval is the internal wakeup cadence of the heartbeat loop, in
	// seconds. Kept short so shutdown stays responsive without extra traffic.
	PollInterval int `mapstructure:"pollInterval" json:"pollInterval"`

	// ReconnectMaxRetries bounds the reconnect attempt sequence.
	ReconnectMaxRetries int `mapstructure:"reconnectMaxRetries" json:"reconnectMaxRetries"`

	// ReconnectBaseDelay is the first reconnect delay in seconds; each
	// subsequent attempt doubles it.
	ReconnectBaseDelay int `mapstructure:"reconnectBaseDelay" json:"reconnectBaseDelay"`

	// RequestTimeout is the per-request timeout toward the orchestrator, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout" json:"requestTimeout"`
}

// ServerConfig holds the local control server configuration. The server
// always binds to the loopback interface; only the port is configurable.
type ServerConfig struct {
	Port         int `mapstructure:"port" json:"port"`
	ReadTimeout  int `mapstructure:"readTimeout" json:"readTimeout"`   // in seconds
	WriteTimeout int `mapstructure:"writeTimeout" json:"writeTimeout"` // in seconds
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	// DataDir is the machine-scoped directory for the encrypted credential
	// and the master key.
	DataDir string `mapstructure:"dataDir" json:"dataDir"`

	// AutoConnect connects to the orchestrator on startup when a credential exists.
	AutoConnect bool `mapstructure:"autoConnect" json:"autoConnect"`

	// CancelGracePeriod is how long a cancelled job gets to exit after the
	// graceful stop signal before it is killed, in seconds.
	CancelGracePeriod int `mapstructure:"cancelGracePeriod" json:"cancelGracePeriod"`

	// OutputBufferSize is the number of output lines retained per execution.
	OutputBufferSize int `mapstructure:"outputBufferSize" json:"outputBufferSize"`
}

// EventsConfig holds event bus configuration. An empty NATS URL selects
// the in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl" json:"natsUrl"`
	ClientID      string `mapstructure:"clientId" json:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" json:"maxReconnects"`
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (o *OrchestratorConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(o.HeartbeatInterval) * time.Second
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (o *OrchestratorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(o.PollInterval) * time.Second
}

// ReconnectBaseDelayDuration returns the base reconnect delay as a time.Duration.
func (o *OrchestratorConfig) ReconnectBaseDelayDuration() time.Duration {
	return time.Duration(o.ReconnectBaseDelay) * time.Second
}

// RequestTimeoutDuration returns the request timeout as a time.Duration.
func (o *OrchestratorConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(o.RequestTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CancelGracePeriodDuration returns the cancel grace period as a time.Duration.
func (a *AgentConfig) CancelGracePeriodDuration() time.Duration {
	return time.Duration(a.CancelGracePeriod) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Orchestrator defaults
	v.SetDefault("orchestrator.url", "")
	v.SetDefault("orchestrator.backendUrl", "")
	v.SetDefault("orchestrator.heartbeatInterval", 300) // 5 minutes
	v.SetDefault("orchestrator.pollInterval", 30)
	v.SetDefault("orchestrator.reconnectMaxRetries", 5)
	v.SetDefault("orchestrator.reconnectBaseDelay", 2)
	v.SetDefault("orchestrator.requestTimeout", 30)

	// Control server defaults
	v.SetDefault("server.port", 18080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.dataDir", "/var/lib/outpost")
	v.SetDefault("agent.autoConnect", false)
	v.SetDefault("agent.cancelGracePeriod", 10)
	v.SetDefault("agent.outputBufferSize", 1000)

	// Events defaults - empty URL means use the in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "outpost-agent")
	v.SetDefault("events.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, the config file,
// and defaults. Environment variables use the prefix OUTPOST_ with
// snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OUTPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The persisted config file is JSON so operators can read and edit it.
	v.SetConfigName("config")
	v.SetConfigType("json")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(DefaultConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration invariants. Exposed so configuration
// updates arriving through the control surface get the same checks as
// startup loading.
func Validate(cfg *Config) error {
	return validate(cfg)
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.HeartbeatInterval <= 0 {
		return fmt.Errorf("orchestrator.heartbeatInterval must be positive")
	}
	if cfg.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.pollInterval must be positive")
	}
	if cfg.Orchestrator.PollInterval > cfg.Orchestrator.HeartbeatInterval {
		return fmt.Errorf("orchestrator.pollInterval must not exceed heartbeatInterval")
	}
	if cfg.Agent.CancelGracePeriod < 0 {
		return fmt.Errorf("agent.cancelGracePeriod must not be negative")
	}
	if cfg.Agent.OutputBufferSize <= 0 {
		return fmt.Errorf("agent.outputBufferSize must be positive")
	}
	return nil
}
