package core

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/laneguard-project/laneguard/internal/ratelimit"
)

// Config holds the entire laneguard configuration. Durations are expressed
// in whole seconds so a YAML file never needs Go duration syntax.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audit      AuditConfig      `yaml:"audit"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Detector   DetectorSection  `yaml:"detector"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Collectors CollectorsConfig `yaml:"collectors"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuditConfig holds audit log buffer settings.
type AuditConfig struct {
	Capacity  int `yaml:"capacity"`
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// RateLimitConfig holds the limiter policies and bucket table bound.
type RateLimitConfig struct {
	MaxKeys  int                     `yaml:"max_keys"`
	Policies map[string]PolicyConfig `yaml:"policies"`
}

// PolicyConfig is one named rate limit policy.
type PolicyConfig struct {
	Points     int `yaml:"points"`
	WindowSecs int `yaml:"window_seconds"`
	BlockSecs  int `yaml:"block_seconds"`
}

// DetectorSection holds anomaly rule thresholds and windows.
type DetectorSection struct {
	FailedLoginThreshold  int  `yaml:"failed_login_threshold"`
	FailedLoginWindow     int  `yaml:"failed_login_window_seconds"`
	SourceVolumeThreshold int  `yaml:"source_volume_threshold"`
	SourceVolumeWindow    int  `yaml:"source_volume_window_seconds"`
	RiskClusterThreshold  int  `yaml:"risk_cluster_threshold"`
	RiskClusterWindow     int  `yaml:"risk_cluster_window_seconds"`
	RiskClusterMinScore   int  `yaml:"risk_cluster_min_score"`
	DisableCooldown       bool `yaml:"disable_cooldown"`
}

// AlertsConfig holds alert webhook delivery settings. Bare entries in
// webhook_urls receive the raw audit event JSON; entries under webhooks
// can pick a service template (slack, teams, discord, pagerduty).
type AlertsConfig struct {
	WebhookURLs []string          `yaml:"webhook_urls"`
	Webhooks    []WebhookEndpoint `yaml:"webhooks"`
	MinRisk     int               `yaml:"min_risk"`
	MaxRetries  int               `yaml:"max_retries"`
	QueueSize   int               `yaml:"queue_size"`
	Workers     int               `yaml:"workers"`
}

// SinksConfig selects and configures the durable sinks.
type SinksConfig struct {
	File  FileSinkSection  `yaml:"file"`
	Kafka KafkaSinkSection `yaml:"kafka"`
	NATS  NATSSinkSection  `yaml:"nats"`
}

// FileSinkSection wraps the file sink config with an enable switch.
type FileSinkSection struct {
	Enabled        bool `yaml:"enabled"`
	FileSinkConfig `yaml:",inline"`
}

// KafkaSinkSection wraps the Kafka sink config with an enable switch.
type KafkaSinkSection struct {
	Enabled         bool `yaml:"enabled"`
	KafkaSinkConfig `yaml:",inline"`
}

// NATSSinkSection wraps the NATS sink config with an enable switch.
type NATSSinkSection struct {
	Enabled        bool `yaml:"enabled"`
	NATSSinkConfig `yaml:",inline"`
}

// AuthConfig holds identity verification settings.
type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret"`
	JWTIssuer  string   `yaml:"jwt_issuer"`
	APIKeys    []string `yaml:"api_keys"`
	AdminRoles []string `yaml:"admin_roles"`
}

// CollectorsConfig turns on host log collectors: tailers and listeners
// that feed security-relevant lines from outside the application into
// the audit log.
type CollectorsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Sources []CollectorSource `yaml:"sources"`
}

// CollectorSource describes one collector. File-backed types (access,
// authlog, ndjson) tail the file at path; the syslog type listens on
// listen with the given protocol (udp, tcp or both, default udp).
type CollectorSource struct {
	Type     string `yaml:"type"`
	Path     string `yaml:"path"`
	Listen   string `yaml:"listen"`
	Protocol string `yaml:"protocol"`
	Tag      string `yaml:"tag"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out
// of the box: file sink on, detector on, no auth secrets.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8700,
		},
		Audit: AuditConfig{
			Capacity:  1000,
			QueueSize: 1024,
			Workers:   2,
		},
		RateLimit: RateLimitConfig{
			MaxKeys: 50000,
			Policies: map[string]PolicyConfig{
				ratelimit.PolicyLogin:  {Points: 5, WindowSecs: 900, BlockSecs: 1800},
				ratelimit.PolicyAPI:    {Points: 100, WindowSecs: 60, BlockSecs: 60},
				ratelimit.PolicyStrict: {Points: 10, WindowSecs: 60, BlockSecs: 300},
			},
		},
		Detector: DetectorSection{
			FailedLoginThreshold:  3,
			FailedLoginWindow:     900,
			SourceVolumeThreshold: 20,
			SourceVolumeWindow:    600,
			RiskClusterThreshold:  5,
			RiskClusterWindow:     1800,
			RiskClusterMinScore:   6,
		},
		Alerts: AlertsConfig{
			MinRisk:    8,
			MaxRetries: 3,
			QueueSize:  256,
			Workers:    2,
		},
		Sinks: SinksConfig{
			File: FileSinkSection{
				Enabled:        true,
				FileSinkConfig: DefaultFileSinkConfig(),
			},
			Kafka: KafkaSinkSection{
				KafkaSinkConfig: KafkaSinkConfig{Topic: "laneguard-audit"},
			},
			NATS: NATSSinkSection{
				NATSSinkConfig: DefaultNATSSinkConfig(),
			},
		},
		Auth: AuthConfig{
			JWTIssuer:  "laneguard",
			AdminRoles: []string{"admin", "compliance_officer"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
// A missing file is not an error. Environment variables LANEGUARD_LISTEN and
// LANEGUARD_LOG_LEVEL override the file; LANEGUARD_JWT_SECRET and
// LANEGUARD_API_KEY fill in secrets the file leaves empty.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if listen := os.Getenv("LANEGUARD_LISTEN"); listen != "" {
		host, portStr, err := net.SplitHostPort(listen)
		if err != nil {
			return nil, fmt.Errorf("parsing LANEGUARD_LISTEN: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("parsing LANEGUARD_LISTEN port: %w", err)
		}
		if host != "" {
			cfg.Server.Host = host
		}
		cfg.Server.Port = port
	}
	if level := os.Getenv("LANEGUARD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("LANEGUARD_JWT_SECRET")
	}
	if len(cfg.Auth.APIKeys) == 0 {
		if envKey := os.Getenv("LANEGUARD_API_KEY"); envKey != "" {
			cfg.Auth.APIKeys = []string{envKey}
		}
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Audit.Capacity < 1 {
		return fmt.Errorf("audit.capacity must be positive, got %d", c.Audit.Capacity)
	}
	for name, p := range c.RateLimit.Policies {
		if p.Points < 1 || p.WindowSecs < 1 || p.BlockSecs < 1 {
			return fmt.Errorf("rate_limit policy %q needs positive points, window_seconds and block_seconds", name)
		}
	}
	if c.Alerts.MinRisk < 1 || c.Alerts.MinRisk > 10 {
		return fmt.Errorf("alerts.min_risk %d out of range 1..10", c.Alerts.MinRisk)
	}
	if c.Detector.RiskClusterMinScore < 1 || c.Detector.RiskClusterMinScore > 10 {
		return fmt.Errorf("detector.risk_cluster_min_score %d out of range 1..10", c.Detector.RiskClusterMinScore)
	}
	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka enabled but no brokers configured")
	}
	for i, ep := range c.Alerts.Webhooks {
		if ep.URL == "" {
			return fmt.Errorf("alerts.webhooks[%d]: url is required", i)
		}
		if !ValidTemplateName(ep.Template) {
			return fmt.Errorf("alerts.webhooks[%d]: unknown template %q (valid: %s)",
				i, ep.Template, strings.Join(ValidTemplateNames(), ", "))
		}
	}
	if c.Collectors.Enabled {
		for i, src := range c.Collectors.Sources {
			switch src.Type {
			case "access", "authlog", "ndjson":
				if src.Path == "" {
					return fmt.Errorf("collectors.sources[%d]: type %q needs a path", i, src.Type)
				}
			case "syslog":
				if src.Listen == "" {
					return fmt.Errorf("collectors.sources[%d]: type syslog needs a listen address", i)
				}
				switch src.Protocol {
				case "", "udp", "tcp", "both":
				default:
					return fmt.Errorf("collectors.sources[%d]: protocol %q not one of udp, tcp, both", i, src.Protocol)
				}
			default:
				return fmt.Errorf("collectors.sources[%d]: unknown type %q", i, src.Type)
			}
		}
	}
	return nil
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// EnabledSinks counts the durable sinks the config turns on.
func (c *Config) EnabledSinks() int {
	n := 0
	for _, on := range []bool{c.Sinks.File.Enabled, c.Sinks.Kafka.Enabled, c.Sinks.NATS.Enabled} {
		if on {
			n++
		}
	}
	return n
}

// RateLimitPolicies converts the YAML policy table for the limiter.
func (c *Config) RateLimitPolicies() map[string]ratelimit.Policy {
	policies := make(map[string]ratelimit.Policy, len(c.RateLimit.Policies))
	for name, p := range c.RateLimit.Policies {
		policies[name] = ratelimit.Policy{
			Points: p.Points,
			Window: time.Duration(p.WindowSecs) * time.Second,
			Block:  time.Duration(p.BlockSecs) * time.Second,
		}
	}
	return policies
}

// DetectorConfig converts the YAML detector section.
func (c *Config) DetectorConfig() DetectorConfig {
	return DetectorConfig{
		FailedLoginThreshold:  c.Detector.FailedLoginThreshold,
		FailedLoginWindow:     time.Duration(c.Detector.FailedLoginWindow) * time.Second,
		SourceVolumeThreshold: c.Detector.SourceVolumeThreshold,
		SourceVolumeWindow:    time.Duration(c.Detector.SourceVolumeWindow) * time.Second,
		RiskClusterThreshold:  c.Detector.RiskClusterThreshold,
		RiskClusterWindow:     time.Duration(c.Detector.RiskClusterWindow) * time.Second,
		RiskClusterMinScore:   c.Detector.RiskClusterMinScore,
		DisableCooldown:       c.Detector.DisableCooldown,
	}
}

// NotifierConfig converts the YAML alerts section.
func (c *Config) NotifierConfig() NotifierConfig {
	cfg := DefaultNotifierConfig()
	cfg.URLs = c.Alerts.WebhookURLs
	cfg.Endpoints = c.Alerts.Webhooks
	if c.Alerts.MinRisk > 0 {
		cfg.MinRisk = c.Alerts.MinRisk
	}
	if c.Alerts.MaxRetries > 0 {
		cfg.MaxRetries = c.Alerts.MaxRetries
	}
	if c.Alerts.QueueSize > 0 {
		cfg.QueueSize = c.Alerts.QueueSize
	}
	if c.Alerts.Workers > 0 {
		cfg.Workers = c.Alerts.Workers
	}
	return cfg
}
