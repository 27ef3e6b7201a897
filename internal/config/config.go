package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/vectra-connector/internal/models"
)

// Delivery guarantees for checkpoint ordering.
const (
	AtMostOnce  = "at-most-once"
	AtLeastOnce = "at-least-once"
)

// DefaultRetryCount applies when retry_count is above the supported range.
const DefaultRetryCount = 10

const maxRetryCount = 10

var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

type Config struct {
	Vectra       VectraConfig       `mapstructure:"vectra" yaml:"vectra"`
	Servers      []ServerConfig     `mapstructure:"server" yaml:"server"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	RetryCount   int                `mapstructure:"retry_count" yaml:"retry_count"`
	Delivery     DeliveryConfig     `mapstructure:"delivery" yaml:"delivery"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint" yaml:"checkpoint"`
	TLS          TLSConfig          `mapstructure:"tls" yaml:"tls"`
	Probe        ProbeConfig        `mapstructure:"probe" yaml:"probe"`
	Backpressure BackpressureConfig `mapstructure:"backpressure" yaml:"backpressure"`
	DLQ          DLQConfig          `mapstructure:"dlq" yaml:"dlq"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

type VectraConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret" yaml:"-"`
	PageSize       int           `mapstructure:"page_size" yaml:"page_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// ServerConfig is one syslog destination. The server_* keys are accepted for
// configs written for the original connector.
type ServerConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Protocol string `mapstructure:"protocol" yaml:"protocol"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`

	LegacyProtocol string `mapstructure:"server_protocol" yaml:"-"`
	LegacyHost     string `mapstructure:"server_host" yaml:"-"`
	LegacyPort     int    `mapstructure:"server_port" yaml:"-"`
}

type SchedulerConfig struct {
	Audit         string `mapstructure:"audit" yaml:"audit"`
	EntityScoring string `mapstructure:"entity_scoring" yaml:"entity_scoring"`
	Detections    string `mapstructure:"detections" yaml:"detections"`
}

type DeliveryConfig struct {
	Guarantee string        `mapstructure:"guarantee" yaml:"guarantee"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Tag       string        `mapstructure:"tag" yaml:"tag"`
	// QueueDepth bounds the batches waiting per destination in at-most-once mode.
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth"`
}

type CheckpointConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"` // "file" (default) or "redis"
	Dir       string `mapstructure:"dir" yaml:"dir"`
	RedisURL  string `mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

type TLSConfig struct {
	CertDir string `mapstructure:"cert_dir" yaml:"cert_dir"`
}

type ProbeConfig struct {
	StatusFile string        `mapstructure:"status_file" yaml:"status_file"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type BackpressureConfig struct {
	Path      string `mapstructure:"path" yaml:"path"`
	Threshold int    `mapstructure:"threshold" yaml:"threshold"`
}

type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend  string `mapstructure:"backend" yaml:"backend"`     // "file" (default) or "jetstream"
	BasePath string `mapstructure:"base_path" yaml:"base_path"` // Only used for file backend
	NatsURL  string `mapstructure:"nats_url" yaml:"nats_url"`   // Only used for jetstream backend
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("vectra.page_size", 1000)
	v.SetDefault("vectra.request_timeout", "30s")
	v.SetDefault("scheduler.audit", "*/5 * * * *")
	v.SetDefault("scheduler.entity_scoring", "*/15 * * * *")
	v.SetDefault("scheduler.detections", "*/5 * * * *")
	v.SetDefault("retry_count", DefaultRetryCount)
	v.SetDefault("delivery.guarantee", AtMostOnce)
	v.SetDefault("delivery.timeout", "60s")
	v.SetDefault("delivery.tag", "VECTRA-SYSLOG-CONNECTOR")
	v.SetDefault("delivery.queue_depth", 64)
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.dir", ".")
	v.SetDefault("checkpoint.redis_url", "redis://localhost:6379/0")
	v.SetDefault("checkpoint.key_prefix", "vectra:")
	v.SetDefault("tls.cert_dir", "./cert")
	v.SetDefault("probe.status_file", "./server_status.json")
	v.SetDefault("probe.timeout", "60s")
	v.SetDefault("backpressure.path", "/")
	v.SetDefault("backpressure.threshold", 70)
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.backend", "file")
	v.SetDefault("dlq.base_path", "./dlq")
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vectra-connector")
	}

	// Environment variables override. The vendor credentials keep the
	// unprefixed names used by existing deployments.
	v.SetEnvPrefix("CONNECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("vectra.base_url", "CONNECTOR_VECTRA_BASE_URL", "BASE_URL")
	_ = v.BindEnv("vectra.client_id", "CONNECTOR_VECTRA_CLIENT_ID", "CLIENT_ID")
	_ = v.BindEnv("vectra.client_secret", "CONNECTOR_VECTRA_CLIENT_SECRET", "CLIENT_SECRET")

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	// Original connector configs nest everything under "configuration".
	if nested := v.GetStringMap("configuration"); len(nested) > 0 {
		if err := v.MergeConfigMap(nested); err != nil {
			return nil, fmt.Errorf("failed to merge nested configuration: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Vectra.BaseURL = strings.TrimRight(strings.TrimSpace(c.Vectra.BaseURL), "/")
	c.Vectra.ClientID = strings.TrimSpace(c.Vectra.ClientID)
	c.Vectra.ClientSecret = strings.TrimSpace(c.Vectra.ClientSecret)

	for i := range c.Servers {
		s := &c.Servers[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Protocol == "" {
			s.Protocol = s.LegacyProtocol
		}
		if s.Host == "" {
			s.Host = s.LegacyHost
		}
		if s.Port == 0 {
			s.Port = s.LegacyPort
		}
		s.Protocol = strings.ToUpper(strings.TrimSpace(s.Protocol))
		s.Host = strings.TrimSpace(s.Host)
	}

	c.Delivery.Guarantee = strings.ToLower(strings.TrimSpace(c.Delivery.Guarantee))
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Vectra.BaseURL == "" {
		errs = append(errs, errors.New("vectra.base_url (BASE_URL) is required"))
	}
	if c.Vectra.ClientID == "" || c.Vectra.ClientSecret == "" {
		errs = append(errs, errors.New("vectra.client_id and vectra.client_secret (CLIENT_ID, CLIENT_SECRET) are required"))
	}
	if c.Vectra.PageSize <= 0 {
		errs = append(errs, errors.New("vectra.page_size must be positive"))
	}

	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("at least one server must be configured"))
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" || !serverNamePattern.MatchString(s.Name) {
			errs = append(errs, fmt.Errorf("server[%d]: name %q must be at least 1 character of [a-zA-Z0-9_.-]", i, s.Name))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("server[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true

		if _, err := models.ParseProtocol(s.Protocol); err != nil {
			errs = append(errs, fmt.Errorf("server[%d]: %w", i, err))
		}
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("server[%d]: host is required", i))
		}
		if s.Port < 1 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("server[%d]: port %d must be in range 1 to 65535", i, s.Port))
		}
	}

	for name, expr := range map[string]string{
		"audit":          c.Scheduler.Audit,
		"entity_scoring": c.Scheduler.EntityScoring,
		"detections":     c.Scheduler.Detections,
	} {
		if _, err := cronexpr.Parse(expr); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.%s: invalid cron expression %q: %w", name, expr, err))
		}
	}

	switch c.Delivery.Guarantee {
	case AtMostOnce, AtLeastOnce:
	default:
		errs = append(errs, fmt.Errorf("delivery.guarantee %q must be %s or %s", c.Delivery.Guarantee, AtMostOnce, AtLeastOnce))
	}

	switch c.Checkpoint.Backend {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend %q must be file or redis", c.Checkpoint.Backend))
	}

	if c.DLQ.Enabled {
		switch c.DLQ.Backend {
		case "file", "jetstream":
		default:
			errs = append(errs, fmt.Errorf("dlq.backend %q must be file or jetstream", c.DLQ.Backend))
		}
	}

	if c.Backpressure.Threshold <= 0 || c.Backpressure.Threshold > 100 {
		errs = append(errs, fmt.Errorf("backpressure.threshold %d must be in range 1 to 100", c.Backpressure.Threshold))
	}

	return errors.Join(errs...)
}

// Destinations converts the server list. Call after Validate.
func (c *Config) Destinations() []models.Destination {
	dests := make([]models.Destination, 0, len(c.Servers))
	for _, s := range c.Servers {
		p, _ := models.ParseProtocol(s.Protocol)
		dests = append(dests, models.Destination{
			Name:     s.Name,
			Protocol: p,
			Host:     s.Host,
			Port:     s.Port,
		})
	}
	return dests
}

// DispatchRetries returns the per-batch retry count for syslog sends.
// Negative means retry forever; values above 10 fall back to 10.
func (c *Config) DispatchRetries() int {
	switch {
	case c.RetryCount < 0:
		return -1
	case c.RetryCount > maxRetryCount:
		return DefaultRetryCount
	default:
		return c.RetryCount
	}
}
