// Package config loads service configuration from an optional YAML file,
// RELAYCAST_* environment variables, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with dots in keys
// replaced by underscores (http.addr -> RELAYCAST_HTTP_ADDR).
const EnvPrefix = "RELAYCAST"

// Config is the complete service configuration.
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Platform     PlatformConfig     `mapstructure:"platform"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	FFmpeg       FFmpegConfig       `mapstructure:"ffmpeg"`
	Events       EventsConfig       `mapstructure:"events"`
	Media        MediaConfig        `mapstructure:"media"`
	Profiling    ProfilingConfig    `mapstructure:"profiling"`
}

type HTTPConfig struct {
	Addr        string          `mapstructure:"addr"`
	TLSCert     string          `mapstructure:"tls_cert"`
	TLSKey      string          `mapstructure:"tls_key"`
	JWTSecret   string          `mapstructure:"jwt_secret"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	AuditLog    bool            `mapstructure:"audit_log"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds API traffic. Mutations are limited per client
// address, optionally shared across replicas through Redis.
type RateLimitConfig struct {
	GlobalRPS      float64       `mapstructure:"global_rps"`
	GlobalBurst    int           `mapstructure:"global_burst"`
	MutationLimit  int           `mapstructure:"mutation_limit"`
	MutationWindow time.Duration `mapstructure:"mutation_window"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisTimeout   time.Duration `mapstructure:"redis_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	ApplicationName string        `mapstructure:"application_name"`
}

type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

type PlatformConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIVersion    string        `mapstructure:"api_version"`
	AppID         string        `mapstructure:"app_id"`
	AppSecret     string        `mapstructure:"app_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type OrchestratorConfig struct {
	MaxConcurrent           int           `mapstructure:"max_concurrent"`
	AdmissionInterval       time.Duration `mapstructure:"admission_interval"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	MaxRecoveryAttempts     int           `mapstructure:"max_recovery_attempts"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CommentDelay            time.Duration `mapstructure:"comment_delay"`
	StopGrace               time.Duration `mapstructure:"stop_grace"`
	ShutdownTimeout         time.Duration `mapstructure:"shutdown_timeout"`
}

type FFmpegConfig struct {
	Path         string `mapstructure:"path"`
	VideoBitrate string `mapstructure:"video_bitrate"`
}

type EventsConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Stream     string `mapstructure:"stream"`
	MaxLen     int64  `mapstructure:"max_len"`
	MasterName string `mapstructure:"master_name"`
	TLS        bool   `mapstructure:"tls"`
	CAFile     string `mapstructure:"ca_file"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MediaConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint   string        `mapstructure:"endpoint"`
	AccessKey  string        `mapstructure:"access_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	Region     string        `mapstructure:"region"`
	UseSSL     bool          `mapstructure:"use_ssl"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

type ProfilingConfig struct {
	ServerAddress   string `mapstructure:"server_address"`
	ApplicationName string `mapstructure:"application_name"`
}

var defaults = map[string]interface{}{
	"http.addr":                              ":8080",
	"http.tls_cert":                          "",
	"http.tls_key":                           "",
	"http.jwt_secret":                        "",
	"http.cors_origins":                      []string{},
	"http.audit_log":                         true,
	"http.rate_limit.global_rps":             0.0,
	"http.rate_limit.global_burst":           0,
	"http.rate_limit.mutation_limit":         0,
	"http.rate_limit.mutation_window":        time.Minute,
	"http.rate_limit.redis_addr":             "",
	"http.rate_limit.redis_password":         "",
	"http.rate_limit.redis_timeout":          2 * time.Second,
	"log.level":                              "info",
	"log.format":                             "json",
	"storage.driver":                         "json",
	"storage.path":                           "data/relaycast.json",
	"storage.postgres.dsn":                   "",
	"storage.postgres.max_conns":             0,
	"storage.postgres.min_conns":             0,
	"storage.postgres.acquire_timeout":       0,
	"storage.postgres.application_name":      "relaycast",
	"vault.passphrase":                       "",
	"vault.salt":                             "relaycast",
	"platform.base_url":                      "https://graph.facebook.com",
	"platform.api_version":                   "v19.0",
	"platform.app_id":                        "",
	"platform.app_secret":                    "",
	"platform.timeout":                       15 * time.Second,
	"platform.max_attempts":                  1,
	"platform.retry_interval":                0,
	"orchestrator.max_concurrent":            5,
	"orchestrator.admission_interval":        10 * time.Second,
	"orchestrator.poll_interval":             30 * time.Second,
	"orchestrator.max_recovery_attempts":     3,
	"orchestrator.circuit_breaker_threshold": 5,
	"orchestrator.comment_delay":             15 * time.Second,
	"orchestrator.stop_grace":                0,
	"orchestrator.shutdown_timeout":          30 * time.Second,
	"ffmpeg.path":                            "ffmpeg",
	"ffmpeg.video_bitrate":                   "4500k",
	"events.driver":                          "none",
	"events.redis.addr":                      "",
	"events.redis.username":                  "",
	"events.redis.password":                  "",
	"events.redis.stream":                    "relaycast:jobs",
	"events.redis.max_len":                   10000,
	"events.redis.master_name":               "",
	"events.redis.tls":                       false,
	"events.redis.ca_file":                   "",
	"events.kafka.brokers":                   []string{},
	"events.kafka.topic":                     "relaycast.jobs",
	"media.s3.endpoint":                      "",
	"media.s3.access_key":                    "",
	"media.s3.secret_key":                    "",
	"media.s3.region":                        "us-east-1",
	"media.s3.use_ssl":                       true,
	"media.s3.presign_ttl":                   6 * time.Hour,
	"profiling.server_address":               "",
	"profiling.application_name":             "relaycast",
}

// Load reads configuration. An empty path falls back to RELAYCAST_CONFIG;
// when neither is set only environment variables and defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize clamps values that would otherwise disable core behaviour.
func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "json"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		c.Orchestrator.MaxConcurrent = 5
	}
	if c.Orchestrator.AdmissionInterval <= 0 {
		c.Orchestrator.AdmissionInterval = 10 * time.Second
	}
	if c.Orchestrator.PollInterval <= 0 {
		c.Orchestrator.PollInterval = 30 * time.Second
	}
	if c.Orchestrator.MaxRecoveryAttempts <= 0 {
		c.Orchestrator.MaxRecoveryAttempts = 3
	}
	if c.Orchestrator.CircuitBreakerThreshold <= 0 {
		c.Orchestrator.CircuitBreakerThreshold = 5
	}
	if c.Orchestrator.CommentDelay <= 0 {
		c.Orchestrator.CommentDelay = 15 * time.Second
	}
	if c.Orchestrator.StopGrace < 0 {
		c.Orchestrator.StopGrace = 0
	}
	if c.Orchestrator.ShutdownTimeout <= 0 {
		c.Orchestrator.ShutdownTimeout = 30 * time.Second
	}
	if c.Platform.MaxAttempts <= 0 {
		c.Platform.MaxAttempts = 1
	}
	if strings.TrimSpace(c.FFmpeg.Path) == "" {
		c.FFmpeg.Path = "ffmpeg"
	}
	if strings.TrimSpace(c.Vault.Salt) == "" {
		c.Vault.Salt = "relaycast"
	}
	c.Events.Kafka.Brokers = splitList(c.Events.Kafka.Brokers)
	c.HTTP.CORSOrigins = splitList(c.HTTP.CORSOrigins)
}

// Validate reports configuration that cannot produce a working service.
func (c *Config) Validate() error {
	var problems []error
	switch c.Storage.Driver {
	case "json", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			problems = append(problems, fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver))
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			problems = append(problems, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	default:
		problems = append(problems, fmt.Errorf("storage.driver %q is not one of json, postgres, sqlite", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Vault.Passphrase) == "" {
		problems = append(problems, errors.New("vault.passphrase is required"))
	}
	if c.Orchestrator.PollInterval <= c.Orchestrator.AdmissionInterval {
		problems = append(problems, fmt.Errorf("orchestrator.poll_interval (%s) must exceed admission_interval (%s)",
			c.Orchestrator.PollInterval, c.Orchestrator.AdmissionInterval))
	}
	switch c.Events.Driver {
	case "none":
	case "redis":
		if strings.TrimSpace(c.Events.Redis.Addr) == "" {
			problems = append(problems, errors.New("events.redis.addr is required for the redis driver"))
		}
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 {
			problems = append(problems, errors.New("events.kafka.brokers is required for the kafka driver"))
		}
	default:
		problems = append(problems, fmt.Errorf("events.driver %q is not one of none, redis, kafka", c.Events.Driver))
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		problems = append(problems, errors.New("http.tls_cert and http.tls_key must be set together"))
	}
	return errors.Join(problems...)
}

// splitList accepts both YAML lists and comma-separated environment values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
