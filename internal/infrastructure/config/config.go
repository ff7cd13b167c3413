package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gray Logic Sync.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	Database      DatabaseConfig      `yaml:"database"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Security      SecurityConfig      `yaml:"security"`
	Sync          SyncConfig          `yaml:"sync"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retention     RetentionConfig     `yaml:"retention"`
	Notifications NotificationsConfig `yaml:"notifications"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// SiteConfig contains deployment-wide identity settings.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the in-app notification socket.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`

	// EncryptionKey is the master secret integration credentials are sealed under.
	EncryptionKey string `yaml:"encryption_key"`

	Webhook WebhookConfig `yaml:"webhook"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// WebhookConfig contains inbound webhook receiver settings.
type WebhookConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// SyncConfig controls the sync queue dispatcher.
type SyncConfig struct {
	// PollInterval is the longest the dispatcher waits between queue polls (seconds).
	PollInterval int `yaml:"poll_interval"`

	// MaxWorkers bounds the number of integrations draining concurrently.
	MaxWorkers int `yaml:"max_workers"`

	// AdapterTimeout bounds a single external call (seconds).
	AdapterTimeout int `yaml:"adapter_timeout"`

	// BackoffBase and BackoffCap shape the retry delay (seconds).
	BackoffBase int `yaml:"backoff_base"`
	BackoffCap  int `yaml:"backoff_cap"`

	// DefaultMaxRetries applies to integrations that do not set their own.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// LockTTL is the lifetime of the cross-process integration lock (seconds).
	LockTTL int `yaml:"lock_ttl"`
}

// SchedulerConfig controls the auto-sync scheduler.
type SchedulerConfig struct {
	TickInterval int `yaml:"tick_interval"`
}

// RetentionConfig controls log pruning.
type RetentionConfig struct {
	Months             int `yaml:"months"`
	PruneIntervalHours int `yaml:"prune_interval_hours"`
}

// NotificationsConfig controls the notification dispatcher and its channels.
type NotificationsConfig struct {
	MaxRetries int        `yaml:"max_retries"`
	RetryDelay int        `yaml:"retry_delay"`
	QueueSize  int        `yaml:"queue_size"`
	SMTP       SMTPConfig `yaml:"smtp"`
	SMS        SMSConfig  `yaml:"sms"`
}

// SMTPConfig contains outbound email settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SMSConfig contains settings for a Twilio-compatible SMS REST API.
type SMSConfig struct {
	URL        string `yaml:"url"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
}

// MQTTConfig contains MQTT broker connection settings.
//
// The top-level mqtt section holds defaults; MQTT integrations override the
// broker and credentials with their own endpoint.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains settings for the cross-process dispatch lock.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig contains settings for the domain event stream.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TracingConfig contains OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYSYNC_SECTION_KEY
// For example: GRAYSYNC_DATABASE_PATH, GRAYSYNC_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic Sync",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/graysync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			Webhook: WebhookConfig{
				MaxBodyBytes: 1 << 20,
			},
		},
		Sync: SyncConfig{
			PollInterval:      5,
			MaxWorkers:        8,
			AdapterTimeout:    30,
			BackoffBase:       30,
			BackoffCap:        1800,
			DefaultMaxRetries: 5,
			LockTTL:           300,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 30,
		},
		Retention: RetentionConfig{
			Months:             6,
			PruneIntervalHours: 24,
		},
		Notifications: NotificationsConfig{
			MaxRetries: 3,
			RetryDelay: 5,
			QueueSize:  256,
			SMTP: SMTPConfig{
				Port: 587,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Port:     1883,
				ClientID: "graysync",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     500,
			FlushInterval: 10,
		},
		Kafka: KafkaConfig{
			Topic: "graysync.events",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    100,
				MaxBackups: 5,
				MaxAge:     30,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYSYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYSYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYSYNC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Secrets should always come from the environment in production.
	if v := os.Getenv("GRAYSYNC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("GRAYSYNC_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
	if v := os.Getenv("GRAYSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("GRAYSYNC_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.SMTP.Password = v
	}
	if v := os.Getenv("GRAYSYNC_SMS_AUTH_TOKEN"); v != "" {
		cfg.Notifications.SMS.AuthToken = v
	}

	if v := os.Getenv("GRAYSYNC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GRAYSYNC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GRAYSYNC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	if v := os.Getenv("GRAYSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Site.Timezone != "" {
		if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GRAYSYNC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if c.Security.EncryptionKey == "" {
		errs = append(errs, "security.encryption_key is required (set GRAYSYNC_ENCRYPTION_KEY environment variable)")
	} else if len(c.Security.EncryptionKey) < minSecretLength {
		errs = append(errs, "security.encryption_key must be at least 32 characters")
	}

	if c.Sync.MaxWorkers < 1 {
		errs = append(errs, "sync.max_workers must be at least 1")
	}
	if c.Sync.BackoffBase < 1 {
		errs = append(errs, "sync.backoff_base must be positive")
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		errs = append(errs, "sync.backoff_cap must not be below sync.backoff_base")
	}
	if c.Sync.DefaultMaxRetries < 1 {
		errs = append(errs, "sync.default_max_retries must be at least 1")
	}
	if c.Scheduler.TickInterval < 1 {
		errs = append(errs, "scheduler.tick_interval must be positive")
	}
	if c.Retention.Months < 1 {
		errs = append(errs, "retention.months must be at least 1")
	}
	if c.Notifications.MaxRetries < 0 {
		errs = append(errs, "notifications.max_retries must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, "kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing is enabled")
	}
	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Location returns the site timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Site.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Seconds converts a seconds-valued config field to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
