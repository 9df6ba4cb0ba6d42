package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// MaxReceiveMessages is the largest batch a single receive may return
	MaxReceiveMessages = 10
	// MinPresignTTL keeps preview URLs valid long enough for the status write
	// and an immediate client fetch
	MinPresignTTL = time.Hour
	// MaxPresignTTL is the longest validity S3-compatible stores accept
	MaxPresignTTL = 7 * 24 * time.Hour
)

// Worker and build defaults
const (
	DefaultConcurrency       = 3
	DefaultMaxMessages       = 5
	DefaultWaitTime          = 20 * time.Second
	DefaultVisibilityTimeout = 300 * time.Second
	DefaultPresignTTL        = time.Hour
	DefaultPreviewPrefix     = "previews"
	DefaultReceiveBackoffMax = 30 * time.Second
	DefaultInstallTimeout    = 20 * time.Minute
	DefaultBuildTimeout      = 30 * time.Minute
	DefaultExportTimeout     = 15 * time.Minute
	DefaultKillGrace         = 10 * time.Second
	DefaultMaxArchiveBytes   = 512 << 20
	DefaultOutputTailBytes   = 64 << 10
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Ops      OpsConfig      `yaml:"ops"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	Build    BuildConfig    `yaml:"build"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OpsConfig holds the worker's health and metrics listener. Port 0 disables it.
type OpsConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds status store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres (default) or sqlite
	Path            string        `yaml:"path"`   // sqlite only
	AutoMigrate     bool          `yaml:"auto_migrate"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host            string           `yaml:"host"`
	Port            int              `yaml:"port"`
	User            string           `yaml:"user"`
	Password        string           `yaml:"password"`
	VHost           string           `yaml:"vhost"`
	Exchange        ExchangeConfig   `yaml:"exchange"`
	Queue           QueueConfig      `yaml:"queue"`
	RoutingKey      string           `yaml:"routing_key"`
	DeadLetterQueue string           `yaml:"dead_letter_queue"`
	Connection      ConnectionConfig `yaml:"connection"`
	Publish         PublishConfig    `yaml:"publish"`
	Consumer        ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Backend   string `yaml:"backend"` // minio (default) or fs
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Root      string `yaml:"root"`
	BaseURL   string `yaml:"base_url"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxMessages       int           `yaml:"max_messages"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReceiveBackoffMax time.Duration `yaml:"receive_backoff_max"`
	WorkDir           string        `yaml:"work_dir"`
	PreviewPrefix     string        `yaml:"preview_prefix"`
	PresignTTL        time.Duration `yaml:"presign_ttl"`
	SkipRecovery      bool          `yaml:"skip_recovery"`
}

// BuildConfig holds build executor limits and tool locations
type BuildConfig struct {
	InstallTimeout  time.Duration `yaml:"install_timeout"`
	BuildTimeout    time.Duration `yaml:"build_timeout"`
	ExportTimeout   time.Duration `yaml:"export_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	MaxArchiveBytes int64         `yaml:"max_archive_bytes"`
	OutputTailBytes int           `yaml:"output_tail_bytes"`
	NPM             string        `yaml:"npm"`
	NPX             string        `yaml:"npx"`
	Yarn            string        `yaml:"yarn"`
	PNPM            string        `yaml:"pnpm"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	StdOut      bool    `yaml:"stdout"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment, and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills unset worker and build settings
func (c *Config) ApplyDefaults() {
	w := &c.Worker
	if w.Concurrency == 0 {
		w.Concurrency = DefaultConcurrency
	}
	if w.MaxMessages == 0 {
		w.MaxMessages = DefaultMaxMessages
	}
	if w.WaitTime == 0 {
		w.WaitTime = DefaultWaitTime
	}
	if w.VisibilityTimeout == 0 {
		w.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if w.ReceiveBackoffMax == 0 {
		w.ReceiveBackoffMax = DefaultReceiveBackoffMax
	}
	if w.PreviewPrefix == "" {
		w.PreviewPrefix = DefaultPreviewPrefix
	}
	if w.PresignTTL == 0 {
		w.PresignTTL = DefaultPresignTTL
	}

	b := &c.Build
	if b.InstallTimeout == 0 {
		b.InstallTimeout = DefaultInstallTimeout
	}
	if b.BuildTimeout == 0 {
		b.BuildTimeout = DefaultBuildTimeout
	}
	if b.ExportTimeout == 0 {
		b.ExportTimeout = DefaultExportTimeout
	}
	if b.KillGrace == 0 {
		b.KillGrace = DefaultKillGrace
	}
	if b.MaxArchiveBytes == 0 {
		b.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if b.OutputTailBytes == 0 {
		b.OutputTailBytes = DefaultOutputTailBytes
	}
	if b.NPM == "" {
		b.NPM = "npm"
	}
	if b.NPX == "" {
		b.NPX = "npx"
	}
	if b.Yarn == "" {
		b.Yarn = "yarn"
	}
	if b.PNPM == "" {
		b.PNPM = "pnpm"
	}

	// a drain must outlast the longest build it waits for
	if w.ShutdownTimeout == 0 {
		w.ShutdownTimeout = c.PipelineBudget()
	}
}

// PipelineBudget is the worst-case subprocess time of one attempt
func (c *Config) PipelineBudget() time.Duration {
	return c.Build.InstallTimeout + c.Build.BuildTimeout + c.Build.ExportTimeout + 3*c.Build.KillGrace
}

// VisibilityTooShort reports whether an attempt can outlive the visibility
// timeout, making redelivery of running jobs routine
func (c *Config) VisibilityTooShort() bool {
	return c.Worker.VisibilityTimeout < c.PipelineBudget()
}

// ShutdownTooShort reports whether a drain can give up on a running build
func (c *Config) ShutdownTooShort() bool {
	return c.Worker.ShutdownTimeout < c.PipelineBudget()
}

// ConsumerPrefetch bounds unacknowledged deliveries per channel. The broker
// enforces the consumer timeout per channel, so a delivery buffered behind a
// busy permit pool would close the channel for every running job.
func (c *Config) ConsumerPrefetch() int {
	limit := min(c.Worker.MaxMessages, c.Worker.Concurrency)
	if limit <= 0 {
		limit = 1
	}
	p := c.RabbitMQ.Consumer.PrefetchCount
	if p <= 0 || p > limit {
		return limit
	}
	return p
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Ops.Port != 0 && (c.Ops.Port < MinPort || c.Ops.Port > MaxPort) {
		return fmt.Errorf("invalid ops port: %d (must be between %d and %d)", c.Ops.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxMessages <= 0 || c.Worker.MaxMessages > MaxReceiveMessages {
		return fmt.Errorf("worker max_messages must be between 1 and %d", MaxReceiveMessages)
	}

	if c.Worker.WaitTime <= 0 {
		return fmt.Errorf("worker wait_time must be greater than 0")
	}

	if c.Worker.VisibilityTimeout <= 0 {
		return fmt.Errorf("worker visibility_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.PresignTTL < MinPresignTTL || c.Worker.PresignTTL > MaxPresignTTL {
		return fmt.Errorf("worker presign_ttl must be between %s and %s", MinPresignTTL, MaxPresignTTL)
	}

	if c.Build.InstallTimeout <= 0 || c.Build.BuildTimeout <= 0 || c.Build.ExportTimeout <= 0 {
		return fmt.Errorf("build timeouts must be greater than 0")
	}

	if c.Build.KillGrace <= 0 {
		return fmt.Errorf("build kill_grace must be greater than 0")
	}

	if c.Build.MaxArchiveBytes <= 0 {
		return fmt.Errorf("build max_archive_bytes must be greater than 0")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
		return nil
	case "postgres", "":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.DeadLetterQueue != "" && c.RabbitMQ.DeadLetterQueue == c.RabbitMQ.Queue.Name {
		return fmt.Errorf("rabbitmq dead_letter_queue must differ from the work queue")
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "minio", "":
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage endpoint is required")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage bucket is required")
		}
	case "fs":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage root is required for the fs backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	return nil
}
