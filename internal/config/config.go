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
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Database  DatabaseConfig        `yaml:"database"`
	RabbitMQ  RabbitMQConfig        `yaml:"rabbitmq"`
	Logging   LoggingConfig         `yaml:"logging"`
	App       AppConfig             `yaml:"app"`
	Admission AdmissionConfig       `yaml:"admission"`
	Lanes     map[string]LaneConfig `yaml:"lanes"`
	GPU       GPUConfig             `yaml:"gpu"`
	Reaper    ReaperConfig          `yaml:"reaper"`
	Batch     BatchConfig           `yaml:"batch"`
	Compute   ComputeConfig         `yaml:"compute"`
	Worker    WorkerConfig          `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
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

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// AdmissionConfig holds submission gatekeeping settings
type AdmissionConfig struct {
	RatePerMinute     int `yaml:"rate_per_minute"`
	RateBurst         int `yaml:"rate_burst"`
	MaxActivePerOwner int `yaml:"max_active_per_owner"`
	MaxBacklog        int `yaml:"max_backlog"` // 0 disables the global ceiling
}

// LaneConfig holds per-lane worker pool settings
type LaneConfig struct {
	Queue         string `yaml:"queue"`
	Concurrency   int    `yaml:"concurrency"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// GPUConfig holds resource manager settings
type GPUConfig struct {
	BaseModelPath string        `yaml:"base_model_path"`
	MaxQueueDepth int           `yaml:"max_queue_depth"`
	MaxWait       time.Duration `yaml:"max_wait"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ReaperConfig holds stale-job detection settings
type ReaperConfig struct {
	Interval         time.Duration            `yaml:"interval"`
	DefaultMaxRun    time.Duration            `yaml:"default_max_run"`
	MaxRunByKind     map[string]time.Duration `yaml:"max_run_by_kind"`
	HeartbeatTimeout time.Duration            `yaml:"heartbeat_timeout"`
}

// BatchConfig holds batch orchestration settings
type BatchConfig struct {
	DefaultChunkSize int `yaml:"default_chunk_size"`
	MaxItems         int `yaml:"max_items"`
}

// ComputeConfig holds compute backend endpoints
type ComputeConfig struct {
	DiffusionBaseURL string        `yaml:"diffusion_base_url"`
	LabelerBaseURL   string        `yaml:"labeler_base_url"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the fields the API service depends on.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Admission.RatePerMinute <= 0 {
		return fmt.Errorf("admission rate_per_minute must be greater than 0")
	}

	if c.Admission.MaxActivePerOwner <= 0 {
		return fmt.Errorf("admission max_active_per_owner must be greater than 0")
	}

	if c.Batch.DefaultChunkSize <= 0 {
		return fmt.Errorf("batch default_chunk_size must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker service depends on.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if len(c.Lanes) == 0 {
		return fmt.Errorf("at least one lane must be configured")
	}

	for name, lane := range c.Lanes {
		if lane.Queue == "" {
			return fmt.Errorf("lane %s: queue name is required", name)
		}
		if lane.Concurrency <= 0 {
			return fmt.Errorf("lane %s: concurrency must be greater than 0", name)
		}
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper interval must be greater than 0")
	}

	if c.Reaper.DefaultMaxRun <= 0 {
		return fmt.Errorf("reaper default_max_run must be greater than 0")
	}

	if c.GPU.IdleTimeout <= 0 {
		return fmt.Errorf("gpu idle_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
