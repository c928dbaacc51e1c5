package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Chat      ChatConfig      `mapstructure:"chat"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// PipelineConfig is the single policy object for retry/backoff and
// sweeper cadence. Defaults preserve the historical behavior: three
// in-process retries at 1s/5s/15s, a 5-minute batch sweep of up to 50
// rows, five total attempts before manual recovery.
type PipelineConfig struct {
	WorkerCount   int             `mapstructure:"worker_count"`
	QueueSize     int             `mapstructure:"queue_size"`
	QueueRetries  int             `mapstructure:"queue_retries"`
	RetryBackoff  []time.Duration `mapstructure:"retry_backoff"`
	MaxAttempts   int             `mapstructure:"max_attempts"`
	BatchInterval time.Duration   `mapstructure:"batch_interval"`
	BatchSize     int             `mapstructure:"batch_size"`
	SweepDelayed  time.Duration   `mapstructure:"sweep_delayed"`
	ReclaimAfter  time.Duration   `mapstructure:"reclaim_after"`
	RunSweepers   bool            `mapstructure:"run_sweepers"`
}

type ChatConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	// OperatorKeyHash is a bcrypt hash of the operator API key accepted
	// as an alternative to a dashboard JWT on read endpoints.
	OperatorKeyHash string `mapstructure:"operator_key_hash"`
}

type RateLimitConfig struct {
	EventsPerSecond float64 `mapstructure:"events_per_second"`
	Burst           int     `mapstructure:"burst"`
}

type RetentionConfig struct {
	DeliveryLogDays int `mapstructure:"delivery_log_days"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("pipeline.worker_count", 4)
	viper.SetDefault("pipeline.queue_size", 1024)
	viper.SetDefault("pipeline.queue_retries", 3)
	viper.SetDefault("pipeline.retry_backoff", []time.Duration{time.Second, 5 * time.Second, 15 * time.Second})
	viper.SetDefault("pipeline.max_attempts", 5)
	viper.SetDefault("pipeline.batch_interval", 5*time.Minute)
	viper.SetDefault("pipeline.batch_size", 50)
	viper.SetDefault("pipeline.sweep_delayed", time.Minute)
	viper.SetDefault("pipeline.reclaim_after", 5*time.Minute)
	viper.SetDefault("pipeline.run_sweepers", true)
	viper.SetDefault("chat.timeout", 10*time.Second)
	viper.SetDefault("chat.user_agent", "chatrelay/1.0")
	viper.SetDefault("rate_limit.events_per_second", 50)
	viper.SetDefault("rate_limit.burst", 100)
	viper.SetDefault("retention.delivery_log_days", 90)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
