package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Tracing   TracingConfig `mapstructure:"tracing"`
	Redis     RedisConfig
	Attempt   AttemptConfig   `mapstructure:"attempt"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Driver    string
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
	SSLMode   string `mapstructure:"sslmode"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type StorageConfig struct {
	Type          string        `mapstructure:"type"`
	LocalPath     string        `mapstructure:"local_path"`
	MinioEndpoint string        `mapstructure:"minio_endpoint"`
	MinioAccessID string        `mapstructure:"minio_access_key"`
	MinioSecret   string        `mapstructure:"minio_secret_key"`
	MinioBucket   string        `mapstructure:"minio_bucket"`
	MinioSecure   bool          `mapstructure:"minio_secure"`
	OSSEndpoint   string        `mapstructure:"oss_endpoint"`
	OSSAccessKey  string        `mapstructure:"oss_access_key"`
	OSSSecretKey  string        `mapstructure:"oss_secret_key"`
	OSSBucket     string        `mapstructure:"oss_bucket"`
	URLExpiry     time.Duration `mapstructure:"url_expiry"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// AttemptConfig tunes the attempt workflow. It may be swapped at runtime by
// the config watcher.
type AttemptConfig struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SweepSpec    string        `mapstructure:"sweep_spec"`
	SweepBatch   int           `mapstructure:"sweep_batch"`
	LatchTTL     time.Duration `mapstructure:"latch_ttl"`
}

// DefaultAttemptConfig 默认值：1 秒防抖、每秒计时
func DefaultAttemptConfig() AttemptConfig {
	return AttemptConfig{
		Debounce:     time.Second,
		TickInterval: time.Second,
		WriteTimeout: 5 * time.Second,
		SweepSpec:    "@every 1m",
		SweepBatch:   100,
		LatchTTL:     10 * time.Minute,
	}
}

func (c AttemptConfig) withDefaults() AttemptConfig {
	d := DefaultAttemptConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SweepSpec == "" {
		c.SweepSpec = d.SweepSpec
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	if c.LatchTTL <= 0 {
		c.LatchTTL = d.LatchTTL
	}
	return c
}

func LoadConfig(path string) (*Config, error) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ASSIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "uploads")
	v.SetDefault("storage.url_expiry", 15*time.Minute)

	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("server.port", "SERVER_PORT")

	// Storage
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.oss_endpoint", "OSS_ENDPOINT")
	v.BindEnv("storage.oss_access_key", "OSS_ACCESS_KEY")
	v.BindEnv("storage.oss_secret_key", "OSS_SECRET_KEY")
	v.BindEnv("storage.oss_bucket", "OSS_BUCKET")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Attempt = cfg.Attempt.withDefaults()

	if cfg.Database.Driver != "mysql" && cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	// 生产环境校验 JWT Secret 强度
	if cfg.Server.Mode == "release" && len(cfg.JWT.Secret) < 32 {
		return nil, fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(cfg.JWT.Secret))
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}
