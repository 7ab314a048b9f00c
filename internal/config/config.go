package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"chat_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"chat_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"chat_db"`

	// Outbound queue slots per connection; overflowing one triggers the
	// slow-consumer policy, never unbounded growth.
	QueueCapacity   int `env:"QUEUE_CAPACITY"    envDefault:"64"   validate:"min=1"`
	MaxPayloadBytes int `env:"MAX_PAYLOAD_BYTES" envDefault:"4096" validate:"min=1"`

	IdleTimeoutSeconds  int `env:"IDLE_TIMEOUT_SECONDS"  envDefault:"300" validate:"min=1"`
	DrainTimeoutSeconds int `env:"DRAIN_TIMEOUT_SECONDS" envDefault:"5"   validate:"min=1"`

	HistoryLimit int `env:"HISTORY_LIMIT" envDefault:"50" validate:"min=0"`

	BackpressurePolicy string `env:"BACKPRESSURE_POLICY" envDefault:"fail_fast" validate:"oneof=fail_fast drain"`

	SyncMessages bool `env:"SYNC_MESSAGES" envDefault:"true"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8086" validate:"min=1000,max=65535"`
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
