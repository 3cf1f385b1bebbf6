package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Host         string        `env:"CHATRELAY_HOST,default=0.0.0.0"`
	Port         int           `env:"CHATRELAY_PORT,default=50000" validate:"min=1,max=65535"`
	LoginTimeout time.Duration `env:"CHATRELAY_LOGIN_TIMEOUT,default=60s" validate:"gt=0"`
	WriteTimeout time.Duration `env:"CHATRELAY_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	LogLevel     string        `env:"CHATRELAY_LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Optional extras, disabled when empty.
	JournalPath      string `env:"CHATRELAY_JOURNAL_PATH"`
	ControlSocket    string `env:"CHATRELAY_CONTROL_SOCKET"`
	ControlTokenHash string `env:"CHATRELAY_CONTROL_TOKEN_HASH"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the listen address of the chat endpoint.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
