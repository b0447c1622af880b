// Package config handles configuration for the relaychat server: defaults,
// an optional YAML file, RELAYCHAT_* environment variables and command-line
// flags, applied in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RELAYCHAT_"

// Config holds runtime settings for the relaychat server.
type Config struct {
	Addr          string `yaml:"addr" env:"ADDR"`
	AllowedOrigin string `yaml:"allowed_origin" env:"ALLOWED_ORIGIN"`

	// JWTSecret signs session tokens (HS256). The default is for development only.
	JWTSecret  string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`

	OTPTTL        time.Duration `yaml:"otp_ttl" env:"OTP_TTL"`
	OTPHashCost   int           `yaml:"otp_hash_cost" env:"OTP_HASH_COST"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	LogOTPCodes   bool          `yaml:"log_otp_codes" env:"LOG_OTP_CODES"`

	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	SMTP     SMTPConfig     `yaml:"smtp" envPrefix:"SMTP_"`
	Notifier NotifierConfig `yaml:"notifier" envPrefix:"NOTIFIER_"`
	WS       WSConfig       `yaml:"ws" envPrefix:"WS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`

	// OTLPEndpoint enables trace export when set, e.g. "http://localhost:4318".
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}

type StoreConfig struct {
	// Driver is one of memory, sqlite3 or postgres.
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// SMTPConfig configures outbound mail. An empty Host logs mails instead of
// sending them.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	From     string `yaml:"from" env:"FROM"`
}

type NotifierConfig struct {
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	Workers   int `yaml:"workers" env:"WORKERS"`
}

// WSConfig bounds inbound websocket frames per connection. A zero FrameRate
// disables the limit.
type WSConfig struct {
	FrameRate  float64 `yaml:"frame_rate" env:"FRAME_RATE"`
	FrameBurst int     `yaml:"frame_burst" env:"FRAME_BURST"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: the JWT secret must be overridden outside development.
func (c *Config) LoadDefaults() {
	c.Addr = ":5000"
	c.AllowedOrigin = "http://localhost:5173"
	c.JWTSecret = "super_secret_for_chat_app"
	c.SessionTTL = 7 * 24 * time.Hour
	c.OTPTTL = 5 * time.Minute
	c.OTPHashCost = 10
	c.SweepInterval = time.Minute
	c.LogOTPCodes = true
	c.Store = StoreConfig{Driver: "memory"}
	c.SMTP = SMTPConfig{Port: 587, From: "Chat App <no-reply@localhost>"}
	c.Notifier = NotifierConfig{QueueSize: 64, Workers: 2}
	c.WS = WSConfig{FrameRate: 20, FrameBurst: 40}
	c.Log = LogConfig{Level: "info", Format: "text"}
}

// Load applies defaults, then the YAML file at path (if any), then the
// environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every setting the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session_ttl must be positive"))
	}
	if c.OTPTTL <= 0 {
		errs = append(errs, errors.New("otp_ttl must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	// Zero means bcrypt.DefaultCost.
	if c.OTPHashCost != 0 && (c.OTPHashCost < bcrypt.MinCost || c.OTPHashCost > bcrypt.MaxCost) {
		errs = append(errs, fmt.Errorf("otp_hash_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Notifier.QueueSize <= 0 || c.Notifier.Workers <= 0 {
		errs = append(errs, errors.New("notifier queue_size and workers must be positive"))
	}
	if c.WS.FrameRate < 0 {
		errs = append(errs, errors.New("ws.frame_rate must not be negative"))
	}
	return errors.Join(errs...)
}
