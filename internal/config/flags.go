package config

import (
	"os"

	"github.com/spf13/pflag"
)

// Parse builds the server configuration from args (without the program
// name). Flags override every other source.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("relaychat", pflag.ContinueOnError)
	path := fs.String("config", os.Getenv(EnvPrefix+"CONFIG"), "path to a YAML config file")
	addr := fs.String("addr", "", "listen address")
	origin := fs.String("allowed-origin", "", "origin allowed by CORS and the websocket handshake")
	driver := fs.String("store", "", "store driver: memory, sqlite3 or postgres")
	dsn := fs.String("dsn", "", "store data source name")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error")
	logFormat := fs.String("log-format", "", "log format: text or json")
	logCodes := fs.Bool("log-otp-codes", false, "write issued OTP codes to the log")
	otlp := fs.String("otlp-endpoint", "", "OTLP/HTTP trace collector endpoint")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}

	if fs.Changed("addr") {
		cfg.Addr = *addr
	}
	if fs.Changed("allowed-origin") {
		cfg.AllowedOrigin = *origin
	}
	if fs.Changed("store") {
		cfg.Store.Driver = *driver
	}
	if fs.Changed("dsn") {
		cfg.Store.DSN = *dsn
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if fs.Changed("log-otp-codes") {
		cfg.LogOTPCodes = *logCodes
	}
	if fs.Changed("otlp-endpoint") {
		cfg.OTLPEndpoint = *otlp
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
