// Package config loads server settings from an optional TOML file and
// CONVGRAPH_* environment variables. Environment values win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "CONVGRAPH_"

type Config struct {
	DatabaseURL string `toml:"database_url"` // DATABASE_URL (empty = in-memory store)
	HTTPAddr    string `toml:"http_addr"`    // HTTP_ADDR (default ":8080")
	GRPCAddr    string `toml:"grpc_addr"`    // GRPC_ADDR (default ":9090")
	NATSURL     string `toml:"nats_url"`     // NATS_URL (optional, empty = no bus)
	RedisURL    string `toml:"redis_url"`    // REDIS_URL (optional, empty = in-memory dead letters)
	AuthToken   string `toml:"auth_token"`   // AUTH_TOKEN (optional, empty = auth disabled)

	// Structural limits
	MaxChildren    int `toml:"max_children"`     // MAX_CHILDREN (default 50)
	MaxDepth       int `toml:"max_depth"`        // MAX_DEPTH (default 100)
	MaxNodes       int `toml:"max_nodes"`        // MAX_NODES (default 2000)
	MaxPromptBytes int `toml:"max_prompt_bytes"` // MAX_PROMPT_BYTES (default 32768)

	// Dispatcher
	Workers        int      `toml:"workers"`          // WORKERS (default 4)
	QueueCapacity  int      `toml:"queue_capacity"`   // QUEUE_CAPACITY (default 256)
	MaxAttempts    int      `toml:"max_attempts"`     // MAX_ATTEMPTS (default 3)
	RetryBaseDelay Duration `toml:"retry_base_delay"` // RETRY_BASE_DELAY (default 500ms)
	RateLimit      float64  `toml:"rate_limit"`       // RATE_LIMIT (requests/s, 0 = unlimited)

	// Notifier
	NotifyWindow Duration `toml:"notify_window"` // NOTIFY_WINDOW (default 2m)
	NotifyBuffer int      `toml:"notify_buffer"` // NOTIFY_BUFFER (default 256)

	// Export
	ExportInterval   Duration `toml:"export_interval"`    // EXPORT_INTERVAL (0 = disabled)
	ExportS3Bucket   string   `toml:"export_s3_bucket"`   // EXPORT_S3_BUCKET (enables S3 when set)
	ExportS3Endpoint string   `toml:"export_s3_endpoint"` // EXPORT_S3_ENDPOINT (custom endpoint for MinIO)
	ExportS3Region   string   `toml:"export_s3_region"`   // EXPORT_S3_REGION (default "us-east-1")
	ExportS3Prefix   string   `toml:"export_s3_prefix"`   // EXPORT_S3_PREFIX (default "convgraph/")

	// Generation
	Generator     string `toml:"generator"`       // GENERATOR (echo|openai, default echo)
	OpenAIBaseURL string `toml:"openai_base_url"` // OPENAI_BASE_URL
	OpenAIAPIKey  string `toml:"openai_api_key"`  // OPENAI_API_KEY

	LogLevel  string `toml:"log_level"`  // LOG_LEVEL (debug|info|warn|error, default info)
	LogFormat string `toml:"log_format"` // LOG_FORMAT (text|json, default text)
}

// Duration decodes TOML strings like "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		MaxChildren:    50,
		MaxDepth:       100,
		MaxNodes:       2000,
		MaxPromptBytes: 32768,
		Workers:        4,
		QueueCapacity:  256,
		MaxAttempts:    3,
		RetryBaseDelay: Duration{500 * time.Millisecond},
		NotifyWindow:   Duration{2 * time.Minute},
		NotifyBuffer:   256,
		ExportS3Region: "us-east-1",
		ExportS3Prefix: "convgraph/",
		Generator:      "echo",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads the file named by CONVGRAPH_CONFIG, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	c := Defaults()
	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("%sCONFIG: %w", EnvPrefix, err)
		}
	}

	e := &envReader{}
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("HTTP_ADDR", &c.HTTPAddr)
	e.str("GRPC_ADDR", &c.GRPCAddr)
	e.str("NATS_URL", &c.NATSURL)
	e.str("REDIS_URL", &c.RedisURL)
	e.str("AUTH_TOKEN", &c.AuthToken)
	e.int("MAX_CHILDREN", &c.MaxChildren)
	e.int("MAX_DEPTH", &c.MaxDepth)
	e.int("MAX_NODES", &c.MaxNodes)
	e.int("MAX_PROMPT_BYTES", &c.MaxPromptBytes)
	e.int("WORKERS", &c.Workers)
	e.int("QUEUE_CAPACITY", &c.QueueCapacity)
	e.int("MAX_ATTEMPTS", &c.MaxAttempts)
	e.duration("RETRY_BASE_DELAY", &c.RetryBaseDelay)
	e.float("RATE_LIMIT", &c.RateLimit)
	e.duration("NOTIFY_WINDOW", &c.NotifyWindow)
	e.int("NOTIFY_BUFFER", &c.NotifyBuffer)
	e.duration("EXPORT_INTERVAL", &c.ExportInterval)
	e.str("EXPORT_S3_BUCKET", &c.ExportS3Bucket)
	e.str("EXPORT_S3_ENDPOINT", &c.ExportS3Endpoint)
	e.str("EXPORT_S3_REGION", &c.ExportS3Region)
	e.str("EXPORT_S3_PREFIX", &c.ExportS3Prefix)
	e.str("GENERATOR", &c.Generator)
	e.str("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	e.str("OPENAI_API_KEY", &c.OpenAIAPIKey)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FORMAT", &c.LogFormat)
	if e.err != nil {
		return nil, e.err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Generator {
	case "echo":
	case "openai":
		if c.OpenAIBaseURL == "" {
			return fmt.Errorf("%sOPENAI_BASE_URL is required for the openai generator", EnvPrefix)
		}
	default:
		return fmt.Errorf("%sGENERATOR: unknown generator %q", EnvPrefix, c.Generator)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%sLOG_FORMAT: must be text or json, got %q", EnvPrefix, c.LogFormat)
	}
	if c.Workers <= 0 || c.QueueCapacity <= 0 || c.MaxAttempts <= 0 {
		return fmt.Errorf("workers, queue capacity and max attempts must be positive")
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%sLOG_LEVEL: %w", EnvPrefix, err)
	}
	return l, nil
}

// envReader applies set environment variables, keeping the first error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		dst.Duration = d
	}
}
