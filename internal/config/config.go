package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	LogLevel           string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant      string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string   `mapstructure:"AUTH_SIGNING_KEY"`
	MaxUploadBytes     int64    `mapstructure:"MAX_UPLOAD_BYTES"`
	JobWorkers         int      `mapstructure:"JOB_WORKERS"`
	JobQueueSize       int      `mapstructure:"JOB_QUEUE_SIZE"`
	GlosaPolicyFile    string   `mapstructure:"GLOSA_POLICY_FILE"`
	EncodingSampleSize int      `mapstructure:"ENCODING_SAMPLE_SIZE"`
	// EncodingKeepUTF8 keeps multi-byte UTF-8 input as UTF-8 when it also
	// carries stray control bytes.
	EncodingKeepUTF8 bool `mapstructure:"ENCODING_KEEP_MULTIBYTE_UTF8"`
	// UploadRatePerMinute caps return uploads per tenant and client address.
	// Zero disables the limit.
	UploadRatePerMinute int `mapstructure:"UPLOAD_RATE_PER_MINUTE"`
	UploadBurst         int `mapstructure:"UPLOAD_BURST"`
}

var keys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DEFAULT_TENANT",
	"CORS_ORIGINS",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"MAX_UPLOAD_BYTES",
	"JOB_WORKERS",
	"JOB_QUEUE_SIZE",
	"GLOSA_POLICY_FILE",
	"ENCODING_SAMPLE_SIZE",
	"ENCODING_KEEP_MULTIBYTE_UTF8",
	"UPLOAD_RATE_PER_MINUTE",
	"UPLOAD_BURST",
}

// Load reads configuration from an optional .env file and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAX_UPLOAD_BYTES", 100*1024*1024)
	v.SetDefault("JOB_WORKERS", 4)
	v.SetDefault("JOB_QUEUE_SIZE", 64)
	v.SetDefault("ENCODING_SAMPLE_SIZE", 5000)
	v.SetDefault("ENCODING_KEEP_MULTIBYTE_UTF8", false)
	v.SetDefault("UPLOAD_RATE_PER_MINUTE", 30)
	v.SetDefault("UPLOAD_BURST", 10)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token signing key is required so bearer tokens are checked.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters in production")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive, got %d", c.JobWorkers)
	}
	if c.JobQueueSize < 0 {
		return fmt.Errorf("JOB_QUEUE_SIZE must not be negative, got %d", c.JobQueueSize)
	}
	if c.EncodingSampleSize <= 0 {
		return fmt.Errorf("ENCODING_SAMPLE_SIZE must be positive, got %d", c.EncodingSampleSize)
	}
	if c.UploadRatePerMinute < 0 || c.UploadBurst < 0 {
		return fmt.Errorf("UPLOAD_RATE_PER_MINUTE and UPLOAD_BURST must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
