package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppEnv   string `mapstructure:"APP_ENV"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	DatabaseDriver  string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns  int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	RedisAddr       string `mapstructure:"REDIS_ADDR"`
	RedisPassword   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix  string `mapstructure:"REDIS_KEY_PREFIX"`
	SessionStore    string `mapstructure:"SESSION_STORE"`
	SessionCookie   string `mapstructure:"SESSION_COOKIE_NAME"`
	CookieDomain    string `mapstructure:"COOKIE_DOMAIN"`
	CookieSecure    bool   `mapstructure:"SESSION_COOKIE_SECURE"`
	CORSOrigins     string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	TokenPepper     string `mapstructure:"TOKEN_PEPPER"`
	LockoutAttempts int    `mapstructure:"LOCKOUT_THRESHOLD"`
	BcryptCost      int    `mapstructure:"BCRYPT_COST"`

	AuthRateLimitRPM     int    `mapstructure:"AUTH_RATE_LIMIT_RPM"`
	APIRateLimitRPM      int    `mapstructure:"API_RATE_LIMIT_RPM"`
	RateLimitFailureMode string `mapstructure:"RATE_LIMIT_FAILURE_MODE"`
	RateLimitBackend     string `mapstructure:"RATE_LIMIT_BACKEND"`
	LoginRateLimit       int    `mapstructure:"LOGIN_RATE_LIMIT"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	OTELServiceName          string  `mapstructure:"OTEL_SERVICE_NAME"`
	OTELEnvironment          string  `mapstructure:"OTEL_ENVIRONMENT"`
	OTELExporterOTLPEndpoint string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELExporterOTLPInsecure bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTELMetricsEnabled       bool    `mapstructure:"OTEL_METRICS_ENABLED"`
	OTELTracingEnabled       bool    `mapstructure:"OTEL_TRACING_ENABLED"`
	OTELLogsEnabled          bool    `mapstructure:"OTEL_LOGS_ENABLED"`
	OTELTraceSampleRatio     float64 `mapstructure:"OTEL_TRACE_SAMPLE_RATIO"`

	SessionIdleTimeout           time.Duration `mapstructure:"-"`
	SessionRememberTTL           time.Duration `mapstructure:"-"`
	SessionSweepInterval         time.Duration `mapstructure:"-"`
	LockoutDuration              time.Duration `mapstructure:"-"`
	VerificationTokenTTL         time.Duration `mapstructure:"-"`
	OTELMetricsExportInterval    time.Duration `mapstructure:"-"`
	ShutdownTimeout              time.Duration `mapstructure:"-"`
	ShutdownHTTPDrainTimeout     time.Duration `mapstructure:"-"`
	ShutdownObservabilityTimeout time.Duration `mapstructure:"-"`
	LoginRateLimitWindow         time.Duration `mapstructure:"-"`
}

var durationKeys = []struct {
	key  string
	def  string
	dest func(*Config) *time.Duration
}{
	{"SESSION_IDLE_TIMEOUT", "30m", func(c *Config) *time.Duration { return &c.SessionIdleTimeout }},
	{"SESSION_REMEMBER_TTL", "720h", func(c *Config) *time.Duration { return &c.SessionRememberTTL }},
	{"SESSION_SWEEP_INTERVAL", "10m", func(c *Config) *time.Duration { return &c.SessionSweepInterval }},
	{"LOCKOUT_DURATION", "30m", func(c *Config) *time.Duration { return &c.LockoutDuration }},
	{"VERIFICATION_TOKEN_TTL", "24h", func(c *Config) *time.Duration { return &c.VerificationTokenTTL }},
	{"OTEL_METRICS_EXPORT_INTERVAL", "15s", func(c *Config) *time.Duration { return &c.OTELMetricsExportInterval }},
	{"SHUTDOWN_TIMEOUT", "20s", func(c *Config) *time.Duration { return &c.ShutdownTimeout }},
	{"SHUTDOWN_HTTP_DRAIN_TIMEOUT", "10s", func(c *Config) *time.Duration { return &c.ShutdownHTTPDrainTimeout }},
	{"SHUTDOWN_OBSERVABILITY_TIMEOUT", "5s", func(c *Config) *time.Duration { return &c.ShutdownObservabilityTimeout }},
	{"LOGIN_RATE_LIMIT_WINDOW", "15m", func(c *Config) *time.Duration { return &c.LoginRateLimitWindow }},
}

// Load reads an optional .env file, lets the environment override it, and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()
	setDefaults(v)

	cfg, err := load(v)
	profile := v.GetString("APP_ENV")
	recordLoad(context.Background(), profile, err)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "careauth")
	v.SetDefault("SESSION_STORE", "database")
	v.SetDefault("SESSION_COOKIE_NAME", "careauth_session")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("SESSION_COOKIE_SECURE", true)
	v.SetDefault("TOKEN_PEPPER", "")
	v.SetDefault("LOCKOUT_THRESHOLD", 5)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("AUTH_RATE_LIMIT_RPM", 30)
	v.SetDefault("API_RATE_LIMIT_RPM", 300)
	v.SetDefault("RATE_LIMIT_FAILURE_MODE", "fail_closed")
	v.SetDefault("RATE_LIMIT_BACKEND", "local")
	v.SetDefault("LOGIN_RATE_LIMIT", 10)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_SERVICE_NAME", "careauth")
	v.SetDefault("OTEL_ENVIRONMENT", "development")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_METRICS_ENABLED", false)
	v.SetDefault("OTEL_TRACING_ENABLED", false)
	v.SetDefault("OTEL_LOGS_ENABLED", false)
	v.SetDefault("OTEL_TRACE_SAMPLE_RATIO", 1.0)
	for _, d := range durationKeys {
		v.SetDefault(d.key, d.def)
	}
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", errLoad, err)
	}
	for _, d := range durationKeys {
		raw := strings.TrimSpace(v.GetString(d.key))
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errParse, d.key, err)
		}
		*d.dest(&cfg) = parsed
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	cfg.RateLimitBackend = strings.ToLower(strings.TrimSpace(cfg.RateLimitBackend))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errValidate, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q must be postgres or sqlite", c.DatabaseDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.SessionStore {
	case "database":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when SESSION_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE %q must be database or redis", c.SessionStore))
	}
	switch c.RateLimitBackend {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND %q must be local or redis", c.RateLimitBackend))
	}
	switch c.RateLimitFailureMode {
	case "fail_open", "fail_closed":
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_FAILURE_MODE %q must be fail_open or fail_closed", c.RateLimitFailureMode))
	}
	if c.LoginRateLimit < 1 || c.LoginRateLimitWindow <= 0 {
		errs = append(errs, errors.New("LOGIN_RATE_LIMIT and LOGIN_RATE_LIMIT_WINDOW must be positive"))
	}
	if len(c.TokenPepper) < 16 {
		errs = append(errs, errors.New("TOKEN_PEPPER must be at least 16 characters"))
	}
	if c.IsProduction() && !c.CookieSecure {
		errs = append(errs, errors.New("SESSION_COOKIE_SECURE must be true in production"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, errors.New("BCRYPT_COST must be between 4 and 31"))
	}
	if c.LockoutAttempts < 1 {
		errs = append(errs, errors.New("LOCKOUT_THRESHOLD must be positive"))
	}
	if c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("LOCKOUT_DURATION must be positive"))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if c.SessionRememberTTL < c.SessionIdleTimeout {
		errs = append(errs, errors.New("SESSION_REMEMBER_TTL must not be shorter than SESSION_IDLE_TIMEOUT"))
	}
	if c.SessionSweepInterval < 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL must not be negative"))
	}
	if c.VerificationTokenTTL <= 0 {
		errs = append(errs, errors.New("VERIFICATION_TOKEN_TTL must be positive"))
	}
	if c.OTELTraceSampleRatio < 0 || c.OTELTraceSampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACE_SAMPLE_RATIO must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != "" && (c.SessionStore == "redis" || c.RateLimitBackend == "redis")
}
