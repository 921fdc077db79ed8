package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/dandantas/scout/internal/provider"
	"github.com/dandantas/scout/internal/resilience"
)

// Config holds all application configuration
type Config struct {
	Mongo    MongoConfig
	HTTP     HTTPConfig
	Worker   WorkerConfig
	Log      LogConfig
	CORS     CORSConfig
	Retry    RetryConfig
	Breaker  BreakerConfig
	Job      JobConfig
	Janitor  JanitorConfig
	Provider ProviderConfig
	Auth     AuthConfig
}

// MongoConfig configures the job store
type MongoConfig struct {
	Enabled   bool          `env:"MONGO_ENABLED" envDefault:"true"`
	URI       string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017/scout?authSource=admin"`
	Database  string        `env:"MONGO_DATABASE" envDefault:"scout"`
	Timeout   time.Duration `env:"MONGO_TIMEOUT" envDefault:"10s"`
	Retention time.Duration `env:"MONGO_RETENTION" envDefault:"720h"` // zero keeps finished jobs forever
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Port            string        `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// LongPollMax caps the timeout a progress long-poll may request
	LongPollMax time.Duration `env:"HTTP_LONG_POLL_MAX" envDefault:"60s"`
}

// WorkerConfig configures the job worker pool
type WorkerConfig struct {
	PoolSize  int `env:"WORKER_POOL_SIZE" envDefault:"10"`
	QueueSize int `env:"JOB_QUEUE_SIZE" envDefault:"1000"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
	File   string `env:"LOG_FILE"`
}

// CORSConfig configures cross-origin requests
type CORSConfig struct {
	AllowedOrigins   string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	AllowedMethods   string `env:"CORS_ALLOWED_METHODS" envDefault:"GET, POST, DELETE, OPTIONS"`
	AllowedHeaders   string `env:"CORS_ALLOWED_HEADERS" envDefault:"*"`
	AllowCredentials bool   `env:"CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	MaxAge           int    `env:"CORS_MAX_AGE" envDefault:"3600"`
}

// RetryConfig is the default retry policy for dependent calls
type RetryConfig struct {
	MaxRetries        int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	BaseDelay         time.Duration `env:"RETRY_BASE_DELAY" envDefault:"500ms"`
	BackoffMultiplier float64       `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`
	MaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	Jitter            time.Duration `env:"RETRY_JITTER" envDefault:"250ms"`
	AttemptTimeout    time.Duration `env:"RETRY_ATTEMPT_TIMEOUT" envDefault:"30s"`
}

// BreakerConfig is the default circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	RecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"60s"`
	HalfOpenMaxCalls int           `env:"BREAKER_HALF_OPEN_MAX_CALLS" envDefault:"0"`
}

// JobConfig configures job execution
type JobConfig struct {
	DefaultTimeout      time.Duration `env:"JOB_DEFAULT_TIMEOUT" envDefault:"0s"`
	Retention           time.Duration `env:"JOB_RETENTION" envDefault:"1h"`
	StageDelay          time.Duration `env:"JOB_STAGE_DELAY" envDefault:"0s"`
	SubQueryConcurrency int           `env:"JOB_SUBQUERY_CONCURRENCY" envDefault:"4"`
	StoreTimeout        time.Duration `env:"JOB_STORE_TIMEOUT" envDefault:"5s"`
}

// JanitorConfig configures retention sweeps
type JanitorConfig struct {
	Schedule       string        `env:"JANITOR_SCHEDULE" envDefault:"@every 1m"`
	TraceRetention time.Duration `env:"TRACE_RETENTION" envDefault:"1h"`
}

// ProviderConfig configures the HTTP search provider
type ProviderConfig struct {
	URL           string        `env:"PROVIDER_URL"`
	APIKey        string        `env:"PROVIDER_API_KEY"`
	Timeout       time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	MaxSubQueries int           `env:"PROVIDER_MAX_SUBQUERIES" envDefault:"8"`
	ResultsPath   string        `env:"PROVIDER_RESULTS_PATH" envDefault:"$.results"`
	IDPath        string        `env:"PROVIDER_ID_PATH" envDefault:"$.id"`
	TitlePath     string        `env:"PROVIDER_TITLE_PATH" envDefault:"$.title"`
	URLPath       string        `env:"PROVIDER_URL_PATH" envDefault:"$.url"`
	SnippetPath   string        `env:"PROVIDER_SNIPPET_PATH" envDefault:"$.snippet"`
	ScorePath     string        `env:"PROVIDER_SCORE_PATH" envDefault:"$.score"`
}

// AuthConfig maps API keys to principals. With no keys configured every
// caller is the anonymous principal.
type AuthConfig struct {
	APIKeys map[string]string `env:"API_KEYS" envSeparator:"," envKeyValSeparator:":"`
}

// Load reads .env when present, then parses the environment and validates it
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.PoolSize < 1 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be at least 1"))
	}
	if c.Worker.QueueSize < 1 {
		errs = append(errs, errors.New("JOB_QUEUE_SIZE must be at least 1"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("RETRY_MAX_RETRIES must not be negative"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("RETRY_BACKOFF_MULTIPLIER must be at least 1"))
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, errors.New("breaker thresholds must be at least 1"))
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		errs = append(errs, errors.New("BREAKER_RECOVERY_TIMEOUT must be positive"))
	}
	if c.Job.SubQueryConcurrency < 1 {
		errs = append(errs, errors.New("JOB_SUBQUERY_CONCURRENCY must be at least 1"))
	}
	if c.Job.DefaultTimeout < 0 || c.Job.Retention < 0 {
		errs = append(errs, errors.New("job durations must not be negative"))
	}
	if c.Provider.URL == "" {
		errs = append(errs, errors.New("PROVIDER_URL is required"))
	}
	if c.Mongo.Enabled && c.Mongo.URI == "" {
		errs = append(errs, errors.New("MONGO_URI is required when MONGO_ENABLED is set"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Janitor.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid JANITOR_SCHEDULE: %w", err))
	}

	return errors.Join(errs...)
}

// RetryPolicy converts the retry settings into a policy
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		MaxDelay:          c.Retry.MaxDelay,
		Jitter:            c.Retry.Jitter,
		AttemptTimeout:    c.Retry.AttemptTimeout,
	}
}

// BreakerDefaults converts the breaker settings into a breaker configuration
func (c *Config) BreakerDefaults() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		RecoveryTimeout:  c.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// ProviderSettings converts the provider settings into a provider configuration
func (c *Config) ProviderSettings() provider.Config {
	return provider.Config{
		URL:           c.Provider.URL,
		APIKey:        c.Provider.APIKey,
		Timeout:       c.Provider.Timeout,
		MaxSubQueries: c.Provider.MaxSubQueries,
		Paths: provider.Paths{
			Results: c.Provider.ResultsPath,
			ID:      c.Provider.IDPath,
			Title:   c.Provider.TitlePath,
			URL:     c.Provider.URLPath,
			Snippet: c.Provider.SnippetPath,
			Score:   c.Provider.ScorePath,
		},
	}
}
