// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	MaxSyncWait     time.Duration `yaml:"max_sync_wait"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Per-client fixed window on intake.
	IntakeLimit  int           `yaml:"intake_limit"`
	IntakeWindow time.Duration `yaml:"intake_window"`
}

type AdminConfig struct {
	Secret     string        `yaml:"secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	Backend   string        `yaml:"backend"` // redis|badger
	TTL       time.Duration `yaml:"ttl"`
	BadgerDir string        `yaml:"badger_dir"` // empty = in-memory
}

type AIConfig struct {
	Provider        string        `yaml:"provider"` // openai|gemini|multi
	OpenAIKey       string        `yaml:"openai_key"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	GeminiKey       string        `yaml:"gemini_key"`
	GradingModel    string        `yaml:"grading_model"`
	LocationModel   string        `yaml:"location_model"`
	GeminiModel     string        `yaml:"gemini_model"`
	ConcurrentLimit int           `yaml:"concurrent_limit"` // max concurrent AI calls per process
	Timeout         time.Duration `yaml:"timeout"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
}

type OCRConfig struct {
	Provider  string        `yaml:"provider"` // yandex|none
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	FolderID  string        `yaml:"folder_id"`
	Model     string        `yaml:"model"`
	Languages []string      `yaml:"languages"`
	Timeout   time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	MaxBytes    int64         `yaml:"max_bytes"`
	S3          struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Region    string `yaml:"region"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"s3"`
	GCS struct {
		Enabled         bool   `yaml:"enabled"`
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"gcs"`
}

type ComplexityConfig struct {
	SimpleBelow  int `yaml:"simple_below"`
	ComplexAbove int `yaml:"complex_from"`
}

type GradingConfig struct {
	MalformedRetries int `yaml:"malformed_retries"`

	// Prompt token budget of one combined batch call.
	BatchTokenBudget int `yaml:"batch_token_budget"`

	// Minimum error severity sent to location, per execution mode.
	LocateSeverity map[string]string `yaml:"locate_severity"`
}

type LocationConfig struct {
	MinConfidence       float64 `yaml:"min_confidence"`
	OutOfBoundsPenalty  float64 `yaml:"out_of_bounds_penalty"`
	DistancePenalty     float64 `yaml:"distance_penalty"`
	SmallBoxPenalty     float64 `yaml:"small_box_penalty"`
	MinBoxSize          int     `yaml:"min_box_size"`
	LargeBoxPenalty     float64 `yaml:"large_box_penalty"`
	LargeBoxRatio       float64 `yaml:"large_box_ratio"`
	FallbackWidth       int     `yaml:"fallback_width"`
	FallbackHeight      int     `yaml:"fallback_height"`
	FallbackConfidence  float64 `yaml:"fallback_confidence"`
	Concurrency         int     `yaml:"concurrency"`
	MalformedRetries    int     `yaml:"malformed_retries"`
	DistanceHeightRatio float64 `yaml:"distance_height_ratio"`
}

type QueueConfig struct {
	Prefix          string        `yaml:"prefix"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	DequeueTimeout  time.Duration `yaml:"dequeue_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxDeliveries   int           `yaml:"max_deliveries"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	RetryLaterDelay time.Duration `yaml:"retry_later_delay"`
}

type WorkerConfig struct {
	MinWorkers         int           `yaml:"min_workers"`
	MaxWorkers         int           `yaml:"max_workers"`
	ScaleInterval      time.Duration `yaml:"scale_interval"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
}

type ResilienceConfig struct {
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`

	// Token bucket shared by all stages of one process.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`

	// Fixed window shared by all workers through redis.
	SharedLimit  int           `yaml:"shared_limit"`
	SharedWindow time.Duration `yaml:"shared_window"`

	RetryMaxTries   uint          `yaml:"retry_max_tries"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

type NotifyConfig struct {
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
}

type TracingConfig struct {
	Exporter    string `yaml:"exporter"` // none|stdout
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Admin      AdminConfig      `yaml:"admin"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	AI         AIConfig         `yaml:"ai"`
	OCR        OCRConfig        `yaml:"ocr"`
	Storage    StorageConfig    `yaml:"storage"`
	Complexity ComplexityConfig `yaml:"complexity"`
	Grading    GradingConfig    `yaml:"grading"`
	Location   LocationConfig   `yaml:"location"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Notify     NotifyConfig     `yaml:"notify"`
	Tracing    TracingConfig    `yaml:"tracing"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the yaml file at path, applies env overrides for secrets
// (an optional .env file is loaded first) and fills defaults.
// A missing file is allowed; defaults and env then make up the config.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load()

	cfg := unsetConfig()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Runtime.Dev = dev

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.AI.OpenAIKey, "GRADER_OPENAI_KEY")
	override(&cfg.AI.GeminiKey, "GRADER_GEMINI_KEY")
	override(&cfg.OCR.APIKey, "GRADER_OCR_API_KEY")
	override(&cfg.Database.URL, "GRADER_DATABASE_URL")
	override(&cfg.Redis.URL, "GRADER_REDIS_URL")
	override(&cfg.Admin.Secret, "GRADER_ADMIN_SECRET")
	override(&cfg.Notify.Telegram.Token, "GRADER_TELEGRAM_TOKEN")
	override(&cfg.Storage.S3.SecretKey, "GRADER_S3_SECRET_KEY")
}

// Default fills every unset tunable; it is exported for tests and tools that
// build a Config without a file.
func Default() *Config {
	cfg := unsetConfig()
	applyDefaults(&cfg)
	return &cfg
}

// unsetRetries marks a retry count absent from the file; 0 is a valid setting.
const unsetRetries = -1

func unsetConfig() Config {
	var cfg Config
	cfg.Grading.MalformedRetries = unsetRetries
	cfg.Location.MalformedRetries = unsetRetries
	return cfg
}

func applyDefaults(cfg *Config) {
	setStr := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst <= 0 {
			*dst = v
		}
	}
	setFloat := func(dst *float64, v float64) {
		if *dst <= 0 {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v time.Duration) {
		if *dst <= 0 {
			*dst = v
		}
	}

	setStr(&cfg.Log.Level, "info")
	setStr(&cfg.Log.Format, "json")

	setStr(&cfg.HTTP.Addr, ":8080")
	setDur(&cfg.HTTP.MaxSyncWait, 2*time.Minute)
	setDur(&cfg.HTTP.ShutdownTimeout, 15*time.Second)
	setInt(&cfg.HTTP.IntakeLimit, 60)
	setDur(&cfg.HTTP.IntakeWindow, time.Minute)
	setDur(&cfg.Admin.SessionTTL, time.Hour)

	setStr(&cfg.Cache.Backend, "redis")
	setDur(&cfg.Cache.TTL, 7*24*time.Hour)

	setStr(&cfg.AI.Provider, "openai")
	setStr(&cfg.AI.GradingModel, "gpt-4o-mini")
	setStr(&cfg.AI.LocationModel, cfg.AI.GradingModel)
	setStr(&cfg.AI.GeminiModel, "gemini-2.0-flash")
	setInt(&cfg.AI.ConcurrentLimit, 16)
	setDur(&cfg.AI.Timeout, 60*time.Second)
	setInt(&cfg.AI.MaxTokens, 2048)
	// Temperature 0 is a legitimate value; only negative input is reset.
	if cfg.AI.Temperature < 0 {
		cfg.AI.Temperature = 0
	}

	setStr(&cfg.OCR.Provider, "yandex")
	setStr(&cfg.OCR.URL, "https://ocr.api.cloud.yandex.net/ocr/v1/recognizeText")
	setStr(&cfg.OCR.Model, "page")
	if len(cfg.OCR.Languages) == 0 {
		cfg.OCR.Languages = []string{"en", "ru"}
	}
	setDur(&cfg.OCR.Timeout, 30*time.Second)

	setDur(&cfg.Storage.HTTPTimeout, 20*time.Second)
	if cfg.Storage.MaxBytes <= 0 {
		cfg.Storage.MaxBytes = 20 << 20
	}
	setStr(&cfg.Storage.S3.Region, "us-east-1")

	setInt(&cfg.Complexity.SimpleBelow, 30)
	setInt(&cfg.Complexity.ComplexAbove, 70)

	if cfg.Grading.MalformedRetries < 0 {
		cfg.Grading.MalformedRetries = 1
	}
	setInt(&cfg.Grading.BatchTokenBudget, 6000)
	if cfg.Grading.LocateSeverity == nil {
		cfg.Grading.LocateSeverity = map[string]string{}
	}
	for mode, sev := range map[string]string{"fast": "high", "standard": "medium", "full": "low"} {
		if cfg.Grading.LocateSeverity[mode] == "" {
			cfg.Grading.LocateSeverity[mode] = sev
		}
	}

	setFloat(&cfg.Location.MinConfidence, 0.5)
	setFloat(&cfg.Location.OutOfBoundsPenalty, 0.5)
	setFloat(&cfg.Location.DistancePenalty, 0.7)
	setFloat(&cfg.Location.DistanceHeightRatio, 1.0)
	setFloat(&cfg.Location.SmallBoxPenalty, 0.8)
	setInt(&cfg.Location.MinBoxSize, 10)
	setFloat(&cfg.Location.LargeBoxPenalty, 0.8)
	setFloat(&cfg.Location.LargeBoxRatio, 0.8)
	setInt(&cfg.Location.FallbackWidth, 100)
	setInt(&cfg.Location.FallbackHeight, 50)
	setFloat(&cfg.Location.FallbackConfidence, 0.3)
	setInt(&cfg.Location.Concurrency, 8)
	if cfg.Location.MalformedRetries < 0 {
		cfg.Location.MalformedRetries = 1
	}

	setStr(&cfg.Queue.Prefix, "grading")
	setDur(&cfg.Queue.TaskTimeout, 10*time.Minute)
	setDur(&cfg.Queue.DequeueTimeout, 5*time.Second)
	setDur(&cfg.Queue.PollInterval, 100*time.Millisecond)
	setInt(&cfg.Queue.MaxDeliveries, 3)
	setDur(&cfg.Queue.ReapInterval, 15*time.Second)
	setDur(&cfg.Queue.RetryLaterDelay, 60*time.Second)

	setInt(&cfg.Worker.MinWorkers, 2)
	setInt(&cfg.Worker.MaxWorkers, 16)
	setDur(&cfg.Worker.ScaleInterval, 30*time.Second)
	setFloat(&cfg.Worker.ScaleUpThreshold, 2.0)
	setFloat(&cfg.Worker.ScaleDownThreshold, 0.5)

	setInt(&cfg.Resilience.BreakerThreshold, 5)
	setDur(&cfg.Resilience.BreakerCooldown, 30*time.Second)
	setFloat(&cfg.Resilience.RatePerSecond, 10)
	setInt(&cfg.Resilience.RateBurst, 20)
	setInt(&cfg.Resilience.SharedLimit, 600)
	setDur(&cfg.Resilience.SharedWindow, time.Minute)
	if cfg.Resilience.RetryMaxTries == 0 {
		cfg.Resilience.RetryMaxTries = 3
	}
	setDur(&cfg.Resilience.RetryMaxElapsed, 45*time.Second)
	setDur(&cfg.Resilience.LockTTL, 10*time.Second)

	setStr(&cfg.Notify.Kafka.Topic, "grading.events")

	setStr(&cfg.Tracing.Exporter, "none")
	setStr(&cfg.Tracing.ServiceName, "grading-orchestrator")
}

// Validate performs the minimal checks every command needs.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Worker.MinWorkers > c.Worker.MaxWorkers {
		return fmt.Errorf("worker.min_workers (%d) exceeds worker.max_workers (%d)", c.Worker.MinWorkers, c.Worker.MaxWorkers)
	}
	if c.Worker.ScaleDownThreshold >= c.Worker.ScaleUpThreshold {
		return errors.New("worker.scale_down_threshold must be below worker.scale_up_threshold")
	}
	if c.Complexity.SimpleBelow >= c.Complexity.ComplexAbove {
		return errors.New("complexity.simple_below must be below complexity.complex_from")
	}
	if c.Location.FallbackConfidence >= c.Location.MinConfidence {
		return errors.New("location.fallback_confidence must be below location.min_confidence")
	}
	switch c.Cache.Backend {
	case "redis", "badger":
	default:
		return fmt.Errorf("cache.backend %q: want redis or badger", c.Cache.Backend)
	}
	switch c.Tracing.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter %q: want none or stdout", c.Tracing.Exporter)
	}
	return nil
}

// RequireDatabase is checked by commands that persist submissions.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	return nil
}
