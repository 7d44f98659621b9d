package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LLM providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Storage backends.
const (
	StorageFS = "fs"
	StorageS3 = "s3"
)

// Zero card policies.
const (
	ZeroCardsComplete = "complete"
	ZeroCardsFail     = "fail"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string `yaml:"surrealdb_url" validate:"required"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace" validate:"required"`
	SurrealDBDatabase  string `yaml:"surrealdb_database" validate:"required"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level" validate:"oneof=root database"`

	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"llm"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Worker   WorkerConfig   `yaml:"worker"`
	NATS     NATSConfig     `yaml:"nats"`

	// CheckpointDir is the badger directory for stage checkpoints; empty keeps them in memory.
	CheckpointDir string `yaml:"checkpoint_dir"`
	MetricsAddr   string `yaml:"metrics_addr"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// StorageConfig selects where source documents and decks live.
type StorageConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=fs s3"`
	Dir          string `yaml:"dir" validate:"required_if=Backend fs"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	S3Region     string `yaml:"s3_region"`
	S3Bucket     string `yaml:"s3_bucket" validate:"required_if=Backend s3"`
	S3AccessKey  string `yaml:"s3_access_key"`
	S3SecretKey  string `yaml:"s3_secret_key"`
	S3PathStyle  bool   `yaml:"s3_path_style"`
	SourcePrefix string `yaml:"source_prefix"`
	DeckPrefix   string `yaml:"deck_prefix"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider        string `yaml:"provider" validate:"oneof=ollama openai anthropic bedrock"`
	Model           string `yaml:"model" validate:"required"`
	OllamaHost      string `yaml:"ollama_host"`
	OpenAIAPIKey    string `yaml:"-"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AnthropicAPIKey string `yaml:"-"`
	AWSRegion       string `yaml:"aws_region"`
}

// GatewayConfig tunes the resilience policy around model calls.
type GatewayConfig struct {
	CallTimeout       time.Duration `yaml:"call_timeout" validate:"gt=0"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"min=1,max=10"`
	SchemaRetries     int           `yaml:"schema_retries" validate:"min=0,max=5"`
	BaseDelay         time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay          time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"min=1"`
	Burst             int           `yaml:"burst" validate:"min=1"`
	SynthesisRPM      int           `yaml:"synthesis_rpm" validate:"min=1"`
	BreakerFailures   uint32        `yaml:"breaker_failures" validate:"min=1"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" validate:"gt=0"`
}

// PipelineConfig tunes the stage sequence.
type PipelineConfig struct {
	SegmentSize          int    `yaml:"segment_size" validate:"min=50"`
	SegmentOverlap       int    `yaml:"segment_overlap" validate:"min=0,ltfield=SegmentSize"`
	ExtractConcurrency   int    `yaml:"extract_concurrency" validate:"min=1,max=16"`
	SynthesisConcurrency int    `yaml:"synthesis_concurrency" validate:"min=1,max=16"`
	ZeroCardPolicy       string `yaml:"zero_card_policy" validate:"oneof=complete fail"`
}

// WorkerConfig tunes job dispatch.
type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency" validate:"min=1"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	JobTimeout     time.Duration `yaml:"job_timeout" validate:"gt=0"`
	SoftMargin     time.Duration `yaml:"soft_margin" validate:"ltfield=JobTimeout"`
	LeaseDuration  time.Duration `yaml:"lease_duration" validate:"gt=0"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	MaxRetries     int           `yaml:"max_retries" validate:"min=0,max=20"`
}

// NATSConfig enables queue dispatch over JetStream.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream" validate:"required_with=URL"`
	Subject string `yaml:"subject" validate:"required_with=URL"`
	Durable string `yaml:"durable" validate:"required_with=URL"`
}

// Enabled reports whether queue dispatch is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "compendium",
		SurrealDBDatabase:  "jobs",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",
		Storage: StorageConfig{
			Backend:      StorageFS,
			Dir:          "./data",
			S3Region:     "us-east-1",
			SourcePrefix: "sources",
			DeckPrefix:   "decks",
		},
		LLM: LLMConfig{
			Provider:   ProviderOllama,
			Model:      "llama3.1",
			OllamaHost: "http://localhost:11434",
			AWSRegion:  "us-east-1",
		},
		Gateway: GatewayConfig{
			CallTimeout:       120 * time.Second,
			MaxAttempts:       4,
			SchemaRetries:     2,
			BaseDelay:         2 * time.Second,
			MaxDelay:          60 * time.Second,
			RequestsPerMinute: 60,
			Burst:             4,
			SynthesisRPM:      40,
			BreakerFailures:   8,
			BreakerCooldown:   30 * time.Second,
		},
		Pipeline: PipelineConfig{
			SegmentSize:          500,
			SegmentOverlap:       100,
			ExtractConcurrency:   3,
			SynthesisConcurrency: 3,
			ZeroCardPolicy:       ZeroCardsComplete,
		},
		Worker: WorkerConfig{
			Concurrency:    2,
			PollInterval:   2 * time.Second,
			JobTimeout:     2 * time.Hour,
			SoftMargin:     5 * time.Minute,
			LeaseDuration:  10 * time.Minute,
			RetryBaseDelay: 30 * time.Second,
			MaxRetries:     3,
		},
		NATS: NATSConfig{
			Stream:  "COMPENDIUM_JOBS",
			Subject: "compendium.jobs",
			Durable: "compendium-worker",
		},
		MetricsAddr: ":9464",
		LogFile:     "/tmp/compendium.log",
		LogLevel:    slog.LevelInfo,
	}
}

// Load reads configuration from an optional .env file, an optional YAML
// file named by COMPENDIUM_CONFIG, and environment variables, in that order
// of increasing precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("COMPENDIUM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// SurrealDB
	cfg.SurrealDBURL = getEnv("SURREALDB_URL", cfg.SurrealDBURL)
	cfg.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", cfg.SurrealDBNamespace)
	cfg.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", cfg.SurrealDBDatabase)
	cfg.SurrealDBUser = getEnv("SURREALDB_USER", cfg.SurrealDBUser)
	cfg.SurrealDBPass = getEnv("SURREALDB_PASS", cfg.SurrealDBPass)
	cfg.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", cfg.SurrealDBAuthLevel)

	// Storage
	cfg.Storage.Backend = getEnv("COMPENDIUM_STORAGE", cfg.Storage.Backend)
	cfg.Storage.Dir = getEnv("COMPENDIUM_STORAGE_DIR", cfg.Storage.Dir)
	cfg.Storage.S3Endpoint = getEnv("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getEnv("S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.S3Bucket = getEnv("S3_BUCKET", cfg.Storage.S3Bucket)
	cfg.Storage.S3AccessKey = getEnv("S3_ACCESS_KEY", cfg.Storage.S3AccessKey)
	cfg.Storage.S3SecretKey = getEnv("S3_SECRET_KEY", cfg.Storage.S3SecretKey)
	cfg.Storage.S3PathStyle = getEnvBool("S3_PATH_STYLE", cfg.Storage.S3PathStyle)

	// LLM
	cfg.LLM.Provider = getEnv("COMPENDIUM_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("COMPENDIUM_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.OllamaHost = getEnv("OLLAMA_HOST", cfg.LLM.OllamaHost)
	cfg.LLM.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.LLM.OpenAIBaseURL)
	cfg.LLM.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.LLM.AnthropicAPIKey)
	cfg.LLM.AWSRegion = getEnv("AWS_REGION", cfg.LLM.AWSRegion)

	// Gateway
	cfg.Gateway.CallTimeout = getEnvDuration("COMPENDIUM_LLM_TIMEOUT", cfg.Gateway.CallTimeout)
	cfg.Gateway.MaxAttempts = getEnvInt("COMPENDIUM_LLM_MAX_ATTEMPTS", cfg.Gateway.MaxAttempts)
	cfg.Gateway.RequestsPerMinute = getEnvInt("COMPENDIUM_LLM_RPM", cfg.Gateway.RequestsPerMinute)
	cfg.Gateway.SynthesisRPM = getEnvInt("COMPENDIUM_LLM_SYNTHESIS_RPM", cfg.Gateway.SynthesisRPM)

	// Pipeline
	cfg.Pipeline.SegmentSize = getEnvInt("COMPENDIUM_SEGMENT_SIZE", cfg.Pipeline.SegmentSize)
	cfg.Pipeline.SegmentOverlap = getEnvInt("COMPENDIUM_SEGMENT_OVERLAP", cfg.Pipeline.SegmentOverlap)
	cfg.Pipeline.ZeroCardPolicy = getEnv("COMPENDIUM_ZERO_CARD_POLICY", cfg.Pipeline.ZeroCardPolicy)

	// Worker
	cfg.Worker.Concurrency = getEnvInt("COMPENDIUM_WORKERS", cfg.Worker.Concurrency)
	cfg.Worker.JobTimeout = getEnvDuration("COMPENDIUM_JOB_TIMEOUT", cfg.Worker.JobTimeout)
	cfg.Worker.MaxRetries = getEnvInt("COMPENDIUM_MAX_RETRIES", cfg.Worker.MaxRetries)

	// NATS
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)

	cfg.CheckpointDir = getEnv("COMPENDIUM_CHECKPOINT_DIR", cfg.CheckpointDir)
	cfg.MetricsAddr = getEnv("COMPENDIUM_METRICS_ADDR", cfg.MetricsAddr)

	// Logging
	cfg.LogFile = getEnv("COMPENDIUM_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = parseLogLevel(getEnv("COMPENDIUM_LOG_LEVEL", cfg.LogLevel.String()))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg for inconsistent or out-of-range values.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1"
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("ignoring invalid duration env var", "key", key, "value", val)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
