package config

import (
	"time"
)

// TRUE is the only string that turns a boolean environment flag on.
const TRUE = "true"

// KnowledgeConfig points at the managed knowledge base
type KnowledgeConfig struct {
	Region          string // AWS region for Bedrock, Comprehend and S3
	KnowledgeBaseID string // Bedrock knowledge base id
	ModelARN        string // Generation model ARN or id
	NumberOfResults int    // Passages fed to generation, 0 keeps the service default
	ContextTopK     int    // Snippets retrieved for guardrail routing
}

// GuardrailConfig holds the default and compliance guardrail pairs
type GuardrailConfig struct {
	ID                string
	Version           string
	ComplianceID      string // Optional; empty means bypass retries run unguarded
	ComplianceVersion string
	KeywordsFile      string // Optional YAML keyword tables, hot-reloaded
}

// CacheConfig sizes the response caches
type CacheConfig struct {
	ContextCapacity int
	AnswerCapacity  int
	TTL             time.Duration
	RedisAddr       string // Optional shared answer tier
	RedisPassword   string
	RedisDB         int
}

// RetryConfig tunes the resilient executor
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// PIIConfig selects and tunes the PII detector
type PIIConfig struct {
	DetectorName       string
	ModelBaseURL       string // model_detector endpoint
	ModelDir           string // onnx_model_detector directory
	MinConfidenceScore float64
	LanguageCode       string
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Port              string
	RequestTimeout    time.Duration
	AllowedOrigins    []string
	RateLimit         float64 // Requests per second, 0 disables limiting
	RateBurst         int
	MaxQueryLength    int
	DegradeOnThrottle bool
}

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Format     string // json or text
	Level      string // debug, info, warn, error
	LogVerbose bool   // Log masked question and answer text
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
}

// TelemetryConfig controls the weekly rollup
type TelemetryConfig struct {
	RetentionWeeks   int
	Store            string // memory, postgres or sqlite
	SQLitePath       string
	FlushSchedule    string // cron expression
	MetricsNamespace string
}

// CorpusConfig drives corpus ingestion
type CorpusConfig struct {
	OutputDir string
	S3Bucket  string // Optional upload target backing the knowledge base
	S3Prefix  string
}

// Config holds all configuration for the service
type Config struct {
	Knowledge KnowledgeConfig
	Guardrail GuardrailConfig
	Cache     CacheConfig
	Retry     RetryConfig
	PII       PIIConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Corpus    CorpusConfig
	SentryDSN string

	// parseErrors collects malformed environment values for Validate
	parseErrors []string
}

// DefaultConfig returns the default configuration. Required settings are
// left empty and must come from the environment.
func DefaultConfig() *Config {
	return &Config{
		Knowledge: KnowledgeConfig{
			Region:      "us-east-1",
			ContextTopK: 3,
		},
		Cache: CacheConfig{
			ContextCapacity: 256,
			AnswerCapacity:  256,
			TTL:             5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   2 * time.Second,
		},
		PII: PIIConfig{
			DetectorName:       "comprehend",
			ModelBaseURL:       "http://localhost:8000",
			ModelDir:           "model/quantized",
			MinConfidenceScore: 0.5,
			LanguageCode:       "en",
		},
		Server: ServerConfig{
			Port:              ":8080",
			RequestTimeout:    30 * time.Second,
			AllowedOrigins:    []string{"*"},
			RateLimit:         10,
			RateBurst:         20,
			MaxQueryLength:    10000,
			DegradeOnThrottle: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "privacy_rag",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  300,
		},
		Telemetry: TelemetryConfig{
			RetentionWeeks:   12,
			Store:            "memory",
			SQLitePath:       "telemetry.db",
			FlushSchedule:    "*/5 * * * *",
			MetricsNamespace: "privacy_rag",
		},
		Corpus: CorpusConfig{
			OutputDir: "corpus",
			S3Prefix:  "federal-register/",
		},
	}
}

// ComplianceEnabled reports whether a dedicated compliance guardrail is set.
func (g GuardrailConfig) ComplianceEnabled() bool {
	return g.ComplianceID != ""
}
