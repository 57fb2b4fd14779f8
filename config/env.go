package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads an optional .env file, applies environment overrides to the
// defaults and validates the result. A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overrides cfg with environment variables
func LoadFromEnv(cfg *Config) {
	loadKnowledgeConfig(cfg)
	loadGuardrailConfig(cfg)
	loadCacheConfig(cfg)
	loadRetryConfig(cfg)
	loadPIIConfig(cfg)
	loadServerConfig(cfg)
	loadLoggingConfig(cfg)
	loadDatabaseConfig(cfg)
	loadTelemetryConfig(cfg)
	loadCorpusConfig(cfg)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.SentryDSN = dsn
	}
}

// loadKnowledgeConfig loads knowledge base configuration from environment variables
func loadKnowledgeConfig(cfg *Config) {
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Knowledge.Region = region
	}

	if id := os.Getenv("KNOWLEDGE_BASE_ID"); id != "" {
		cfg.Knowledge.KnowledgeBaseID = id
	}

	if arn := os.Getenv("MODEL_ARN"); arn != "" {
		cfg.Knowledge.ModelARN = arn
	}

	cfg.envInt("NUMBER_OF_RESULTS", "Knowledge.NumberOfResults", &cfg.Knowledge.NumberOfResults)
	cfg.envInt("CONTEXT_TOP_K", "Knowledge.ContextTopK", &cfg.Knowledge.ContextTopK)
}

// loadGuardrailConfig loads guardrail configuration from environment variables
func loadGuardrailConfig(cfg *Config) {
	if id := os.Getenv("GUARDRAIL_ID"); id != "" {
		cfg.Guardrail.ID = id
	}

	if version := os.Getenv("GUARDRAIL_VERSION"); version != "" {
		cfg.Guardrail.Version = version
	}

	if id := os.Getenv("COMPLIANCE_GUARDRAIL_ID"); id != "" {
		cfg.Guardrail.ComplianceID = id
	}

	if version := os.Getenv("COMPLIANCE_GUARDRAIL_VERSION"); version != "" {
		cfg.Guardrail.ComplianceVersion = version
	}

	if path := os.Getenv("KEYWORDS_FILE"); path != "" {
		cfg.Guardrail.KeywordsFile = path
	}
}

// loadCacheConfig loads cache configuration from environment variables
func loadCacheConfig(cfg *Config) {
	cfg.envInt("CONTEXT_CACHE_SIZE", "Cache.ContextCapacity", &cfg.Cache.ContextCapacity)
	cfg.envInt("ANSWER_CACHE_SIZE", "Cache.AnswerCapacity", &cfg.Cache.AnswerCapacity)
	cfg.envDuration("CACHE_TTL", "Cache.TTL", &cfg.Cache.TTL)

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Cache.RedisPassword = password
	}

	cfg.envInt("REDIS_DB", "Cache.RedisDB", &cfg.Cache.RedisDB)
}

// loadRetryConfig loads retry configuration from environment variables
func loadRetryConfig(cfg *Config) {
	cfg.envInt("MAX_RETRIES", "Retry.MaxRetries", &cfg.Retry.MaxRetries)
	cfg.envDuration("RETRY_BASE_DELAY", "Retry.BaseDelay", &cfg.Retry.BaseDelay)
	cfg.envDuration("RETRY_MAX_DELAY", "Retry.MaxDelay", &cfg.Retry.MaxDelay)
}

// loadPIIConfig loads PII detector configuration from environment variables
func loadPIIConfig(cfg *Config) {
	if detectorName := os.Getenv("DETECTOR_NAME"); detectorName != "" {
		cfg.PII.DetectorName = detectorName
	}

	if modelBaseURL := os.Getenv("MODEL_BASE_URL"); modelBaseURL != "" {
		cfg.PII.ModelBaseURL = modelBaseURL
	}

	if modelDir := os.Getenv("MODEL_DIR"); modelDir != "" {
		cfg.PII.ModelDir = modelDir
	}

	if lang := os.Getenv("PII_LANGUAGE_CODE"); lang != "" {
		cfg.PII.LanguageCode = lang
	}

	if v := os.Getenv("PII_MIN_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			cfg.parseErrors = append(cfg.parseErrors, fmt.Sprintf("PII.MinConfidenceScore: must be a number (current value: %s)", v))
		} else {
			cfg.PII.MinConfidenceScore = f
		}
	}
}

// loadServerConfig loads HTTP server configuration from environment variables
func loadServerConfig(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		// Platforms commonly export a bare number
		if _, err := strconv.Atoi(port); err == nil {
			port = ":" + port
		}
		cfg.Server.Port = port
	}

	cfg.envDuration("REQUEST_TIMEOUT", "Server.RequestTimeout", &cfg.Server.RequestTimeout)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			cfg.parseErrors = append(cfg.parseErrors, fmt.Sprintf("Server.RateLimit: must be a number (current value: %s)", v))
		} else {
			cfg.Server.RateLimit = f
		}
	}

	cfg.envInt("RATE_LIMIT_BURST", "Server.RateBurst", &cfg.Server.RateBurst)
	cfg.envInt("MAX_QUERY_LENGTH", "Server.MaxQueryLength", &cfg.Server.MaxQueryLength)

	if degrade := os.Getenv("DEGRADE_ON_THROTTLE"); degrade != "" {
		cfg.Server.DegradeOnThrottle = degrade == TRUE
	}
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(cfg *Config) {
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = strings.ToLower(format)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	if logVerbose := os.Getenv("LOG_VERBOSE"); logVerbose != "" {
		cfg.Logging.LogVerbose = logVerbose == TRUE
	}
}

// loadDatabaseConfig loads database configuration from environment variables
func loadDatabaseConfig(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	cfg.envInt("DB_PORT", "Database.Port", &cfg.Database.Port)

	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}
}

// loadTelemetryConfig loads telemetry configuration from environment variables
func loadTelemetryConfig(cfg *Config) {
	cfg.envInt("TELEMETRY_RETENTION_WEEKS", "Telemetry.RetentionWeeks", &cfg.Telemetry.RetentionWeeks)

	if store := os.Getenv("TELEMETRY_STORE"); store != "" {
		cfg.Telemetry.Store = strings.ToLower(store)
	}

	if path := os.Getenv("TELEMETRY_SQLITE_PATH"); path != "" {
		cfg.Telemetry.SQLitePath = path
	}

	if schedule := os.Getenv("TELEMETRY_FLUSH_SCHEDULE"); schedule != "" {
		cfg.Telemetry.FlushSchedule = schedule
	}
}

// loadCorpusConfig loads corpus ingestion configuration from environment variables
func loadCorpusConfig(cfg *Config) {
	if dir := os.Getenv("CORPUS_DIR"); dir != "" {
		cfg.Corpus.OutputDir = dir
	}

	if bucket := os.Getenv("CORPUS_S3_BUCKET"); bucket != "" {
		cfg.Corpus.S3Bucket = bucket
	}

	if prefix := os.Getenv("CORPUS_S3_PREFIX"); prefix != "" {
		cfg.Corpus.S3Prefix = prefix
	}
}

func (c *Config) envInt(key, field string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s: must be an integer (current value: %s)", field, v))
		return
	}
	*dst = n
}

// envDuration accepts Go durations ("1.5s") or bare milliseconds ("1500").
func (c *Config) envDuration(key, field string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s: must be a duration like 500ms or a number of milliseconds (current value: %s)", field, v))
		return
	}
	*dst = d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
