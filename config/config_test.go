package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedrag/privacy-rag/apperr"
)

func TestValidatePort(t *testing.T) {
	testCases := []struct {
		name      string
		port      string
		fieldName string
		expectErr bool
		errString string
	}{
		{
			name:      "valid port",
			port:      ":8080",
			fieldName: "Server.Port",
			expectErr: false,
		},
		{
			name:      "empty port",
			port:      "",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port cannot be empty",
		},
		{
			name:      "no colon",
			port:      "8080",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be in format ':PORT' where PORT is numeric (current value: 8080)",
		},
		{
			name:      "non-numeric",
			port:      ":abcd",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be in format ':PORT' where PORT is numeric (current value: :abcd)",
		},
		{
			name:      "port out of range (low)",
			port:      ":0",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be between 1 and 65535 (current value: 0)",
		},
		{
			name:      "port out of range (high)",
			port:      ":65536",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be between 1 and 65535 (current value: 65536)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePort(tc.port, tc.fieldName)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected an error, but got nil")
				} else if err.Error() != tc.errString {
					t.Errorf("expected error string '%s', but got '%s'", tc.errString, err.Error())
				}
			} else if err != nil {
				t.Errorf("expected no error, but got: %v", err)
			}
		})
	}
}

func TestValidateGuardrailVersion(t *testing.T) {
	testCases := []struct {
		version   string
		expectErr bool
	}{
		{"DRAFT", false},
		{"1", false},
		{"12", false},
		{"", true},
		{"0", true},
		{"draft", true},
		{"v1", true},
	}

	for _, tc := range testCases {
		t.Run(tc.version, func(t *testing.T) {
			err := validateGuardrailVersion(tc.version, "Guardrail.Version")
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func validConfig() *Config {
	c := DefaultConfig()
	c.Knowledge.KnowledgeBaseID = "KB123"
	c.Knowledge.ModelARN = "anthropic.claude-3-haiku"
	c.Guardrail.ID = "gr-default"
	c.Guardrail.Version = "1"
	return c
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name      string
		config    *Config
		expectErr bool
		errString string
	}{
		{
			name:      "valid config",
			config:    validConfig(),
			expectErr: false,
		},
		{
			name: "invalid port",
			config: func() *Config {
				c := validConfig()
				c.Server.Port = "invalid"
				return c
			}(),
			expectErr: true,
			errString: "config.validate: configuration_error: Server.Port: port must be in format ':PORT' where PORT is numeric (current value: invalid)",
		},
		{
			name: "compliance guardrail without version",
			config: func() *Config {
				c := validConfig()
				c.Guardrail.ComplianceID = "gr-compliance"
				return c
			}(),
			expectErr: true,
			errString: "config.validate: configuration_error: Guardrail.ComplianceVersion: version cannot be empty",
		},
		{
			name: "multiple errors",
			config: func() *Config {
				c := validConfig()
				c.Server.Port = "invalid"
				c.Logging.Format = "xml"
				return c
			}(),
			expectErr: true,
			errString: "config.validate: configuration_error: Server.Port: port must be in format ':PORT' where PORT is numeric (current value: invalid); " +
				"Logging.Format: must be one of json, text (current value: xml)",
		},
		{
			name: "bad flush schedule",
			config: func() *Config {
				c := validConfig()
				c.Telemetry.FlushSchedule = "every minute"
				return c
			}(),
			expectErr: true,
			errString: "config.validate: configuration_error: Telemetry.FlushSchedule: invalid cron expression (current value: every minute)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.expectErr {
				require.Error(t, err)
				assert.Equal(t, tc.errString, err.Error())
				assert.True(t, apperr.IsKind(err, apperr.KindConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnumeratesMissingKeys(t *testing.T) {
	c := DefaultConfig()
	c.Knowledge.ModelARN = "anthropic.claude-3-haiku"

	err := c.Validate()
	require.Error(t, err)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConfiguration, e.Kind)
	assert.Equal(t, []string{"KNOWLEDGE_BASE_ID", "GUARDRAIL_ID", "GUARDRAIL_VERSION"}, e.Missing)
	assert.Contains(t, e.Message, "missing required settings: KNOWLEDGE_BASE_ID, GUARDRAIL_ID, GUARDRAIL_VERSION")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KNOWLEDGE_BASE_ID", "KB123")
	t.Setenv("MODEL_ARN", "anthropic.claude-3-haiku")
	t.Setenv("GUARDRAIL_ID", "gr-default")
	t.Setenv("GUARDRAIL_VERSION", "DRAFT")
	t.Setenv("COMPLIANCE_GUARDRAIL_ID", "gr-compliance")
	t.Setenv("COMPLIANCE_GUARDRAIL_VERSION", "2")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("RETRY_BASE_DELAY", "150")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("DEGRADE_ON_THROTTLE", "false")
	t.Setenv("LOG_VERBOSE", "true")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("TELEMETRY_STORE", "sqlite")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "KB123", cfg.Knowledge.KnowledgeBaseID)
	assert.True(t, cfg.Guardrail.ComplianceEnabled())
	assert.Equal(t, "2", cfg.Guardrail.ComplianceVersion)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 150*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Server.DegradeOnThrottle)
	assert.True(t, cfg.Logging.LogVerbose)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "sqlite", cfg.Telemetry.Store)
}

func TestLoadFromEnvBooleanRequiresExactTrue(t *testing.T) {
	t.Setenv("LOG_VERBOSE", "yes")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.False(t, cfg.Logging.LogVerbose)
}

func TestLoadFromEnvReportsMalformedValues(t *testing.T) {
	t.Setenv("MAX_RETRIES", "three")
	t.Setenv("CACHE_TTL", "soon")

	cfg := validConfig()
	LoadFromEnv(cfg)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Retry.MaxRetries: must be an integer (current value: three)")
	assert.Contains(t, err.Error(), "Cache.TTL: must be a duration like 500ms or a number of milliseconds (current value: soon)")
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadReadsEnvFile(t *testing.T) {
	for _, key := range []string{"KNOWLEDGE_BASE_ID", "MODEL_ARN", "GUARDRAIL_ID", "GUARDRAIL_VERSION"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	path := filepath.Join(t.TempDir(), ".env")
	content := "KNOWLEDGE_BASE_ID=KBFILE\nMODEL_ARN=model\nGUARDRAIL_ID=gr\nGUARDRAIL_VERSION=3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Cleanup(func() {
		for _, key := range []string{"KNOWLEDGE_BASE_ID", "MODEL_ARN", "GUARDRAIL_ID", "GUARDRAIL_VERSION"} {
			os.Unsetenv(key)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "KBFILE", cfg.Knowledge.KnowledgeBaseID)
	assert.Equal(t, "3", cfg.Guardrail.Version)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv("KNOWLEDGE_BASE_ID", "KB123")
	t.Setenv("MODEL_ARN", "model")
	t.Setenv("GUARDRAIL_ID", "gr")
	t.Setenv("GUARDRAIL_VERSION", "1")

	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadFromEnvBarePort(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, ":9090", cfg.Server.Port)
}
