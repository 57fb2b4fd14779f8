package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/fedrag/privacy-rag/apperr"
)

var guardrailVersionPattern = regexp.MustCompile(`^(DRAFT|[1-9][0-9]{0,7})$`)

// Validate checks the whole configuration and reports every problem at once.
// The returned error is an *apperr.Error of KindConfiguration whose Missing
// field names the unset required environment keys.
func (c *Config) Validate() error {
	missing := c.missingKeys()
	errs := append([]string(nil), c.parseErrors...)

	if len(missing) > 0 {
		errs = append([]string{"missing required settings: " + strings.Join(missing, ", ")}, errs...)
	}

	check := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	check(validatePort(c.Server.Port, "Server.Port"))
	check(validatePositive(c.Server.MaxQueryLength, "Server.MaxQueryLength"))
	check(validatePositive(c.Knowledge.ContextTopK, "Knowledge.ContextTopK"))
	check(validateNonNegative(c.Knowledge.NumberOfResults, "Knowledge.NumberOfResults"))
	check(validateNonNegative(c.Retry.MaxRetries, "Retry.MaxRetries"))
	check(validateNonNegative(c.Cache.ContextCapacity, "Cache.ContextCapacity"))
	check(validateNonNegative(c.Cache.AnswerCapacity, "Cache.AnswerCapacity"))
	check(validatePositive(c.Telemetry.RetentionWeeks, "Telemetry.RetentionWeeks"))
	check(validateScore(c.PII.MinConfidenceScore, "PII.MinConfidenceScore"))
	check(validateOneOf(c.Logging.Format, "Logging.Format", "json", "text"))
	check(validateOneOf(c.Logging.Level, "Logging.Level", "debug", "info", "warn", "error"))
	check(validateOneOf(c.Telemetry.Store, "Telemetry.Store", "memory", "postgres", "sqlite"))
	check(validateSchedule(c.Telemetry.FlushSchedule, "Telemetry.FlushSchedule"))

	if c.Guardrail.Version != "" {
		check(validateGuardrailVersion(c.Guardrail.Version, "Guardrail.Version"))
	}
	if c.Guardrail.ComplianceEnabled() {
		check(validateGuardrailVersion(c.Guardrail.ComplianceVersion, "Guardrail.ComplianceVersion"))
	}
	if c.PII.DetectorName == "model_detector" {
		check(validateBaseURL(c.PII.ModelBaseURL, "PII.ModelBaseURL"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Sprintf("Retry.MaxDelay: must not be less than Retry.BaseDelay (current value: %s)", c.Retry.MaxDelay))
	}

	if len(errs) == 0 {
		return nil
	}
	return &apperr.Error{
		Kind:    apperr.KindConfiguration,
		Op:      "config.validate",
		Message: strings.Join(errs, "; "),
		Missing: missing,
	}
}

func (c *Config) missingKeys() []string {
	var missing []string
	if c.Knowledge.KnowledgeBaseID == "" {
		missing = append(missing, "KNOWLEDGE_BASE_ID")
	}
	if c.Knowledge.ModelARN == "" {
		missing = append(missing, "MODEL_ARN")
	}
	if c.Guardrail.ID == "" {
		missing = append(missing, "GUARDRAIL_ID")
	}
	if c.Guardrail.Version == "" {
		missing = append(missing, "GUARDRAIL_VERSION")
	}
	return missing
}

// validatePort checks that a port string is in the format ":PORT"
func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	n, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, n)
	}
	return nil
}

func validatePositive(v int, fieldName string) error {
	if v < 1 {
		return fmt.Errorf("%s: must be greater than zero (current value: %d)", fieldName, v)
	}
	return nil
}

func validateNonNegative(v int, fieldName string) error {
	if v < 0 {
		return fmt.Errorf("%s: must not be negative (current value: %d)", fieldName, v)
	}
	return nil
}

func validateScore(v float64, fieldName string) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s: must be between 0 and 1 (current value: %g)", fieldName, v)
	}
	return nil
}

func validateOneOf(v, fieldName string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: must be one of %s (current value: %s)", fieldName, strings.Join(allowed, ", "), v)
}

// validateGuardrailVersion accepts DRAFT or a numeric published version
func validateGuardrailVersion(v, fieldName string) error {
	if v == "" {
		return fmt.Errorf("%s: version cannot be empty", fieldName)
	}
	if !guardrailVersionPattern.MatchString(v) {
		return fmt.Errorf("%s: version must be DRAFT or a number (current value: %s)", fieldName, v)
	}
	return nil
}

func validateSchedule(schedule, fieldName string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("%s: invalid cron expression (current value: %s)", fieldName, schedule)
	}
	return nil
}

// validateBaseURL checks that a detector endpoint is an absolute http(s) URL
func validateBaseURL(raw, fieldName string) error {
	if raw == "" {
		return fmt.Errorf("%s: URL cannot be empty", fieldName)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: URL must include an http or https scheme and host (current value: %s)", fieldName, raw)
	}
	return nil
}
