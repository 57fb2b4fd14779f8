package guardrail

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeywordTables holds the vocabularies the keyword classifiers match
// against. Matching is a case-insensitive substring test.
type KeywordTables struct {
	// PersonalInformation recognizes guardrail intervention messages that
	// were triggered by personal-information filtering.
	PersonalInformation []string `yaml:"personal_information"`
	// Compliance is the compliance/policy/procedure vocabulary.
	Compliance []string `yaml:"compliance"`
	// Privacy is the PII/privacy/data vocabulary.
	Privacy []string `yaml:"privacy"`
}

// DefaultKeywords returns the built-in vocabularies.
func DefaultKeywords() KeywordTables {
	return KeywordTables{
		PersonalInformation: []string{
			"personal information",
			"personally identifiable",
			"pii",
			"sensitive information",
			"personal data",
			"private information",
		},
		Compliance: []string{
			"compliance",
			"compliant",
			"comply",
			"policy",
			"policies",
			"procedure",
			"regulation",
			"regulatory",
			"guideline",
			"guidance",
			"requirement",
			"governance",
			"best practice",
			"standard",
		},
		Privacy: []string{
			"pii",
			"personal information",
			"personal data",
			"personally identifiable",
			"privacy",
			"data protection",
			"data handling",
			"sensitive data",
			"customer data",
			"gdpr",
			"ccpa",
			"hipaa",
			"redact",
			"anonymi",
		},
	}
}

// Validate reports an error when a table is empty; an empty table would
// silently turn the bypass off or on for every request.
func (k KeywordTables) Validate() error {
	var missing []string
	if len(nonBlank(k.PersonalInformation)) == 0 {
		missing = append(missing, "personal_information")
	}
	if len(nonBlank(k.Compliance)) == 0 {
		missing = append(missing, "compliance")
	}
	if len(nonBlank(k.Privacy)) == 0 {
		missing = append(missing, "privacy")
	}
	if len(missing) > 0 {
		return fmt.Errorf("keyword tables missing entries: %s", strings.Join(missing, ", "))
	}
	return nil
}

// normalized lowercases and trims every entry, dropping blanks.
func (k KeywordTables) normalized() KeywordTables {
	return KeywordTables{
		PersonalInformation: nonBlank(k.PersonalInformation),
		Compliance:          nonBlank(k.Compliance),
		Privacy:             nonBlank(k.Privacy),
	}
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadKeywordFile reads keyword tables from a YAML file. Tables the file
// leaves out keep their defaults.
func LoadKeywordFile(path string) (KeywordTables, error) {
	if path == "" {
		return KeywordTables{}, fmt.Errorf("keyword file path is not configured")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return KeywordTables{}, fmt.Errorf("keyword file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return KeywordTables{}, fmt.Errorf("failed to read keyword file: %w", err)
	}

	tables := DefaultKeywords()
	var fromFile KeywordTables
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return KeywordTables{}, fmt.Errorf("failed to parse keyword file: %w", err)
	}
	if fromFile.PersonalInformation != nil {
		tables.PersonalInformation = fromFile.PersonalInformation
	}
	if fromFile.Compliance != nil {
		tables.Compliance = fromFile.Compliance
	}
	if fromFile.Privacy != nil {
		tables.Privacy = fromFile.Privacy
	}

	if err := tables.Validate(); err != nil {
		return KeywordTables{}, fmt.Errorf("invalid keyword file %s: %w", path, err)
	}
	return tables, nil
}

func containsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
