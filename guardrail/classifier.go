package guardrail

import "sync/atomic"

// InterventionClassifier decides whether a guardrail intervention message was
// caused by personal-information filtering.
type InterventionClassifier interface {
	IsPersonalInformationTopic(message string) bool
}

// IntentClassifier recognizes questions that ask about handling personal data
// as a compliance matter rather than disclosing any.
type IntentClassifier interface {
	HasComplianceIntent(question string) bool
	MentionsPrivacy(text string) bool
}

// KeywordClassifier implements both classifiers over swappable keyword
// tables. It is safe for concurrent use; SetTables is how hot reload lands.
type KeywordClassifier struct {
	tables atomic.Pointer[KeywordTables]
}

func NewKeywordClassifier(tables KeywordTables) *KeywordClassifier {
	c := &KeywordClassifier{}
	c.SetTables(tables)
	return c
}

func (c *KeywordClassifier) SetTables(tables KeywordTables) {
	n := tables.normalized()
	c.tables.Store(&n)
}

func (c *KeywordClassifier) Tables() KeywordTables {
	return *c.tables.Load()
}

func (c *KeywordClassifier) IsPersonalInformationTopic(message string) bool {
	return containsAny(message, c.tables.Load().PersonalInformation)
}

// HasComplianceIntent requires at least one compliance term and at least one
// privacy term.
func (c *KeywordClassifier) HasComplianceIntent(question string) bool {
	t := c.tables.Load()
	return containsAny(question, t.Compliance) && containsAny(question, t.Privacy)
}

func (c *KeywordClassifier) MentionsPrivacy(text string) bool {
	return containsAny(text, c.tables.Load().Privacy)
}
