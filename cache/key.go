package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const (
	IntentContext = "context"
	IntentAnswer  = "answer"
)

// Key identifies a cacheable request. Prompts that differ only in case or
// whitespace share a key.
type Key struct {
	Intent        string `json:"intent"`
	Prompt        string `json:"prompt"`
	PolicyID      string `json:"policyId"`
	PolicyVersion string `json:"policyVersion"`
	TopK          int    `json:"topK"`
}

// Digest returns a hex SHA-256 over the key with the prompt normalized.
func (k Key) Digest() string {
	k.Prompt = NormalizePrompt(k.Prompt)
	b, _ := json.Marshal(k)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func NormalizePrompt(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
