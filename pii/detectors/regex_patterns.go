package detectors

// PIIPatterns defines regex patterns for various PII types
var PIIPatterns = map[string]string{
	"EMAIL":               `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
	"PHONE":               `\b(?:\+?1[-.]?)?\(?([0-9]{3})\)?[-.]?([0-9]{3})[-.]?([0-9]{4})\b`,
	"SSN":                 `\b\d{3}-\d{2}-\d{4}\b`,
	"CREDIT_DEBIT_NUMBER": `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
	"USERNAME":            `\b(?:username|user|login)[\s:=]+([a-zA-Z0-9_-]{3,20})\b`,
	"DATE_TIME":           `\b(?:0?[1-9]|1[0-2])[-/](?:0?[1-9]|[12][0-9]|3[01])[-/](?:19|20)\d{2}\b`,
	"BANK_ACCOUNT_NUMBER": `\b(?:account|acct)[\s#:]*(\d{8,12})\b`,
	"DRIVER_ID":           `\b(?:DL|license)[\s#:]*([A-Z][0-9]{8,9})\b`,
	"IP_ADDRESS":          `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
}
