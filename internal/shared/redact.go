package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing patterns that agents tend to leak into
// titles, attention reasons and context blobs.
var secretPatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// credentials in URL query strings
	regexp.MustCompile(`(?i)([?&](?:token|key|access_token|api_key|sig)=)([^&\s#"]{8,})`),
	// provider keys (sk-..., sk-ant-...)
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	// GitHub tokens
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
	// Google API keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
