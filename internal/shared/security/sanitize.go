// Package security provides sanitization for text that crosses a trust
// boundary: delivery error messages recorded in the ledger, and anything
// that might echo a channel secret into logs or API responses.
package security

import (
	"regexp"
	"strings"
)

// redactedPlaceholder replaces sensitive values.
const redactedPlaceholder = "[REDACTED]"

// maxSafeErrorLen bounds a stored delivery error message.
const maxSafeErrorLen = 512

// Common patterns for secrets and tokens in transport errors and
// response bodies.
var sensitivePatterns = []*regexp.Regexp{
	// Bearer tokens
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	// Authorization headers
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	// Long base64 token values
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	// JWTs
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	// Generic API keys
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	// Signature header values
	regexp.MustCompile(`(?i)(signature["\s:=]+)(sha256=)?[a-f0-9]{32,}`),
	// Password fields
	regexp.MustCompile(`(?i)(password["\s:=]+)\S+`),
	// URL userinfo credentials
	regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`),
}

// Sanitize scrubs sensitive data from text, preserving the prefix label
// where possible for readability.
func Sanitize(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				prefix := match[loc[2]:loc[3]]
				return prefix + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// ContainsSecret checks if text likely contains sensitive data.
func ContainsSecret(text string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// SafeErrorMessage collapses a delivery error to a single sanitized
// line bounded at 512 characters, suitable for ledger rows and logs.
func SafeErrorMessage(msg string) string {
	flat := strings.Join(strings.Fields(msg), " ")
	flat = Sanitize(flat)
	if len(flat) > maxSafeErrorLen {
		flat = flat[:maxSafeErrorLen]
	}
	return flat
}
