// Package secrets implements the masking and plaintext-secret detection
// spec.md §9/SPEC_FULL.md §4 commits to: a Variable marked isSecret
// never appears un-masked in a logged event payload, and a collection's
// requests are checked for hardcoded credentials that should have been
// {{VAR}} placeholders instead.
//
// Grounded on falcon's pkg/core/secrets.go, trimmed to the subset this
// runtime actually exercises: masking known secret values before they
// reach an Envelope (pkg/vars' Resolver.Redact) and flagging plaintext
// secrets during strict validation (pkg/validator).
package secrets

import (
	"regexp"
	"strings"
)

// patterns matches strings that look like API keys, tokens, or other
// credentials, independent of the variable name carrying them.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(sk|pk|api|key|token|secret|password|passwd|pwd|auth|bearer|jwt|access|refresh)[-_]?[a-zA-Z0-9]{8,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)^bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)^basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9\-]+`),
	regexp.MustCompile(`(?i)^ey[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+\.`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)^[a-f0-9]{40}$`),
	regexp.MustCompile(`(?i)^[a-f0-9]{64}$`),
	regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`),
	regexp.MustCompile(`(?i)^sk_live_[a-zA-Z0-9]{24,}`),
	regexp.MustCompile(`(?i)^sk_test_[a-zA-Z0-9]{24,}`),
}

var placeholderPattern = regexp.MustCompile(`\{\{[^{}]+\}\}`)

// headerLabelPattern matches a leading "Name:" label, as in
// "Authorization: Bearer {{TOKEN}}".
var headerLabelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:\s*`)

// Mask returns a redacted form of a secret value: the first and last
// few characters only, for values long enough that doing so still
// obscures the middle. Short values collapse to a fixed placeholder.
func Mask(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	if len(value) < 12 {
		return value[:2] + "..." + value[len(value)-2:]
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// HasPlaintextSecret reports whether text contains a hardcoded secret
// outside of any {{VAR}} placeholder. Used to flag a collection request
// that should have used a template variable instead of a literal value.
func HasPlaintextSecret(text string) bool {
	if text == "" || isOnlyPlaceholders(text) {
		return false
	}
	for _, part := range nonPlaceholderParts(text) {
		for _, pattern := range patterns {
			if pattern.MatchString(part) {
				return true
			}
		}
	}
	return false
}

func isOnlyPlaceholders(text string) bool {
	text = strings.TrimSpace(text)
	text = headerLabelPattern.ReplaceAllString(text, "")
	for _, prefix := range []string{"Bearer ", "bearer ", "Basic ", "basic ", "Token ", "token "} {
		text = strings.TrimPrefix(text, prefix)
	}
	return strings.TrimSpace(placeholderPattern.ReplaceAllString(text, "")) == ""
}

func nonPlaceholderParts(text string) []string {
	var out []string
	for _, part := range placeholderPattern.Split(text, -1) {
		part = strings.TrimSpace(part)
		switch part {
		case "", "Bearer", "bearer", "Basic", "basic", "Token", "token":
			continue
		}
		out = append(out, part)
	}
	return out
}
