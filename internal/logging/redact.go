package logging

import "regexp"

// Placeholder replaces redacted secret material in log output.
const Placeholder = "[REDACTED]"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+|pat_[A-Za-z0-9]{16,})`,
	)
)

// Redact scrubs bearer tokens, key/value secrets, and well-known key shapes
// from a log line. Kernel child environments and provider configs flow
// through log statements, so every file sink line passes through here.
func Redact(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := authorizationBearerPattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + submatches[2] + Placeholder
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + Placeholder + submatches[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + Placeholder
	})

	sanitized = standaloneSecretPattern.ReplaceAllString(sanitized, Placeholder)
	return sanitized
}
