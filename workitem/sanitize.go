package workitem

import (
	"regexp"
	"strings"
)

// MaxErrorLength bounds stored last_error text, in runes.
const MaxErrorLength = 512

const (
	truncatedSuffix = "... (truncated)"
	redacted        = "[REDACTED]"
)

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redacted},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`), `$1=` + redacted},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redacted},
}

// SanitizeError renders err for the last_error column: credentials, tokens
// and email addresses are redacted and the text is truncated.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeMessage(err.Error())
}

// SanitizeMessage applies SanitizeError's rules to raw text.
func SanitizeMessage(msg string) string {
	out := strings.TrimSpace(msg)

	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}

	runes := []rune(out)
	if len(runes) <= MaxErrorLength {
		return out
	}

	return string(runes[:MaxErrorLength-len(truncatedSuffix)]) + truncatedSuffix
}
