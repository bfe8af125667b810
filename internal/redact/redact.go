// Package redact scrubs credentials from image URLs and error text before
// they reach logs or HTTP error responses. Source URLs often carry signed
// query parameters or basic-auth userinfo that must not be recorded.
package redact

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Redaction placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
)

var (
	// scheme://user:pass@
	userinfoRegex = regexp.MustCompile(`(?i)\b(https?|ftp)://[^/\s@]+@`)

	// ?X-Amz-Signature=... &token=...
	queryRegex = regexp.MustCompile(`(?i)([?&](?:[a-z0-9_.-]*(?:signature|token|key|secret|credential|sig|auth)[a-z0-9_.-]*)=)[^&\s"']+`)

	apiKeyRegex = regexp.MustCompile(
		`(?i)\b(api[_-]?key|secret|access[_-]?token)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)
	awsKeyRegex   = regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)
	jwtTokenRegex = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)

	rules = []struct {
		pattern     *regexp.Regexp
		replacement string
	}{
		{userinfoRegex, "${1}://" + RedactedCredentialPlaceholder + "@"},
		{queryRegex, "${1}" + RedactionPlaceholder},
		{apiKeyRegex, RedactedKeyPlaceholder},
		{awsKeyRegex, RedactedKeyPlaceholder},
		{jwtTokenRegex, "[REDACTED_JWT]"},
	}
)

// String redacts credentials embedded anywhere in input.
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, rule := range rules {
		result = rule.pattern.ReplaceAllString(result, rule.replacement)
	}
	return result
}

// Error redacts an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// URL keeps the scheme, host and path of raw and masks userinfo and every
// query value. Input that does not parse as a URL goes through String.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return String(raw)
	}

	if u.User != nil {
		u.User = url.User(RedactedCredentialPlaceholder)
	}
	u.Fragment = ""

	query := u.Query()
	if len(query) == 0 {
		return unescapePlaceholders(u.String())
	}

	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, url.QueryEscape(name)+"="+RedactionPlaceholder)
	}
	u.RawQuery = ""

	return unescapePlaceholders(u.String()) + "?" + strings.Join(parts, "&")
}

func unescapePlaceholders(s string) string {
	return strings.ReplaceAll(s, "%5BREDACTED_CREDENTIAL%5D", RedactedCredentialPlaceholder)
}
