package report

import (
	"regexp"
)

// ipv4Re matches dotted-decimal IPv4 addresses anywhere in free text.
var ipv4Re = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)

// textTruncateLimit bounds per-field diagnostic blobs in human-facing text
// output. The JSON/YAML exports keep the full text.
const textTruncateLimit = 200

// SanitizeIP keeps the first two octets of an address and masks the rest:
// "10.0.12.34" -> "10.0.x.x". Non-address strings pass through unchanged.
func SanitizeIP(addr string) string {
	return ipv4Re.ReplaceAllString(addr, "$1.$2.x.x")
}

// SanitizeText masks every embedded IPv4 address in a text blob.
func SanitizeText(s string) string {
	return ipv4Re.ReplaceAllString(s, "$1.$2.x.x")
}

// Truncate cuts s to the text output limit, appending an ellipsis marker when
// anything was dropped.
func Truncate(s string) string {
	if len(s) <= textTruncateLimit {
		return s
	}
	return s[:textTruncateLimit] + "... (truncated)"
}
