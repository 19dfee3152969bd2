package util

import "strings"

// TokenLogPrefixLength is how much of a token or code may appear in logs.
const TokenLogPrefixLength = 8

// SafeTruncate returns at most maxLen bytes of s. A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix returns the loggable prefix of a secret value.
func TokenPrefix(token string) string {
	return SafeTruncate(token, TokenLogPrefixLength)
}

// NormalizeURL trims trailing slashes so "https://a/" and "https://a" compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// Dedupe returns values with empty strings and repeats removed, keeping the
// first occurrence order.
func Dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
