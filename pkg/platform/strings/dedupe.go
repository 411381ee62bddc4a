// Package strings holds list cleanup shared by config and ingest.
package strings

import (
	"strings"
)

// DedupeAndTrim drops blank entries and repeats after trimming, keeping the
// first occurrence's position.
func DedupeAndTrim(values []string) []string {
	return dedupe(values, strings.TrimSpace)
}

// UpperSymbols is DedupeAndTrim for asset tickers, which compare
// case-insensitively: " usdc" and "USDC" are one entry.
func UpperSymbols(values []string) []string {
	return dedupe(values, func(v string) string {
		return strings.ToUpper(strings.TrimSpace(v))
	})
}

func dedupe(values []string, canonical func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		c := canonical(v)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
