// Package jira extracts issue-tracker ticket keys from free text. It is a
// pure transformation with no I/O so it can be tested in isolation.
package jira

import "regexp"

// ticketPattern matches keys like PLTFRM-84867: one uppercase letter,
// further uppercase letters or digits, a hyphen, then digits, bounded by
// word boundaries.
var ticketPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)

// Extract returns the unique ticket keys found across all texts, in first
// occurrence order. Applying Extract to its own output is a fixed point.
func Extract(texts ...string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, m := range ticketPattern.FindAllString(text, -1) {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Union merges extracted keys with keys supplied out-of-band (Bitbucket
// exposes properties.jira-key alongside the message), preserving order and
// dropping duplicates and keys that do not look like ticket ids.
func Union(extracted []string, extra []string) []string {
	out := make([]string, 0, len(extracted)+len(extra))
	seen := make(map[string]struct{})
	for _, set := range [][]string{extracted, extra} {
		for _, key := range set {
			if !ticketPattern.MatchString(key) {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}
