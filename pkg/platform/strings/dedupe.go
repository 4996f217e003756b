// Package strings provides string manipulation utilities.
package strings

import (
	"slices"
	"strings"
)

// DedupeAndTrim removes duplicates and empty strings from a slice,
// trimming whitespace from each element. Order is preserved.
//
// Example:
//
//	DedupeAndTrim([]string{"  foo ", "bar", "foo", "", "  "})
//	// Returns: []string{"foo", "bar"}
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))

	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}

	return result
}

// SortedUnique dedupes and trims values, then orders them lexicographically.
// Reason codes returned to clients go through this so identical input always
// yields a byte-identical list. Never returns nil.
//
// Example:
//
//	SortedUnique([]string{"ISSUER_UNKNOWN", "ANCHOR_MISSING", "ISSUER_UNKNOWN"})
//	// Returns: []string{"ANCHOR_MISSING", "ISSUER_UNKNOWN"}
func SortedUnique(values ...[]string) []string {
	var all []string
	for _, v := range values {
		all = append(all, v...)
	}
	result := DedupeAndTrim(all)
	if result == nil {
		return []string{}
	}
	slices.Sort(result)
	return result
}
