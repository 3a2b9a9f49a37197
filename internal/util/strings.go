// Package util provides common utility functions used across the codebase.
package util

import (
	"sort"
	"strings"
)

// JoinOrNone joins strings with ", " or returns "(none)" for empty slices,
// e.g. the identities tried on a host that was never reached.
func JoinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

// Pluralize returns singular if count is 1, otherwise plural.
func Pluralize(count int, singular, plural string) string {
	if count == 1 {
		return singular
	}
	return plural
}

// SplitList splits comma- or whitespace-separated values, trimming blanks.
// "ec2-user, ubuntu" and "ec2-user ubuntu" both give [ec2-user ubuntu].
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// LastLines returns at most n trailing lines of s and how many were dropped.
func LastLines(s string, n int) (string, int) {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return "", 0
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s, 0
	}
	return strings.Join(lines[len(lines)-n:], "\n"), len(lines) - n
}

// LevenshteinDistance returns the edit distance between a and b.
func LevenshteinDistance(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// SuggestSimilar returns candidates close to input, case-insensitively,
// closest first. A candidate matches if input is a prefix of it or it is
// within maxDistance edits (and no more than half the input's length, so
// short inputs don't match everything). Used for "did you mean" hints.
func SuggestSimilar(input string, candidates []string, maxDistance int) []string {
	if input == "" || len(candidates) == 0 {
		return nil
	}

	limit := min(maxDistance, len(input)/2)
	lower := strings.ToLower(input)

	type scored struct {
		name string
		dist int
	}
	var matches []scored
	for _, c := range candidates {
		lc := strings.ToLower(c)
		d := LevenshteinDistance(lower, lc)
		if d <= limit || strings.HasPrefix(lc, lower) {
			matches = append(matches, scored{c, d})
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].dist < matches[j].dist
	})

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.name
	}
	return out
}
