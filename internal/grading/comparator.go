package grading

import "strings"

// OutputsMatch decides actual-vs-expected equivalence: exact match after
// trailing-whitespace normalization. Trailing spaces/tabs/CR on each line
// and trailing newlines are ignored; every other difference, including
// internal whitespace, fails the comparison.
func OutputsMatch(actual, expected string) bool {
	return normalize(actual) == normalize(expected)
}

func normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	out := strings.Join(lines, "\n")
	return strings.TrimRight(out, "\n")
}
