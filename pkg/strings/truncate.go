// Package strings formats values for single-line terminal output.
package strings

import (
	"fmt"
	"strings"
)

// DefaultMaxLen is the default width of a formatted table cell.
const DefaultMaxLen = 60

// minLen leaves room for one character plus "...".
const minLen = 4

// Truncate collapses whitespace in s to single spaces and cuts the result to
// maxLen runes, ending in "..." when cut. maxLen below 4 is treated as 4.
func Truncate(s string, maxLen int) string {
	if maxLen < minLen {
		maxLen = minLen
	}
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// JoinTruncated joins values with spaces, keeping whole values only, and
// appends "(+N more)" for the values that did not fit in maxLen runes. At
// least one value is always shown, truncated if needed.
func JoinTruncated(values []string, maxLen int) string {
	if len(values) == 0 {
		return ""
	}
	full := strings.Join(values, " ")
	if len([]rune(full)) <= maxLen {
		return full
	}

	var b strings.Builder
	for i, v := range values {
		suffix := fmt.Sprintf(" (+%d more)", len(values)-i-1)
		if i == len(values)-1 {
			suffix = ""
		}
		next := v
		if i > 0 {
			next = " " + v
		}
		if i > 0 && len([]rune(b.String()+next+suffix)) > maxLen {
			return b.String() + fmt.Sprintf(" (+%d more)", len(values)-i)
		}
		if i == 0 && len([]rune(next+suffix)) > maxLen {
			return Truncate(v, maxLen-len([]rune(suffix))) + suffix
		}
		b.WriteString(next)
	}
	return b.String()
}
