// Package mask matches IRC style wildcard masks such as nick!user@host.
package mask

import "strings"

// Match reports whether s matches mask, ignoring case. In mask, * matches
// any run of characters and ? matches exactly one.
func Match(mask, s string) bool {
	mask = strings.ToLower(mask)
	s = strings.ToLower(s)

	mi, si := 0, 0
	starMask, starS := -1, 0

	for si < len(s) {
		if mi < len(mask) && (mask[mi] == '?' || mask[mi] == s[si]) {
			mi++
			si++
			continue
		}
		if mi < len(mask) && mask[mi] == '*' {
			starMask = mi
			starS = si
			mi++
			continue
		}
		if starMask != -1 {
			// Let the last * swallow one more character and retry.
			mi = starMask + 1
			starS++
			si = starS
			continue
		}
		return false
	}

	for mi < len(mask) && mask[mi] == '*' {
		mi++
	}
	return mi == len(mask)
}

// Normalize expands a partial mask to nick!user@host form.
func Normalize(m string) string {
	hasBang := strings.Contains(m, "!")
	hasAt := strings.Contains(m, "@")

	switch {
	case !hasBang && !hasAt:
		return m + "!*@*"
	case !hasAt:
		return m + "@*"
	case !hasBang:
		return "*!" + m
	default:
		return m
	}
}
