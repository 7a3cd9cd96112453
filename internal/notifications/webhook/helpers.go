package webhook

import "unicode/utf8"

// runeLen counts characters rather than bytes.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// truncateRunes returns at most n characters of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// truncateBody shortens a response body for logging.
func truncateBody(body []byte) string {
	const maxLen = 200
	s := string(body)
	if runeLen(s) > maxLen {
		return truncateRunes(s, maxLen) + "..."
	}
	return s
}
