package executor

import "strings"

// MaskingSink wraps a LineSink so that any exact-match occurrence of a
// known secret value is replaced with "***" before the line reaches the
// underlying sink (§4.1 point 5). Matching is substring-based and
// longest-secret-first so that one secret's value being a prefix of
// another's does not leave a partial leak.
func MaskingSink(secrets map[string]string, next LineSink) LineSink {
	values := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v != "" {
			values = append(values, v)
		}
	}
	// Longest first avoids a short secret masking only part of a longer one
	// that contains it.
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && len(values[j]) > len(values[j-1]); j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}

	return func(stream, line string) {
		masked := line
		for _, v := range values {
			masked = strings.ReplaceAll(masked, v, "***")
		}
		next(stream, masked)
	}
}
