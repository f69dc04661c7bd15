// Package duration parses the human-readable duration format accepted on the
// wire: concatenated integer-and-unit segments such as "1h30m", "45s", "2d".
// Units are s, m, h, d; a bare integer means seconds.
package duration

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var unitScale = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// Parse converts a wire duration string into a time.Duration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	// Bare integers mean seconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	var total time.Duration
	i := 0
	for i < len(s) {
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i || j == len(s) {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		scale, ok := unitScale[s[j]]
		if !ok {
			return 0, fmt.Errorf("invalid duration unit %q in %q", string(s[j]), s)
		}
		n, err := strconv.ParseInt(s[i:j], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * scale
		i = j + 1
	}
	return total, nil
}

// Format renders d in the wire format using the largest exact units.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	var b strings.Builder
	emit := func(n int64, unit string) {
		if n > 0 {
			fmt.Fprintf(&b, "%d%s", n, unit)
		}
	}
	emit(int64(d/(24*time.Hour)), "d")
	d %= 24 * time.Hour
	emit(int64(d/time.Hour), "h")
	d %= time.Hour
	emit(int64(d/time.Minute), "m")
	d %= time.Minute
	emit(int64(d/time.Second), "s")
	if b.Len() == 0 {
		// Sub-second remainder only; it is dropped, so the result is "0s".
		return "0s"
	}
	return b.String()
}
