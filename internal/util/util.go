package util

import "time"

// Seconds converts a fractional number of seconds to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ToSeconds converts a duration to fractional seconds.
func ToSeconds(d time.Duration) float64 {
	return d.Seconds()
}

// Truncate shortens s to at most n runes, appending "…" when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Ptr returns &v, for optional fields set from literals.
func Ptr[T any](v T) *T { return &v }
