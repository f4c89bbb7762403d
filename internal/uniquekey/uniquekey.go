// Package uniquekey derives collision-free keys by bounded retry with a
// deterministic fallback. Callers supply the candidate shape; the package
// owns the probe loop.
package uniquekey

// TakenFunc reports whether a candidate key is already in use. Errors abort
// derivation and propagate to the caller.
type TakenFunc func(candidate string) (bool, error)

// Derive returns base unchanged when it is free. Otherwise it probes
// candidate(base, n) for n = 1..maxAttempts and returns the first free one.
// When all attempts collide it returns fallback(base) without probing it:
// the fallback is expected to carry enough entropy (a timestamp, a nonce)
// that a further collision is not a practical concern.
func Derive(base string, maxAttempts int, candidate func(base string, attempt int) string, fallback func(base string) string, taken TakenFunc) (string, error) {
	used, err := taken(base)
	if err != nil {
		return "", err
	}
	if !used {
		return base, nil
	}
	for n := 1; n <= maxAttempts; n++ {
		c := candidate(base, n)
		used, err := taken(c)
		if err != nil {
			return "", err
		}
		if !used {
			return c, nil
		}
	}
	return fallback(base), nil
}
