package security

import (
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// Fingerprint derives a daily-rotating device fingerprint from the client's
// observable attributes. The current UTC date is folded in so the same client
// produces a different fingerprint each day; bindings are matched by the
// stored fingerprint, not recomputed, so rotation does not break them.
func Fingerprint(userAgent, ipAddress, extra string) string {
	return FingerprintAt(userAgent, ipAddress, extra, time.Now())
}

// FingerprintAt is Fingerprint with an explicit reference time.
func FingerprintAt(userAgent, ipAddress, extra string, at time.Time) string {
	raw := userAgent + "|" + ipAddress + "|" + extra + "|" + at.UTC().Format("20060102")
	sum := sha256.Sum256([]byte(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}
