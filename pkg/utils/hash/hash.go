// Package hash derives stable, fixed-length keys from strings.
package hash

import (
	"crypto/md5"
	"encoding/hex"
)

// FingerprintLen is the length of every value returned by Fingerprint.
const FingerprintLen = md5.Size * 2

// Fingerprint maps a source URL to its cache key: the lowercase hex MD5 of
// the URL bytes. The result is identical across processes and restarts.
func Fingerprint(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// HashString is Fingerprint for arbitrary strings, used for storage
// directory names.
func HashString(s string) string {
	return Fingerprint(s)
}

// IsFingerprint reports whether s has the shape of a Fingerprint result.
func IsFingerprint(s string) bool {
	if len(s) != FingerprintLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
