package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashIdentity returns a short, stable digest of an identity (usually an
// email address) for privacy-safe logging. Log fields must carry this
// instead of the raw address.
func HashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:12]
}

// MaskCredentials redacts everything after the username in a credential
// string of the form "user:password" or "user password". Used when echoing
// upstream connect parameters into error messages.
func MaskCredentials(s string) string {
	for _, sep := range []string{":", " "} {
		if i := strings.Index(s, sep); i >= 0 {
			return s[:i] + sep + "[REDACTED]"
		}
	}
	return s
}
