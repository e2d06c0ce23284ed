package otp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/aelexs/wacrm/internal/domain"
)

// RecordKey derives the opaque storage key for an identity and purpose:
// hex(sha256(purpose + ":" + identity)). Stores never see the identity as
// a key, and the two purposes never share a key.
func RecordKey(purpose domain.Purpose, identity domain.Identity) string {
	h := sha256.Sum256([]byte(string(purpose) + ":" + identity.Value))
	return hex.EncodeToString(h[:])
}

// ComputeCodeMAC computes HMAC-SHA256(pepper, code || key || expiresAt).
// Binding the key and expiry means a MAC copied to another record, or a
// record whose expiry was tampered with, no longer verifies.
func ComputeCodeMAC(pepper []byte, code, key string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(code))
	mac.Write([]byte(key))
	mac.Write([]byte(strconv.FormatInt(expiresAt.UnixMilli(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualMAC compares two MACs in constant time.
func EqualMAC(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
