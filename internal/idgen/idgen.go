// Package idgen generates identifiers for settlement jobs and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// CallPrefix prefixes contract call job IDs.
const CallPrefix = "call_"

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// CallID returns a new contract call job ID.
func CallID() string {
	return WithPrefix(CallPrefix)
}

// RequestID returns a random UUIDv4 for request correlation.
func RequestID() string {
	return uuid.NewString()
}

// ValidRequestID reports whether s is usable as an inbound X-Request-ID.
// Anything that parses as a UUID is accepted.
func ValidRequestID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
