// Package id implements opaque, unpredictable session identifiers.
//
// An ID is 16 bytes drawn from a cryptographic source, rendered in its
// textual form as 22 characters of unpadded url-safe base64. Parsing is
// strict: any input that does not decode to exactly 16 bytes is rejected.
package id

import (
	"crypto/rand"
	"encoding/base64"
)

// Size is the length in bytes of the random portion of an ID.
const Size = 16

// encodedLen is the length of the base64 textual form of an ID.
const encodedLen = 22 // base64.RawURLEncoding.EncodedLen(Size)

// ID is an opaque 128-bit session identifier.
type ID [Size]byte

// Zero is the zero-value ID, never minted by New; useful as a sentinel for
// "no id". Parse accepts its textual form like any other 16-byte value.
var Zero ID

// New returns a fresh ID filled from a CSPRNG.
func New() (ID, error) {
	var out ID
	if _, err := rand.Read(out[:]); err != nil {
		return Zero, err
	}
	return out, nil
}

// String returns the 22-character unpadded url-safe base64 textual form.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// Parse decodes s as an ID. It requires s to decode to exactly Size bytes;
// any other input (wrong length, malformed base64, padded encoding) is
// rejected.
func Parse(s string) (ID, bool) {
	if len(s) != encodedLen {
		return Zero, false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(decoded) != Size {
		return Zero, false
	}
	var out ID
	copy(out[:], decoded)
	return out, true
}
