// Package securelink binds the migration transport: TLS channel setup,
// passcode-derived pre-shared-key authentication, and the keepalive/no-proxy
// socket policy shared by both peers.
package securelink

import (
	"crypto/hmac"
	"crypto/sha512"
	"errors"
	"unicode/utf8"
)

// BuildIdentity is a fixed per-build opaque value mixed into the key
// derivation so that only peers running the same build can authenticate,
// even with a correct passcode. Overridden at build time:
//
//	go build -ldflags "-X .../internal/securelink.BuildIdentity=..."
var BuildIdentity = "handover-build-8c41f2d9a6e05b37"

// ErrEmptyPasscode is returned when the passcode would derive a weak key.
var ErrEmptyPasscode = errors.New("securelink: empty passcode")

// ErrInvalidPasscode is returned for non-UTF8 passcode bytes.
var ErrInvalidPasscode = errors.New("securelink: passcode is not valid UTF-8")

// KeySize is the derived key length: one SHA-384 block of HMAC output.
const KeySize = sha512.Size384

// DeriveKey computes the transport pre-shared key:
// HMAC-SHA384(key=passcode, message=BuildIdentity). The build identity is
// never transmitted; it only binds the key to this build.
func DeriveKey(passcode string) ([]byte, error) {
	if passcode == "" {
		return nil, ErrEmptyPasscode
	}
	if !utf8.ValidString(passcode) {
		return nil, ErrInvalidPasscode
	}
	mac := hmac.New(sha512.New384, []byte(passcode))
	mac.Write([]byte(BuildIdentity))
	return mac.Sum(nil), nil
}

// proof computes the handshake response for a peer nonce.
func proof(key, nonce []byte) []byte {
	mac := hmac.New(sha512.New384, key)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// verifyProof reports whether got is the correct response for nonce in
// constant time.
func verifyProof(key, nonce, got []byte) bool {
	return hmac.Equal(proof(key, nonce), got)
}
