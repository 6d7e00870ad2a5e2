// Package token produces the opaque magic-link tokens. Values are
// fixed-length, alphanumeric, and URL-safe, so links never need encoding.
package token

import (
	"crypto/rand"
	"fmt"
)

const (
	// Length matches the magic_credentials.token column width.
	Length = 64

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

type Generator struct{}

func NewGenerator() Generator {
	return Generator{}
}

// Generate returns a 64-character token from a cryptographically secure
// source. Uniqueness against the store is the caller's job; this only
// guarantees the entropy.
func (Generator) Generate() (string, error) {
	// Rejection sampling: 62 does not divide 256, so bytes >= 248 would
	// bias the low end of the alphabet and are discarded.
	const maxAccept = byte(len(alphabet) * (256 / len(alphabet))) // 248

	out := make([]byte, 0, Length)
	buf := make([]byte, Length)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= maxAccept {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}
