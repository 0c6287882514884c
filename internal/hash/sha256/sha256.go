// Package sha256 provides SHA-256 digests used for listing fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// separator keeps ("ab","c") and ("a","bc") from colliding.
const separator = 0x1f

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashParts digests parts joined by an unprintable separator.
func (h Hasher) HashParts(parts ...string) (string, error) {
	digest := sha256.New()
	for i, p := range parts {
		if i > 0 {
			digest.Write([]byte{separator})
		}
		digest.Write([]byte(p))
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
