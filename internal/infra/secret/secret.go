// Package secret hashes and verifies principal secrets using salted
// PBKDF2-SHA256. The encoded form is "sha256$<iterations>$<salt>$<digest>",
// so stored hashes carry their own parameters and iteration counts can be
// raised without invalidating existing records.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	algorithm         = "sha256"
	DefaultIterations = 600000
	saltBytes         = 16
	keyBytes          = 32
)

type Verifier struct {
	iterations int
}

func NewVerifier(iterations int) *Verifier {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Verifier{iterations: iterations}
}

func (v *Verifier) Hash(secret string) (string, error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return encode(secret, hex.EncodeToString(raw), v.iterations), nil
}

// Verify recomputes the digest with the parameters embedded in the stored
// hash and compares in constant time. A malformed hash verifies false, not
// an error, so callers cannot distinguish it from a wrong secret.
func (v *Verifier) Verify(secret, hashed string) bool {
	parts := strings.SplitN(hashed, "$", 4)
	if len(parts) != 4 || parts[0] != algorithm {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	computed := encode(secret, parts[2], iterations)
	return subtle.ConstantTimeCompare([]byte(hashed), []byte(computed)) == 1
}

// DummyHash is compared against when a principal does not exist, so the
// failure path costs the same as a real mismatch.
func (v *Verifier) DummyHash() string {
	return encode("flowgate-dummy-secret", strings.Repeat("0", saltBytes*2), v.iterations)
}

func encode(secret, salt string, iterations int) string {
	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyBytes, sha256.New)
	digest := base64.StdEncoding.EncodeToString(key)
	return fmt.Sprintf("%s$%d$%s$%s", algorithm, iterations, salt, digest)
}
