package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum size in bytes of signing secrets and derived keys.
const MinKeySize = 32

// labelPrefix scopes every derived key to this service.
const labelPrefix = "provcert:"

func readRandom(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return nil
}

// GenerateKey returns size random bytes. size must be at least MinKeySize.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}
	key := make([]byte, size)
	if err := readRandom(key); err != nil {
		return nil, err
	}
	return key, nil
}

// RandomHex returns n random bytes as lowercase hex. Verification tokens
// are RandomHex(32).
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if err := readRandom(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveKeyWithLabel derives a keySize-byte key from master with HKDF-SHA256,
// bound to label. Keys for different labels are independent, so one master
// secret can sign certificates for several deployments and seal the audit
// trail without any of them being interchangeable.
func DeriveKeyWithLabel(master []byte, label string, keySize int) ([]byte, error) {
	if err := ValidateKeyStrength(master); err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(labelPrefix+label)), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// SecureCompare compares a and b in constant time.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength rejects keys shorter than MinKeySize and keys made of
// one repeated byte.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required", ErrWeakKey, len(key), MinKeySize)
	}
	for _, b := range key[1:] {
		if b != key[0] {
			return nil
		}
	}
	if key[0] == 0 {
		return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
	}
	return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
}

// HashDomainSeparated hashes data under a length-prefixed domain tag, so
// digests computed for different purposes never collide.
func HashDomainSeparated(domain string, data ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(len(domain))})
	h.Write([]byte(domain))
	for _, d := range data {
		h.Write(d)
	}
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

// IsLowerHex reports whether s is exactly n lowercase hex characters.
func IsLowerHex(s string, n int) bool {
	if len(s) != n {
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

// Wipe zeroes b.
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
