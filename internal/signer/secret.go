package signer

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"provcert/internal/security"
)

// GenerateSecret returns a new random signing secret.
func GenerateSecret() ([]byte, error) {
	return security.GenerateKey(SecretSize)
}

// LoadSecret reads a signing secret from path. The file holds either the
// secret hex-encoded (64 characters, surrounding whitespace ignored) or at
// least SecretSize raw bytes. The file must not be group or world readable.
func LoadSecret(path string) ([]byte, error) {
	data, err := security.ReadSecretFile(path, maxSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	defer security.Wipe(data)

	secret, err := ParseSecret(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return secret, nil
}

// ParseSecret decodes secret material in the formats LoadSecret accepts.
func ParseSecret(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == hex.EncodedLen(SecretSize) {
		if secret, err := hex.DecodeString(string(trimmed)); err == nil {
			return secret, nil
		}
	}

	if len(data) < SecretSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d raw bytes or %d hex characters",
			ErrInvalidKeyFormat, len(data), SecretSize, hex.EncodedLen(SecretSize))
	}
	return bytes.Clone(data), nil
}

// EncodeSecret renders a secret the way keygen writes it.
func EncodeSecret(secret []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(secret))+1)
	hex.Encode(out, secret)
	out[len(out)-1] = '\n'
	return out
}

// DeriveSecret derives a per-deployment secret from a master secret, so
// certificates signed under one label do not verify under another.
func DeriveSecret(master []byte, label string) ([]byte, error) {
	secret, err := security.DeriveKeyWithLabel(master, "signing:"+label, SecretSize)
	if err != nil {
		return nil, fmt.Errorf("derive secret: %w", err)
	}
	return secret, nil
}
