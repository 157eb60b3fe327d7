// Package signer signs and verifies certificate payloads.
//
// A payload is the set of certificate fields that must not change after
// issuance. It is encoded as an HS256 JWT under a deployment secret. Tokens
// carry an issued-at claim but never expire: a certificate stays verifiable
// for as long as the secret is kept.
package signer

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"provcert/internal/security"
)

// Errors
var (
	ErrSignatureInvalid = errors.New("signer: signature invalid")
	ErrWeakSecret       = errors.New("signer: signing secret too weak")
	ErrInvalidKeyFormat = errors.New("signer: invalid secret format")
)

// SecretSize is the size in bytes of generated secrets.
const SecretSize = 32

// TokenBytes is the number of random bytes in a verification token.
const TokenBytes = 32

// maxSecretFile bounds secret files read from disk.
const maxSecretFile = 4096

// Payload is the signed portion of a certificate.
type Payload struct {
	CertificateID      string    `json:"-"`
	DocumentID         string    `json:"documentId"`
	UserID             string    `json:"userId"`
	Title              string    `json:"title"`
	ContentHash        string    `json:"contentHash"`
	TypedCharacters    int64     `json:"typedCharacters"`
	PastedCharacters   int64     `json:"pastedCharacters"`
	TotalEvents        int64     `json:"totalEvents"`
	EditingTimeSeconds int64     `json:"editingTimeSeconds"`
	IssuedAt           time.Time `json:"-"`
}

// claims is the JWT body: payload fields plus registered claims.
type claims struct {
	Payload
	jwt.RegisteredClaims
}

// Config holds signer settings.
type Config struct {
	Secret []byte
	Issuer string
}

// Signer signs payloads with a fixed secret.
type Signer struct {
	secret []byte
	issuer string
}

// New creates a signer. The secret is copied.
func New(cfg Config) (*Signer, error) {
	if err := security.ValidateKeyStrength(cfg.Secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeakSecret, err)
	}
	return &Signer{
		secret: bytes.Clone(cfg.Secret),
		issuer: cfg.Issuer,
	}, nil
}

// Sign returns the compact JWT for p. IssuedAt is truncated to seconds.
func (s *Signer) Sign(p Payload) (string, error) {
	c := claims{
		Payload: p,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       p.CertificateID,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(p.IssuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return signed, nil
}

// Verify checks the signature of tokenStr and returns its payload. Only
// HS256 is accepted. Every failure wraps ErrSignatureInvalid.
func (s *Signer) Verify(tokenStr string) (Payload, error) {
	// Strict decoding rejects non-zero padding bits in the last character of
	// each segment, so every character of the signature is significant.
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !token.Valid {
		return Payload{}, ErrSignatureInvalid
	}
	iat := c.RegisteredClaims.IssuedAt
	if iat == nil {
		return Payload{}, fmt.Errorf("%w: missing iat", ErrSignatureInvalid)
	}

	p := c.Payload
	p.CertificateID = c.RegisteredClaims.ID
	p.IssuedAt = iat.Time.UTC()
	return p, nil
}

// NewVerificationToken returns a fresh public lookup token: 32 random bytes
// as lowercase hex. It is unrelated to the signing secret.
func NewVerificationToken() (string, error) {
	return security.RandomHex(TokenBytes)
}

// IsVerificationToken reports whether s has the shape of a verification token.
func IsVerificationToken(s string) bool {
	return security.IsLowerHex(s, TokenBytes*2)
}
