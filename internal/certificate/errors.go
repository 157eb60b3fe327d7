package certificate

import (
	"errors"
	"fmt"

	"provcert/internal/signer"
)

// Errors
var (
	ErrDocumentNotFound    = errors.New("certificate: document not found")
	ErrCertificateNotFound = errors.New("certificate: certificate not found")
	ErrAccessCodeRequired  = errors.New("certificate: access code required")
	ErrAccessCodeInvalid   = errors.New("certificate: access code invalid")

	// ErrProtectedStateInconsistent marks a record flagged protected without a
	// usable access code hash. It is an integrity fault, never a pass.
	ErrProtectedStateInconsistent = errors.New("certificate: protected certificate has no usable access code hash")

	ErrInvalidCertificateType = errors.New("certificate: invalid certificate type")
)

// ErrSignatureInvalid matches both itself and signer.ErrSignatureInvalid.
var ErrSignatureInvalid = fmt.Errorf("certificate: %w", signer.ErrSignatureInvalid)
