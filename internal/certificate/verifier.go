package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provcert/internal/accessgate"
	"provcert/internal/contenthash"
	"provcert/internal/editlog"
	"provcert/internal/signer"
)

// Public verification messages. A missing certificate and a wrong access
// code read the same on the gated path.
const (
	MsgValid            = "certificate is valid"
	MsgNotFound         = "certificate not found"
	MsgProtected        = "certificate is protected"
	MsgAccessDenied     = "certificate not found or access code invalid"
	MsgSignatureInvalid = "certificate signature is invalid"
)

// CertificateFinder looks certificates up by verification token. A miss is
// reported as ErrCertificateNotFound.
type CertificateFinder interface {
	CertificateByToken(ctx context.Context, token string) (*Certificate, error)
}

// EventSource returns the events of a document in chronological order.
type EventSource interface {
	Events(ctx context.Context, documentID string) ([]editlog.Event, error)
}

// Verifier runs the public verification flow:
//
//	lookup -> (protected ? check code : skip) -> check signature -> view
type Verifier struct {
	certs  CertificateFinder
	events EventSource
	signer *signer.Signer
	gate   *accessgate.Gate
	recon  *Reconstructor
	now    func() time.Time
}

// NewVerifier creates a verifier. events is read only for certificates that
// disclose an edit history or need a reconstructed snapshot. A nil recon
// uses DefaultWindow.
func NewVerifier(certs CertificateFinder, events EventSource, s *signer.Signer, gate *accessgate.Gate, recon *Reconstructor) *Verifier {
	if recon == nil {
		recon = NewReconstructor(DefaultWindow)
	}
	return &Verifier{
		certs:  certs,
		events: events,
		signer: s,
		gate:   gate,
		recon:  recon,
		now:    time.Now,
	}
}

// Verify checks the certificate behind token without an access code.
// Protected certificates are reported invalid with ErrAccessCodeRequired and
// no certificate data.
func (v *Verifier) Verify(ctx context.Context, token string) (*VerificationResult, error) {
	cert, res, err := v.lookup(ctx, token, MsgNotFound)
	if cert == nil {
		return res, err
	}
	if cert.IsProtected {
		return v.reject(ErrAccessCodeRequired, MsgProtected), nil
	}
	return v.validate(ctx, cert)
}

// VerifyWithAccessCode checks the certificate behind token, opening a
// protected certificate with code. For unprotected certificates the code is
// ignored. A wrong code and an unknown token give the same result.
func (v *Verifier) VerifyWithAccessCode(ctx context.Context, token, code string) (*VerificationResult, error) {
	cert, res, err := v.lookup(ctx, token, MsgAccessDenied)
	if cert == nil {
		return res, err
	}

	if cert.IsProtected {
		if cert.AccessCodeHash == "" {
			return nil, fmt.Errorf("%w: %s", ErrProtectedStateInconsistent, cert.ID)
		}
		if code == "" {
			return v.reject(ErrAccessCodeInvalid, MsgAccessDenied), nil
		}
		if v.gate == nil {
			return nil, errors.New("certificate: no access gate configured")
		}
		ok, err := v.gate.Verify(ctx, code, cert.AccessCodeHash)
		if errors.Is(err, accessgate.ErrMalformedHash) {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtectedStateInconsistent, cert.ID, err)
		}
		if err != nil {
			return nil, fmt.Errorf("check access code: %w", err)
		}
		if !ok {
			return v.reject(ErrAccessCodeInvalid, MsgAccessDenied), nil
		}
	}

	return v.validate(ctx, cert)
}

// lookup resolves token. It returns either a certificate, or the result to
// hand back, or an error.
func (v *Verifier) lookup(ctx context.Context, token, missing string) (*Certificate, *VerificationResult, error) {
	if !signer.IsVerificationToken(token) {
		return nil, v.reject(ErrCertificateNotFound, missing), nil
	}

	cert, err := v.certs.CertificateByToken(ctx, token)
	if errors.Is(err, ErrCertificateNotFound) {
		return nil, v.reject(ErrCertificateNotFound, missing), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("look up certificate: %w", err)
	}
	if cert == nil {
		return nil, v.reject(ErrCertificateNotFound, missing), nil
	}
	return cert, nil, nil
}

func (v *Verifier) reject(reason error, msg string) *VerificationResult {
	return &VerificationResult{
		Valid:      false,
		VerifiedAt: v.now().UTC(),
		Message:    msg,
		Reason:     reason,
	}
}

// validate checks the signature against the stored record and builds the
// disclosed view.
func (v *Verifier) validate(ctx context.Context, cert *Certificate) (*VerificationResult, error) {
	if err := v.checkSignature(cert); err != nil {
		return v.reject(err, MsgSignatureInvalid), nil
	}

	view := cert.View()
	if cert.IncludeFullText {
		view.DocumentSnapshot = cert.DocumentSnapshot
		view.PlainTextSnapshot = cert.PlainTextSnapshot
	}

	needSnapshot := cert.IncludeFullText && contenthash.IsEmpty(cert.DocumentSnapshot)
	if needSnapshot || cert.IncludeEditHistory {
		events, err := v.issuedEvents(ctx, cert)
		if err != nil {
			return nil, err
		}
		if cert.IncludeEditHistory {
			view.EditHistory = editlog.Summarize(events)
		}
		if needSnapshot {
			rebuilt := v.recon.Reconstruct(cert.DocumentSnapshot, events)
			if !contenthash.IsEmpty(rebuilt) {
				view.DocumentSnapshot = rebuilt
				view.Reconstructed = true
				if view.PlainTextSnapshot == "" {
					view.PlainTextSnapshot = contenthash.PlainText(rebuilt)
				}
			}
		}
	}

	return &VerificationResult{
		Valid:       true,
		Certificate: view,
		VerifiedAt:  v.now().UTC(),
		Message:     MsgValid,
	}, nil
}

// issuedEvents returns the events the certificate's metrics were computed
// over: those stored up to LastEventID, or for certificates without one the
// first TotalEvents events of the document.
func (v *Verifier) issuedEvents(ctx context.Context, cert *Certificate) ([]editlog.Event, error) {
	if v.events == nil {
		return nil, nil
	}
	events, err := v.events.Events(ctx, cert.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", cert.DocumentID, err)
	}
	if cert.LastEventID > 0 {
		issued := events[:0]
		for _, e := range events {
			if e.ID > 0 && e.ID <= cert.LastEventID {
				issued = append(issued, e)
			}
		}
		events = issued
	}
	if n := cert.TotalEvents; int64(len(events)) > n {
		events = events[:n]
	}
	return events, nil
}

// checkSignature verifies the stored signature and that the signed payload
// still matches the stored fields and content.
func (v *Verifier) checkSignature(cert *Certificate) error {
	signed, err := v.signer.Verify(cert.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	if field := payloadMismatch(signed, cert.Payload()); field != "" {
		return fmt.Errorf("%w: %s differs from signed payload", ErrSignatureInvalid, field)
	}

	hash, err := contenthash.Hex(cert.DocumentSnapshot)
	if err != nil {
		return fmt.Errorf("%w: stored snapshot unreadable: %v", ErrSignatureInvalid, err)
	}
	if hash != cert.ContentHash {
		return fmt.Errorf("%w: stored snapshot does not match content hash", ErrSignatureInvalid)
	}
	return nil
}

// payloadMismatch names the first field where signed and stored differ.
func payloadMismatch(signed, stored signer.Payload) string {
	switch {
	case signed.CertificateID != stored.CertificateID:
		return "id"
	case signed.DocumentID != stored.DocumentID:
		return "documentId"
	case signed.UserID != stored.UserID:
		return "userId"
	case signed.Title != stored.Title:
		return "title"
	case signed.ContentHash != stored.ContentHash:
		return "contentHash"
	case signed.TypedCharacters != stored.TypedCharacters:
		return "typedCharacters"
	case signed.PastedCharacters != stored.PastedCharacters:
		return "pastedCharacters"
	case signed.TotalEvents != stored.TotalEvents:
		return "totalEvents"
	case signed.EditingTimeSeconds != stored.EditingTimeSeconds:
		return "editingTimeSeconds"
	case !signed.IssuedAt.Equal(stored.IssuedAt.Truncate(time.Second)):
		return "generatedAt"
	default:
		return ""
	}
}
