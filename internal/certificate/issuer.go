package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"provcert/internal/accessgate"
	"provcert/internal/authorship"
	"provcert/internal/contenthash"
	"provcert/internal/editlog"
	"provcert/internal/signer"
)

// DefaultTitle is used when neither the options nor the document name one.
const DefaultTitle = "Untitled Document"

// IssueOptions controls a single issuance.
type IssueOptions struct {
	// Type overrides the type inferred from the attribution.
	Type               Type   `json:"certificateType,omitempty"`
	Title              string `json:"title,omitempty"`
	SignerName         string `json:"signerName,omitempty"`
	IncludeFullText    bool   `json:"includeFullText"`
	IncludeEditHistory bool   `json:"includeEditHistory"`
	AccessCode         string `json:"accessCode,omitempty"`
}

// Issuer builds signed certificates.
type Issuer struct {
	signer *signer.Signer
	gate   *accessgate.Gate

	now   func() time.Time
	newID func() string
}

// NewIssuer creates an issuer. gate may be nil when no certificate will be
// protected by an access code.
func NewIssuer(s *signer.Signer, gate *accessgate.Gate) *Issuer {
	return &Issuer{
		signer: s,
		gate:   gate,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Issue computes the metrics of events, binds them to the content of doc and
// signs the result. events must be in chronological order. An empty event
// log issues a certificate with zero metrics.
func (i *Issuer) Issue(ctx context.Context, doc *Document, events []editlog.Event, opts IssueOptions) (*Certificate, error) {
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	if opts.Type != "" && !opts.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCertificateType, opts.Type)
	}
	if err := editlog.CheckOrdered(events); err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", doc.ID, err)
	}

	result := authorship.Calculate(events)

	hash, err := contenthash.Hex(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("hash document %s: %w", doc.ID, err)
	}

	token, err := signer.NewVerificationToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	cert := &Certificate{
		Core: Core{
			ID:                i.newID(),
			DocumentID:        doc.ID,
			UserID:            doc.UserID,
			Type:              opts.Type,
			Title:             issueTitle(opts.Title, doc.Title),
			DocumentSnapshot:  cloneRaw(doc.Content),
			PlainTextSnapshot: doc.PlainText,
			Metrics: Metrics{
				TotalEvents:        result.TotalEvents,
				TypingEvents:       result.TypingEvents,
				PasteEvents:        result.PasteEvents,
				TypedCharacters:    result.TypedCharacters,
				PastedCharacters:   result.PastedCharacters,
				EditingTimeSeconds: result.EditingDurationSeconds,
			},
			TotalCharacters:   doc.CharacterCount,
			ContentHash:       hash,
			VerificationToken: token,
			SignerName:        opts.SignerName,
			GeneratedAt:       i.now().UTC().Truncate(time.Second),
		},
		Overlay: Overlay{
			IncludeFullText:    opts.IncludeFullText,
			IncludeEditHistory: opts.IncludeEditHistory,
		},
		LastEventID: lastEventID(events),
	}

	if cert.Type == "" {
		cert.Type = inferType(result.Attribution)
	}
	if cert.TotalCharacters <= 0 {
		cert.TotalCharacters = int64(utf8.RuneCountInString(doc.PlainText))
	}

	if opts.AccessCode != "" {
		if i.gate == nil {
			return nil, errors.New("certificate: access code given but no access gate configured")
		}
		h, err := i.gate.Derive(ctx, opts.AccessCode)
		if err != nil {
			return nil, fmt.Errorf("protect certificate: %w", err)
		}
		cert.AccessCodeHash = h
		cert.IsProtected = true
	}

	sig, err := i.signer.Sign(cert.Payload())
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	cert.Signature = sig

	return cert, nil
}

func lastEventID(events []editlog.Event) int64 {
	var id int64
	for i := range events {
		id = max(id, events[i].ID)
	}
	return id
}

func inferType(a authorship.Attribution) Type {
	if a.PastedCharacters == 0 {
		return FullAuthorship
	}
	return PartialAuthorship
}

func issueTitle(opt, doc string) string {
	switch {
	case opt != "":
		return opt
	case doc != "":
		return doc
	default:
		return DefaultTitle
	}
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	return append([]byte(nil), raw...)
}
