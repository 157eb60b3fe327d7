// Package certificate issues and verifies authorship provenance certificates.
//
// A certificate is split into a signed Core, fixed at issuance, and an
// Overlay of display flags that the owner may change later. The signature
// binds the Core fields that describe authorship; the Overlay is outside it,
// so changing display options never invalidates a certificate.
package certificate

import (
	"encoding/json"
	"time"

	"provcert/internal/editlog"
	"provcert/internal/signer"
)

// Type classifies a certificate by whether any pasted text was attributed.
type Type string

const (
	FullAuthorship    Type = "full_authorship"
	PartialAuthorship Type = "partial_authorship"
)

// Valid reports whether t is a known certificate type.
func (t Type) Valid() bool {
	return t == FullAuthorship || t == PartialAuthorship
}

// Document is the source a certificate is issued for.
type Document struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Title          string          `json:"title"`
	Content        json.RawMessage `json:"content,omitempty"`
	PlainText      string          `json:"plainText"`
	CharacterCount int64           `json:"characterCount"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Metrics are the authorship figures frozen into a certificate.
type Metrics struct {
	TotalEvents        int64 `json:"totalEvents"`
	TypingEvents       int64 `json:"typingEvents"`
	PasteEvents        int64 `json:"pasteEvents"`
	TypedCharacters    int64 `json:"typedCharacters"`
	PastedCharacters   int64 `json:"pastedCharacters"`
	EditingTimeSeconds int64 `json:"editingTimeSeconds"`
}

// Core holds the fields fixed at issuance.
type Core struct {
	ID                string          `json:"id"`
	DocumentID        string          `json:"documentId"`
	UserID            string          `json:"userId"`
	Type              Type            `json:"certificateType"`
	Title             string          `json:"title"`
	DocumentSnapshot  json.RawMessage `json:"documentSnapshot"`
	PlainTextSnapshot string          `json:"plainTextSnapshot"`
	Metrics
	TotalCharacters   int64     `json:"totalCharacters"`
	ContentHash       string    `json:"contentHash"`
	Signature         string    `json:"signature"`
	VerificationToken string    `json:"verificationToken"`
	SignerName        string    `json:"signerName,omitempty"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

// Overlay holds the display flags that may change after issuance.
type Overlay struct {
	IncludeFullText    bool   `json:"includeFullText"`
	IncludeEditHistory bool   `json:"includeEditHistory"`
	AccessCodeHash     string `json:"accessCodeHash,omitempty"`
	IsProtected        bool   `json:"isProtected"`
}

// Certificate is a stored certificate record.
type Certificate struct {
	Core
	Overlay

	// LastEventID is the highest edit event ID the metrics were computed
	// over. Events stored later never join the issued history, whatever
	// their timestamp. Zero means the events carried no IDs.
	LastEventID int64 `json:"-"`
}

// Payload returns the signed projection of the core.
func (c *Core) Payload() signer.Payload {
	return signer.Payload{
		CertificateID:      c.ID,
		DocumentID:         c.DocumentID,
		UserID:             c.UserID,
		Title:              c.Title,
		ContentHash:        c.ContentHash,
		TypedCharacters:    c.TypedCharacters,
		PastedCharacters:   c.PastedCharacters,
		TotalEvents:        c.TotalEvents,
		EditingTimeSeconds: c.EditingTimeSeconds,
		IssuedAt:           c.GeneratedAt,
	}
}

// View is the public rendering of a verified certificate. It never carries
// the access code hash; snapshots and edit history appear only when the
// owner enabled them.
type View struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	Type              Type      `json:"certificateType"`
	Title             string    `json:"title"`
	SignerName        string    `json:"signerName,omitempty"`
	GeneratedAt       time.Time `json:"generatedAt"`
	Metrics
	TotalCharacters   int64  `json:"totalCharacters"`
	ContentHash       string `json:"contentHash"`
	Signature         string `json:"signature"`
	VerificationToken string `json:"verificationToken"`

	IncludeFullText    bool `json:"includeFullText"`
	IncludeEditHistory bool `json:"includeEditHistory"`
	IsProtected        bool `json:"isProtected"`

	DocumentSnapshot  json.RawMessage `json:"documentSnapshot,omitempty"`
	PlainTextSnapshot string          `json:"plainTextSnapshot,omitempty"`
	// Reconstructed is set when DocumentSnapshot was recovered from the
	// event log because none was stored.
	Reconstructed bool              `json:"reconstructed,omitempty"`
	EditHistory   []editlog.Summary `json:"editHistory,omitempty"`
}

// View returns the sanitized view of c without snapshots or history.
func (c *Certificate) View() *View {
	return &View{
		ID:                 c.ID,
		DocumentID:         c.DocumentID,
		Type:               c.Type,
		Title:              c.Title,
		SignerName:         c.SignerName,
		GeneratedAt:        c.GeneratedAt,
		Metrics:            c.Metrics,
		TotalCharacters:    c.TotalCharacters,
		ContentHash:        c.ContentHash,
		Signature:          c.Signature,
		VerificationToken:  c.VerificationToken,
		IncludeFullText:    c.IncludeFullText,
		IncludeEditHistory: c.IncludeEditHistory,
		IsProtected:        c.IsProtected,
	}
}

// VerificationResult is the outcome of one verification call. It is never
// persisted.
type VerificationResult struct {
	Valid       bool      `json:"valid"`
	Certificate *View     `json:"certificate"`
	VerifiedAt  time.Time `json:"verifiedAt"`
	Message     string    `json:"message"`

	// Reason is nil when Valid, otherwise one of the package sentinels,
	// possibly wrapped.
	Reason error `json:"-"`
}

// AuditEntry records an administrative action on a certificate.
type AuditEntry struct {
	CertificateID string
	UserID        string
	Action        string
	Details       map[string]any
	At            time.Time
}
