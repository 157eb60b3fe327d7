package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"provcert/internal/certificate"
	"provcert/internal/contenthash"
	"provcert/internal/export"
	"provcert/internal/metrics"
	"provcert/internal/signer"
)

// Errors
var (
	ErrExportUnreadable = errors.New("verify: export file unreadable")
)

// maxExportSize bounds export files read from disk.
const maxExportSize = 1 << 20

// LoadExport reads an exported certificate and checks it against the
// export schema.
func LoadExport(path string) (*export.Document, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportUnreadable, err)
	}
	if fi.Size() > maxExportSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrExportUnreadable, path, fi.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportUnreadable, err)
	}
	return ParseExport(data)
}

// ParseExport decodes and schema-checks an exported certificate.
func ParseExport(data []byte) (*export.Document, error) {
	if err := export.Validate(data); err != nil {
		return nil, err
	}
	var doc export.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return &doc, nil
}

// VerifyExport re-checks an exported certificate without the store: the
// embedded signature must verify under s, and every figure in the export
// must match the signed payload. Only the deployment that issued the
// certificate holds the secret, so this is an operator tool.
func VerifyExport(doc *export.Document, s *signer.Signer) *Report {
	r := &Report{VerifiedAt: time.Now().UTC()}
	r.add(CheckSchema, StatusPassed, "export matches schema version "+doc.Version)

	p, err := s.Verify(doc.Verification.Signature)
	if err != nil {
		r.add(CheckSignature, StatusFailed, certificate.MsgSignatureInvalid)
		r.add(CheckFields, StatusSkipped, "")
		r.finish(certificate.MsgSignatureInvalid)
		return r
	}
	r.add(CheckSignature, StatusPassed, "signature verifies")

	if mismatched := exportMismatches(doc, p); len(mismatched) > 0 {
		r.add(CheckFields, StatusFailed, fmt.Sprintf("export disagrees with signature on %v", mismatched))
		r.finish(certificate.MsgSignatureInvalid)
		return r
	}
	r.add(CheckFields, StatusPassed, "export figures match the signed payload")

	r.setCertificate(exportView(doc, p), "")
	r.VerifyURL = doc.Verification.VerifyURL
	r.finish(certificate.MsgValid)
	return r
}

func (r *Report) finish(msg string) {
	r.Valid = r.Failed == 0
	r.Message = msg
	if r.Valid {
		r.Outcome = metrics.OutcomeValid
	} else {
		r.Outcome = metrics.OutcomeSignatureInvalid
	}
}

// exportMismatches lists the export fields that differ from the payload.
func exportMismatches(doc *export.Document, p signer.Payload) []string {
	var out []string
	check := func(name string, ok bool) {
		if !ok {
			out = append(out, name)
		}
	}
	a := doc.Authorship
	check("certificateId", doc.CertificateID == p.CertificateID)
	check("documentId", doc.DocumentID == p.DocumentID)
	check("title", doc.Title == p.Title)
	check("generatedAt", doc.GeneratedAt.Equal(p.IssuedAt))
	if h := doc.Verification.ContentHash; h != "" {
		d, err := contenthash.ParseDigest(h)
		check("contentHash", err == nil && d.String() == p.ContentHash)
	}
	check("typedCharacters", a.TypedCharacters == p.TypedCharacters)
	check("pastedCharacters", a.PastedCharacters == p.PastedCharacters)
	check("totalEvents", a.TotalEvents == p.TotalEvents)
	check("editingTimeMinutes", a.EditingTimeMinutes == export.Round1(float64(p.EditingTimeSeconds)/60))

	typed, pasted := export.Percentages(p.TypedCharacters, p.PastedCharacters)
	check("typedPercentage", a.TypedPercentage == typed)
	check("pastedPercentage", a.PastedPercentage == pasted)

	wantType := certificate.FullAuthorship
	if p.PastedCharacters > 0 {
		wantType = certificate.PartialAuthorship
	}
	check("certificateType", doc.CertificateType == wantType)
	return out
}

func exportView(doc *export.Document, p signer.Payload) *certificate.View {
	a := doc.Authorship
	return &certificate.View{
		ID:          doc.CertificateID,
		DocumentID:  doc.DocumentID,
		Type:        doc.CertificateType,
		Title:       doc.Title,
		SignerName:  doc.SignerName,
		GeneratedAt: doc.GeneratedAt,
		Metrics: certificate.Metrics{
			TotalEvents:        a.TotalEvents,
			TypingEvents:       a.TypingEvents,
			PasteEvents:        a.PasteEvents,
			TypedCharacters:    a.TypedCharacters,
			PastedCharacters:   a.PastedCharacters,
			EditingTimeSeconds: p.EditingTimeSeconds,
		},
		TotalCharacters:   a.TotalCharacters,
		ContentHash:       p.ContentHash,
		Signature:         doc.Verification.Signature,
		VerificationToken: doc.Verification.Token,
	}
}
