// Package export renders verified certificates in the public JSON download
// format and checks documents against its schema.
package export

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"provcert/internal/authorship"
	"provcert/internal/certificate"
)

// Version is the export format version.
const Version = "1.0"

// SchemaName is the resource name of the embedded schema.
const SchemaName = "certificate-export-v1.schema.json"

//go:embed schema/certificate-export-v1.schema.json
var schemaJSON []byte

// Errors
var (
	ErrNotValid      = errors.New("export: certificate did not verify")
	ErrSchemaInvalid = errors.New("export: document does not match schema")
)

// Document is the exported certificate.
type Document struct {
	Version         string           `json:"version"`
	CertificateID   string           `json:"certificateId"`
	DocumentID      string           `json:"documentId"`
	CertificateType certificate.Type `json:"certificateType"`
	Title           string           `json:"title"`
	SignerName      string           `json:"signerName,omitempty"`
	GeneratedAt     time.Time        `json:"generatedAt"`
	Authorship      Authorship       `json:"authorship"`
	Verification    Verification     `json:"verification"`
}

// Authorship summarizes the typed/pasted split.
type Authorship struct {
	TotalCharacters    int64   `json:"totalCharacters"`
	TypedCharacters    int64   `json:"typedCharacters"`
	PastedCharacters   int64   `json:"pastedCharacters"`
	TypedPercentage    float64 `json:"typedPercentage"`
	PastedPercentage   float64 `json:"pastedPercentage"`
	TotalEvents        int64   `json:"totalEvents"`
	TypingEvents       int64   `json:"typingEvents"`
	PasteEvents        int64   `json:"pasteEvents"`
	EditingTimeMinutes float64 `json:"editingTimeMinutes"`
}

// Verification tells a reader how to re-check the certificate.
type Verification struct {
	Token       string `json:"token"`
	VerifyURL   string `json:"verifyUrl"`
	Signature   string `json:"signature"`
	ContentHash string `json:"contentHash,omitempty"`
}

// Build converts a valid verification result into an export document.
func Build(res *certificate.VerificationResult, verifyBaseURL string) (*Document, error) {
	if res == nil || !res.Valid || res.Certificate == nil {
		return nil, ErrNotValid
	}
	v := res.Certificate

	typedPct, pastedPct := Percentages(v.TypedCharacters, v.PastedCharacters)

	return &Document{
		Version:         Version,
		CertificateID:   v.ID,
		DocumentID:      v.DocumentID,
		CertificateType: v.Type,
		Title:           v.Title,
		SignerName:      v.SignerName,
		GeneratedAt:     v.GeneratedAt.UTC(),
		Authorship: Authorship{
			TotalCharacters:    v.TotalCharacters,
			TypedCharacters:    v.TypedCharacters,
			PastedCharacters:   v.PastedCharacters,
			TypedPercentage:    typedPct,
			PastedPercentage:   pastedPct,
			TotalEvents:        v.TotalEvents,
			TypingEvents:       v.TypingEvents,
			PasteEvents:        v.PasteEvents,
			EditingTimeMinutes: Round1(float64(v.EditingTimeSeconds) / 60),
		},
		Verification: Verification{
			Token:       v.VerificationToken,
			VerifyURL:   VerifyURL(verifyBaseURL, v.VerificationToken),
			Signature:   v.Signature,
			ContentHash: v.ContentHash,
		},
	}, nil
}

// Percentages returns the typed and pasted shares of the attributed
// characters, each rounded to one decimal. Both are zero when nothing was
// attributed.
func Percentages(typed, pasted int64) (float64, float64) {
	a := authorship.Attribution{TypedCharacters: typed, PastedCharacters: pasted}
	return Round1(a.TypedRatio() * 100), Round1(a.PastedRatio() * 100)
}

// Round1 rounds x to one decimal place, halves away from zero.
func Round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// VerifyURL joins the public base URL and the verification path for token.
func VerifyURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/verify/" + url.PathEscape(token)
}

// Marshal encodes doc as indented JSON and validates it.
func Marshal(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	if err := Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Schema returns the compiled export schema.
func Schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true
		if err := compiler.AddResource(SchemaName, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(SchemaName)
	})
	return schema, schemaErr
}

// SchemaJSON returns the raw embedded schema.
func SchemaJSON() []byte {
	return bytes.Clone(schemaJSON)
}

// Validate checks an encoded export document against the schema.
func Validate(data []byte) error {
	s, err := Schema()
	if err != nil {
		return fmt.Errorf("compile export schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return nil
}
