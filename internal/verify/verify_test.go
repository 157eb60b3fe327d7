package verify

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provcert/internal/certificate"
	"provcert/internal/editlog"
	"provcert/internal/export"
	"provcert/internal/signer"
)

var (
	issuedAt   = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	testSecret = []byte("verify-tests-secret-0123456789abc")
	token      = strings.Repeat("a1", 32)
)

func testView() *certificate.View {
	return &certificate.View{
		ID:          "cert-1",
		DocumentID:  "doc-1",
		Type:        certificate.PartialAuthorship,
		Title:       "My Essay",
		SignerName:  "Ada",
		GeneratedAt: issuedAt,
		Metrics: certificate.Metrics{
			TotalEvents:        2,
			TypingEvents:       1,
			PasteEvents:        1,
			TypedCharacters:    1,
			PastedCharacters:   5,
			EditingTimeSeconds: 125,
		},
		TotalCharacters:   6,
		ContentHash:       strings.Repeat("c", 64),
		VerificationToken: token,
	}
}

func validResult() *certificate.VerificationResult {
	return &certificate.VerificationResult{
		Valid:       true,
		Certificate: testView(),
		VerifiedAt:  issuedAt.Add(time.Hour),
		Message:     certificate.MsgValid,
	}
}

func rejected(reason error, msg string) *certificate.VerificationResult {
	return &certificate.VerificationResult{Message: msg, Reason: reason, VerifiedAt: issuedAt}
}

func TestParseFormat(t *testing.T) {
	tests := map[string]ReportFormat{
		"":         FormatText,
		"TEXT":     FormatText,
		"json":     FormatJSON,
		"md":       FormatMarkdown,
		"markdown": FormatMarkdown,
		" html ":   FormatHTML,
	}
	for in, want := range tests {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)

	assert.Equal(t, "text/html; charset=utf-8", FormatHTML.ContentType())
	assert.Equal(t, "application/json", FormatJSON.ContentType())
}

func TestNewReportValid(t *testing.T) {
	r := NewReport(validResult(), "https://provcert.example/")
	assert.True(t, r.Valid)
	assert.Equal(t, "valid", r.Outcome)
	assert.Equal(t, 16.7, r.TypedPercentage)
	assert.Equal(t, 83.3, r.PastedPercentage)
	assert.Equal(t, 2.1, r.EditingTimeMinutes)
	assert.Equal(t, "https://provcert.example/verify/"+token, r.VerifyURL)
	assert.Equal(t, 2, r.Passed)
	assert.Equal(t, 1, r.Skipped)
	assert.Empty(t, r.FailedChecks())
	assert.Contains(t, r.Summary(), `[VALID] partial_authorship "My Essay": 16.7% typed, 83.3% pasted`)
}

func TestNewReportRejections(t *testing.T) {
	r := NewReport(rejected(certificate.ErrAccessCodeRequired, certificate.MsgProtected), "")
	assert.False(t, r.Valid)
	assert.Nil(t, r.Certificate)
	assert.Equal(t, []string{CheckAccessCode}, r.FailedChecks())

	r = NewReport(rejected(certificate.ErrSignatureInvalid, certificate.MsgSignatureInvalid), "")
	assert.Equal(t, []string{CheckSignature}, r.FailedChecks())
	assert.Equal(t, "signature_invalid", r.Outcome)
}

func TestNewReportHidesDeniedAccess(t *testing.T) {
	missing := NewReport(rejected(certificate.ErrCertificateNotFound, certificate.MsgAccessDenied), "")
	denied := NewReport(rejected(certificate.ErrAccessCodeInvalid, certificate.MsgAccessDenied), "")
	assert.Equal(t, missing, denied)
	assert.Equal(t, "not_found", denied.Outcome)
}

func TestGenerateFormats(t *testing.T) {
	res := validResult()
	res.Certificate.PlainTextSnapshot = "Hello!\nSecond line"
	res.Certificate.EditHistory = editlog.Summarize([]editlog.Event{{
		Type:       editlog.Paste,
		Timestamp:  issuedAt,
		TextBefore: editlog.Text(""),
		TextAfter:  editlog.Text("Hello"),
	}})
	report := NewReport(res, "https://provcert.example")

	tests := []struct {
		format ReportFormat
		want   []string
	}{
		{FormatText, []string{"PROVCERT AUTHORSHIP CERTIFICATE VERIFICATION", "Result:          VALID", "Pasted:          5 (83.3%)", "cccccccc...cccccccc", "--- Full Text ---", "Edit History (1 events)"}},
		{FormatJSON, []string{`"valid": true`, `"typedPercentage": 16.7`, `"checks": [`}},
		{FormatMarkdown, []string{"# Authorship Certificate Verification", "| **Result** | VALID |", "| signature | PASSED |", "> Second line"}},
		{FormatHTML, []string{"<!DOCTYPE html>", `<span class="result-valid">VALID</span>`, "<pre>Hello!\nSecond line</pre>"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewReportGenerator(tt.format).Generate(report, &buf))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestGenerateVerboseText(t *testing.T) {
	res := validResult()
	res.Certificate.EditHistory = []editlog.Summary{{Type: editlog.KeyDown, Timestamp: issuedAt, Delta: 1}}

	var buf bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatText).WithVerbose(true).Generate(NewReport(res, ""), &buf))
	assert.Contains(t, buf.String(), strings.Repeat("c", 64))
	assert.Contains(t, buf.String(), "keydown  +1")
}

func TestGenerateInvalid(t *testing.T) {
	report := NewReport(rejected(certificate.ErrCertificateNotFound, certificate.MsgNotFound), "")
	for _, f := range []ReportFormat{FormatText, FormatMarkdown, FormatHTML, FormatJSON} {
		var buf bytes.Buffer
		require.NoError(t, NewReportGenerator(f).Generate(report, &buf), f)
		assert.Contains(t, buf.String(), certificate.MsgNotFound, f)
		assert.NotContains(t, buf.String(), "Authorship\n", f)
	}

	assert.Error(t, NewReportGenerator("pdf").Generate(report, &bytes.Buffer{}))
}

func TestGenerateEscapesUserText(t *testing.T) {
	res := validResult()
	res.Certificate.Title = `<script>alert(1)</script>Essay | notes`
	res.Certificate.PlainTextSnapshot = `<img src=x onerror=alert(1)>`
	report := NewReport(res, "")

	var html bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatHTML).Generate(report, &html))
	assert.NotContains(t, html.String(), "<script>alert")
	assert.NotContains(t, html.String(), "<img")
	assert.Contains(t, html.String(), "&lt;script&gt;")

	var md bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatMarkdown).Generate(report, &md))
	assert.NotContains(t, md.String(), "<script>")
	assert.NotContains(t, md.String(), "<img")
	assert.Contains(t, md.String(), `Essay \| notes`)
}

func signedExport(t *testing.T, s *signer.Signer) *export.Document {
	t.Helper()
	v := testView()
	sig, err := s.Sign(signer.Payload{
		CertificateID:      v.ID,
		DocumentID:         v.DocumentID,
		UserID:             "user-1",
		Title:              v.Title,
		ContentHash:        v.ContentHash,
		TypedCharacters:    v.TypedCharacters,
		PastedCharacters:   v.PastedCharacters,
		TotalEvents:        v.TotalEvents,
		EditingTimeSeconds: v.EditingTimeSeconds,
		IssuedAt:           v.GeneratedAt,
	})
	require.NoError(t, err)
	v.Signature = sig

	doc, err := export.Build(&certificate.VerificationResult{Valid: true, Certificate: v}, "https://provcert.example")
	require.NoError(t, err)
	return doc
}

func newSigner(t *testing.T, secret []byte) *signer.Signer {
	t.Helper()
	s, err := signer.New(signer.Config{Secret: secret, Issuer: "provcert-test"})
	require.NoError(t, err)
	return s
}

func TestVerifyExport(t *testing.T) {
	s := newSigner(t, testSecret)
	doc := signedExport(t, s)

	r := VerifyExport(doc, s)
	require.True(t, r.Valid, r.FailedChecks())
	assert.Equal(t, 3, r.Passed)
	assert.Equal(t, int64(125), r.Certificate.EditingTimeSeconds)
	assert.Equal(t, doc.Verification.VerifyURL, r.VerifyURL)
}

func TestVerifyExportTampered(t *testing.T) {
	s := newSigner(t, testSecret)

	tests := map[string]func(d *export.Document){
		"typed characters": func(d *export.Document) { d.Authorship.TypedCharacters = 6 },
		"percentages":      func(d *export.Document) { d.Authorship.TypedPercentage, d.Authorship.PastedPercentage = 100, 0 },
		"type":             func(d *export.Document) { d.CertificateType = certificate.FullAuthorship },
		"title":            func(d *export.Document) { d.Title = "Someone Else's Essay" },
		"issued":           func(d *export.Document) { d.GeneratedAt = d.GeneratedAt.Add(-time.Hour) },
		"editing time":     func(d *export.Document) { d.Authorship.EditingTimeMinutes = 60 },
		"content hash":     func(d *export.Document) { d.Verification.ContentHash = strings.Repeat("0", 64) },
		"malformed hash":   func(d *export.Document) { d.Verification.ContentHash = "not-a-digest" },
	}
	for name, tamper := range tests {
		t.Run(name, func(t *testing.T) {
			doc := signedExport(t, s)
			tamper(doc)
			r := VerifyExport(doc, s)
			assert.False(t, r.Valid)
			assert.Equal(t, []string{CheckFields}, r.FailedChecks())
		})
	}
}

func TestVerifyExportWrongSecret(t *testing.T) {
	doc := signedExport(t, newSigner(t, testSecret))
	r := VerifyExport(doc, newSigner(t, []byte("another-deployment-secret-987654")))
	assert.False(t, r.Valid)
	assert.Equal(t, []string{CheckSignature}, r.FailedChecks())
	assert.Equal(t, certificate.MsgSignatureInvalid, r.Message)
}

func TestLoadExport(t *testing.T) {
	s := newSigner(t, testSecret)
	data, err := export.Marshal(signedExport(t, s))
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	require.NoError(t, os.WriteFile(path, data, 0600))

	doc, err := LoadExport(path)
	require.NoError(t, err)
	assert.True(t, VerifyExport(doc, s).Valid)

	_, err = LoadExport(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrExportUnreadable)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":"9"}`), 0600))
	_, err = LoadExport(bad)
	assert.ErrorIs(t, err, export.ErrSchemaInvalid)
}
