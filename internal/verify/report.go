// Package verify renders certificate verification results as reports and
// re-checks exported certificates offline.
package verify

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"provcert/internal/certificate"
	"provcert/internal/export"
	"provcert/internal/metrics"
)

// ReportFormat specifies the output format for verification reports.
type ReportFormat string

const (
	FormatJSON     ReportFormat = "json"
	FormatText     ReportFormat = "text"
	FormatMarkdown ReportFormat = "markdown"
	FormatHTML     ReportFormat = "html"
)

// ParseFormat maps a user-supplied name to a format. Empty means text.
func ParseFormat(s string) (ReportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown report format: %q", s)
	}
}

// ContentType returns the HTTP media type of the format.
func (f ReportFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// CheckStatus is the state of a single check.
type CheckStatus string

const (
	StatusPassed  CheckStatus = "passed"
	StatusFailed  CheckStatus = "failed"
	StatusSkipped CheckStatus = "skipped"
)

// Check is one step of a verification.
type Check struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// Check names.
const (
	CheckCertificate = "certificate"
	CheckAccessCode  = "access code"
	CheckSignature   = "signature"
	CheckSchema      = "schema"
	CheckFields      = "signed fields"
)

// Report is the renderable form of a verification.
type Report struct {
	Valid      bool      `json:"valid"`
	Message    string    `json:"message"`
	Outcome    string    `json:"outcome"`
	VerifiedAt time.Time `json:"verifiedAt"`

	Certificate        *certificate.View `json:"certificate,omitempty"`
	TypedPercentage    float64           `json:"typedPercentage"`
	PastedPercentage   float64           `json:"pastedPercentage"`
	EditingTimeMinutes float64           `json:"editingTimeMinutes"`
	VerifyURL          string            `json:"verifyUrl,omitempty"`

	Checks  []Check `json:"checks"`
	Passed  int     `json:"passed"`
	Failed  int     `json:"failed"`
	Skipped int     `json:"skipped"`
}

// NewReport builds a report from a verification result. A not-found and a
// rejected access code produce identical reports.
func NewReport(res *certificate.VerificationResult, verifyBaseURL string) *Report {
	outcome := certificate.Outcome(res, nil)
	if outcome == metrics.OutcomeAccessDenied {
		outcome = metrics.OutcomeNotFound
	}
	r := &Report{
		Valid:      res.Valid,
		Message:    res.Message,
		Outcome:    outcome,
		VerifiedAt: res.VerifiedAt,
	}

	switch r.Outcome {
	case metrics.OutcomeValid:
		r.setCertificate(res.Certificate, verifyBaseURL)
		r.add(CheckCertificate, StatusPassed, "certificate found")
		if res.Certificate.IsProtected {
			r.add(CheckAccessCode, StatusPassed, "access code accepted")
		} else {
			r.add(CheckAccessCode, StatusSkipped, "certificate is not protected")
		}
		r.add(CheckSignature, StatusPassed, "signature and content hash match")
	case metrics.OutcomeProtected:
		r.add(CheckCertificate, StatusPassed, "certificate found")
		r.add(CheckAccessCode, StatusFailed, res.Message)
		r.add(CheckSignature, StatusSkipped, "")
	case metrics.OutcomeSignatureInvalid:
		r.add(CheckCertificate, StatusPassed, "certificate found")
		r.add(CheckAccessCode, StatusSkipped, "")
		r.add(CheckSignature, StatusFailed, res.Message)
	default:
		r.add(CheckCertificate, StatusFailed, res.Message)
		r.add(CheckAccessCode, StatusSkipped, "")
		r.add(CheckSignature, StatusSkipped, "")
	}
	return r
}

func (r *Report) setCertificate(v *certificate.View, verifyBaseURL string) {
	r.Certificate = v
	r.TypedPercentage, r.PastedPercentage = export.Percentages(v.TypedCharacters, v.PastedCharacters)
	r.EditingTimeMinutes = export.Round1(float64(v.EditingTimeSeconds) / 60)
	if verifyBaseURL != "" {
		r.VerifyURL = export.VerifyURL(verifyBaseURL, v.VerificationToken)
	}
}

func (r *Report) add(name string, status CheckStatus, msg string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Message: msg})
	switch status {
	case StatusPassed:
		r.Passed++
	case StatusFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Summary generates a one-line summary of the report.
func (r *Report) Summary() string {
	var sb strings.Builder
	if r.Valid {
		sb.WriteString("[VALID]")
	} else {
		sb.WriteString("[INVALID]")
	}
	if c := r.Certificate; c != nil {
		fmt.Fprintf(&sb, " %s %q: %.1f%% typed, %.1f%% pasted", c.Type, c.Title, r.TypedPercentage, r.PastedPercentage)
	} else {
		sb.WriteString(" " + r.Message)
	}
	fmt.Fprintf(&sb, " - %d/%d checks passed", r.Passed, r.Passed+r.Failed)
	return sb.String()
}

// FailedChecks returns the names of failed checks.
func (r *Report) FailedChecks() []string {
	var failed []string
	for _, c := range r.Checks {
		if c.Status == StatusFailed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// ReportGenerator generates verification reports in various formats.
type ReportGenerator struct {
	format  ReportFormat
	verbose bool
	policy  *bluemonday.Policy
}

// NewReportGenerator creates a new report generator.
func NewReportGenerator(format ReportFormat) *ReportGenerator {
	return &ReportGenerator{
		format: format,
		policy: bluemonday.StrictPolicy(),
	}
}

// WithVerbose enables full hashes and the edit history in text output.
func (g *ReportGenerator) WithVerbose(verbose bool) *ReportGenerator {
	g.verbose = verbose
	return g
}

// Generate produces a report in the configured format.
func (g *ReportGenerator) Generate(report *Report, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		return g.generateJSON(report, w)
	case FormatText:
		return g.generateText(report, w)
	case FormatMarkdown:
		return g.generateMarkdown(report, w)
	case FormatHTML:
		return g.generateHTML(report, w)
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

func (g *ReportGenerator) generateJSON(report *Report, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func (g *ReportGenerator) generateText(report *Report, w io.Writer) error {
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "                 PROVCERT AUTHORSHIP CERTIFICATE VERIFICATION")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Result:          %s\n", resultString(report.Valid))
	fmt.Fprintf(w, "Message:         %s\n", report.Message)
	if !report.VerifiedAt.IsZero() {
		fmt.Fprintf(w, "Verified:        %s\n", report.VerifiedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(w)

	if c := report.Certificate; c != nil {
		fmt.Fprintln(w, "--- Certificate ---")
		fmt.Fprintf(w, "Title:           %s\n", c.Title)
		fmt.Fprintf(w, "Type:            %s\n", c.Type)
		if c.SignerName != "" {
			fmt.Fprintf(w, "Signed by:       %s\n", c.SignerName)
		}
		fmt.Fprintf(w, "Issued:          %s\n", c.GeneratedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "Content Hash:    %s\n", g.truncateHash(c.ContentHash))
		if report.VerifyURL != "" {
			fmt.Fprintf(w, "Verify at:       %s\n", report.VerifyURL)
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "--- Authorship ---")
		fmt.Fprintf(w, "Characters:      %d\n", c.TotalCharacters)
		fmt.Fprintf(w, "Typed:           %d (%.1f%%)\n", c.TypedCharacters, report.TypedPercentage)
		fmt.Fprintf(w, "Pasted:          %d (%.1f%%)\n", c.PastedCharacters, report.PastedPercentage)
		fmt.Fprintf(w, "Events:          %d (%d typing, %d paste)\n", c.TotalEvents, c.TypingEvents, c.PasteEvents)
		fmt.Fprintf(w, "Editing Time:    %.1f min\n", report.EditingTimeMinutes)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Checks ---")
	for _, c := range report.Checks {
		fmt.Fprintf(w, "[%s] %-16s %s\n", statusSymbol(c.Status), c.Name, c.Message)
	}
	fmt.Fprintln(w)

	if c := report.Certificate; c != nil {
		if c.PlainTextSnapshot != "" {
			fmt.Fprintln(w, "--- Full Text ---")
			fmt.Fprintln(w, c.PlainTextSnapshot)
			fmt.Fprintln(w)
		}
		if len(c.EditHistory) > 0 {
			fmt.Fprintf(w, "--- Edit History (%d events) ---\n", len(c.EditHistory))
			if g.verbose {
				for _, e := range c.EditHistory {
					fmt.Fprintf(w, "  %s  %-8s %+d\n", e.Timestamp.UTC().Format(time.RFC3339), e.Type, e.Delta)
				}
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w, rule)
	return nil
}

const markdownTemplate = `# Authorship Certificate Verification

| Property | Value |
|----------|-------|
| **Result** | {{result .Valid}} |
| **Message** | {{clean .Message}} |
{{- with .Certificate}}
| **Title** | {{clean .Title}} |
| **Type** | {{.Type}} |
{{- if .SignerName}}
| **Signed by** | {{clean .SignerName}} |
{{- end}}
| **Issued** | {{rfc3339 .GeneratedAt}} |
| **Content Hash** | ` + "`{{.ContentHash}}`" + ` |
{{- end}}
{{- if .VerifyURL}}
| **Verify at** | <{{.VerifyURL}}> |
{{- end}}
{{with .Certificate}}
## Authorship

- **Characters:** {{.TotalCharacters}}
- **Typed:** {{.TypedCharacters}} ({{printf "%.1f" $.TypedPercentage}}%)
- **Pasted:** {{.PastedCharacters}} ({{printf "%.1f" $.PastedPercentage}}%)
- **Events:** {{.TotalEvents}} ({{.TypingEvents}} typing, {{.PasteEvents}} paste)
- **Editing time:** {{printf "%.1f" $.EditingTimeMinutes}} min
{{end}}
## Checks

| Check | Status | Message |
|-------|--------|---------|
{{range .Checks}}| {{.Name}} | {{status .Status}} | {{clean .Message}} |
{{end}}
{{- with .Certificate}}{{if .PlainTextSnapshot}}
## Full Text

{{range lines .PlainTextSnapshot}}> {{.}}
{{end}}{{end}}{{end}}`

// generateMarkdown sanitizes every user-supplied string: Markdown viewers
// pass raw HTML through.
func (g *ReportGenerator) generateMarkdown(report *Report, w io.Writer) error {
	funcMap := template.FuncMap{
		"result":  resultString,
		"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		"status":  func(s CheckStatus) string { return strings.ToUpper(string(s)) },
		"clean":   g.cleanInline,
		"lines": func(s string) []string {
			return strings.Split(g.policy.Sanitize(s), "\n")
		},
	}

	t, err := template.New("report").Funcs(funcMap).Parse(markdownTemplate)
	if err != nil {
		return err
	}
	return t.Execute(w, report)
}

func (g *ReportGenerator) cleanInline(s string) string {
	s = g.policy.Sanitize(s)
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Certificate Verification</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 900px; margin: 0 auto; padding: 20px; }
        .result-valid { color: #28a745; }
        .result-invalid { color: #dc3545; }
        .summary { background: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0; }
        table { width: 100%; border-collapse: collapse; margin: 15px 0; }
        th, td { padding: 10px; text-align: left; border-bottom: 1px solid #ddd; }
        th { background: #f8f9fa; }
        .status-passed { color: #28a745; }
        .status-failed { color: #dc3545; }
        .status-skipped { color: #6c757d; }
        pre { white-space: pre-wrap; background: #f8f9fa; padding: 15px; border-radius: 5px; }
        code { background: #e9ecef; padding: 2px 6px; border-radius: 3px; font-family: 'Courier New', monospace; }
    </style>
</head>
<body>
    <h1>Authorship Certificate Verification</h1>

    <div class="summary">
        <h2>Result: <span class="{{if .Valid}}result-valid{{else}}result-invalid{{end}}">{{result .Valid}}</span></h2>
        <p>{{.Message}}</p>
    </div>
    {{with .Certificate}}
    <h2>{{.Title}}</h2>
    <table>
        <tr><th>Type</th><td>{{.Type}}</td></tr>
        {{if .SignerName}}<tr><th>Signed by</th><td>{{.SignerName}}</td></tr>{{end}}
        <tr><th>Issued</th><td>{{rfc3339 .GeneratedAt}}</td></tr>
        <tr><th>Content Hash</th><td><code>{{.ContentHash}}</code></td></tr>
        <tr><th>Characters</th><td>{{.TotalCharacters}}</td></tr>
        <tr><th>Typed</th><td>{{.TypedCharacters}} ({{printf "%.1f" $.TypedPercentage}}%)</td></tr>
        <tr><th>Pasted</th><td>{{.PastedCharacters}} ({{printf "%.1f" $.PastedPercentage}}%)</td></tr>
        <tr><th>Events</th><td>{{.TotalEvents}} ({{.TypingEvents}} typing, {{.PasteEvents}} paste)</td></tr>
        <tr><th>Editing time</th><td>{{printf "%.1f" $.EditingTimeMinutes}} min</td></tr>
    </table>
    {{end}}
    <h2>Checks</h2>
    <table>
        <thead><tr><th>Check</th><th>Status</th><th>Message</th></tr></thead>
        <tbody>
            {{range .Checks}}<tr><td>{{.Name}}</td><td class="status-{{.Status}}">{{.Status}}</td><td>{{.Message}}</td></tr>
            {{end}}
        </tbody>
    </table>
    {{with .Certificate}}{{if .PlainTextSnapshot}}
    <h2>Full Text</h2>
    <pre>{{.PlainTextSnapshot}}</pre>
    {{end}}{{end}}
    {{if .VerifyURL}}<footer style="margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; color: #6c757d;">
        Verify at <a href="{{.VerifyURL}}">{{.VerifyURL}}</a>
    </footer>{{end}}
</body>
</html>
`

// generateHTML relies on html/template contextual escaping for every value.
func (g *ReportGenerator) generateHTML(report *Report, w io.Writer) error {
	funcMap := htmltemplate.FuncMap{
		"result":  resultString,
		"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	}

	t, err := htmltemplate.New("report").Funcs(funcMap).Parse(htmlTemplate)
	if err != nil {
		return err
	}
	return t.Execute(w, report)
}

func resultString(valid bool) string {
	if valid {
		return "VALID"
	}
	return "INVALID"
}

func statusSymbol(status CheckStatus) string {
	switch status {
	case StatusPassed:
		return "OK"
	case StatusFailed:
		return "!!"
	case StatusSkipped:
		return "--"
	default:
		return "  "
	}
}

func (g *ReportGenerator) truncateHash(hash string) string {
	if len(hash) <= 16 || g.verbose {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-8:]
}
