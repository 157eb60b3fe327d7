package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provcert/internal/accessgate"
	"provcert/internal/certificate"
	"provcert/internal/export"
	"provcert/internal/health"
	"provcert/internal/logging"
	"provcert/internal/metrics"
	"provcert/internal/signer"
	"provcert/internal/store"
	"provcert/internal/tracing"
)

const (
	owner = "user-1"
	base  = "https://provcert.example"

	paragraphDoc = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello!"}]}]}`
	eventLog     = `{"clientId":"e1","eventType":"paste","timestamp":"2026-03-14T15:09:26Z","textBefore":"","textAfter":"Hello"}
{"clientId":"e2","eventType":"keydown","timestamp":"2026-03-14T15:09:28Z","textBefore":"Hello","textAfter":"Hello!"}
`
)

type testEnv struct {
	srv     *Server
	store   *store.Store
	metrics *metrics.ServiceMetrics
	audit   *bytes.Buffer
	traces  *bytes.Buffer
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "provcert.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sg, err := signer.New(signer.Config{Secret: []byte("httpapi-tests-secret-0123456789ab"), Issuer: "provcert-test"})
	require.NoError(t, err)
	gate, err := accessgate.New(accessgate.Config{Cost: accessgate.MinCost, Workers: 2})
	require.NoError(t, err)

	m := metrics.NewServiceMetrics(metrics.NewRegistry("provcert", ""))
	var auditBuf bytes.Buffer
	audit := logging.NewAuditLogger(&auditBuf, "provcert")

	svc, err := certificate.NewService(certificate.ServiceConfig{
		Documents:     st,
		Events:        st,
		Repository:    st,
		Signer:        sg,
		Gate:          gate,
		Reconstructor: certificate.NewReconstructor(0),
		Logger:        logging.Discard(),
		Audit:         audit,
		Metrics:       m,
	})
	require.NoError(t, err)

	hc := health.NewChecker()
	hc.RegisterFunc("database", true, health.DatabaseCheck(st.Ping))
	hc.SetReady(true)

	opts.BaseURL = base
	if opts.CodeBackoff == 0 {
		opts.CodeBackoff = time.Nanosecond
	}
	var traceBuf bytes.Buffer
	tracer := tracing.NewTracer(tracing.Config{
		Service:     "provcert",
		Exporter:    tracing.NewWriterExporter(&traceBuf),
		SampleRatio: 1,
	})

	srv := New(opts, Deps{
		Service:   svc,
		Documents: st,
		Health:    hc,
		Metrics:   m,
		Logger:    logging.Discard(),
		Audit:     audit,
		Tracer:    tracer,
	})
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, metrics: m, audit: &auditBuf, traces: &traceBuf}
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

// issue stores the paste-then-type document and issues a certificate for
// it, returning the verification token and certificate ID.
func (e *testEnv) issue(t *testing.T, opts string) (token, id string) {
	t.Helper()
	rec := e.do(t, http.MethodPut, "/api/documents/doc-1", owner, `{"title":"My Essay","content":`+paragraphDoc+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/documents/doc-1/events", owner, eventLog)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/documents/doc-1/certificates", owner, opts)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp certificateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Certificate.VerificationToken, resp.Certificate.ID
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestPutDocument(t *testing.T) {
	e := newTestEnv(t, Options{})

	rec := e.do(t, http.MethodPut, "/api/documents/doc-1", owner, `{"title":"My Essay","content":`+paragraphDoc+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp documentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(6), resp.CharacterCount)

	doc, err := e.store.Document(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", doc.PlainText)

	rec = e.do(t, http.MethodPut, "/api/documents/doc-1", "user-2", `{"title":"Mine now"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/documents/doc-1", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/documents/doc-1", owner, `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestIdempotent(t *testing.T) {
	e := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/documents/doc-1", owner, `{"title":"t"}`).Code)

	rec := e.do(t, http.MethodPost, "/api/documents/doc-1/events", owner, eventLog)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":2,"stored":2}`, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/documents/doc-1/events", owner, eventLog)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":2,"stored":0}`, rec.Body.String())
	assert.Equal(t, uint64(2), e.metrics.EventsIngested.Value())
	assert.Contains(t, e.audit.String(), `"event_type":"events_ingested"`)

	rec = e.do(t, http.MethodPost, "/api/documents/doc-1/events", owner, `{"eventType":"scroll","timestamp":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/documents/doc-1/events", "user-2", eventLog)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/documents/missing/events", owner, eventLog)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestBodyLimit(t *testing.T) {
	e := newTestEnv(t, Options{MaxBodyBytes: 64})
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/documents/doc-1", owner, `{"title":"t"}`).Code)

	rec := e.do(t, http.MethodPost, "/api/documents/doc-1/events", owner, eventLog)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIssueAndVerify(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, id := e.issue(t, `{"signerName":"Ada"}`)

	rec := e.do(t, http.MethodGet, "/verify/"+token, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult(t, rec)
	assert.Equal(t, true, res["valid"])
	assert.Equal(t, certificate.MsgValid, res["message"])

	cert := res["certificate"].(map[string]any)
	assert.Equal(t, id, cert["id"])
	assert.Equal(t, "partial_authorship", cert["certificateType"])
	assert.EqualValues(t, 1, cert["typedCharacters"])
	assert.EqualValues(t, 5, cert["pastedCharacters"])
	assert.NotContains(t, cert, "accessCodeHash")
	assert.NotContains(t, cert, "userId")
	assert.NotContains(t, rec.Body.String(), owner)

	assert.Equal(t, uint64(1), e.metrics.Verifications.Value(metrics.OutcomeValid))
	assert.Contains(t, e.audit.String(), `"event_type":"verification"`)
	assert.NotContains(t, e.audit.String(), token)
}

func TestGetCertificateOwnerOnly(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, id := e.issue(t, `{}`)

	rec := e.do(t, http.MethodGet, "/api/certificates/"+id, owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp certificateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, base+"/verify/"+token, resp.VerifyURL)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/certificates/"+id, "user-2", "").Code)
}

func TestIssueUnknownDocument(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(t, http.MethodPost, "/api/documents/nope/certificates", owner, `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/documents/doc-1", owner, `{"title":"t"}`).Code)
	rec = e.do(t, http.MethodPost, "/api/documents/doc-1/certificates", "user-2", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/documents/doc-1/certificates", owner, `{"certificateType":"bogus"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestVerifyNotFoundMatchesDenied(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, _ := e.issue(t, `{"accessCode":"secret123"}`)

	rec := e.do(t, http.MethodGet, "/verify/"+token, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"valid":false,"message":"`+certificate.MsgProtected+`"}`, rec.Body.String())

	wrong := e.do(t, http.MethodPost, "/verify/"+token, "", `{"accessCode":"wrong"}`)
	missing := e.do(t, http.MethodPost, "/verify/"+strings.Repeat("0", 64), "", `{"accessCode":"wrong"}`)
	garbage := e.do(t, http.MethodPost, "/verify/not-a-token", "", `{"accessCode":"wrong"}`)
	for _, rec := range []*httptest.ResponseRecorder{wrong, missing, garbage} {
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"valid":false,"message":"`+certificate.MsgAccessDenied+`"}`, rec.Body.String())
	}

	rec = e.do(t, http.MethodPost, "/verify/"+token, "", `{"accessCode":"secret123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeResult(t, rec)["valid"])
	assert.NotContains(t, rec.Body.String(), "$2a$")
}

func TestAccessCodeLockout(t *testing.T) {
	e := newTestEnv(t, Options{MaxCodeFailures: 2, LockoutDuration: time.Hour})
	token, _ := e.issue(t, `{"accessCode":"secret123"}`)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/verify/"+token, "", `{"accessCode":"wrong"}`).Code)
	}
	rec := e.do(t, http.MethodPost, "/verify/"+token, "", `{"accessCode":"secret123"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, uint64(1), e.metrics.RateLimited.Value())
}

func TestVerifyRateLimit(t *testing.T) {
	e := newTestEnv(t, Options{RatePerSecond: 0.001, RateBurst: 1})
	token := strings.Repeat("0", 64)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/verify/"+token, "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodGet, "/verify/"+token, "", "").Code)
}

func TestVerifySignatureInvalid(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, id := e.issue(t, `{}`)

	_, err := e.store.DB().Exec(`UPDATE certificates SET typed_characters = 99 WHERE id = ?`, id)
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/verify/"+token, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false,"message":"`+certificate.MsgSignatureInvalid+`"}`, rec.Body.String())
}

func TestVerifyIntegrityFault(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, id := e.issue(t, `{}`)

	_, err := e.store.DB().Exec(`UPDATE certificates SET is_protected = 1, access_code_hash = '' WHERE id = ?`, id)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/verify/"+token, "", `{"accessCode":"anything"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "protected")
}

func TestUpdateOptions(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, id := e.issue(t, `{}`)

	rec := e.do(t, http.MethodPatch, "/api/certificates/"+id+"/options", owner, `{"includeFullText":true,"accessCode":"secret123"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp certificateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Certificate.IsProtected)
	assert.True(t, resp.Certificate.IncludeFullText)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/verify/"+token, "", "").Code)

	rec = e.do(t, http.MethodPost, "/verify/"+token, "", `{"accessCode":"secret123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cert := decodeResult(t, rec)["certificate"].(map[string]any)
	assert.Equal(t, "Hello!", cert["plainTextSnapshot"])

	rec = e.do(t, http.MethodPatch, "/api/certificates/"+id+"/options", "user-2", `{"accessCode":""}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPatch, "/api/certificates/"+id+"/options", owner, `{"accessCode":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/verify/"+token, "", "").Code)

	trail, err := e.store.AuditTrail(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "update_options", trail[2].Action)
}

func TestExport(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, id := e.issue(t, `{"title":"Exported"}`)

	rec := e.do(t, http.MethodGet, "/verify/"+token+"/export.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "certificate-"+id+".json")
	require.NoError(t, export.Validate(rec.Body.Bytes()))

	var doc export.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 16.7, doc.Authorship.TypedPercentage)
	assert.Equal(t, 83.3, doc.Authorship.PastedPercentage)
	assert.Equal(t, base+"/verify/"+token, doc.Verification.VerifyURL)
	assert.Equal(t, uint64(1), e.metrics.Exports.Value())

	rec = e.do(t, http.MethodGet, "/verify/"+strings.Repeat("0", 64)+"/export.json", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportProtected(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, _ := e.issue(t, `{"accessCode":"secret123"}`)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/verify/"+token+"/export.json", "", "").Code)

	rec := e.do(t, http.MethodPost, "/verify/"+token+"/export.json", "", `{"accessCode":"secret123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, export.Validate(rec.Body.Bytes()))
}

func TestReport(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, _ := e.issue(t, `{}`)

	rec := e.do(t, http.MethodGet, "/verify/"+token+"/report?format=markdown", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "| **Result** | VALID |")

	rec = e.do(t, http.MethodGet, "/verify/"+token+"/report", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PROVCERT AUTHORSHIP CERTIFICATE VERIFICATION")

	rec = e.do(t, http.MethodGet, "/verify/"+strings.Repeat("0", 64)+"/report?format=json", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decodeResult(t, rec)["valid"])

	rec = e.do(t, http.MethodGet, "/verify/"+token+"/report?format=pdf", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	e := newTestEnv(t, Options{Version: "test"})

	rec := e.do(t, http.MethodGet, "/healthz?full=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database"`)

	rec = e.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provcert_certificates_issued_total")

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = e.do(t, http.MethodGet, "/schema/"+export.SchemaName, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/schema+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"certificateId"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagates(t *testing.T) {
	e := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/certificates/x", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"requestId": "req-123"`)
}

func TestTraceContinuesIncomingParent(t *testing.T) {
	e := newTestEnv(t, Options{})
	token, _ := e.issue(t, `{}`)
	e.traces.Reset()

	const (
		traceID = "0af7651916cd43dd8448eb211c80319c"
		spanID  = "b7ad6b7169203331"
	)
	req := httptest.NewRequest(http.MethodGet, "/verify/"+token, nil)
	req.Header.Set(tracing.HeaderTraceParent, "00-"+traceID+"-"+spanID+"-01")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	sc, err := tracing.ParseTraceParent(rec.Header().Get(tracing.HeaderTraceParent))
	require.NoError(t, err)
	assert.Equal(t, traceID, sc.TraceID.String())

	raw := e.traces.String()
	assert.NotContains(t, raw, token)

	spans := map[string]tracing.SpanData{}
	dec := json.NewDecoder(strings.NewReader(raw))
	for dec.More() {
		var d tracing.SpanData
		require.NoError(t, dec.Decode(&d))
		spans[d.Name] = d
	}
	req1, verify := spans["http.request"], spans["certificate.verify"]
	assert.Equal(t, traceID, req1.TraceID)
	assert.Equal(t, spanID, req1.ParentID)
	assert.Equal(t, sc.SpanID.String(), req1.SpanID)
	assert.Contains(t, req1.Attributes["http.route"], "/verify/{token}")
	assert.Equal(t, req1.SpanID, verify.ParentID)
	assert.Equal(t, "valid", verify.Attributes["outcome"])
}

func TestUpdateLimits(t *testing.T) {
	e := newTestEnv(t, Options{})
	token := strings.Repeat("0", 64)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/verify/"+token, "", "").Code)
	}

	e.srv.UpdateLimits(Options{RatePerSecond: 0.001, RateBurst: 1})
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/verify/"+token, "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodGet, "/verify/"+token, "", "").Code)
}
