package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"provcert/internal/certificate"
	"provcert/internal/contenthash"
	"provcert/internal/editlog"
	"provcert/internal/export"
	"provcert/internal/metrics"
	"provcert/internal/store"
	"provcert/internal/verify"
)

// errorBody is the body of every non-verification error.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// rejectionBody is the body of every rejected verification. Not found,
// protected and access denied share it.
type rejectionBody struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

type accessCodeRequest struct {
	AccessCode string `json:"accessCode"`
}

type documentRequest struct {
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	PlainText string          `json:"plainText"`
}

type documentResponse struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CharacterCount int64     `json:"characterCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type ingestResponse struct {
	Received int `json:"received"`
	Stored   int `json:"stored"`
}

// certificateResponse is the owner's view of a certificate.
type certificateResponse struct {
	Certificate *certificate.View `json:"certificate"`
	VerifyURL   string            `json:"verifyUrl"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, RequestID: w.Header().Get("X-Request-ID")})
}

// internalError logs err and answers with a generic 500.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.log.WithContext(r.Context()).Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func bodyStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, bodyStatus(err), "invalid document body")
		return
	}

	plain := req.PlainText
	if plain == "" && len(req.Content) > 0 {
		plain = contenthash.PlainText(req.Content)
	}
	doc := &certificate.Document{
		ID:             chi.URLParam(r, "documentID"),
		UserID:         userFrom(r.Context()),
		Title:          req.Title,
		Content:        req.Content,
		PlainText:      plain,
		CharacterCount: int64(utf8.RuneCountInString(plain)),
		UpdatedAt:      time.Now().UTC(),
	}

	err := s.docs.UpsertDocument(r.Context(), doc)
	switch {
	case errors.Is(err, store.ErrDocumentOwner):
		writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		s.internalError(w, r, "document upsert failed", err)
		return
	}

	writeJSON(w, http.StatusOK, documentResponse{
		ID:             doc.ID,
		Title:          doc.Title,
		CharacterCount: doc.CharacterCount,
		UpdatedAt:      doc.UpdatedAt,
	})
}

// ownedDocument writes a 404 and returns false unless the request's user
// owns documentID.
func (s *Server) ownedDocument(w http.ResponseWriter, r *http.Request, documentID string) bool {
	doc, err := s.docs.Document(r.Context(), documentID)
	switch {
	case errors.Is(err, certificate.ErrDocumentNotFound):
	case err != nil:
		s.internalError(w, r, "document lookup failed", err)
		return false
	case doc != nil && doc.UserID == userFrom(r.Context()):
		return true
	}
	writeError(w, http.StatusNotFound, "document not found")
	return false
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	if !s.ownedDocument(w, r, documentID) {
		return
	}

	events, err := editlog.DecodeJSONLines(r.Body, documentID)
	if err != nil {
		writeError(w, bodyStatus(err), err.Error())
		return
	}

	stored, err := s.docs.InsertEvents(r.Context(), documentID, events)
	switch {
	case errors.Is(err, editlog.ErrUnknownEventType):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, certificate.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		s.internalError(w, r, "event ingest failed", err)
		return
	}

	s.metrics.EventsIngested.Add(uint64(stored))
	if err := s.audit.LogEventsIngested(r.Context(), documentID, len(events), stored); err != nil {
		s.log.WithContext(r.Context()).Warn("audit log write failed", "error", err)
	}
	writeJSON(w, http.StatusOK, ingestResponse{Received: len(events), Stored: stored})
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var opts certificate.IssueOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, bodyStatus(err), "invalid issue options")
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "certificate.issue")
	cert, err := s.service.Generate(ctx, chi.URLParam(r, "documentID"), userFrom(ctx), opts)
	span.RecordError(err)
	span.End()
	switch {
	case errors.Is(err, certificate.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
		return
	case errors.Is(err, certificate.ErrInvalidCertificateType), errors.Is(err, editlog.ErrUnordered):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.internalError(w, r, "certificate issue failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, s.ownerView(cert))
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.service.Certificate(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()))
	switch {
	case errors.Is(err, certificate.ErrCertificateNotFound):
		writeError(w, http.StatusNotFound, "certificate not found")
		return
	case err != nil:
		s.internalError(w, r, "certificate lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.ownerView(cert))
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	var opts certificate.DisplayOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, bodyStatus(err), "invalid display options")
		return
	}

	cert, err := s.service.UpdateDisplayOptions(r.Context(), chi.URLParam(r, "id"), userFrom(r.Context()), opts)
	switch {
	case errors.Is(err, certificate.ErrCertificateNotFound):
		writeError(w, http.StatusNotFound, "certificate not found")
		return
	case err != nil:
		s.internalError(w, r, "display option update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.ownerView(cert))
}

func (s *Server) ownerView(cert *certificate.Certificate) certificateResponse {
	return certificateResponse{
		Certificate: cert.View(),
		VerifyURL:   export.VerifyURL(s.opts.BaseURL, cert.VerificationToken),
	}
}

// verifyRequest runs verification for the token in the path. GET requests
// verify without a code; POST requests read {"accessCode": ...} and are
// subject to the wrong-code backoff. It writes the response itself and
// returns nil when verification did not produce a result to render.
func (s *Server) verifyRequest(w http.ResponseWriter, r *http.Request) *certificate.VerificationResult {
	token := chi.URLParam(r, "token")
	ip := clientIP(r)

	ctx, span := s.tracer.Start(r.Context(), "certificate.verify")
	defer span.End()

	var (
		res *certificate.VerificationResult
		err error
	)
	if r.Method == http.MethodPost {
		var req accessCodeRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, bodyStatus(err), "invalid request body")
			return nil
		}

		lim := s.limits.Load()
		key := ip + "|" + token
		if lim.failures.IsLocked(key) {
			s.tooManyAttempts(w, lim.lockout)
			return nil
		}
		if d := lim.failures.Delay(key); d > 0 {
			s.tooManyAttempts(w, d)
			return nil
		}

		res, err = s.service.VerifyWithAccessCode(ctx, token, req.AccessCode)
		switch certificate.Outcome(res, err) {
		case metrics.OutcomeAccessDenied:
			lim.failures.RecordFailure(key)
		case metrics.OutcomeValid:
			lim.failures.RecordSuccess(key)
		}
	} else {
		res, err = s.service.Verify(ctx, token)
	}

	outcome := certificate.Outcome(res, err)
	span.SetAttribute("outcome", outcome)
	span.RecordError(err)
	if aerr := s.audit.LogVerification(ctx, resourceID(res), outcome, ip, outcome == metrics.OutcomeValid); aerr != nil {
		s.log.WithContext(r.Context()).Warn("audit log write failed", "error", aerr)
	}

	if err != nil {
		s.internalError(w, r, "verification failed", err)
		return nil
	}
	return res
}

func (s *Server) tooManyAttempts(w http.ResponseWriter, retry time.Duration) {
	s.metrics.RateLimited.Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
	writeError(w, http.StatusTooManyRequests, "too many attempts")
}

// resourceID names the certificate in audit records without ever
// recording the bearer token.
func resourceID(res *certificate.VerificationResult) string {
	if res != nil && res.Certificate != nil {
		return res.Certificate.ID
	}
	return ""
}

// verificationStatus maps an outcome to its HTTP status.
func verificationStatus(res *certificate.VerificationResult) int {
	switch certificate.Outcome(res, nil) {
	case metrics.OutcomeValid, metrics.OutcomeSignatureInvalid:
		return http.StatusOK
	case metrics.OutcomeNotFound, metrics.OutcomeProtected, metrics.OutcomeAccessDenied:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeRejection(w http.ResponseWriter, res *certificate.VerificationResult) {
	writeJSON(w, verificationStatus(res), rejectionBody{Valid: false, Message: res.Message})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res := s.verifyRequest(w, r)
	if res == nil {
		return
	}
	if !res.Valid {
		writeRejection(w, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	res := s.verifyRequest(w, r)
	if res == nil {
		return
	}
	if !res.Valid {
		writeRejection(w, res)
		return
	}

	doc, err := export.Build(res, s.opts.BaseURL)
	if err != nil {
		s.internalError(w, r, "export build failed", err)
		return
	}
	data, err := export.Marshal(doc)
	if err != nil {
		s.internalError(w, r, "export marshal failed", err)
		return
	}

	s.metrics.Exports.Inc()
	if err := s.audit.LogExport(r.Context(), doc.CertificateID, clientIP(r)); err != nil {
		s.log.WithContext(r.Context()).Warn("audit log write failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="certificate-%s.json"`, doc.CertificateID))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	format, err := verify.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.verifyRequest(w, r)
	if res == nil {
		return
	}

	report := verify.NewReport(res, s.opts.BaseURL)
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(verificationStatus(res))
	if err := verify.NewReportGenerator(format).Generate(report, w); err != nil {
		s.log.WithContext(r.Context()).Error("report render failed", "error", err)
	}
}

// handleExportSchema serves the JSON Schema exported certificates follow.
func handleExportSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(export.SchemaJSON())
}
