package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provcert/internal/accessgate"
	"provcert/internal/logging"
	"provcert/internal/metrics"
	"provcert/internal/signer"
)

// DocumentSource loads documents. A miss is reported as ErrDocumentNotFound.
type DocumentSource interface {
	Document(ctx context.Context, id string) (*Document, error)
}

// Repository persists certificates and their audit trail.
type Repository interface {
	CertificateFinder
	CertificateByID(ctx context.Context, id string) (*Certificate, error)
	SaveCertificate(ctx context.Context, cert *Certificate) error
	UpdateOverlay(ctx context.Context, id string, o Overlay) error
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// DisplayOptions is a partial overlay update. Nil fields are left alone;
// an empty AccessCode removes protection.
type DisplayOptions struct {
	IncludeFullText    *bool   `json:"includeFullText,omitempty"`
	IncludeEditHistory *bool   `json:"includeEditHistory,omitempty"`
	AccessCode         *string `json:"accessCode,omitempty"`
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Documents     DocumentSource
	Events        EventSource
	Repository    Repository
	Signer        *signer.Signer
	Gate          *accessgate.Gate
	Reconstructor *Reconstructor

	Logger  *logging.Logger
	Audit   *logging.AuditLogger
	Metrics *metrics.ServiceMetrics
}

// Service ties issuance and verification to storage.
type Service struct {
	docs     DocumentSource
	events   EventSource
	repo     Repository
	gate     *accessgate.Gate
	issuer   *Issuer
	verifier *Verifier

	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.ServiceMetrics
	now     func() time.Time
}

// NewService creates a service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Documents == nil || cfg.Events == nil || cfg.Repository == nil {
		return nil, errors.New("certificate: documents, events and repository are required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("certificate: signer is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewServiceMetrics(nil)
	}

	return &Service{
		docs:     cfg.Documents,
		events:   cfg.Events,
		repo:     cfg.Repository,
		gate:     cfg.Gate,
		issuer:   NewIssuer(cfg.Signer, cfg.Gate),
		verifier: NewVerifier(cfg.Repository, cfg.Events, cfg.Signer, cfg.Gate, cfg.Reconstructor),
		log:      log.WithComponent("certificate"),
		audit:    cfg.Audit,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Generate issues and stores a certificate for a document owned by userID.
// A document owned by someone else is reported as not found.
func (s *Service) Generate(ctx context.Context, documentID, userID string, opts IssueOptions) (*Certificate, error) {
	start := time.Now()
	log := s.log.WithContext(ctx)

	doc, err := s.docs.Document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.UserID != userID {
		return nil, ErrDocumentNotFound
	}

	events, err := s.events.Events(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", documentID, err)
	}

	cert, err := s.issuer.Issue(ctx, doc, events, opts)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveCertificate(ctx, cert); err != nil {
		s.metrics.RecordError()
		return nil, fmt.Errorf("save certificate: %w", err)
	}

	s.metrics.RecordIssue(time.Since(start))
	log.Info("certificate issued",
		"certificate_id", cert.ID,
		"document_id", cert.DocumentID,
		"type", string(cert.Type),
		"events", cert.TotalEvents,
		"protected", cert.IsProtected,
	)
	s.record(ctx, cert.ID, userID, "issue", map[string]any{
		"type":      string(cert.Type),
		"protected": cert.IsProtected,
	})
	if err := s.audit.LogCertificateIssued(ctx, userID, cert.ID, map[string]any{"type": string(cert.Type)}); err != nil {
		log.Warn("audit log write failed", "error", err)
	}
	return cert, nil
}

// Verify runs public verification without an access code.
func (s *Service) Verify(ctx context.Context, token string) (*VerificationResult, error) {
	start := time.Now()
	res, err := s.verifier.Verify(ctx, token)
	s.observe(ctx, start, res, err)
	return res, err
}

// VerifyWithAccessCode runs public verification with an access code.
func (s *Service) VerifyWithAccessCode(ctx context.Context, token, code string) (*VerificationResult, error) {
	start := time.Now()
	res, err := s.verifier.VerifyWithAccessCode(ctx, token, code)
	s.observe(ctx, start, res, err)
	return res, err
}

func (s *Service) observe(ctx context.Context, start time.Time, res *VerificationResult, err error) {
	outcome := Outcome(res, err)
	s.metrics.RecordVerification(time.Since(start), outcome)

	log := s.log.WithContext(ctx)
	switch {
	case err != nil:
		log.Error("verification failed", "error", err)
	case !res.Valid:
		log.Debug("verification rejected", "outcome", outcome, "reason", res.Reason)
	}
}

// Outcome classifies a verification for metrics and audit.
func Outcome(res *VerificationResult, err error) string {
	switch {
	case err != nil || res == nil:
		return metrics.OutcomeError
	case res.Valid:
		return metrics.OutcomeValid
	case errors.Is(res.Reason, ErrCertificateNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(res.Reason, ErrAccessCodeRequired):
		return metrics.OutcomeProtected
	case errors.Is(res.Reason, ErrAccessCodeInvalid):
		return metrics.OutcomeAccessDenied
	case errors.Is(res.Reason, ErrSignatureInvalid):
		return metrics.OutcomeSignatureInvalid
	default:
		return metrics.OutcomeError
	}
}

// Certificate returns a certificate owned by userID.
func (s *Service) Certificate(ctx context.Context, id, userID string) (*Certificate, error) {
	cert, err := s.repo.CertificateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert == nil || cert.UserID != userID {
		return nil, ErrCertificateNotFound
	}
	return cert, nil
}

// UpdateDisplayOptions changes the overlay of a certificate owned by userID
// and records the change. The signed core is never touched.
func (s *Service) UpdateDisplayOptions(ctx context.Context, id, userID string, opts DisplayOptions) (*Certificate, error) {
	cert, err := s.Certificate(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	o := cert.Overlay
	details := map[string]any{}

	if opts.IncludeFullText != nil && *opts.IncludeFullText != o.IncludeFullText {
		o.IncludeFullText = *opts.IncludeFullText
		details["includeFullText"] = o.IncludeFullText
	}
	if opts.IncludeEditHistory != nil && *opts.IncludeEditHistory != o.IncludeEditHistory {
		o.IncludeEditHistory = *opts.IncludeEditHistory
		details["includeEditHistory"] = o.IncludeEditHistory
	}
	if opts.AccessCode != nil {
		if *opts.AccessCode == "" {
			if o.IsProtected {
				o.AccessCodeHash = ""
				o.IsProtected = false
				details["isProtected"] = false
			}
		} else {
			if s.gate == nil {
				return nil, errors.New("certificate: no access gate configured")
			}
			h, err := s.gate.Derive(ctx, *opts.AccessCode)
			if err != nil {
				return nil, fmt.Errorf("protect certificate: %w", err)
			}
			o.AccessCodeHash = h
			o.IsProtected = true
			details["isProtected"] = true
			details["accessCodeChanged"] = true
		}
	}

	if len(details) == 0 {
		return cert, nil
	}

	if err := s.repo.UpdateOverlay(ctx, cert.ID, o); err != nil {
		s.metrics.RecordError()
		return nil, fmt.Errorf("update display options: %w", err)
	}
	cert.Overlay = o

	s.metrics.OptionsUpdated.Inc()
	s.log.WithContext(ctx).Info("certificate options updated", "certificate_id", cert.ID, "changes", len(details))
	s.record(ctx, cert.ID, userID, "update_options", details)
	if err := s.audit.LogOptionsChanged(ctx, userID, cert.ID, details); err != nil {
		s.log.WithContext(ctx).Warn("audit log write failed", "error", err)
	}
	return cert, nil
}

// record stores an audit row. Failures are logged, not returned: the action
// itself has already been committed.
func (s *Service) record(ctx context.Context, certID, userID, action string, details map[string]any) {
	err := s.repo.RecordAudit(ctx, AuditEntry{
		CertificateID: certID,
		UserID:        userID,
		Action:        action,
		Details:       details,
		At:            s.now().UTC(),
	})
	if err != nil {
		s.log.WithContext(ctx).Warn("certificate audit write failed", "certificate_id", certID, "error", err)
	}
}
