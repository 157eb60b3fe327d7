package metrics

import (
	"time"
)

// Verification outcome label values.
const (
	OutcomeValid            = "valid"
	OutcomeNotFound         = "not_found"
	OutcomeProtected        = "protected"
	OutcomeAccessDenied     = "access_denied"
	OutcomeSignatureInvalid = "signature_invalid"
	OutcomeError            = "error"
)

// ServiceMetrics holds the certificate service metrics.
type ServiceMetrics struct {
	registry *Registry
	started  time.Time

	// Counters
	CertificatesIssued *Counter
	OptionsUpdated     *Counter
	EventsIngested     *Counter
	Exports            *Counter
	RateLimited        *Counter
	Errors             *Counter
	Verifications      *CounterVec

	// Gauges
	UptimeSeconds *Gauge

	// Histograms
	IssueDuration  *Histogram
	VerifyDuration *Histogram
}

// NewServiceMetrics registers the service metrics on registry.
func NewServiceMetrics(registry *Registry) *ServiceMetrics {
	if registry == nil {
		registry = NewRegistry("provcert", "")
	}

	return &ServiceMetrics{
		registry: registry,
		started:  time.Now(),

		CertificatesIssued: registry.RegisterCounter(
			"certificates_issued_total",
			"Total number of certificates issued",
			nil,
		),
		OptionsUpdated: registry.RegisterCounter(
			"certificate_options_updated_total",
			"Total number of display option changes",
			nil,
		),
		EventsIngested: registry.RegisterCounter(
			"events_ingested_total",
			"Total number of editing events stored",
			nil,
		),
		Exports: registry.RegisterCounter(
			"exports_total",
			"Total number of JSON certificate exports",
			nil,
		),
		RateLimited: registry.RegisterCounter(
			"rate_limited_total",
			"Total number of requests rejected by rate limiting",
			nil,
		),
		Errors: registry.RegisterCounter(
			"errors_total",
			"Total number of internal errors",
			nil,
		),
		Verifications: registry.RegisterCounterVec(
			"verifications_total",
			"Total number of verifications by outcome",
			"outcome",
			nil,
		),

		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the service started",
			nil,
		),

		IssueDuration: registry.RegisterHistogram(
			"issue_duration_seconds",
			"Time to issue a certificate",
			nil,
			DurationBuckets,
		),
		VerifyDuration: registry.RegisterHistogram(
			"verify_duration_seconds",
			"Time to verify a certificate",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *ServiceMetrics) Registry() *Registry {
	return m.registry
}

// RecordIssue records a successful issuance.
func (m *ServiceMetrics) RecordIssue(d time.Duration) {
	m.CertificatesIssued.Inc()
	m.IssueDuration.ObserveDuration(d)
}

// RecordVerification records a verification and its outcome.
func (m *ServiceMetrics) RecordVerification(d time.Duration, outcome string) {
	m.Verifications.WithLabel(outcome).Inc()
	m.VerifyDuration.ObserveDuration(d)
	if outcome == OutcomeError {
		m.Errors.Inc()
	}
}

// RecordError records an internal error.
func (m *ServiceMetrics) RecordError() {
	m.Errors.Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (m *ServiceMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}
