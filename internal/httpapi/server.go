// Package httpapi exposes certificate issuance and public verification over
// HTTP.
//
// Owner routes under /api trust the X-User-ID header set by the fronting
// application. Public routes under /verify take a verification token and,
// for protected certificates, an access code in the request body. A
// missing certificate and a wrong access code produce the same 404 body.
package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"provcert/internal/certificate"
	"provcert/internal/editlog"
	"provcert/internal/export"
	"provcert/internal/health"
	"provcert/internal/logging"
	"provcert/internal/metrics"
	"provcert/internal/security"
	"provcert/internal/tracing"
)

// UserHeader names the owner of a request on the /api routes.
const UserHeader = "X-User-ID"

// DefaultMaxBodyBytes bounds request bodies when Options leaves it unset.
const DefaultMaxBodyBytes = 10 << 20

// DocumentStore persists documents and their edit events.
type DocumentStore interface {
	UpsertDocument(ctx context.Context, doc *certificate.Document) error
	Document(ctx context.Context, id string) (*certificate.Document, error)
	InsertEvents(ctx context.Context, documentID string, events []editlog.Event) (int, error)
}

// Options configures a Server.
type Options struct {
	BaseURL      string
	MaxBodyBytes int64
	Version      string

	// Per-client limit on the public /verify routes.
	RatePerSecond float64
	RateBurst     int
	RateIdle      time.Duration

	// Wrong access codes per client and token before a lockout, and the
	// base of the backoff between attempts.
	MaxCodeFailures int
	LockoutDuration time.Duration
	CodeBackoff     time.Duration
}

// Server routes HTTP requests to the certificate service.
type Server struct {
	opts    Options
	service *certificate.Service
	docs    DocumentStore
	health  *health.Checker
	metrics *metrics.ServiceMetrics
	log     *logging.Logger
	audit   *logging.AuditLogger
	tracer  *tracing.Tracer
	limits  atomic.Pointer[limits]
	router  chi.Router
}

// limits are the abuse controls of the public routes. UpdateLimits swaps
// them as a unit.
type limits struct {
	rate     *security.KeyedRateLimiter
	failures *security.FailureLimiter
	lockout  time.Duration
}

// Deps are the collaborators of a Server. Only Service and Documents are
// required.
type Deps struct {
	Service   *certificate.Service
	Documents DocumentStore
	Health    *health.Checker
	Metrics   *metrics.ServiceMetrics
	Logger    *logging.Logger
	Audit     *logging.AuditLogger
	Tracer    *tracing.Tracer
}

// New creates a server.
func New(opts Options, deps Deps) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	opts = opts.withLimitDefaults()

	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewServiceMetrics(nil)
	}
	hc := deps.Health
	if hc == nil {
		hc = health.NewChecker()
	}

	s := &Server{
		opts:    opts,
		service: deps.Service,
		docs:    deps.Documents,
		health:  hc,
		metrics: m,
		log:     log.WithComponent("httpapi"),
		audit:   deps.Audit,
		tracer:  deps.Tracer,
	}
	s.limits.Store(newLimits(opts))
	s.router = s.routes()
	return s
}

func (o Options) withLimitDefaults() Options {
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 5
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.RateIdle <= 0 {
		o.RateIdle = 10 * time.Minute
	}
	if o.MaxCodeFailures <= 0 {
		o.MaxCodeFailures = 10
	}
	if o.LockoutDuration <= 0 {
		o.LockoutDuration = 15 * time.Minute
	}
	if o.CodeBackoff <= 0 {
		o.CodeBackoff = 100 * time.Millisecond
	}
	return o
}

func newLimits(o Options) *limits {
	return &limits{
		rate:     security.NewKeyedRateLimiter(o.RatePerSecond, o.RateBurst, o.RateIdle),
		failures: security.NewFailureLimiter(o.CodeBackoff, 5*time.Second, o.LockoutDuration, o.MaxCodeFailures, o.LockoutDuration),
		lockout:  o.LockoutDuration,
	}
}

// UpdateLimits replaces the rate and access-code limits with those in
// opts. Other fields of opts are ignored. Counters start fresh.
func (s *Server) UpdateLimits(opts Options) {
	old := s.limits.Swap(newLimits(opts.withLimitDefaults()))
	old.rate.Stop()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.trace)
	r.Use(s.securityHeaders)
	r.Use(s.accessLog)

	r.Get("/healthz", s.health.HealthHandler(s.opts.Version).ServeHTTP)
	r.Get("/livez", s.health.LivenessHandler().ServeHTTP)
	r.Get("/readyz", s.health.ReadinessHandler().ServeHTTP)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/schema/"+export.SchemaName, handleExportSchema)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limitBody)
		r.Use(requireUser)
		r.Put("/documents/{documentID}", s.handlePutDocument)
		r.Post("/documents/{documentID}/events", s.handleIngest)
		r.Post("/documents/{documentID}/certificates", s.handleIssue)
		r.Get("/certificates/{id}", s.handleGetCertificate)
		r.Patch("/certificates/{id}/options", s.handleOptions)
	})

	r.Route("/verify/{token}", func(r chi.Router) {
		r.Use(s.limitBody)
		r.Use(s.rateLimit)
		r.Get("/", s.handleVerify)
		r.Post("/", s.handleVerify)
		r.Get("/export.json", s.handleExport)
		r.Post("/export.json", s.handleExport)
		r.Get("/report", s.handleReport)
		r.Post("/report", s.handleReport)
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background limiter sweeps.
func (s *Server) Close() {
	s.limits.Load().rate.Stop()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.UpdateUptime()
	s.metrics.Registry().HTTPHandler().ServeHTTP(w, r)
}
