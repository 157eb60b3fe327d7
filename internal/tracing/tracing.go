// Package tracing provides request spans for provcert.
//
// It is a small tracer in the OpenTelemetry mould without the SDK: spans
// carry W3C Trace Context identifiers, a ratio sampler decides which traces
// are exported, and finished spans go to an Exporter as JSON-ready
// SpanData. A nil *Tracer and a nil *Span are valid and do nothing.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"provcert/internal/logging"
)

// W3C Trace Context header names.
const (
	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"
)

// ErrInvalidTraceParent is returned for a malformed traceparent header.
var ErrInvalidTraceParent = errors.New("tracing: invalid traceparent")

// TraceID identifies a trace.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// IsValid reports whether t is non-zero.
func (t TraceID) IsValid() bool { return t != TraceID{} }

// SpanID identifies a span within a trace.
type SpanID [8]byte

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

// IsValid reports whether s is non-zero.
func (s SpanID) IsValid() bool { return s != SpanID{} }

// SpanContext is the propagated part of a span.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	Sampled    bool
	TraceState string
	Remote     bool
}

// IsValid reports whether both IDs are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// Span is one timed operation.
type Span struct {
	mu     sync.Mutex
	tracer *Tracer
	name   string
	sc     SpanContext
	parent SpanID
	start  time.Time
	end    time.Time
	attrs  map[string]any
	err    string
	ended  bool
}

// Context returns the span's propagation context.
func (s *Span) Context() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return s.sc
}

// SetAttribute records a key/value on the span.
func (s *Span) SetAttribute(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

// RecordError marks the span failed. A nil err is ignored.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err.Error()
}

// End finishes the span and exports it when sampled. Later calls are no-ops.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.end = time.Now()
	s.mu.Unlock()

	if s.sc.Sampled {
		s.tracer.export(s.Data())
	}
}

// SpanData is the exported form of a finished span.
type SpanData struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Service    string         `json:"service,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	Duration   time.Duration  `json:"duration_ns"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Data returns a snapshot of the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := SpanData{
		Name:      s.name,
		TraceID:   s.sc.TraceID.String(),
		SpanID:    s.sc.SpanID.String(),
		StartTime: s.start,
		Duration:  s.end.Sub(s.start),
		Status:    "ok",
		Error:     s.err,
	}
	if s.tracer != nil {
		d.Service = s.tracer.service
	}
	if s.parent.IsValid() {
		d.ParentID = s.parent.String()
	}
	if s.err != "" {
		d.Status = "error"
	}
	if len(s.attrs) > 0 {
		d.Attributes = make(map[string]any, len(s.attrs))
		for k, v := range s.attrs {
			d.Attributes[k] = v
		}
	}
	return d
}

// Exporter receives finished, sampled spans.
type Exporter interface {
	ExportSpan(SpanData) error
	Close() error
}

// WriterExporter writes one JSON span per line.
type WriterExporter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewWriterExporter exports spans to w. Close closes w when it is an io.Closer.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w, enc: json.NewEncoder(w)}
}

// OpenFileExporter appends spans to a rotating file.
func OpenFileExporter(path string, maxSizeMB int64, maxBackups int) (*WriterExporter, error) {
	f, err := logging.OpenRotatingFile(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return NewWriterExporter(f), nil
}

func (e *WriterExporter) ExportSpan(d SpanData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(d)
}

func (e *WriterExporter) Close() error {
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// LogExporter writes spans to a logger at debug level.
type LogExporter struct {
	log *logging.Logger
}

// NewLogExporter exports spans to log.
func NewLogExporter(log *logging.Logger) *LogExporter {
	return &LogExporter{log: log.WithComponent("tracing")}
}

func (e *LogExporter) ExportSpan(d SpanData) error {
	e.log.Debug("span",
		"name", d.Name,
		"trace_id", d.TraceID,
		"span_id", d.SpanID,
		"parent_id", d.ParentID,
		"duration", d.Duration,
		"status", d.Status,
		"error", d.Error,
		"attributes", d.Attributes,
	)
	return nil
}

func (e *LogExporter) Close() error { return nil }

// Config configures a Tracer.
type Config struct {
	Service  string
	Exporter Exporter
	// SampleRatio is the share of new traces exported, 0 to 1. Incoming
	// sampled traces are always exported.
	SampleRatio float64
	// Logger receives export failures. Nil discards them.
	Logger *logging.Logger
}

// Tracer starts spans.
type Tracer struct {
	service   string
	exporter  Exporter
	threshold uint64
	log       *logging.Logger
}

// NewTracer creates a tracer. A nil Exporter makes every span unexported.
func NewTracer(cfg Config) *Tracer {
	ratio := cfg.SampleRatio
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	t := &Tracer{service: cfg.Service, exporter: cfg.Exporter, log: log}
	if ratio == 1 {
		t.threshold = ^uint64(0)
	} else {
		t.threshold = uint64(ratio * float64(^uint64(0)))
	}
	return t
}

// sample decides for a trace that has no sampled parent.
func (t *Tracer) sample(id TraceID) bool {
	if t.exporter == nil || t.threshold == 0 {
		return false
	}
	var h uint64
	for _, b := range id[:8] {
		h = h<<8 | uint64(b)
	}
	return h <= t.threshold
}

func (t *Tracer) export(d SpanData) {
	if t == nil || t.exporter == nil {
		return
	}
	if err := t.exporter.ExportSpan(d); err != nil {
		t.log.Warn("span export failed", "span", d.Name, "error", err)
	}
}

// Close flushes and closes the exporter.
func (t *Tracer) Close() error {
	if t == nil || t.exporter == nil {
		return nil
	}
	return t.exporter.Close()
}

// Start begins a span as a child of the span or remote context in ctx.
// On a nil Tracer it returns ctx and a nil span.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	parent := spanContextFrom(ctx)

	s := &Span{
		tracer: t,
		name:   name,
		start:  time.Now(),
		attrs:  make(map[string]any),
	}
	if parent.IsValid() {
		s.sc.TraceID = parent.TraceID
		s.sc.TraceState = parent.TraceState
		s.parent = parent.SpanID
		s.sc.Sampled = parent.Sampled || t.sample(parent.TraceID)
	} else {
		rand.Read(s.sc.TraceID[:])
		s.sc.Sampled = t.sample(s.sc.TraceID)
	}
	rand.Read(s.sc.SpanID[:])

	return context.WithValue(ctx, spanKey{}, s), s
}

type (
	spanKey   struct{}
	remoteKey struct{}
)

// SpanFromContext returns the current span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// ContextWithRemote makes sc the parent of the next span started from ctx.
func ContextWithRemote(ctx context.Context, sc SpanContext) context.Context {
	if !sc.IsValid() {
		return ctx
	}
	sc.Remote = true
	return context.WithValue(ctx, remoteKey{}, sc)
}

func spanContextFrom(ctx context.Context) SpanContext {
	if s := SpanFromContext(ctx); s != nil {
		return s.sc
	}
	sc, _ := ctx.Value(remoteKey{}).(SpanContext)
	return sc
}

// TraceIDFromContext returns the current trace ID as hex, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := spanContextFrom(ctx)
	if !sc.TraceID.IsValid() {
		return ""
	}
	return sc.TraceID.String()
}

// ParseTraceParent parses a version 00 traceparent header,
// e.g. 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01.
func ParseTraceParent(header string) (SpanContext, error) {
	if len(header) != 55 || header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return SpanContext{}, ErrInvalidTraceParent
	}
	if header[0:2] != "00" {
		return SpanContext{}, fmt.Errorf("%w: version %s", ErrInvalidTraceParent, header[0:2])
	}

	var sc SpanContext
	if _, err := hex.Decode(sc.TraceID[:], []byte(header[3:35])); err != nil {
		return SpanContext{}, fmt.Errorf("%w: trace id: %v", ErrInvalidTraceParent, err)
	}
	if _, err := hex.Decode(sc.SpanID[:], []byte(header[36:52])); err != nil {
		return SpanContext{}, fmt.Errorf("%w: span id: %v", ErrInvalidTraceParent, err)
	}
	var flags [1]byte
	if _, err := hex.Decode(flags[:], []byte(header[53:55])); err != nil {
		return SpanContext{}, fmt.Errorf("%w: flags: %v", ErrInvalidTraceParent, err)
	}
	if !sc.IsValid() {
		return SpanContext{}, fmt.Errorf("%w: zero id", ErrInvalidTraceParent)
	}
	sc.Sampled = flags[0]&0x01 != 0
	sc.Remote = true
	return sc, nil
}

// FormatTraceParent renders sc as a traceparent header.
func FormatTraceParent(sc SpanContext) string {
	flags := "00"
	if sc.Sampled {
		flags = "01"
	}
	return "00-" + sc.TraceID.String() + "-" + sc.SpanID.String() + "-" + flags
}

// Extract reads the incoming trace context from h. Malformed headers are
// ignored.
func Extract(h http.Header) SpanContext {
	sc, err := ParseTraceParent(h.Get(HeaderTraceParent))
	if err != nil {
		return SpanContext{}
	}
	sc.TraceState = h.Get(HeaderTraceState)
	return sc
}

// Inject writes the trace context of the span in ctx to h.
func Inject(ctx context.Context, h http.Header) {
	s := SpanFromContext(ctx)
	if s == nil || !s.sc.IsValid() {
		return
	}
	h.Set(HeaderTraceParent, FormatTraceParent(s.sc))
	if s.sc.TraceState != "" {
		h.Set(HeaderTraceState, s.sc.TraceState)
	}
}
