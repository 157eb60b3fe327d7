package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memExporter struct {
	spans  []SpanData
	closed bool
}

func (m *memExporter) ExportSpan(d SpanData) error {
	m.spans = append(m.spans, d)
	return nil
}

func (m *memExporter) Close() error {
	m.closed = true
	return nil
}

func TestParseTraceParent(t *testing.T) {
	sc, err := ParseTraceParent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	require.NoError(t, err)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", sc.TraceID.String())
	assert.Equal(t, "b7ad6b7169203331", sc.SpanID.String())
	assert.True(t, sc.Sampled)
	assert.True(t, sc.Remote)
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", FormatTraceParent(sc))

	bad := []string{
		"",
		"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331",
		"01-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
		"00-0af7651916cd43dd8448eb211c80319z-b7ad6b7169203331-01",
		"00-00000000000000000000000000000000-b7ad6b7169203331-01",
		"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-zz",
	}
	for _, h := range bad {
		_, err := ParseTraceParent(h)
		assert.ErrorIs(t, err, ErrInvalidTraceParent, h)
	}
}

func TestSpansNestAndExport(t *testing.T) {
	exp := &memExporter{}
	tr := NewTracer(Config{Service: "provcert", Exporter: exp, SampleRatio: 1})

	ctx, root := tr.Start(context.Background(), "request")
	_, child := tr.Start(ctx, "verify")
	child.SetAttribute("outcome", "valid")
	child.RecordError(errors.New("boom"))
	child.End()
	child.End()
	root.End()

	require.Len(t, exp.spans, 2)
	c, r := exp.spans[0], exp.spans[1]
	assert.Equal(t, r.TraceID, c.TraceID)
	assert.Equal(t, r.SpanID, c.ParentID)
	assert.Empty(t, r.ParentID)
	assert.Equal(t, "error", c.Status)
	assert.Equal(t, "boom", c.Error)
	assert.Equal(t, "valid", c.Attributes["outcome"])
	assert.Equal(t, "ok", r.Status)
	assert.Equal(t, "provcert", r.Service)

	require.NoError(t, tr.Close())
	assert.True(t, exp.closed)
}

func TestRemoteParent(t *testing.T) {
	exp := &memExporter{}
	tr := NewTracer(Config{Exporter: exp, SampleRatio: 0})

	h := http.Header{}
	h.Set(HeaderTraceParent, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	h.Set(HeaderTraceState, "vendor=1")
	ctx := ContextWithRemote(context.Background(), Extract(h))
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", TraceIDFromContext(ctx))

	ctx, span := tr.Start(ctx, "request")
	out := http.Header{}
	Inject(ctx, out)
	span.End()

	// sampled upstream wins over a zero ratio
	require.Len(t, exp.spans, 1)
	assert.Equal(t, "b7ad6b7169203331", exp.spans[0].ParentID)
	assert.True(t, strings.HasPrefix(out.Get(HeaderTraceParent), "00-0af7651916cd43dd8448eb211c80319c-"))
	assert.Equal(t, "vendor=1", out.Get(HeaderTraceState))
}

func TestUnsampledNotExported(t *testing.T) {
	exp := &memExporter{}
	tr := NewTracer(Config{Exporter: exp, SampleRatio: 0})
	ctx, span := tr.Start(context.Background(), "request")
	span.End()
	assert.Empty(t, exp.spans)
	// still propagated
	assert.NotEmpty(t, TraceIDFromContext(ctx))
}

func TestNilTracerAndSpan(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.Start(context.Background(), "noop")
	assert.Nil(t, span)
	span.SetAttribute("k", "v")
	span.RecordError(errors.New("x"))
	span.End()
	assert.False(t, span.Context().IsValid())
	assert.Empty(t, TraceIDFromContext(ctx))
	assert.NoError(t, tr.Close())
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracer(Config{Exporter: NewWriterExporter(&buf), SampleRatio: 1})
	_, span := tr.Start(context.Background(), "issue")
	span.SetAttribute("document_id", "doc-1")
	span.End()

	var d SpanData
	require.NoError(t, json.Unmarshal(buf.Bytes(), &d))
	assert.Equal(t, "issue", d.Name)
	assert.Equal(t, "doc-1", d.Attributes["document_id"])
	assert.Len(t, d.TraceID, 32)
}
