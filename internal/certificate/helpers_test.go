package certificate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"provcert/internal/accessgate"
	"provcert/internal/editlog"
	"provcert/internal/signer"
)

var (
	t0         = time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)
	testSecret = []byte("certificate-tests-secret-0123456789")
)

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.New(signer.Config{Secret: testSecret, Issuer: "provcert-test"})
	require.NoError(t, err)
	return s
}

func newTestGate(t *testing.T) *accessgate.Gate {
	t.Helper()
	g, err := accessgate.New(accessgate.Config{Cost: accessgate.MinCost, Workers: 2})
	require.NoError(t, err)
	return g
}

func doc(content string) *Document {
	return &Document{
		ID:             "doc-1",
		UserID:         "user-1",
		Title:          "My Essay",
		Content:        json.RawMessage(content),
		PlainText:      "Hello!",
		CharacterCount: 6,
		UpdatedAt:      t0,
	}
}

const paragraphDoc = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello!"}]}]}`

func event(typ editlog.EventType, offset time.Duration, before, after string) editlog.Event {
	return editlog.Event{
		DocumentID: "doc-1",
		Type:       typ,
		Timestamp:  t0.Add(offset),
		TextBefore: editlog.Text(before),
		TextAfter:  editlog.Text(after),
	}
}

// pasteThenType is a paste of "Hello" followed by a typed "!".
func pasteThenType() []editlog.Event {
	return []editlog.Event{
		event(editlog.Paste, 0, "", "Hello"),
		event(editlog.KeyDown, 2*time.Second, "Hello", "Hello!"),
	}
}

// memRepo is an in-memory DocumentSource, EventSource and Repository.
type memRepo struct {
	mu     sync.Mutex
	docs   map[string]*Document
	events map[string][]editlog.Event
	certs  map[string]*Certificate
	audit  []AuditEntry

	eventsErr error
	saveErr   error
}

func newMemRepo() *memRepo {
	return &memRepo{
		docs:   map[string]*Document{},
		events: map[string][]editlog.Event{},
		certs:  map[string]*Certificate{},
	}
}

func (m *memRepo) Document(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memRepo) Events(_ context.Context, documentID string) ([]editlog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventsErr != nil {
		return nil, m.eventsErr
	}
	return append([]editlog.Event(nil), m.events[documentID]...), nil
}

func (m *memRepo) CertificateByToken(_ context.Context, token string) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.VerificationToken == token {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCertificateNotFound
}

func (m *memRepo) CertificateByID(_ context.Context, id string) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, ErrCertificateNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) SaveCertificate(_ context.Context, cert *Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *cert
	m.certs[cert.ID] = &cp
	return nil
}

func (m *memRepo) UpdateOverlay(_ context.Context, id string, o Overlay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[id]
	if !ok {
		return ErrCertificateNotFound
	}
	c.Overlay = o
	return nil
}

func (m *memRepo) RecordAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// put stores cert directly, bypassing issuance.
func (m *memRepo) put(cert *Certificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cert
	m.certs[cert.ID] = &cp
}
