package certificate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"provcert/internal/accessgate"
	"provcert/internal/contenthash"
	"provcert/internal/editlog"
	"provcert/internal/signer"
)

func newTestIssuer(t *testing.T, gate *accessgate.Gate) *Issuer {
	t.Helper()
	i := NewIssuer(newTestSigner(t), gate)
	i.now = func() time.Time { return t0 }
	i.newID = func() string { return "cert-1" }
	return i
}

func TestIssuePasteThenType(t *testing.T) {
	i := newTestIssuer(t, nil)

	cert, err := i.Issue(context.Background(), doc(paragraphDoc), pasteThenType(), IssueOptions{})
	require.NoError(t, err)

	assert.Equal(t, "cert-1", cert.ID)
	assert.Equal(t, "doc-1", cert.DocumentID)
	assert.Equal(t, "user-1", cert.UserID)
	assert.Equal(t, "My Essay", cert.Title)
	assert.Equal(t, PartialAuthorship, cert.Type)
	assert.Equal(t, int64(5), cert.PastedCharacters)
	assert.Equal(t, int64(1), cert.TypedCharacters)
	assert.Equal(t, int64(2), cert.TotalEvents)
	assert.Equal(t, int64(1), cert.TypingEvents)
	assert.Equal(t, int64(1), cert.PasteEvents)
	assert.Equal(t, int64(2), cert.EditingTimeSeconds)
	assert.Equal(t, int64(6), cert.TotalCharacters)
	assert.Equal(t, t0.Truncate(time.Second), cert.GeneratedAt)
	assert.True(t, signer.IsVerificationToken(cert.VerificationToken))
	assert.False(t, cert.IsProtected)
	assert.Empty(t, cert.AccessCodeHash)

	want, err := contenthash.Hex(json.RawMessage(paragraphDoc))
	require.NoError(t, err)
	assert.Equal(t, want, cert.ContentHash)
	assert.JSONEq(t, paragraphDoc, string(cert.DocumentSnapshot))
	assert.Equal(t, "Hello!", cert.PlainTextSnapshot)

	payload, err := newTestSigner(t).Verify(cert.Signature)
	require.NoError(t, err)
	assert.Equal(t, cert.Payload(), payload)
}

func TestIssueEmptyLog(t *testing.T) {
	i := newTestIssuer(t, nil)
	d := doc(paragraphDoc)
	d.Title = ""
	d.CharacterCount = 0

	cert, err := i.Issue(context.Background(), d, nil, IssueOptions{})
	require.NoError(t, err)

	assert.Equal(t, Metrics{}, cert.Metrics)
	assert.Equal(t, FullAuthorship, cert.Type)
	assert.Equal(t, DefaultTitle, cert.Title)
	assert.Equal(t, int64(6), cert.TotalCharacters, "falls back to plain text length")
}

func TestIssueOptions(t *testing.T) {
	i := newTestIssuer(t, nil)

	cert, err := i.Issue(context.Background(), doc(paragraphDoc), pasteThenType(), IssueOptions{
		Type:               FullAuthorship,
		Title:              "Override",
		SignerName:         "A. Writer",
		IncludeFullText:    true,
		IncludeEditHistory: true,
	})
	require.NoError(t, err)

	assert.Equal(t, FullAuthorship, cert.Type)
	assert.Equal(t, "Override", cert.Title)
	assert.Equal(t, "A. Writer", cert.SignerName)
	assert.True(t, cert.IncludeFullText)
	assert.True(t, cert.IncludeEditHistory)
}

func TestIssueRejects(t *testing.T) {
	i := newTestIssuer(t, nil)
	ctx := context.Background()

	_, err := i.Issue(ctx, nil, nil, IssueOptions{})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = i.Issue(ctx, doc(paragraphDoc), nil, IssueOptions{Type: "ghostwritten"})
	assert.ErrorIs(t, err, ErrInvalidCertificateType)

	events := pasteThenType()
	events[0], events[1] = events[1], events[0]
	_, err = i.Issue(ctx, doc(paragraphDoc), events, IssueOptions{})
	assert.ErrorIs(t, err, editlog.ErrUnordered)

	_, err = i.Issue(ctx, doc(`{"type":`), nil, IssueOptions{})
	assert.ErrorIs(t, err, contenthash.ErrInvalidContent)

	_, err = i.Issue(ctx, doc(paragraphDoc), nil, IssueOptions{AccessCode: "secret123"})
	assert.Error(t, err, "access code without a gate")
}

func TestIssueWithAccessCode(t *testing.T) {
	i := newTestIssuer(t, newTestGate(t))

	cert, err := i.Issue(context.Background(), doc(paragraphDoc), nil, IssueOptions{AccessCode: "secret123"})
	require.NoError(t, err)

	assert.True(t, cert.IsProtected)
	require.NotEmpty(t, cert.AccessCodeHash)
	assert.NotContains(t, cert.AccessCodeHash, "secret123")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cert.AccessCodeHash), []byte("secret123")))
}

func TestIssueNilContent(t *testing.T) {
	i := newTestIssuer(t, nil)
	d := doc("")
	d.Content = nil

	cert, err := i.Issue(context.Background(), d, nil, IssueOptions{})
	require.NoError(t, err)

	want, err := contenthash.Hex(nil)
	require.NoError(t, err)
	assert.Equal(t, want, cert.ContentHash)
	assert.Nil(t, cert.DocumentSnapshot)
}

func TestCertificateJSONNames(t *testing.T) {
	i := newTestIssuer(t, newTestGate(t))
	cert, err := i.Issue(context.Background(), doc(paragraphDoc), pasteThenType(), IssueOptions{AccessCode: "x"})
	require.NoError(t, err)

	data, err := json.Marshal(cert)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, name := range []string{
		"id", "documentId", "userId", "certificateType", "title", "documentSnapshot",
		"plainTextSnapshot", "totalEvents", "typingEvents", "pasteEvents",
		"totalCharacters", "typedCharacters", "pastedCharacters", "editingTimeSeconds",
		"signature", "verificationToken", "includeFullText", "includeEditHistory",
		"accessCodeHash", "isProtected", "generatedAt", "contentHash",
	} {
		assert.Contains(t, fields, name)
	}
	assert.Equal(t, float64(5), fields["pastedCharacters"])
}
