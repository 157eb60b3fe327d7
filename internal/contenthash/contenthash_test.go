package contenthash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello "},{"type":"text","text":"world","marks":[{"type":"bold"}]}]},{"type":"paragraph"}]}`

func TestCanonicalizeSortsKeysAndDropsWhitespace(t *testing.T) {
	a := json.RawMessage(`{"b": 1, "a": {"y": [1, 2.50, "x"], "x": null}}`)
	b := json.RawMessage(`{"a":{"x":null,"y":[1,2.50,"x"]},"b":1}`)

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, `{"a":{"x":null,"y":[1,2.5,"x"]},"b":1}`, string(ca))
	assert.Equal(t, ca, cb)
}

func TestCanonicalizeNormalizesNumbers(t *testing.T) {
	want, err := Hex(json.RawMessage(`{"attrs":{"level":1,"indent":0.5,"id":9007199254740993}}`))
	require.NoError(t, err)

	for _, raw := range []string{
		`{"attrs":{"level":1.0,"indent":0.50,"id":9007199254740993}}`,
		`{"attrs":{"level":1e0,"indent":5e-1,"id":9007199254740993}}`,
		`{"attrs":{"level":10E-1,"indent":0.5e0,"id":9007199254740993}}`,
		`{"attrs":{"level":1,"indent":0.5,"id":9007199254740993}}`,
	} {
		got, err := Hex(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	c, err := Canonicalize(json.RawMessage(`[1.0,-0,-0.0,2.5e3,1e21,0.1,-3.25E2,9007199254740993]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,0,0,2500,1e+21,0.1,-325,9007199254740993]`, string(c))

	other, err := Hex(json.RawMessage(`{"attrs":{"level":2,"indent":0.5,"id":9007199254740993}}`))
	require.NoError(t, err)
	assert.NotEqual(t, want, other)

	_, err = Canonicalize(json.RawMessage(`{"a":1e400}`))
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestCanonicalizeKeepsHTMLCharacters(t *testing.T) {
	c, err := Canonicalize(json.RawMessage(`{"text":"a < b & c"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"text":"a < b & c"}`, string(c))
}

func TestCanonicalizeEmpty(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(""), json.RawMessage("  "), json.RawMessage("null")} {
		c, err := Canonicalize(raw)
		require.NoError(t, err)
		assert.Equal(t, "null", string(c))
	}
}

func TestCanonicalizeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`{"a":`, `{"a":1} {"b":2}`, `nope`} {
		_, err := Canonicalize(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrInvalidContent, raw)
	}
}

func TestSumIsStableAndSensitive(t *testing.T) {
	d1, err := Sum(json.RawMessage(sampleDoc))
	require.NoError(t, err)

	reordered := `{"content":[{"content":[{"text":"Hello ","type":"text"},{"marks":[{"type":"bold"}],"text":"world","type":"text"}],"type":"paragraph"},{"type":"paragraph"}],"type":"doc"}`
	d2, err := Sum(json.RawMessage(reordered))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	changed := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello "},{"type":"text","text":"World","marks":[{"type":"bold"}]}]},{"type":"paragraph"}]}`
	d3, err := Sum(json.RawMessage(changed))
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	hex, err := Hex(json.RawMessage(sampleDoc))
	require.NoError(t, err)
	assert.Len(t, hex, 64)
	assert.Equal(t, d1.String(), hex)

	parsed, err := ParseDigest(hex)
	require.NoError(t, err)
	assert.Equal(t, d1, parsed)

	_, err = ParseDigest("abc")
	assert.Error(t, err)
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"", true},
		{"null", true},
		{"{}", true},
		{`{"type":"doc"}`, true},
		{`{"type":"doc","content":[]}`, true},
		{`{"type":"doc","content":[{"type":"paragraph"}]}`, false},
		{`[1,2]`, true},
		{sampleDoc, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsEmpty(json.RawMessage(tt.raw)), tt.raw)
	}
}

func TestHasSubstantiveContent(t *testing.T) {
	assert.True(t, HasSubstantiveContent(json.RawMessage(sampleDoc)))
	assert.False(t, HasSubstantiveContent(json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"},{"type":"paragraph","content":[]}]}`)))
	assert.False(t, HasSubstantiveContent(nil))
	assert.False(t, HasSubstantiveContent(json.RawMessage("{}")))
}

func TestPlainText(t *testing.T) {
	doc := `{"type":"doc","content":[
		{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Title"}]},
		{"type":"paragraph","content":[{"type":"text","text":"line one"},{"type":"hardBreak"},{"type":"text","text":"line two"}]},
		{"type":"paragraph"}
	]}`
	assert.Equal(t, "Title\nline one\nline two", PlainText(json.RawMessage(doc)))
	assert.Equal(t, "Hello world", PlainText(json.RawMessage(sampleDoc)))
	assert.Equal(t, "", PlainText(nil))
}
