// Package contenthash binds certificates to document content.
//
// Structured content (an editor document tree) is serialized canonically
// before hashing: objects are re-encoded with sorted keys, numbers are
// rewritten in their shortest form, and insignificant whitespace is dropped.
// Two payloads that differ only in key order or formatting (1, 1.0 and 1e0
// alike) therefore hash identically, and any change to a value changes the
// digest. Integers are exact within int64; other numbers are compared as
// IEEE 754 doubles, the precision editors store them in.
package contenthash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"provcert/internal/security"
)

// Domain is the separation label mixed into every content digest.
const Domain = "provcert:content:v1"

// ErrInvalidContent is returned when content is not well-formed JSON.
var ErrInvalidContent = errors.New("contenthash: invalid content")

// Digest is a SHA-256 content digest.
type Digest [32]byte

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(d) {
		return d, fmt.Errorf("contenthash: malformed digest %q", s)
	}
	copy(d[:], b)
	return d, nil
}

// Canonicalize returns the canonical serialization of raw. Absent content
// canonicalizes to null.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidContent)
	}

	v, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func normalize(v any) (any, error) {
	switch v := v.(type) {
	case json.Number:
		return canonicalNumber(v)
	case map[string]any:
		for k, e := range v {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			v[k] = n
		}
	case []any:
		for i, e := range v {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			v[i] = n
		}
	}
	return v, nil
}

func canonicalNumber(n json.Number) (json.Number, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: number %s out of range", ErrInvalidContent, n)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// Sum computes the domain-separated digest of the canonical form of raw.
func Sum(raw json.RawMessage) (Digest, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return Digest{}, err
	}
	return Digest(security.HashDomainSeparated(Domain, canon)), nil
}

// Hex is Sum encoded as lowercase hex.
func Hex(raw json.RawMessage) (string, error) {
	d, err := Sum(raw)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}
