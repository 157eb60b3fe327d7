package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// =============================================================================
// Key Tests
// =============================================================================

func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	key2, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if len(key1) != 32 {
		t.Errorf("key length = %d, want 32", len(key1))
	}
	if bytes.Equal(key1, key2) {
		t.Error("two generated keys should differ")
	}
}

func TestGenerateKeyTooSmall(t *testing.T) {
	_, err := GenerateKey(16)
	if !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestDeriveKeyWithLabel(t *testing.T) {
	master := bytes.Repeat([]byte{1, 2, 3, 4}, 8)

	a1, err := DeriveKeyWithLabel(master, "tenant-a", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel failed: %v", err)
	}
	a2, _ := DeriveKeyWithLabel(master, "tenant-a", 32)
	b, _ := DeriveKeyWithLabel(master, "tenant-b", 32)

	if !bytes.Equal(a1, a2) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Error("different labels should give different keys")
	}

	if _, err := DeriveKeyWithLabel(make([]byte, 32), "x", 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("expected ErrWeakKey for zero master, got %v", err)
	}
}

func TestValidateKeyStrength(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"short", []byte("too-short"), true},
		{"all zeros", make([]byte, 32), true},
		{"repeating", bytes.Repeat([]byte{0xAB}, 32), true},
		{"ok", []byte("0123456789abcdef0123456789abcdef"), false},
	}

	for _, tt := range tests {
		err := ValidateKeyStrength(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: ValidateKeyStrength error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestHashDomainSeparated(t *testing.T) {
	data := []byte("payload")
	a := HashDomainSeparated("domain-a", data)
	b := HashDomainSeparated("domain-b", data)
	if a == b {
		t.Error("different domains should give different hashes")
	}
	if a != HashDomainSeparated("domain-a", data) {
		t.Error("hash should be deterministic")
	}
}

func TestIsLowerHex(t *testing.T) {
	tok, err := RandomHex(32)
	if err != nil {
		t.Fatalf("RandomHex failed: %v", err)
	}
	if !IsLowerHex(tok, 64) {
		t.Errorf("RandomHex(32) = %q, want 64 lowercase hex chars", tok)
	}

	for _, s := range []string{"", "ABCDEF", "abcdeg", tok[:63], tok + "0"} {
		if IsLowerHex(s, 64) {
			t.Errorf("IsLowerHex(%q, 64) = true, want false", s)
		}
	}
}

func TestWipe(t *testing.T) {
	data := []byte("sensitive")
	Wipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped", i)
		}
	}
	Wipe(nil)
}

// =============================================================================
// File Tests
// =============================================================================

func TestWriteAndReadSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")
	data := []byte("secret material")

	if err := WriteSecretFile(path, data); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	got, err := ReadSecretFile(path, 1024)
	if err != nil {
		t.Fatalf("ReadSecretFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read %q, want %q", got, data)
	}

	if _, err := ReadSecretFile(path, 4); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestReadSecretFileRejectsOpenPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}

	path := filepath.Join(t.TempDir(), "open.key")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecretFile(path, 0); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("expected ErrInsecurePermissions, got %v", err)
	}
}

func TestWriteSecretFileRejectsBadPath(t *testing.T) {
	if err := WriteSecretFile("", nil); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	rl := newRateLimiter(1, 3, clock.now)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}
	if rl.Allow() {
		t.Error("fourth request should be rate limited")
	}

	clock.advance(time.Second)
	if !rl.Allow() {
		t.Error("request after refill should be allowed")
	}
}

func TestKeyedRateLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	kl := NewKeyedRateLimiter(1, 1, 0)
	kl.now = clock.now
	defer kl.Stop()

	if !kl.Allow("10.0.0.1") {
		t.Error("first request should be allowed")
	}
	if kl.Allow("10.0.0.1") {
		t.Error("second request should be limited")
	}
	if !kl.Allow("10.0.0.2") {
		t.Error("other key should have its own bucket")
	}

	kl.idle = time.Minute
	clock.advance(2 * time.Minute)
	kl.sweep()
	if kl.Len() != 0 {
		t.Errorf("expected idle buckets to be evicted, have %d", kl.Len())
	}
}

func TestFailureLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	fl := NewFailureLimiter(100*time.Millisecond, time.Second, time.Hour, 3, time.Minute)
	fl.now = clock.now

	d1 := fl.RecordFailure("cert:client")
	d2 := fl.RecordFailure("cert:client")
	if d2 <= d1 {
		t.Errorf("delay should grow: %v then %v", d1, d2)
	}
	if fl.IsLocked("cert:client") {
		t.Error("should not be locked before max failures")
	}

	fl.RecordFailure("cert:client")
	if !fl.IsLocked("cert:client") {
		t.Error("should be locked after max failures")
	}

	clock.advance(2 * time.Minute)
	if fl.IsLocked("cert:client") {
		t.Error("lock should expire")
	}
	if fl.Delay("cert:client") != 0 {
		t.Error("delay should have elapsed")
	}

	fl.RecordFailure("cert:client")
	fl.RecordSuccess("cert:client")
	if fl.Delay("cert:client") != 0 || fl.IsLocked("cert:client") {
		t.Error("success should clear state")
	}
}
