package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
}

func TestSealOpen_RoundTrip(t *testing.T) {
	e, err := NewEnvelope(testKey())
	if err != nil {
		t.Fatal(err)
	}

	tests := []string{"", "hello", "visitor PII: jane@example.com", "多字节文本"}
	for _, plaintext := range tests {
		blob, err := e.SealString(plaintext)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plaintext, err)
		}
		got, err := e.OpenString(blob)
		if err != nil {
			t.Fatalf("Open(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestSeal_NonceVariesPerCall(t *testing.T) {
	e, err := NewEnvelope(testKey())
	if err != nil {
		t.Fatal(err)
	}

	a, _ := e.SealString("same input")
	b, _ := e.SealString("same input")
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext produced identical blobs")
	}
}

func TestOpen_TamperDetected(t *testing.T) {
	e, err := NewEnvelope(testKey())
	if err != nil {
		t.Fatal(err)
	}

	blob, _ := e.SealString("integrity matters")
	blob[len(blob)-1] ^= 0xFF
	if _, err := e.Open(blob); err == nil {
		t.Error("tampered ciphertext opened without error")
	}
}

func TestOpen_WrongKey(t *testing.T) {
	a, _ := NewEnvelope(testKey())
	b, _ := NewEnvelope(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x99}, 32)))

	blob, _ := a.SealString("secret")
	if _, err := b.Open(blob); err == nil {
		t.Error("ciphertext opened under the wrong key")
	}
}

func TestOpen_TruncatedBlob(t *testing.T) {
	e, _ := NewEnvelope(testKey())
	if _, err := e.Open([]byte{0x01, 0x02}); err == nil {
		t.Error("truncated blob opened without error")
	}
}

func TestUnconfiguredEnvelope(t *testing.T) {
	e, err := NewEnvelope("")
	if err != nil {
		t.Fatal(err)
	}
	if e.Configured() {
		t.Error("empty key reported as configured")
	}
	if _, err := e.SealString("x"); err != ErrKeyNotConfigured {
		t.Errorf("Seal err = %v, want ErrKeyNotConfigured", err)
	}
	if _, err := e.Open([]byte("x")); err != ErrKeyNotConfigured {
		t.Errorf("Open err = %v, want ErrKeyNotConfigured", err)
	}
}

func TestNewEnvelope_BadKeys(t *testing.T) {
	if _, err := NewEnvelope("not-base64!!!"); err == nil {
		t.Error("malformed base64 accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewEnvelope(short); err == nil {
		t.Error("short key accepted")
	}
}
