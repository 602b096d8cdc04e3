package vaultsync

import (
	"bytes"
	"testing"
)

func testCipher(t *testing.T) *PayloadCipher {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	c, err := NewPayloadCipher(key)
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}
	return c
}

func TestPayloadCipherRoundTrip(t *testing.T) {
	c := testCipher(t)
	plaintext := []byte("privileged memorandum contents")

	for _, level := range []EncryptionLevel{EncryptionStandard, EncryptionEnhanced} {
		sealed, err := c.Encrypt(level, plaintext)
		if err != nil {
			t.Fatalf("encrypt %s: %v", level, err)
		}
		if bytes.Contains(sealed, plaintext) {
			t.Fatalf("%s ciphertext leaks plaintext", level)
		}
		opened, err := c.Decrypt(level, sealed)
		if err != nil {
			t.Fatalf("decrypt %s: %v", level, err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatalf("%s round trip mismatch", level)
		}
	}
}

func TestPayloadCipherLevelsDoNotInteroperate(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Encrypt(EncryptionEnhanced, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c.Decrypt(EncryptionStandard, sealed); err == nil {
		t.Fatalf("expected cross-level decrypt to fail")
	}
}

func TestPayloadCipherRejectsTamperedCiphertext(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Encrypt(EncryptionStandard, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := c.Decrypt(EncryptionStandard, sealed); err == nil {
		t.Fatalf("expected tampered ciphertext to fail authentication")
	}
}

func TestPayloadCipherRejectsShortCiphertext(t *testing.T) {
	c := testCipher(t)
	if _, err := c.Decrypt(EncryptionStandard, []byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected error for truncated ciphertext")
	}
}

func TestNewPayloadCipherRejectsBadKeySize(t *testing.T) {
	if _, err := NewPayloadCipher([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestNewPayloadCipherFromPassword(t *testing.T) {
	c, err := NewPayloadCipherFromPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Salt()) != 32 {
		t.Fatalf("expected 32-byte salt, got %d", len(c.Salt()))
	}
	sealed, err := c.Encrypt(EncryptionEnhanced, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	opened, err := c.Decrypt(EncryptionEnhanced, sealed)
	if err != nil || string(opened) != "payload" {
		t.Fatalf("round trip failed: %v", err)
	}

	if _, err := NewPayloadCipherFromPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
