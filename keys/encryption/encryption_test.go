package encryption

import (
	"bytes"
	"crypto/aes"
	"errors"
	"strings"
	"testing"
)

func TestNewCrypter(t *testing.T) {
	key := []byte("test123test123test123test123test")

	t.Run("key is copied", func(t *testing.T) {
		crypter, err := NewAESCrypter(key)
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(crypter.key, key) {
			t.Fatal("keys do not match")
		}

		key[0] = 'x'
		if bytes.Equal(crypter.key, key) {
			t.Fatal("expected crypter to own its key")
		}
	})

	t.Run("fails with invalid key size", func(t *testing.T) {
		invalidKey := []byte("nope")
		_, err := NewAESCrypter(invalidKey)
		if err == nil {
			t.Fatal("expected error is missing")
		}

		want := aes.KeySizeError(len(invalidKey))
		if want != err {
			t.Errorf("got unexpected error: %v - want: %v", err, want)
		}
	})
}

func TestSymmetricCrypter(t *testing.T) {
	key := []byte("testkeytestkeytestkeytestkeytest")
	original := []byte("some-session-record")

	crypter, err := NewAESCrypter(key)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("encrypts and decrypts a value", func(t *testing.T) {
		encValue, err := crypter.Encrypt(original)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if bytes.Equal(original, encValue) {
			t.Errorf("value was not encrypted: %v => %v", original, encValue)
		}

		decValue, err := crypter.Decrypt(encValue)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !bytes.Equal(decValue, original) {
			t.Errorf("decrypted value does not match original: %v vs. %v", decValue, original)
		}
	})

	t.Run("nonces differ per call", func(t *testing.T) {
		a, _ := crypter.Encrypt(original)
		b, _ := crypter.Encrypt(original)
		if bytes.Equal(a, b) {
			t.Fatal("expected two encryptions of the same value to differ")
		}
	})

	t.Run("decrypt fails with wrong key", func(t *testing.T) {
		secondCrypter, err := NewAESCrypter([]byte("failkeyfailkeyfailkeyfailkeyfail"))
		if err != nil {
			t.Fatal(err)
		}

		encValue, err := crypter.Encrypt(original)
		if err != nil {
			t.Fatal(err)
		}

		wrongKeyDecValue, err := secondCrypter.Decrypt(encValue)
		if len(wrongKeyDecValue) != 0 {
			t.Fatalf("expected empty value, got: %v", wrongKeyDecValue)
		}

		if err == nil || !strings.Contains(err.Error(), "message authentication failed") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("decrypt fails on truncated input", func(t *testing.T) {
		if _, err := crypter.Decrypt([]byte("short")); !errors.Is(err, ErrCiphertextTooShort) {
			t.Errorf("expected ErrCiphertextTooShort, got %v", err)
		}
	})
}
