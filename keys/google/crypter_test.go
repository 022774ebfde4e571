package google

import (
	"bytes"
	"context"
	"os"
	"testing"

	kmspb "google.golang.org/genproto/googleapis/cloud/kms/v1"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type fakeKMS struct {
	corrupt  bool
	getCalls int
	// versions returned by consecutive GetCryptoKey calls
	states []kmspb.CryptoKeyVersion_CryptoKeyVersionState
}

func (f *fakeKMS) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	ct := reverse(req.Plaintext)
	sum := int64(crc32c(ct))
	if f.corrupt {
		sum++
	}
	return &kmspb.EncryptResponse{
		Ciphertext:              ct,
		CiphertextCrc32C:        wrapperspb.Int64(sum),
		VerifiedPlaintextCrc32C: req.PlaintextCrc32C.Value == int64(crc32c(req.Plaintext)),

		VerifiedAdditionalAuthenticatedDataCrc32C: true,
	}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	pt := reverse(req.Ciphertext)
	return &kmspb.DecryptResponse{Plaintext: pt, PlaintextCrc32C: wrapperspb.Int64(int64(crc32c(pt)))}, nil
}

func (f *fakeKMS) GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	state := f.states[len(f.states)-1]
	if f.getCalls < len(f.states) {
		state = f.states[f.getCalls]
	}
	f.getCalls++
	return &kmspb.CryptoKey{
		Name:    req.Name,
		Purpose: kmspb.CryptoKey_ENCRYPT_DECRYPT,
		Primary: &kmspb.CryptoKeyVersion{State: state},
	}, nil
}

func (f *fakeKMS) Close() error { return nil }

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func TestCrypter(t *testing.T) {
	crypter := &KMSCrypter{client: &fakeKMS{}, keyResourceName: "projects/p/locations/l/keyRings/r/cryptoKeys/k"}

	message := []byte("this is a test message")
	encrypted, err := crypter.Encrypt(message)
	if err != nil {
		t.Fatal(err)
	}

	decrypted, err := crypter.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(decrypted, message) {
		t.Fatal("decrypted does not match original message")
	}
}

func TestCrypterDetectsCorruption(t *testing.T) {
	crypter := &KMSCrypter{client: &fakeKMS{corrupt: true}, keyResourceName: "k"}

	if _, err := crypter.Encrypt([]byte("x")); err == nil {
		t.Fatal("expected corrupted response to be rejected")
	}
}

func TestWaitForKey(t *testing.T) {
	fake := &fakeKMS{states: []kmspb.CryptoKeyVersion_CryptoKeyVersionState{
		kmspb.CryptoKeyVersion_PENDING_GENERATION,
		kmspb.CryptoKeyVersion_ENABLED,
	}}

	if err := waitForKey(context.Background(), fake, "k"); err != nil {
		t.Fatal(err)
	}

	if fake.getCalls != 2 {
		t.Fatalf("expected 2 lookups, got %d", fake.getCalls)
	}
}

// Needs to be run manually with proper env configuration
// It's skipped during standard test execution
func TestCrypterLive(t *testing.T) {
	name := os.Getenv("BLAZE_TEST_GOOGLE_KMS_KEY")
	if name == "" {
		t.Skip("skipping since BLAZE_TEST_GOOGLE_KMS_KEY is not set")
	}

	crypter, err := NewKMSCrypter(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	defer crypter.Close()

	encrypted, err := crypter.Encrypt([]byte("live"))
	if err != nil {
		t.Fatal(err)
	}

	decrypted, err := crypter.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}

	if string(decrypted) != "live" {
		t.Fatal("decrypted does not match original message")
	}
}
