// Package google provides a Google Cloud KMS backed crypter for key records at rest.
package google

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "google.golang.org/genproto/googleapis/cloud/kms/v1"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const requestTimeout = 10 * time.Second

// aad is bound to every ciphertext.
var aad = []byte("blaze-key-record")

// kmsAPI is the subset of the Cloud KMS client used by the crypter.
type kmsAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
	GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error)
	Close() error
}

type KMSCrypter struct {
	client          kmsAPI
	keyResourceName string
}

// NewKMSCrypter dials Cloud KMS and waits until the primary version of the
// symmetric key is enabled.
func NewKMSCrypter(ctx context.Context, keyResourceName string) (*KMSCrypter, error) {
	c, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create kms client: %w", err)
	}

	crypter := &KMSCrypter{client: &gcpClient{c}, keyResourceName: keyResourceName}

	if err := waitForKey(ctx, crypter.client, keyResourceName); err != nil {
		c.Close()
		return nil, err
	}

	return crypter, nil
}

// Close closes the client connection to avoid leaking goroutines.
func (c *KMSCrypter) Close() error {
	return c.client.Close()
}

func (c *KMSCrypter) Encrypt(message []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req := &kmspb.EncryptRequest{
		Name:                              c.keyResourceName,
		Plaintext:                         message,
		PlaintextCrc32C:                   wrapperspb.Int64(int64(crc32c(message))),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(int64(crc32c(aad))),
	}

	result, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	// For more details on ensuring E2E in-transit integrity to and from Cloud KMS visit:
	// https://cloud.google.com/kms/docs/data-integrity-guidelines
	if !result.VerifiedPlaintextCrc32C || !result.VerifiedAdditionalAuthenticatedDataCrc32C {
		return nil, fmt.Errorf("Encrypt: request corrupted in-transit")
	}
	if result.CiphertextCrc32C == nil || int64(crc32c(result.Ciphertext)) != result.CiphertextCrc32C.Value {
		return nil, fmt.Errorf("Encrypt: response corrupted in-transit")
	}

	return result.Ciphertext, nil
}

func (c *KMSCrypter) Decrypt(encrypted []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req := &kmspb.DecryptRequest{
		Name:                              c.keyResourceName,
		Ciphertext:                        encrypted,
		CiphertextCrc32C:                  wrapperspb.Int64(int64(crc32c(encrypted))),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(int64(crc32c(aad))),
	}

	result, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt ciphertext: %w", err)
	}

	if result.PlaintextCrc32C == nil || int64(crc32c(result.Plaintext)) != result.PlaintextCrc32C.Value {
		return nil, fmt.Errorf("Decrypt: response corrupted in-transit")
	}

	return result.Plaintext, nil
}

func crc32c(data []byte) uint32 {
	t := crc32.MakeTable(crc32.Castagnoli)
	return crc32.Checksum(data, t)
}
