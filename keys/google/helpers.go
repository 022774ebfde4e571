package google

import (
	"context"
	"fmt"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
	kmspb "google.golang.org/genproto/googleapis/cloud/kms/v1"
)

// gcpClient adapts the generated client to kmsAPI.
type gcpClient struct {
	c *kms.KeyManagementClient
}

func (g *gcpClient) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	return g.c.Encrypt(ctx, req)
}

func (g *gcpClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	return g.c.Decrypt(ctx, req)
}

func (g *gcpClient) GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	return g.c.GetCryptoKey(ctx, req)
}

func (g *gcpClient) Close() error {
	return g.c.Close()
}

var keyWaitTimeout = 5 * time.Minute

func waitForKey(ctx context.Context, client kmsAPI, keyResourceName string) error {
	ctx, cancel := context.WithTimeout(ctx, keyWaitTimeout)
	defer cancel()

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    time.Minute,
		Factor: 5,
		Jitter: true,
	}

	for {
		key, err := client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: keyResourceName})
		if err != nil {
			return err
		}
		if key.Purpose != kmspb.CryptoKey_ENCRYPT_DECRYPT {
			return fmt.Errorf("key %s is not a symmetric encryption key", keyResourceName)
		}
		if key.Primary != nil && key.Primary.State == kmspb.CryptoKeyVersion_ENABLED {
			return nil
		}

		log.WithFields(log.Fields{"key": keyResourceName}).Debug("Waiting for primary key version")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
