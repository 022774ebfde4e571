// Package aws provides an AWS KMS backed crypter for key records at rest.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// Bound for a single KMS round trip. Crypter methods carry no context.
const requestTimeout = 10 * time.Second

// encryptionContext is bound to every ciphertext; a blob encrypted for
// another purpose with the same key will not decrypt here.
var encryptionContext = map[string]string{"purpose": "blaze-key-record"}

type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type KMSCrypter struct {
	client kmsAPI
	keyARN string
}

// NewKMSCrypter loads the default AWS configuration and returns a crypter
// using the symmetric key identified by keyARN.
func NewKMSCrypter(ctx context.Context, keyARN string) (*KMSCrypter, error) {
	if !arn.IsARN(keyARN) {
		return nil, fmt.Errorf("keys/aws: %q is not a valid AWS KMS key ARN", keyARN)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("keys/aws: configuration error: %w", err)
	}

	return &KMSCrypter{client: kms.NewFromConfig(awsCfg), keyARN: keyARN}, nil
}

func (c *KMSCrypter) Encrypt(message []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	out, err := c.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:               aws.String(c.keyARN),
		Plaintext:           message,
		EncryptionAlgorithm: types.EncryptionAlgorithmSpecSymmetricDefault,
		EncryptionContext:   encryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("keys/aws: failed to encrypt: %w", err)
	}

	return out.CiphertextBlob, nil
}

func (c *KMSCrypter) Decrypt(encrypted []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	out, err := c.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:               aws.String(c.keyARN),
		CiphertextBlob:      encrypted,
		EncryptionAlgorithm: types.EncryptionAlgorithmSpecSymmetricDefault,
		EncryptionContext:   encryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("keys/aws: failed to decrypt: %w", err)
	}

	return out.Plaintext, nil
}
