// Package encryption provides encryption and decryption of key records at rest.
package encryption

const (
	EncryptionKeyTypeLocal     = "local"
	EncryptionKeyTypeAWSKMS    = "aws_kms"
	EncryptionKeyTypeGoogleKMS = "google_kms"
)

type Crypter interface {
	Encrypt(message []byte) (encrypted []byte, err error)
	Decrypt(encrypted []byte) (message []byte, err error)
}
