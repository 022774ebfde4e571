package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var ErrCiphertextTooShort = errors.New("encryption: ciphertext too short")

// AESCrypter seals messages with AES-GCM. The random nonce is prepended to
// the ciphertext.
type AESCrypter struct {
	key  []byte
	aead cipher.AEAD
}

// NewAESCrypter returns a crypter for a 16, 24 or 32 byte key.
func NewAESCrypter(key []byte) (*AESCrypter, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, err
	}

	k := make([]byte, len(key))
	copy(k, key)

	return &AESCrypter{key: k, aead: gcm}, nil
}

func (s *AESCrypter) Encrypt(message []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(message)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return s.aead.Seal(nonce, nonce, message, nil), nil
}

func (s *AESCrypter) Decrypt(encrypted []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(encrypted) < nonceSize+s.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]

	return s.aead.Open(nil, nonce, ciphertext, nil)
}
