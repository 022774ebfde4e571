package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/flow-hydraulics/blaze-client/configs"
	"github.com/flow-hydraulics/blaze-client/keys/aws"
	"github.com/flow-hydraulics/blaze-client/keys/encryption"
	"github.com/flow-hydraulics/blaze-client/keys/google"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	log "github.com/sirupsen/logrus"
)

// Primitives is the session primitive library. Every []byte it returns or
// accepts as state is opaque to the key store.
type Primitives interface {
	GenerateIdentity() (public, private []byte, err error)
	IdentityPublic(private []byte) ([]byte, error)
	GeneratePreKey(id uint32) ([]byte, error)
	ParsePreKey(record []byte) (*ratchet.PreKeyPair, error)
	GenerateSignedPreKey(id uint32, identityPrivate []byte, now time.Time) ([]byte, error)
	ParseSignedPreKey(record []byte) (*ratchet.SignedPreKeyPair, error)

	InitiateSession(identityPrivate []byte, registrationID uint32, bundle *ratchet.Bundle) ([]byte, error)
	RespondSession(identityPrivate, signedPreKey, oneTimePreKey, message []byte) ([]byte, error)
	ParsePreKeyMessage(message []byte) (*ratchet.PreKeyHeader, error)
	SessionInfo(session []byte) (*ratchet.SessionInfo, error)
	Encrypt(session, plaintext []byte) (next, message []byte, err error)
	Decrypt(session, message []byte) (next, plaintext []byte, err error)

	NewSenderKey() ([]byte, error)
	SenderKeyDistribution(record []byte) ([]byte, error)
	ProcessSenderKeyDistribution(message []byte) ([]byte, error)
	GroupEncrypt(record, plaintext []byte) (next, message []byte, err error)
	GroupDecrypt(record, message []byte) (next, plaintext []byte, err error)
}

// Service is the key store. Each key class has its own store with its own
// lock; multi-class operations take them in the order sessions, sender
// keys, identities, signed prekeys, prekeys.
type Service struct {
	store   Store
	crypter encryption.Crypter
	prims   Primitives
	logger  *log.Logger
	local   Address

	Identities    *IdentityStore
	PreKeys       *PreKeyStore
	SignedPreKeys *SignedPreKeyStore
	Sessions      *SessionStore
	SenderKeys    *SenderKeyStore
}

type ServiceOption func(*Service)

func WithCrypter(c encryption.Crypter) ServiceOption {
	return func(s *Service) {
		s.crypter = c
	}
}

func WithPrimitives(p Primitives) ServiceOption {
	return func(s *Service) {
		s.prims = p
	}
}

func WithLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService returns a key store for the local device address.
func NewService(store Store, local Address, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		prims: ratchet.New(),
		local: local,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = log.StandardLogger()
	}

	s.Identities = &IdentityStore{svc: s}
	s.PreKeys = &PreKeyStore{svc: s}
	s.SignedPreKeys = &SignedPreKeyStore{svc: s}
	s.Sessions = &SessionStore{svc: s}
	s.SenderKeys = &SenderKeyStore{svc: s}

	return s
}

func (s *Service) LocalAddress() Address {
	return s.local
}

func (s *Service) seal(record []byte) ([]byte, error) {
	return Seal(s.crypter, record)
}

func (s *Service) open(stored []byte) ([]byte, error) {
	return Open(s.crypter, stored)
}

// NewCrypter returns the at-rest crypter selected by the configuration, or
// nil when no encryption key is configured.
func NewCrypter(ctx context.Context, cfg *configs.Config) (encryption.Crypter, error) {
	if cfg.EncryptionKey == "" {
		log.Warn("BLAZE_ENCRYPTION_KEY not set, key records are stored unencrypted")
		return nil, nil
	}

	switch cfg.EncryptionKeyType {
	case encryption.EncryptionKeyTypeLocal:
		return encryption.NewAESCrypter([]byte(cfg.EncryptionKey))
	case encryption.EncryptionKeyTypeAWSKMS:
		return aws.NewKMSCrypter(ctx, cfg.EncryptionKey)
	case encryption.EncryptionKeyTypeGoogleKMS:
		return google.NewKMSCrypter(ctx, cfg.EncryptionKey)
	default:
		return nil, fmt.Errorf("encryption key type '%s' not supported", cfg.EncryptionKeyType)
	}
}
