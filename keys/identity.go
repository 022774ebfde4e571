package keys

import (
	"bytes"
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/flow-hydraulics/blaze-client/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrNoLocalIdentity    = goerrors.New("keys: local identity not created")
	ErrLocalIdentityWrite = goerrors.New("keys: local identity can only be replaced with SaveLocalIdentity")
	ErrUntrustedIdentity  = goerrors.New("keys: identity key changed")
)

// LocalIdentity is the decoded identity key pair of this device.
type LocalIdentity struct {
	RegistrationID uint32
	PublicKey      []byte
	PrivateKey     []byte
}

// IdentityStore holds identity keys by peer name. Records are public keys.
type IdentityStore struct {
	mu  sync.Mutex
	svc *Service
}

func (s *IdentityStore) Load(name string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(name)
}

func (s *IdentityStore) load(name string) ([]byte, bool, error) {
	i, err := s.svc.store.Identity(name)
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.KeyStoreIO("load identity", err)
	}
	return i.PublicKey, true, nil
}

func (s *IdentityStore) Contains(name string) (bool, error) {
	_, found, err := s.Load(name)
	return found, err
}

// Store saves the identity key of a peer.
func (s *IdentityStore) Store(name string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.save(name, publicKey)
	return err
}

func (s *IdentityStore) save(name string, publicKey []byte) (changed bool, err error) {
	i, err := s.svc.store.Identity(name)
	switch {
	case goerrors.Is(err, gorm.ErrRecordNotFound):
		i = Identity{Address: name}
	case err != nil:
		return false, errors.KeyStoreIO("load identity", err)
	case bytes.Equal(i.PublicKey, publicKey):
		return false, nil
	case i.PrivateKey != nil:
		return false, ErrLocalIdentityWrite
	default:
		changed = true
	}

	i.PublicKey = clone(publicKey)
	i.Timestamp = time.Now()

	if err := s.svc.store.SaveIdentity(&i); err != nil {
		return false, errors.KeyStoreIO("store identity", err)
	}

	return changed, nil
}

// Remove deletes the identity of a peer. The local identity is only removed
// through DeleteAll.
func (s *IdentityStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == s.svc.local.Name {
		return ErrLocalIdentityWrite
	}

	return errors.KeyStoreIO("remove identity", s.svc.store.DeleteIdentity(name))
}

// IsTrusted reports whether publicKey may be used for name. Unknown
// identities are trusted on first use.
func (s *IdentityStore) IsTrusted(name string, publicKey []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isTrusted(name, publicKey)
}

func (s *IdentityStore) isTrusted(name string, publicKey []byte) (bool, error) {
	existing, found, err := s.load(name)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return bytes.Equal(existing, publicKey), nil
}

// SaveTrusted checks and stores the identity key of a peer in one step.
func (s *IdentityStore) SaveTrusted(name string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trusted, err := s.isTrusted(name, publicKey)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, name)
	}

	_, err = s.save(name, publicKey)
	return err
}

// LocalIdentity returns the identity key pair of this device.
func (s *IdentityStore) LocalIdentity() (*LocalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.localIdentity()
}

func (s *IdentityStore) localIdentity() (*LocalIdentity, error) {
	i, err := s.svc.store.Identity(s.svc.local.Name)
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoLocalIdentity
	}
	if err != nil {
		return nil, errors.KeyStoreIO("load local identity", err)
	}
	if i.PrivateKey == nil {
		return nil, ErrNoLocalIdentity
	}

	priv, err := s.svc.open(i.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &LocalIdentity{RegistrationID: i.RegistrationID, PublicKey: i.PublicKey, PrivateKey: priv}, nil
}

// SaveLocalIdentity stores the identity key pair of this device, keeping the
// prekey counter of a previous one.
func (s *IdentityStore) SaveLocalIdentity(id *LocalIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocalIdentity(id)
}

func (s *IdentityStore) saveLocalIdentity(id *LocalIdentity) error {
	sealed, err := s.svc.seal(id.PrivateKey)
	if err != nil {
		return err
	}

	next := uint32(0)
	prev, err := s.svc.store.Identity(s.svc.local.Name)
	switch {
	case err == nil:
		next = prev.NextPreKeyID
	case !goerrors.Is(err, gorm.ErrRecordNotFound):
		return errors.KeyStoreIO("load local identity", err)
	}

	i := Identity{
		Address:        s.svc.local.Name,
		RegistrationID: id.RegistrationID,
		PublicKey:      clone(id.PublicKey),
		PrivateKey:     sealed,
		NextPreKeyID:   next,
		Timestamp:      time.Now(),
	}

	return errors.KeyStoreIO("store local identity", s.svc.store.SaveIdentity(&i))
}

// GenerateLocalIdentity creates and stores a new identity key pair unless
// one already exists.
func (s *IdentityStore) GenerateLocalIdentity(registrationID uint32) (*LocalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.localIdentity()
	if err == nil {
		return existing, nil
	}
	if !goerrors.Is(err, ErrNoLocalIdentity) {
		return nil, err
	}

	pub, priv, err := s.svc.prims.GenerateIdentity()
	if err != nil {
		return nil, err
	}

	id := &LocalIdentity{RegistrationID: registrationID, PublicKey: pub, PrivateKey: priv}
	if err := s.saveLocalIdentity(id); err != nil {
		return nil, err
	}

	s.svc.logger.WithFields(log.Fields{"address": s.svc.local.String()}).Info("Created local identity")

	return id, nil
}

// NextPreKeyID reserves n consecutive prekey counter values and returns the
// first one.
func (s *IdentityStore) NextPreKeyID(n uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.svc.store.IncrementNextPreKeyID(s.svc.local.Name, n)
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNoLocalIdentity
	}
	return prev, errors.KeyStoreIO("increment prekey id", err)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
