package keys

import (
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	"gorm.io/gorm"
)

// MaxPreKeyID is the largest prekey id; ids wrap around to 1.
const MaxPreKeyID = 0xFFFFFF

func preKeyID(counter uint32) uint32 {
	return counter%MaxPreKeyID + 1
}

// PreKeyStore holds one-time prekeys. A prekey is removed once a peer used
// it to set up a session.
type PreKeyStore struct {
	mu  sync.Mutex
	svc *Service
}

func (s *PreKeyStore) Load(id uint32) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(id)
}

func (s *PreKeyStore) load(id uint32) ([]byte, bool, error) {
	k, err := s.svc.store.PreKey(id)
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.KeyStoreIO("load prekey", err)
	}

	record, err := s.svc.open(k.Record)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *PreKeyStore) Contains(id uint32) (bool, error) {
	_, found, err := s.Load(id)
	return found, err
}

func (s *PreKeyStore) Store(id uint32, record []byte) error {
	sealed, err := s.svc.seal(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.KeyStoreIO("store prekey", s.svc.store.SavePreKey(&PreKey{PreKeyID: id, Record: sealed}))
}

func (s *PreKeyStore) Remove(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.KeyStoreIO("remove prekey", s.svc.store.DeletePreKey(id))
}

func (s *PreKeyStore) Count() (int64, error) {
	n, err := s.svc.store.PreKeyCount()
	return n, errors.KeyStoreIO("count prekeys", err)
}

// Generate creates n new one-time prekeys and returns them for publishing.
func (s *PreKeyStore) Generate(n int) ([]*ratchet.PreKeyPair, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid prekey batch size %d", n)
	}

	start, err := s.svc.Identities.NextPreKeyID(uint32(n))
	if err != nil {
		return nil, err
	}

	rows := make([]PreKey, 0, n)
	pairs := make([]*ratchet.PreKeyPair, 0, n)

	for i := 0; i < n; i++ {
		id := preKeyID(start + uint32(i))

		record, err := s.svc.prims.GeneratePreKey(id)
		if err != nil {
			return nil, err
		}
		pair, err := s.svc.prims.ParsePreKey(record)
		if err != nil {
			return nil, err
		}
		sealed, err := s.svc.seal(record)
		if err != nil {
			return nil, err
		}

		rows = append(rows, PreKey{PreKeyID: id, Record: sealed})
		pairs = append(pairs, pair)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.svc.store.InsertPreKeys(rows); err != nil {
		return nil, errors.KeyStoreIO("store prekeys", err)
	}

	return pairs, nil
}

// SignedPreKeyStore holds signed prekeys. The newest one is active; older
// ones are kept until purged so late session setups still succeed.
type SignedPreKeyStore struct {
	mu  sync.Mutex
	svc *Service
}

func (s *SignedPreKeyStore) Load(id uint32) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(id)
}

func (s *SignedPreKeyStore) load(id uint32) ([]byte, bool, error) {
	k, err := s.svc.store.SignedPreKey(id)
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.KeyStoreIO("load signed prekey", err)
	}

	record, err := s.svc.open(k.Record)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *SignedPreKeyStore) Contains(id uint32) (bool, error) {
	_, found, err := s.Load(id)
	return found, err
}

func (s *SignedPreKeyStore) Store(id uint32, record []byte) error {
	pair, err := s.svc.prims.ParseSignedPreKey(record)
	if err != nil {
		return err
	}
	sealed, err := s.svc.seal(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := SignedPreKey{PreKeyID: id, Record: sealed, Timestamp: pair.Timestamp}
	return errors.KeyStoreIO("store signed prekey", s.svc.store.SaveSignedPreKey(&k))
}

func (s *SignedPreKeyStore) Remove(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.KeyStoreIO("remove signed prekey", s.svc.store.DeleteSignedPreKey(id))
}

// Active returns the newest signed prekey, or nil if none was created yet.
func (s *SignedPreKeyStore) Active() (*ratchet.SignedPreKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.svc.store.LatestSignedPreKey()
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.KeyStoreIO("load signed prekey", err)
	}

	record, err := s.svc.open(k.Record)
	if err != nil {
		return nil, err
	}
	return s.svc.prims.ParseSignedPreKey(record)
}

// Rotate creates a new active signed prekey.
func (s *SignedPreKeyStore) Rotate(now time.Time) (*ratchet.SignedPreKeyPair, error) {
	identity, err := s.svc.Identities.LocalIdentity()
	if err != nil {
		return nil, err
	}

	counter, err := s.svc.Identities.NextPreKeyID(1)
	if err != nil {
		return nil, err
	}

	record, err := s.svc.prims.GenerateSignedPreKey(preKeyID(counter), identity.PrivateKey, now)
	if err != nil {
		return nil, err
	}

	pair, err := s.svc.prims.ParseSignedPreKey(record)
	if err != nil {
		return nil, err
	}

	if err := s.Store(pair.ID, record); err != nil {
		return nil, err
	}

	return pair, nil
}

// Purge removes signed prekeys created before olderThan, always keeping
// the active one.
func (s *SignedPreKeyStore) Purge(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.svc.store.LatestSignedPreKey()
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.KeyStoreIO("load signed prekey", err)
	}

	n, err := s.svc.store.DeleteSignedPreKeysBefore(olderThan, active.PreKeyID)
	return n, errors.KeyStoreIO("purge signed prekeys", err)
}
