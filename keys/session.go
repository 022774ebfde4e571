package keys

import (
	goerrors "errors"
	"sync"
	"time"

	"github.com/flow-hydraulics/blaze-client/errors"
	"gorm.io/gorm"
)

// SessionStore holds one ratchet session per peer device.
type SessionStore struct {
	mu  sync.Mutex
	svc *Service
}

func (s *SessionStore) Load(addr Address) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(addr)
}

func (s *SessionStore) load(addr Address) ([]byte, bool, error) {
	r, err := s.svc.store.Session(addr.Name, addr.DeviceID)
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.KeyStoreIO("load session", err)
	}

	record, err := s.svc.open(r.Record)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *SessionStore) Contains(addr Address) (bool, error) {
	_, found, err := s.Load(addr)
	return found, err
}

func (s *SessionStore) Store(addr Address, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store(addr, record)
}

func (s *SessionStore) store(addr Address, record []byte) error {
	sealed, err := s.svc.seal(record)
	if err != nil {
		return err
	}

	r := Session{Address: addr.Name, Device: addr.DeviceID, Record: sealed, Timestamp: time.Now()}
	return errors.KeyStoreIO("store session", s.svc.store.SaveSession(&r))
}

func (s *SessionStore) Remove(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.KeyStoreIO("remove session", s.svc.store.DeleteSession(addr.Name, addr.DeviceID))
}

// DeviceIDs lists the devices of name that have a session.
func (s *SessionStore) DeviceIDs(name string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.svc.store.SessionDevices(name)
	return ids, errors.KeyStoreIO("list session devices", err)
}

// DeleteAll archives every session with name; the next send starts a new
// session setup.
func (s *SessionStore) DeleteAll(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.KeyStoreIO("remove sessions", s.svc.store.DeleteSessions(name))
}

// SenderKeyStore holds group sender keys by (group, sender device).
type SenderKeyStore struct {
	mu  sync.Mutex
	svc *Service
}

func (s *SenderKeyStore) Load(name SenderKeyName) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(name)
}

func (s *SenderKeyStore) load(name SenderKeyName) ([]byte, bool, error) {
	k, err := s.svc.store.SenderKey(name.GroupID, name.Sender.String())
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.KeyStoreIO("load sender key", err)
	}

	record, err := s.svc.open(k.Record)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *SenderKeyStore) Contains(name SenderKeyName) (bool, error) {
	_, found, err := s.Load(name)
	return found, err
}

func (s *SenderKeyStore) Store(name SenderKeyName, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store(name, record)
}

func (s *SenderKeyStore) store(name SenderKeyName, record []byte) error {
	sealed, err := s.svc.seal(record)
	if err != nil {
		return err
	}

	k := SenderKey{GroupID: name.GroupID, SenderID: name.Sender.String(), Record: sealed}
	return errors.KeyStoreIO("store sender key", s.svc.store.SaveSenderKey(&k))
}

func (s *SenderKeyStore) Remove(name SenderKeyName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.KeyStoreIO("remove sender key", s.svc.store.DeleteSenderKey(name.GroupID, name.Sender.String()))
}

// RemoveGroup drops every sender key of a group after a membership change.
func (s *SenderKeyStore) RemoveGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.KeyStoreIO("remove group sender keys", s.svc.store.DeleteGroupSenderKeys(groupID))
}
