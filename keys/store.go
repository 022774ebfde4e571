package keys

import "time"

// Store is the interface required by the key store for data storage.
// Lookups of missing rows return gorm.ErrRecordNotFound.
type Store interface {
	Identity(address string) (Identity, error)
	SaveIdentity(i *Identity) error
	// IncrementNextPreKeyID advances the prekey counter of address by n and
	// returns the value before the increment.
	IncrementNextPreKeyID(address string, n uint32) (uint32, error)
	DeleteIdentity(address string) error

	PreKey(id uint32) (PreKey, error)
	InsertPreKeys(ks []PreKey) error
	SavePreKey(k *PreKey) error
	DeletePreKey(id uint32) error
	PreKeyCount() (int64, error)

	SignedPreKey(id uint32) (SignedPreKey, error)
	LatestSignedPreKey() (SignedPreKey, error)
	SaveSignedPreKey(k *SignedPreKey) error
	DeleteSignedPreKey(id uint32) error
	DeleteSignedPreKeysBefore(t time.Time, keep uint32) (int64, error)

	Session(address string, device uint32) (Session, error)
	SaveSession(s *Session) error
	DeleteSession(address string, device uint32) error
	DeleteSessions(address string) error
	SessionDevices(address string) ([]uint32, error)

	SenderKey(groupID, senderID string) (SenderKey, error)
	SaveSenderKey(k *SenderKey) error
	DeleteSenderKey(groupID, senderID string) error
	DeleteGroupSenderKeys(groupID string) error

	// DeleteAll removes all key material.
	DeleteAll() error
}
