package keys

import (
	"time"

	"github.com/flow-hydraulics/blaze-client/datastore/lib"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db}
}

func upsert() clause.OnConflict {
	return clause.OnConflict{UpdateAll: true}
}

func (s *GormStore) Identity(address string) (i Identity, err error) {
	err = s.db.Where(&Identity{Address: address}).First(&i).Error
	return
}

func (s *GormStore) SaveIdentity(i *Identity) error {
	return s.db.Clauses(upsert()).Create(i).Error
}

func (s *GormStore) IncrementNextPreKeyID(address string, n uint32) (prev uint32, err error) {
	err = lib.GormTransaction(s.db, func(tx *gorm.DB) error {
		i := Identity{}
		if err := tx.Where(&Identity{Address: address}).First(&i).Error; err != nil {
			return err
		}
		prev = i.NextPreKeyID
		return tx.Model(&Identity{}).
			Where("address = ?", address).
			Update("next_pre_key_id", gorm.Expr("next_pre_key_id + ?", n)).Error
	})
	return
}

func (s *GormStore) DeleteIdentity(address string) error {
	return s.db.Where("address = ?", address).Delete(&Identity{}).Error
}

func (s *GormStore) PreKey(id uint32) (k PreKey, err error) {
	err = s.db.Where("pre_key_id = ?", id).First(&k).Error
	return
}

func (s *GormStore) InsertPreKeys(ks []PreKey) error {
	if len(ks) == 0 {
		return nil
	}
	return s.db.Clauses(upsert()).CreateInBatches(ks, 100).Error
}

func (s *GormStore) SavePreKey(k *PreKey) error {
	return s.db.Clauses(upsert()).Create(k).Error
}

func (s *GormStore) DeletePreKey(id uint32) error {
	return s.db.Where("pre_key_id = ?", id).Delete(&PreKey{}).Error
}

func (s *GormStore) PreKeyCount() (n int64, err error) {
	err = s.db.Model(&PreKey{}).Count(&n).Error
	return
}

func (s *GormStore) SignedPreKey(id uint32) (k SignedPreKey, err error) {
	err = s.db.Where("pre_key_id = ?", id).First(&k).Error
	return
}

func (s *GormStore) LatestSignedPreKey() (k SignedPreKey, err error) {
	err = s.db.Order("timestamp desc").Order("pre_key_id desc").First(&k).Error
	return
}

func (s *GormStore) SaveSignedPreKey(k *SignedPreKey) error {
	return s.db.Clauses(upsert()).Create(k).Error
}

func (s *GormStore) DeleteSignedPreKey(id uint32) error {
	return s.db.Where("pre_key_id = ?", id).Delete(&SignedPreKey{}).Error
}

func (s *GormStore) DeleteSignedPreKeysBefore(t time.Time, keep uint32) (int64, error) {
	res := s.db.Where("timestamp < ? AND pre_key_id <> ?", t, keep).Delete(&SignedPreKey{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Session(address string, device uint32) (r Session, err error) {
	err = s.db.Where("address = ? AND device = ?", address, device).First(&r).Error
	return
}

func (s *GormStore) SaveSession(r *Session) error {
	return s.db.Clauses(upsert()).Create(r).Error
}

func (s *GormStore) DeleteSession(address string, device uint32) error {
	return s.db.Where("address = ? AND device = ?", address, device).Delete(&Session{}).Error
}

func (s *GormStore) DeleteSessions(address string) error {
	return s.db.Where("address = ?", address).Delete(&Session{}).Error
}

func (s *GormStore) SessionDevices(address string) (ds []uint32, err error) {
	err = s.db.Model(&Session{}).Where("address = ?", address).Order("device asc").Pluck("device", &ds).Error
	return
}

func (s *GormStore) SenderKey(groupID, senderID string) (k SenderKey, err error) {
	err = s.db.Where("group_id = ? AND sender_id = ?", groupID, senderID).First(&k).Error
	return
}

func (s *GormStore) SaveSenderKey(k *SenderKey) error {
	return s.db.Clauses(upsert()).Create(k).Error
}

func (s *GormStore) DeleteSenderKey(groupID, senderID string) error {
	return s.db.Where("group_id = ? AND sender_id = ?", groupID, senderID).Delete(&SenderKey{}).Error
}

func (s *GormStore) DeleteGroupSenderKeys(groupID string) error {
	return s.db.Where("group_id = ?", groupID).Delete(&SenderKey{}).Error
}

func (s *GormStore) DeleteAll() error {
	return lib.GormTransaction(s.db, func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, m := range []interface{}{&SenderKey{}, &Session{}, &SignedPreKey{}, &PreKey{}, &Identity{}} {
			if err := all.Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
