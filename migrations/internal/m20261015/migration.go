package m20261015

import (
	"time"

	"gorm.io/gorm"
)

const ID = "20261015"

// Session snapshot for the address lookup index used when archiving every
// device session of a peer.
type Session struct {
	Address   string    `gorm:"column:address;primaryKey;index:idx_sessions_address_timestamp"`
	Device    uint32    `gorm:"column:device;primaryKey;autoIncrement:false"`
	Record    []byte    `gorm:"column:record;not null"`
	Timestamp time.Time `gorm:"column:timestamp;index:idx_sessions_address_timestamp"`
}

func (Session) TableName() string {
	return "sessions"
}

func Migrate(tx *gorm.DB) error {
	if tx.Migrator().HasIndex(&Session{}, "idx_sessions_address_timestamp") {
		return nil
	}
	return tx.Migrator().CreateIndex(&Session{}, "idx_sessions_address_timestamp")
}

func Rollback(tx *gorm.DB) error {
	return tx.Migrator().DropIndex(&Session{}, "idx_sessions_address_timestamp")
}
