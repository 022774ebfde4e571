package m20261001

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

//
// This is the first migration that initializes the whole DB. All types are
// snapshot here so that the structure and schema state for given point in time
// is preserved and can be rolled back to from later migrations, in case
// there's a need.
//

const ID = "20261001"

type Identity struct {
	Address        string    `gorm:"column:address;primaryKey"`
	RegistrationID uint32    `gorm:"column:registration_id"`
	PublicKey      []byte    `gorm:"column:public_key;not null"`
	PrivateKey     []byte    `gorm:"column:private_key"`
	NextPreKeyID   uint32    `gorm:"column:next_pre_key_id"`
	Timestamp      time.Time `gorm:"column:timestamp"`
}

func (Identity) TableName() string {
	return "identities"
}

type PreKey struct {
	PreKeyID uint32 `gorm:"column:pre_key_id;primaryKey;autoIncrement:false"`
	Record   []byte `gorm:"column:record;not null"`
}

func (PreKey) TableName() string {
	return "prekeys"
}

type SignedPreKey struct {
	PreKeyID  uint32    `gorm:"column:pre_key_id;primaryKey;autoIncrement:false"`
	Record    []byte    `gorm:"column:record;not null"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

func (SignedPreKey) TableName() string {
	return "signed_prekeys"
}

type Session struct {
	Address   string    `gorm:"column:address;primaryKey"`
	Device    uint32    `gorm:"column:device;primaryKey;autoIncrement:false"`
	Record    []byte    `gorm:"column:record;not null"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

func (Session) TableName() string {
	return "sessions"
}

type SenderKey struct {
	GroupID  string `gorm:"column:group_id;primaryKey"`
	SenderID string `gorm:"column:sender_id;primaryKey"`
	Record   []byte `gorm:"column:record;not null"`
}

func (SenderKey) TableName() string {
	return "sender_keys"
}

type Message struct {
	MessageID string `gorm:"column:message_id;primaryKey"`
	Message   []byte `gorm:"column:message;not null"`
	Timestamp int64  `gorm:"column:created_at;not null;index"`
}

type Job struct {
	ID         uuid.UUID      `gorm:"column:id;primary_key;type:uuid;"`
	JobID      string         `gorm:"column:job_id;index"`
	Type       string         `gorm:"column:type"`
	State      string         `gorm:"column:state;default:PENDING;index"`
	Error      string         `gorm:"column:error"`
	ExecCount  int            `gorm:"column:exec_count;default:0"`
	Attributes datatypes.JSON `gorm:"column:attributes"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

type Settings struct {
	gorm.Model
	Authenticated   bool `gorm:"column:authenticated;default:false"`
	MaintenanceMode bool `gorm:"column:maintenance_mode;default:false"`
}

func (Settings) TableName() string {
	return "system_settings"
}

func Migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&Identity{}, &PreKey{}, &SignedPreKey{}, &Session{}, &SenderKey{}); err != nil {
		return err
	}

	if err := tx.Table("messages_blaze").AutoMigrate(&Message{}); err != nil {
		return err
	}

	if err := tx.Table("messages_blaze_outbound").AutoMigrate(&Message{}); err != nil {
		return err
	}

	if err := tx.AutoMigrate(&Job{}, &Settings{}); err != nil {
		return err
	}

	return nil
}

func Rollback(tx *gorm.DB) error {
	if err := tx.Migrator().DropTable(&Job{}, &Settings{}); err != nil {
		return err
	}

	if err := tx.Migrator().DropTable("messages_blaze", "messages_blaze_outbound"); err != nil {
		return err
	}

	if err := tx.Migrator().DropTable(&SenderKey{}, &Session{}, &SignedPreKey{}, &PreKey{}, &Identity{}); err != nil {
		return err
	}

	return nil
}
