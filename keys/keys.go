// Package keys provides the key store: identity keys, one-time prekeys,
// signed prekeys, pairwise sessions and group sender keys.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Address identifies one device of a peer.
type Address struct {
	Name     string
	DeviceID uint32
}

func (a Address) String() string {
	return a.Name + ":" + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// ParseAddress parses the "<name>:<deviceId>" form. Names may contain colons;
// the device id follows the last one.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}

	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("invalid device id in address %q: %w", s, err)
	}

	return Address{Name: s[:i], DeviceID: uint32(id)}, nil
}

// Identity is the long-term identity key of a peer. PrivateKey is only set
// for the local identity and is stored sealed.
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

// SenderKeyName identifies the sender key of one sender device in a group.
type SenderKeyName struct {
	GroupID string
	Sender  Address
}
