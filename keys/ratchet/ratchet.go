// Package ratchet is the session primitive library used by the key store.
//
// It implements an X3DH style key agreement on top of X25519 and a symmetric
// hash ratchet per direction, with messages sealed by ChaCha20-Poly1305.
// Every state it hands out is an opaque, self-describing byte slice; callers
// persist those slices and pass them back in unchanged.
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
)

const (
	// IdentityKeySize is the size of both halves of an identity key pair:
	// an ed25519 part for signatures and an X25519 part for agreement.
	IdentityKeySize = ed25519.PublicKeySize + curve25519.PointSize

	// MaxSkip bounds how far ahead of the receive chain a message may be.
	MaxSkip = 1000

	// maxSkippedKeys bounds the stored keys of skipped messages per session.
	maxSkippedKeys = 2000

	ed25519SeedSize   = ed25519.SeedSize
	ed25519PublicSize = ed25519.PublicKeySize
)

var (
	ErrInvalidKey        = errors.New("ratchet: invalid key")
	ErrInvalidSignature  = errors.New("ratchet: invalid signed prekey signature")
	ErrInvalidMessage    = errors.New("ratchet: invalid message")
	ErrInvalidState      = errors.New("ratchet: invalid state")
	ErrDuplicateMessage  = errors.New("ratchet: message key already used")
	ErrTooFarInFuture    = errors.New("ratchet: message too far in the future")
	ErrBaseKeyMismatch   = errors.New("ratchet: prekey message does not belong to session")
	ErrUnknownSenderKey  = errors.New("ratchet: unknown sender key id")
	ErrMissingPrivateKey = errors.New("ratchet: sender key has no signing private key")
)

// Library holds the randomness source. The zero value is not usable, use New.
type Library struct {
	rand io.Reader
}

func New() *Library {
	return &Library{rand: rand.Reader}
}

// Bundle is the public material a peer publishes for asynchronous session
// setup.
type Bundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	IdentityKey           []byte
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	// PreKeyID and PreKey are unset when the peer ran out of one-time prekeys.
	PreKeyID uint32
	PreKey   []byte
}

// PreKeyPair is a decoded one-time prekey record.
type PreKeyPair struct {
	ID         uint32
	PrivateKey []byte
	PublicKey  []byte
}

// SignedPreKeyPair is a decoded signed prekey record.
type SignedPreKeyPair struct {
	PreKeyPair
	Signature []byte
	Timestamp time.Time
}

// GenerateIdentity returns a new identity key pair.
func (l *Library) GenerateIdentity() (public, private []byte, err error) {
	edPub, edPriv, err := ed25519.GenerateKey(l.rand)
	if err != nil {
		return nil, nil, err
	}

	xPriv, xPub, err := l.x25519Pair()
	if err != nil {
		return nil, nil, err
	}

	public = append(append(make([]byte, 0, IdentityKeySize), edPub...), xPub...)
	private = append(append(make([]byte, 0, IdentityKeySize), edPriv.Seed()...), xPriv...)

	return public, private, nil
}

// IdentityPublic derives the public identity key from the private one.
func (l *Library) IdentityPublic(private []byte) ([]byte, error) {
	if len(private) != IdentityKeySize {
		return nil, ErrInvalidKey
	}

	edPriv := ed25519.NewKeyFromSeed(private[:ed25519.SeedSize])
	xPub, err := curve25519.X25519(private[ed25519.SeedSize:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	pub := append(make([]byte, 0, IdentityKeySize), edPriv.Public().(ed25519.PublicKey)...)
	return append(pub, xPub...), nil
}

// GeneratePreKey returns a one-time prekey record.
func (l *Library) GeneratePreKey(id uint32) ([]byte, error) {
	priv, pub, err := l.x25519Pair()
	if err != nil {
		return nil, err
	}

	record := binary.BigEndian.AppendUint32(nil, id)
	record = append(record, priv...)
	return append(record, pub...), nil
}

// ParsePreKey decodes a record produced by GeneratePreKey.
func (l *Library) ParsePreKey(record []byte) (*PreKeyPair, error) {
	if len(record) != 4+2*curve25519.PointSize {
		return nil, fmt.Errorf("%w: prekey record has %d bytes", ErrInvalidState, len(record))
	}

	return &PreKeyPair{
		ID:         binary.BigEndian.Uint32(record),
		PrivateKey: clone(record[4 : 4+curve25519.ScalarSize]),
		PublicKey:  clone(record[4+curve25519.ScalarSize:]),
	}, nil
}

// GenerateSignedPreKey returns a signed prekey record, its public half signed
// with the identity key.
func (l *Library) GenerateSignedPreKey(id uint32, identityPrivate []byte, now time.Time) ([]byte, error) {
	if len(identityPrivate) != IdentityKeySize {
		return nil, ErrInvalidKey
	}

	record, err := l.GeneratePreKey(id)
	if err != nil {
		return nil, err
	}

	edPriv := ed25519.NewKeyFromSeed(identityPrivate[:ed25519.SeedSize])
	sig := ed25519.Sign(edPriv, record[4+curve25519.ScalarSize:])

	record = append(record, sig...)
	return binary.BigEndian.AppendUint64(record, uint64(now.UnixMilli())), nil
}

// ParseSignedPreKey decodes a record produced by GenerateSignedPreKey.
func (l *Library) ParseSignedPreKey(record []byte) (*SignedPreKeyPair, error) {
	const base = 4 + 2*curve25519.PointSize
	if len(record) != base+ed25519.SignatureSize+8 {
		return nil, fmt.Errorf("%w: signed prekey record has %d bytes", ErrInvalidState, len(record))
	}

	pair, err := l.ParsePreKey(record[:base])
	if err != nil {
		return nil, err
	}

	return &SignedPreKeyPair{
		PreKeyPair: *pair,
		Signature:  clone(record[base : base+ed25519.SignatureSize]),
		Timestamp:  time.UnixMilli(int64(binary.BigEndian.Uint64(record[base+ed25519.SignatureSize:]))),
	}, nil
}

// VerifyBundle checks the signed prekey signature of a bundle.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.IdentityKey) != IdentityKeySize || len(b.SignedPreKey) != curve25519.PointSize {
		return ErrInvalidKey
	}
	if b.PreKey != nil && len(b.PreKey) != curve25519.PointSize {
		return ErrInvalidKey
	}
	if !ed25519.Verify(ed25519.PublicKey(b.IdentityKey[:ed25519.PublicKeySize]), b.SignedPreKey, b.SignedPreKeySignature) {
		return ErrInvalidSignature
	}
	return nil
}

func (l *Library) x25519Pair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(l.rand, priv); err != nil {
		return nil, nil, err
	}

	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	return priv, pub, nil
}

func (l *Library) randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(l.rand, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
