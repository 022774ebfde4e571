package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	whisperType byte = 0x01
	preKeyType  byte = 0x02

	chainKeySize     = 32
	whisperHeaderLen = 1 + 4
	preKeyHeaderLen  = 1 + 4 + IdentityKeySize + curve25519.PointSize + 4 + 4 + 1

	agreementInfo   = "BlazeX3DH"
	messageKeysInfo = "BlazeMessageKeys"
)

// PreKeyHeader is carried by every message an initiator sends until the
// responder has replied. It tells the responder which of its prekeys were
// used to set up the session.
type PreKeyHeader struct {
	RegistrationID uint32
	IdentityKey    []byte
	BaseKey        []byte
	SignedPreKeyID uint32
	PreKeyID       uint32
	HasPreKey      bool
}

// SessionInfo exposes the identifying parts of a session record.
type SessionInfo struct {
	RemoteIdentity []byte
	BaseKey        []byte
	// Pending is true while the session was initiated locally and no reply
	// has been received yet.
	Pending bool
}

// InitiateSession runs the initiator side of the key agreement against a
// peer bundle and returns a new session record.
func (l *Library) InitiateSession(identityPrivate []byte, registrationID uint32, bundle *Bundle) ([]byte, error) {
	if err := VerifyBundle(bundle); err != nil {
		return nil, err
	}

	identityPublic, err := l.IdentityPublic(identityPrivate)
	if err != nil {
		return nil, err
	}

	ePriv, ePub, err := l.x25519Pair()
	if err != nil {
		return nil, err
	}

	ownX := identityPrivate[ed25519SeedSize:]
	remoteX := bundle.IdentityKey[ed25519PublicSize:]

	secrets := make([][]byte, 0, 4)
	for _, pair := range [][2][]byte{
		{ownX, bundle.SignedPreKey},
		{ePriv, remoteX},
		{ePriv, bundle.SignedPreKey},
	} {
		dh, err := curve25519.X25519(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		secrets = append(secrets, dh)
	}
	if bundle.PreKey != nil {
		dh, err := curve25519.X25519(ePriv, bundle.PreKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		secrets = append(secrets, dh)
	}

	ab, ba, err := deriveChains(secrets)
	if err != nil {
		return nil, err
	}

	s := &sessionState{
		localIdentity:  identityPublic,
		remoteIdentity: clone(bundle.IdentityKey),
		baseKey:        ePub,
		sendChain:      ab,
		recvChain:      ba,
		pending: &PreKeyHeader{
			RegistrationID: registrationID,
			SignedPreKeyID: bundle.SignedPreKeyID,
			PreKeyID:       bundle.PreKeyID,
			HasPreKey:      bundle.PreKey != nil,
		},
	}

	return s.marshal(), nil
}

// RespondSession runs the responder side of the key agreement for an
// incoming prekey message. oneTimePreKey is nil when the header names none.
func (l *Library) RespondSession(identityPrivate, signedPreKey, oneTimePreKey, message []byte) ([]byte, error) {
	hdr, err := l.ParsePreKeyMessage(message)
	if err != nil {
		return nil, err
	}
	if hdr == nil {
		return nil, fmt.Errorf("%w: not a prekey message", ErrInvalidMessage)
	}

	identityPublic, err := l.IdentityPublic(identityPrivate)
	if err != nil {
		return nil, err
	}

	spk, err := l.ParseSignedPreKey(signedPreKey)
	if err != nil {
		return nil, err
	}
	if spk.ID != hdr.SignedPreKeyID {
		return nil, fmt.Errorf("%w: signed prekey %d does not match %d", ErrInvalidKey, spk.ID, hdr.SignedPreKeyID)
	}

	ownX := identityPrivate[ed25519SeedSize:]
	remoteX := hdr.IdentityKey[ed25519PublicSize:]

	secrets := make([][]byte, 0, 4)
	for _, pair := range [][2][]byte{
		{spk.PrivateKey, remoteX},
		{ownX, hdr.BaseKey},
		{spk.PrivateKey, hdr.BaseKey},
	} {
		dh, err := curve25519.X25519(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		secrets = append(secrets, dh)
	}
	if hdr.HasPreKey {
		if oneTimePreKey == nil {
			return nil, fmt.Errorf("%w: prekey %d missing", ErrInvalidKey, hdr.PreKeyID)
		}
		opk, err := l.ParsePreKey(oneTimePreKey)
		if err != nil {
			return nil, err
		}
		if opk.ID != hdr.PreKeyID {
			return nil, fmt.Errorf("%w: prekey %d does not match %d", ErrInvalidKey, opk.ID, hdr.PreKeyID)
		}
		dh, err := curve25519.X25519(opk.PrivateKey, hdr.BaseKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		secrets = append(secrets, dh)
	}

	ab, ba, err := deriveChains(secrets)
	if err != nil {
		return nil, err
	}

	s := &sessionState{
		localIdentity:  identityPublic,
		remoteIdentity: clone(hdr.IdentityKey),
		baseKey:        clone(hdr.BaseKey),
		sendChain:      ba,
		recvChain:      ab,
	}

	return s.marshal(), nil
}

// ParsePreKeyMessage returns the prekey header of a message, or nil for a
// message sent on an established session.
func (l *Library) ParsePreKeyMessage(message []byte) (*PreKeyHeader, error) {
	if len(message) == 0 {
		return nil, ErrInvalidMessage
	}
	if message[0] == whisperType {
		return nil, nil
	}
	if message[0] != preKeyType || len(message) < preKeyHeaderLen+whisperHeaderLen {
		return nil, ErrInvalidMessage
	}

	b := message[1:]
	hdr := &PreKeyHeader{}
	hdr.RegistrationID = binary.BigEndian.Uint32(b)
	b = b[4:]
	hdr.IdentityKey = clone(b[:IdentityKeySize])
	b = b[IdentityKeySize:]
	hdr.BaseKey = clone(b[:curve25519.PointSize])
	b = b[curve25519.PointSize:]
	hdr.SignedPreKeyID = binary.BigEndian.Uint32(b)
	hdr.PreKeyID = binary.BigEndian.Uint32(b[4:])
	hdr.HasPreKey = b[8] == 1

	return hdr, nil
}

// SessionInfo decodes the identifying parts of a session record.
func (l *Library) SessionInfo(session []byte) (*SessionInfo, error) {
	s, err := unmarshalSession(session)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{RemoteIdentity: s.remoteIdentity, BaseKey: s.baseKey, Pending: s.pending != nil}, nil
}

// Encrypt seals plaintext on the sending chain and returns the advanced
// session record together with the message.
func (l *Library) Encrypt(session, plaintext []byte) (next, message []byte, err error) {
	s, err := unmarshalSession(session)
	if err != nil {
		return nil, nil, err
	}

	seed, chain := chainStep(s.sendChain)

	msg := make([]byte, whisperHeaderLen, whisperHeaderLen+len(plaintext)+chacha20poly1305.Overhead)
	msg[0] = whisperType
	binary.BigEndian.PutUint32(msg[1:], s.sendCounter)

	msg, err = seal(seed, msg, plaintext, associatedData(s.localIdentity, s.remoteIdentity, msg[:whisperHeaderLen]))
	if err != nil {
		return nil, nil, err
	}

	s.sendChain = chain
	s.sendCounter++

	if p := s.pending; p != nil {
		hdr := make([]byte, 0, preKeyHeaderLen+len(msg))
		hdr = append(hdr, preKeyType)
		hdr = binary.BigEndian.AppendUint32(hdr, p.RegistrationID)
		hdr = append(hdr, s.localIdentity...)
		hdr = append(hdr, s.baseKey...)
		hdr = binary.BigEndian.AppendUint32(hdr, p.SignedPreKeyID)
		hdr = binary.BigEndian.AppendUint32(hdr, p.PreKeyID)
		if p.HasPreKey {
			hdr = append(hdr, 1)
		} else {
			hdr = append(hdr, 0)
		}
		msg = append(hdr, msg...)
	}

	return s.marshal(), msg, nil
}

// Decrypt opens a message on the receiving chain and returns the advanced
// session record together with the plaintext. The record passed in is left
// untouched on error.
func (l *Library) Decrypt(session, message []byte) (next, plaintext []byte, err error) {
	s, err := unmarshalSession(session)
	if err != nil {
		return nil, nil, err
	}

	hdr, err := l.ParsePreKeyMessage(message)
	if err != nil {
		return nil, nil, err
	}

	msg := message
	if hdr != nil {
		if !bytes.Equal(hdr.BaseKey, s.baseKey) {
			return nil, nil, ErrBaseKeyMismatch
		}
		msg = message[preKeyHeaderLen:]
	}
	if len(msg) < whisperHeaderLen+chacha20poly1305.Overhead || msg[0] != whisperType {
		return nil, nil, ErrInvalidMessage
	}

	counter := binary.BigEndian.Uint32(msg[1:])

	seed, err := s.receiveKey(counter)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err = open(seed, msg[whisperHeaderLen:], associatedData(s.remoteIdentity, s.localIdentity, msg[:whisperHeaderLen]))
	if err != nil {
		return nil, nil, err
	}

	if hdr == nil {
		s.pending = nil
	}
	if over := len(s.skipped) - maxSkippedKeys; over > 0 {
		s.skipped = s.skipped[over:]
	}

	return s.marshal(), plaintext, nil
}

func (s *sessionState) receiveKey(counter uint32) ([]byte, error) {
	if counter < s.recvCounter {
		for i, sk := range s.skipped {
			if sk.counter == counter {
				s.skipped = append(s.skipped[:i:i], s.skipped[i+1:]...)
				return sk.key, nil
			}
		}
		return nil, ErrDuplicateMessage
	}

	if counter-s.recvCounter > MaxSkip {
		return nil, ErrTooFarInFuture
	}

	for s.recvCounter < counter {
		seed, chain := chainStep(s.recvChain)
		s.skipped = append(s.skipped, skippedKey{counter: s.recvCounter, key: seed})
		s.recvChain = chain
		s.recvCounter++
	}

	seed, chain := chainStep(s.recvChain)
	s.recvChain = chain
	s.recvCounter = counter + 1

	return seed, nil
}

func deriveChains(secrets [][]byte) (ab, ba []byte, err error) {
	master := bytes.Repeat([]byte{0xff}, 32)
	for _, s := range secrets {
		master = append(master, s...)
	}

	r := hkdf.New(sha256.New, master, make([]byte, sha256.Size), []byte(agreementInfo))
	okm := make([]byte, 2*chainKeySize)
	if _, err := io.ReadFull(r, okm); err != nil {
		return nil, nil, err
	}

	return okm[:chainKeySize], okm[chainKeySize:], nil
}

// chainStep returns the message key seed for the current position and the
// next chain key.
func chainStep(chain []byte) (seed, next []byte) {
	m := hmac.New(sha256.New, chain)
	m.Write([]byte{0x01})
	seed = m.Sum(nil)

	m = hmac.New(sha256.New, chain)
	m.Write([]byte{0x02})
	next = m.Sum(nil)

	return seed, next
}

func messageKeys(seed []byte) (key, nonce []byte, err error) {
	r := hkdf.New(sha256.New, seed, nil, []byte(messageKeysInfo))
	okm := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(r, okm); err != nil {
		return nil, nil, err
	}
	return okm[:chacha20poly1305.KeySize], okm[chacha20poly1305.KeySize:], nil
}

func seal(seed, dst, plaintext, ad []byte) ([]byte, error) {
	key, nonce, err := messageKeys(seed)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(dst, nonce, plaintext, ad), nil
}

func open(seed, ciphertext, ad []byte) ([]byte, error) {
	key, nonce, err := messageKeys(seed)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return plaintext, nil
}

func associatedData(sender, receiver, header []byte) []byte {
	ad := make([]byte, 0, len(sender)+len(receiver)+len(header))
	ad = append(ad, sender...)
	ad = append(ad, receiver...)
	return append(ad, header...)
}
