package ratchet

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"google.golang.org/protobuf/encoding/protowire"
)

// sender key record field numbers
const (
	fSenderKeyID      = 2
	fSenderIteration  = 3
	fSenderChain      = 4
	fSenderSigningPub = 5
	fSenderSigningKey = 6
)

const (
	distributionLen    = 4 + 4 + chainKeySize + ed25519.PublicKeySize
	groupHeaderLen     = 4 + 4
	groupMinMessageLen = groupHeaderLen + chacha20poly1305.Overhead + ed25519.SignatureSize
)

type senderKeyState struct {
	keyID      uint32
	iteration  uint32
	chain      []byte
	signingPub []byte
	// signingKey is only present for the local sender.
	signingKey []byte
}

// NewSenderKey creates the local sender key record for a group.
func (l *Library) NewSenderKey() ([]byte, error) {
	keyID, err := l.randomUint32()
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(l.rand)
	if err != nil {
		return nil, err
	}

	chain := make([]byte, chainKeySize)
	if _, err := io.ReadFull(l.rand, chain); err != nil {
		return nil, err
	}

	s := &senderKeyState{keyID: keyID, chain: chain, signingPub: pub, signingKey: priv.Seed()}
	return s.marshal(), nil
}

// SenderKeyDistribution returns the message handing the current chain
// position of a sender key to group members.
func (l *Library) SenderKeyDistribution(record []byte) ([]byte, error) {
	s, err := unmarshalSenderKey(record)
	if err != nil {
		return nil, err
	}

	msg := binary.BigEndian.AppendUint32(nil, s.keyID)
	msg = binary.BigEndian.AppendUint32(msg, s.iteration)
	msg = append(msg, s.chain...)
	return append(msg, s.signingPub...), nil
}

// ProcessSenderKeyDistribution turns a distribution message into a record
// able to decrypt that sender's group messages.
func (l *Library) ProcessSenderKeyDistribution(message []byte) ([]byte, error) {
	if len(message) != distributionLen {
		return nil, ErrInvalidMessage
	}

	s := &senderKeyState{
		keyID:      binary.BigEndian.Uint32(message),
		iteration:  binary.BigEndian.Uint32(message[4:]),
		chain:      clone(message[8 : 8+chainKeySize]),
		signingPub: clone(message[8+chainKeySize:]),
	}
	return s.marshal(), nil
}

// GroupEncrypt seals plaintext with the local sender key.
func (l *Library) GroupEncrypt(record, plaintext []byte) (next, message []byte, err error) {
	s, err := unmarshalSenderKey(record)
	if err != nil {
		return nil, nil, err
	}
	if s.signingKey == nil {
		return nil, nil, ErrMissingPrivateKey
	}

	seed, chain := chainStep(s.chain)

	msg := binary.BigEndian.AppendUint32(nil, s.keyID)
	msg = binary.BigEndian.AppendUint32(msg, s.iteration)
	msg, err = seal(seed, msg, plaintext, msg[:groupHeaderLen:groupHeaderLen])
	if err != nil {
		return nil, nil, err
	}
	msg = append(msg, ed25519.Sign(ed25519.NewKeyFromSeed(s.signingKey), msg)...)

	s.chain = chain
	s.iteration++

	return s.marshal(), msg, nil
}

// GroupDecrypt opens a group message with the sender's key record.
// Iterations behind the current chain position are rejected.
func (l *Library) GroupDecrypt(record, message []byte) (next, plaintext []byte, err error) {
	s, err := unmarshalSenderKey(record)
	if err != nil {
		return nil, nil, err
	}
	if len(message) < groupMinMessageLen {
		return nil, nil, ErrInvalidMessage
	}

	signed, sig := message[:len(message)-ed25519.SignatureSize], message[len(message)-ed25519.SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(s.signingPub), signed, sig) {
		return nil, nil, fmt.Errorf("%w: bad signature", ErrInvalidMessage)
	}

	if keyID := binary.BigEndian.Uint32(signed); keyID != s.keyID {
		return nil, nil, ErrUnknownSenderKey
	}

	iteration := binary.BigEndian.Uint32(signed[4:])
	if iteration < s.iteration {
		return nil, nil, ErrDuplicateMessage
	}
	if iteration-s.iteration > MaxSkip {
		return nil, nil, ErrTooFarInFuture
	}

	chain := s.chain
	for i := s.iteration; i < iteration; i++ {
		_, chain = chainStep(chain)
	}
	seed, chain := chainStep(chain)

	plaintext, err = open(seed, signed[groupHeaderLen:], signed[:groupHeaderLen])
	if err != nil {
		return nil, nil, err
	}

	s.chain = chain
	s.iteration = iteration + 1

	return s.marshal(), plaintext, nil
}

func (s *senderKeyState) marshal() []byte {
	var b []byte
	b = appendVarint(b, fVersion, stateVersion)
	b = appendVarint(b, fSenderKeyID, uint64(s.keyID))
	b = appendVarint(b, fSenderIteration, uint64(s.iteration))
	b = appendBytes(b, fSenderChain, s.chain)
	b = appendBytes(b, fSenderSigningPub, s.signingPub)
	b = appendBytes(b, fSenderSigningKey, s.signingKey)
	return b
}

func unmarshalSenderKey(b []byte) (*senderKeyState, error) {
	s := &senderKeyState{}
	version := uint64(0)

	err := consumeFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case fVersion:
			version = v
		case fSenderKeyID:
			s.keyID = uint32(v)
		case fSenderIteration:
			s.iteration = uint32(v)
		case fSenderChain:
			s.chain = clone(bs)
		case fSenderSigningPub:
			s.signingPub = clone(bs)
		case fSenderSigningKey:
			s.signingKey = clone(bs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if version != stateVersion || len(s.chain) != chainKeySize || len(s.signingPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: sender key", ErrInvalidState)
	}

	return s, nil
}
