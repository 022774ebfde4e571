package ratchet

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const stateVersion = 1

// sessionState is the decoded form of a session record.
type sessionState struct {
	localIdentity  []byte
	remoteIdentity []byte
	baseKey        []byte
	sendChain      []byte
	sendCounter    uint32
	recvChain      []byte
	recvCounter    uint32
	// pending is set on the initiating side until the first reply arrives;
	// every outgoing message carries the prekey header meanwhile.
	pending *PreKeyHeader
	skipped []skippedKey
}

type skippedKey struct {
	counter uint32
	key     []byte
}

// session record field numbers
const (
	fVersion        = 1
	fLocalIdentity  = 2
	fRemoteIdentity = 3
	fBaseKey        = 4
	fSendChain      = 5
	fSendCounter    = 6
	fRecvChain      = 7
	fRecvCounter    = 8
	fPending        = 9
	fSkipped        = 10
)

// pending / skipped sub message field numbers
const (
	fPendingRegistrationID = 1
	fPendingSignedPreKeyID = 2
	fPendingPreKeyID       = 3
	fPendingHasPreKey      = 4
	fSkippedCounter        = 1
	fSkippedKey            = 2
)

func (s *sessionState) marshal() []byte {
	var b []byte
	b = appendVarint(b, fVersion, stateVersion)
	b = appendBytes(b, fLocalIdentity, s.localIdentity)
	b = appendBytes(b, fRemoteIdentity, s.remoteIdentity)
	b = appendBytes(b, fBaseKey, s.baseKey)
	b = appendBytes(b, fSendChain, s.sendChain)
	b = appendVarint(b, fSendCounter, uint64(s.sendCounter))
	b = appendBytes(b, fRecvChain, s.recvChain)
	b = appendVarint(b, fRecvCounter, uint64(s.recvCounter))

	if p := s.pending; p != nil {
		var pb []byte
		pb = appendVarint(pb, fPendingRegistrationID, uint64(p.RegistrationID))
		pb = appendVarint(pb, fPendingSignedPreKeyID, uint64(p.SignedPreKeyID))
		pb = appendVarint(pb, fPendingPreKeyID, uint64(p.PreKeyID))
		pb = appendVarint(pb, fPendingHasPreKey, protowire.EncodeBool(p.HasPreKey))
		b = appendBytes(b, fPending, pb)
	}

	for _, sk := range s.skipped {
		var kb []byte
		kb = appendVarint(kb, fSkippedCounter, uint64(sk.counter))
		kb = appendBytes(kb, fSkippedKey, sk.key)
		b = appendBytes(b, fSkipped, kb)
	}

	return b
}

func unmarshalSession(b []byte) (*sessionState, error) {
	s := &sessionState{}
	version := uint64(0)

	err := consumeFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case fVersion:
			version = v
		case fLocalIdentity:
			s.localIdentity = clone(bs)
		case fRemoteIdentity:
			s.remoteIdentity = clone(bs)
		case fBaseKey:
			s.baseKey = clone(bs)
		case fSendChain:
			s.sendChain = clone(bs)
		case fSendCounter:
			s.sendCounter = uint32(v)
		case fRecvChain:
			s.recvChain = clone(bs)
		case fRecvCounter:
			s.recvCounter = uint32(v)
		case fPending:
			p := &PreKeyHeader{}
			if err := consumeFields(bs, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case fPendingRegistrationID:
					p.RegistrationID = uint32(v)
				case fPendingSignedPreKeyID:
					p.SignedPreKeyID = uint32(v)
				case fPendingPreKeyID:
					p.PreKeyID = uint32(v)
				case fPendingHasPreKey:
					p.HasPreKey = protowire.DecodeBool(v)
				}
				return nil
			}); err != nil {
				return err
			}
			s.pending = p
		case fSkipped:
			sk := skippedKey{}
			if err := consumeFields(bs, func(num protowire.Number, v uint64, kb []byte) error {
				switch num {
				case fSkippedCounter:
					sk.counter = uint32(v)
				case fSkippedKey:
					sk.key = clone(kb)
				}
				return nil
			}); err != nil {
				return err
			}
			s.skipped = append(s.skipped, sk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if version != stateVersion {
		return nil, fmt.Errorf("%w: unsupported session version %d", ErrInvalidState, version)
	}
	if len(s.sendChain) != chainKeySize || len(s.recvChain) != chainKeySize || len(s.remoteIdentity) != IdentityKeySize {
		return nil, fmt.Errorf("%w: incomplete session", ErrInvalidState)
	}
	if s.pending != nil {
		s.pending.IdentityKey = s.localIdentity
		s.pending.BaseKey = s.baseKey
	}

	return s, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields walks a flat message, passing varint values as v and
// length-delimited values as bs. Other wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, bs []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidState, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidState, protowire.ParseError(m))
			}
			b = b[m:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidState, protowire.ParseError(m))
			}
			b = b[m:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidState, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
