package keys

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"

	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	log "github.com/sirupsen/logrus"
)

var ErrMissingPreKey = goerrors.New("keys: prekey not found")

// ProcessPreKeyBundle sets up an outgoing session with addr from its
// published bundle, replacing any existing session.
func (s *Service) ProcessPreKeyBundle(ctx context.Context, addr Address, bundle *ratchet.Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.Sessions.mu.Lock()
	defer s.Sessions.mu.Unlock()

	trusted, err := s.Identities.IsTrusted(addr.Name, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}

	local, err := s.Identities.LocalIdentity()
	if err != nil {
		return err
	}

	record, err := s.prims.InitiateSession(local.PrivateKey, local.RegistrationID, bundle)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.Identities.Store(addr.Name, bundle.IdentityKey); err != nil {
		return err
	}

	return s.Sessions.store(addr, record)
}

// Encrypt seals plaintext for addr and stores the advanced session before
// returning the message.
func (s *Service) Encrypt(ctx context.Context, addr Address, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.Sessions.mu.Lock()
	defer s.Sessions.mu.Unlock()

	record, found, err := s.Sessions.load(addr)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &errors.SessionNotEstablished{Address: addr.String()}
	}

	next, message, err := s.prims.Encrypt(record, plaintext)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.Sessions.store(addr, next); err != nil {
		return nil, err
	}

	return message, nil
}

// Decrypt opens a message from addr. A prekey message for an unknown base
// key sets up a new session and consumes the one-time prekey it names.
func (s *Service) Decrypt(ctx context.Context, addr Address, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hdr, err := s.prims.ParsePreKeyMessage(message)
	if err != nil {
		return nil, err
	}

	s.Sessions.mu.Lock()
	defer s.Sessions.mu.Unlock()

	record, found, err := s.Sessions.load(addr)
	if err != nil {
		return nil, err
	}

	if hdr != nil {
		fresh := !found
		if found {
			info, err := s.prims.SessionInfo(record)
			if err != nil {
				return nil, err
			}
			fresh = !bytes.Equal(info.BaseKey, hdr.BaseKey)
		}
		if fresh {
			return s.respond(ctx, addr, hdr, message)
		}
	}

	if !found {
		return nil, &errors.SessionNotEstablished{Address: addr.String()}
	}

	next, plaintext, err := s.prims.Decrypt(record, message)
	if err != nil {
		return nil, err
	}

	if err := s.Sessions.store(addr, next); err != nil {
		return nil, err
	}

	return plaintext, nil
}

// IsPreKeyMessage reports whether message sets up a new session.
func (s *Service) IsPreKeyMessage(message []byte) bool {
	hdr, err := s.prims.ParsePreKeyMessage(message)
	return err == nil && hdr != nil
}

// respond runs with the session lock held.
func (s *Service) respond(ctx context.Context, addr Address, hdr *ratchet.PreKeyHeader, message []byte) ([]byte, error) {
	trusted, err := s.Identities.IsTrusted(addr.Name, hdr.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIdentity, addr)
	}

	local, err := s.Identities.LocalIdentity()
	if err != nil {
		return nil, err
	}

	spk, found, err := s.SignedPreKeys.Load(hdr.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrMissingPreKey, hdr.SignedPreKeyID)
	}

	var opk []byte
	if hdr.HasPreKey {
		opk, found, err = s.PreKeys.Load(hdr.PreKeyID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: prekey %d", ErrMissingPreKey, hdr.PreKeyID)
		}
	}

	record, err := s.prims.RespondSession(local.PrivateKey, spk, opk, message)
	if err != nil {
		return nil, err
	}

	next, plaintext, err := s.prims.Decrypt(record, message)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.Identities.Store(addr.Name, hdr.IdentityKey); err != nil {
		return nil, err
	}
	if err := s.Sessions.store(addr, next); err != nil {
		return nil, err
	}
	if hdr.HasPreKey {
		if err := s.PreKeys.Remove(hdr.PreKeyID); err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(log.Fields{
		"address":   addr.String(),
		"preKeyId":  hdr.PreKeyID,
		"hasPreKey": hdr.HasPreKey,
	}).Debug("Established session from prekey message")

	return plaintext, nil
}

// SenderKeyDistribution returns the distribution message of the local
// sender key for a group, creating the key on first use.
func (s *Service) SenderKeyDistribution(ctx context.Context, groupID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.SenderKeys.mu.Lock()
	defer s.SenderKeys.mu.Unlock()

	record, err := s.ownSenderKey(groupID)
	if err != nil {
		return nil, err
	}

	return s.prims.SenderKeyDistribution(record)
}

// ProcessSenderKeyDistribution stores the sender key a group member handed
// out.
func (s *Service) ProcessSenderKeyDistribution(ctx context.Context, groupID string, sender Address, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record, err := s.prims.ProcessSenderKeyDistribution(message)
	if err != nil {
		return err
	}

	return s.SenderKeys.Store(SenderKeyName{GroupID: groupID, Sender: sender}, record)
}

// GroupEncrypt seals plaintext with the local sender key of a group.
func (s *Service) GroupEncrypt(ctx context.Context, groupID string, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.SenderKeys.mu.Lock()
	defer s.SenderKeys.mu.Unlock()

	record, err := s.ownSenderKey(groupID)
	if err != nil {
		return nil, err
	}

	next, message, err := s.prims.GroupEncrypt(record, plaintext)
	if err != nil {
		return nil, err
	}

	if err := s.SenderKeys.store(SenderKeyName{GroupID: groupID, Sender: s.local}, next); err != nil {
		return nil, err
	}

	return message, nil
}

// GroupDecrypt opens a group message from sender.
func (s *Service) GroupDecrypt(ctx context.Context, groupID string, sender Address, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := SenderKeyName{GroupID: groupID, Sender: sender}

	s.SenderKeys.mu.Lock()
	defer s.SenderKeys.mu.Unlock()

	record, found, err := s.SenderKeys.load(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &errors.SessionNotEstablished{Address: sender.String()}
	}

	next, plaintext, err := s.prims.GroupDecrypt(record, message)
	if err != nil {
		return nil, err
	}

	if err := s.SenderKeys.store(name, next); err != nil {
		return nil, err
	}

	return plaintext, nil
}

// ownSenderKey runs with the sender key lock held.
func (s *Service) ownSenderKey(groupID string) ([]byte, error) {
	name := SenderKeyName{GroupID: groupID, Sender: s.local}

	record, found, err := s.SenderKeys.load(name)
	if err != nil || found {
		return record, err
	}

	record, err = s.prims.NewSenderKey()
	if err != nil {
		return nil, err
	}

	if err := s.SenderKeys.store(name, record); err != nil {
		return nil, err
	}

	return record, nil
}

// DeleteAll wipes all key material, used on logout.
func (s *Service) DeleteAll() error {
	s.Sessions.mu.Lock()
	defer s.Sessions.mu.Unlock()
	s.SenderKeys.mu.Lock()
	defer s.SenderKeys.mu.Unlock()
	s.Identities.mu.Lock()
	defer s.Identities.mu.Unlock()
	s.SignedPreKeys.mu.Lock()
	defer s.SignedPreKeys.mu.Unlock()
	s.PreKeys.mu.Lock()
	defer s.PreKeys.mu.Unlock()

	return errors.KeyStoreIO("delete all keys", s.store.DeleteAll())
}
