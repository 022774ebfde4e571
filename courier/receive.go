package courier

import (
	"context"
	goerrors "errors"

	"github.com/flow-hydraulics/blaze-client/blaze"
	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/flow-hydraulics/blaze-client/keys"
	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	"github.com/flow-hydraulics/blaze-client/transport"
	log "github.com/sirupsen/logrus"
)

// HandleInbound persists an envelope pushed by the server. Once it returns
// nil the server may forget the envelope.
func (s *Service) HandleInbound(ctx context.Context, env *transport.Envelope) error {
	err := s.inbound.Enqueue(ctx, env.ID, env.Marshal(), env.Timestamp)
	if errors.IsDuplicateMessage(err) {
		s.logger.
			WithFields(log.Fields{"messageId": env.ID, "sender": env.Sender}).
			Warn("Conflicting redelivery of queued message ignored")
		return nil
	}
	if err != nil {
		return err
	}

	s.triggerInbound()
	return nil
}

// triggerInbound makes sure the inbound queue is drained once more.
func (s *Service) triggerInbound() {
	s.inboundDirty.Store(true)

	err := submit(s.pool, ProcessInboundJobType, inboundJobKey)
	if err != nil && !errors.IsAuthenticationRequired(err) {
		s.logger.WithFields(log.Fields{"error": err}).Warn("Unable to schedule inbound processing")
	}
}

func (s *Service) executeProcessInbound(ctx context.Context, j *jobs.Job) error {
	for {
		s.inboundDirty.Store(false)

		res, err := s.inbound.Drain(ctx, s.cfg.BlazeBatchSize, s.processInbound)
		if err != nil {
			return err
		}

		// A processed message, such as a sender key distribution, can make
		// a kept one readable.
		if res.Kept > 0 && res.Removed > 0 {
			continue
		}

		if !s.inboundDirty.Load() {
			return nil
		}
	}
}

// processInbound opens one queued envelope and delivers it. Returning nil
// removes it from the queue, a blaze.Keep error leaves it for a later
// round.
func (s *Service) processInbound(ctx context.Context, m blaze.Message) error {
	if msg, ok := s.decrypted.Load(m.MessageID); ok {
		return s.deliver(ctx, msg)
	}

	env, err := transport.UnmarshalEnvelope(m.Message)
	if err != nil {
		s.logger.WithFields(log.Fields{"error": err, "messageId": m.MessageID}).Warn("Dropping malformed envelope")
		return nil
	}

	sender, err := keys.ParseAddress(env.Sender)
	if err != nil {
		s.logger.WithFields(log.Fields{"error": err, "messageId": m.MessageID}).Warn("Dropping envelope with invalid sender")
		return nil
	}

	preKey := env.Type != transport.EnvelopeGroup && s.keys.IsPreKeyMessage(env.Content)

	var body []byte
	switch env.Type {
	case transport.EnvelopeGroup:
		body, err = s.keys.GroupDecrypt(ctx, env.GroupID, sender, env.Content)
	case transport.EnvelopeDistribution:
		var dist []byte
		dist, err = s.keys.Decrypt(ctx, sender, env.Content)
		if err == nil {
			err = s.keys.ProcessSenderKeyDistribution(ctx, env.GroupID, sender, dist)
		}
	default:
		body, err = s.keys.Decrypt(ctx, sender, env.Content)
	}

	switch {
	case err == nil:
	case goerrors.Is(err, ratchet.ErrDuplicateMessage):
		s.logger.WithFields(log.Fields{"messageId": env.ID}).Debug("Message already processed")
		s.parked.RemoveValue(env.ID)
		return nil
	case errors.IsKeyStoreIOFailure(err), ctx.Err() != nil:
		return err
	case awaitsKeys(err):
		// Readable once the session or sender key arrives.
		return blaze.Keep(err)
	default:
		if _, counted := s.parked.Load(env.ID); counted {
			return blaze.Keep(err)
		}
		if s.cryptoFailure(ctx, sender, err) {
			s.dropParked(ctx, sender)
			return nil
		}
		s.parked.Store(env.ID, sender)
		s.parked.Flush()
		return blaze.Keep(err)
	}

	s.cryptoSuccess(sender)
	s.parked.RemoveValue(env.ID)

	if preKey {
		s.checkPreKeys()
	}

	if env.Type == transport.EnvelopeDistribution {
		return nil
	}

	msg := &Message{
		ID:        env.ID,
		Sender:    sender,
		GroupID:   env.GroupID,
		Body:      body,
		Timestamp: env.Timestamp,
	}

	// The ratchet has advanced, keep the plaintext until the sink took it.
	s.decrypted.Store(msg.ID, msg)
	s.decrypted.Flush()

	return s.deliver(ctx, msg)
}

func (s *Service) deliver(ctx context.Context, msg *Message) error {
	if s.sink != nil {
		if err := s.sink.Deliver(ctx, msg); err != nil {
			return err
		}
	}
	s.decrypted.RemoveValue(msg.ID)
	return nil
}

func awaitsKeys(err error) bool {
	return errors.IsSessionNotEstablished(err) ||
		goerrors.Is(err, keys.ErrMissingPreKey) ||
		goerrors.Is(err, ratchet.ErrUnknownSenderKey)
}

// dropParked removes the kept messages whose failures led to the session
// with addr being archived.
func (s *Service) dropParked(ctx context.Context, addr keys.Address) {
	var poisoned []string
	s.parked.Range(func(id string, sender keys.Address) bool {
		if sender == addr {
			poisoned = append(poisoned, id)
		}
		return true
	})

	for _, id := range poisoned {
		if err := s.inbound.Remove(ctx, id); err != nil {
			s.logger.WithFields(log.Fields{"error": err, "messageId": id}).Warn("Unable to drop undecryptable message")
			continue
		}
		s.parked.RemoveValue(id)
	}
}

// cryptoFailure counts a failed seal or open for addr and reports whether
// the session was archived as broken. Transport and storage problems are
// not counted.
func (s *Service) cryptoFailure(ctx context.Context, addr keys.Address, err error) bool {
	if ctx.Err() != nil || errors.IsTransportFailure(err) || errors.IsKeyStoreIOFailure(err) {
		return false
	}

	key := addr.String()
	n := s.failures.Update(key, func(old int, _ bool) int { return old + 1 })

	s.logger.
		WithFields(log.Fields{"error": err, "address": key, "failures": n}).
		Warn("Crypto failure")

	if n < s.cfg.BrokenSessionThreshold {
		return false
	}

	s.failures.RemoveValue(key)
	s.devices.RemoveValue(addr.Name)

	if rmErr := s.keys.Sessions.Remove(addr); rmErr != nil {
		s.logger.WithFields(log.Fields{"error": rmErr, "address": key}).Warn("Unable to archive broken session")
	}

	s.logger.WithFields(log.Fields{"address": key}).Error("Session broken")

	if s.onBrokenSession != nil {
		s.onBrokenSession(BrokenSession{Address: addr, Failures: n, Err: err})
	}

	return true
}

func (s *Service) cryptoSuccess(addr keys.Address) {
	key := addr.String()
	if _, ok := s.failures.Load(key); ok {
		s.failures.RemoveValue(key)
	}
}
