package courier

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flow-hydraulics/blaze-client/blaze"
	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/flow-hydraulics/blaze-client/keys"
	"github.com/flow-hydraulics/blaze-client/transport"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultDeviceID is addressed when no session with any device of a peer
// exists yet.
const DefaultDeviceID = 1

// Send seals body for one device, queues the envelope and schedules its
// delivery. It returns the message id. A missing session is set up from the
// peer's published bundle first.
func (s *Service) Send(ctx context.Context, to keys.Address, body []byte) (string, error) {
	if !s.system.IsAuthenticated() {
		return "", errors.ErrAuthenticationRequired
	}

	content, err := s.seal(ctx, to, body)
	if err != nil {
		return "", err
	}

	typ := transport.EnvelopeWhisper
	if s.keys.IsPreKeyMessage(content) {
		typ = transport.EnvelopePreKey
	}

	env := s.envelope(typ, to, "", content)
	if err := s.enqueue(ctx, env); err != nil {
		return "", err
	}

	return env.ID, nil
}

// SendToUser sends body to every known device of name.
func (s *Service) SendToUser(ctx context.Context, name string, body []byte) ([]string, error) {
	devices, err := s.Devices(name)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		id, err := s.Send(ctx, keys.Address{Name: name, DeviceID: d}, body)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// SendGroup encrypts body once with the local sender key of groupID and
// queues a copy for every member. Members that have not seen our sender key
// get a distribution message first.
func (s *Service) SendGroup(ctx context.Context, groupID string, members []keys.Address, body []byte) ([]string, error) {
	if !s.system.IsAuthenticated() {
		return nil, errors.ErrAuthenticationRequired
	}

	for _, m := range members {
		if err := s.distribute(ctx, groupID, m); err != nil {
			return nil, err
		}
	}

	content, err := s.keys.GroupEncrypt(ctx, groupID, body)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		env := s.envelope(transport.EnvelopeGroup, m, groupID, content)
		if err := s.enqueue(ctx, env); err != nil {
			return ids, err
		}
		ids = append(ids, env.ID)
	}

	return ids, nil
}

// LeaveGroup forgets every sender key of groupID, ours included, so the
// next group message starts a new chain.
func (s *Service) LeaveGroup(groupID string) error {
	if err := s.keys.SenderKeys.RemoveGroup(groupID); err != nil {
		return err
	}
	var stale []string
	s.distributed.Range(func(k string, _ bool) bool {
		if len(k) > len(groupID) && k[:len(groupID)+1] == groupID+"/" {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		s.distributed.RemoveValue(k)
	}
	return nil
}

func (s *Service) distribute(ctx context.Context, groupID string, member keys.Address) error {
	key := fmt.Sprintf("%s/%s", groupID, member)
	if _, ok := s.distributed.Load(key); ok {
		return nil
	}

	dist, err := s.keys.SenderKeyDistribution(ctx, groupID)
	if err != nil {
		return err
	}

	content, err := s.seal(ctx, member, dist)
	if err != nil {
		return err
	}

	if err := s.enqueue(ctx, s.envelope(transport.EnvelopeDistribution, member, groupID, content)); err != nil {
		return err
	}

	s.distributed.Store(key, true)
	return nil
}

func (s *Service) envelope(typ transport.EnvelopeType, to keys.Address, groupID string, content []byte) *transport.Envelope {
	return &transport.Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Sender:    s.keys.LocalAddress().String(),
		Recipient: to.String(),
		GroupID:   groupID,
		Content:   content,
		Timestamp: s.timestamp(),
	}
}

// timestamp returns the current unix millis, bumped past the previous
// envelope so the receiver opens our envelopes in the order we sealed them.
func (s *Service) timestamp() int64 {
	for {
		last := s.lastTimestamp.Load()
		now := time.Now().UnixMilli()
		if now <= last {
			now = last + 1
		}
		if s.lastTimestamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// seal encrypts for to, setting up the session on first use.
func (s *Service) seal(ctx context.Context, to keys.Address, body []byte) ([]byte, error) {
	content, err := s.keys.Encrypt(ctx, to, body)
	if errors.IsSessionNotEstablished(err) {
		if err := s.establish(ctx, to); err != nil {
			return nil, err
		}
		content, err = s.keys.Encrypt(ctx, to, body)
	}
	if err != nil {
		s.cryptoFailure(ctx, to, err)
		return nil, err
	}

	s.cryptoSuccess(to)
	return content, nil
}

func (s *Service) establish(ctx context.Context, to keys.Address) error {
	bundle, err := s.transport.FetchPreKeyBundle(ctx, to.String())
	if err != nil {
		return fmt.Errorf("fetch prekey bundle of %s: %w", to, err)
	}

	if err := s.keys.ProcessPreKeyBundle(ctx, to, bundle); err != nil {
		s.cryptoFailure(ctx, to, err)
		return err
	}

	s.devices.RemoveValue(to.Name)

	s.logger.WithFields(log.Fields{"address": to.String()}).Info("Session established")

	return nil
}

func (s *Service) enqueue(ctx context.Context, env *transport.Envelope) error {
	if err := s.outbound.Enqueue(ctx, env.ID, env.Marshal(), env.Timestamp); err != nil {
		return err
	}
	return submit(s.uploads, SendMessageJobType, env.ID)
}

// Devices returns the device ids of name we hold sessions with, or the
// default device if there are none.
func (s *Service) Devices(name string) ([]uint32, error) {
	if ds, ok := s.devices.Load(name); ok {
		return ds, nil
	}

	ds, err := s.keys.Sessions.DeviceIDs(name)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return []uint32{DefaultDeviceID}, nil
	}

	s.devices.Store(name, ds)
	return ds, nil
}

// Replay schedules a send job for every queued outbound envelope, oldest
// first. Envelopes with a live job are skipped by the scheduler.
func (s *Service) Replay(ctx context.Context) (int, error) {
	n := 0
	var cursor *blaze.Cursor

	for {
		batch, err := s.outbound.DequeueAfter(ctx, cursor, s.cfg.BlazeBatchSize)
		if err != nil {
			return n, err
		}
		if len(batch) == 0 {
			return n, nil
		}

		for _, m := range batch {
			if err := submit(s.uploads, SendMessageJobType, m.MessageID); err != nil {
				return n, err
			}
			n++
		}

		last := batch[len(batch)-1]
		cursor = &blaze.Cursor{Timestamp: last.Timestamp, MessageID: last.MessageID}
	}
}

func (s *Service) executeSend(ctx context.Context, j *jobs.Job) error {
	m, err := s.outbound.Message(ctx, j.Key)
	if err != nil {
		return err
	}
	if m == nil {
		// Acked by an earlier run.
		return nil
	}

	env, err := transport.UnmarshalEnvelope(m.Message)
	if err != nil {
		if rmErr := s.outbound.Remove(ctx, m.MessageID); rmErr != nil {
			return rmErr
		}
		return jobs.PermanentFailure(err)
	}

	s.limiter.Take()

	if err := s.transport.Send(ctx, env); err != nil {
		var reqErr *errors.RequestError
		if goerrors.As(err, &reqErr) && reqErr.StatusCode >= http.StatusBadRequest && reqErr.StatusCode < http.StatusInternalServerError {
			s.logger.
				WithFields(log.Fields{"error": err, "messageId": env.ID, "recipient": env.Recipient}).
				Warn("Message rejected by server, dropping")
			if rmErr := s.outbound.Remove(ctx, env.ID); rmErr != nil {
				return rmErr
			}
			return jobs.PermanentFailure(err)
		}
		return err
	}

	return s.outbound.Remove(ctx, env.ID)
}
