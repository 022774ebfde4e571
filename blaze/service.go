package blaze

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"

	"github.com/flow-hydraulics/blaze-client/errors"
	log "github.com/sirupsen/logrus"
)

const DefaultBatchSize = 50

// Service is one direction of the queue.
type Service struct {
	store  Store
	name   string
	logger *log.Logger
}

type ServiceOption func(*Service)

func WithLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService returns a queue named name (used in logs) on top of store.
func NewService(name string, store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, name: name}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = log.StandardLogger()
	}

	return s
}

func (s *Service) Name() string {
	return s.name
}

// Enqueue persists a message. Enqueueing the same id and payload again is a
// no-op; the same id with another payload is a DuplicateMessage error.
func (s *Service) Enqueue(ctx context.Context, id string, payload []byte, createdAt int64) error {
	if id == "" {
		return fmt.Errorf("blaze: empty message id")
	}
	if payload == nil {
		payload = []byte{}
	}

	m := &Message{MessageID: id, Message: payload, Timestamp: createdAt}

	inserted, err := s.store.InsertMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("blaze: enqueue %s: %w", id, err)
	}
	if inserted {
		return nil
	}

	existing, err := s.store.Message(ctx, id)
	if err != nil {
		return fmt.Errorf("blaze: enqueue %s: %w", id, err)
	}

	// Removed between the two calls, try once more.
	if existing == nil {
		inserted, err = s.store.InsertMessage(ctx, m)
		if err != nil {
			return fmt.Errorf("blaze: enqueue %s: %w", id, err)
		}
		if inserted {
			return nil
		}
		if existing, err = s.store.Message(ctx, id); err != nil || existing == nil {
			return fmt.Errorf("blaze: enqueue %s: concurrent modification: %v", id, err)
		}
	}

	if !bytes.Equal(existing.Message, payload) {
		return &errors.DuplicateMessage{MessageID: id}
	}

	s.logger.WithFields(log.Fields{"queue": s.name, "messageId": id}).Trace("Message already queued")

	return nil
}

// DequeueBatch returns up to limit queued messages oldest first, without
// removing them. since, when set, skips messages created before it.
func (s *Service) DequeueBatch(ctx context.Context, since *int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return s.store.Messages(ctx, since, limit)
}

// DequeueAfter returns up to limit queued messages that come after c in
// queue order. A nil c starts at the oldest message.
func (s *Service) DequeueAfter(ctx context.Context, c *Cursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	if c == nil {
		return s.store.Messages(ctx, nil, limit)
	}
	return s.store.MessagesAfter(ctx, *c, limit)
}

// Remove deletes a message once its downstream effect is confirmed.
// Removing an unknown id is not an error.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.store.DeleteMessage(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// Message returns the queued message with id, or nil if there is none.
func (s *Service) Message(ctx context.Context, id string) (*Message, error) {
	return s.store.Message(ctx, id)
}

func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	m, err := s.store.Message(ctx, id)
	return m != nil, err
}

// HandlerFunc processes one message. The message is removed from the queue
// only when it returns nil.
type HandlerFunc func(ctx context.Context, m Message) error

type keepError struct {
	err error
}

func (e *keepError) Error() string { return e.err.Error() }

func (e *keepError) Unwrap() error { return e.err }

// Keep wraps a HandlerFunc error to leave the message queued and carry on
// with the messages after it.
func Keep(err error) error {
	return &keepError{err: err}
}

func isKeep(err error) bool {
	var k *keepError
	return goerrors.As(err, &k)
}

type DrainResult struct {
	Removed int
	Kept    int
}

// Drain hands queued messages to fn in order, batch by batch, until every
// message was seen once, fn fails or ctx is done. Messages fn kept with Keep
// are skipped and stay queued.
func (s *Service) Drain(ctx context.Context, limit int, fn HandlerFunc) (DrainResult, error) {
	res := DrainResult{}
	var cursor *Cursor

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := s.DequeueAfter(ctx, cursor, limit)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			return res, nil
		}

		for _, m := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			cursor = &Cursor{Timestamp: m.Timestamp, MessageID: m.MessageID}

			if err := fn(ctx, m); err != nil {
				s.logger.
					WithFields(log.Fields{"queue": s.name, "messageId": m.MessageID, "error": err}).
					Debug("Message kept in queue")
				if isKeep(err) {
					res.Kept++
					continue
				}
				return res, err
			}

			if err := s.Remove(ctx, m.MessageID); err != nil {
				return res, err
			}
			res.Removed++
		}
	}
}
