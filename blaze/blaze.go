// Package blaze provides the durable store-and-forward queue for wire
// messages. Inbound messages stay queued until they were processed,
// outbound ones until the server acknowledged them.
package blaze

import (
	"context"
)

const (
	InboundTable  = "messages_blaze"
	OutboundTable = "messages_blaze_outbound"
)

// Message is a queued wire message. Timestamp is the creation time in
// milliseconds and orders the queue.
type Message struct {
	MessageID string `gorm:"column:message_id;primaryKey"`
	Message   []byte `gorm:"column:message;not null"`
	Timestamp int64  `gorm:"column:created_at;not null;index"`
}

// Cursor is the position of a message in queue order.
type Cursor struct {
	Timestamp int64
	MessageID string
}

// Store is the interface required by the queue for data storage.
type Store interface {
	// Message returns nil, nil if id is not queued.
	Message(ctx context.Context, id string) (*Message, error)
	// InsertMessage adds m unless its id is already queued, reporting
	// whether it was inserted.
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	// Messages lists queued messages oldest first, ties broken by id.
	// since, when set, excludes messages created before it.
	Messages(ctx context.Context, since *int64, limit int) ([]Message, error)
	// MessagesAfter lists queued messages that sort strictly after c.
	MessagesAfter(ctx context.Context, c Cursor, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}
