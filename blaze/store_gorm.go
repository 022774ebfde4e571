package blaze

import (
	"context"
	goerrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps one queue direction in its own table.
type GormStore struct {
	db    *gorm.DB
	table string
}

func NewGormStore(db *gorm.DB, table string) *GormStore {
	return &GormStore{db: db, table: table}
}

func (s *GormStore) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

func (s *GormStore) Message(ctx context.Context, id string) (*Message, error) {
	m := Message{}
	err := s.tx(ctx).Where("message_id = ?", id).First(&m).Error
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *GormStore) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	res := s.tx(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Messages(ctx context.Context, since *int64, limit int) (mm []Message, err error) {
	q := s.tx(ctx)
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	err = q.
		Order("created_at asc, message_id asc").
		Limit(limit).
		Find(&mm).Error
	return
}

func (s *GormStore) MessagesAfter(ctx context.Context, c Cursor, limit int) (mm []Message, err error) {
	err = s.tx(ctx).
		Where("created_at > ? OR (created_at = ? AND message_id > ?)", c.Timestamp, c.Timestamp, c.MessageID).
		Order("created_at asc, message_id asc").
		Limit(limit).
		Find(&mm).Error
	return
}

func (s *GormStore) DeleteMessage(ctx context.Context, id string) error {
	return s.tx(ctx).Where("message_id = ?", id).Delete(&Message{}).Error
}

func (s *GormStore) Count(ctx context.Context) (n int64, err error) {
	err = s.tx(ctx).Count(&n).Error
	return
}
