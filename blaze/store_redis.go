package blaze

import (
	"context"
	"fmt"

	"github.com/gomodule/redigo/redis"
)

// RedisStore keeps a queue direction in a sorted set (id scored by
// created_at) and a hash of payloads, both under keyPrefix.
type RedisStore struct {
	pool      *redis.Pool
	keyPrefix string
}

// Both keys are written together or not at all.
var insertScript = redis.NewScript(2, `
if redis.call("HSETNX", KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var deleteScript = redis.NewScript(2, `
redis.call("ZREM", KEYS[1], ARGV[1])
return redis.call("HDEL", KEYS[2], ARGV[1])
`)

// NewRedisPool returns a connection pool dialing url.
func NewRedisPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:   8,
		MaxActive: 64,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url)
		},
	}
}

func NewRedisStore(pool *redis.Pool, keyPrefix string) *RedisStore {
	return &RedisStore{pool: pool, keyPrefix: keyPrefix}
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, "index")
}

func (s *RedisStore) payloadKey() string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, "payload")
}

func (s *RedisStore) conn(ctx context.Context) (redis.Conn, error) {
	return s.pool.GetContext(ctx)
}

func (s *RedisStore) Message(ctx context.Context, id string) (*Message, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := redis.Bytes(conn.Do("HGET", s.payloadKey(), id))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	score, err := redis.Int64(conn.Do("ZSCORE", s.indexKey(), id))
	if err == redis.ErrNil {
		// Deleted in between.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &Message{MessageID: id, Message: payload, Timestamp: score}, nil
}

func (s *RedisStore) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(insertScript.Do(conn, s.indexKey(), s.payloadKey(), m.MessageID, m.Message, m.Timestamp))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type redisEntry struct {
	ID    string
	Score int64
}

// scores returns a page of index entries scored min or more. Members with
// equal scores come in lexicographical order, matching the created_at,
// message_id ordering of the sql store.
func (s *RedisStore) scores(conn redis.Conn, min string, offset, limit int) ([]redisEntry, error) {
	values, err := redis.Values(conn.Do("ZRANGEBYSCORE", s.indexKey(), min, "+inf", "WITHSCORES", "LIMIT", offset, limit))
	if err != nil {
		return nil, err
	}

	var entries []redisEntry
	if err := redis.ScanSlice(values, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *RedisStore) payloads(conn redis.Conn, entries []redisEntry) ([]Message, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	args := redis.Args{}.Add(s.payloadKey())
	for _, e := range entries {
		args = args.Add(e.ID)
	}
	payloads, err := redis.ByteSlices(conn.Do("HMGET", args...))
	if err != nil {
		return nil, err
	}

	mm := make([]Message, 0, len(entries))
	for i, e := range entries {
		if payloads[i] == nil {
			continue
		}
		mm = append(mm, Message{MessageID: e.ID, Message: payloads[i], Timestamp: e.Score})
	}

	return mm, nil
}

func (s *RedisStore) Messages(ctx context.Context, since *int64, limit int) ([]Message, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	min := "-inf"
	if since != nil {
		min = fmt.Sprintf("%d", *since)
	}

	entries, err := s.scores(conn, min, 0, limit)
	if err != nil {
		return nil, err
	}

	return s.payloads(conn, entries)
}

func (s *RedisStore) MessagesAfter(ctx context.Context, c Cursor, limit int) ([]Message, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	min := fmt.Sprintf("%d", c.Timestamp)

	var entries []redisEntry
	for offset := 0; len(entries) < limit; {
		page, err := s.scores(conn, min, offset, limit)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if e.Score == c.Timestamp && e.ID <= c.MessageID {
				continue
			}
			entries = append(entries, e)
		}
		if len(page) < limit {
			break
		}
		offset += len(page)
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return s.payloads(conn, entries)
}

func (s *RedisStore) DeleteMessage(ctx context.Context, id string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = deleteScript.Do(conn, s.indexKey(), s.payloadKey(), id)
	return err
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	return redis.Int64(conn.Do("ZCARD", s.indexKey()))
}
