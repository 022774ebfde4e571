package handlers

import (
	goerrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flow-hydraulics/blaze-client/datastore/lib"
	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyStoreType int

const (
	IdempotencyStoreTypeLocal IdempotencyStoreType = iota
	IdempotencyStoreTypeShared
	IdempotencyStoreTypeRedis
)

func (ist IdempotencyStoreType) String() string {
	return [...]string{"local", "shared", "redis"}[ist]
}

type IdempotencyHandlerOptions struct {
	IgnorePaths []string
	Expiry      time.Duration
}

// IdempotencyStore remembers used keys. Claim stores key unless it is
// already present and reports whether it was stored.
type IdempotencyStore interface {
	Claim(key string, expiry time.Duration) (bool, error)
}

// IdempotencyStoreRedis keeps keys in redis with a PX expiry.
type IdempotencyStoreRedis struct {
	pool   *redis.Pool
	prefix string
}

func NewIdempotencyStoreRedis(pool *redis.Pool) *IdempotencyStoreRedis {
	return &IdempotencyStoreRedis{pool: pool, prefix: "idempotencykey"}
}

func (r *IdempotencyStoreRedis) prefixedKey(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

func (r *IdempotencyStoreRedis) Claim(key string, expiry time.Duration) (bool, error) {
	conn := r.pool.Get()
	defer conn.Close()

	res, err := redis.String(conn.Do("SET", r.prefixedKey(key), 1, "PX", expiry.Milliseconds(), "NX"))
	if goerrors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res == "OK", nil
}

// IdempotencyStoreGorm keeps keys in the idempotency_keys table of the main
// database.
type IdempotencyStoreGorm struct {
	db *gorm.DB
}

type IdempotencyStoreGormItem struct {
	Key        string    `gorm:"column:key;primary_key"`
	ExpiryDate time.Time `gorm:"column:expiry_date"`
}

func (IdempotencyStoreGormItem) TableName() string {
	return "idempotency_keys"
}

func NewIdempotencyStoreGorm(db *gorm.DB) *IdempotencyStoreGorm {
	return &IdempotencyStoreGorm{db: db}
}

func (g *IdempotencyStoreGorm) Claim(key string, expiry time.Duration) (bool, error) {
	now := time.Now()
	claimed := false

	err := lib.GormTransaction(g.db, func(tx *gorm.DB) error {
		// An expired key may be reused
		if err := tx.Where("expiry_date <= ?", now).Delete(&IdempotencyStoreGormItem{Key: key}).Error; err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&IdempotencyStoreGormItem{Key: key, ExpiryDate: now.Add(expiry)})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})

	return claimed, err
}

// Prune deletes all expired keys.
func (g *IdempotencyStoreGorm) Prune() (int64, error) {
	res := g.db.Delete(&IdempotencyStoreGormItem{}, "expiry_date < ?", time.Now())
	return res.RowsAffected, res.Error
}

// IdempotencyStoreLocal is an in-memory store, mainly for testing purposes.
type IdempotencyStoreLocal struct {
	mu   sync.Mutex
	keys map[string]time.Time // key: expiry
}

func NewIdempotencyStoreLocal() *IdempotencyStoreLocal {
	return &IdempotencyStoreLocal{keys: make(map[string]time.Time)}
}

func (m *IdempotencyStoreLocal) Claim(key string, expiry time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if dl, ok := m.keys[key]; ok && dl.After(now) {
		return false, nil
	}
	m.keys[key] = now.Add(expiry)

	return true, nil
}

// UseIdempotency rejects a POST whose Idempotency-Key header was used
// before with 409.
func UseIdempotency(h http.Handler, opts IdempotencyHandlerOptions, store IdempotencyStore) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		for _, path := range opts.IgnorePaths {
			if strings.HasPrefix(r.URL.Path, path) {
				h.ServeHTTP(rw, r)
				return
			}
		}

		if r.Method != http.MethodPost {
			h.ServeHTTP(rw, r)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			http.Error(rw, "Idempotency-Key header not found", http.StatusBadRequest)
			return
		}

		claimed, err := store.Claim(key, opts.Expiry)
		if err != nil {
			log.
				WithFields(log.Fields{"error": err, "key": key}).
				Warn("Error while saving used idempotency key")
			http.Error(rw, "Error while saving used idempotency key", http.StatusInternalServerError)
			return
		}

		// Only the key is stored, a reused key with a different payload is
		// a conflict as well.
		if !claimed {
			http.Error(rw, fmt.Sprintf("Idempotency-Key conflict, key: %s", key), http.StatusConflict)
			return
		}

		h.ServeHTTP(rw, r)
	})
}
