package ussd

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"

	errorutils "github.com/sunupay/sunupay/utils/errors"
)

const sessionKeyPrefix = "ussd:session:"

// SessionStore abstracts over the session storage; sessions are short
// lived and expire server side at the session timeout
type SessionStore interface {
	// Get returns the session for the gateway session id, nil when absent
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Save upserts the session and refreshes its expiry
	Save(ctx context.Context, session *Session) error
	// Delete removes the session
	Delete(ctx context.Context, sessionID string) error
}

// RedisSessionStore is a SessionStore over a redigo pool
type RedisSessionStore struct {
	pool    *redis.Pool
	timeout time.Duration
}

// NewRedisSessionStore creates a session store expiring sessions after timeout
func NewRedisSessionStore(pool *redis.Pool, timeout time.Duration) *RedisSessionStore {
	return &RedisSessionStore{pool: pool, timeout: timeout}
}

// NewRedisPool creates a redigo pool for the given address
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Get returns the session for the gateway session id, nil when absent
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	conn := s.pool.Get()
	defer func() { _ = conn.Close() }()

	b, err := redis.Bytes(conn.Do("GET", sessionKeyPrefix+sessionID))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, errorutils.Wrap(err, "session read failed")
	}
	return unmarshalSession(b)
}

// Save upserts the session and refreshes its expiry
func (s *RedisSessionStore) Save(ctx context.Context, session *Session) error {
	conn := s.pool.Get()
	defer func() { _ = conn.Close() }()

	b, err := session.marshal()
	if err != nil {
		return errorutils.Wrap(err, "session encode failed")
	}
	_, err = conn.Do("SET", sessionKeyPrefix+session.ID, b, "PX", int64(s.timeout/time.Millisecond))
	if err != nil {
		return errorutils.Wrap(err, "session write failed")
	}
	return nil
}

// Delete removes the session
func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	conn := s.pool.Get()
	defer func() { _ = conn.Close() }()

	if _, err := conn.Do("DEL", sessionKeyPrefix+sessionID); err != nil {
		return errorutils.Wrap(err, "session delete failed")
	}
	return nil
}
