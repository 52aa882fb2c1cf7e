package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridgelight/oidcrp/rp"
)

// principalField is the hash field holding the session's principal. Flow
// values all use the rp.SessionKey* names, which never collide with it.
const principalField = "__principal"

// Redis is an rp.SessionStore backed by a redis hash per session, so
// sessions survive restarts and are shared across relying party instances.
// Every mutation is written through before the method returns.
type Redis struct {
	client     redis.UniversalClient
	cookieName string
	keyPrefix  string
	ttl        time.Duration
}

// NewRedis creates a redis-backed session store.
// Supported options: WithCookieName, WithTTL, WithKeyPrefix
func NewRedis(client redis.UniversalClient, opt ...rp.Option) (*Redis, error) {
	const op = "session.NewRedis"
	if client == nil {
		return nil, fmt.Errorf("%s: redis client is nil: %w", op, rp.ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	return &Redis{
		client:     client,
		cookieName: opts.withCookieName,
		keyPrefix:  opts.withKeyPrefix,
		ttl:        opts.withTTL,
	}, nil
}

func (s *Redis) key(id string) string {
	return s.keyPrefix + id
}

// Load implements rp.SessionStore.
func (s *Redis) Load(ctx context.Context, w http.ResponseWriter, r *http.Request) (rp.Session, error) {
	const op = "session.Redis.Load"
	id := requestSessionID(r, s.cookieName)
	if id == "" {
		var err error
		if id, err = newSessionID(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		writeSessionCookie(w, r, s.cookieName, id)
	}
	return &redisSession{store: s, id: id, w: w, r: r}, nil
}

type redisSession struct {
	store *Redis
	id    string
	w     http.ResponseWriter
	r     *http.Request
}

func (s *redisSession) Get(ctx context.Context, key string) (string, bool, error) {
	const op = "session.redisSession.Get"
	v, err := s.store.client.HGet(ctx, s.store.key(s.id), key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	return v, true, nil
}

func (s *redisSession) Set(ctx context.Context, key, value string) error {
	const op = "session.redisSession.Set"
	pipe := s.store.client.TxPipeline()
	pipe.HSet(ctx, s.store.key(s.id), key, value)
	pipe.Expire(ctx, s.store.key(s.id), s.store.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *redisSession) Delete(ctx context.Context, key string) error {
	const op = "session.redisSession.Delete"
	if err := s.store.client.HDel(ctx, s.store.key(s.id), key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *redisSession) Principal(ctx context.Context) (*rp.Principal, error) {
	const op = "session.redisSession.Principal"
	raw, err := s.store.client.HGet(ctx, s.store.key(s.id), principalField).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var p rp.Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%s: unable to decode principal: %w", op, err)
	}
	return &p, nil
}

// Login rotates the session id, moving stored values to the new hash before
// dropping the old one.
func (s *redisSession) Login(ctx context.Context, p *rp.Principal) error {
	const op = "session.redisSession.Login"
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%s: unable to encode principal: %w", op, err)
	}
	newID, err := newSessionID()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	values, err := s.store.client.HGetAll(ctx, s.store.key(s.id)).Result()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.store.client.TxPipeline()
	for k, v := range values {
		pipe.HSet(ctx, s.store.key(newID), k, v)
	}
	pipe.HSet(ctx, s.store.key(newID), principalField, string(raw))
	pipe.Expire(ctx, s.store.key(newID), s.store.ttl)
	pipe.Del(ctx, s.store.key(s.id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.id = newID
	writeSessionCookie(s.w, s.r, s.store.cookieName, newID)
	return nil
}

// Logout drops the session hash and hands the user agent a fresh empty
// session id.
func (s *redisSession) Logout(ctx context.Context) error {
	const op = "session.redisSession.Logout"
	newID, err := newSessionID()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.client.Del(ctx, s.store.key(s.id)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.id = newID
	writeSessionCookie(s.w, s.r, s.store.cookieName, newID)
	return nil
}
