package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/observability"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository keeps sessions as JSON under their token hash with a
// TTL matching the session expiry. Revocation deletes the keys, so a revoked
// session is indistinguishable from one that never existed.
type RedisSessionRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionRepository(client redis.UniversalClient, prefix string) *RedisSessionRepository {
	if prefix == "" {
		prefix = "careauth:session"
	}
	return &RedisSessionRepository{client: client, prefix: prefix}
}

const maxRedisWatchAttempts = 16

// Upsert replaces whatever token the device held. The device key is watched
// so two logins racing on one device cannot both leave a live token behind.
func (r *RedisSessionRepository) Upsert(ctx context.Context, s *domain.Session) error {
	ttl := s.ExpiresAt.Sub(s.LastActivityAt)
	if ttl <= 0 {
		observability.RecordRepositoryOperation(ctx, "session_redis", "upsert", "error")
		return fmt.Errorf("session already expired at %s", s.ExpiresAt.Format(time.RFC3339))
	}
	if s.ID == 0 {
		id, err := r.client.Incr(ctx, r.prefix+":seq").Result()
		if err != nil {
			observability.RecordRepositoryOperation(ctx, "session_redis", "upsert", "error")
			return err
		}
		s.ID = uint(id)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.LastActivityAt
	}
	s.UpdatedAt = s.LastActivityAt
	payload, err := json.Marshal(redisSession{Session: *s, DeviceKey: s.DeviceKey, TokenHash: s.TokenHash})
	if err != nil {
		return err
	}

	devKey := r.deviceKey(s.PrincipalID, s.DeviceKey)
	err = r.watch(ctx, func(tx *redis.Tx) error {
		previous, err := tx.Get(ctx, devKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != "" && previous != s.TokenHash {
				pipe.Del(ctx, r.tokenKey(previous))
				pipe.SRem(ctx, r.principalKey(s.PrincipalID), previous)
			}
			pipe.Set(ctx, r.tokenKey(s.TokenHash), payload, ttl)
			pipe.Set(ctx, devKey, s.TokenHash, ttl)
			pipe.SAdd(ctx, r.principalKey(s.PrincipalID), s.TokenHash)
			return nil
		})
		return err
	}, devKey)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "upsert", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "upsert", "success")
	return nil
}

// Rotate re-keys a live session under newHash while both the old token key
// and the device pointer are watched.
func (r *RedisSessionRepository) Rotate(ctx context.Context, oldHash, newHash string, at, expiresAt time.Time) (bool, error) {
	oldKey := r.tokenKey(oldHash)
	rotated := false
	err := r.watch(ctx, func(tx *redis.Tx) error {
		rotated = false
		s, err := r.load(ctx, tx, oldHash)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !s.Live(at) || !expiresAt.After(at) {
			return nil
		}
		devKey := r.deviceKey(s.PrincipalID, s.DeviceKey)
		// The device pointer is only known once the session is loaded.
		if err := tx.Watch(ctx, devKey).Err(); err != nil {
			return err
		}
		current, err := tx.Get(ctx, devKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != oldHash {
			return nil
		}
		s.TokenHash = newHash
		s.LastActivityAt = at.UTC()
		s.UpdatedAt = at.UTC()
		s.ExpiresAt = expiresAt.UTC()
		payload, err := json.Marshal(redisSession{Session: *s, DeviceKey: s.DeviceKey, TokenHash: newHash})
		if err != nil {
			return err
		}
		ttl := expiresAt.Sub(at)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, oldKey)
			pipe.SRem(ctx, r.principalKey(s.PrincipalID), oldHash)
			pipe.Set(ctx, r.tokenKey(newHash), payload, ttl)
			pipe.Set(ctx, devKey, newHash, ttl)
			pipe.SAdd(ctx, r.principalKey(s.PrincipalID), newHash)
			return nil
		})
		if err == nil {
			rotated = true
		}
		return err
	}, oldKey)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "rotate", "error")
		return false, err
	}
	if !rotated {
		observability.RecordRepositoryOperation(ctx, "session_redis", "rotate", "not_found")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "rotate", "success")
	return true, nil
}

// watch runs fn under WATCH on keys and retries when another client touched
// them before EXEC.
func (r *RedisSessionRepository) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxRedisWatchAttempts; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConcurrentUpdate
}

func (r *RedisSessionRepository) FindByTokenHash(ctx context.Context, hash string) (*domain.Session, error) {
	s, err := r.load(ctx, r.client, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_redis", "find_by_token_hash", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session_redis", "find_by_token_hash", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "find_by_token_hash", "success")
	return s, nil
}

func (r *RedisSessionRepository) Touch(ctx context.Context, hash string, at, expiresAt time.Time) (bool, error) {
	s, err := r.load(ctx, r.client, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_redis", "touch", "not_found")
			return false, nil
		}
		observability.RecordRepositoryOperation(ctx, "session_redis", "touch", "error")
		return false, err
	}
	if !s.Live(at) || !expiresAt.After(at) {
		observability.RecordRepositoryOperation(ctx, "session_redis", "touch", "not_found")
		return false, nil
	}
	s.LastActivityAt = at.UTC()
	s.UpdatedAt = at.UTC()
	s.ExpiresAt = expiresAt.UTC()
	payload, err := json.Marshal(redisSession{Session: *s, DeviceKey: s.DeviceKey, TokenHash: s.TokenHash})
	if err != nil {
		return false, err
	}
	ttl := expiresAt.Sub(at)
	var setCmd *redis.StatusCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setCmd = pipe.SetArgs(ctx, r.tokenKey(hash), payload, redis.SetArgs{Mode: "XX", TTL: ttl})
		pipe.Expire(ctx, r.deviceKey(s.PrincipalID, s.DeviceKey), ttl)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		observability.RecordRepositoryOperation(ctx, "session_redis", "touch", "not_found")
		return false, nil
	}
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "touch", "error")
		return false, err
	}
	if setCmd.Val() != "OK" {
		observability.RecordRepositoryOperation(ctx, "session_redis", "touch", "not_found")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "touch", "success")
	return true, nil
}

func (r *RedisSessionRepository) RevokeByTokenHash(ctx context.Context, hash, _ string, _ time.Time) (bool, error) {
	s, err := r.load(ctx, r.client, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session_redis", "revoke_by_token_hash", "success")
			return false, nil
		}
		observability.RecordRepositoryOperation(ctx, "session_redis", "revoke_by_token_hash", "error")
		return false, err
	}
	if err := r.remove(ctx, s.PrincipalID, []*domain.Session{s}); err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "revoke_by_token_hash", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "revoke_by_token_hash", "success")
	return true, nil
}

func (r *RedisSessionRepository) RevokeByPrincipal(ctx context.Context, principalID uint, _ string, _ time.Time) (int64, error) {
	sessions, stale, err := r.members(ctx, principalID)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "revoke_by_principal", "error")
		return 0, err
	}
	if err := r.remove(ctx, principalID, sessions); err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "revoke_by_principal", "error")
		return 0, err
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.principalKey(principalID), toAny(stale)...).Err()
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "revoke_by_principal", "success")
	return int64(len(sessions)), nil
}

func (r *RedisSessionRepository) ListActiveByPrincipal(ctx context.Context, principalID uint, now time.Time) ([]domain.Session, error) {
	sessions, _, err := r.members(ctx, principalID)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "list_active_by_principal", "error")
		return nil, err
	}
	out := make([]domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Live(now) {
			out = append(out, *s)
		}
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "list_active_by_principal", "success")
	return out, nil
}

// DeleteExpired prunes index entries whose session keys already expired.
// The session keys themselves are removed by their TTL.
func (r *RedisSessionRepository) DeleteExpired(ctx context.Context, _ time.Time) (int64, error) {
	var pruned int64
	iter := r.client.Scan(ctx, 0, r.prefix+":principal:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		hashes, err := r.client.SMembers(ctx, key).Result()
		if err != nil {
			observability.RecordRepositoryOperation(ctx, "session_redis", "delete_expired", "error")
			return pruned, err
		}
		for _, h := range hashes {
			exists, err := r.client.Exists(ctx, r.tokenKey(h)).Result()
			if err != nil {
				observability.RecordRepositoryOperation(ctx, "session_redis", "delete_expired", "error")
				return pruned, err
			}
			if exists == 0 {
				n, err := r.client.SRem(ctx, key, h).Result()
				if err != nil {
					observability.RecordRepositoryOperation(ctx, "session_redis", "delete_expired", "error")
					return pruned, err
				}
				pruned += n
			}
		}
	}
	if err := iter.Err(); err != nil {
		observability.RecordRepositoryOperation(ctx, "session_redis", "delete_expired", "error")
		return pruned, err
	}
	observability.RecordRepositoryOperation(ctx, "session_redis", "delete_expired", "success")
	return pruned, nil
}

type redisSession struct {
	domain.Session
	DeviceKey string `json:"device_key"`
	TokenHash string `json:"token_hash"`
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisSessionRepository) load(ctx context.Context, c stringGetter, hash string) (*domain.Session, error) {
	raw, err := c.Get(ctx, r.tokenKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var rs redisSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s := rs.Session
	s.DeviceKey = rs.DeviceKey
	s.TokenHash = rs.TokenHash
	return &s, nil
}

func (r *RedisSessionRepository) members(ctx context.Context, principalID uint) ([]*domain.Session, []string, error) {
	hashes, err := r.client.SMembers(ctx, r.principalKey(principalID)).Result()
	if err != nil {
		return nil, nil, err
	}
	sessions := make([]*domain.Session, 0, len(hashes))
	var stale []string
	for _, h := range hashes {
		s, err := r.load(ctx, r.client, h)
		if errors.Is(err, ErrSessionNotFound) {
			stale = append(stale, h)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, stale, nil
}

func (r *RedisSessionRepository) remove(ctx context.Context, principalID uint, sessions []*domain.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range sessions {
			pipe.Del(ctx, r.tokenKey(s.TokenHash), r.deviceKey(principalID, s.DeviceKey))
			pipe.SRem(ctx, r.principalKey(principalID), s.TokenHash)
		}
		return nil
	})
	return err
}

func (r *RedisSessionRepository) tokenKey(hash string) string {
	return r.prefix + ":tok:" + hash
}

func (r *RedisSessionRepository) deviceKey(principalID uint, device string) string {
	return r.prefix + ":dev:" + strconv.FormatUint(uint64(principalID), 10) + ":" + device
}

func (r *RedisSessionRepository) principalKey(principalID uint) string {
	return r.prefix + ":principal:" + strconv.FormatUint(uint64(principalID), 10)
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
