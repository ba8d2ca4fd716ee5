// Package redis keeps refresh token records in Redis hashes.
// Every mutation runs as a Lua script so check-and-set happens atomically on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"authservice/internal/domain/models"
	"authservice/internal/storage"

	"github.com/redis/go-redis/v9"
)

// expiredRetention keeps expired records around for a while so late
// redemption attempts still see the record instead of a missing token.
const expiredRetention = 7 * 24 * time.Hour

const (
	statusNotFound int64 = iota
	statusUsed
	statusRevoked
	statusExists
	statusOK
)

const saveScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 3
end
redis.call('HSET', KEYS[1],
  'jwt_id', ARGV[1], 'user_id', ARGV[2], 'is_used', ARGV[3], 'is_revoked', ARGV[4],
  'issued_at', ARGV[5], 'expires_at', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], ARGV[7])
return 4
`

const rotateScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'is_used') == '1' then
  return 1
end
if redis.call('HGET', KEYS[1], 'is_revoked') == '1' then
  return 2
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 3
end
redis.call('HSET', KEYS[1], 'is_used', '1')
redis.call('HSET', KEYS[2],
  'jwt_id', ARGV[1], 'user_id', ARGV[2], 'is_used', ARGV[3], 'is_revoked', ARGV[4],
  'issued_at', ARGV[5], 'expires_at', ARGV[6])
redis.call('PEXPIREAT', KEYS[2], ARGV[7])
return 4
`

const revokeScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'is_revoked', '1')
return 4
`

var (
	saveLua   = redis.NewScript(saveScript)
	rotateLua = redis.NewScript(rotateScript)
	revokeLua = redis.NewScript(revokeScript)
)

type Storage struct {
	client redis.UniversalClient
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int, prefix string) (*Storage, error) {
	const op = "storage.redis.New"

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return NewWithClient(client, prefix), nil
}

func NewWithClient(client redis.UniversalClient, prefix string) *Storage {
	return &Storage{client: client, prefix: prefix}
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(token string) string {
	return s.prefix + ":refresh:" + token
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.redis.SaveRefreshToken"

	status, err := saveLua.Run(ctx, s.client, []string{s.key(token.Token)}, recordArgs(token)...).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := statusErr(status); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, token string) (models.RefreshToken, error) {
	const op = "storage.redis.RefreshToken"

	fields, err := s.client.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	rt, err := decodeRecord(token, fields)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return rt, nil
}

// RotateRefreshToken marks usedToken as used and stores next in a single script run.
func (s *Storage) RotateRefreshToken(ctx context.Context, usedToken string, next models.RefreshToken) error {
	const op = "storage.redis.RotateRefreshToken"

	keys := []string{s.key(usedToken), s.key(next.Token)}
	status, err := rotateLua.Run(ctx, s.client, keys, recordArgs(next)...).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := statusErr(status); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RevokeRefreshToken(ctx context.Context, token string) error {
	const op = "storage.redis.RevokeRefreshToken"

	status, err := revokeLua.Run(ctx, s.client, []string{s.key(token)}).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := statusErr(status); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func statusErr(status int64) error {
	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return storage.ErrTokenNotFound
	case statusUsed:
		return storage.ErrTokenAlreadyUsed
	case statusRevoked:
		return storage.ErrTokenRevoked
	case statusExists:
		return storage.ErrTokenExists
	default:
		return fmt.Errorf("unexpected script status %d", status)
	}
}

func recordArgs(rt models.RefreshToken) []interface{} {
	return []interface{}{
		rt.JwtID,
		strconv.FormatInt(rt.UserID, 10),
		flag(rt.IsUsed),
		flag(rt.IsRevoked),
		strconv.FormatInt(rt.IssuedAt.UnixNano(), 10),
		strconv.FormatInt(rt.ExpiresAt.UnixNano(), 10),
		strconv.FormatInt(rt.ExpiresAt.Add(expiredRetention).UnixMilli(), 10),
	}
}

func decodeRecord(token string, fields map[string]string) (models.RefreshToken, error) {
	userID, err := strconv.ParseInt(fields["user_id"], 10, 64)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("decode user_id: %w", err)
	}
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("decode issued_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("decode expires_at: %w", err)
	}
	jwtID, ok := fields["jwt_id"]
	if !ok {
		return models.RefreshToken{}, errors.New("decode jwt_id: missing")
	}

	return models.RefreshToken{
		Token:     token,
		JwtID:     jwtID,
		UserID:    userID,
		IsUsed:    fields["is_used"] == "1",
		IsRevoked: fields["is_revoked"] == "1",
		IssuedAt:  time.Unix(0, issuedAt).UTC(),
		ExpiresAt: time.Unix(0, expiresAt).UTC(),
	}, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
