// Package cache keeps short-lived portal state in Redis: resolved roles and
// single-use login nonces.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNonceNotFound = errors.New("nonce not found or expired")

// Cache is the subset of cache operations the portal depends on.
type Cache interface {
	GetRole(ctx context.Context, addr string) (string, bool, error)
	SetRole(ctx context.Context, addr, role string) error
	InvalidateRole(ctx context.Context, addr string) error
	PutNonce(ctx context.Context, addr, nonce string) error
	TakeNonce(ctx context.Context, addr string) (string, error)
	Ping(ctx context.Context) error
}

type Redis struct {
	client   *redis.Client
	roleTTL  time.Duration
	nonceTTL time.Duration
}

func NewRedis(client *redis.Client, roleTTL, nonceTTL time.Duration) *Redis {
	return &Redis{client: client, roleTTL: roleTTL, nonceTTL: nonceTTL}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, roleTTL, nonceTTL time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(client, roleTTL, nonceTTL), nil
}

func roleKey(addr string) string  { return "role:" + addr }
func nonceKey(addr string) string { return "nonce:" + addr }

func (r *Redis) GetRole(ctx context.Context, addr string) (string, bool, error) {
	v, err := r.client.Get(ctx, roleKey(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) SetRole(ctx context.Context, addr, role string) error {
	return r.client.Set(ctx, roleKey(addr), role, r.roleTTL).Err()
}

func (r *Redis) InvalidateRole(ctx context.Context, addr string) error {
	return r.client.Del(ctx, roleKey(addr)).Err()
}

func (r *Redis) PutNonce(ctx context.Context, addr, nonce string) error {
	return r.client.Set(ctx, nonceKey(addr), nonce, r.nonceTTL).Err()
}

// TakeNonce returns and deletes the nonce so it can be used only once.
func (r *Redis) TakeNonce(ctx context.Context, addr string) (string, error) {
	v, err := r.client.GetDel(ctx, nonceKey(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNonceNotFound
	}
	return v, err
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
