package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is the in-process Cache used when no Redis address is configured.
// It is only suitable for a single instance. Entries keep the expiry they
// were written with; reads do not extend it.
type Memory struct {
	roles  *ttlcache.Cache[string, string]
	nonces *ttlcache.Cache[string, string]
}

func NewMemory(roleTTL, nonceTTL time.Duration) *Memory {
	return &Memory{
		roles: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](roleTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		nonces: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](nonceTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func (m *Memory) GetRole(_ context.Context, addr string) (string, bool, error) {
	item := m.roles.Get(addr)
	if item == nil {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (m *Memory) SetRole(_ context.Context, addr, role string) error {
	m.roles.Set(addr, role, ttlcache.DefaultTTL)
	return nil
}

func (m *Memory) InvalidateRole(_ context.Context, addr string) error {
	m.roles.Delete(addr)
	return nil
}

func (m *Memory) PutNonce(_ context.Context, addr, nonce string) error {
	m.nonces.Set(addr, nonce, ttlcache.DefaultTTL)
	return nil
}

func (m *Memory) TakeNonce(_ context.Context, addr string) (string, error) {
	item, ok := m.nonces.GetAndDelete(addr)
	if !ok || item == nil {
		return "", ErrNonceNotFound
	}
	return item.Value(), nil
}

func (m *Memory) Ping(context.Context) error { return nil }
