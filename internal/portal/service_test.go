package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"credportal/internal/cache"
	"credportal/internal/config"
	"credportal/internal/db"
	"credportal/internal/eth/chain"
	"credportal/internal/eth/ipfs"
	"credportal/internal/registry"
	"credportal/internal/storage"
)

const (
	adminAddr   = "0xa000000000000000000000000000000000000001"
	ownerAddr   = "0xb000000000000000000000000000000000000002"
	uniAddr     = "0xc000000000000000000000000000000000000003"
	studentAddr = "0xd000000000000000000000000000000000000004"
	otherAddr   = "0xe000000000000000000000000000000000000005"

	txHash = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memPinner keeps pinned documents in memory and serves them like a gateway.
type memPinner struct {
	mu   sync.Mutex
	docs map[string][]byte
	fail error
	n    int
}

func newMemPinner() *memPinner {
	return &memPinner{docs: map[string][]byte{}}
}

func (p *memPinner) PinJSON(_ context.Context, name string, payload any, _ map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	p.n++
	cid := fmt.Sprintf("bafy%04d", p.n)
	p.docs[cid] = data
	return cid, nil
}

func (p *memPinner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.docs[strings.TrimPrefix(r.URL.Path, "/ipfs/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(doc)
}

type fakeChain struct {
	txs        map[string]*chain.TxInfo
	confirmErr error
	lookupErr  error
}

func (f *fakeChain) LookupTransaction(_ context.Context, hash string) (*chain.TxInfo, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	info, ok := f.txs[hash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return info, nil
}

func (f *fakeChain) ConfirmPayment(ctx context.Context, from, hash string) (*chain.TxInfo, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	info, err := f.LookupTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(info.From, from) {
		return info, fmt.Errorf("%w: wrong sender", chain.ErrPaymentUnconfirmed)
	}
	return info, nil
}

type fixture struct {
	svc      *Service
	store    *storage.Store
	pinner   *memPinner
	chain    *fakeChain
	registry *registry.Registry
	gateway  *ipfs.Gateway
}

type fixtureOption func(*Options)

func withFee(wei int64) fixtureOption {
	return func(o *Options) { o.RegistrationFee = big.NewInt(wei) }
}

func withHeuristics() fixtureOption {
	return func(o *Options) { o.FallbackHeuristics = true }
}

func withoutPinning() fixtureOption {
	return func(o *Options) { o.Pinner = ipfs.Disabled{} }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open(filepath.Join(dir, "portal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "registry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(conn) })

	f := &fixture{
		store:    store,
		pinner:   newMemPinner(),
		chain:    &fakeChain{txs: map[string]*chain.TxInfo{}},
		registry: registry.New(conn, ownerAddr),
	}
	srv := httptest.NewServer(f.pinner)
	t.Cleanup(srv.Close)
	f.gateway = ipfs.NewGateway(srv.URL+"/ipfs", time.Second)

	o := Options{
		Store:          store,
		Cache:          cache.NewMemory(time.Minute, time.Minute),
		Pinner:         f.pinner,
		Gateway:        f.gateway,
		Chain:          f.chain,
		Registry:       f.registry,
		AdminAddresses: []string{adminAddr},
		Now:            func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.svc = New(o)
	return f
}

// grant gives addr an approved role directly.
func (f *fixture) grant(t *testing.T, addr, role string) {
	t.Helper()
	_, err := f.svc.SelectRole(context.Background(), RoleRequest{Address: addr, Role: role})
	require.NoError(t, err)
	if role == "institution" {
		_, err = f.svc.Approve(context.Background(), adminAddr, addr)
		require.NoError(t, err)
	}
}
