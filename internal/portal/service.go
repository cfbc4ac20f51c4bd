// Package portal implements the credential portal's operations: role
// resolution and selection, issuance, verification and admin review.
package portal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"credportal/internal/cache"
	"credportal/internal/eth/chain"
	"credportal/internal/eth/ipfs"
	"credportal/internal/eth/wallet"
	"credportal/internal/logging"
	"credportal/internal/registry"
	"credportal/internal/storage"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrRoleConflict       = errors.New("address already holds a different role")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidAddress     = wallet.ErrInvalidAddress
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrPaymentUnconfirmed = chain.ErrPaymentUnconfirmed
)

// Chain is the transaction lookup the portal needs from the wallet RPC.
type Chain interface {
	LookupTransaction(ctx context.Context, hash string) (*chain.TxInfo, error)
	ConfirmPayment(ctx context.Context, from, hash string) (*chain.TxInfo, error)
}

type Options struct {
	Store    *storage.Store
	Cache    cache.Cache
	Pinner   ipfs.Pinner
	Gateway  *ipfs.Gateway
	Chain    Chain
	Registry *registry.Registry

	AdminAddresses     []string
	FallbackHeuristics bool
	RegistrationFee    *big.Int
	PinTimeout         time.Duration

	Now func() time.Time
}

type Service struct {
	store      *storage.Store
	cache      cache.Cache
	pinner     ipfs.Pinner
	gateway    *ipfs.Gateway
	chain      Chain
	registry   *registry.Registry
	admins     map[string]bool
	heuristics bool
	fee        *big.Int
	pinTimeout time.Duration
	now        func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		store:      opts.Store,
		cache:      opts.Cache,
		pinner:     opts.Pinner,
		gateway:    opts.Gateway,
		chain:      opts.Chain,
		registry:   opts.Registry,
		admins:     make(map[string]bool, len(opts.AdminAddresses)),
		heuristics: opts.FallbackHeuristics,
		fee:        opts.RegistrationFee,
		pinTimeout: opts.PinTimeout,
		now:        opts.Now,
	}
	for _, a := range opts.AdminAddresses {
		s.admins[storage.NormalizeAddress(a)] = true
	}
	if s.cache == nil {
		s.cache = cache.NewMemory(5*time.Minute, 5*time.Minute)
	}
	if s.pinner == nil {
		s.pinner = ipfs.Disabled{}
	}
	if s.fee == nil {
		s.fee = big.NewInt(0)
	}
	if s.pinTimeout <= 0 {
		s.pinTimeout = 15 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Registry returns the configured ledger, or nil.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Gateway returns the configured gateway reader, or nil.
func (s *Service) Gateway() *ipfs.Gateway { return s.gateway }

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

func normalize(addr string) (string, error) {
	return wallet.Normalize(addr)
}

// pin stores payload with the pinning service under the pin timeout.
func (s *Service) pin(ctx context.Context, name string, payload any, keyvalues map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pinTimeout)
	defer cancel()
	cid, err := s.pinner.PinJSON(ctx, name, payload, keyvalues)
	if err != nil {
		return "", err
	}
	return cid, nil
}

// pinBestEffort pins payload and logs instead of failing.
func (s *Service) pinBestEffort(ctx context.Context, name string, payload any, keyvalues map[string]any) string {
	cid, err := s.pin(ctx, name, payload, keyvalues)
	if err != nil {
		if !errors.Is(err, ipfs.ErrPinningDisabled) {
			logging.Log().Warnf("pinning %s failed: %v", name, err)
		}
		return ""
	}
	return cid
}

func (s *Service) invalidateRole(ctx context.Context, addr string) {
	if err := s.cache.InvalidateRole(ctx, addr); err != nil {
		logging.Log().Warnf("invalidate cached role for %s: %v", addr, err)
	}
}

func invalidPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
