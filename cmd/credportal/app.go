package main

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"credportal/internal/cache"
	"credportal/internal/config"
	"credportal/internal/db"
	"credportal/internal/docscan"
	"credportal/internal/eth/chain"
	"credportal/internal/eth/ipfs"
	"credportal/internal/logging"
	"credportal/internal/portal"
	"credportal/internal/registry"
	"credportal/internal/storage"
)

// app owns every long-lived dependency of the portal.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	cache    cache.Cache
	redis    *cache.Redis
	conn     *gorm.DB
	registry *registry.Registry
	pinner   ipfs.Pinner
	gateway  *ipfs.Gateway
	portal   *portal.Service
	scanner  *docscan.Scanner

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.store, err = storage.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	if cfg.Redis.Addr != "" {
		a.redis, err = cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.RoleTTL, cfg.Redis.NonceTTL)
		if err != nil {
			return err
		}
		a.cache = a.redis
		a.closers = append(a.closers, a.redis.Close)
	} else {
		logging.Log().Warn("REDIS_ADDR not set, using in-process cache")
		a.cache = cache.NewMemory(cfg.Redis.RoleTTL, cfg.Redis.NonceTTL)
	}

	a.conn, err = db.Open(cfg.Database)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return db.Close(a.conn) })
	a.registry = registry.New(a.conn, cfg.Roles.RegistryOwner)
	if a.registry.Owner() == "" {
		logging.Log().Warn("REGISTRY_OWNER not set, institutions cannot be registered on the credential registry")
	}

	if cfg.Pinning.Enabled() {
		a.pinner = ipfs.NewPinata(cfg.Pinning.JWT, cfg.Pinning.APIKey, cfg.Pinning.APISecret)
	} else {
		logging.Log().Warn("Pinata credentials not set, credentials will be stored locally only")
		a.pinner = ipfs.Disabled{}
	}
	a.gateway = ipfs.NewGateway(cfg.Pinning.GatewayURL, cfg.Pinning.Timeout)

	opts := portal.Options{
		Store:              a.store,
		Cache:              a.cache,
		Pinner:             a.pinner,
		Gateway:            a.gateway,
		Registry:           a.registry,
		AdminAddresses:     cfg.Roles.AdminAddresses,
		FallbackHeuristics: cfg.Roles.FallbackHeuristics,
		RegistrationFee:    cfg.Chain.RegistrationFee,
		PinTimeout:         cfg.Pinning.Timeout,
	}
	if cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.TreasuryAddress, cfg.Chain.RegistrationFee, cfg.Chain.Timeout)
		if err != nil {
			return err
		}
		opts.Chain = client
	} else {
		logging.Log().Warn("ETH_RPC_URL not set, registration payments cannot be confirmed")
	}
	a.portal = portal.New(opts)

	a.scanner = a.newScanner(ctx)
	return nil
}

// newScanner wires OCR and field parsing when both are configured. A nil
// scanner makes document verification report itself unavailable.
func (a *app) newScanner(ctx context.Context) *docscan.Scanner {
	cfg := a.cfg.Scan
	if cfg.GeminiAPIKey == "" {
		logging.Log().Info("GEMINI_API_KEY not set, document verification disabled")
		return nil
	}
	ocr, err := docscan.NewVisionOCR(ctx, cfg.CredentialsFile)
	if err != nil {
		logging.Log().Warnf("document verification disabled: %v", err)
		return nil
	}
	a.closers = append(a.closers, ocr.Close)
	parser, err := docscan.NewGeminiParser(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		logging.Log().Warnf("document verification disabled: %v", err)
		return nil
	}
	a.closers = append(a.closers, parser.Close)
	return docscan.NewScanner(ocr, parser, a.portal)
}

// Close releases dependencies in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
