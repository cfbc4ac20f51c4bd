package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"credportal/internal/config"
	"credportal/internal/db"
	"credportal/internal/eth/ipfs"
	"credportal/internal/handlers"
	"credportal/internal/logging"
	"credportal/internal/portal"
	"credportal/internal/router"
	"credportal/pkg"
)

var (
	version = "dev"

	envFile     string
	adminFlag   string
	reasonFlag  string
	verifierTag string
)

var rootCmd = &cobra.Command{
	Use:           "credportal",
	Short:         "Credential registration and verification portal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var roleCmd = &cobra.Command{
	Use:   "role [address]",
	Short: "Resolve the role of a wallet address",
	Args:  cobra.ExactArgs(1),
	RunE:  runRole,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [credential-id]",
	Short: "Verify a credential and record the attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var approveCmd = &cobra.Command{
	Use:   "approve [address]",
	Short: "Approve a pending role request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject [address]",
	Short: "Reject a role request or revoke an approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&adminFlag, "admin", "", "admin address recorded on the decision (default: first of ADMIN_ADDRESSES)")
	}
	rejectCmd.Flags().StringVar(&reasonFlag, "reason", "", "reason recorded on the rejection")
	verifyCmd.Flags().StringVar(&verifierTag, "verifier-name", "cli", "verifier name recorded in the history")

	rootCmd.AddCommand(serveCmd, roleCmd, verifyCmd, approveCmd, rejectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	// The dotenv file may set LOG_* variables.
	logging.Configure()
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	checks := []router.Check{
		{Name: "store", Fn: func(context.Context) error { return a.store.Ping() }},
		{Name: "database", Fn: func(context.Context) error { return db.Ping(a.conn) }},
		{Name: "cache", Fn: a.cache.Ping},
	}
	health, err := router.NewHealth(version, checks...)
	if err != nil {
		return fmt.Errorf("health checks: %w", err)
	}

	tokens := pkg.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	handler := router.RegisterRouter(router.Deps{
		API: &handlers.API{
			Portal:          a.portal,
			Registry:        a.registry,
			Tokens:          tokens,
			Cache:           a.cache,
			Scanner:         a.scanner,
			ShareSecret:     []byte(cfg.Auth.ShareSecret),
			FrontendBaseURL: cfg.FrontendBaseURL,
		},
		IPFS:        &ipfs.Handler{Pinner: a.pinner, Gateway: a.gateway, Timeout: cfg.Pinning.Timeout},
		Tokens:      tokens,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Health:      health,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Log().Infof("credportal %s listening on %s", version, srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logging.Log().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// withApp runs fn against the local store and registry.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runRole(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
		return a.portal.Account(ctx, args[0])
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
		return a.portal.Verify(ctx, args[0], portal.Verifier{Name: verifierTag})
	})
}

func runApprove(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
		admin, err := adminAddress(a.cfg)
		if err != nil {
			return nil, err
		}
		return a.portal.Approve(ctx, admin, args[0])
	})
}

func runReject(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
		admin, err := adminAddress(a.cfg)
		if err != nil {
			return nil, err
		}
		return a.portal.Reject(ctx, admin, args[0], reasonFlag)
	})
}

func adminAddress(cfg *config.Config) (string, error) {
	if adminFlag != "" {
		return adminFlag, nil
	}
	if len(cfg.Roles.AdminAddresses) == 0 {
		return "", errors.New("no admin address: pass --admin or set ADMIN_ADDRESSES")
	}
	return cfg.Roles.AdminAddresses[0], nil
}
