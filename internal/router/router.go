package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hellofresh/health-go/v5"

	"credportal/internal/eth/ipfs"
	"credportal/internal/handlers"
	"credportal/internal/middleware"
	"credportal/pkg"
)

const checkTimeout = 5 * time.Second

type Deps struct {
	API         *handlers.API
	IPFS        *ipfs.Handler
	Tokens      *pkg.Tokens
	CORSOrigins []string
	Health      *health.Health
}

// Check is a named dependency probe reported under /health.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// NewHealth builds the health checker for the given probes.
func NewHealth(version string, checks ...Check) (*health.Health, error) {
	opts := []health.Option{health.WithComponent(health.Component{
		Name:    "credportal",
		Version: version,
	})}
	for _, c := range checks {
		opts = append(opts, health.WithChecks(health.Config{
			Name:    c.Name,
			Timeout: checkTimeout,
			Check:   c.Fn,
		}))
	}
	return health.New(opts...)
}

func healthReq(h *health.Health) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := h.Measure(r.Context())
		status := http.StatusOK
		if res.Status != health.StatusOK {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(res)
	}
}

func RegisterRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	api := d.API

	r.Use(middleware.CORSMiddleware(d.CORSOrigins))
	r.Use(middleware.LoggingMiddleware)

	if d.Health != nil {
		r.Get("/health", healthReq(d.Health))
	}
	r.Post("/getnonce", api.GetNonce)
	r.Post("/auth/metamasklogin", api.LoginInMetamask)
	r.Get("/credential/{id}/qrcode", api.GetCredentialQRCode)

	r.Get("/api/roles/{address}", api.GetRole)
	r.Get("/api/verify/tx/{hash}", api.VerifyTransaction)
	r.Get("/api/registry/credentials/{id}", api.RegistryCredential)
	r.Get("/api/registry/students/{address}", api.StudentCredentials)

	// OCR verification (public)
	r.Post("/api/v1/verify-document", api.VerifyDocument)
	// Public verify data (token required via query param)
	r.Get("/api/v1/credential-info/{id}", api.GetCredentialInfo)

	// Anonymous verifiers are allowed; signed-in ones get a history entry.
	r.Group(func(r chi.Router) {
		r.Use(middleware.OptionalAuth(d.Tokens))
		r.Get("/api/verify/{id}", api.VerifyCredential)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.Tokens))
		r.Get("/api/v1/auth/me", api.AuthMe)
		r.Post("/api/roles/select", api.SelectRole)

		r.Post("/api/credentials", api.IssueCredential)
		r.Get("/api/credentials/issued", api.IssuedCredentials)
		r.Get("/api/creds", api.UserCreds)
		r.Get("/api/history", api.History)
		// Bulk CSV upload for institutions
		r.Post("/api/v1/institution/bulk-upload", api.BulkUploadHandler)
		// Create short-lived share link for credential (requires student auth)
		r.Post("/api/v1/credentials/generate-share-link", api.GenerateShareLink)

		r.Get("/api/admin/pending", api.ListPending)
		r.Get("/api/admin/approved", api.ListApproved)
		r.Patch("/api/admin/approve", api.ApprovePendingRequest)
		r.Patch("/api/admin/reject", api.RejectPendingRequest)

		r.Post("/api/registry/institutions", api.RegisterInstitution)
		r.Post("/api/registry/credentials/{id}/revoke", api.RevokeCredential)

		if d.IPFS != nil {
			r.Post("/api/uploadtoipfs", d.IPFS.CreateJSONFileAndStoreToIPFS)
		}
	})
	return r
}
