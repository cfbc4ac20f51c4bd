// Package handlers is the portal's HTTP surface.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"credportal/internal/cache"
	"credportal/internal/docscan"
	"credportal/internal/eth/chain"
	"credportal/internal/logging"
	"credportal/internal/portal"
	"credportal/internal/registry"
	"credportal/pkg"
)

// API holds the dependencies shared by all handlers.
type API struct {
	Portal          *portal.Service
	Registry        *registry.Registry
	Tokens          *pkg.Tokens
	Cache           cache.Cache
	Scanner         *docscan.Scanner
	ShareSecret     []byte
	FrontendBaseURL string

	now func() time.Time
}

func (a *API) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func writeJSONResp(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResp(w, status, map[string]any{"error": msg})
}

// writeServiceError maps a service error to its HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Log().Errorf("request failed: %v", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, portal.ErrInvalidAddress),
		errors.Is(err, portal.ErrInvalidPayload),
		errors.Is(err, registry.ErrInvalidAddress),
		errors.Is(err, docscan.ErrNoText),
		errors.Is(err, docscan.ErrNoIdentifier),
		errors.Is(err, docscan.ErrEmptyImage):
		return http.StatusBadRequest
	case errors.Is(err, portal.ErrPaymentUnconfirmed):
		return http.StatusPaymentRequired
	case errors.Is(err, portal.ErrForbidden),
		errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, registry.ErrNotInstitution),
		errors.Is(err, registry.ErrNotIssuer):
		return http.StatusForbidden
	case errors.Is(err, portal.ErrNotFound),
		errors.Is(err, registry.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, portal.ErrRoleConflict),
		errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, registry.ErrAlreadyRevoked):
		return http.StatusConflict
	case errors.Is(err, docscan.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrRPC):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeBody decodes a JSON request body of at most 1 MiB into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func trimRightSlash(s string) string {
	return strings.TrimRight(s, "/")
}
