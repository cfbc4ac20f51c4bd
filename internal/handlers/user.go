package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"credportal/internal/middleware"
	"credportal/internal/portal"
)

// GetRole resolves the role of any wallet.
// GET /api/roles/{address}
func (a *API) GetRole(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	role, ok, err := a.Portal.ResolveRole(r.Context(), addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, map[string]any{
		"address": addr,
		"role":    role,
		"hasRole": ok,
	})
}

type selectRoleReq struct {
	Role            string `json:"role"`
	TransactionHash string `json:"transactionHash"`
	TxHash          string `json:"txHash"`
	Name            string `json:"name"`
}

// SelectRole records the caller's role request, paid by the given transaction.
// POST /api/roles/select (protected)
func (a *API) SelectRole(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body selectRoleReq
	if !decodeBody(w, r, &body) {
		return
	}
	hash := body.TransactionHash
	if hash == "" {
		hash = body.TxHash
	}

	rec, err := a.Portal.SelectRole(r.Context(), portal.RoleRequest{
		Address: addr,
		Role:    body.Role,
		TxHash:  hash,
		Name:    body.Name,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusCreated, rec)
}

// UserCreds lists the credentials held by the caller.
// GET /api/creds (protected)
func (a *API) UserCreds(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	creds, err := a.Portal.HeldBy(addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, creds)
}
