package handlers

import (
	"net/http"

	"credportal/internal/middleware"
)

// AuthMe returns the current wallet's role and any outstanding role request.
// GET /api/v1/auth/me (protected)
func (a *API) AuthMe(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	acct, err := a.Portal.Account(r.Context(), addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, acct)
}
