package handlers

import (
	"net/http"

	"credportal/internal/middleware"
	"credportal/internal/models"
)

type decisionReq struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// ListPending: GET /api/admin/pending (admin)
func (a *API) ListPending(w http.ResponseWriter, r *http.Request) {
	a.listUsers(w, r, a.Portal.Pending)
}

// ListApproved: GET /api/admin/approved (admin)
func (a *API) ListApproved(w http.ResponseWriter, r *http.Request) {
	a.listUsers(w, r, a.Portal.Approved)
}

// ApprovePendingRequest: PATCH /api/admin/approve (admin)
func (a *API) ApprovePendingRequest(w http.ResponseWriter, r *http.Request) {
	admin, body, ok := a.decision(w, r)
	if !ok {
		return
	}
	rec, err := a.Portal.Approve(r.Context(), admin, body.Address)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, rec)
}

// RejectPendingRequest: PATCH /api/admin/reject (admin)
func (a *API) RejectPendingRequest(w http.ResponseWriter, r *http.Request) {
	admin, body, ok := a.decision(w, r)
	if !ok {
		return
	}
	rec, err := a.Portal.Reject(r.Context(), admin, body.Address, body.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, rec)
}

func (a *API) decision(w http.ResponseWriter, r *http.Request) (string, decisionReq, bool) {
	var body decisionReq
	admin, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", body, false
	}
	if !decodeBody(w, r, &body) {
		return "", body, false
	}
	if body.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return "", body, false
	}
	return admin, body, true
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request, list func() ([]models.UserRecord, error)) {
	if !a.requireAdmin(w, r) {
		return
	}
	users, err := list()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if users == nil {
		users = []models.UserRecord{}
	}
	writeJSONResp(w, http.StatusOK, users)
}

func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	role, has, err := a.Portal.ResolveRole(r.Context(), addr)
	if err != nil {
		writeServiceError(w, err)
		return false
	}
	if !has || role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}
