package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"credportal/internal/middleware"
	"credportal/internal/models"
)

type issueCredentialReq struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	StudentName   string         `json:"studentName"`
	StudentWallet string         `json:"studentWallet"`
	IssuerName    string         `json:"issuerName"`
	ExpiryDate    *time.Time     `json:"expiryDate"`
	Metadata      map[string]any `json:"metadata"`
}

// IssueCredential issues a credential from the calling institution.
// POST /api/credentials (protected)
func (a *API) IssueCredential(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body issueCredentialReq
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := a.Portal.Issue(r.Context(), addr, models.Credential{
		Title:         body.Title,
		Description:   body.Description,
		StudentName:   body.StudentName,
		StudentWallet: body.StudentWallet,
		IssuerName:    body.IssuerName,
		ExpiryDate:    body.ExpiryDate,
		Metadata:      body.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusCreated, res)
}

// IssuedCredentials lists the credentials the caller has issued.
// GET /api/credentials/issued (protected)
func (a *API) IssuedCredentials(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	creds, err := a.Portal.IssuedBy(addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, creds)
}

type registerInstitutionReq struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// RegisterInstitution adds an institution to the registry. Only the registry
// owner may call it.
// POST /api/registry/institutions (protected)
func (a *API) RegisterInstitution(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !a.registryEnabled(w) {
		return
	}
	var body registerInstitutionReq
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	inst, err := a.Registry.RegisterInstitution(r.Context(), addr, body.Address, body.Name, body.Location)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusCreated, inst)
}

// RevokeCredential revokes a registry credential issued by the caller.
// POST /api/registry/credentials/{id}/revoke (protected)
func (a *API) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !a.registryEnabled(w) {
		return
	}
	id, ok := registryID(w, r)
	if !ok {
		return
	}
	if err := a.Registry.RevokeCredential(r.Context(), addr, id); err != nil {
		writeServiceError(w, err)
		return
	}
	cred, err := a.Registry.Credential(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, cred)
}

// RegistryCredential reports a registry credential and whether it is valid.
// GET /api/registry/credentials/{id}
func (a *API) RegistryCredential(w http.ResponseWriter, r *http.Request) {
	if !a.registryEnabled(w) {
		return
	}
	id, ok := registryID(w, r)
	if !ok {
		return
	}
	valid, err := a.Registry.VerifyCredential(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	cred, err := a.Registry.Credential(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, map[string]any{"valid": valid, "credential": cred})
}

// StudentCredentials lists the registry ids issued to a student.
// GET /api/registry/students/{address}
func (a *API) StudentCredentials(w http.ResponseWriter, r *http.Request) {
	if !a.registryEnabled(w) {
		return
	}
	addr := chi.URLParam(r, "address")
	ids, err := a.Registry.GetStudentCredentials(r.Context(), addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, map[string]any{"student": strings.ToLower(addr), "credentialIds": ids})
}

func (a *API) registryEnabled(w http.ResponseWriter) bool {
	if a.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry is not configured")
		return false
	}
	return true
}

func registryID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return 0, false
	}
	return uint(id), true
}
