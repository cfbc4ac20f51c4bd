package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"credportal/internal/logging"
	"credportal/internal/middleware"
	"credportal/internal/portal"
)

const maxCertificateBytes = 10 << 20

var certificateFieldAlternatives = []string{"file", "upload", "image", "document", "cert", "certificateFile", "certificate[]", "files[]"}

// VerifyCredential checks a credential id and records the attempt. Signed-in
// callers are recorded as the verifier; verifierName may name them.
// GET /api/verify/{id}
func (a *API) VerifyCredential(w http.ResponseWriter, r *http.Request) {
	verifier := portal.Verifier{Name: strings.TrimSpace(r.URL.Query().Get("verifierName"))}
	if addr, ok := middleware.Address(r); ok {
		verifier.Address = addr
	}
	res, err := a.Portal.Verify(r.Context(), chi.URLParam(r, "id"), verifier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, res)
}

// VerifyTransaction reports the chain and portal records for a transaction.
// GET /api/verify/tx/{hash}
func (a *API) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := a.Portal.VerifyTransaction(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, res)
}

// History lists the verifications recorded for the caller.
// GET /api/history (protected)
func (a *API) History(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := a.Portal.History(addr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, list)
}

// VerifyDocument: POST /api/v1/verify-document
// multipart/form-data with file field "certificate"
func (a *API) VerifyDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCertificateBytes)
	if err := r.ParseMultipartForm(maxCertificateBytes); err != nil {
		writeJSONResp(w, http.StatusBadRequest, map[string]any{"status": "Bad_Request", "message": "failed to parse form or file too large"})
		return
	}
	file, _, available := formFile(r, "certificate", certificateFieldAlternatives...)
	if file == nil {
		writeJSONResp(w, http.StatusBadRequest, map[string]any{
			"status":              "Bad_Request",
			"message":             "certificate file is required",
			"available_file_keys": available,
		})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	res, err := a.Scanner.Scan(r.Context(), image)
	if err != nil {
		logging.Log().Infof("verify-document: %v", err)
		writeServiceError(w, err)
		return
	}
	writeJSONResp(w, http.StatusOK, res)
}
