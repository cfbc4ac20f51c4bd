package handlers

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"credportal/internal/logging"
	"credportal/internal/middleware"
)

const maxUploadBytes = 50 << 20

var csvFieldAlternatives = []string{"records", "csv", "file", "upload", "records_file", "recordsCSV", "recordsCsv[]", "files[]"}

// BulkUploadHandler issues one credential per row of an uploaded CSV file.
// POST /api/v1/institution/bulk-upload (protected)
func (a *API) BulkUploadHandler(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	file, header, available := formFile(r, "recordsCsv", csvFieldAlternatives...)
	if file == nil {
		writeJSONResp(w, http.StatusBadRequest, map[string]any{
			"error":               "recordsCsv file is required",
			"expected_field":      "recordsCsv",
			"available_file_keys": available,
		})
		return
	}
	defer file.Close()

	res, err := a.Portal.BulkIssue(r.Context(), addr, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	logging.Log().Infof("bulk upload by %s: %d issued, %d skipped, %d rejected", addr, len(res.Issued), res.Skipped, len(res.Errors))

	writeJSONResp(w, http.StatusOK, map[string]any{
		"message":            fmt.Sprintf("Successfully imported %d records. Skipped %d duplicates.", len(res.Issued), res.Skipped),
		"inserted":           len(res.Issued),
		"duplicates_skipped": res.Skipped,
		"issued":             res.Issued,
		"errors":             res.Errors,
		"file":               header.Filename,
	})
}

// formFile looks for the preferred multipart field, then the alternatives
// (case-insensitively), then falls back to the first file field present.
func formFile(r *http.Request, preferred string, alternatives ...string) (multipart.File, *multipart.FileHeader, []string) {
	var available []string
	if r.MultipartForm != nil {
		for k := range r.MultipartForm.File {
			available = append(available, k)
		}
	}
	for _, name := range append([]string{preferred}, alternatives...) {
		if f, h, err := r.FormFile(name); err == nil {
			return f, h, available
		}
		for _, k := range available {
			if strings.EqualFold(k, name) {
				if f, h, err := r.FormFile(k); err == nil {
					return f, h, available
				}
			}
		}
	}
	if len(available) > 0 {
		if f, h, err := r.FormFile(available[0]); err == nil {
			logging.Log().Debugf("upload: falling back to file field %q", available[0])
			return f, h, available
		}
	}
	return nil, nil, available
}
