package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// GetCredentialQRCode renders the public verify URL of a credential as a PNG.
// GET /credential/{id}/qrcode
func (a *API) GetCredentialQRCode(w http.ResponseWriter, r *http.Request) {
	credID := chi.URLParam(r, "id")
	if credID == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	data := trimRightSlash(a.FrontendBaseURL) + "/verify/" + url.PathEscape(credID)
	png, err := qrcode.Encode(data, qrcode.Medium, qrSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
