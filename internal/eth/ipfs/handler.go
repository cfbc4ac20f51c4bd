package ipfs

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"credportal/internal/logging"
	"credportal/internal/middleware"
)

// Handler exposes pinning to authenticated wallets.
type Handler struct {
	Pinner  Pinner
	Gateway *Gateway
	Timeout time.Duration
}

// CreateJSONFileAndStoreToIPFS pins the request's JSON body for the caller.
// POST /api/uploadtoipfs (protected)
// Body: { "name": "...", "content": {...} }
func (h *Handler) CreateJSONFileAndStoreToIPFS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	addr, ok := middleware.Address(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		Name    string          `json:"name"`
		Content json.RawMessage `json:"content"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(body.Content) == 0 || string(body.Content) == "null" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		body.Name = "upload-" + addr
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	cid, err := h.Pinner.PinJSON(ctx, body.Name, body.Content, map[string]any{"owner": addr})
	if err != nil {
		logging.Log().Warnf("ipfs upload for %s failed: %v", addr, err)
		http.Error(w, "failed to pin content", http.StatusBadGateway)
		return
	}

	resp := map[string]any{"cid": cid}
	if h.Gateway != nil {
		resp["url"] = h.Gateway.URL(cid)
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}
