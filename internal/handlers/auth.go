package handlers

import (
	"errors"
	"net/http"

	"credportal/internal/cache"
	"credportal/internal/eth/wallet"
	"credportal/internal/logging"
)

type nonceReq struct {
	Address string `json:"address"`
}

// GetNonce issues a single-use login challenge for a wallet.
// POST /getnonce
func (a *API) GetNonce(w http.ResponseWriter, r *http.Request) {
	var body nonceReq
	if !decodeBody(w, r, &body) {
		return
	}
	addr, err := wallet.Normalize(body.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := wallet.NewNonce()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate nonce")
		return
	}
	if err := a.Cache.PutNonce(r.Context(), addr, nonce); err != nil {
		logging.Log().Errorf("store nonce for %s: %v", addr, err)
		writeError(w, http.StatusInternalServerError, "failed to store nonce")
		return
	}
	writeJSONResp(w, http.StatusOK, map[string]any{
		"address": addr,
		"nonce":   nonce,
		"message": wallet.LoginMessage(nonce),
	})
}

type loginReq struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// LoginInMetamask exchanges a signed nonce for a session token.
// POST /auth/metamasklogin
func (a *API) LoginInMetamask(w http.ResponseWriter, r *http.Request) {
	var body loginReq
	if !decodeBody(w, r, &body) {
		return
	}
	addr, err := wallet.Normalize(body.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := a.Cache.TakeNonce(r.Context(), addr)
	if errors.Is(err, cache.ErrNonceNotFound) {
		writeError(w, http.StatusUnauthorized, "nonce expired or not requested")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read nonce")
		return
	}
	if err := wallet.VerifySignature(addr, wallet.LoginMessage(nonce), body.Signature); err != nil {
		logging.Log().Infof("login rejected for %s: %v", addr, err)
		writeError(w, http.StatusUnauthorized, "signature does not match address")
		return
	}
	token, err := a.Tokens.CreateToken(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	resp := map[string]any{"token": token, "address": addr}
	if role, ok, err := a.Portal.ResolveRole(r.Context(), addr); err == nil && ok {
		resp["role"] = role
	}
	writeJSONResp(w, http.StatusOK, resp)
}
