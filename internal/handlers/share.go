package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"credportal/internal/logging"
	"credportal/internal/middleware"
	"credportal/internal/models"
)

const (
	minShareHours = 1
	maxShareHours = 168
	invalidLink   = "This verification link is invalid or has expired."
)

type shareClaims struct {
	CredentialID string `json:"credential_id"`
	jwt.RegisteredClaims
}

type generateShareLinkResp struct {
	ShareableURL string    `json:"shareable_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// GenerateShareLink signs a time-limited link to one of the caller's credentials.
// POST /api/v1/credentials/generate-share-link (protected)
func (a *API) GenerateShareLink(w http.ResponseWriter, r *http.Request) {
	addr, ok := middleware.Address(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if len(a.ShareSecret) == 0 {
		writeError(w, http.StatusInternalServerError, "server misconfigured")
		return
	}

	// The frontend sends snake_case, camelCase and a "duration" alias.
	var payload map[string]any
	if !decodeBody(w, r, &payload) {
		return
	}
	credID := firstString(payload, "credential_id", "credentialId")
	if credID == "" {
		writeError(w, http.StatusBadRequest, "credential_id is required")
		return
	}
	hours, _ := firstInt(payload, "expires_in_hours", "expiresInHours", "duration")
	if hours < minShareHours || hours > maxShareHours {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("expires_in_hours must be between %d and %d", minShareHours, maxShareHours))
		return
	}

	cred, err := a.Portal.FindLocal(credID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cred.StudentWallet == "" || !models.EqualAddress(cred.StudentWallet, addr) {
		writeError(w, http.StatusForbidden, "forbidden: not owner of credential")
		return
	}

	now := a.clock()
	exp := now.Add(time.Duration(hours) * time.Hour)
	claims := shareClaims{
		CredentialID: credID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.ShareSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign share token")
		return
	}

	link := shareURL(a.FrontendBaseURL, credID, signed)
	writeJSONResp(w, http.StatusOK, generateShareLinkResp{ShareableURL: link, ExpiresAt: exp})
}

func shareURL(base, credID, token string) string {
	return fmt.Sprintf("%s/verify/%s?token=%s", trimRightSlash(base), url.PathEscape(credID), url.QueryEscape(token))
}

// GetCredentialInfo returns a shared credential and its pinned document.
// GET /api/v1/credential-info/{id}?token=...
func (a *API) GetCredentialInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		writeError(w, http.StatusUnauthorized, invalidLink)
		return
	}
	claims, err := a.parseShareToken(tokenStr)
	if err != nil {
		logging.Log().Debugf("share token for %s rejected: %v", id, err)
		writeError(w, http.StatusUnauthorized, invalidLink)
		return
	}
	if claims.CredentialID != id {
		writeError(w, http.StatusForbidden, "forbidden: id mismatch")
		return
	}

	cred, err := a.Portal.FindLocal(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// The pinned document is best-effort.
	var doc any
	if gw := a.Portal.Gateway(); gw != nil {
		if cid, err := a.Portal.LookupCID(id); err == nil && cid != "" {
			if err := gw.Fetch(r.Context(), cid, &doc); err != nil {
				logging.Log().Debugf("fetch pinned document %s: %v", cid, err)
				doc = nil
			}
		}
	}

	writeJSONResp(w, http.StatusOK, map[string]any{
		"credential":  cred,
		"ipfs":        doc,
		"valid_until": claims.ExpiresAt.Time,
	})
}

func (a *API) parseShareToken(tokenStr string) (*shareClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &shareClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.ShareSecret, nil
	}, jwt.WithTimeFunc(a.clock), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*shareClaims)
	if !ok || !parsed.Valid || claims.CredentialID == "" {
		return nil, errors.New("malformed share token")
	}
	return claims, nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// firstInt accepts JSON numbers and numeric strings.
func firstInt(payload map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch t := payload[k].(type) {
		case float64:
			return int(t), true
		case json.Number:
			if i, err := strconv.Atoi(t.String()); err == nil {
				return i, true
			}
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}
