package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credportal/internal/cache"
	"credportal/internal/config"
	"credportal/internal/db"
	"credportal/internal/docscan"
	"credportal/internal/eth/chain"
	"credportal/internal/middleware"
	"credportal/internal/portal"
	"credportal/internal/registry"
	"credportal/internal/storage"
	"credportal/pkg"
)

const (
	adminAddr   = "0xa000000000000000000000000000000000000001"
	ownerAddr   = "0xb000000000000000000000000000000000000002"
	uniAddr     = "0xc000000000000000000000000000000000000003"
	studentAddr = "0xd000000000000000000000000000000000000004"
	otherAddr   = "0xe000000000000000000000000000000000000005"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open(filepath.Join(dir, "portal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "registry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(conn) })
	reg := registry.New(conn, ownerAddr)

	c := cache.NewMemory(time.Minute, time.Minute)
	svc := portal.New(portal.Options{
		Store:          store,
		Cache:          c,
		Registry:       reg,
		AdminAddresses: []string{adminAddr},
		Now:            func() time.Time { return fixedNow },
	})
	return &API{
		Portal:          svc,
		Registry:        reg,
		Tokens:          pkg.NewTokens("session-secret", time.Hour),
		Cache:           c,
		ShareSecret:     []byte("share-secret"),
		FrontendBaseURL: "https://portal.example/",
		now:             func() time.Time { return fixedNow },
	}
}

// serve routes a single request through a chi router so URL params resolve.
// A non-empty addr is put in the context the way AuthMiddleware does.
func serve(h http.HandlerFunc, method, pattern, target, addr string, body io.Reader) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, func(w http.ResponseWriter, req *http.Request) {
		if addr != "" {
			req = req.WithContext(middleware.WithAddress(req.Context(), addr))
		}
		h(w, req)
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func makeInstitution(t *testing.T, api *API, addr string) {
	t.Helper()
	ctx := context.Background()
	_, err := api.Portal.SelectRole(ctx, portal.RoleRequest{Address: addr, Role: "institution", Name: "IIT Kanpur"})
	require.NoError(t, err)
	_, err = api.Portal.Approve(ctx, adminAddr, addr)
	require.NoError(t, err)
}

func issue(t *testing.T, api *API) string {
	t.Helper()
	makeInstitution(t, api, uniAddr)
	rr := serve(api.IssueCredential, http.MethodPost, "/api/credentials", "/api/credentials", uniAddr, jsonBody(t, map[string]any{
		"title":         "B.Tech Computer Science",
		"studentName":   "Asha Verma",
		"studentWallet": studentAddr,
	}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[portal.IssueResult](t, rr).Credential.ID
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{portal.ErrInvalidAddress, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", portal.ErrInvalidPayload), http.StatusBadRequest},
		{docscan.ErrNoIdentifier, http.StatusBadRequest},
		{portal.ErrPaymentUnconfirmed, http.StatusPaymentRequired},
		{portal.ErrForbidden, http.StatusForbidden},
		{registry.ErrNotOwner, http.StatusForbidden},
		{registry.ErrNotIssuer, http.StatusForbidden},
		{portal.ErrNotFound, http.StatusNotFound},
		{registry.ErrCredentialNotFound, http.StatusNotFound},
		{portal.ErrRoleConflict, http.StatusConflict},
		{registry.ErrAlreadyRevoked, http.StatusConflict},
		{docscan.ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: dial tcp", chain.ErrRPC), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestMetamaskLogin(t *testing.T) {
	api := newTestAPI(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	rr := serve(api.GetNonce, http.MethodPost, "/getnonce", "/getnonce", "", jsonBody(t, map[string]string{"address": addr}))
	require.Equal(t, http.StatusOK, rr.Code)
	nonce := decode[map[string]string](t, rr)
	require.NotEmpty(t, nonce["nonce"])

	sig, err := crypto.Sign(accounts.TextHash([]byte(nonce["message"])), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	login := map[string]string{"address": addr, "signature": hexutil.Encode(sig)}

	rr = serve(api.LoginInMetamask, http.MethodPost, "/auth/metamasklogin", "/auth/metamasklogin", "", jsonBody(t, login))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[map[string]any](t, rr)
	got, err := api.Tokens.ParseToken(out["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, nonce["address"], got)

	// The nonce is single-use.
	rr = serve(api.LoginInMetamask, http.MethodPost, "/auth/metamasklogin", "/auth/metamasklogin", "", jsonBody(t, login))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(api.GetNonce, http.MethodPost, "/getnonce", "/getnonce", "", jsonBody(t, map[string]string{"address": "0x12"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginRejectsWrongSigner(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.Cache.PutNonce(context.Background(), studentAddr, "n1"))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash([]byte("Nonce: n1")), key)
	require.NoError(t, err)

	rr := serve(api.LoginInMetamask, http.MethodPost, "/auth/metamasklogin", "/auth/metamasklogin", "",
		jsonBody(t, map[string]string{"address": studentAddr, "signature": hexutil.Encode(sig)}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSelectRoleAndAuthMe(t *testing.T) {
	api := newTestAPI(t)

	rr := serve(api.SelectRole, http.MethodPost, "/api/roles/select", "/api/roles/select", studentAddr, jsonBody(t, map[string]string{"role": "student"}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "approved", decode[map[string]any](t, rr)["status"])

	rr = serve(api.AuthMe, http.MethodGet, "/api/v1/auth/me", "/api/v1/auth/me", studentAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	acct := decode[portal.Account](t, rr)
	assert.True(t, acct.HasRole)
	assert.EqualValues(t, "student", acct.Role)

	rr = serve(api.GetRole, http.MethodGet, "/api/roles/{address}", "/api/roles/"+studentAddr, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "student", decode[map[string]any](t, rr)["role"])

	// A second, different role is a conflict.
	rr = serve(api.SelectRole, http.MethodPost, "/api/roles/select", "/api/roles/select", studentAddr, jsonBody(t, map[string]string{"role": "verifier"}))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = serve(api.SelectRole, http.MethodPost, "/api/roles/select", "/api/roles/select", otherAddr, jsonBody(t, map[string]string{"role": "admin"}))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(api.AuthMe, http.MethodGet, "/api/v1/auth/me", "/api/v1/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(api.GetRole, http.MethodGet, "/api/roles/{address}", "/api/roles/nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIssueAndList(t *testing.T) {
	api := newTestAPI(t)

	rr := serve(api.IssueCredential, http.MethodPost, "/api/credentials", "/api/credentials", studentAddr, jsonBody(t, map[string]any{
		"title": "x", "studentWallet": studentAddr,
	}))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	id := issue(t, api)

	rr = serve(api.IssuedCredentials, http.MethodGet, "/api/credentials/issued", "/api/credentials/issued", uniAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	issued := decode[[]map[string]any](t, rr)
	require.Len(t, issued, 1)
	assert.Equal(t, id, issued[0]["id"])

	rr = serve(api.UserCreds, http.MethodGet, "/api/creds", "/api/creds", studentAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	held := decode[[]map[string]any](t, rr)
	require.Len(t, held, 1)
	assert.Equal(t, id, held[0]["id"])

	rr = serve(api.UserCreds, http.MethodGet, "/api/creds", "/api/creds", otherAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestShareLink(t *testing.T) {
	api := newTestAPI(t)
	id := issue(t, api)
	share := func(addr string, body map[string]any) *httptest.ResponseRecorder {
		return serve(api.GenerateShareLink, http.MethodPost, "/share", "/share", addr, jsonBody(t, body))
	}

	assert.Equal(t, http.StatusForbidden, share(otherAddr, map[string]any{"credential_id": id, "expires_in_hours": 24}).Code)
	assert.Equal(t, http.StatusBadRequest, share(studentAddr, map[string]any{"credential_id": id, "expires_in_hours": 0}).Code)
	assert.Equal(t, http.StatusBadRequest, share(studentAddr, map[string]any{"credential_id": id, "expires_in_hours": 169}).Code)
	assert.Equal(t, http.StatusBadRequest, share(studentAddr, map[string]any{"expires_in_hours": 2}).Code)
	assert.Equal(t, http.StatusNotFound, share(studentAddr, map[string]any{"credential_id": "missing", "expires_in_hours": 2}).Code)

	rr := share(studentAddr, map[string]any{"credentialId": id, "duration": "2"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	link := decode[generateShareLinkResp](t, rr)
	prefix := "https://portal.example/verify/" + id + "?token="
	require.Contains(t, link.ShareableURL, prefix)
	token := link.ShareableURL[len(prefix):]
	assert.True(t, fixedNow.Add(2*time.Hour).Equal(link.ExpiresAt))

	info := func(path string) *httptest.ResponseRecorder {
		return serve(api.GetCredentialInfo, http.MethodGet, "/api/v1/credential-info/{id}", path, "", nil)
	}
	rr = info("/api/v1/credential-info/" + id + "?token=" + token)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[map[string]any](t, rr)
	assert.Equal(t, id, out["credential"].(map[string]any)["id"])
	assert.Nil(t, out["ipfs"])

	assert.Equal(t, http.StatusForbidden, info("/api/v1/credential-info/other?token="+token).Code)
	assert.Equal(t, http.StatusUnauthorized, info("/api/v1/credential-info/"+id).Code)
	assert.Equal(t, http.StatusUnauthorized, info("/api/v1/credential-info/"+id+"?token=garbage").Code)

	api.now = func() time.Time { return fixedNow.Add(3 * time.Hour) }
	assert.Equal(t, http.StatusUnauthorized, info("/api/v1/credential-info/"+id+"?token="+token).Code)
}

func TestShareURL_EscapesCredentialID(t *testing.T) {
	assert.Equal(t,
		"https://portal.example/verify/batch%202024%2Fcs-01?token=abc.def",
		shareURL("https://portal.example/", "batch 2024/cs-01", "abc.def"))
	assert.Equal(t,
		"https://portal.example/verify/plain-id?token=abc",
		shareURL("https://portal.example", "plain-id", "abc"))
}

func TestVerifyCredential(t *testing.T) {
	api := newTestAPI(t)
	id := issue(t, api)

	rr := serve(api.VerifyCredential, http.MethodGet, "/api/verify/{id}", "/api/verify/"+id+"?verifierName=Acme", otherAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[portal.VerifyResult](t, rr)
	assert.True(t, res.Found)
	assert.EqualValues(t, "verified", res.Status)

	rr = serve(api.VerifyCredential, http.MethodGet, "/api/verify/{id}", "/api/verify/unknown", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[portal.VerifyResult](t, rr).Found)

	rr = serve(api.History, http.MethodGet, "/api/history", "/api/history", otherAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decode[[]map[string]any](t, rr)
	require.Len(t, hist, 1)
	assert.Equal(t, "Acme", hist[0]["verifierName"])

	rr = serve(api.History, http.MethodGet, "/api/history", "/api/history", studentAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]map[string]any](t, rr), 1)

	// Without a chain client only the local mappings are consulted.
	rr = serve(api.VerifyTransaction, http.MethodGet, "/api/verify/tx/{hash}", "/api/verify/tx/0xabc", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decode[map[string]any](t, rr)["found"])
}

func TestAdminEndpoints(t *testing.T) {
	api := newTestAPI(t)
	_, err := api.Portal.SelectRole(context.Background(), portal.RoleRequest{Address: uniAddr, Role: "institution"})
	require.NoError(t, err)

	rr := serve(api.ListPending, http.MethodGet, "/api/admin/pending", "/api/admin/pending", otherAddr, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(api.ListPending, http.MethodGet, "/api/admin/pending", "/api/admin/pending", adminAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[[]map[string]any](t, rr), 1)

	rr = serve(api.ApprovePendingRequest, http.MethodPatch, "/api/admin/approve", "/api/admin/approve", otherAddr, jsonBody(t, decisionReq{Address: uniAddr}))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(api.ApprovePendingRequest, http.MethodPatch, "/api/admin/approve", "/api/admin/approve", adminAddr, jsonBody(t, decisionReq{}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(api.ApprovePendingRequest, http.MethodPatch, "/api/admin/approve", "/api/admin/approve", adminAddr, jsonBody(t, decisionReq{Address: uniAddr}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = serve(api.ListApproved, http.MethodGet, "/api/admin/approved", "/api/admin/approved", adminAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[[]map[string]any](t, rr), 1)

	rr = serve(api.ApprovePendingRequest, http.MethodPatch, "/api/admin/approve", "/api/admin/approve", adminAddr, jsonBody(t, decisionReq{Address: studentAddr}))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(api.RejectPendingRequest, http.MethodPatch, "/api/admin/reject", "/api/admin/reject", adminAddr, jsonBody(t, decisionReq{Address: uniAddr, Reason: "unaccredited"}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rec := decode[map[string]any](t, rr)
	assert.Equal(t, "rejected", rec["status"])
	assert.Equal(t, "unaccredited", rec["reason"])
}

func TestRegistryEndpoints(t *testing.T) {
	api := newTestAPI(t)

	register := func(addr string, body map[string]string) *httptest.ResponseRecorder {
		return serve(api.RegisterInstitution, http.MethodPost, "/api/registry/institutions", "/api/registry/institutions", addr, jsonBody(t, body))
	}
	assert.Equal(t, http.StatusForbidden, register(uniAddr, map[string]string{"address": uniAddr, "name": "IITK"}).Code)
	assert.Equal(t, http.StatusBadRequest, register(ownerAddr, map[string]string{"address": uniAddr}).Code)
	require.Equal(t, http.StatusCreated, register(ownerAddr, map[string]string{"address": uniAddr, "name": "IITK", "location": "Kanpur"}).Code)
	assert.Equal(t, http.StatusConflict, register(ownerAddr, map[string]string{"address": uniAddr, "name": "IITK"}).Code)

	regID, err := api.Registry.IssueCredential(context.Background(), uniAddr, studentAddr, "Asha", "B.Tech", nil, "")
	require.NoError(t, err)
	idPath := fmt.Sprintf("/api/registry/credentials/%d", regID)

	rr := serve(api.RegistryCredential, http.MethodGet, "/api/registry/credentials/{id}", idPath, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["valid"])

	rr = serve(api.StudentCredentials, http.MethodGet, "/api/registry/students/{address}", "/api/registry/students/"+studentAddr, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{float64(regID)}, decode[map[string]any](t, rr)["credentialIds"])

	revoke := func(addr string) *httptest.ResponseRecorder {
		return serve(api.RevokeCredential, http.MethodPost, "/api/registry/credentials/{id}/revoke", idPath+"/revoke", addr, nil)
	}
	assert.Equal(t, http.StatusForbidden, revoke(otherAddr).Code)
	require.Equal(t, http.StatusOK, revoke(uniAddr).Code)
	assert.Equal(t, http.StatusConflict, revoke(uniAddr).Code)

	rr = serve(api.RegistryCredential, http.MethodGet, "/api/registry/credentials/{id}", idPath, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decode[map[string]any](t, rr)["valid"])

	rr = serve(api.RegistryCredential, http.MethodGet, "/api/registry/credentials/{id}", "/api/registry/credentials/999", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = serve(api.RegistryCredential, http.MethodGet, "/api/registry/credentials/{id}", "/api/registry/credentials/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	api.Registry = nil
	rr = serve(api.StudentCredentials, http.MethodGet, "/api/registry/students/{address}", "/api/registry/students/"+studentAddr, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestQRCode(t *testing.T) {
	api := newTestAPI(t)
	rr := serve(api.GetCredentialQRCode, http.MethodGet, "/credential/{id}/qrcode", "/credential/abc/qrcode", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")))
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postMultipart(h http.HandlerFunc, addr string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	if addr != "" {
		req = req.WithContext(middleware.WithAddress(req.Context(), addr))
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestBulkUpload(t *testing.T) {
	api := newTestAPI(t)
	makeInstitution(t, api, uniAddr)

	csv := "student_name,student_wallet,title\n" +
		"Asha," + studentAddr + ",B.Tech\n" +
		"Asha," + studentAddr + ",b.tech\n" +
		"Ravi,not-a-wallet,M.Tech\n"

	body, ct := multipartBody(t, "file", "records.csv", []byte(csv))
	rr := postMultipart(api.BulkUploadHandler, uniAddr, body, ct)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[map[string]any](t, rr)
	assert.EqualValues(t, 1, out["inserted"])
	assert.EqualValues(t, 1, out["duplicates_skipped"])
	assert.Len(t, out["errors"], 1)
	assert.Equal(t, "records.csv", out["file"])

	body, ct = multipartBody(t, "recordsCsv", "records.csv", []byte(csv))
	rr = postMultipart(api.BulkUploadHandler, studentAddr, body, ct)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	var empty bytes.Buffer
	mw := multipart.NewWriter(&empty)
	require.NoError(t, mw.WriteField("note", "no file"))
	require.NoError(t, mw.Close())
	rr = postMultipart(api.BulkUploadHandler, uniAddr, &empty, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVerifyDocument_Unconfigured(t *testing.T) {
	api := newTestAPI(t)
	body, ct := multipartBody(t, "certificate", "cert.png", []byte{0x89, 'P', 'N', 'G'})
	rr := postMultipart(api.VerifyDocument, "", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
