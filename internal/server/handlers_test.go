package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/streetstage-api/internal/apperr"
	"github.com/maauso/streetstage-api/internal/objects"
	"github.com/maauso/streetstage-api/internal/provisioning"
	"github.com/maauso/streetstage-api/internal/session"
	"github.com/maauso/streetstage-api/internal/storage"
)

const testKey = "0123456789abcdef0123456789abcdef"

// mockAccounts is a mock implementation of AccountProvisioner.
type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) Provision(ctx context.Context, req provisioning.Request) (provisioning.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(provisioning.Result), args.Error(1)
}

type testEnv struct {
	router   http.Handler
	gateway  *objects.Gateway
	accounts *mockAccounts
	issuer   *session.Issuer
	root     string
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	return setupTestServerWith(t, nil)
}

// setupTestServerWith builds the full HTTP stack on a local backend. wrap,
// when set, replaces the gateway seen by the handlers.
func setupTestServerWith(t *testing.T, wrap func(*objects.Gateway) Gateway) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	root := t.TempDir()

	signer, err := storage.NewSigner([]byte(testKey), "http://localhost:8080")
	require.NoError(t, err)
	backend, err := storage.NewLocalBackend(root, signer)
	require.NoError(t, err)
	ns, err := objects.NewNamespace("/media/private", []string{"/media/public"})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := objects.NewMetrics(registry)
	gw := objects.NewGateway(backend, ns, objects.NewAclStore(backend), objects.GatewayConfig{}, logger, metrics)
	uploads := objects.NewUploadIssuer(backend, ns, logger, objects.WithUploadMetrics(metrics))

	issuer, err := session.NewIssuer([]byte(testKey), "streetstage", time.Hour)
	require.NoError(t, err)
	verifier, err := session.NewVerifier([]byte(testKey), "streetstage")
	require.NoError(t, err)

	accounts := new(mockAccounts)
	var handlerGateway Gateway = gw
	if wrap != nil {
		handlerGateway = wrap(gw)
	}
	h := NewHandlers(handlerGateway, uploads, accounts, logger)

	router := NewRouter(h, logger, Config{
		AllowedOrigins: []string{"https://streetstage.nyc"},
		Verifier:       verifier,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		UploadSink:     backend.UploadHandler(logger),
	})

	return &testEnv{router: router, gateway: gw, accounts: accounts, issuer: issuer, root: root}
}

func (e *testEnv) token(t *testing.T, accountID string) string {
	t.Helper()
	s, err := e.issuer.Issue(context.Background(), accountID, accountID+"@example.com")
	require.NoError(t, err)
	return s.AccessToken
}

func (e *testEnv) do(method, target, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// upload runs the grant, PUT and finalize steps and returns the object path.
func (e *testEnv) upload(t *testing.T, owner string, visibility objects.Visibility, data []byte) string {
	t.Helper()
	token := e.token(t, owner)

	rec := e.do(http.MethodPost, "/upload-url", token, UploadURLRequest{Kind: "video"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var grant UploadURLResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&grant))

	u, err := url.Parse(grant.UploadURL)
	require.NoError(t, err)
	rec = e.do(http.MethodPut, u.RequestURI(), "", data, "Content-Type", "video/mp4")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodPost, grant.ObjectPath+"/finalize", token, FinalizeRequest{
		OwnerID:    owner,
		Visibility: string(visibility),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fin FinalizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&fin))
	assert.Equal(t, grant.ObjectPath, fin.ObjectPath)
	return fin.ObjectPath
}

func testPayload(n int) []byte {
	return bytes.Repeat([]byte("streetstage!"), n/12+1)[:n]
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCreateUploadURL(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "u1")

	tests := []struct {
		name       string
		target     string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "video", target: "/upload-url", token: token, body: UploadURLRequest{Kind: "video"}, wantStatus: http.StatusOK},
		{name: "thumbnail", target: "/upload-url", token: token, body: UploadURLRequest{Kind: "thumbnail"}, wantStatus: http.StatusOK},
		{name: "video alias", target: "/api/videos/upload-url", token: token, wantStatus: http.StatusOK},
		{name: "thumbnail alias", target: "/api/thumbnails/upload-url", token: token, wantStatus: http.StatusOK},
		{name: "unknown kind", target: "/upload-url", token: token, body: UploadURLRequest{Kind: "audio"}, wantStatus: http.StatusUnprocessableEntity, wantCode: apperr.CodeValidationFailed},
		{name: "invalid json", target: "/upload-url", token: token, body: []byte("{"), wantStatus: http.StatusBadRequest, wantCode: CodeInvalidJSON},
		{name: "anonymous", target: "/upload-url", body: UploadURLRequest{Kind: "video"}, wantStatus: http.StatusUnauthorized, wantCode: session.CodeMissingToken},
		{name: "bad token", target: "/upload-url", token: "nope", body: UploadURLRequest{Kind: "video"}, wantStatus: http.StatusUnauthorized, wantCode: session.CodeInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.target, tt.token, tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				var resp UploadURLResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, "/objects/uploads/"+resp.ObjectID, resp.ObjectPath)
				assert.Equal(t, http.MethodPut, resp.Method)
				assert.True(t, strings.HasPrefix(resp.UploadURL, "http://localhost:8080"+storage.UploadPath+"?"))
				return
			}
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestCreateUploadURL_ValidationBody(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(http.MethodPost, "/upload-url", env.token(t, "u1"), UploadURLRequest{Kind: "gif"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp ValidationErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "kind", resp.Errors[0].Field)
	assert.Equal(t, objects.CodeInvalidUploadKind, resp.Errors[0].Code)
}

func TestGetObject_Private(t *testing.T) {
	env := setupTestServer(t)
	data := testPayload(1000)
	path := env.upload(t, "u1", objects.VisibilityPrivate, data)
	owner := env.token(t, "u1")
	stranger := env.token(t, "u2")

	tests := []struct {
		name         string
		token        string
		rangeHeader  string
		wantStatus   int
		wantBody     []byte
		wantRange    string
		wantLength   string
		wantErrCode  string
		wantCacheHdr string
	}{
		{name: "owner full", token: owner, wantStatus: http.StatusOK, wantBody: data, wantLength: "1000", wantCacheHdr: "private, max-age=300"},
		{name: "owner range", token: owner, rangeHeader: "bytes=0-99", wantStatus: http.StatusPartialContent, wantBody: data[:100], wantRange: "bytes 0-99/1000", wantLength: "100"},
		{name: "owner open range", token: owner, rangeHeader: "bytes=900-", wantStatus: http.StatusPartialContent, wantBody: data[900:], wantRange: "bytes 900-999/1000", wantLength: "100"},
		{name: "end clamped", token: owner, rangeHeader: "bytes=990-5000", wantStatus: http.StatusPartialContent, wantBody: data[990:], wantRange: "bytes 990-999/1000", wantLength: "10"},
		{name: "start past end", token: owner, rangeHeader: "bytes=1000-", wantStatus: http.StatusRequestedRangeNotSatisfiable, wantRange: "bytes */1000"},
		{name: "suffix range", token: owner, rangeHeader: "bytes=-100", wantStatus: http.StatusRequestedRangeNotSatisfiable, wantRange: "bytes */1000"},
		{name: "anonymous", wantStatus: http.StatusUnauthorized, wantErrCode: objects.CodeAccessDenied},
		{name: "stranger", token: stranger, wantStatus: http.StatusUnauthorized, wantErrCode: objects.CodeAccessDenied},
		{name: "invalid token is anonymous", token: "garbage", wantStatus: http.StatusUnauthorized, wantErrCode: objects.CodeAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.rangeHeader != "" {
				headers = []string{"Range", tt.rangeHeader}
			}
			rec := env.do(http.MethodGet, path, tt.token, nil, headers...)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantBody != nil {
				assert.Equal(t, tt.wantBody, rec.Body.Bytes())
				assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
				assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
			}
			if tt.wantRange != "" {
				assert.Equal(t, tt.wantRange, rec.Header().Get("Content-Range"))
			}
			if tt.wantLength != "" {
				assert.Equal(t, tt.wantLength, rec.Header().Get("Content-Length"))
			}
			if tt.wantCacheHdr != "" {
				assert.Equal(t, tt.wantCacheHdr, rec.Header().Get("Cache-Control"))
			}
			if tt.wantErrCode != "" {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.wantErrCode, resp.Code)
			}
		})
	}
}

func TestGetObject_Public(t *testing.T) {
	env := setupTestServer(t)
	data := testPayload(64)
	path := env.upload(t, "u1", objects.VisibilityPublic, data)

	rec := env.do(http.MethodGet, path, "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "public, max-age=86400, immutable", rec.Header().Get("Cache-Control"))
}

func TestHeadObject(t *testing.T) {
	env := setupTestServer(t)
	path := env.upload(t, "u1", objects.VisibilityPrivate, testPayload(321))

	rec := env.do(http.MethodHead, path, env.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "321", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Zero(t, rec.Body.Len())

	for name, token := range map[string]string{"anonymous": "", "non-owner": env.token(t, "u2")} {
		rec = env.do(http.MethodHead, path, token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, name)
	}

	rec = env.do(http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetObject_NotFound(t *testing.T) {
	env := setupTestServer(t)

	for _, target := range []string{"/objects/uploads/missing", "/objects/../etc/passwd", "/objects/uploads/a/../../b"} {
		rec := env.do(http.MethodGet, target, "", nil)
		assert.Contains(t, []int{http.StatusNotFound, http.StatusMovedPermanently}, rec.Code, target)
	}
	rec := env.do(http.MethodGet, "/objects/uploads/missing", "", nil)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, objects.CodeObjectNotFound, resp.Code)
}

func TestFinalize(t *testing.T) {
	env := setupTestServer(t)
	path := env.upload(t, "u1", objects.VisibilityPrivate, testPayload(10))

	tests := []struct {
		name       string
		target     string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "owner mismatch", target: path + "/finalize", token: env.token(t, "u1"), body: FinalizeRequest{OwnerID: "u2", Visibility: "public"}, wantStatus: http.StatusUnauthorized, wantCode: CodeOwnerMismatch},
		{name: "retag foreign object", target: path + "/finalize", token: env.token(t, "u2"), body: FinalizeRequest{OwnerID: "u2", Visibility: "public"}, wantStatus: http.StatusUnprocessableEntity, wantCode: objects.CodeAlreadyFinalized},
		{name: "bad visibility", target: path + "/finalize", token: env.token(t, "u1"), body: FinalizeRequest{OwnerID: "u1", Visibility: "friends"}, wantStatus: http.StatusBadRequest, wantCode: CodeInvalidRequest},
		{name: "anonymous", target: path + "/finalize", body: FinalizeRequest{OwnerID: "u1", Visibility: "public"}, wantStatus: http.StatusUnauthorized, wantCode: session.CodeMissingToken},
		{name: "unknown action", target: path + "/publish", token: env.token(t, "u1"), body: FinalizeRequest{OwnerID: "u1", Visibility: "public"}, wantStatus: http.StatusNotFound, wantCode: objects.CodeObjectNotFound},
		{name: "owner finalizes twice", target: path + "/finalize", token: env.token(t, "u1"), body: FinalizeRequest{OwnerID: "u1", Visibility: "public"}, wantStatus: http.StatusUnprocessableEntity, wantCode: objects.CodeAlreadyFinalized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.target, tt.token, tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.wantCode, resp.Code)
			}
		})
	}

	// The first policy still holds.
	rec := env.do(http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(http.MethodGet, path, env.token(t, "u1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFinalize_SecondCallerLoses(t *testing.T) {
	env := setupTestServer(t)
	path := env.upload(t, "u1", objects.VisibilityPublic, testPayload(10))

	rec := env.do(http.MethodPost, path+"/finalize", env.token(t, "u1"),
		FinalizeRequest{OwnerID: "u1", Visibility: "private"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, objects.CodeAlreadyFinalized, resp.Code)

	rec = env.do(http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFinalize_BeforeBackendListsObject(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "u1")

	rec := env.do(http.MethodPost, "/objects/uploads/not-yet-visible/finalize", token,
		FinalizeRequest{OwnerID: "u1", Visibility: "private"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp FinalizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "/objects/uploads/not-yet-visible", resp.ObjectPath)
}

func TestGetPublicObject(t *testing.T) {
	env := setupTestServer(t)
	dir := filepath.Join(env.root, "media", "public", "img")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.png"), []byte("png-bytes"), 0o600))

	rec := env.do(http.MethodGet, "/public-objects/img/logo.png", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "public, max-age=86400, immutable", rec.Header().Get("Cache-Control"))

	rec = env.do(http.MethodHead, "/public-objects/img/logo.png", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.Itoa(len("png-bytes")), rec.Header().Get("Content-Length"))

	rec = env.do(http.MethodGet, "/public-objects/img/missing.png", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type abortingGateway struct {
	*objects.Gateway
}

func (abortingGateway) Download(w http.ResponseWriter, _ *http.Request, _ *objects.StoredObject) error {
	w.Header().Set("Content-Length", "100")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("partial"))
	return objects.ErrStreamAborted
}

func TestGetObject_StreamAbortDropsConnection(t *testing.T) {
	env := setupTestServerWith(t, func(gw *objects.Gateway) Gateway { return abortingGateway{gw} })
	path := env.upload(t, "u1", objects.VisibilityPublic, testPayload(100))

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		env.router.ServeHTTP(rec, req)
	})
}

func TestCreateAccount(t *testing.T) {
	validation := apperr.Validation(
		apperr.FieldError{Field: "email", Code: provisioning.CodeInvalidEmail, Message: "Invalid email format"},
		apperr.FieldError{Field: "tos_accepted", Code: provisioning.CodeTosNotAccepted, Message: "Terms must be accepted"},
	)
	taken := &apperr.Error{
		Kind:    apperr.KindConflict,
		Code:    provisioning.CodeUsernameExists,
		Message: "username already taken",
		Fields:  []apperr.FieldError{{Field: "username", Code: provisioning.CodeUsernameExists, Message: "Username already taken"}},
	}
	rolledBack := apperr.Wrap(apperr.KindConsistency, provisioning.CodeVerificationFailed, "post-creation verification failed", errors.New("email mismatch"))

	tests := []struct {
		name       string
		body       any
		result     provisioning.Result
		err        error
		wantStatus int
		wantCode   string
		wantFields int
	}{
		{
			name:       "created",
			body:       map[string]any{"email": "a@b.co", "idempotency_key": "k1"},
			result:     provisioning.Result{AccountID: "acc-1", Session: session.Session{AccessToken: "tok", TokenType: "bearer", UserID: "acc-1"}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "idempotent repeat",
			body:       map[string]any{"email": "a@b.co", "idempotency_key": "k1"},
			result:     provisioning.Result{AccountID: "acc-1", Idempotent: true},
			wantStatus: http.StatusOK,
		},
		{name: "validation", body: map[string]any{}, err: validation, wantStatus: http.StatusUnprocessableEntity, wantCode: apperr.CodeValidationFailed, wantFields: 2},
		{name: "conflict", body: map[string]any{}, err: taken, wantStatus: http.StatusUnprocessableEntity, wantCode: provisioning.CodeUsernameExists, wantFields: 1},
		{name: "rolled back", body: map[string]any{}, err: rolledBack, wantStatus: http.StatusInternalServerError, wantCode: provisioning.CodeVerificationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			env.accounts.On("Provision", mock.Anything, mock.AnythingOfType("provisioning.Request")).Return(tt.result, tt.err)

			rec := env.do(http.MethodPost, "/accounts", "", tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			switch {
			case tt.wantStatus == http.StatusOK:
				var resp AccountResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.result.AccountID, resp.AccountID)
				assert.Equal(t, tt.result.Idempotent, resp.Idempotent)
				assert.Equal(t, tt.result.Session.AccessToken, resp.Session.AccessToken)
			case tt.wantFields > 0:
				var resp ValidationErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.wantCode, resp.Code)
				assert.Len(t, resp.Errors, tt.wantFields)
			default:
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.wantCode, resp.Code)
				assert.NotContains(t, resp.Error, "email mismatch")
			}
			env.accounts.AssertExpectations(t)
		})
	}
}

func TestCreateAccount_DecodesRequest(t *testing.T) {
	env := setupTestServer(t)
	env.accounts.On("Provision", mock.Anything, mock.MatchedBy(func(req provisioning.Request) bool {
		return req.Email == "jazz@example.com" &&
			req.Username == "jazz_hands" &&
			req.TosAccepted &&
			req.IdempotencyKey == "k-42" &&
			req.SocialsInstagram == "@jazz"
	})).Return(provisioning.Result{AccountID: "acc-9"}, nil)

	body := []byte(`{"email":"jazz@example.com","username":"jazz_hands","tos_accepted":true,` +
		`"idempotency_key":"k-42","socials_instagram":"@jazz"}`)
	rec := env.do(http.MethodPost, "/accounts", "", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env.accounts.AssertExpectations(t)
}

func TestCreateAccount_InvalidJSON(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(http.MethodPost, "/accounts", "", []byte("not json"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, CodeInvalidJSON, resp.Code)
	env.accounts.AssertNotCalled(t, "Provision", mock.Anything, mock.Anything)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.upload(t, "u1", objects.VisibilityPrivate, testPayload(10))
	env.do(http.MethodGet, "/objects/uploads/missing", "", nil)

	rec := env.do(http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `streetstage_upload_grants_total{kind="video"} 1`)
	assert.Contains(t, body, `streetstage_object_requests_total{operation="download",status="404"} 1`)
}

func TestUploadSink_RejectsTamperedCapability(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(http.MethodPut, storage.UploadPath+"?c=media&k=private/uploads/x&exp=4102444800&sig=deadbeef", "", []byte("x"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func verifierFor(t *testing.T) *session.Verifier {
	t.Helper()
	v, err := session.NewVerifier([]byte(testKey), "streetstage")
	require.NoError(t, err)
	return v
}
