package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/metrics"
)

type handlerEnv struct {
	*testEnv
	handler *Handler
	metrics *metrics.Metrics
}

func newHandlerEnv(t *testing.T, perMinute, burst int) *handlerEnv {
	t.Helper()
	env := newTestEnv(t)
	m := metrics.New()
	return &handlerEnv{
		testEnv: env,
		metrics: m,
		handler: NewHandler(HandlerConfig{
			Service:            env.svc,
			Metrics:            m,
			RateLimitPerMinute: perMinute,
			RateLimitBurst:     burst,
			TimeNow:            env.clock.Now,
		}),
	}
}

func (h *handlerEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *handlerEnv) login(t *testing.T, email string) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/v1/admin/login", "", LoginRequest{Email: email, Password: testPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp LoginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Token
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), w.Body.String())
	return resp
}

func TestHandler_FullChain(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	h.createAdmin(t, "root@example.com", true)

	adminToken := h.login(t, "root@example.com")

	w := h.do(t, http.MethodPost, "/v1/library-tokens", adminToken, IssueTokenRequest{ValidityDays: 30, Description: "lab"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var issued LibraryTokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&issued))
	require.Len(t, issued.Token, 32)
	assert.Equal(t, issued.Token[:8], issued.TokenPrefix)
	assert.True(t, issued.Valid)

	w = h.do(t, http.MethodPost, "/v1/device/exchange", "", ExchangeRequest{
		LibraryToken: issued.Token,
		AppName:      "Field Notes",
		AppVersion:   "2.4.1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var exchanged ExchangeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&exchanged))
	assert.Equal(t, "Bearer", exchanged.TokenType)
	assert.Equal(t, int64(1), exchanged.TokenInfo.UsageCount)
	// Origin defaults to the client address.
	assert.Equal(t, "192.0.2.1", exchanged.AppIdentity.Metadata.Origin)

	w = h.do(t, http.MethodGet, "/v1/device/session", exchanged.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var session SessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&session))
	assert.Equal(t, exchanged.AppIdentity.ID, session.AppIdentity.ID)

	w = h.do(t, http.MethodPost, "/v1/device/refresh", "", RefreshRequest{RefreshToken: exchanged.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var refreshed RefreshResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)

	w = h.do(t, http.MethodGet, "/v1/library-tokens", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []LibraryTokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Token, "listing must not reveal the full value")
	assert.Equal(t, int64(1), listed[0].UsageCount)

	w = h.do(t, http.MethodGet, "/v1/library-tokens/"+issued.ID+"/identities", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var identities []AppIdentityResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&identities))
	require.Len(t, identities, 1)

	w = h.do(t, http.MethodPost, "/v1/app-identities/"+identities[0].ID+"/deactivate", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodGet, "/v1/device/session", refreshed.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, tgErrors.CodeIdentityInactive, decodeError(t, w).ErrorCode)

	w = h.do(t, http.MethodGet, "/v1/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, 1, st.LibraryTokens)
	assert.Equal(t, int64(1), st.TotalTokenUsage)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TokensIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Exchanges.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Refreshes.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Logins.WithLabelValues(metrics.ResultOK)))
}

func TestHandler_ErrorBody(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	h.createAdmin(t, "root@example.com", true)

	w := h.do(t, http.MethodPost, "/v1/admin/login", "", LoginRequest{Email: "root@example.com", Password: "wrong password"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decodeError(t, w)
	assert.Equal(t, tgErrors.CodeAuthInvalidCredentials, resp.ErrorCode)
	assert.NotEmpty(t, resp.Message)
	assert.Equal(t, tgErrors.GetNextAction(tgErrors.CodeAuthInvalidCredentials), resp.NextAction)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Logins.WithLabelValues(tgErrors.CodeAuthInvalidCredentials)))
}

func TestHandler_LockedAccountRetryAfter(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	h.createAdmin(t, "root@example.com", true)

	for i := 0; i < DefaultLockoutMaxAttempts; i++ {
		h.do(t, http.MethodPost, "/v1/admin/login", "", LoginRequest{Email: "root@example.com", Password: "wrong password"})
	}

	w := h.do(t, http.MethodPost, "/v1/admin/login", "", LoginRequest{Email: "root@example.com", Password: testPassword})
	require.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "7200", w.Header().Get("Retry-After"))

	resp := decodeError(t, w)
	assert.Equal(t, tgErrors.CodeAuthAccountLocked, resp.ErrorCode)
	assert.Equal(t, 7200, resp.RetryAfterSeconds)
}

func TestHandler_BadRequestNamesField(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)

	w := h.do(t, http.MethodPost, "/v1/device/exchange", "", ExchangeRequest{
		LibraryToken: "nope",
		AppName:      "Field Notes",
		AppVersion:   "2.4.1",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, tgErrors.CodeRequestInvalid, resp.ErrorCode)
	assert.Equal(t, "library_token", resp.Field)

	req := httptest.NewRequest(http.MethodPost, "/v1/device/exchange", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "body", decodeError(t, rec).Field)
}

func TestHandler_RequiresBearer(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)

	for _, path := range []string{"/v1/admin/me", "/v1/library-tokens", "/v1/stats", "/v1/device/session"} {
		w := h.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, tgErrors.CodeAuthRequired, decodeError(t, w).ErrorCode, path)
	}
}

func TestHandler_TokenKindsAreNotInterchangeable(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	admin := h.createAdmin(t, "root@example.com", true)
	token := h.issueToken(t, admin.ID, 30)
	res := h.exchange(t, token.Value)
	adminToken := h.login(t, "root@example.com")

	w := h.do(t, http.MethodGet, "/v1/device/session", adminToken, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, tgErrors.CodeTokenKindMismatch, decodeError(t, w).ErrorCode)

	w = h.do(t, http.MethodGet, "/v1/admin/me", res.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, tgErrors.CodeTokenKindMismatch, decodeError(t, w).ErrorCode)

	w = h.do(t, http.MethodGet, "/v1/device/session", res.RefreshToken, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, tgErrors.CodeTokenSignatureInvalid, decodeError(t, w).ErrorCode)

	w = h.do(t, http.MethodPost, "/v1/device/refresh", "", RefreshRequest{RefreshToken: res.AccessToken})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, tgErrors.CodeTokenInvalidRefresh, decodeError(t, w).ErrorCode)
}

func TestHandler_DeactivateTokenOwnership(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	owner := h.createAdmin(t, "root@example.com", true)
	h.createAdmin(t, "ops@example.com", false)
	token := h.issueToken(t, owner.ID, 30)

	opsToken := h.login(t, "ops@example.com")
	rootToken := h.login(t, "root@example.com")
	path := "/v1/library-tokens/" + token.ID + "/deactivate"

	w := h.do(t, http.MethodPost, path, opsToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, tgErrors.CodeAuthForbidden, decodeError(t, w).ErrorCode)

	w = h.do(t, http.MethodPost, path, rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp LibraryTokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Active)
	assert.False(t, resp.Valid)

	w = h.do(t, http.MethodPost, path, rootToken, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, tgErrors.CodeTokenAlreadyInactive, decodeError(t, w).ErrorCode)
}

func TestHandler_ChangePassword(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	h.createAdmin(t, "root@example.com", true)
	adminToken := h.login(t, "root@example.com")

	w := h.do(t, http.MethodPost, "/v1/admin/password", adminToken, ChangePasswordRequest{
		CurrentPassword: testPassword,
		NewPassword:     "brand new password",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = h.do(t, http.MethodPost, "/v1/admin/login", "", LoginRequest{Email: "root@example.com", Password: "brand new password"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Me(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	admin := h.createAdmin(t, "root@example.com", true)

	w := h.do(t, http.MethodGet, "/v1/admin/me", h.login(t, "root@example.com"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info AdminInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, admin.ID, info.ID)
	assert.True(t, info.IsRoot)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestHandler_RateLimit(t *testing.T) {
	h := newHandlerEnv(t, 60, 2)

	send := func() *httptest.ResponseRecorder {
		return h.do(t, http.MethodPost, "/v1/device/refresh", "", RefreshRequest{RefreshToken: "garbage"})
	}

	require.Equal(t, http.StatusUnauthorized, send().Code)
	require.Equal(t, http.StatusUnauthorized, send().Code)

	w := send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, tgErrors.CodeRequestRateLimited, decodeError(t, w).ErrorCode)

	// One token per second refills.
	h.clock.Advance(time.Second)
	require.Equal(t, http.StatusUnauthorized, send().Code)
}

func TestHandler_RateLimitDisabled(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	for i := 0; i < 20; i++ {
		w := h.do(t, http.MethodPost, "/v1/device/refresh", "", RefreshRequest{RefreshToken: "garbage"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func TestHandler_MethodRouting(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	w := h.do(t, http.MethodGet, "/v1/device/exchange", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_Healthz(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)
	w := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	require.NoError(t, h.store.Close())
	w = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, tgErrors.CodeStorageUnavailable, decodeError(t, w).ErrorCode)
}

func TestHandler_MetricsLoopbackOnly(t *testing.T) {
	h := newHandlerEnv(t, 0, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:50000"
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tokengate_admin_logins_total")
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"BEARER abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(req), tt.header)
	}
}

func TestIsLoopbackRequest(t *testing.T) {
	tests := []struct {
		remote string
		want   bool
	}{
		{"127.0.0.1:1234", true},
		{"[::1]:1234", true},
		{"192.168.1.10:1234", false},
		{"@", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, isLoopbackRequest(req), tt.remote)
	}
}
