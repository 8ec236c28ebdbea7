package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/metrics"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	// ErrorCode is the stable dotted taxonomy code (e.g., "token.expired").
	ErrorCode string `json:"error_code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Field names the offending input for request.invalid.
	Field string `json:"field,omitempty"`

	// RetryAfterSeconds is set for locked accounts and rate limiting.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`

	// NextAction is the single primary recovery action for the caller.
	NextAction string `json:"next_action"`
}

// LoginRequest is the JSON body for POST /v1/admin/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string     `json:"token"`
	TokenType string     `json:"token_type"`
	ExpiresAt time.Time  `json:"expires_at"`
	Admin     *AdminInfo `json:"admin"`
}

// ChangePasswordRequest is the JSON body for POST /v1/admin/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// IssueTokenRequest is the JSON body for POST /v1/library-tokens.
type IssueTokenRequest struct {
	ValidityDays int    `json:"validity_days"`
	Description  string `json:"description"`
}

// LibraryTokenResponse describes a library token. Token carries the full
// value only in the issue response; listings show TokenPrefix.
type LibraryTokenResponse struct {
	ID          string     `json:"id"`
	Token       string     `json:"token,omitempty"`
	TokenPrefix string     `json:"token_prefix"`
	Description string     `json:"description"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Active      bool       `json:"active"`
	Valid       bool       `json:"valid"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AppIdentityResponse describes an app identity.
type AppIdentityResponse struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	LibraryTokenID string      `json:"library_token_id"`
	Active         bool        `json:"active"`
	AuthCount      int64       `json:"auth_count"`
	LastAuthAt     time.Time   `json:"last_auth_at"`
	Metadata       AppMetadata `json:"metadata"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ExchangeResponse is returned by a successful device exchange.
type ExchangeResponse struct {
	AccessToken      string               `json:"access_token"`
	AccessExpiresAt  time.Time            `json:"access_expires_at"`
	RefreshToken     string               `json:"refresh_token"`
	RefreshExpiresAt time.Time            `json:"refresh_expires_at"`
	TokenType        string               `json:"token_type"`
	AppIdentity      *AppIdentityResponse `json:"app_identity"`
	TokenInfo        TokenInfo            `json:"token_info"`
}

// RefreshRequest is the JSON body for POST /v1/device/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned by a successful refresh.
type RefreshResponse struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	TokenType       string    `json:"token_type"`
}

// SessionResponse is returned by GET /v1/device/session.
type SessionResponse struct {
	AppIdentity *AppIdentityResponse `json:"app_identity"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// HandlerConfig holds dependencies for a Handler.
type HandlerConfig struct {
	// Service runs the token chain. Required.
	Service *Service

	// Metrics receives request and result observations. Optional.
	Metrics *metrics.Metrics

	// RateLimitPerMinute and RateLimitBurst throttle login, exchange and
	// refresh per client address. Zero or negative disables throttling.
	RateLimitPerMinute int
	RateLimitBurst     int

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Handler serves the tokengate HTTP API.
type Handler struct {
	svc     *Service
	metrics *metrics.Metrics
	limiter *clientLimiter
	mux     *http.ServeMux
	timeNow func() time.Time
	log     *zap.Logger
}

// NewHandler builds the API routes.
func NewHandler(config HandlerConfig) *Handler {
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	h := &Handler{
		svc:     config.Service,
		metrics: config.Metrics,
		mux:     http.NewServeMux(),
		timeNow: config.TimeNow,
		log:     zap.L().Named("http"),
	}
	if config.RateLimitPerMinute > 0 {
		h.limiter = newClientLimiter(config.RateLimitPerMinute, config.RateLimitBurst, config.TimeNow)
	}

	h.route("POST /v1/admin/login", h.limited(h.handleLogin))
	h.route("GET /v1/admin/me", h.requireAdmin(h.handleMe))
	h.route("POST /v1/admin/password", h.requireAdmin(h.handleChangePassword))
	h.route("POST /v1/library-tokens", h.requireAdmin(h.handleIssueToken))
	h.route("GET /v1/library-tokens", h.requireAdmin(h.handleListTokens))
	h.route("POST /v1/library-tokens/{id}/deactivate", h.requireAdmin(h.handleDeactivateToken))
	h.route("GET /v1/library-tokens/{id}/identities", h.requireAdmin(h.handleListIdentities))
	h.route("POST /v1/app-identities/{id}/deactivate", h.requireAdmin(h.handleDeactivateIdentity))
	h.route("POST /v1/device/exchange", h.limited(h.handleExchange))
	h.route("POST /v1/device/refresh", h.limited(h.handleRefresh))
	h.route("GET /v1/device/session", h.requireDevice(h.handleSession))
	h.route("GET /v1/stats", h.requireAdmin(h.handleStats))
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.loopbackOnly(h.metrics.Handler()))
	}

	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) route(pattern string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if h.metrics != nil {
		// Label by the route pattern's path, not the raw URL, to keep
		// cardinality bounded.
		_, path, _ := strings.Cut(pattern, " ")
		handler = h.metrics.InstrumentHandler(path, handler)
	}
	h.mux.Handle(pattern, handler)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	h.countResult(logins, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     res.Token,
		TokenType: "Bearer",
		ExpiresAt: res.ExpiresAt,
		Admin:     res.Admin,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	writeJSON(w, http.StatusOK, admin)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.ChangePassword(r.Context(), admin.ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	var req IssueTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.svc.IssueLibraryToken(r.Context(), admin.ID, req.ValidityDays, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.TokensIssued.Inc()
	}

	resp := h.tokenResponse(token)
	resp.Token = token.Value
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	tokens, err := h.svc.ListLibraryTokens(r.Context(), admin.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]LibraryTokenResponse, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, h.tokenResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeactivateToken(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	token, err := h.svc.DeactivateLibraryToken(r.Context(), r.PathValue("id"), admin.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tokenResponse(token))
}

func (h *Handler) handleListIdentities(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	identities, err := h.svc.ListAppIdentities(r.Context(), r.PathValue("id"), admin.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]*AppIdentityResponse, 0, len(identities))
	for _, id := range identities {
		resp = append(resp, identityResponse(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeactivateIdentity(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	identity, err := h.svc.DeactivateAppIdentity(r.Context(), r.PathValue("id"), admin.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse(identity))
}

func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Metadata.Origin == "" {
		req.Metadata.Origin = clientIP(r)
	}

	res, err := h.svc.ExchangeDevice(r.Context(), req)
	h.countResult(exchanges, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ExchangeResponse{
		AccessToken:      res.AccessToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		TokenType:        "Bearer",
		AppIdentity:      identityResponse(res.AppIdentity),
		TokenInfo:        res.TokenInfo,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.RefreshAccess(r.Context(), req.RefreshToken)
	h.countResult(refreshes, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RefreshResponse{
		AccessToken:     res.AccessToken,
		AccessExpiresAt: res.AccessExpiresAt,
		TokenType:       "Bearer",
	})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request, grant *AccessGrant) {
	writeJSON(w, http.StatusOK, SessionResponse{
		AppIdentity: identityResponse(grant.AppIdentity),
		ExpiresAt:   grant.Claims.ExpiresAt.Time,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, admin *AdminInfo) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// requireAdmin gates fn on a valid admin session token.
func (h *Handler) requireAdmin(fn func(http.ResponseWriter, *http.Request, *AdminInfo)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			h.writeError(w, r, tgErrors.AuthRequired())
			return
		}
		admin, err := h.svc.AuthorizeAdmin(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		fn(w, r, admin)
	}
}

// requireDevice gates fn on a valid device access token whose app identity
// is still active.
func (h *Handler) requireDevice(fn func(http.ResponseWriter, *http.Request, *AccessGrant)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			h.writeError(w, r, tgErrors.AuthRequired())
			return
		}
		grant, err := h.svc.ValidateAccessToken(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		fn(w, r, grant)
	}
}

// limited applies the per-client rate limit to fn.
func (h *Handler) limited(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			if wait, ok := h.limiter.allow(clientIP(r)); !ok {
				h.writeError(w, r, tgErrors.RateLimited(wait))
				return
			}
		}
		fn(w, r)
	}
}

// loopbackOnly restricts next to requests from the local machine.
func (h *Handler) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			h.log.Warn("rejected non-loopback request", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
			h.writeError(w, r, tgErrors.Forbidden("only available from localhost"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", zap.String("path", r.URL.Path), zap.Error(err))
		h.writeError(w, r, tgErrors.BadRequest("body", "must be a JSON object"))
		return false
	}
	return true
}

// writeError sends the JSON error body for err. Errors without a code are
// reported as error.internal with a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	coded := tgErrors.As(err)
	if coded == nil {
		coded = tgErrors.Internal("internal error", err)
	}

	status := tgErrors.HTTPStatus(coded.Code)
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("code", coded.Code),
		zap.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", append(fields, zap.Error(err))...)
	} else {
		h.log.Debug("request rejected", fields...)
	}

	resp := ErrorResponse{
		ErrorCode:  coded.Code,
		Message:    coded.Message,
		Field:      coded.Field,
		NextAction: tgErrors.GetNextAction(coded.Code),
	}
	if coded.RetryAfter > 0 {
		secs := int((coded.RetryAfter + time.Second - 1) / time.Second)
		resp.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, resp)
}

func (h *Handler) tokenResponse(t *LibraryToken) LibraryTokenResponse {
	return LibraryTokenResponse{
		ID:          t.ID,
		TokenPrefix: t.Value[:8],
		Description: t.Description,
		ExpiresAt:   t.ExpiresAt,
		Active:      t.Active,
		Valid:       t.IsValid(h.timeNow()),
		UsageCount:  t.UsageCount,
		LastUsedAt:  t.LastUsedAt,
		CreatedAt:   t.CreatedAt,
	}
}

func identityResponse(a *AppIdentity) *AppIdentityResponse {
	return &AppIdentityResponse{
		ID:             a.ID,
		Name:           a.Name,
		Version:        a.Version,
		LibraryTokenID: a.LibraryTokenID,
		Active:         a.Active,
		AuthCount:      a.AuthCount,
		LastAuthAt:     a.LastAuthAt,
		Metadata:       a.Metadata,
		CreatedAt:      a.CreatedAt,
	}
}

// countResult records the outcome of a core operation under its error code.
func (h *Handler) countResult(vec func(*metrics.Metrics) *prometheus.CounterVec, err error) {
	if h.metrics == nil {
		return
	}
	metrics.Result(vec(h.metrics), tgErrors.GetCode(err))
}

func logins(m *metrics.Metrics) *prometheus.CounterVec    { return m.Logins }
func exchanges(m *metrics.Metrics) *prometheus.CounterVec { return m.Exchanges }
func refreshes(m *metrics.Metrics) *prometheus.CounterVec { return m.Refreshes }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// extractBearerToken returns the token from an "Authorization: Bearer" header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if len(auth) > len(bearerPrefix) && strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(auth[len(bearerPrefix):])
	}
	return ""
}

// clientIP returns the host part of RemoteAddr. Forwarding headers are not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLoopbackRequest reports whether the request originates from the local
// machine.
func isLoopbackRequest(r *http.Request) bool {
	ip := net.ParseIP(clientIP(r))
	return ip != nil && ip.IsLoopback()
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*limiterEntry
	timeNow func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterIdle is how long an unused bucket is kept.
const limiterIdle = 10 * time.Minute

func newClientLimiter(perMinute, burst int, timeNow func() time.Time) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
		timeNow: timeNow,
	}
}

// allow consumes a token for key. When none is available it returns how long
// until one will be.
func (l *clientLimiter) allow(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	e, ok := l.clients[key]
	if !ok {
		l.prune(now)
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now

	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (l *clientLimiter) prune(now time.Time) {
	for key, e := range l.clients {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.clients, key)
		}
	}
}
