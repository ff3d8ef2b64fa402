package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	wsadapter "engagekit/adapters/websocket"
	"engagekit/achievements"
	"engagekit/antiabuse"
	"engagekit/core"
	"engagekit/engine"
	"engagekit/leaderboard"
	"engagekit/metrics"
	"engagekit/points"
	"engagekit/realtime"
	"engagekit/streaks"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
}

// Services are the components the API fronts. Points and Bus are required;
// the rest disable their routes when nil.
type Services struct {
	Points       *points.Engine
	Bus          *engine.EventBus
	Validator    *antiabuse.Validator
	Achievements *achievements.Engine
	Streaks      *streaks.Engine
	Leaderboards *leaderboard.Engine
	Hub          *realtime.Hub
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

type api struct {
	svc    Services
	logger *slog.Logger
}

// NewMux builds an http.Handler exposing the REST API and WebSocket stream.
// Routes:
//   - POST {prefix}/users/{id}/award
//   - POST {prefix}/users/{id}/deduct
//   - GET  {prefix}/users/{id}/balance
//   - GET  {prefix}/users/{id}/history?offset=0&limit=50
//   - GET  {prefix}/users/{id}/achievements
//   - GET  {prefix}/users/{id}/streaks
//   - PUT  {prefix}/users/{id}/privacy
//   - POST {prefix}/admin/force-allow
//   - POST {prefix}/events
//   - GET  {prefix}/leaderboards/{category}?limit=10
//   - GET  {prefix}/healthz
//   - GET  {prefix}/metrics
//   - WS   {prefix}/ws
func NewMux(svc Services, opts Options) http.Handler {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{svc: svc, logger: logger.With("component", "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	if opts.AllowCORSOrigin != "" {
		r.Use(corsMiddleware(opts.AllowCORSOrigin))
	}

	routes := func(r chi.Router) {
		// health and metrics stay open for probes and scrapers
		r.Get("/healthz", a.healthCheck)
		if svc.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
		}

		r.Group(func(r chi.Router) {
			if len(opts.APIKeys) > 0 {
				r.Use(apiKeyMiddleware(opts.APIKeys))
			}
			if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
				r.Use(rateLimitMiddleware(opts.RateLimitRPM, opts.RateLimitBurst))
			}
			if svc.Hub != nil {
				r.Method(http.MethodGet, "/ws", wsadapter.Handler(svc.Hub, logger))
			}
			r.Route("/users/{id}", func(r chi.Router) {
				r.Post("/award", a.award)
				r.Post("/deduct", a.deduct)
				r.Get("/balance", a.balance)
				r.Get("/history", a.history)
				r.Get("/achievements", a.achievements)
				r.Get("/streaks", a.streaks)
				r.Put("/privacy", a.privacy)
			})
			r.Post("/admin/force-allow", a.forceAllow)
			r.Post("/events", a.publish)
			r.Get("/leaderboards/{category}", a.leaderboard)
		})
	}
	if prefix := strings.TrimSuffix(opts.PathPrefix, "/"); prefix != "" {
		r.Route(prefix, routes)
	} else {
		routes(r)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})
	return r
}

// Handlers

func (a *api) user(w http.ResponseWriter, r *http.Request) (core.UserID, bool) {
	user, err := core.NormalizeUserID(core.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return "", false
	}
	return user, true
}

type awardBody struct {
	ActionType    string         `json:"action_type"`
	BaseAmount    int64          `json:"base_amount"`
	Context       map[string]any `json:"context,omitempty"`
	Force         bool           `json:"force,omitempty"`
	AdminID       string         `json:"admin_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

func (a *api) award(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	var body awardBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := a.svc.Points.Award(r.Context(), points.AwardRequest{
		UserID:        user,
		ActionType:    body.ActionType,
		BaseAmount:    body.BaseAmount,
		Context:       body.Context,
		Force:         body.Force,
		AdminID:       body.AdminID,
		CorrelationID: correlationID(r, body.CorrelationID),
	})
	a.writeResult(w, res, err)
}

type deductBody struct {
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
	AdminID       string `json:"admin_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (a *api) deduct(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	var body deductBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := a.svc.Points.Deduct(r.Context(), points.DeductRequest{
		UserID:        user,
		Amount:        body.Amount,
		Reason:        body.Reason,
		AdminID:       body.AdminID,
		CorrelationID: correlationID(r, body.CorrelationID),
	})
	a.writeResult(w, res, err)
}

// writeResult maps ledger outcomes: refusals are 200 with success=false,
// bad input is 400 and anything else means nothing was committed.
func (a *api) writeResult(w http.ResponseWriter, res points.TransactionResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, core.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	default:
		a.logger.Error("ledger operation failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "award failed, please retry", nil)
	}
}

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	bal, err := a.svc.Points.GetBalance(r.Context(), user)
	if err != nil {
		a.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "balance": bal})
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	page := core.Page{Offset: queryInt(r, "offset", 0), Limit: queryInt(r, "limit", 0)}
	txs, err := a.svc.Points.GetHistory(r.Context(), user, page)
	if err != nil {
		a.internal(w, err)
		return
	}
	if txs == nil {
		txs = []core.PointTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "transactions": txs})
}

func (a *api) achievements(w http.ResponseWriter, r *http.Request) {
	if a.svc.Achievements == nil {
		writeError(w, http.StatusNotFound, "not_found", "achievements disabled", nil)
		return
	}
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	level, _ := a.svc.Achievements.Level(r.Context(), user)
	unlocked := a.svc.Achievements.Unlocked(user)
	if unlocked == nil {
		unlocked = []achievements.Unlock{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user,
		"level":    level,
		"progress": a.svc.Achievements.Progress(user),
		"unlocked": unlocked,
	})
}

func (a *api) streaks(w http.ResponseWriter, r *http.Request) {
	if a.svc.Streaks == nil {
		writeError(w, http.StatusNotFound, "not_found", "streaks disabled", nil)
		return
	}
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	list := a.svc.Streaks.List(user)
	if list == nil {
		list = []streaks.Streak{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "streaks": list})
}

func (a *api) privacy(w http.ResponseWriter, r *http.Request) {
	if a.svc.Leaderboards == nil {
		writeError(w, http.StatusNotFound, "not_found", "leaderboards disabled", nil)
		return
	}
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	var body struct {
		LeaderboardOptOut bool `json:"leaderboard_opt_out"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	a.svc.Leaderboards.SetOptOut(user, body.LeaderboardOptOut)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "leaderboard_opt_out": body.LeaderboardOptOut})
}

func (a *api) forceAllow(w http.ResponseWriter, r *http.Request) {
	if a.svc.Validator == nil {
		writeError(w, http.StatusNotFound, "not_found", "validator disabled", nil)
		return
	}
	var body struct {
		UserID     core.UserID `json:"user_id"`
		ActionType string      `json:"action_type"`
		AdminID    string      `json:"admin_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user, err := core.NormalizeUserID(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return
	}
	if err := a.svc.Validator.ForceAllow(r.Context(), user, body.ActionType, body.AdminID); err != nil {
		if errors.Is(err, core.ErrValidation) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
			return
		}
		a.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// publish accepts an event envelope and forwards it to the bus. Only the
// open topics (user activity, admin actions) are accepted from clients; the
// rest are emitted by the engines themselves.
func (a *api) publish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type          core.Topic     `json:"type"`
		Source        string         `json:"source"`
		CorrelationID string         `json:"correlation_id,omitempty"`
		Priority      core.Priority  `json:"priority,omitempty"`
		Payload       map[string]any `json:"payload"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Type != core.TopicUserActivity && body.Type != core.TopicAdminAction {
		writeError(w, http.StatusBadRequest, "invalid_topic", "only user activity and admin action events may be published", nil)
		return
	}
	if body.Source == "" {
		body.Source = "api"
	}
	var opts []core.EventOption
	if id := correlationID(r, body.CorrelationID); id != "" {
		opts = append(opts, core.WithCorrelationID(id))
	}
	if body.Priority != "" {
		opts = append(opts, core.WithPriority(body.Priority))
	}
	ev, err := core.NewEvent(body.Type, body.Source, body.Payload, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
		return
	}
	if err := a.svc.Bus.Publish(r.Context(), ev); err != nil {
		if errors.Is(err, core.ErrValidation) {
			writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
			return
		}
		a.logger.Warn("publish failed", "topic", ev.Type, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event not published, please retry", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID})
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	if a.svc.Leaderboards == nil {
		writeError(w, http.StatusNotFound, "not_found", "leaderboards disabled", nil)
		return
	}
	cat := leaderboard.Category(chi.URLParam(r, "category"))
	top, err := a.svc.Leaderboards.Top(cat, queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_category", err.Error(), nil)
		return
	}
	if top == nil {
		top = []leaderboard.Standing{}
	}
	resp := map[string]any{"category": cat, "entries": top}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		if user, err := core.NormalizeUserID(core.UserID(raw)); err == nil {
			if st, ok, _ := a.svc.Leaderboards.Rank(user, cat); ok {
				resp["user"] = st
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// healthCheck reports the bus health; unhealthy answers 503 so load balancers
// take the node out.
func (a *api) healthCheck(w http.ResponseWriter, r *http.Request) {
	report := a.svc.Bus.HealthCheck(r.Context())
	status := http.StatusOK
	if report.Status == engine.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (a *api) internal(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrIntegrity) {
		a.logger.Log(context.Background(), core.LevelCritical, "integrity failure", "error", err)
	} else {
		a.logger.Error("request failed", "error", err)
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
}

// Helpers

func correlationID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if id := r.Header.Get("X-Correlation-ID"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}

// corsMiddleware applies a minimal CORS policy.
func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key,X-Correlation-ID")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyMiddleware enforces a shared API key list.
func apiKeyMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
				return
			}
			if _, ok := allowed[key]; !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies a token bucket per client key.
func rateLimitMiddleware(rpm int, burst int) func(http.Handler) http.Handler {
	limiter := newRateLimiter(rpm, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientKey(r)) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimiter keeps one rate.Limiter per client; idle clients age out.
type rateLimiter struct {
	limit rate.Limit
	burst int
	mu    sync.Mutex
	b     *expirable.LRU[string, *rate.Limiter]
}

func newRateLimiter(rpm, burst int) *rateLimiter {
	return &rateLimiter{
		limit: rate.Limit(float64(rpm) / 60),
		burst: burst,
		b:     expirable.NewLRU[string, *rate.Limiter](10_000, nil, 10*time.Minute),
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.b.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.b.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}
