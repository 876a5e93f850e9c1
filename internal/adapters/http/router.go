package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/application"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	service       *application.PairService
	webhook       http.Handler
	webhookSecret string
	adminHash     string
	logger        *slog.Logger
}

type RouterConfig struct {
	// Webhook receives Telegram updates; the route is not mounted when nil.
	Webhook       http.Handler
	WebhookSecret string
	// AdminTokenHash is a bcrypt hash; the admin API answers 404 when empty.
	AdminTokenHash string
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP. Enable it only
	// behind a proxy that overwrites those headers.
	TrustProxy bool
	Logger     *slog.Logger
}

func NewRouter(service *application.PairService, cfg RouterConfig) http.Handler {
	h := &Handler{
		service:       service,
		webhook:       cfg.Webhook,
		webhookSecret: cfg.WebhookSecret,
		adminHash:     cfg.AdminTokenHash,
		logger:        cfg.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/track/{token}", h.handleTrack)
	if h.webhook != nil {
		r.Post("/telegram/webhook/{secret}", h.handleWebhook)
	}

	r.Route("/api/admin", func(api chi.Router) {
		api.Use(h.requireAdmin)
		api.Get("/stats", h.handleAPIStats)
		api.Get("/connections", h.handleAPIListConnections)
		api.Get("/exchanges", h.handleAPIListExchanges)
		api.Post("/reminders", h.handleAPISendReminders)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": "disconnected",
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "database": "connected"})
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	automated := h.service.IsAutomatedFetch(r.UserAgent(), r.RemoteAddr)

	target, err := h.service.ResolveAndMaybeRedirect(r.Context(), token, automated)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Song not found"})
		return
	}
	if err != nil {
		h.logger.Error("track resolve failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	secret := chi.URLParam(r, "secret")
	if h.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.webhookSecret)) != 1 {
		http.NotFound(w, r)
		return
	}
	h.webhook.ServeHTTP(w, r)
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminHash == "" {
			http.NotFound(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		if !application.VerifyAdminToken(h.adminHash, strings.TrimSpace(authHeader[7:])) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleAPIListConnections(w http.ResponseWriter, r *http.Request) {
	identityID, err := parseOptionalUint(r.URL.Query().Get("identity_id"), "identity_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	list, err := h.service.ListConnections(r.Context(), r.URL.Query().Get("state"), identityID, limit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAPIListExchanges(w http.ResponseWriter, r *http.Request) {
	connectionID, err := parseOptionalUint(r.URL.Query().Get("connection_id"), "connection_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	list, err := h.service.ListExchanges(r.Context(), connectionID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAPISendReminders(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.SendReminders(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseOptionalUint(raw string, field string) (*uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, errors.New("invalid " + field)
	}
	v := uint(parsed)
	return &v, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
