package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/apierror"
	"github.com/melodyhq/voice-gateway/pkg/gateway/config"
	"github.com/melodyhq/voice-gateway/pkg/gateway/live/session"
	"github.com/melodyhq/voice-gateway/pkg/gateway/live/sessions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/upstream"
)

// seedFetchTimeout bounds the playback snapshot taken at bootstrap; a
// session without seed context is better than a slow bootstrap.
const seedFetchTimeout = 2 * time.Second

// UpstreamDialer opens the speech-service leg for one session.
type UpstreamDialer interface {
	Dial(ctx context.Context) (upstream.Link, error)
}

// VoiceBootstrapHandler creates a session record ahead of the WebSocket
// connection: POST /api/voice/session.
type VoiceBootstrapHandler struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *sessions.Store
	Actions actions.Service

	Now   func() time.Time
	NewID func() string
}

type bootstrapRequest struct {
	UserRef      string `json:"user_ref"`
	SpotifyToken string `json:"spotify_token"`
}

type bootstrapResponse struct {
	SessionID string `json:"session_id"`
	Voice     string `json:"voice"`
}

func (h VoiceBootstrapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, apierror.Invalid("method not allowed", ""))
		return
	}

	var req bootstrapRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apierror.Invalid("invalid request body", ""))
			return
		}
	}
	if req.SpotifyToken == "" {
		req.SpotifyToken = strings.TrimSpace(r.Header.Get("X-Spotify-Token"))
	}
	if strings.TrimSpace(req.UserRef) == "" {
		writeError(w, r, apierror.Invalid("user_ref is required", "user_ref"))
		return
	}
	if req.SpotifyToken == "" {
		writeError(w, r, apierror.Invalid("spotify_token is required", "spotify_token"))
		return
	}

	now := h.Now
	if now == nil {
		now = time.Now
	}
	newID := h.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	rec := sessions.Record{
		ID:         newID(),
		UserRef:    strings.TrimSpace(req.UserRef),
		Credential: req.SpotifyToken,
		CreatedAt:  now(),
	}
	rec.SeedContext = h.seedContext(r.Context(), rec.Credential)

	if err := h.Store.Create(rec); err != nil {
		writeError(w, r, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("session created", "session_id", rec.ID, "user_ref", rec.UserRef)
	}
	writeJSON(w, http.StatusCreated, bootstrapResponse{SessionID: rec.ID, Voice: h.Config.Voice})
}

// seedContext captures the playback state at bootstrap so the very first
// turn already knows what is playing. Best effort.
func (h VoiceBootstrapHandler) seedContext(ctx context.Context, credential string) string {
	if h.Actions == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, seedFetchTimeout)
	defer cancel()
	np, err := h.Actions.CurrentTrack(ctx, credential)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("seed context fetch failed", "error", err)
		}
		return ""
	}
	return session.PlaybackSeed(np)
}

// VoiceSocketHandler upgrades GET /api/voice/ws and runs the session until
// either leg closes.
type VoiceSocketHandler struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *sessions.Store
	Actions actions.Service
	Dialer  UpstreamDialer
}

func (h VoiceSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, apierror.Invalid("method not allowed", ""))
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeError(w, r, apierror.Invalid("session_id is required", "session_id"))
		return
	}
	rec, ok := h.Store.Get(sessionID)
	if !ok {
		writeError(w, r, sessions.ErrNotFound)
		return
	}
	if !h.originAllowed(r) {
		writeError(w, r, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	dialCtx, cancelDial := context.WithTimeout(r.Context(), h.Config.UpstreamHandshakeTimeout)
	link, err := h.Dialer.Dial(dialCtx)
	cancelDial()
	if err != nil {
		logger.Error("upstream dial failed", "session_id", sessionID, "error", err)
		_ = conn.WriteJSON(map[string]any{
			"type":    "error",
			"code":    "upstream_unavailable",
			"message": "failed to reach the speech service",
			"fatal":   true,
		})
		return
	}

	s, err := session.New(session.Dependencies{
		Client:      conn,
		Link:        link,
		Actions:     h.Actions,
		Logger:      logger,
		SessionID:   rec.ID,
		UserRef:     rec.UserRef,
		Credential:  rec.Credential,
		SeedContext: rec.SeedContext,
		Config: session.Config{
			Voice:                 h.Config.Voice,
			BargeInGrace:          h.Config.BargeInGrace,
			ToolResultSettleDelay: h.Config.ToolResultSettleDelay,
			HistoryLimit:          h.Config.HistoryLimit,
			PingInterval:          h.Config.LiveWSPingInterval,
			WriteTimeout:          h.Config.LiveWSWriteTimeout,
			ReadTimeout:           h.Config.LiveWSReadTimeout,
			MaxJSONMessageBytes:   h.Config.LiveMaxJSONMessageBytes,
			OutboundQueueSize:     h.Config.LiveOutboundQueueSize,
		},
	})
	if err != nil {
		_ = link.Close()
		logger.Error("session init failed", "session_id", sessionID, "error", err)
		return
	}

	detach, err := h.Store.Attach(rec.ID, sessions.Handle{Cancel: s.Cancel, Warn: s.Warn})
	if err != nil {
		_ = link.Close()
		logger.Warn("session attach failed", "session_id", sessionID, "error", err)
		return
	}
	defer detach()

	logger.Info("session connected", "session_id", rec.ID, "user_ref", rec.UserRef)
	if err := s.Run(); err != nil {
		logger.Warn("session ended with error", "session_id", rec.ID, "error", err)
		return
	}
	logger.Info("session ended", "session_id", rec.ID)
}

// originAllowed mirrors the CORS allowlist for the upgrade request, which
// browsers do not preflight. No allowlist means non-browser clients only.
func (h VoiceSocketHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// VoiceTerminateHandler removes a session: DELETE /api/voice/session/{id}.
type VoiceTerminateHandler struct {
	Logger *slog.Logger
	Store  *sessions.Store
}

func (h VoiceTerminateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, r, apierror.Invalid("method not allowed", ""))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, apierror.Invalid("session id is required", "id"))
		return
	}
	if !h.Store.Remove(id) {
		writeError(w, r, sessions.ErrNotFound)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("session removed", "session_id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// VoiceListHandler lists sessions for debugging: GET /api/voice/sessions.
type VoiceListHandler struct {
	Store *sessions.Store
}

type sessionSummary struct {
	SessionID string    `json:"session_id"`
	UserRef   string    `json:"user_ref"`
	CreatedAt time.Time `json:"created_at"`
}

func (h VoiceListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, apierror.Invalid("method not allowed", ""))
		return
	}
	records := h.Store.List()
	out := make([]sessionSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionSummary{SessionID: rec.ID, UserRef: rec.UserRef, CreatedAt: rec.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}
