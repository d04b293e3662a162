package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pairspeak/pairspeak/internal/config"
	"github.com/pairspeak/pairspeak/internal/controller"
	"github.com/pairspeak/pairspeak/internal/observability"
	"github.com/pairspeak/pairspeak/internal/presence"
	"github.com/pairspeak/pairspeak/internal/protocol"
)

type Server struct {
	cfg      config.Config
	sessions *controller.Manager
	metrics  *observability.Metrics
	perf     *observability.LifecycleWindow
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *controller.Manager, metrics *observability.Metrics, perf *observability.LifecycleWindow) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		perf:     perf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session stream unless
				// explicitly opened up; non-browser clients omit Origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions/enter", s.handleEnter)
	r.Get("/v1/sessions/{roomID}", s.handleGetSession)
	r.Post("/v1/sessions/{roomID}/end", s.handleEndSession)
	r.Post("/v1/sessions/{roomID}/unload", s.handleUnloadSession)
	r.Get("/v1/sessions/{roomID}/ws", s.handleSessionWS)
	r.Get("/v1/perf/lifecycle", s.handlePerfLifecycle)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type enterRequest struct {
	RoomID       string `json:"room_id"`
	UserID       string `json:"user_id"`
	Participants []struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"participants"`
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RoomID) == "" || strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "room_id and user_id are required")
		return
	}

	parts := make([]presence.Participant, 0, len(req.Participants))
	for _, p := range req.Participants {
		role := presence.Role(p.Role)
		if role != presence.RoleHost && role != presence.RoleGuest {
			role = presence.RoleGuest
		}
		parts = append(parts, presence.Participant{ID: p.ID, Role: role})
	}

	c, err := s.sessions.Enter(r.Context(), req.RoomID, req.UserID, parts)
	if err != nil {
		var elsewhere *controller.ActiveElsewhereError
		if errors.As(err, &elsewhere) {
			respondJSON(w, http.StatusConflict, map[string]any{
				"error":   "user already in an active session",
				"code":    "active_session_elsewhere",
				"room_id": elsewhere.RoomID,
			})
			return
		}
		respondError(w, http.StatusConflict, "room_busy", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, c.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	// The room service reports partner-initiated endings with an explicit
	// reason; everything else counts as a user ending.
	reason := protocol.ReasonUser
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err == nil && body.Reason == protocol.ReasonRoomEnded {
		reason = protocol.ReasonRoomEnded
	}
	if err := c.End(r.Context(), reason); err != nil {
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleUnloadSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	c.Unload(r.Context())
	respondJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, unsubscribe := c.Subscribe()
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", msg.Type).Inc()
				}
			}
		}
	}()

	// Initial snapshot so a reconnecting client renders immediately.
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = conn.WriteJSON(snapshotMessage(c))

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = conn.WriteJSON(protocol.ServerMessage{
				Type:       protocol.TypeError,
				ErrorClass: "invalid_client_message",
				Detail:     err.Error(),
			})
			continue
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", parsed.Type).Inc()
		}
		s.dispatch(ctx, conn, c, parsed)
	}

	cancel()
	<-writerDone
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, c *controller.Controller, msg protocol.ClientMessage) {
	var err error
	switch msg.Type {
	case protocol.CommandMute:
		err = c.SetMuted(ctx, true)
	case protocol.CommandUnmute:
		err = c.SetMuted(ctx, false)
	case protocol.CommandVolume:
		err = c.SetVolume(ctx, msg.Volume)
	case protocol.CommandEnd:
		err = c.End(ctx, protocol.ReasonUser)
	case protocol.CommandUnload:
		c.Unload(ctx)
	case protocol.CommandRefresh:
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteJSON(snapshotMessage(c))
	}
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteJSON(protocol.ServerMessage{
			Type:       protocol.TypeError,
			ErrorClass: "command_failed",
			Detail:     err.Error(),
		})
	}
}

func (s *Server) handlePerfLifecycle(w http.ResponseWriter, _ *http.Request) {
	if s.perf == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.perf.Snapshot())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*controller.Controller, bool) {
	roomID := strings.TrimSpace(chi.URLParam(r, "roomID"))
	if roomID == "" {
		respondError(w, http.StatusBadRequest, "invalid_room_id", "missing room id")
		return nil, false
	}
	c, err := s.sessions.Get(roomID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return c, true
}

func snapshotMessage(c *controller.Controller) protocol.ServerMessage {
	snap := c.Snapshot()
	return protocol.ServerMessage{
		Type:            protocol.TypeStateSnapshot,
		RoomID:          snap.RoomID,
		ConnectionState: string(snap.ConnectionState),
		Phase:           string(snap.Phase),
		ElapsedSeconds:  snap.ElapsedSeconds,
		Remaining:       snap.Remaining,
		IsMuted:         snap.IsMuted,
		Volume:          snap.Volume,
		VoiceConnected:  snap.VoiceConnected,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
