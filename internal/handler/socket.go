package handler

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/config"
	apperrors "github.com/streamparty/watchparty-server/internal/errors"
	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/httputil"
	"github.com/streamparty/watchparty-server/internal/metrics"
	"github.com/streamparty/watchparty-server/internal/middleware"
	"github.com/streamparty/watchparty-server/internal/model"
	"github.com/streamparty/watchparty-server/internal/service"
)

// Inbound frame types.
const (
	FrameSync      = "sync"
	FrameChat      = "chat"
	FrameHeartbeat = "heartbeat"

	frameError = "error"
)

// SocketFrame is a client-to-server WebSocket message.
type SocketFrame struct {
	Type      string   `json:"type"`
	Position  *float64 `json:"position,omitempty"`
	IsPlaying *bool    `json:"isPlaying,omitempty"`
	Body      string   `json:"body,omitempty"`
}

type SocketConfig struct {
	WriteWait        time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	// LivenessInterval is how often the party is checked for expiry.
	LivenessInterval time.Duration
	AllowedOrigins   []string
}

func DefaultSocketConfig(allowedOrigins []string) SocketConfig {
	return SocketConfig{
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     54 * time.Second,
		MaxMessageSize:   8 << 10,
		LivenessInterval: config.SocketHeartbeatEvery,
		AllowedOrigins:   allowedOrigins,
	}
}

// SocketHandler is the bidirectional counterpart of EventsHandler. Clients
// receive the same events and may send sync, chat and heartbeat frames.
type SocketHandler struct {
	broker   Subscriber
	parties  PartyCoordinator
	cfg      SocketConfig
	upgrader websocket.Upgrader
}

func NewSocketHandler(broker Subscriber, parties PartyCoordinator, cfg SocketConfig) *SocketHandler {
	h := &SocketHandler{
		broker:  broker,
		parties: parties,
		cfg:     cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *SocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

type socketConn struct {
	id       string
	code     string
	identity model.Identity
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *socketConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// queue hands a frame to the writer, dropping it if the connection is backed up.
func (c *socketConn) queue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		log.Warn().Str("code", c.code).Str("socketId", c.id).Msg("socket send buffer full, dropping frame")
	}
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	ctx := r.Context()
	state, err := h.parties.GetState(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	code := state.Session.Code

	client, err := h.broker.Subscribe(code)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to subscribe socket client")
		writeError(w, apperrors.Internal("Could not open event stream"))
		return
	}
	defer h.broker.Unsubscribe(client)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn().Err(err).Str("code", code).Msg("websocket upgrade failed")
		return
	}

	sc := &socketConn{
		id:       uuid.NewString(),
		code:     code,
		identity: *identity,
		conn:     conn,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	defer sc.close()

	metrics.SocketConnections.Inc()
	defer metrics.SocketConnections.Dec()

	log.Info().
		Str("code", code).
		Str("userId", identity.UserID).
		Str("socketId", sc.id).
		Msg("websocket connection established")

	if fresh, err := h.parties.GetState(ctx, code); err == nil {
		state = fresh
	}
	if frame, err := encodeEvent(code, fanout.EventConnected, "", state); err == nil {
		sc.queue(frame)
	}

	go h.writePump(ctx, sc, client)
	h.readPump(ctx, sc)

	log.Info().
		Str("code", code).
		Str("socketId", sc.id).
		Msg("websocket connection closed")
}

func (h *SocketHandler) readPump(ctx context.Context, sc *socketConn) {
	defer sc.close()

	sc.conn.SetReadLimit(h.cfg.MaxMessageSize)
	sc.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, message, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("socketId", sc.id).Msg("websocket read error")
			}
			return
		}
		sc.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.handleFrame(ctx, sc, message)
	}
}

func (h *SocketHandler) handleFrame(ctx context.Context, sc *socketConn, message []byte) {
	var frame SocketFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		h.sendError(sc, apperrors.ValidationError("Invalid frame"))
		return
	}

	switch frame.Type {
	case FrameSync:
		if frame.Position == nil || frame.IsPlaying == nil {
			h.sendError(sc, apperrors.ValidationError("sync requires position and isPlaying"))
			return
		}
		_, err := h.parties.UpdatePlayback(ctx, service.PlaybackUpdate{
			Code:      sc.code,
			Position:  *frame.Position,
			IsPlaying: *frame.IsPlaying,
			CallerID:  sc.identity.UserID,
		})
		if err != nil {
			h.sendError(sc, err)
		}

	case FrameChat:
		if _, err := h.parties.SendMessage(ctx, sc.code, sc.identity, frame.Body); err != nil {
			h.sendError(sc, err)
		}

	case FrameHeartbeat:
		if err := h.parties.Heartbeat(ctx, sc.code, sc.identity.UserID); err != nil {
			h.sendError(sc, err)
		}

	default:
		h.sendError(sc, apperrors.ValidationError("Unknown frame type"))
	}
}

func (h *SocketHandler) writePump(ctx context.Context, sc *socketConn, client *fanout.Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	liveness := time.NewTicker(h.cfg.LivenessInterval)
	defer func() {
		ticker.Stop()
		liveness.Stop()
		sc.close()
	}()

	for {
		select {
		case <-sc.done:
			return

		case <-client.Done:
			h.writeClose(sc, websocket.CloseGoingAway, "server shutting down")
			return

		case event := <-client.Events:
			frame, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("type", event.Type).Msg("failed to encode socket event")
				continue
			}
			if err := h.write(sc, websocket.TextMessage, frame); err != nil {
				return
			}
			if event.Type == fanout.EventEnded {
				h.writeClose(sc, websocket.CloseNormalClosure, "watch party ended")
				return
			}

		case frame := <-sc.send:
			if err := h.write(sc, websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := h.write(sc, websocket.PingMessage, nil); err != nil {
				return
			}

		case <-liveness.C:
			if !partyGone(ctx, h.parties, sc.code) {
				continue
			}
			log.Info().Str("code", sc.code).Str("socketId", sc.id).Msg("watch party expired, closing websocket")
			if frame, err := encodeEvent(sc.code, fanout.EventEnded, fanout.TopicSession, goneSnapshot(sc.code)); err == nil {
				h.write(sc, websocket.TextMessage, frame)
			}
			h.writeClose(sc, websocket.CloseNormalClosure, "watch party ended")
			return
		}
	}
}

func (h *SocketHandler) write(sc *socketConn, messageType int, data []byte) error {
	sc.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	return sc.conn.WriteMessage(messageType, data)
}

func (h *SocketHandler) writeClose(sc *socketConn, code int, reason string) {
	h.write(sc, websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (h *SocketHandler) sendError(sc *socketConn, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Str("code", sc.code).Msg("socket frame failed")
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	frame, encErr := encodeEvent(sc.code, frameError, "", httputil.ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
	if encErr != nil {
		return
	}
	sc.queue(frame)
}

func encodeEvent(code, eventType string, topic fanout.Topic, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fanout.Event{Type: eventType, Code: code, Topic: topic, Data: raw})
}
