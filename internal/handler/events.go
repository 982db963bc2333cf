package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/config"
	apperrors "github.com/streamparty/watchparty-server/internal/errors"
	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/middleware"
)

// EventsHandler streams a party's session, message and playback events as
// server-sent events.
type EventsHandler struct {
	broker            Subscriber
	parties           PartyCoordinator
	heartbeatInterval time.Duration
}

func NewEventsHandler(broker Subscriber, parties PartyCoordinator) *EventsHandler {
	return &EventsHandler{
		broker:            broker,
		parties:           parties,
		heartbeatInterval: config.SocketHeartbeatEvery,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
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
		log.Error().Err(err).Str("code", code).Msg("failed to subscribe sse client")
		writeError(w, apperrors.Internal("Could not open event stream"))
		return
	}
	defer h.broker.Unsubscribe(client)

	// Reload once subscribed so nothing published in between is lost.
	if fresh, err := h.parties.GetState(ctx, code); err == nil {
		state = fresh
	} else {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().
		Str("code", code).
		Str("userId", identity.UserID).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, fanout.EventConnected, state); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("code", code).
				Str("userId", identity.UserID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("code", code).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			if event.Type == fanout.EventEnded {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("code", code).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()

			if partyGone(ctx, h.parties, code) {
				log.Info().Str("code", code).Msg("watch party expired, closing sse connection")
				h.sendEvent(w, flusher, fanout.EventEnded, goneSnapshot(code))
				return
			}

			// An open stream counts as presence for joined participants.
			if err := h.parties.Heartbeat(ctx, code, identity.UserID); err != nil &&
				!apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				log.Debug().Err(err).Str("code", code).Msg("stream heartbeat failed")
			}
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, fanout.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event fanout.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
