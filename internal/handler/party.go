package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/audit"
	"github.com/streamparty/watchparty-server/internal/config"
	apperrors "github.com/streamparty/watchparty-server/internal/errors"
	"github.com/streamparty/watchparty-server/internal/middleware"
	"github.com/streamparty/watchparty-server/internal/model"
	"github.com/streamparty/watchparty-server/internal/service"
	"github.com/streamparty/watchparty-server/internal/util"
)

// PartyCoordinator is the subset of service.PartyService the HTTP layer uses.
type PartyCoordinator interface {
	CreateSession(ctx context.Context, params service.CreatePartyParams) (*model.Session, error)
	JoinSession(ctx context.Context, code string, identity model.Identity) (*model.SessionSnapshot, error)
	LeaveSession(ctx context.Context, code string, userID string) error
	UpdatePlayback(ctx context.Context, update service.PlaybackUpdate) (*model.PlaybackState, error)
	SendMessage(ctx context.Context, code string, identity model.Identity, body string) (*model.Message, error)
	GetMessages(ctx context.Context, code string) ([]model.Message, error)
	GetSession(ctx context.Context, code string) (*model.SessionSnapshot, error)
	GetParticipants(ctx context.Context, code string) ([]model.Participant, error)
	SessionExists(ctx context.Context, code string) (bool, error)
	Heartbeat(ctx context.Context, code string, userID string) error
	EndSession(ctx context.Context, code string, callerID string) error
	GetState(ctx context.Context, code string) (*model.SessionState, error)
}

var _ PartyCoordinator = (*service.PartyService)(nil)

type PartyHandler struct {
	parties PartyCoordinator
	events  http.Handler
	socket  http.Handler
}

// NewPartyHandler builds the /v1/parties router. events and socket serve the
// streaming routes and may be nil.
func NewPartyHandler(parties PartyCoordinator, events, socket http.Handler) *PartyHandler {
	return &PartyHandler{
		parties: parties,
		events:  events,
		socket:  socket,
	}
}

// Routes mounts the REST endpoints behind the given middlewares. The streaming
// endpoints skip them since they outlive any request timeout.
func (h *PartyHandler) Routes(rest ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(rest...)

		r.With(httprate.LimitByIP(config.CreatePartyLimitPerMin, time.Minute)).Post("/", h.Create)
		r.Get("/{code}", h.Get)
		r.Head("/{code}", h.Exists)
		r.Get("/{code}/participants", h.Participants)
		r.Get("/{code}/messages", h.Messages)
		r.Post("/{code}/messages", h.SendMessage)
		r.Get("/{code}/state", h.State)
		r.Post("/{code}/join", h.Join)
		r.Post("/{code}/leave", h.Leave)
		r.Post("/{code}/heartbeat", h.Heartbeat)
		r.Post("/{code}/playback", h.Playback)
		r.Post("/{code}/end", h.End)
	})

	if h.events != nil {
		r.Get("/{code}/events", h.events.ServeHTTP)
	}
	if h.socket != nil {
		r.Get("/{code}/ws", h.socket.ServeHTTP)
	}

	return r
}

type createPartyRequest struct {
	ContentID    int64  `json:"contentId" validate:"required,gt=0"`
	ContentTitle string `json:"contentTitle" validate:"required,max=300"`
	ContentKind  string `json:"contentKind" validate:"required,oneof=movie tv"`
}

type playbackRequest struct {
	Position  *float64 `json:"position" validate:"required,gte=0"`
	IsPlaying *bool    `json:"isPlaying" validate:"required"`
}

type messageRequest struct {
	Body string `json:"body" validate:"max=4000"`
}

// POST /v1/parties
func (h *PartyHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	var req createPartyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.parties.CreateSession(r.Context(), service.CreatePartyParams{
		ContentID:    req.ContentID,
		ContentTitle: req.ContentTitle,
		ContentKind:  model.ContentKind(req.ContentKind),
		Host:         *identity,
	})
	if err != nil {
		h.fail(w, r, "create party", err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventPartyCreate,
		UserID:    identity.UserID,
		PartyCode: session.Code,
		Details:   map[string]any{"content_id": session.ContentID},
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"code":    session.Code,
		"session": session,
	})
}

// GET /v1/parties/{code}
func (h *PartyHandler) Get(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.parties.GetSession(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "get party", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// HEAD /v1/parties/{code}
func (h *PartyHandler) Exists(w http.ResponseWriter, r *http.Request) {
	exists, err := h.parties.SessionExists(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "party exists", err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GET /v1/parties/{code}/participants
func (h *PartyHandler) Participants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.parties.GetParticipants(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "list participants", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

// GET /v1/parties/{code}/messages
func (h *PartyHandler) Messages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.parties.GetMessages(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// POST /v1/parties/{code}/messages
// A blank body is accepted and ignored.
func (h *PartyHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.parties.SendMessage(r.Context(), chi.URLParam(r, "code"), *identity, req.Body)
	if err != nil {
		h.fail(w, r, "send message", err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GET /v1/parties/{code}/state
func (h *PartyHandler) State(w http.ResponseWriter, r *http.Request) {
	state, err := h.parties.GetState(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "get state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// POST /v1/parties/{code}/join
func (h *PartyHandler) Join(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	snapshot, err := h.parties.JoinSession(r.Context(), chi.URLParam(r, "code"), *identity)
	if err != nil {
		h.fail(w, r, "join party", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// POST /v1/parties/{code}/leave
func (h *PartyHandler) Leave(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	if err := h.parties.LeaveSession(r.Context(), chi.URLParam(r, "code"), identity.UserID); err != nil {
		h.fail(w, r, "leave party", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/parties/{code}/heartbeat
func (h *PartyHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	if err := h.parties.Heartbeat(r.Context(), chi.URLParam(r, "code"), identity.UserID); err != nil {
		h.fail(w, r, "heartbeat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/parties/{code}/playback
// Host only.
func (h *PartyHandler) Playback(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	var req playbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	state, err := h.parties.UpdatePlayback(r.Context(), service.PlaybackUpdate{
		Code:      chi.URLParam(r, "code"),
		Position:  *req.Position,
		IsPlaying: *req.IsPlaying,
		CallerID:  identity.UserID,
	})
	if err != nil {
		h.fail(w, r, "update playback", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// POST /v1/parties/{code}/end
func (h *PartyHandler) End(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, apperrors.NotAuthenticated())
		return
	}

	code := chi.URLParam(r, "code")
	if err := h.parties.EndSession(r.Context(), code, identity.UserID); err != nil {
		h.fail(w, r, "end party", err)
		return
	}
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventPartyEnd,
		UserID:    identity.UserID,
		PartyCode: util.NormalizeSessionCode(code),
	})
	w.WriteHeader(http.StatusNoContent)
}

// fail logs unexpected errors and writes the mapped response. Client errors
// such as NotFound are not logged.
func (h *PartyHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case apperrors.HasCode(err, apperrors.ErrCodeNotHost):
		event := audit.Event{
			Type:      audit.EventHostDenied,
			PartyCode: chi.URLParam(r, "code"),
			Details:   map[string]any{"op": op},
		}
		if identity := middleware.GetIdentity(r.Context()); identity != nil {
			event.UserID = identity.UserID
		}
		audit.LogFromRequest(r, event)
	case !apperrors.IsAppError(err):
		log.Error().Err(err).
			Str("op", op).
			Str("code", chi.URLParam(r, "code")).
			Msg("party request failed")
	case apperrors.HasCode(err, apperrors.ErrCodeTransientStore):
		log.Warn().Err(err).
			Str("op", op).
			Str("code", chi.URLParam(r, "code")).
			Msg("party request hit transient store error")
	}
	writeError(w, err)
}
