package handler

import (
	"context"
	"net/http"

	"github.com/stretchr/testify/mock"

	"github.com/streamparty/watchparty-server/internal/middleware"
	"github.com/streamparty/watchparty-server/internal/model"
	"github.com/streamparty/watchparty-server/internal/service"
)

type mockParties struct {
	mock.Mock
}

func (m *mockParties) CreateSession(ctx context.Context, params service.CreatePartyParams) (*model.Session, error) {
	args := m.Called(ctx, params)
	session, _ := args.Get(0).(*model.Session)
	return session, args.Error(1)
}

func (m *mockParties) JoinSession(ctx context.Context, code string, identity model.Identity) (*model.SessionSnapshot, error) {
	args := m.Called(ctx, code, identity)
	snapshot, _ := args.Get(0).(*model.SessionSnapshot)
	return snapshot, args.Error(1)
}

func (m *mockParties) LeaveSession(ctx context.Context, code string, userID string) error {
	return m.Called(ctx, code, userID).Error(0)
}

func (m *mockParties) UpdatePlayback(ctx context.Context, update service.PlaybackUpdate) (*model.PlaybackState, error) {
	args := m.Called(ctx, update)
	state, _ := args.Get(0).(*model.PlaybackState)
	return state, args.Error(1)
}

func (m *mockParties) SendMessage(ctx context.Context, code string, identity model.Identity, body string) (*model.Message, error) {
	args := m.Called(ctx, code, identity, body)
	msg, _ := args.Get(0).(*model.Message)
	return msg, args.Error(1)
}

func (m *mockParties) GetMessages(ctx context.Context, code string) ([]model.Message, error) {
	args := m.Called(ctx, code)
	messages, _ := args.Get(0).([]model.Message)
	return messages, args.Error(1)
}

func (m *mockParties) GetSession(ctx context.Context, code string) (*model.SessionSnapshot, error) {
	args := m.Called(ctx, code)
	snapshot, _ := args.Get(0).(*model.SessionSnapshot)
	return snapshot, args.Error(1)
}

func (m *mockParties) GetParticipants(ctx context.Context, code string) ([]model.Participant, error) {
	args := m.Called(ctx, code)
	participants, _ := args.Get(0).([]model.Participant)
	return participants, args.Error(1)
}

func (m *mockParties) SessionExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *mockParties) Heartbeat(ctx context.Context, code string, userID string) error {
	return m.Called(ctx, code, userID).Error(0)
}

func (m *mockParties) EndSession(ctx context.Context, code string, callerID string) error {
	return m.Called(ctx, code, callerID).Error(0)
}

func (m *mockParties) GetState(ctx context.Context, code string) (*model.SessionState, error) {
	args := m.Called(ctx, code)
	state, _ := args.Get(0).(*model.SessionState)
	return state, args.Error(1)
}

var (
	host  = model.Identity{UserID: "host-1", DisplayName: "Hana"}
	guest = model.Identity{UserID: "guest-1", DisplayName: "Gil"}
)

// as injects identity the way AuthMiddleware would.
func as(identity *model.Identity, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity != nil {
			r = r.WithContext(middleware.WithIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

func testState(code string) *model.SessionState {
	return &model.SessionState{
		SessionSnapshot: model.SessionSnapshot{
			Session: model.Session{Code: code, HostID: host.UserID, ContentTitle: "Arrival"},
			Participants: []model.Participant{
				{SessionCode: code, UserID: host.UserID, DisplayName: host.DisplayName, IsHost: true, Active: true},
			},
		},
		Messages: []model.Message{},
	}
}
