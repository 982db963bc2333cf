package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/streamparty/watchparty-server/internal/errors"
	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/httputil"
	"github.com/streamparty/watchparty-server/internal/model"
	"github.com/streamparty/watchparty-server/internal/service"
)

func dialSocket(t *testing.T, broker *fanout.Broker, parties PartyCoordinator, identity *model.Identity, code string) *websocket.Conn {
	t.Helper()
	return dialSocketWith(t, broker, parties, identity, code, DefaultSocketConfig([]string{"*"}))
}

func dialSocketWith(t *testing.T, broker *fanout.Broker, parties PartyCoordinator, identity *model.Identity, code string, cfg SocketConfig) *websocket.Conn {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/v1/parties/{code}/ws", NewSocketHandler(broker, parties, cfg).ServeHTTP)
	srv := httptest.NewServer(as(identity, r))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/parties/" + code + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) fanout.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event fanout.Event
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestSocketHandler(t *testing.T) {
	t.Run("sends state on connect and relays events", func(t *testing.T) {
		broker := fanout.NewBroker(fanout.NewLocalTransport())
		defer broker.Close()
		parties := new(mockParties)
		parties.On("GetState", mock.Anything, "ABC123").Return(testState("ABC123"), nil)

		conn := dialSocket(t, broker, parties, &guest, "ABC123")

		event := readFrame(t, conn)
		assert.Equal(t, fanout.EventConnected, event.Type)
		assert.Equal(t, "ABC123", event.Code)

		require.NoError(t, broker.Publish(context.Background(), "ABC123", fanout.TopicMessages, fanout.EventMessage,
			model.Message{ID: "m1", Body: "hello", Kind: model.MessageKindChat}))

		event = readFrame(t, conn)
		assert.Equal(t, fanout.EventMessage, event.Type)
		assert.Equal(t, fanout.TopicMessages, event.Topic)
		assert.Contains(t, string(event.Data), `"body":"hello"`)
	})

	t.Run("host sync frame updates playback", func(t *testing.T) {
		broker := fanout.NewBroker(fanout.NewLocalTransport())
		defer broker.Close()
		parties := new(mockParties)
		parties.On("GetState", mock.Anything, "ABC123").Return(testState("ABC123"), nil)
		updated := make(chan service.PlaybackUpdate, 1)
		parties.On("UpdatePlayback", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { updated <- args.Get(1).(service.PlaybackUpdate) }).
			Return(&model.PlaybackState{SessionCode: "ABC123", Position: 90, IsPlaying: true}, nil)

		conn := dialSocket(t, broker, parties, &host, "ABC123")
		readFrame(t, conn)

		require.NoError(t, conn.WriteJSON(map[string]any{"type": FrameSync, "position": 90, "isPlaying": true}))

		select {
		case update := <-updated:
			assert.Equal(t, service.PlaybackUpdate{Code: "ABC123", Position: 90, IsPlaying: true, CallerID: host.UserID}, update)
		case <-time.After(2 * time.Second):
			t.Fatal("sync frame was not applied")
		}
	})

	t.Run("rejected frame yields error event", func(t *testing.T) {
		broker := fanout.NewBroker(fanout.NewLocalTransport())
		defer broker.Close()
		parties := new(mockParties)
		parties.On("GetState", mock.Anything, "ABC123").Return(testState("ABC123"), nil)
		parties.On("UpdatePlayback", mock.Anything, mock.Anything).Return(nil, apperrors.NotHost())

		conn := dialSocket(t, broker, parties, &guest, "ABC123")
		readFrame(t, conn)

		require.NoError(t, conn.WriteJSON(map[string]any{"type": FrameSync, "position": 5, "isPlaying": false}))

		event := readFrame(t, conn)
		assert.Equal(t, "error", event.Type)
		var resp httputil.ErrorResponse
		require.NoError(t, json.Unmarshal(event.Data, &resp))
		assert.Equal(t, apperrors.ErrCodeNotHost, resp.Code)

		require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))
		event = readFrame(t, conn)
		assert.Equal(t, "error", event.Type)
		assert.Contains(t, string(event.Data), "Unknown frame type")
	})

	t.Run("chat and heartbeat frames", func(t *testing.T) {
		broker := fanout.NewBroker(fanout.NewLocalTransport())
		defer broker.Close()
		parties := new(mockParties)
		parties.On("GetState", mock.Anything, "ABC123").Return(testState("ABC123"), nil)
		calls := make(chan string, 2)
		parties.On("SendMessage", mock.Anything, "ABC123", guest, "hi all").
			Run(func(mock.Arguments) { calls <- "chat" }).
			Return(&model.Message{ID: "m1"}, nil)
		parties.On("Heartbeat", mock.Anything, "ABC123", guest.UserID).
			Run(func(mock.Arguments) { calls <- "heartbeat" }).
			Return(nil)

		conn := dialSocket(t, broker, parties, &guest, "ABC123")
		readFrame(t, conn)

		require.NoError(t, conn.WriteJSON(map[string]any{"type": FrameChat, "body": "hi all"}))
		require.NoError(t, conn.WriteJSON(map[string]any{"type": FrameHeartbeat}))

		var got []string
		for len(got) < 2 {
			select {
			case c := <-calls:
				got = append(got, c)
			case <-time.After(2 * time.Second):
				t.Fatalf("frames not handled, got %v", got)
			}
		}
		assert.Equal(t, []string{"chat", "heartbeat"}, got)
	})

	t.Run("ended event closes the socket", func(t *testing.T) {
		broker := fanout.NewBroker(fanout.NewLocalTransport())
		defer broker.Close()
		parties := new(mockParties)
		parties.On("GetState", mock.Anything, "ABC123").Return(testState("ABC123"), nil)

		conn := dialSocket(t, broker, parties, &guest, "ABC123")
		readFrame(t, conn)

		require.NoError(t, broker.Publish(context.Background(), "ABC123", fanout.TopicSession, fanout.EventEnded,
			model.SessionSnapshot{Session: model.Session{Code: "ABC123"}}))

		event := readFrame(t, conn)
		assert.Equal(t, fanout.EventEnded, event.Type)

		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
		assert.Eventually(t, func() bool { return broker.TotalClients() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("expired party closes the socket", func(t *testing.T) {
		broker := fanout.NewBroker(fanout.NewLocalTransport())
		defer broker.Close()
		parties := new(mockParties)
		parties.On("GetState", mock.Anything, "ABC123").Return(testState("ABC123"), nil)
		parties.On("SessionExists", mock.Anything, "ABC123").Return(true, nil).Once()
		parties.On("SessionExists", mock.Anything, "ABC123").Return(false, nil)

		cfg := DefaultSocketConfig([]string{"*"})
		cfg.LivenessInterval = 20 * time.Millisecond
		conn := dialSocketWith(t, broker, parties, &guest, "ABC123", cfg)
		readFrame(t, conn)

		event := readFrame(t, conn)
		assert.Equal(t, fanout.EventEnded, event.Type)
		assert.Equal(t, "ABC123", event.Code)

		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
		assert.Eventually(t, func() bool { return broker.TotalClients() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("unknown party fails the handshake", func(t *testing.T) {
		broker := fanout.NewBroker(fanout.NewLocalTransport())
		defer broker.Close()
		parties := new(mockParties)
		parties.On("GetState", mock.Anything, "NOPE00").Return(nil, apperrors.PartyNotFound())

		r := chi.NewRouter()
		r.Get("/v1/parties/{code}/ws", NewSocketHandler(broker, parties, DefaultSocketConfig(nil)).ServeHTTP)
		srv := httptest.NewServer(as(&guest, r))
		defer srv.Close()

		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/parties/NOPE00/ws", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSocketHandler_checkOrigin(t *testing.T) {
	h := NewSocketHandler(nil, nil, DefaultSocketConfig([]string{"https://party.example"}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://party.example")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))
}
