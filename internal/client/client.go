// Package client talks to the watch party HTTP and WebSocket API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	apperrors "github.com/streamparty/watchparty-server/internal/errors"
	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/httputil"
	"github.com/streamparty/watchparty-server/internal/model"
	"github.com/streamparty/watchparty-server/internal/reconciler"
)

var (
	_ reconciler.Fetcher = (*APIClient)(nil)
	_ reconciler.Updater = (*APIClient)(nil)
	_ reconciler.Stream  = (*APIClient)(nil)
)

// StatusError is a non-2xx API response. It unwraps to the server's AppError.
type StatusError struct {
	Status int
	Err    *apperrors.AppError
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

type Option func(*APIClient)

func WithHTTPClient(c *http.Client) Option {
	return func(a *APIClient) { a.http = c }
}

func WithBreakerTimeout(d time.Duration) Option {
	return func(a *APIClient) { a.breakerTimeout = d }
}

type APIClient struct {
	baseURL        string
	token          string
	http           *http.Client
	dialer         *websocket.Dialer
	breaker        *gobreaker.CircuitBreaker[[]byte]
	breakerTimeout time.Duration
}

func New(baseURL, token string, opts ...Option) *APIClient {
	c := &APIClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		http:           &http.Client{Timeout: 10 * time.Second},
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		breakerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "watchparty-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 4xx answers mean the server is healthy.
		IsSuccessful: func(err error) bool {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return c
}

func (c *APIClient) CreateParty(ctx context.Context, contentID int64, title string, kind model.ContentKind) (*model.Session, error) {
	var resp struct {
		Code    string        `json:"code"`
		Session model.Session `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/parties", map[string]any{
		"contentId":    contentID,
		"contentTitle": title,
		"contentKind":  kind,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

func (c *APIClient) JoinParty(ctx context.Context, code string) (*model.SessionSnapshot, error) {
	var snapshot model.SessionSnapshot
	if err := c.do(ctx, http.MethodPost, partyPath(code, "join"), nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *APIClient) LeaveParty(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, partyPath(code, "leave"), nil, nil)
}

func (c *APIClient) Heartbeat(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, partyPath(code, "heartbeat"), nil, nil)
}

func (c *APIClient) EndParty(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, partyPath(code, "end"), nil, nil)
}

// FetchState loads the session, roster and message log in one call.
func (c *APIClient) FetchState(ctx context.Context, code string) (*model.SessionState, error) {
	var state model.SessionState
	if err := c.do(ctx, http.MethodGet, partyPath(code, "state"), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *APIClient) UpdatePlayback(ctx context.Context, code string, position float64, isPlaying bool) (*model.PlaybackState, error) {
	var state model.PlaybackState
	err := c.do(ctx, http.MethodPost, partyPath(code, "playback"), map[string]any{
		"position":  position,
		"isPlaying": isPlaying,
	}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SendMessage returns a nil message when the server ignored a blank body.
func (c *APIClient) SendMessage(ctx context.Context, code string, body string) (*model.Message, error) {
	var msg model.Message
	var got bool
	err := c.doRaw(ctx, http.MethodPost, partyPath(code, "messages"), map[string]any{"body": body}, func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		got = true
		return json.Unmarshal(data, &msg)
	})
	if err != nil || !got {
		return nil, err
	}
	return &msg, nil
}

// Exists uses HEAD and so never reads an error body.
func (c *APIClient) Exists(ctx context.Context, code string) (bool, error) {
	err := c.do(ctx, http.MethodHead, partyPath(code, ""), nil, nil)
	if err == nil {
		return true, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// Connect opens the party's WebSocket feed. The returned channel closes when
// the connection drops or ctx is done.
func (c *APIClient) Connect(ctx context.Context, code string) (<-chan fanout.Event, error) {
	wsURL, err := c.socketURL(code)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.statusError(resp)
		}
		return nil, fmt.Errorf("dial %s: %w", code, err)
	}

	events := make(chan fanout.Event, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
					log.Debug().Err(err).Str("code", code).Msg("party feed closed")
				}
				return
			}
			var event fanout.Event
			if err := json.Unmarshal(data, &event); err != nil {
				log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *APIClient) socketURL(code string) (string, error) {
	u, err := url.Parse(c.baseURL + partyPath(code, "ws"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	return c.doRaw(ctx, method, path, body, func(data []byte) error {
		if out == nil || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	})
}

func (c *APIClient) doRaw(ctx context.Context, method, path string, body any, decode func([]byte) error) error {
	data, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, c.statusError(resp)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}
	if err := decode(data); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *APIClient) statusError(resp *http.Response) error {
	var body httputil.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) == 0 || json.Unmarshal(data, &body) != nil || body.Code == "" {
		body.Code = codeForStatus(resp.StatusCode)
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &StatusError{
		Status: resp.StatusCode,
		Err:    apperrors.New(body.Code, body.Error).WithDetails(body.Details),
	}
}

// codeForStatus covers responses without a JSON body, such as HEAD.
func codeForStatus(status int) apperrors.ErrorCode {
	switch status {
	case http.StatusUnauthorized:
		return apperrors.ErrCodeNotAuthenticated
	case http.StatusForbidden:
		return apperrors.ErrCodeNotHost
	case http.StatusNotFound:
		return apperrors.ErrCodeNotFound
	case http.StatusTooManyRequests:
		return apperrors.ErrCodeRateLimitExceeded
	case http.StatusServiceUnavailable:
		return apperrors.ErrCodeTransientStore
	default:
		return apperrors.ErrCodeInternal
	}
}

func partyPath(code, action string) string {
	p := "/v1/parties/" + url.PathEscape(code)
	if action != "" {
		p += "/" + action
	}
	return p
}
