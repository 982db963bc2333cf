package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/config"
	apperrors "github.com/streamparty/watchparty-server/internal/errors"
	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/model"
)

// ErrPartyEnded is returned by Follower.Run once the party ended, expired
// or disappeared.
var ErrPartyEnded = errors.New("watch party ended")

// Fetcher loads the full party state. It backs degraded mode.
type Fetcher interface {
	FetchState(ctx context.Context, code string) (*model.SessionState, error)
}

// Stream opens a real-time event feed for a party. The channel closes when
// the connection is lost.
type Stream interface {
	Connect(ctx context.Context, code string) (<-chan fanout.Event, error)
}

// Handlers receive what the follower sees besides playback. Any may be nil.
type Handlers struct {
	OnState    func(model.SessionState)
	OnSnapshot func(model.SessionSnapshot)
	OnMessage  func(model.Message)
	OnDegraded func(bool)
}

// Follower applies a party's playback to a local player, preferring the
// real-time stream and falling back to polling while it is unavailable.
type Follower struct {
	code         string
	reconciler   *Reconciler
	stream       Stream
	fetcher      Fetcher
	handlers     Handlers
	pollInterval time.Duration
	degraded     bool
}

func NewFollower(code string, reconciler *Reconciler, stream Stream, fetcher Fetcher, handlers Handlers) *Follower {
	return &Follower{
		code:         code,
		reconciler:   reconciler,
		stream:       stream,
		fetcher:      fetcher,
		handlers:     handlers,
		pollInterval: config.PollInterval,
	}
}

// Run blocks until ctx is done or the party ends. Stream failures are not
// returned: the follower polls every poll interval and retries the stream
// on each tick.
func (f *Follower) Run(ctx context.Context) error {
	for {
		events, err := f.stream.Connect(ctx, f.code)
		if err == nil {
			f.setDegraded(false)
			err = f.consume(ctx, events)
			if errors.Is(err, ErrPartyEnded) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !f.degraded {
			log.Warn().Err(err).Str("code", f.code).Msg("real-time feed unavailable, polling")
		}
		f.setDegraded(true)

		if err := f.poll(ctx); errors.Is(err, ErrPartyEnded) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.pollInterval):
		}
	}
}

func (f *Follower) consume(ctx context.Context, events <-chan fanout.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return errors.New("stream closed")
			}
			if err := f.handle(event); err != nil {
				return err
			}
		}
	}
}

func (f *Follower) handle(event fanout.Event) error {
	switch event.Type {
	case fanout.EventConnected:
		var state model.SessionState
		if err := json.Unmarshal(event.Data, &state); err != nil {
			return f.skip(event, err)
		}
		f.applyState(state)

	case fanout.EventPlayback:
		var playback model.PlaybackState
		if err := json.Unmarshal(event.Data, &playback); err != nil {
			return f.skip(event, err)
		}
		f.apply(playback)

	case fanout.EventSession:
		var snapshot model.SessionSnapshot
		if err := json.Unmarshal(event.Data, &snapshot); err != nil {
			return f.skip(event, err)
		}
		if f.handlers.OnSnapshot != nil {
			f.handlers.OnSnapshot(snapshot)
		}

	case fanout.EventMessage:
		var msg model.Message
		if err := json.Unmarshal(event.Data, &msg); err != nil {
			return f.skip(event, err)
		}
		if f.handlers.OnMessage != nil {
			f.handlers.OnMessage(msg)
		}

	case fanout.EventEnded:
		return ErrPartyEnded
	}
	return nil
}

func (f *Follower) skip(event fanout.Event, err error) error {
	log.Warn().Err(err).Str("type", event.Type).Msg("skipping undecodable event")
	return nil
}

func (f *Follower) poll(ctx context.Context) error {
	state, err := f.fetcher.FetchState(ctx, f.code)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return ErrPartyEnded
		}
		log.Debug().Err(err).Str("code", f.code).Msg("poll failed")
		return err
	}
	f.applyState(*state)
	return nil
}

func (f *Follower) applyState(state model.SessionState) {
	f.apply(state.Session.Playback())
	if f.handlers.OnState != nil {
		f.handlers.OnState(state)
	}
}

func (f *Follower) apply(playback model.PlaybackState) {
	if _, err := f.reconciler.Apply(playback); err != nil {
		log.Warn().Err(err).Str("code", f.code).Msg("failed to apply playback")
	}
}

func (f *Follower) setDegraded(degraded bool) {
	if f.degraded == degraded {
		return
	}
	f.degraded = degraded
	if !degraded {
		log.Info().Str("code", f.code).Msg("real-time feed restored")
	}
	if f.handlers.OnDegraded != nil {
		f.handlers.OnDegraded(degraded)
	}
}
