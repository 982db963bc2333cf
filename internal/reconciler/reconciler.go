// Package reconciler keeps a local player aligned with a watch party's
// authoritative playback state.
package reconciler

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/config"
	"github.com/streamparty/watchparty-server/internal/model"
)

// Player is the control surface over whatever renders the content.
type Player interface {
	Position() float64
	Playing() bool
	Seek(position float64) error
	Play() error
	Pause() error
}

// Drift is how far the local position is ahead (positive) or behind
// (negative) the authoritative position projected to now, in seconds.
func Drift(local float64, state model.PlaybackState, now time.Time) float64 {
	return local - state.PositionAt(now)
}

// Result describes what Apply did.
type Result struct {
	Drift   float64
	Seeked  bool
	Toggled bool
	Stale   bool
}

type Option func(*Reconciler)

func WithTolerance(d time.Duration) Option {
	return func(r *Reconciler) { r.tolerance = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type Reconciler struct {
	player    Player
	tolerance time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last time.Time
}

func New(player Player, opts ...Option) *Reconciler {
	r := &Reconciler{
		player:    player,
		tolerance: config.DriftTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply moves the player toward state. Drift inside the tolerance is left
// alone. States older than the newest one applied are ignored, so events
// delivered out of order cannot rewind the player.
func (r *Reconciler) Apply(state model.PlaybackState) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !state.Timestamp.IsZero() {
		if state.Timestamp.Before(r.last) {
			return Result{Stale: true}, nil
		}
		r.last = state.Timestamp
	}

	now := r.now()
	target := state.PositionAt(now)
	res := Result{Drift: r.player.Position() - target}

	if math.Abs(res.Drift) > r.tolerance.Seconds() {
		if err := r.player.Seek(target); err != nil {
			return res, err
		}
		res.Seeked = true
	}

	if state.IsPlaying != r.player.Playing() {
		var err error
		if state.IsPlaying {
			err = r.player.Play()
		} else {
			err = r.player.Pause()
		}
		if err != nil {
			return res, err
		}
		res.Toggled = true
	}

	if res.Seeked || res.Toggled {
		log.Debug().
			Str("code", state.SessionCode).
			Float64("drift", res.Drift).
			Bool("seeked", res.Seeked).
			Bool("toggled", res.Toggled).
			Msg("playback reconciled")
	}
	return res, nil
}
