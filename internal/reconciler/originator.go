package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/streamparty/watchparty-server/internal/model"
)

// Updater sends the host's playback state to the server.
type Updater interface {
	UpdatePlayback(ctx context.Context, code string, position float64, isPlaying bool) (*model.PlaybackState, error)
}

// Originator is the host side: it reports local playback to the server at
// a bounded rate. Play/pause changes skip the limiter so followers see them
// without delay.
type Originator struct {
	updater Updater
	code    string
	limiter *rate.Limiter

	mu          sync.Mutex
	lastPlaying *bool
}

func NewOriginator(updater Updater, code string, every time.Duration) *Originator {
	return &Originator{
		updater: updater,
		code:    code,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Report sends position and isPlaying unless throttled. It reports whether
// an update went out.
func (o *Originator) Report(ctx context.Context, position float64, isPlaying bool) (bool, error) {
	o.mu.Lock()
	toggled := o.lastPlaying == nil || *o.lastPlaying != isPlaying
	// Toggles still take a token so the next steady report waits its turn.
	allowed := o.limiter.Allow()
	if !toggled && !allowed {
		o.mu.Unlock()
		return false, nil
	}
	o.mu.Unlock()

	if _, err := o.updater.UpdatePlayback(ctx, o.code, position, isPlaying); err != nil {
		return false, fmt.Errorf("report playback: %w", err)
	}

	o.mu.Lock()
	o.lastPlaying = &isPlaying
	o.mu.Unlock()
	return true, nil
}

// Run reports the player's state on every tick until ctx is done. Failed
// reports are logged and retried on the next tick.
func (o *Originator) Run(ctx context.Context, player Player, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if _, err := o.Report(ctx, player.Position(), player.Playing()); err != nil {
			log.Warn().Err(err).Str("code", o.code).Msg("host playback report failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
