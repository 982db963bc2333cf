package reconciler

import (
	"sync"
	"time"
)

// ClockPlayer is a Player with no media behind it: its position advances
// with the clock while playing. partyctl uses it as a headless participant.
type ClockPlayer struct {
	mu       sync.Mutex
	now      func() time.Time
	position float64
	playing  bool
	since    time.Time
}

func NewClockPlayer(now func() time.Time) *ClockPlayer {
	if now == nil {
		now = time.Now
	}
	return &ClockPlayer{now: now, since: now()}
}

func (p *ClockPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *ClockPlayer) positionLocked() float64 {
	if !p.playing {
		return p.position
	}
	return p.position + p.now().Sub(p.since).Seconds()
}

func (p *ClockPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *ClockPlayer) Seek(position float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if position < 0 {
		position = 0
	}
	p.position = position
	p.since = p.now()
	return nil
}

func (p *ClockPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		p.position = p.positionLocked()
		p.since = p.now()
		p.playing = true
	}
	return nil
}

func (p *ClockPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.position = p.positionLocked()
		p.since = p.now()
		p.playing = false
	}
	return nil
}
