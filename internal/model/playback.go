package model

import "time"

// PlaybackState is the tuple carried on the playback sync channel.
type PlaybackState struct {
	SessionCode string    `json:"sessionCode"`
	Position    float64   `json:"position"`
	IsPlaying   bool      `json:"isPlaying"`
	Timestamp   time.Time `json:"timestamp"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
}

// PositionAt projects the position forward to now when playback is running.
func (p PlaybackState) PositionAt(now time.Time) float64 {
	if !p.IsPlaying || p.Timestamp.IsZero() {
		return p.Position
	}
	elapsed := now.Sub(p.Timestamp).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return p.Position + elapsed
}
