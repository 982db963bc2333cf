package model

import "time"

type Session struct {
	Code             string      `db:"code" json:"code"`
	HostID           string      `db:"host_id" json:"hostId"`
	ContentID        int64       `db:"content_id" json:"contentId"`
	ContentTitle     string      `db:"content_title" json:"contentTitle"`
	ContentKind      ContentKind `db:"content_kind" json:"contentKind"`
	PlaybackPosition float64     `db:"playback_position" json:"playbackPosition"`
	IsPlaying        bool        `db:"is_playing" json:"isPlaying"`
	SyncTimestamp    time.Time   `db:"sync_timestamp" json:"syncTimestamp"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	LastActivity     time.Time   `db:"last_activity" json:"lastActivity"`
	ExpiresAt        time.Time   `db:"expires_at" json:"expiresAt"`
	EndedAt          *time.Time  `db:"ended_at" json:"endedAt,omitempty"`
}

// IsLive reports whether the session is neither ended nor past its expiry.
func (s *Session) IsLive(now time.Time) bool {
	return s.EndedAt == nil && now.Before(s.ExpiresAt)
}

// Playback returns the authoritative playback state recorded on the session.
func (s *Session) Playback() PlaybackState {
	return PlaybackState{
		SessionCode: s.Code,
		Position:    s.PlaybackPosition,
		IsPlaying:   s.IsPlaying,
		Timestamp:   s.SyncTimestamp,
		UpdatedBy:   s.HostID,
	}
}

type CreateSessionParams struct {
	Code         string
	HostID       string
	ContentID    int64
	ContentTitle string
	ContentKind  ContentKind
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type UpdatePlaybackParams struct {
	Code          string
	Position      float64
	IsPlaying     bool
	SyncTimestamp time.Time
}

// SessionSnapshot is a session together with its current roster.
type SessionSnapshot struct {
	Session      Session       `json:"session"`
	Participants []Participant `json:"participants"`
}

// SessionState is everything a client needs to resynchronize from scratch.
type SessionState struct {
	SessionSnapshot
	Messages []Message `json:"messages"`
}
