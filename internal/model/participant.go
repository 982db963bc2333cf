package model

import "time"

type Participant struct {
	SessionCode string    `db:"session_code" json:"sessionCode"`
	UserID      string    `db:"user_id" json:"userId"`
	DisplayName string    `db:"display_name" json:"displayName"`
	Avatar      string    `db:"avatar" json:"avatar"`
	IsHost      bool      `db:"is_host" json:"isHost"`
	JoinedAt    time.Time `db:"joined_at" json:"joinedAt"`
	LastSeen    time.Time `db:"last_seen" json:"lastSeen"`
	Active      bool      `db:"active" json:"active"`
}

// IsFresh reports whether the participant is active and was seen within window.
func (p *Participant) IsFresh(now time.Time, window time.Duration) bool {
	return p.Active && now.Sub(p.LastSeen) <= window
}

type UpsertParticipantParams struct {
	SessionCode string
	UserID      string
	DisplayName string
	Avatar      string
	IsHost      bool
	SeenAt      time.Time
}
