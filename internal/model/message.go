package model

import "time"

type Message struct {
	ID          string      `db:"id" json:"id"`
	Seq         int64       `db:"seq" json:"-"`
	SessionCode string      `db:"session_code" json:"sessionCode"`
	UserID      *string     `db:"user_id" json:"userId"`
	UserName    string      `db:"user_name" json:"userName"`
	Body        string      `db:"body" json:"body"`
	Kind        MessageKind `db:"kind" json:"kind"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
}

// IsSystem reports whether the message has no human author.
func (m *Message) IsSystem() bool {
	return m.UserID == nil
}

type AppendMessageParams struct {
	ID          string
	SessionCode string
	UserID      *string
	UserName    string
	Body        string
	Kind        MessageKind
	CreatedAt   time.Time
}
