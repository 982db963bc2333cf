package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/streamparty/watchparty-server/internal/database"
	"github.com/streamparty/watchparty-server/internal/model"
)

type MessageRepository interface {
	// Append inserts the message and trims the session log to the newest limit entries.
	Append(ctx context.Context, params model.AppendMessageParams, limit int) (*model.Message, error)
	// ListBySession returns at most limit newest messages in ascending order.
	ListBySession(ctx context.Context, code string, limit int) ([]model.Message, error)
	WithTx(tx *sqlx.Tx) MessageRepository
}

type messageRepo struct {
	db database.DBTX
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) WithTx(tx *sqlx.Tx) MessageRepository {
	return &messageRepo{db: tx}
}

func (r *messageRepo) Append(ctx context.Context, params model.AppendMessageParams, limit int) (*model.Message, error) {
	var msg model.Message
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO watch_party_messages
			(id, session_code, user_id, user_name, body, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, params.ID, params.SessionCode, params.UserID, params.UserName, params.Body,
		params.Kind, params.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		DELETE FROM watch_party_messages
		WHERE session_code = $1
		AND id IN (
			SELECT id FROM watch_party_messages
			WHERE session_code = $1
			ORDER BY created_at DESC, seq DESC
			OFFSET $2
		)
	`, params.SessionCode, limit)
	if err != nil {
		return nil, err
	}

	return &msg, nil
}

func (r *messageRepo) ListBySession(ctx context.Context, code string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM (
			SELECT * FROM watch_party_messages
			WHERE session_code = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) newest
		ORDER BY created_at ASC, seq ASC
	`, code, limit)
	return msgs, err
}
