package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/streamparty/watchparty-server/internal/database"
	"github.com/streamparty/watchparty-server/internal/model"
)

type SessionRepository interface {
	// FindLiveByCode returns nil when the code is unknown, expired or ended.
	FindLiveByCode(ctx context.Context, code string, now time.Time) (*model.Session, error)
	// Create returns nil without error when a row already holds the code.
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	// DeleteDeadByCode frees a code held by an expired or ended session.
	DeleteDeadByCode(ctx context.Context, code string, now time.Time) error
	UpdatePlayback(ctx context.Context, params model.UpdatePlaybackParams) error
	End(ctx context.Context, code string, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindLiveByCode(ctx context.Context, code string, now time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM watch_party_sessions
		WHERE code = $1
		AND ended_at IS NULL
		AND expires_at > $2
	`, code, now)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO watch_party_sessions
			(code, host_id, content_id, content_title, content_kind,
			 playback_position, is_playing, sync_timestamp, created_at, last_activity, expires_at)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, $6, $6, $6, $7)
		ON CONFLICT (code) DO NOTHING
		RETURNING *
	`, params.Code, params.HostID, params.ContentID, params.ContentTitle, params.ContentKind,
		params.CreatedAt, params.ExpiresAt)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) DeleteDeadByCode(ctx context.Context, code string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM watch_party_sessions
		WHERE code = $1
		AND (ended_at IS NOT NULL OR expires_at <= $2)
	`, code, now)
	return err
}

func (r *sessionRepo) UpdatePlayback(ctx context.Context, params model.UpdatePlaybackParams) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE watch_party_sessions SET
			playback_position = $2,
			is_playing = $3,
			sync_timestamp = $4,
			last_activity = $4
		WHERE code = $1 AND ended_at IS NULL
	`, params.Code, params.Position, params.IsPlaying, params.SyncTimestamp)
	return err
}

func (r *sessionRepo) End(ctx context.Context, code string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE watch_party_sessions SET
			ended_at = $2,
			is_playing = FALSE,
			last_activity = $2
		WHERE code = $1 AND ended_at IS NULL
	`, code, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM watch_party_sessions
		WHERE expires_at < $1
		OR ended_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
