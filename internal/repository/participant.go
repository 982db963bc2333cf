package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/streamparty/watchparty-server/internal/database"
	"github.com/streamparty/watchparty-server/internal/model"
)

type ParticipantRepository interface {
	// Upsert inserts the membership row or refreshes last_seen/active on an
	// existing one. The bool reports whether a new row was inserted.
	Upsert(ctx context.Context, params model.UpsertParticipantParams) (*model.Participant, bool, error)
	Find(ctx context.Context, code, userID string) (*model.Participant, error)
	ListBySession(ctx context.Context, code string) ([]model.Participant, error)
	Touch(ctx context.Context, code, userID string, at time.Time) (bool, error)
	Delete(ctx context.Context, code, userID string) (bool, error)
	// MarkStale deactivates rows not seen since cutoff and returns the affected session codes.
	MarkStale(ctx context.Context, cutoff time.Time) ([]string, error)
	WithTx(tx *sqlx.Tx) ParticipantRepository
}

type participantRepo struct {
	db database.DBTX
}

func NewParticipantRepository(db *sqlx.DB) ParticipantRepository {
	return &participantRepo{db: db}
}

func (r *participantRepo) WithTx(tx *sqlx.Tx) ParticipantRepository {
	return &participantRepo{db: tx}
}

type upsertedParticipant struct {
	model.Participant
	Inserted bool `db:"inserted"`
}

func (r *participantRepo) Upsert(ctx context.Context, params model.UpsertParticipantParams) (*model.Participant, bool, error) {
	var row upsertedParticipant
	// xmax is zero only for a freshly inserted tuple.
	err := r.db.GetContext(ctx, &row, `
		INSERT INTO watch_party_participants
			(session_code, user_id, display_name, avatar, is_host, joined_at, last_seen, active)
		VALUES ($1, $2, $3, $4, $5, $6, $6, TRUE)
		ON CONFLICT (session_code, user_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			display_name = EXCLUDED.display_name,
			active = TRUE
		RETURNING *, (xmax = 0) AS inserted
	`, params.SessionCode, params.UserID, params.DisplayName, params.Avatar, params.IsHost, params.SeenAt)
	if err != nil {
		return nil, false, err
	}
	return &row.Participant, row.Inserted, nil
}

func (r *participantRepo) Find(ctx context.Context, code, userID string) (*model.Participant, error) {
	var p model.Participant
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM watch_party_participants
		WHERE session_code = $1 AND user_id = $2
	`, code, userID)
	return HandleNotFound(&p, err)
}

func (r *participantRepo) ListBySession(ctx context.Context, code string) ([]model.Participant, error) {
	var participants []model.Participant
	err := r.db.SelectContext(ctx, &participants, `
		SELECT * FROM watch_party_participants
		WHERE session_code = $1
		ORDER BY joined_at ASC, user_id ASC
	`, code)
	return participants, err
}

func (r *participantRepo) Touch(ctx context.Context, code, userID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE watch_party_participants SET
			last_seen = $3,
			active = TRUE
		WHERE session_code = $1 AND user_id = $2
	`, code, userID, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *participantRepo) Delete(ctx context.Context, code, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM watch_party_participants
		WHERE session_code = $1 AND user_id = $2
	`, code, userID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *participantRepo) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var codes []string
	err := r.db.SelectContext(ctx, &codes, `
		WITH stale AS (
			UPDATE watch_party_participants SET active = FALSE
			WHERE active AND last_seen < $1
			RETURNING session_code
		)
		SELECT DISTINCT session_code FROM stale
	`, cutoff)
	return codes, err
}
