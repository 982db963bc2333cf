package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamparty/watchparty-server/internal/database"
	"github.com/streamparty/watchparty-server/internal/model"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func uniqueCode(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("T%05d", time.Now().UnixNano()/1000%100000)
}

func createTestSession(t *testing.T, db *database.DB, repo SessionRepository, code string, now time.Time) *model.Session {
	t.Helper()
	s, err := repo.Create(context.Background(), model.CreateSessionParams{
		Code:         code,
		HostID:       "host-1",
		ContentID:    42,
		ContentTitle: "Inception",
		ContentKind:  model.ContentKindMovie,
		CreatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(func() {
		db.ExecContext(context.Background(), `DELETE FROM watch_party_sessions WHERE code = $1`, code)
	})
	return s
}

func TestSessionRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	code := uniqueCode(t)

	created := createTestSession(t, db, repo, code, now)
	assert.Equal(t, 0.0, created.PlaybackPosition)
	assert.False(t, created.IsPlaying)

	t.Run("create on a held code returns nil", func(t *testing.T) {
		again, err := repo.Create(ctx, model.CreateSessionParams{
			Code: code, HostID: "host-2", ContentID: 1, ContentTitle: "x",
			ContentKind: model.ContentKindTV, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("finds live session and hides it after expiry", func(t *testing.T) {
		s, err := repo.FindLiveByCode(ctx, code, now)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "host-1", s.HostID)

		s, err = repo.FindLiveByCode(ctx, code, now.Add(25*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("updates playback", func(t *testing.T) {
		require.NoError(t, repo.UpdatePlayback(ctx, model.UpdatePlaybackParams{
			Code: code, Position: 125.5, IsPlaying: true, SyncTimestamp: now.Add(time.Second),
		}))
		s, err := repo.FindLiveByCode(ctx, code, now)
		require.NoError(t, err)
		assert.Equal(t, 125.5, s.PlaybackPosition)
		assert.True(t, s.IsPlaying)
	})

	t.Run("end hides session and is idempotent", func(t *testing.T) {
		ended, err := repo.End(ctx, code, now.Add(2*time.Second))
		require.NoError(t, err)
		assert.True(t, ended)

		ended, err = repo.End(ctx, code, now.Add(3*time.Second))
		require.NoError(t, err)
		assert.False(t, ended)

		s, err := repo.FindLiveByCode(ctx, code, now.Add(3*time.Second))
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("dead code can be reclaimed", func(t *testing.T) {
		require.NoError(t, repo.DeleteDeadByCode(ctx, code, now.Add(3*time.Second)))
		createTestSession(t, db, repo, code, now)
	})
}

func TestParticipantRepository(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewSessionRepository(db.DB)
	repo := NewParticipantRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	code := uniqueCode(t)
	createTestSession(t, db, sessions, code, now)

	params := model.UpsertParticipantParams{
		SessionCode: code, UserID: "user-b", DisplayName: "Bea", Avatar: "🍿", SeenAt: now,
	}

	t.Run("upsert is idempotent", func(t *testing.T) {
		p, inserted, err := repo.Upsert(ctx, params)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, now, p.JoinedAt.UTC())

		later := params
		later.SeenAt = now.Add(time.Minute)
		p, inserted, err = repo.Upsert(ctx, later)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, now, p.JoinedAt.UTC())
		assert.Equal(t, now.Add(time.Minute), p.LastSeen.UTC())

		all, err := repo.ListBySession(ctx, code)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("concurrent duplicate joins keep one row", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p := params
				p.UserID = "user-dup"
				_, _, err := repo.Upsert(ctx, p)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		all, err := repo.ListBySession(ctx, code)
		require.NoError(t, err)
		count := 0
		for _, p := range all {
			if p.UserID == "user-dup" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("mark stale deactivates old rows", func(t *testing.T) {
		codes, err := repo.MarkStale(ctx, now.Add(30*time.Second))
		require.NoError(t, err)
		assert.Contains(t, codes, code)

		p, err := repo.Find(ctx, code, "user-dup")
		require.NoError(t, err)
		assert.False(t, p.Active)

		touched, err := repo.Touch(ctx, code, "user-dup", now.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, touched)
	})

	t.Run("delete removes membership", func(t *testing.T) {
		deleted, err := repo.Delete(ctx, code, "user-b")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = repo.Delete(ctx, code, "user-b")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestMessageRepository(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewSessionRepository(db.DB)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	code := uniqueCode(t)
	createTestSession(t, db, sessions, code, now)

	const limit = 10
	for i := 0; i < 15; i++ {
		_, err := repo.Append(ctx, model.AppendMessageParams{
			ID:          uuid.NewString(),
			SessionCode: code,
			UserName:    "System",
			Body:        fmt.Sprintf("m%d", i),
			Kind:        model.MessageKindSystem,
			CreatedAt:   now.Add(time.Duration(i) * time.Millisecond),
		}, limit)
		require.NoError(t, err)
	}

	first, err := repo.ListBySession(ctx, code, limit)
	require.NoError(t, err)
	require.Len(t, first, limit)
	assert.Equal(t, "m5", first[0].Body)
	assert.Equal(t, "m14", first[limit-1].Body)

	second, err := repo.ListBySession(ctx, code, limit)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		assert.False(t, first[i].CreatedAt.Before(first[i-1].CreatedAt))
	}

	var stored int
	require.NoError(t, db.GetContext(ctx, &stored, `SELECT COUNT(*) FROM watch_party_messages WHERE session_code = $1`, code))
	assert.Equal(t, limit, stored)
}
