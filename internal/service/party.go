package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/streamparty/watchparty-server/internal/config"
	"github.com/streamparty/watchparty-server/internal/database"
	apperrors "github.com/streamparty/watchparty-server/internal/errors"
	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/metrics"
	"github.com/streamparty/watchparty-server/internal/model"
	"github.com/streamparty/watchparty-server/internal/repository"
	"github.com/streamparty/watchparty-server/internal/util"
)

const systemUserName = "System"

// TxRunner runs fn inside a single store transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type PartyConfig struct {
	SessionTTL           time.Duration
	ParticipantFreshness time.Duration
	StoreTimeout         time.Duration
	MessageLogCap        int
}

func PartyConfigFrom(cfg *config.Config) PartyConfig {
	return PartyConfig{
		SessionTTL:           cfg.SessionTTL(),
		ParticipantFreshness: cfg.ParticipantFreshness(),
		StoreTimeout:         cfg.StoreTimeout(),
		MessageLogCap:        cfg.MessageLogCap,
	}
}

type CreatePartyParams struct {
	ContentID    int64
	ContentTitle string
	ContentKind  model.ContentKind
	Host         model.Identity
}

type PlaybackUpdate struct {
	Code      string
	Position  float64
	IsPlaying bool
	CallerID  string
}

type PartyOption func(*PartyService)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) PartyOption {
	return func(s *PartyService) { s.now = now }
}

func WithCodeGenerator(gen func() (string, error)) PartyOption {
	return func(s *PartyService) { s.generateCode = gen }
}

func WithRetryDelay(d time.Duration) PartyOption {
	return func(s *PartyService) { s.retryDelay = d }
}

// PartyService coordinates every state transition of a watch party and
// publishes the result to the fan-out broker.
type PartyService struct {
	tx           TxRunner
	sessions     repository.SessionRepository
	participants repository.ParticipantRepository
	messages     repository.MessageRepository
	broker       *fanout.Broker
	cfg          PartyConfig

	now          func() time.Time
	generateCode func() (string, error)
	retryDelay   time.Duration
}

func NewPartyService(
	tx TxRunner,
	sessions repository.SessionRepository,
	participants repository.ParticipantRepository,
	messages repository.MessageRepository,
	broker *fanout.Broker,
	cfg PartyConfig,
	opts ...PartyOption,
) *PartyService {
	s := &PartyService{
		tx:           tx,
		sessions:     sessions,
		participants: participants,
		messages:     messages,
		broker:       broker,
		cfg:          cfg,
		now:          time.Now,
		generateCode: func() (string, error) { return util.GenerateSessionCode(config.SessionCodeLength) },
		retryDelay:   config.TransientRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession writes the session, its host participant and the welcome
// message in one transaction. A candidate code held by a live session is
// regenerated; one held by a dead session is reclaimed.
func (s *PartyService) CreateSession(ctx context.Context, params CreatePartyParams) (session *model.Session, err error) {
	defer s.record("create", &err)

	if params.Host.UserID == "" {
		return nil, apperrors.NotAuthenticated()
	}
	if params.ContentID <= 0 {
		return nil, apperrors.InvalidInput("contentId", "must be positive")
	}
	if strings.TrimSpace(params.ContentTitle) == "" {
		return nil, apperrors.MissingRequired("contentTitle")
	}
	if !params.ContentKind.Valid() {
		return nil, apperrors.InvalidInput("contentKind", "must be movie or tv")
	}

	hostName := displayName(params.Host)

	for attempt := 1; attempt <= config.SessionCodeAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return nil, fmt.Errorf("generate session code: %w", err)
		}

		now := s.now()
		var created *model.Session
		err = s.withTimeout(ctx, func(ctx context.Context) error {
			return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
				sessions := s.sessions.WithTx(tx)
				if err := sessions.DeleteDeadByCode(ctx, code, now); err != nil {
					return fmt.Errorf("reclaim code: %w", err)
				}

				session, err := sessions.Create(ctx, model.CreateSessionParams{
					Code:         code,
					HostID:       params.Host.UserID,
					ContentID:    params.ContentID,
					ContentTitle: strings.TrimSpace(params.ContentTitle),
					ContentKind:  params.ContentKind,
					CreatedAt:    now,
					ExpiresAt:    now.Add(s.cfg.SessionTTL),
				})
				if err != nil {
					return fmt.Errorf("insert session: %w", err)
				}
				if session == nil {
					return nil
				}

				if _, _, err := s.participants.WithTx(tx).Upsert(ctx, model.UpsertParticipantParams{
					SessionCode: code,
					UserID:      params.Host.UserID,
					DisplayName: hostName,
					Avatar:      util.AvatarGlyph(params.Host.UserID),
					IsHost:      true,
					SeenAt:      now,
				}); err != nil {
					return fmt.Errorf("register host: %w", err)
				}

				if _, err := s.messages.WithTx(tx).Append(ctx, s.systemMessage(code,
					fmt.Sprintf("Watch party created! Share code %s with friends.", code), now), s.cfg.MessageLogCap); err != nil {
					return fmt.Errorf("append welcome message: %w", err)
				}

				created = session
				return nil
			})
		})
		if err != nil {
			return nil, storeError("create session", err)
		}

		if created == nil {
			metrics.CodeCollisions.Inc()
			log.Debug().
				Str("code", code).
				Int("attempt", attempt).
				Msg("session code collision, regenerating")
			continue
		}

		log.Info().
			Str("code", code).
			Str("hostId", params.Host.UserID).
			Int64("contentId", params.ContentID).
			Time("expiresAt", created.ExpiresAt).
			Msg("watch party created")

		return created, nil
	}

	log.Error().Int("attempts", config.SessionCodeAttempts).Msg("session code generation exhausted")
	return nil, apperrors.CodeGenerationExhausted(config.SessionCodeAttempts)
}

// JoinSession registers identity in the session or refreshes an existing
// membership. Only a first join appends a join message.
func (s *PartyService) JoinSession(ctx context.Context, code string, identity model.Identity) (snapshot *model.SessionSnapshot, err error) {
	defer s.record("join", &err)

	if identity.UserID == "" {
		return nil, apperrors.NotAuthenticated()
	}
	code, err = s.normalize(code)
	if err != nil {
		return nil, err
	}

	name := displayName(identity)
	var (
		session *model.Session
		joinMsg *model.Message
	)

	err = s.retryTransient(ctx, "join", func(ctx context.Context) error {
		joinMsg = nil
		return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
			now := s.now()
			found, err := s.sessions.WithTx(tx).FindLiveByCode(ctx, code, now)
			if err != nil {
				return fmt.Errorf("find session: %w", err)
			}
			if found == nil {
				return apperrors.PartyNotFound()
			}
			session = found

			_, inserted, err := s.participants.WithTx(tx).Upsert(ctx, model.UpsertParticipantParams{
				SessionCode: code,
				UserID:      identity.UserID,
				DisplayName: name,
				Avatar:      util.AvatarGlyph(identity.UserID),
				IsHost:      identity.UserID == found.HostID,
				SeenAt:      now,
			})
			if err != nil {
				return fmt.Errorf("upsert participant: %w", err)
			}

			if inserted {
				joinMsg, err = s.messages.WithTx(tx).Append(ctx,
					s.systemMessage(code, name+" joined the party", now), s.cfg.MessageLogCap)
				if err != nil {
					return fmt.Errorf("append join message: %w", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, storeError("join session", err)
	}

	snapshot, err = s.snapshot(ctx, session)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("code", code).
		Str("userId", identity.UserID).
		Bool("firstJoin", joinMsg != nil).
		Msg("participant joined")

	s.publish(ctx, code, fanout.TopicSession, fanout.EventSession, snapshot)
	if joinMsg != nil {
		s.publish(ctx, code, fanout.TopicMessages, fanout.EventMessage, joinMsg)
	}

	return snapshot, nil
}

// LeaveSession removes the caller's membership. Leaving a session the caller
// never joined is a no-op.
func (s *PartyService) LeaveSession(ctx context.Context, code string, userID string) (err error) {
	defer s.record("leave", &err)

	if userID == "" {
		return apperrors.NotAuthenticated()
	}
	session, err := s.loadLive(ctx, code)
	if err != nil {
		return err
	}

	var leaveMsg *model.Message
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
			participants := s.participants.WithTx(tx)
			p, err := participants.Find(ctx, session.Code, userID)
			if err != nil {
				return fmt.Errorf("find participant: %w", err)
			}
			if p == nil {
				return nil
			}

			deleted, err := participants.Delete(ctx, session.Code, userID)
			if err != nil {
				return fmt.Errorf("delete participant: %w", err)
			}
			if !deleted {
				return nil
			}

			leaveMsg, err = s.messages.WithTx(tx).Append(ctx,
				s.systemMessage(session.Code, p.DisplayName+" left the party", s.now()), s.cfg.MessageLogCap)
			if err != nil {
				return fmt.Errorf("append leave message: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return storeError("leave session", err)
	}
	if leaveMsg == nil {
		return nil
	}

	log.Info().
		Str("code", session.Code).
		Str("userId", userID).
		Msg("participant left")

	s.publishSnapshot(ctx, session)
	s.publish(ctx, session.Code, fanout.TopicMessages, fanout.EventMessage, leaveMsg)
	return nil
}

// UpdatePlayback records the host's playback state and broadcasts it. A sync
// message is appended only for a play/pause change or a seek.
func (s *PartyService) UpdatePlayback(ctx context.Context, update PlaybackUpdate) (state *model.PlaybackState, err error) {
	defer s.record("playback", &err)

	if update.CallerID == "" {
		return nil, apperrors.NotAuthenticated()
	}
	if math.IsNaN(update.Position) || math.IsInf(update.Position, 0) || update.Position < 0 {
		return nil, apperrors.InvalidInput("position", "must be a non-negative number of seconds")
	}

	session, err := s.loadLive(ctx, update.Code)
	if err != nil {
		return nil, err
	}
	if session.HostID != update.CallerID {
		log.Warn().
			Str("code", session.Code).
			Str("userId", update.CallerID).
			Msg("non-host playback update rejected")
		return nil, apperrors.NotHost()
	}

	now := s.now()
	prev := session.Playback()
	toggled := prev.IsPlaying != update.IsPlaying
	seeked := math.Abs(update.Position-prev.PositionAt(now)) > config.SeekThreshold.Seconds()

	var syncMsg *model.Message
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := s.sessions.WithTx(tx).UpdatePlayback(ctx, model.UpdatePlaybackParams{
				Code:          session.Code,
				Position:      update.Position,
				IsPlaying:     update.IsPlaying,
				SyncTimestamp: now,
			}); err != nil {
				return fmt.Errorf("update playback: %w", err)
			}

			if !toggled && !seeked {
				return nil
			}

			hostName := systemUserName
			if host, err := s.participants.WithTx(tx).Find(ctx, session.Code, update.CallerID); err != nil {
				return fmt.Errorf("find host: %w", err)
			} else if host != nil {
				hostName = host.DisplayName
			}

			callerID := update.CallerID
			appended, err := s.messages.WithTx(tx).Append(ctx, model.AppendMessageParams{
				ID:          uuid.NewString(),
				SessionCode: session.Code,
				UserID:      &callerID,
				UserName:    hostName,
				Body:        describeTransition(update, toggled),
				Kind:        model.MessageKindSync,
				CreatedAt:   now,
			}, s.cfg.MessageLogCap)
			if err != nil {
				return fmt.Errorf("append sync message: %w", err)
			}
			syncMsg = appended
			return nil
		})
	})
	if err != nil {
		return nil, storeError("update playback", err)
	}

	state = &model.PlaybackState{
		SessionCode: session.Code,
		Position:    update.Position,
		IsPlaying:   update.IsPlaying,
		Timestamp:   now,
		UpdatedBy:   update.CallerID,
	}

	log.Debug().
		Str("code", session.Code).
		Float64("position", update.Position).
		Bool("isPlaying", update.IsPlaying).
		Bool("announced", syncMsg != nil).
		Msg("playback updated")

	s.publish(ctx, session.Code, fanout.TopicPlayback, fanout.EventPlayback, state)
	if syncMsg != nil {
		s.publish(ctx, session.Code, fanout.TopicMessages, fanout.EventMessage, syncMsg)
	}

	return state, nil
}

func describeTransition(update PlaybackUpdate, toggled bool) string {
	at := util.FormatPlaybackTime(update.Position)
	switch {
	case toggled && update.IsPlaying:
		return "resumed at " + at
	case toggled:
		return "paused at " + at
	default:
		return "jumped to " + at
	}
}

// SendMessage appends a chat message. A blank body is ignored and returns a nil message.
func (s *PartyService) SendMessage(ctx context.Context, code string, identity model.Identity, body string) (msg *model.Message, err error) {
	defer s.record("message", &err)

	if identity.UserID == "" {
		return nil, apperrors.NotAuthenticated()
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil
	}
	body = util.TruncateRunes(body, config.MessageMaxRunes)

	session, err := s.loadLive(ctx, code)
	if err != nil {
		return nil, err
	}

	now := s.now()
	userID := identity.UserID
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		if _, err := s.participants.Touch(ctx, session.Code, userID, now); err != nil {
			return fmt.Errorf("touch participant: %w", err)
		}
		appended, err := s.messages.Append(ctx, model.AppendMessageParams{
			ID:          uuid.NewString(),
			SessionCode: session.Code,
			UserID:      &userID,
			UserName:    displayName(identity),
			Body:        body,
			Kind:        model.MessageKindChat,
			CreatedAt:   now,
		}, s.cfg.MessageLogCap)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		msg = appended
		return nil
	})
	if err != nil {
		return nil, storeError("send message", err)
	}

	s.publish(ctx, session.Code, fanout.TopicMessages, fanout.EventMessage, msg)
	return msg, nil
}

// GetMessages returns the bounded log in ascending timestamp order.
func (s *PartyService) GetMessages(ctx context.Context, code string) ([]model.Message, error) {
	session, err := s.loadLive(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.listMessages(ctx, session.Code)
}

func (s *PartyService) GetSession(ctx context.Context, code string) (*model.SessionSnapshot, error) {
	session, err := s.loadLive(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, session)
}

// GetParticipants returns active participants seen within the freshness window.
func (s *PartyService) GetParticipants(ctx context.Context, code string) ([]model.Participant, error) {
	session, err := s.loadLive(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.freshParticipants(ctx, session.Code)
}

// SessionExists reports false for unknown, expired and ended sessions.
func (s *PartyService) SessionExists(ctx context.Context, code string) (bool, error) {
	normalized, err := s.normalize(code)
	if err != nil {
		return false, nil
	}

	var found *model.Session
	err = s.retryTransient(ctx, "exists", func(ctx context.Context) error {
		var err error
		found, err = s.sessions.FindLiveByCode(ctx, normalized, s.now())
		return err
	})
	if err != nil {
		return false, storeError("check session", err)
	}
	return found != nil, nil
}

// Heartbeat advances the caller's last_seen. A participant that had been
// pruned as stale reappears in the roster.
func (s *PartyService) Heartbeat(ctx context.Context, code string, userID string) error {
	if userID == "" {
		return apperrors.NotAuthenticated()
	}
	session, err := s.loadLive(ctx, code)
	if err != nil {
		return err
	}

	var revived bool
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		p, err := s.participants.Find(ctx, session.Code, userID)
		if err != nil {
			return fmt.Errorf("find participant: %w", err)
		}
		if p == nil {
			return apperrors.NotFound("Participant")
		}
		revived = !p.IsFresh(s.now(), s.cfg.ParticipantFreshness)

		if _, err := s.participants.Touch(ctx, session.Code, userID, s.now()); err != nil {
			return fmt.Errorf("touch participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return storeError("heartbeat", err)
	}

	if revived {
		s.publishSnapshot(ctx, session)
	}
	return nil
}

// EndSession lets the host terminate the party. The session becomes
// invisible to every read path immediately.
func (s *PartyService) EndSession(ctx context.Context, code string, callerID string) (err error) {
	defer s.record("end", &err)

	if callerID == "" {
		return apperrors.NotAuthenticated()
	}
	session, err := s.loadLive(ctx, code)
	if err != nil {
		return err
	}
	if session.HostID != callerID {
		return apperrors.NotHost()
	}

	now := s.now()
	var ended bool
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			ended, err = s.sessions.WithTx(tx).End(ctx, session.Code, now)
			if err != nil {
				return fmt.Errorf("end session: %w", err)
			}
			if !ended {
				return nil
			}
			_, err = s.messages.WithTx(tx).Append(ctx,
				s.systemMessage(session.Code, "The host ended the watch party", now), s.cfg.MessageLogCap)
			return err
		})
	})
	if err != nil {
		return storeError("end session", err)
	}
	if !ended {
		return apperrors.PartyNotFound()
	}

	log.Info().Str("code", session.Code).Msg("watch party ended by host")

	session.EndedAt = &now
	session.IsPlaying = false
	s.publish(ctx, session.Code, fanout.TopicSession, fanout.EventEnded, model.SessionSnapshot{
		Session:      *session,
		Participants: []model.Participant{},
	})
	return nil
}

// GetState returns the snapshot and message log together so a client can
// resynchronize after losing its real-time connection.
func (s *PartyService) GetState(ctx context.Context, code string) (*model.SessionState, error) {
	session, err := s.loadLive(ctx, code)
	if err != nil {
		return nil, err
	}

	var (
		participants []model.Participant
		messages     []model.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		participants, err = s.freshParticipants(gctx, session.Code)
		return err
	})
	g.Go(func() error {
		var err error
		messages, err = s.listMessages(gctx, session.Code)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &model.SessionState{
		SessionSnapshot: model.SessionSnapshot{Session: *session, Participants: participants},
		Messages:        messages,
	}, nil
}

// PruneStaleParticipants deactivates participants not seen within the
// freshness window and republishes each affected roster.
func (s *PartyService) PruneStaleParticipants(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.ParticipantFreshness)

	var codes []string
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		codes, err = s.participants.MarkStale(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, storeError("prune participants", err)
	}

	for _, code := range codes {
		session, err := s.loadLive(ctx, code)
		if err != nil {
			continue
		}
		s.publishSnapshot(ctx, session)
	}

	metrics.StaleParticipantsPruned.Add(float64(len(codes)))
	return int64(len(codes)), nil
}

// DeleteExpired removes sessions that expired or ended before the retention
// cutoff along with their participants and messages.
func (s *PartyService) DeleteExpired(ctx context.Context) (int64, error) {
	var count int64
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.sessions.DeleteExpired(ctx, s.now().Add(-config.DeadSessionRetention))
		return err
	})
	if err != nil {
		return 0, storeError("delete expired sessions", err)
	}
	return count, nil
}

func (s *PartyService) normalize(code string) (string, error) {
	code = util.NormalizeSessionCode(code)
	if !util.IsValidSessionCode(code, config.SessionCodeLength) {
		return "", apperrors.PartyNotFound()
	}
	return code, nil
}

func (s *PartyService) loadLive(ctx context.Context, code string) (*model.Session, error) {
	code, err := s.normalize(code)
	if err != nil {
		return nil, err
	}

	var session *model.Session
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.sessions.FindLiveByCode(ctx, code, s.now())
		return err
	})
	if err != nil {
		return nil, storeError("find session", err)
	}
	if session == nil {
		return nil, apperrors.PartyNotFound()
	}
	return session, nil
}

func (s *PartyService) freshParticipants(ctx context.Context, code string) ([]model.Participant, error) {
	var all []model.Participant
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		all, err = s.participants.ListBySession(ctx, code)
		return err
	})
	if err != nil {
		return nil, storeError("list participants", err)
	}

	now := s.now()
	fresh := make([]model.Participant, 0, len(all))
	for _, p := range all {
		if p.IsFresh(now, s.cfg.ParticipantFreshness) {
			fresh = append(fresh, p)
		}
	}
	return fresh, nil
}

func (s *PartyService) listMessages(ctx context.Context, code string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		msgs, err = s.messages.ListBySession(ctx, code, s.cfg.MessageLogCap)
		return err
	})
	if err != nil {
		return nil, storeError("list messages", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

func (s *PartyService) snapshot(ctx context.Context, session *model.Session) (*model.SessionSnapshot, error) {
	participants, err := s.freshParticipants(ctx, session.Code)
	if err != nil {
		return nil, err
	}
	return &model.SessionSnapshot{Session: *session, Participants: participants}, nil
}

func (s *PartyService) publishSnapshot(ctx context.Context, session *model.Session) {
	if s.broker == nil {
		return
	}
	snapshot, err := s.snapshot(ctx, session)
	if err != nil {
		log.Error().Err(err).Str("code", session.Code).Msg("failed to load roster for broadcast")
		return
	}
	s.publish(ctx, session.Code, fanout.TopicSession, fanout.EventSession, snapshot)
}

// publish is best effort: subscribers that miss an event resynchronize
// through GetState.
func (s *PartyService) publish(ctx context.Context, code string, topic fanout.Topic, eventType string, data any) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, code, topic, eventType, data); err != nil {
		log.Error().Err(err).
			Str("code", code).
			Str("type", eventType).
			Msg("failed to publish event")
	}
}

func (s *PartyService) systemMessage(code, body string, at time.Time) model.AppendMessageParams {
	return model.AppendMessageParams{
		ID:          uuid.NewString(),
		SessionCode: code,
		UserName:    systemUserName,
		Body:        body,
		Kind:        model.MessageKindSystem,
		CreatedAt:   at,
	}
}

func (s *PartyService) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

// retryTransient runs fn under the store timeout, retrying transient store
// failures with exponential backoff.
func (s *PartyService) retryTransient(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := s.retryDelay
	var err error
	for attempt := 1; attempt <= config.TransientRetryAttempts; attempt++ {
		err = s.withTimeout(ctx, fn)
		if err == nil || !database.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt == config.TransientRetryAttempts {
			break
		}

		metrics.StoreRetries.WithLabelValues(op).Inc()
		log.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Msg("transient store error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (s *PartyService) record(op string, err *error) {
	if *err == nil {
		metrics.RecordOperation(op, "")
		return
	}
	metrics.RecordOperation(op, string(apperrors.GetCode(*err)))
}

// storeError passes AppErrors through and classifies raw store failures.
func storeError(op string, err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	if database.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.TransientStore(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func displayName(identity model.Identity) string {
	return util.DisplayName(identity.DisplayName, "")
}
