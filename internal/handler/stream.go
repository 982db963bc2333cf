package handler

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/fanout"
	"github.com/streamparty/watchparty-server/internal/model"
)

// Subscriber hands out fan-out clients for a session. *fanout.Broker
// satisfies it.
type Subscriber interface {
	Subscribe(code string, topics ...fanout.Topic) (*fanout.Client, error)
	Unsubscribe(client *fanout.Client)
}

var _ Subscriber = (*fanout.Broker)(nil)

// partyGone reports whether a streamed party has expired or ended without
// an ended event reaching this stream. Lookup errors count as alive.
func partyGone(ctx context.Context, parties PartyCoordinator, code string) bool {
	exists, err := parties.SessionExists(ctx, code)
	if err != nil {
		log.Debug().Err(err).Str("code", code).Msg("stream liveness check failed")
		return false
	}
	return !exists
}

// goneSnapshot is the ended payload sent when a stream notices its party is gone.
func goneSnapshot(code string) model.SessionSnapshot {
	return model.SessionSnapshot{
		Session:      model.Session{Code: code},
		Participants: []model.Participant{},
	}
}
