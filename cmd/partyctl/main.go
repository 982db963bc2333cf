// Command partyctl joins or hosts a watch party from the terminal with a
// simulated player. It is handy for load checks and for watching sync
// behaviour without a browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/client"
	"github.com/streamparty/watchparty-server/internal/config"
	"github.com/streamparty/watchparty-server/internal/model"
	"github.com/streamparty/watchparty-server/internal/reconciler"
)

func main() {
	var (
		server    = flag.String("server", "http://localhost:8080", "watch party server base URL")
		token     = flag.String("token", os.Getenv("PARTYCTL_TOKEN"), "identity token (or PARTYCTL_TOKEN)")
		code      = flag.String("code", "", "party code to join")
		create    = flag.String("create", "", "create a party for this content title and host it")
		contentID = flag.Int64("content-id", 1, "content id for -create")
		kind      = flag.String("kind", string(model.ContentKindMovie), "content kind for -create (movie or tv)")
		debug     = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *token == "" {
		log.Fatal().Msg("-token is required")
	}
	if (*code == "") == (*create == "") {
		log.Fatal().Msg("pass exactly one of -code or -create")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(*server, *token)

	var err error
	if *create != "" {
		err = host(ctx, api, *contentID, *create, model.ContentKind(*kind))
	} else {
		err = follow(ctx, api, *code)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("partyctl failed")
	}
}

func host(ctx context.Context, api *client.APIClient, contentID int64, title string, kind model.ContentKind) error {
	session, err := api.CreateParty(ctx, contentID, title, kind)
	if err != nil {
		return fmt.Errorf("create party: %w", err)
	}
	log.Info().Str("code", session.Code).Str("title", session.ContentTitle).Msg("hosting watch party")
	fmt.Println(session.Code)

	player := reconciler.NewClockPlayer(nil)
	if err := player.Play(); err != nil {
		return err
	}

	originator := reconciler.NewOriginator(api, session.Code, config.HostSyncInterval)
	err = originator.Run(ctx, player, config.HostSyncInterval)

	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if endErr := api.EndParty(endCtx, session.Code); endErr != nil {
		log.Warn().Err(endErr).Msg("failed to end party")
	}
	return err
}

func follow(ctx context.Context, api *client.APIClient, code string) error {
	snapshot, err := api.JoinParty(ctx, code)
	if err != nil {
		return fmt.Errorf("join party: %w", err)
	}
	code = snapshot.Session.Code
	log.Info().
		Str("code", code).
		Str("title", snapshot.Session.ContentTitle).
		Int("participants", len(snapshot.Participants)).
		Msg("joined watch party")

	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.LeaveParty(leaveCtx, code); err != nil {
			log.Warn().Err(err).Msg("failed to leave party")
		}
	}()

	go keepAlive(ctx, api, code)

	player := reconciler.NewClockPlayer(nil)
	follower := reconciler.NewFollower(code, reconciler.New(player), api, api, reconciler.Handlers{
		OnMessage: func(m model.Message) {
			if m.IsSystem() {
				fmt.Printf("* %s\n", m.Body)
				return
			}
			fmt.Printf("%s: %s\n", m.UserName, m.Body)
		},
		OnSnapshot: func(s model.SessionSnapshot) {
			log.Info().Int("participants", len(s.Participants)).Msg("roster changed")
		},
		OnDegraded: func(degraded bool) {
			log.Info().Bool("polling", degraded).Msg("sync mode changed")
		},
	})

	err = follower.Run(ctx)
	if errors.Is(err, reconciler.ErrPartyEnded) {
		log.Info().Str("code", code).Msg("watch party is over")
		return nil
	}
	return err
}

func keepAlive(ctx context.Context, api *client.APIClient, code string) {
	ticker := time.NewTicker(config.SocketHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := api.Heartbeat(ctx, code); err != nil {
				log.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
