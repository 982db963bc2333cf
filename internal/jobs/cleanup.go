package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/config"
)

// Sweeper removes dead watch parties and deactivates stale participants.
// *service.PartyService satisfies it.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
	PruneStaleParticipants(ctx context.Context) (int64, error)
}

type CleanupJob struct {
	sweeper  Sweeper
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewCleanupJob(sweeper Sweeper, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		sweeper:  sweeper,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

// Stop waits for an in-flight sweep to finish.
func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), config.CleanupJobTimeout)
	defer cancel()

	j.runCleanup(ctx, "stale participants", j.sweeper.PruneStaleParticipants)
	j.runCleanup(ctx, "expired watch parties", j.sweeper.DeleteExpired)
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
