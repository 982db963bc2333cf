package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	redisclient "github.com/streamparty/watchparty-server/internal/redis"
)

const transportBufferSize = 256

// Transport moves encoded events between broker instances.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active. The returned
	// channel is closed after ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RedisTransport shares events across instances through Redis pub/sub.
type RedisTransport struct {
	redis *redisclient.Client
}

func NewRedisTransport(client *redisclient.Client) *RedisTransport {
	return &RedisTransport{redis: client}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.redis.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := t.redis.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	log.Debug().
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	out := make(chan []byte, transportBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// LocalTransport delivers events within a single process.
type LocalTransport struct {
	subs map[string]map[chan []byte]struct{}
	mu   sync.RWMutex
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{subs: make(map[string]map[chan []byte]struct{})}
}

func (t *LocalTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for ch := range t.subs[channel] {
		select {
		case ch <- payload:
		default:
			log.Warn().
				Str("channel", channel).
				Msg("local transport buffer full, dropping event")
		}
	}
	return nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, transportBufferSize)

	t.mu.Lock()
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[chan []byte]struct{})
	}
	t.subs[channel][ch] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs[channel], ch)
		if len(t.subs[channel]) == 0 {
			delete(t.subs, channel)
		}
		t.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
