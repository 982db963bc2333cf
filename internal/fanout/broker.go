package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/streamparty/watchparty-server/internal/config"
	"github.com/streamparty/watchparty-server/internal/metrics"
	"github.com/streamparty/watchparty-server/internal/model"
	redisclient "github.com/streamparty/watchparty-server/internal/redis"
)

const clientBufferSize = 100

type Topic string

const (
	TopicSession  Topic = "session"
	TopicMessages Topic = "messages"
	TopicPlayback Topic = "playback"
)

// AllTopics is what a full client surface (SSE, WebSocket) listens to.
var AllTopics = []Topic{TopicSession, TopicMessages, TopicPlayback}

// Event types carried in Event.Type.
const (
	EventSession   = "session"
	EventEnded     = "ended"
	EventMessage   = "message"
	EventPlayback  = "playback"
	EventConnected = "connected"
)

type Event struct {
	Type  string          `json:"type"`
	Code  string          `json:"code"`
	Topic Topic           `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type Client struct {
	Code   string
	Topics []Topic
	Events chan Event
	Done   chan struct{}

	once sync.Once
}

type channelSub struct {
	clients map[*Client]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	// ready is closed once the transport subscription is open or has failed.
	ready   chan struct{}
	err     error
}

// Broker fans events for a watch party out to every local subscriber.
// Each (code, topic) channel holds one transport subscription while it has
// at least one client.
type Broker struct {
	transport        Transport
	channels         map[string]*channelSub
	mu               sync.RWMutex
	ctx              context.Context
	cancel           context.CancelFunc
	subscribeTimeout time.Duration
}

func NewBroker(transport Transport) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		transport:        transport,
		channels:         make(map[string]*channelSub),
		ctx:              ctx,
		cancel:           cancel,
		subscribeTimeout: config.FanoutSubscribeTimeout,
	}
}

func channelName(code string, topic Topic) string {
	return redisclient.PartyChannel(code, string(topic))
}

// Subscribe registers a client for the given topics of a session, or for
// all of them when none are named. Transport subscriptions are opened
// without holding the broker lock, so a slow transport only delays the
// parties waiting on it.
func (b *Broker) Subscribe(code string, topics ...Topic) (*Client, error) {
	if len(topics) == 0 {
		topics = AllTopics
	}
	client := &Client{
		Code:   code,
		Topics: topics,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if err := b.ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker closed: %w", err)
	}

	opening := make(map[string]*channelSub)
	pending := make([]*channelSub, 0, len(topics))
	for _, topic := range topics {
		name := channelName(code, topic)
		sub := b.channels[name]
		if sub == nil {
			subCtx, cancel := context.WithCancel(b.ctx)
			sub = &channelSub{
				clients: make(map[*Client]struct{}),
				ctx:     subCtx,
				cancel:  cancel,
				ready:   make(chan struct{}),
			}
			b.channels[name] = sub
			opening[name] = sub
		}
		sub.clients[client] = struct{}{}
		pending = append(pending, sub)
	}
	metrics.FanoutSubscribers.Inc()
	b.mu.Unlock()

	for name, sub := range opening {
		b.open(name, sub)
	}

	for _, sub := range pending {
		<-sub.ready
		if sub.err != nil {
			b.Unsubscribe(client)
			return nil, sub.err
		}
	}

	log.Info().
		Str("code", code).
		Int("clientCount", b.ClientCount(code)).
		Msg("fanout client subscribed")

	return client, nil
}

// open starts the transport subscription for a channel reserved by
// Subscribe and releases everyone waiting on it.
func (b *Broker) open(name string, sub *channelSub) {
	timer := time.AfterFunc(b.subscribeTimeout, sub.cancel)
	payloads, err := b.transport.Subscribe(sub.ctx, name)
	if !timer.Stop() {
		err = fmt.Errorf("subscribe %s: no confirmation within %s: %w", name, b.subscribeTimeout, context.DeadlineExceeded)
	}

	if err != nil {
		sub.cancel()
		b.mu.Lock()
		sub.err = err
		if b.channels[name] == sub {
			delete(b.channels, name)
		}
		b.mu.Unlock()
		close(sub.ready)

		log.Error().Err(err).Str("channel", name).Msg("fanout transport subscribe failed")
		return
	}

	go b.relay(name, payloads)
	close(sub.ready)
}

// Unsubscribe is safe to call any number of times.
func (b *Broker) Unsubscribe(client *Client) {
	client.once.Do(func() {
		b.mu.Lock()
		b.detachLocked(client, client.Topics)
		count := b.clientCountLocked(client.Code)
		b.mu.Unlock()

		close(client.Done)
		metrics.FanoutSubscribers.Dec()

		log.Info().
			Str("code", client.Code).
			Int("clientCount", count).
			Msg("fanout client unsubscribed")
	})
}

func (b *Broker) detachLocked(client *Client, topics []Topic) {
	for _, topic := range topics {
		name := channelName(client.Code, topic)
		sub, ok := b.channels[name]
		if !ok {
			continue
		}
		delete(sub.clients, client)
		if len(sub.clients) == 0 {
			sub.cancel()
			delete(b.channels, name)
		}
	}
}

// Publish encodes data and sends it on the (code, topic) channel.
func (b *Broker) Publish(ctx context.Context, code string, topic Topic, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	payload, err := json.Marshal(Event{Type: eventType, Code: code, Topic: topic, Data: raw})
	if err != nil {
		return fmt.Errorf("encode event envelope: %w", err)
	}

	if err := b.transport.Publish(ctx, channelName(code, topic), payload); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	metrics.FanoutPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

func (b *Broker) relay(channel string, payloads <-chan []byte) {
	for payload := range payloads {
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("failed to unmarshal event")
			continue
		}
		b.broadcast(channel, event)
	}
}

func (b *Broker) broadcast(channel string, event Event) {
	b.mu.RLock()
	sub := b.channels[channel]
	var clients []*Client
	if sub != nil {
		clients = make([]*Client, 0, len(sub.clients))
		for client := range sub.clients {
			clients = append(clients, client)
		}
	}
	b.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Events <- event:
		default:
			metrics.FanoutDropped.WithLabelValues(string(event.Topic)).Inc()
			log.Warn().
				Str("code", client.Code).
				Str("type", event.Type).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	clients := make(map[*Client]struct{})
	for _, sub := range b.channels {
		for client := range sub.clients {
			clients[client] = struct{}{}
		}
	}
	b.channels = make(map[string]*channelSub)
	b.mu.Unlock()

	for client := range clients {
		client.once.Do(func() {
			close(client.Done)
			metrics.FanoutSubscribers.Dec()
		})
	}
}

// ClientCount returns the number of local clients listening to any topic of code.
func (b *Broker) ClientCount(code string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clientCountLocked(code)
}

func (b *Broker) clientCountLocked(code string) int {
	seen := make(map[*Client]struct{})
	for _, topic := range AllTopics {
		if sub, ok := b.channels[channelName(code, topic)]; ok {
			for client := range sub.clients {
				seen[client] = struct{}{}
			}
		}
	}
	return len(seen)
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, sub := range b.channels {
		for client := range sub.clients {
			seen[client] = struct{}{}
		}
	}
	return len(seen)
}

// SubscribeToSession calls onChange with every roster or session snapshot
// published for code. The returned func stops delivery and may be called
// more than once.
func (b *Broker) SubscribeToSession(code string, onChange func(model.SessionSnapshot)) (func(), error) {
	return subscribeTyped(b, code, TopicSession, func(e Event) error {
		var snapshot model.SessionSnapshot
		if err := json.Unmarshal(e.Data, &snapshot); err != nil {
			return err
		}
		onChange(snapshot)
		return nil
	})
}

// SubscribeToMessages calls onMessages with the newly appended tail of the
// message log.
func (b *Broker) SubscribeToMessages(code string, onMessages func([]model.Message)) (func(), error) {
	return subscribeTyped(b, code, TopicMessages, func(e Event) error {
		var msg model.Message
		if err := json.Unmarshal(e.Data, &msg); err != nil {
			return err
		}
		onMessages([]model.Message{msg})
		return nil
	})
}

func (b *Broker) SubscribeToPlaybackSync(code string, onSync func(model.PlaybackState)) (func(), error) {
	return subscribeTyped(b, code, TopicPlayback, func(e Event) error {
		var state model.PlaybackState
		if err := json.Unmarshal(e.Data, &state); err != nil {
			return err
		}
		onSync(state)
		return nil
	})
}

func subscribeTyped(b *Broker, code string, topic Topic, handle func(Event) error) (func(), error) {
	client, err := b.Subscribe(code, topic)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case <-client.Done:
				return
			case event := <-client.Events:
				select {
				case <-client.Done:
					return
				default:
				}
				if err := handle(event); err != nil {
					log.Error().Err(err).
						Str("code", code).
						Str("type", event.Type).
						Msg("dropping undecodable event")
				}
			}
		}
	}()

	return func() { b.Unsubscribe(client) }, nil
}
