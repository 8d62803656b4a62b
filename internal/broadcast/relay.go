package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"forge3d/internal/infra"
)

// DefaultTopic is the pub/sub channel shared by every instance.
const DefaultTopic = "broadcast:3d"

type envelope struct {
	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// Relay publishes events to Redis so every instance, including this one,
// delivers them to its own Registry. Without Redis, or when a publish fails,
// events go straight to the local Registry.
type Relay struct {
	rdb      redis.UniversalClient
	registry *Registry
	topic    string
	logger   infra.Logger

	wg sync.WaitGroup
}

// NewRelay builds a relay over rdb. rdb may be nil.
func NewRelay(rdb redis.UniversalClient, registry *Registry, logger *infra.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		registry: registry,
		topic:    DefaultTopic,
		logger:   infra.LoggerOrDiscard(logger),
	}
}

// Notify implements Notifier.
func (r *Relay) Notify(ctx context.Context, channelID string, update MessageUpdate) {
	payload, err := json.Marshal(NewMessageUpdate(update))
	if err != nil {
		r.logger.Error().Err(err).Str("channel_id", channelID).Msg("relay: encode event")
		return
	}
	if r.rdb != nil {
		err := r.publish(ctx, channelID, payload)
		if err == nil {
			return
		}
		r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("relay: publish failed; delivering locally")
	}
	if r.registry != nil && r.registry.Deliver(channelID, payload) == 0 {
		r.logger.Debug().Str("channel_id", channelID).Str("message_id", update.ID).Msg("relay: no live subscriber")
	}
}

func (r *Relay) publish(ctx context.Context, channelID string, payload []byte) error {
	raw, err := json.Marshal(envelope{Channel: channelID, Event: payload})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.topic, raw).Err()
}

// Start subscribes to the shared topic and delivers incoming events to the
// local registry until ctx is cancelled. It returns once the subscription is
// confirmed.
func (r *Relay) Start(ctx context.Context) error {
	if r.rdb == nil || r.registry == nil {
		return nil
	}
	sub := r.rdb.Subscribe(ctx, r.topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("relay: subscribe %s: %w", r.topic, err)
	}
	r.logger.Info().Str("topic", r.topic).Msg("relay: subscribed")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.deliver(msg.Payload)
			}
		}
	}()
	return nil
}

func (r *Relay) deliver(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn().Err(err).Msg("relay: malformed envelope")
		return
	}
	if env.Channel == "" || len(env.Event) == 0 {
		return
	}
	r.registry.Deliver(env.Channel, env.Event)
}

// Wait blocks until the subscription goroutine has exited.
func (r *Relay) Wait() {
	r.wg.Wait()
}
