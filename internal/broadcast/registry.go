// Package broadcast fans job updates out to the live sockets subscribed to a
// channel. A Registry holds this process's sockets; a Relay carries events
// between processes over Redis pub/sub.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"forge3d/internal/infra"
)

// Conn is a subscriber socket. Send must not block for long; slow sockets
// are expected to buffer or drop on their own.
type Conn interface {
	Send(payload []byte) error
}

// Registry maps channel IDs to the sockets subscribed to them. It is safe for
// concurrent use.
type Registry struct {
	logger infra.Logger

	mu       sync.RWMutex
	channels map[string]map[Conn]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *infra.Logger) *Registry {
	return &Registry{
		logger:   infra.LoggerOrDiscard(logger),
		channels: make(map[string]map[Conn]struct{}),
	}
}

// Subscribe adds conn to channelID. Subscribing twice is a no-op.
func (r *Registry) Subscribe(channelID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channelID]
	if !ok {
		set = make(map[Conn]struct{})
		r.channels[channelID] = set
	}
	set[conn] = struct{}{}
}

// Unsubscribe removes conn from channelID and drops the channel once empty.
func (r *Registry) Unsubscribe(channelID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channelID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.channels, channelID)
	}
}

// Broadcast serializes event once and sends it to every socket on channelID.
// It returns the number of sockets that accepted the payload.
func (r *Registry) Broadcast(channelID string, event Event) int {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Str("channel_id", channelID).Msg("broadcast: encode event")
		return 0
	}
	return r.Deliver(channelID, payload)
}

// Deliver sends an already encoded payload to every socket on channelID.
func (r *Registry) Deliver(channelID string, payload []byte) int {
	r.mu.RLock()
	set := r.channels[channelID]
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			r.logger.Debug().Err(err).Str("channel_id", channelID).Msg("broadcast: send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Notify broadcasts update on channelID. Having no subscriber is normal after
// a restart, before clients reconnect.
func (r *Registry) Notify(ctx context.Context, channelID string, update MessageUpdate) {
	if n := r.Broadcast(channelID, NewMessageUpdate(update)); n == 0 {
		r.logger.Debug().
			Str("channel_id", channelID).
			Str("message_id", update.ID).
			Str("status", string(update.Status)).
			Msg("broadcast: no live subscriber")
	}
}

// Subscribers returns how many sockets are subscribed to channelID.
func (r *Registry) Subscribers(channelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channelID])
}

// Channels returns how many channels have at least one subscriber.
func (r *Registry) Channels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
